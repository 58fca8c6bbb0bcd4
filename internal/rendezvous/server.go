package rendezvous

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/gcomm/internal/auth"
	"github.com/danmuck/gcomm/internal/observability"
	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	maxValueBytes = 1 << 20
	version       = "0.1.0"
)

// Server exposes a MemoryStore over HTTP so ranks in separate processes can
// rendezvous. GET supports long-polling through ?wait=<duration>.
type Server struct {
	ID        string
	Addr      string
	WaitLimit time.Duration
	Started   time.Time

	store     *MemoryStore
	router    *gin.Engine
	validator auth.Validator
}

func NewServer(id, addr string, corsOrigins []string, waitLimit time.Duration) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "PUT"},
		AllowHeaders: []string{"Origin", "Content-Type", auth.Header},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	if waitLimit <= 0 {
		waitLimit = time.Minute
	}
	s := &Server{
		ID:        id,
		Addr:      addr,
		WaitLimit: waitLimit,
		Started:   time.Now(),
		store:     NewMemoryStore(0),
		router:    r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) Store() *MemoryStore {
	return s.store
}

// RequireToken makes every /v1 request present token as a bearer token.
// Health, readiness and metrics stay open.
func (s *Server) RequireToken(token string) {
	s.validator = auth.StaticToken{Token: token}
}

func (s *Server) Serve() error {
	log.Info().Str("store", s.ID).Str("addr", s.Addr).Msg("rendezvous store listening")
	return s.router.Run(s.Addr)
}

// ServeListener serves on an existing listener, used when the port is chosen by the OS.
func (s *Server) ServeListener(ln net.Listener) error {
	log.Info().Str("store", s.ID).Str("addr", ln.Addr().String()).Msg("rendezvous store listening")
	return s.router.RunListener(ln)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Started).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"keys":    len(s.store.Keys("")),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1", func(c *gin.Context) {
		auth.Middleware(s.validator)(c)
	})
	v1.GET("/list", s.handleList)
	v1.PUT("/keys/*key", s.handlePut)
	v1.GET("/keys/*key", s.handleGet)
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": s.store.Keys(c.Query("prefix"))})
}

func (s *Server) handlePut(c *gin.Context) {
	key := trimKey(c.Param("key"))
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxValueBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body) > maxValueBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "value exceeds " + humanize.Bytes(maxValueBytes),
		})
		return
	}
	if err := s.store.Put(c.Request.Context(), key, body); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrKeyExists):
			status = http.StatusConflict
		case errors.Is(err, ErrEmptyKey):
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok", "key": key})
}

func (s *Server) handleGet(c *gin.Context) {
	key := trimKey(c.Param("key"))
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrEmptyKey.Error()})
		return
	}

	wait := time.Duration(0)
	if raw := c.Query("wait"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wait duration"})
			return
		}
		wait = min(parsed, s.WaitLimit)
	}

	if wait == 0 {
		value, ok := s.store.Lookup(key)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found", "key": key})
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", value)
		return
	}

	value, err := s.store.GetWait(c.Request.Context(), key, wait)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found", "key": key})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", value)
}

func trimKey(raw string) string {
	return strings.TrimPrefix(raw, "/")
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
