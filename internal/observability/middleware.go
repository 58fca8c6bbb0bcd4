package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RequestLogger logs one line per store request. Key requests also carry the
// requested long-poll window and what the request achieved, so a rank that
// stalls in rendezvous shows up as a run of "timeout" lines for its key.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		wait := c.Query("wait")
		window, err := time.ParseDuration(wait)
		outcome := KeyOutcome(c.Request.Method, status, err == nil && window > 0)

		// Missed polls are the normal case while ranks gather.
		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 && status != http.StatusNotFound {
			event = logger.Warn()
		}

		event = event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if key := c.Param("key"); key != "" {
			event = event.Str("key", key).Str("outcome", outcome)
			if wait != "" {
				event = event.Str("wait", wait)
			}
		}
		event.Int("bytes", c.Writer.Size()).Msg("http_request")
	}
}

// KeyOutcome names the result of a key request: a PUT is stored or
// conflicts, a GET is found, missing, or (when it long-polled) timed out.
func KeyOutcome(method string, status int, waited bool) string {
	switch {
	case status == http.StatusUnauthorized:
		return "denied"
	case status == http.StatusBadRequest:
		return "rejected"
	case method == http.MethodPut && (status == http.StatusCreated || status == http.StatusOK):
		return "stored"
	case method == http.MethodPut && status == http.StatusConflict:
		return "conflict"
	case method == http.MethodGet && status == http.StatusOK:
		return "found"
	case method == http.MethodGet && status == http.StatusNotFound && waited:
		return "timeout"
	case method == http.MethodGet && status == http.StatusNotFound:
		return "missing"
	default:
		return "error"
	}
}

func RequestMetricsMiddleware(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		RecordHTTPRequest(node, c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
