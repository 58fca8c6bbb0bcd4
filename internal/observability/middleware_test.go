package observability

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/gcomm/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestRequestLoggerRecordsWaitAndOutcome(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))
	r.GET("/v1/keys/*key", func(c *gin.Context) {
		if c.Param("key") == "/g/token" {
			c.String(http.StatusOK, "tok")
			return
		}
		c.Status(http.StatusNotFound)
	})
	r.PUT("/v1/keys/*key", func(c *gin.Context) { c.Status(http.StatusConflict) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, target := range []struct{ method, url string }{
		{http.MethodGet, "/v1/keys/g/token?wait=2s"},
		{http.MethodGet, "/v1/keys/g/addr/1?wait=2s"},
		{http.MethodGet, "/v1/keys/g/addr/1"},
		{http.MethodPut, "/v1/keys/g/token"},
		{http.MethodGet, "/health"},
	} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(target.method, target.url, strings.NewReader("")))
	}

	var lines []map[string]any
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		lines = append(lines, line)
	}
	if len(lines) != 5 {
		t.Fatalf("expected 5 log lines, got %d", len(lines))
	}

	want := []struct{ outcome, wait string }{
		{"found", "2s"},
		{"timeout", "2s"},
		{"missing", ""},
		{"conflict", ""},
	}
	for i, w := range want {
		if got := lines[i]["outcome"]; got != w.outcome {
			t.Fatalf("line %d outcome=%v want %s", i, got, w.outcome)
		}
		got, ok := lines[i]["wait"]
		if w.wait == "" && ok {
			t.Fatalf("line %d unexpected wait=%v", i, got)
		}
		if w.wait != "" && got != w.wait {
			t.Fatalf("line %d wait=%v want %s", i, got, w.wait)
		}
	}
	if lines[3]["level"] != "warn" {
		t.Fatalf("conflict should log at warn, got %v", lines[3]["level"])
	}
	if _, ok := lines[4]["outcome"]; ok {
		t.Fatalf("non-key request should not carry an outcome: %v", lines[4])
	}
}

func TestKeyOutcome(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		method string
		status int
		waited bool
		want   string
	}{
		{http.MethodPut, http.StatusCreated, false, "stored"},
		{http.MethodPut, http.StatusConflict, false, "conflict"},
		{http.MethodGet, http.StatusOK, true, "found"},
		{http.MethodGet, http.StatusNotFound, true, "timeout"},
		{http.MethodGet, http.StatusNotFound, false, "missing"},
		{http.MethodGet, http.StatusUnauthorized, true, "denied"},
		{http.MethodGet, http.StatusBadRequest, false, "rejected"},
		{http.MethodGet, http.StatusServiceUnavailable, true, "error"},
	}
	for _, tc := range cases {
		if got := KeyOutcome(tc.method, tc.status, tc.waited); got != tc.want {
			t.Fatalf("KeyOutcome(%s, %d, %v)=%s want %s", tc.method, tc.status, tc.waited, got, tc.want)
		}
	}
}
