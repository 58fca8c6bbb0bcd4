package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/gcomm/internal/auth"
	"github.com/danmuck/gcomm/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := NewServer("store-test", "127.0.0.1:0", nil, 2*time.Second)
	ts := httptest.NewServer(srv.HTTPRouter())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestServerPutGetConflict(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/v1/keys/gcomm/g/token", strings.NewReader("tok"))
	rr := httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodPut, "/v1/keys/gcomm/g/token", strings.NewReader("again"))
	rr = httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/keys/gcomm/g/token", nil)
	rr = httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "tok" {
		t.Fatalf("unexpected get: %d %q", rr.Code, rr.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/keys/gcomm/g/missing", nil)
	rr = httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestServerRejectsBadWait(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/keys/k?wait=soon", nil)
	rr := httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestServerHealthAndList(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t)
	if err := srv.Store().Put(context.Background(), "gcomm/x/token", []byte("t")); err != nil {
		t.Fatalf("put: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health status %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/list?prefix=gcomm/", nil))
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(body.Keys) != 1 || body.Keys[0] != "gcomm/x/token" {
		t.Fatalf("unexpected list %v", body.Keys)
	}
}

func TestHTTPStoreLongPollRoundTrip(t *testing.T) {
	testlog.Start(t)
	_, ts := newTestServer(t)
	writer := NewHTTPStore(ts.URL, 2*time.Second)
	reader := NewHTTPStore(ts.URL, 2*time.Second)

	done := make(chan struct{})
	var got []byte
	var getErr error
	go func() {
		defer close(done)
		got, getErr = reader.Get(context.Background(), Key("grp", "token"))
	}()

	time.Sleep(50 * time.Millisecond)
	if err := writer.Put(context.Background(), Key("grp", "token"), []byte("uuid-1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	<-done
	if getErr != nil || string(got) != "uuid-1" {
		t.Fatalf("get=%q err=%v", got, getErr)
	}
	if err := writer.Put(context.Background(), Key("grp", "token"), []byte("uuid-2")); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
	keys, err := writer.Keys(context.Background(), "gcomm/grp")
	if err != nil || len(keys) != 1 {
		t.Fatalf("keys=%v err=%v", keys, err)
	}
}

func TestHTTPStoreGetTimesOut(t *testing.T) {
	testlog.Start(t)
	_, ts := newTestServer(t)
	store := NewHTTPStore(ts.URL, 150*time.Millisecond)
	start := time.Now()
	if _, err := store.Get(context.Background(), "gcomm/none/token"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestHTTPStoreUnreachableTimesOut(t *testing.T) {
	testlog.Start(t)
	store := NewHTTPStore("127.0.0.1:1", 200*time.Millisecond)
	if _, err := store.Get(context.Background(), "gcomm/none/token"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestHTTPStoreBearerToken(t *testing.T) {
	testlog.Start(t)
	srv, ts := newTestServer(t)
	srv.RequireToken("s3cret")

	anon := NewHTTPStore(ts.URL, time.Second)
	if err := anon.Put(context.Background(), Key("sec", "token"), []byte("x")); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on put, got %v", err)
	}
	start := time.Now()
	if _, err := anon.Get(context.Background(), Key("sec", "token")); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on get, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("denied get should not retry, took %v", elapsed)
	}

	client := NewHTTPStore(ts.URL, time.Second).WithAuthToken("s3cret")
	if err := client.Put(context.Background(), Key("sec", "token"), []byte("x")); err != nil {
		t.Fatalf("put with token: %v", err)
	}
	got, err := client.Get(context.Background(), Key("sec", "token"))
	if err != nil || string(got) != "x" {
		t.Fatalf("get with token=%q err=%v", got, err)
	}

	rr := httptest.NewRecorder()
	srv.HTTPRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", rr.Code)
	}
}

// dropFirstPutResponse applies the first PUT to the router and then cuts
// the connection before any response reaches the client.
func dropFirstPutResponse(t *testing.T, router http.Handler) http.Handler {
	t.Helper()
	var dropped atomic.Bool
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || !dropped.CompareAndSwap(false, true) {
			router.ServeHTTP(w, r)
			return
		}
		router.ServeHTTP(httptest.NewRecorder(), r)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	})
}

func TestHTTPStorePutSurvivesLostResponse(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv := NewServer("store-test", "127.0.0.1:0", nil, 2*time.Second)
	ts := httptest.NewServer(dropFirstPutResponse(t, srv.HTTPRouter()))
	t.Cleanup(ts.Close)

	client := NewHTTPStore(ts.URL, 2*time.Second)
	if err := client.Put(context.Background(), Key("lost", "token"), []byte("tok")); err != nil {
		t.Fatalf("put whose first response was lost: %v", err)
	}
	got, err := client.Get(context.Background(), Key("lost", "token"))
	if err != nil || string(got) != "tok" {
		t.Fatalf("get=%q err=%v", got, err)
	}
}

func TestHTTPStorePutRetryStillConflictsOnOtherValue(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv := NewServer("store-test", "127.0.0.1:0", nil, 2*time.Second)
	if err := srv.store.Put(context.Background(), Key("taken", "token"), []byte("theirs")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ts := httptest.NewServer(dropFirstPutResponse(t, srv.HTTPRouter()))
	t.Cleanup(ts.Close)

	client := NewHTTPStore(ts.URL, 2*time.Second)
	if err := client.Put(context.Background(), Key("taken", "token"), []byte("mine")); !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}
}
