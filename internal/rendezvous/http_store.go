package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/gcomm/internal/auth"
	"github.com/danmuck/gcomm/internal/observability"
	"github.com/danmuck/gcomm/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const defaultPollWindow = 5 * time.Second

// HTTPStore is a Store client for Server. Get long-polls in windows until the
// key appears or the timeout expires; connection errors are retried with backoff
// so ranks may start before the store is reachable.
type HTTPStore struct {
	base       string
	client     *http.Client
	timeout    time.Duration
	pollWindow time.Duration
	backoff    session.BackoffConfig
	token      string
}

var _ Store = (*HTTPStore)(nil)

func NewHTTPStore(addr string, timeout time.Duration) *HTTPStore {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &HTTPStore{
		base:       base,
		client:     &http.Client{},
		timeout:    timeout,
		pollWindow: defaultPollWindow,
		backoff:    session.DefaultConfig().Backoff,
	}
}

// WithAuthToken sends token as a bearer token on every request.
func (s *HTTPStore) WithAuthToken(token string) *HTTPStore {
	s.token = token
	return s
}

func (s *HTTPStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	ctx, cancel := waitContext(ctx, s.timeout)
	defer cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.keyURL(key), bytes.NewReader(value))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		s.authorize(req)
		resp, err := s.client.Do(req)
		if err != nil {
			if waitErr := s.sleep(ctx, attempt, rng); waitErr != nil {
				return timeoutError(key, waitErr)
			}
			continue
		}
		status := resp.StatusCode
		msg := readError(resp)
		switch status {
		case http.StatusCreated, http.StatusOK:
			return nil
		case http.StatusConflict:
			if attempt > 1 {
				return s.reconcile(ctx, key, value)
			}
			return ErrKeyExists
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: put %q", auth.ErrUnauthorized, key)
		case http.StatusBadRequest:
			return fmt.Errorf("rendezvous: put %q rejected: %s", key, msg)
		default:
			return fmt.Errorf("rendezvous: put %q status %d: %s", key, status, msg)
		}
	}
}

// reconcile handles a conflict seen after a retried PUT. An earlier attempt
// may have landed with only its response lost; the write stands if the
// stored value is the one this client sent.
func (s *HTTPStore) reconcile(ctx context.Context, key string, value []byte) error {
	stored, found, err := s.poll(ctx, key, 0)
	if err != nil {
		return fmt.Errorf("rendezvous: put %q conflict check: %w", key, err)
	}
	if !found || !bytes.Equal(stored, value) {
		return ErrKeyExists
	}
	log.Debug().Str("key", key).Msg("rendezvous put landed on an earlier attempt")
	return nil
}

func (s *HTTPStore) Get(ctx context.Context, key string) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	start := time.Now()
	ctx, cancel := waitContext(ctx, s.timeout)
	defer cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		window := s.pollWindow
		if deadline, ok := ctx.Deadline(); ok {
			window = min(window, time.Until(deadline))
		}
		if err := ctx.Err(); err != nil {
			observability.RecordRendezvousWait("http", "timeout", time.Since(start))
			return nil, timeoutError(key, err)
		}
		if window <= 0 {
			observability.RecordRendezvousWait("http", "timeout", time.Since(start))
			return nil, timeoutError(key, context.DeadlineExceeded)
		}
		value, found, err := s.poll(ctx, key, window)
		if errors.Is(err, auth.ErrUnauthorized) {
			observability.RecordRendezvousWait("http", "denied", time.Since(start))
			return nil, err
		}
		if err != nil {
			if ctx.Err() != nil {
				observability.RecordRendezvousWait("http", "timeout", time.Since(start))
				return nil, timeoutError(key, ctx.Err())
			}
			attempt++
			log.Debug().Err(err).Str("key", key).Int("attempt", attempt).Msg("rendezvous poll failed")
			if waitErr := s.sleep(ctx, attempt, rng); waitErr != nil {
				observability.RecordRendezvousWait("http", "timeout", time.Since(start))
				return nil, timeoutError(key, waitErr)
			}
			continue
		}
		attempt = 0
		if found {
			observability.RecordRendezvousWait("http", "found", time.Since(start))
			return value, nil
		}
	}
}

func (s *HTTPStore) poll(ctx context.Context, key string, window time.Duration) ([]byte, bool, error) {
	u := s.keyURL(key) + "?wait=" + url.QueryEscape(window.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, err
		}
		return body, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	case http.StatusUnauthorized:
		return nil, false, fmt.Errorf("%w: get %q", auth.ErrUnauthorized, key)
	default:
		return nil, false, fmt.Errorf("rendezvous: get %q status %d", key, resp.StatusCode)
	}
}

// Keys lists keys on the server with the given prefix.
func (s *HTTPStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	u := s.base + "/v1/list?prefix=" + url.QueryEscape(prefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	s.authorize(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rendezvous: list status %d", resp.StatusCode)
	}
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Keys, nil
}

func (s *HTTPStore) sleep(ctx context.Context, attempt int, rng *rand.Rand) error {
	timer := time.NewTimer(session.NextBackoffDelay(s.backoff, attempt, rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *HTTPStore) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set(auth.Header, auth.BearerValue(s.token))
	}
}

func (s *HTTPStore) keyURL(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.base + "/v1/keys/" + strings.Join(parts, "/")
}

func readError(resp *http.Response) string {
	defer resp.Body.Close()
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)
	return body.Error
}
