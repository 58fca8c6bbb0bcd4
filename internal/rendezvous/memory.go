package rendezvous

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gcomm/internal/observability"
	"github.com/rs/zerolog/log"
)

// MemoryStore is an in-process Store. Waiters are woken by closing a shared
// channel on every Put.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	changed chan struct{}
	timeout time.Duration
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(timeout time.Duration) *MemoryStore {
	return &MemoryStore{
		data:    make(map[string][]byte),
		changed: make(chan struct{}),
		timeout: timeout,
	}
}

func (s *MemoryStore) Timeout() time.Duration {
	return s.timeout
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return ErrKeyExists
	}
	s.data[key] = append([]byte(nil), value...)
	close(s.changed)
	s.changed = make(chan struct{})
	log.Debug().Str("key", key).Int("bytes", len(value)).Msg("rendezvous put")
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.GetWait(ctx, key, s.timeout)
}

// GetWait is Get with an explicit wait bound instead of the store timeout.
func (s *MemoryStore) GetWait(ctx context.Context, key string, wait time.Duration) ([]byte, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	start := time.Now()
	ctx, cancel := waitContext(ctx, wait)
	defer cancel()
	for {
		s.mu.Lock()
		value, ok := s.data[key]
		changed := s.changed
		s.mu.Unlock()
		if ok {
			observability.RecordRendezvousWait("memory", "found", time.Since(start))
			return append([]byte(nil), value...), nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			observability.RecordRendezvousWait("memory", "timeout", time.Since(start))
			return nil, timeoutError(key, ctx.Err())
		}
	}
}

// Lookup returns the value without blocking.
func (s *MemoryStore) Lookup(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

// Keys lists stored keys with the given prefix in sorted order.
func (s *MemoryStore) Keys(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
