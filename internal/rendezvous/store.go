package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	keyPrefix      = "gcomm"
	DefaultTimeout = 30 * time.Second
)

var (
	ErrKeyExists = errors.New("rendezvous: key already written")
	ErrTimeout   = errors.New("rendezvous: timed out waiting for key")
	ErrEmptyKey  = errors.New("rendezvous: empty key")
)

// Store is a write-once blackboard. Get blocks until the key exists or the
// store's timeout (or ctx) expires.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Key derives a store key scoped to one communicator group.
func Key(group string, parts ...any) string {
	segments := make([]string, 0, len(parts)+2)
	segments = append(segments, keyPrefix, group)
	for _, p := range parts {
		segments = append(segments, fmt.Sprint(p))
	}
	return strings.Join(segments, "/")
}

// waitContext bounds ctx by timeout when timeout is positive.
func waitContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func timeoutError(key string, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	return fmt.Errorf("%w: key %q", ErrTimeout, key)
}
