package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// LocalFabric connects goroutine ranks through in-memory mailboxes. One
// fabric can host many groups; groups are keyed by token.
type LocalFabric struct {
	mu     sync.Mutex
	groups map[string]*localGroup
}

type localGroup struct {
	token  string
	size   int
	joined []bool
	count  int
	open   int
	ready  chan struct{}
	// boxes[dst][src]
	boxes [][]*mailbox
}

var _ Connector = (*LocalFabric)(nil)

func NewLocalFabric() *LocalFabric {
	return &LocalFabric{groups: make(map[string]*localGroup)}
}

func (f *LocalFabric) Connect(ctx context.Context, token string, rank, size int) (Endpoint, error) {
	if err := checkMembership(token, rank, size); err != nil {
		return nil, err
	}

	f.mu.Lock()
	g, ok := f.groups[token]
	if !ok {
		g = newLocalGroup(token, size)
		f.groups[token] = g
	}
	if g.size != size {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: rank %d joined with size %d, group has %d", ErrTopology, rank, size, g.size)
	}
	if g.joined[rank] {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: rank %d joined twice", ErrTopology, rank)
	}
	g.joined[rank] = true
	g.count++
	g.open++
	if g.count == size {
		close(g.ready)
	}
	f.mu.Unlock()

	select {
	case <-g.ready:
	case <-ctx.Done():
		if f.leave(g, rank) {
			return nil, fmt.Errorf("%w: rank %d waiting for peers: %v", ErrTopology, rank, ctx.Err())
		}
	}
	log.Debug().Str("token", token).Int("rank", rank).Int("size", size).Msg("local fabric joined")
	return &localEndpoint{fabric: f, group: g, rank: rank}, nil
}

// Groups reports how many groups still hold open endpoints.
func (f *LocalFabric) Groups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groups)
}

// leave undoes a join that never completed. It reports false when the
// group filled before the lock was taken, in which case the join stands.
func (f *LocalFabric) leave(g *localGroup, rank int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-g.ready:
		return false
	default:
	}
	g.joined[rank] = false
	g.count--
	g.open--
	if g.count == 0 && f.groups[g.token] == g {
		delete(f.groups, g.token)
	}
	return true
}

func (f *LocalFabric) release(g *localGroup) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g.open--
	if g.open == 0 && f.groups[g.token] == g {
		delete(f.groups, g.token)
	}
}

func newLocalGroup(token string, size int) *localGroup {
	boxes := make([][]*mailbox, size)
	for dst := range boxes {
		boxes[dst] = make([]*mailbox, size)
		for src := range boxes[dst] {
			boxes[dst][src] = newMailbox()
		}
	}
	return &localGroup{
		token:  token,
		size:   size,
		joined: make([]bool, size),
		ready:  make(chan struct{}),
		boxes:  boxes,
	}
}

type localEndpoint struct {
	fabric *LocalFabric
	group  *localGroup
	rank   int
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func (e *localEndpoint) Rank() int { return e.rank }

func (e *localEndpoint) Size() int { return e.group.size }

func (e *localEndpoint) Send(peer int, msg Message) error {
	if err := checkPeer(peer, e.group.size); err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}
	e.group.boxes[peer][e.rank].push(cloneMessage(msg))
	return nil
}

func (e *localEndpoint) Recv(peer int) (Message, error) {
	if err := checkPeer(peer, e.group.size); err != nil {
		return Message{}, err
	}
	return e.group.boxes[e.rank][peer].pop()
}

func (e *localEndpoint) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		for _, box := range e.group.boxes[e.rank] {
			box.fail(ErrClosed)
		}
		// Peers drain what this rank already sent, then see ErrPeerLost.
		lost := fmt.Errorf("%w: rank %d closed", ErrPeerLost, e.rank)
		for dst := range e.group.boxes {
			if dst != e.rank {
				e.group.boxes[dst][e.rank].fail(lost)
			}
		}
		e.fabric.release(e.group)
	})
	return nil
}

func (e *localEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
