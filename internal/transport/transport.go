package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/gcomm/internal/protocol/schema"
)

var (
	ErrTopology    = errors.New("transport: topology setup failed")
	ErrClosed      = errors.New("transport: endpoint closed")
	ErrInvalidPeer = errors.New("transport: invalid peer rank")
	ErrPeerLost    = errors.New("transport: peer connection lost")
)

// Message kinds mirror the wire message types.
const (
	KindData     = schema.MsgData
	KindSequence = schema.MsgSequence
)

// Message is one unit of peer traffic. Payload is only set for KindData.
type Message struct {
	Kind     uint32
	Op       uint32
	Sequence uint64
	Payload  []byte
}

// Endpoint is one rank's view of the mesh. Send copies or writes the payload
// before returning, so callers may reuse their memory immediately. Messages
// between a pair of ranks arrive in send order. Endpoints are not safe for
// concurrent Recv on the same peer.
type Endpoint interface {
	Rank() int
	Size() int
	Send(peer int, msg Message) error
	Recv(peer int) (Message, error)
	Close() error
}

// Connector builds the mesh for one communicator. Every rank of the group
// calls Connect with the same token and size; Connect returns once this rank
// can reach all others.
type Connector interface {
	Connect(ctx context.Context, token string, rank, size int) (Endpoint, error)
}

func checkPeer(peer, size int) error {
	if peer < 0 || peer >= size {
		return fmt.Errorf("%w: %d outside [0,%d)", ErrInvalidPeer, peer, size)
	}
	return nil
}

func checkMembership(token string, rank, size int) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", ErrTopology)
	}
	if size < 1 {
		return fmt.Errorf("%w: world size %d", ErrTopology, size)
	}
	if rank < 0 || rank >= size {
		return fmt.Errorf("%w: rank %d outside [0,%d)", ErrTopology, rank, size)
	}
	return nil
}

func cloneMessage(msg Message) Message {
	if msg.Payload != nil {
		msg.Payload = append([]byte(nil), msg.Payload...)
	}
	return msg
}
