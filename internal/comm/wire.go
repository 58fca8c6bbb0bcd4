package comm

import (
	"fmt"

	"github.com/danmuck/gcomm/internal/transport"
)

func (c *Communicator) send(op Op, peer int, payload []byte) error {
	return c.ep.Send(peer, transport.Message{
		Kind:     transport.KindData,
		Op:       uint32(op),
		Sequence: c.seq,
		Payload:  payload,
	})
}

func (c *Communicator) recv(op Op, peer int) ([]byte, error) {
	msg, err := c.ep.Recv(peer)
	if err != nil {
		return nil, err
	}
	if msg.Kind != transport.KindData {
		return nil, fmt.Errorf("%w: rank %d sent a sequence stamp during %s", ErrProtocolViolation, peer, op)
	}
	if c.checkSeq && Op(msg.Op) != op {
		return nil, fmt.Errorf("%w: rank %d sent %s data during %s", ErrProtocolViolation, peer, Op(msg.Op), op)
	}
	return msg.Payload, nil
}

// recvInto receives exactly len(dst) bytes from peer.
func (c *Communicator) recvInto(op Op, peer int, dst []byte) error {
	payload, err := c.recv(op, peer)
	if err != nil {
		return err
	}
	if len(payload) != len(dst) {
		return fmt.Errorf("%w: rank %d sent %d bytes, expected %d", ErrShapeMismatch, peer, len(payload), len(dst))
	}
	copy(dst, payload)
	return nil
}
