package comm

import (
	"errors"
	"fmt"
)

var (
	ErrRendezvousTimeout = errors.New("comm: rendezvous timed out")
	ErrTopology          = errors.New("comm: topology setup failed")
	ErrShapeMismatch     = errors.New("comm: buffer shape mismatch")
	ErrUnsupportedType   = errors.New("comm: unsupported dtype")
	ErrInvalidRank       = errors.New("comm: invalid rank")
	ErrProtocolViolation = errors.New("comm: collective sequence mismatch")
	ErrClosed            = errors.New("comm: communicator closed")
)

// OpError reports a failed operation on one rank.
type OpError struct {
	Op   Op
	Rank int
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("comm: rank %d %s: %v", e.Rank, e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
