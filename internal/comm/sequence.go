package comm

import (
	"fmt"

	"github.com/danmuck/gcomm/internal/transport"
)

// exchangeStamps sends this rank's (op, seq) to the next rank and checks the
// previous rank's stamp. Agreement around the ring implies global agreement.
func (c *Communicator) exchangeStamps(op Op) error {
	if c.size == 1 {
		return nil
	}
	next := (c.rank + 1) % c.size
	prev := (c.rank - 1 + c.size) % c.size
	if err := c.ep.Send(next, transport.Message{
		Kind:     transport.KindSequence,
		Op:       uint32(op),
		Sequence: c.seq,
	}); err != nil {
		return err
	}
	msg, err := c.ep.Recv(prev)
	if err != nil {
		return err
	}
	if msg.Kind != transport.KindSequence {
		return fmt.Errorf("%w: rank %d sent data while this rank started %s #%d", ErrProtocolViolation, prev, op, c.seq)
	}
	if Op(msg.Op) != op || msg.Sequence != c.seq {
		return fmt.Errorf(
			"%w: rank %d is at %s #%d, this rank is at %s #%d",
			ErrProtocolViolation, prev, Op(msg.Op), msg.Sequence, op, c.seq,
		)
	}
	return nil
}
