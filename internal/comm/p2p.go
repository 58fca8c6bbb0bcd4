package comm

import (
	"github.com/danmuck/gcomm/internal/buffer"
)

// Send transfers buf to dest. It returns once the transport holds the data;
// it does not wait for the matching Recv.
func (c *Communicator) Send(buf *buffer.Buffer, dest int) error {
	const op = OpSend
	if err := firstErr(c.checkPeerRank("dest", dest), required("buf", buf), checkTypes(op, buf)); err != nil {
		return c.fail(op, err)
	}
	return c.run(op, buf.ByteLen(), func() error {
		return c.send(OpSend, dest, buf.Bytes())
	})
}

// Recv fills buf with the next Send from src. The sender's buffer must have
// the same byte length.
func (c *Communicator) Recv(buf *buffer.Buffer, src int) error {
	const op = OpRecv
	if err := firstErr(c.checkPeerRank("src", src), required("buf", buf), checkTypes(op, buf)); err != nil {
		return c.fail(op, err)
	}
	return c.run(op, buf.ByteLen(), func() error {
		return c.recvInto(OpSend, src, buf.Bytes())
	})
}

// SendRecv sends in to peer and receives peer's in into out. Both ranks may
// call it symmetrically without deadlock. With peer equal to this rank it
// copies in to out.
func (c *Communicator) SendRecv(in, out *buffer.Buffer, peer int) error {
	const op = OpSendRecv
	if err := firstErr(c.checkPeerRank("peer", peer), required("in", in), required("out", out), checkTypes(op, in, out)); err != nil {
		return c.fail(op, err)
	}
	if peer == c.rank {
		if err := sameSize("in", in, "out", out); err != nil {
			return c.fail(op, err)
		}
	}
	return c.run(op, in.ByteLen(), func() error {
		if peer == c.rank {
			copy(out.Bytes(), in.Bytes())
			return nil
		}
		if err := c.send(op, peer, in.Bytes()); err != nil {
			return err
		}
		return c.recvInto(op, peer, out.Bytes())
	})
}
