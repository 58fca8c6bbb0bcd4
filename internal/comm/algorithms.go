package comm

import (
	"fmt"

	"github.com/danmuck/gcomm/internal/buffer"
)

// segment is a half-open element range [lo, hi).
type segment struct {
	lo, hi int
}

// evenSegments splits count elements into n contiguous, possibly empty, parts.
func evenSegments(count, n int) []segment {
	segs := make([]segment, n)
	for i := range segs {
		segs[i] = segment{lo: count * i / n, hi: count * (i + 1) / n}
	}
	return segs
}

// rowSegments addresses the rows of an (n, chunk) matrix.
func rowSegments(chunk, n int) []segment {
	segs := make([]segment, n)
	for i := range segs {
		segs[i] = segment{lo: i * chunk, hi: (i + 1) * chunk}
	}
	return segs
}

// treeBroadcast is a binomial tree over ranks renumbered so root is 0.
func (c *Communicator) treeBroadcast(op Op, data []byte, root int) error {
	n := c.size
	vr := (c.rank - root + n) % n
	mask := 1
	for mask < n {
		if vr&mask != 0 {
			src := (vr - mask + root) % n
			if err := c.recvInto(op, src, data); err != nil {
				return err
			}
			break
		}
		mask <<= 1
	}
	for mask >>= 1; mask > 0; mask >>= 1 {
		if vr+mask < n {
			if err := c.send(op, (vr+mask+root)%n, data); err != nil {
				return err
			}
		}
	}
	return nil
}

// treeReduce accumulates children into a scratch copy of in and forwards the
// partial sum to the parent. dst is only written on root.
func (c *Communicator) treeReduce(op Op, in *buffer.Buffer, dst []byte, root int) error {
	n := c.size
	acc := in.Clone()
	vr := (c.rank - root + n) % n
	for mask := 1; mask < n; mask <<= 1 {
		if vr&mask != 0 {
			parent := ((vr &^ mask) + root) % n
			return c.send(op, parent, acc.Bytes())
		}
		child := vr | mask
		if child >= n {
			continue
		}
		payload, err := c.recv(op, (child+root)%n)
		if err != nil {
			return err
		}
		if err := sumPayload(acc, acc.Bytes(), payload, (child+root)%n); err != nil {
			return err
		}
	}
	copy(dst, acc.Bytes())
	return nil
}

// ringReduceScatter leaves segment r of buf on rank r summed over all ranks.
// Other segments hold partial sums afterwards.
func (c *Communicator) ringReduceScatter(op Op, buf *buffer.Buffer, segs []segment) error {
	n := c.size
	if n == 1 {
		return nil
	}
	next := (c.rank + 1) % n
	prev := (c.rank - 1 + n) % n
	for s := 0; s < n-1; s++ {
		sendSeg := segs[(c.rank-s-1+2*n)%n]
		recvSeg := segs[(c.rank-s-2+2*n)%n]
		if err := c.send(op, next, buf.ElemRange(sendSeg.lo, sendSeg.hi)); err != nil {
			return err
		}
		payload, err := c.recv(op, prev)
		if err != nil {
			return err
		}
		if err := sumPayload(buf, buf.ElemRange(recvSeg.lo, recvSeg.hi), payload, prev); err != nil {
			return err
		}
	}
	return nil
}

// ringAllGather circulates segment r, owned by rank r, to every rank.
func (c *Communicator) ringAllGather(op Op, buf *buffer.Buffer, segs []segment) error {
	n := c.size
	if n == 1 {
		return nil
	}
	next := (c.rank + 1) % n
	prev := (c.rank - 1 + n) % n
	for s := 0; s < n-1; s++ {
		sendSeg := segs[(c.rank-s+n)%n]
		recvSeg := segs[(c.rank-s-1+n)%n]
		if err := c.send(op, next, buf.ElemRange(sendSeg.lo, sendSeg.hi)); err != nil {
			return err
		}
		if err := c.recvInto(op, prev, buf.ElemRange(recvSeg.lo, recvSeg.hi)); err != nil {
			return err
		}
	}
	return nil
}

// barrier is a dissemination barrier: log2(N) rounds of empty messages.
func (c *Communicator) barrier() error {
	n := c.size
	for k := 1; k < n; k <<= 1 {
		if err := c.send(OpBarrier, (c.rank+k)%n, nil); err != nil {
			return err
		}
		if _, err := c.recv(OpBarrier, (c.rank-k+n)%n); err != nil {
			return err
		}
	}
	return nil
}

func sumPayload(buf *buffer.Buffer, dst, payload []byte, from int) error {
	if len(payload) != len(dst) {
		return fmt.Errorf("%w: rank %d sent %d bytes, expected %d", ErrShapeMismatch, from, len(payload), len(dst))
	}
	return buffer.SumInto(buf.DType(), dst, payload)
}
