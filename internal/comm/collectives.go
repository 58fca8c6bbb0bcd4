package comm

import (
	"time"

	"github.com/danmuck/gcomm/internal/buffer"
	"github.com/danmuck/gcomm/internal/observability"
	"github.com/dustin/go-humanize"
)

// run executes one validated operation. Collectives advance the sequence
// counter and, when enabled, check it against ring neighbours first.
func (c *Communicator) run(op Op, bytes int, fn func() error) error {
	if c.closed {
		return c.fail(op, ErrClosed)
	}
	start := time.Now()
	if op.Collective() {
		c.seq++
		if c.checkSeq {
			if err := c.exchangeStamps(op); err != nil {
				observability.RecordCollective(op.String(), 0, time.Since(start), false)
				return c.fail(op, err)
			}
		}
	}
	err := fn()
	elapsed := time.Since(start)
	observability.RecordCollective(op.String(), bytes, elapsed, err == nil)
	if err != nil {
		return c.fail(op, err)
	}
	c.logger.Trace().
		Str("op", op.String()).
		Uint64("seq", c.seq).
		Str("bytes", humanize.Bytes(uint64(bytes))).
		Dur("elapsed", elapsed).
		Msg("collective done")
	return nil
}

func (c *Communicator) fail(op Op, err error) error {
	c.logger.Error().Err(err).Str("op", op.String()).Uint64("seq", c.seq).Msg("operation failed")
	return &OpError{Op: op, Rank: c.rank, Err: err}
}

// Broadcast copies root's buf into every other rank's buf.
func (c *Communicator) Broadcast(buf *buffer.Buffer, root int) error {
	const op = OpBroadcast
	if err := firstErr(
		c.checkPeerRank("root", root),
		required("buf", buf),
		checkTypes(op, buf),
	); err != nil {
		return c.fail(op, err)
	}
	return c.run(op, buf.ByteLen(), func() error {
		return c.treeBroadcast(op, buf.Bytes(), root)
	})
}

// Reduce sums every rank's in into root's out. Non-root out is ignored and may be nil.
func (c *Communicator) Reduce(in, out *buffer.Buffer, root int) error {
	const op = OpReduce
	if err := firstErr(c.checkPeerRank("root", root), required("in", in)); err != nil {
		return c.fail(op, err)
	}
	if c.rank == root {
		if err := firstErr(required("out", out), checkTypes(op, in, out)); err != nil {
			return c.fail(op, err)
		}
		if err := sameSize("in", in, "out", out); err != nil {
			return c.fail(op, err)
		}
	} else if err := checkTypes(op, in); err != nil {
		return c.fail(op, err)
	}
	return c.run(op, in.ByteLen(), func() error {
		var dst []byte
		if c.rank == root {
			dst = out.Bytes()
		}
		return c.treeReduce(op, in, dst, root)
	})
}

// AllReduce leaves the elementwise sum of every rank's in in every rank's out.
// in and out may be the same buffer.
func (c *Communicator) AllReduce(in, out *buffer.Buffer) error {
	const op = OpAllReduce
	if err := firstErr(required("in", in), required("out", out), checkTypes(op, in, out)); err != nil {
		return c.fail(op, err)
	}
	if err := sameSize("in", in, "out", out); err != nil {
		return c.fail(op, err)
	}
	return c.run(op, in.ByteLen(), func() error {
		copy(out.Bytes(), in.Bytes())
		if err := c.ringReduceScatter(op, out, evenSegments(out.Size(), c.size)); err != nil {
			return err
		}
		return c.ringAllGather(op, out, evenSegments(out.Size(), c.size))
	})
}

// ReduceScatter sums row r of every rank's (N, chunk) in into rank r's out.
func (c *Communicator) ReduceScatter(in, out *buffer.Buffer, chunk int) error {
	const op = OpReduceScatter
	if err := firstErr(required("in", in), required("out", out), checkTypes(op, in, out)); err != nil {
		return c.fail(op, err)
	}
	if err := firstErr(c.checkRows("in", in, chunk), checkChunk("out", out, chunk)); err != nil {
		return c.fail(op, err)
	}
	return c.run(op, in.ByteLen(), func() error {
		scratch := in.Clone()
		if err := c.ringReduceScatter(op, scratch, rowSegments(chunk, c.size)); err != nil {
			return err
		}
		copy(out.Bytes(), scratch.ElemRange(c.rank*chunk, (c.rank+1)*chunk))
		return nil
	})
}

// AllGather fills row k of every rank's (N, chunk) out with rank k's in.
// in must hold exactly chunk elements.
func (c *Communicator) AllGather(in, out *buffer.Buffer, chunk int) error {
	const op = OpAllGather
	if err := firstErr(required("in", in), required("out", out), checkTypes(op, in, out)); err != nil {
		return c.fail(op, err)
	}
	if err := firstErr(checkChunk("in", in, chunk), c.checkRows("out", out, chunk)); err != nil {
		return c.fail(op, err)
	}
	return c.run(op, in.ByteLen(), func() error {
		copy(out.ElemRange(c.rank*chunk, (c.rank+1)*chunk), in.Bytes())
		return c.ringAllGather(op, out, rowSegments(chunk, c.size))
	})
}

// Scatter sends row r of root's (N, chunk) in to rank r's out. The chunk size
// is out's element count. Non-root in is ignored and may be nil.
func (c *Communicator) Scatter(in, out *buffer.Buffer, root int) error {
	const op = OpScatter
	if err := firstErr(c.checkPeerRank("root", root), required("out", out)); err != nil {
		return c.fail(op, err)
	}
	chunk := out.Size()
	if c.rank == root {
		if err := firstErr(required("in", in), checkTypes(op, in, out)); err != nil {
			return c.fail(op, err)
		}
		if err := c.checkRows("in", in, chunk); err != nil {
			return c.fail(op, err)
		}
	} else if err := checkTypes(op, out); err != nil {
		return c.fail(op, err)
	}
	return c.run(op, out.ByteLen(), func() error {
		if c.rank != root {
			return c.recvInto(op, root, out.Bytes())
		}
		for k := 0; k < c.size; k++ {
			if k == root {
				continue
			}
			if err := c.send(op, k, in.ElemRange(k*chunk, (k+1)*chunk)); err != nil {
				return err
			}
		}
		copy(out.Bytes(), in.ElemRange(root*chunk, (root+1)*chunk))
		return nil
	})
}

// Gather collects every rank's in into row k of root's (N, chunk) out. The
// chunk size is in's element count. Non-root out is ignored and may be nil.
func (c *Communicator) Gather(in, out *buffer.Buffer, root int) error {
	const op = OpGather
	if err := firstErr(c.checkPeerRank("root", root), required("in", in)); err != nil {
		return c.fail(op, err)
	}
	chunk := in.Size()
	if c.rank == root {
		if err := firstErr(required("out", out), checkTypes(op, in, out)); err != nil {
			return c.fail(op, err)
		}
		if err := c.checkRows("out", out, chunk); err != nil {
			return c.fail(op, err)
		}
	} else if err := checkTypes(op, in); err != nil {
		return c.fail(op, err)
	}
	return c.run(op, in.ByteLen(), func() error {
		if c.rank != root {
			return c.send(op, root, in.Bytes())
		}
		copy(out.ElemRange(root*chunk, (root+1)*chunk), in.Bytes())
		for k := 0; k < c.size; k++ {
			if k == root {
				continue
			}
			if err := c.recvInto(op, k, out.ElemRange(k*chunk, (k+1)*chunk)); err != nil {
				return err
			}
		}
		return nil
	})
}

// AllToAll sets row j of rank r's out to row r of rank j's in. in and out
// may be the same buffer.
func (c *Communicator) AllToAll(in, out *buffer.Buffer) error {
	const op = OpAllToAll
	if err := firstErr(required("in", in), required("out", out), checkTypes(op, in, out)); err != nil {
		return c.fail(op, err)
	}
	if err := sameSize("in", in, "out", out); err != nil {
		return c.fail(op, err)
	}
	if in.Size()%c.size != 0 {
		return c.fail(op, errNotDivisible(in.Size(), c.size))
	}
	chunk := in.Size() / c.size
	if err := firstErr(c.checkRows("in", in, chunk), c.checkRows("out", out, chunk)); err != nil {
		return c.fail(op, err)
	}
	return c.run(op, in.ByteLen(), func() error {
		for j := 0; j < c.size; j++ {
			if j == c.rank {
				continue
			}
			if err := c.send(op, j, in.ElemRange(j*chunk, (j+1)*chunk)); err != nil {
				return err
			}
		}
		copy(out.ElemRange(c.rank*chunk, (c.rank+1)*chunk), in.ElemRange(c.rank*chunk, (c.rank+1)*chunk))
		for j := 0; j < c.size; j++ {
			if j == c.rank {
				continue
			}
			if err := c.recvInto(op, j, out.ElemRange(j*chunk, (j+1)*chunk)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Barrier returns once every rank has entered it.
func (c *Communicator) Barrier() error {
	return c.run(OpBarrier, 0, c.barrier)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
