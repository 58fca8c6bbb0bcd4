package comm

import (
	"fmt"

	"github.com/danmuck/gcomm/internal/buffer"
)

func (c *Communicator) checkPeerRank(role string, r int) error {
	if r < 0 || r >= c.size {
		return fmt.Errorf("%w: %s %d outside [0,%d)", ErrInvalidRank, role, r, c.size)
	}
	return nil
}

// checkTypes requires every non-nil buffer to share one dtype the op supports.
func checkTypes(op Op, bufs ...*buffer.Buffer) error {
	var first *buffer.Buffer
	for _, b := range bufs {
		if b == nil {
			continue
		}
		if first == nil {
			first = b
			if !op.Supports(b.DType()) {
				return fmt.Errorf("%w: %s does not support %s", ErrUnsupportedType, op, b.DType())
			}
			continue
		}
		if b.DType() != first.DType() {
			return fmt.Errorf("%w: mixed dtypes %s and %s", ErrShapeMismatch, first.DType(), b.DType())
		}
	}
	return nil
}

func required(name string, b *buffer.Buffer) error {
	if b == nil {
		return fmt.Errorf("%w: %s buffer is nil", ErrShapeMismatch, name)
	}
	return nil
}

func sameSize(inName string, in *buffer.Buffer, outName string, out *buffer.Buffer) error {
	if in.Size() != out.Size() {
		return fmt.Errorf("%w: %s has %d elements, %s has %d", ErrShapeMismatch, inName, in.Size(), outName, out.Size())
	}
	return nil
}

// checkRows validates a row-addressed (N, chunk) buffer. Multi-dimensional
// buffers must lead with N; flat buffers only need N*chunk elements.
func (c *Communicator) checkRows(name string, b *buffer.Buffer, chunk int) error {
	if b.Size() != c.size*chunk {
		return fmt.Errorf("%w: %s has %d elements, want %d ranks x %d", ErrShapeMismatch, name, b.Size(), c.size, chunk)
	}
	if b.Rank() > 1 && b.Rows() != c.size {
		return fmt.Errorf("%w: %s leading dimension %d, want world size %d", ErrShapeMismatch, name, b.Rows(), c.size)
	}
	return nil
}

func checkChunk(name string, b *buffer.Buffer, chunk int) error {
	if chunk < 0 {
		return fmt.Errorf("%w: negative chunk size %d", ErrShapeMismatch, chunk)
	}
	if b.Size() != chunk {
		return fmt.Errorf("%w: %s has %d elements, chunk size is %d", ErrShapeMismatch, name, b.Size(), chunk)
	}
	return nil
}

func errNotDivisible(size, worldSize int) error {
	return fmt.Errorf("%w: %d elements do not split into %d rows", ErrShapeMismatch, size, worldSize)
}
