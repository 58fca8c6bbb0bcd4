package comm

import (
	"fmt"

	"github.com/danmuck/gcomm/internal/buffer"
	"github.com/gomlx/gopjrt/dtypes"
)

// Op names one collective or point-to-point operation.
type Op uint8

const (
	OpBroadcast Op = iota + 1
	OpReduce
	OpAllReduce
	OpReduceScatter
	OpAllGather
	OpScatter
	OpGather
	OpAllToAll
	OpSend
	OpRecv
	OpSendRecv
	OpBarrier
)

// Ops lists every operation in declaration order.
var Ops = []Op{
	OpBroadcast, OpReduce, OpAllReduce, OpReduceScatter, OpAllGather, OpScatter,
	OpGather, OpAllToAll, OpSend, OpRecv, OpSendRecv, OpBarrier,
}

func (o Op) String() string {
	switch o {
	case OpBroadcast:
		return "broadcast"
	case OpReduce:
		return "reduce"
	case OpAllReduce:
		return "all_reduce"
	case OpReduceScatter:
		return "reduce_scatter"
	case OpAllGather:
		return "all_gather"
	case OpScatter:
		return "scatter"
	case OpGather:
		return "gather"
	case OpAllToAll:
		return "all_to_all"
	case OpSend:
		return "send"
	case OpRecv:
		return "recv"
	case OpSendRecv:
		return "send_recv"
	case OpBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Reduces reports whether the operation sums contributions.
func (o Op) Reduces() bool {
	switch o {
	case OpReduce, OpAllReduce, OpReduceScatter:
		return true
	default:
		return false
	}
}

// Collective reports whether every rank of the group takes part.
func (o Op) Collective() bool {
	switch o {
	case OpSend, OpRecv, OpSendRecv:
		return false
	default:
		return o >= OpBroadcast && o <= OpBarrier
	}
}

// Supports reports whether the operation accepts buffers of dtype. Integers
// narrower than 32 bits and bool are refused by every data-carrying operation,
// including ones that only move bytes.
func (o Op) Supports(dtype dtypes.DType) bool {
	if o == OpBarrier {
		return true
	}
	switch dtype {
	case dtypes.InvalidDType, dtypes.Bool,
		dtypes.Int8, dtypes.Uint8, dtypes.Int16, dtypes.Uint16:
		return false
	}
	if dtype.Size() <= 0 {
		return false
	}
	if o.Reduces() {
		return buffer.Reducible(dtype)
	}
	return true
}
