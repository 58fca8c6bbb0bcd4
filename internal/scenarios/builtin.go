package scenarios

import (
	"fmt"
	"math"
	"time"

	"github.com/danmuck/gcomm/internal/buffer"
	"github.com/danmuck/gcomm/internal/comm"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
)

const (
	chunkLen            = 10
	DefaultBarrierDelay = 200 * time.Millisecond
)

var cubeShape = []int{2, 3, 4}

// Builtin returns a registry holding every built-in scenario.
func Builtin() *Registry {
	r := NewRegistry()
	for _, s := range builtins() {
		must.M(r.Register(s))
	}
	return r
}

func builtins() []Scenario {
	return []Scenario{
		{ID: "broadcast", Description: "root's arange(2,3,4) reaches every rank", Op: comm.OpBroadcast, Typed: true, Rooted: true, MinWorld: 1, Body: runBroadcast},
		{ID: "reduce", Description: "root holds N times arange(2,3,4)", Op: comm.OpReduce, Typed: true, Rooted: true, MinWorld: 1, Body: runReduce},
		{ID: "all_reduce", Description: "every rank holds N times arange(2,3,4)", Op: comm.OpAllReduce, Typed: true, MinWorld: 1, Body: runAllReduce},
		{ID: "reduce_scatter", Description: "rank r holds N times row r of 1+arange(N,10)", Op: comm.OpReduceScatter, Typed: true, MinWorld: 1, Body: runReduceScatter},
		{ID: "all_gather", Description: "row k of every output is (k+1)*arange(10)", Op: comm.OpAllGather, Typed: true, MinWorld: 1, Body: runAllGather},
		{ID: "send_and_recv", Description: "rank 0 sends arange(10) to rank 1", Op: comm.OpSend, Typed: true, MinWorld: 2, Body: runSendAndRecv},
		{ID: "send_recv", Description: "every rank exchanges arange(10) with every rank, itself included", Op: comm.OpSendRecv, Typed: true, MinWorld: 1, Body: runSendRecv},
		{ID: "scatter", Description: "rank r receives row r of root's 1+arange(N,10)", Op: comm.OpScatter, Typed: true, Rooted: true, MinWorld: 1, Body: runScatter},
		{ID: "gather", Description: "root row k is (k+1)*arange(10)", Op: comm.OpGather, Typed: true, Rooted: true, MinWorld: 1, Body: runGather},
		{ID: "all_to_all", Description: "rank r row j is rank j's row r of arange(N,10)", Op: comm.OpAllToAll, Typed: true, MinWorld: 1, Body: runAllToAll},
		{ID: "barrier", Description: "no rank leaves a barrier before a delayed rank 0 enters it", Op: comm.OpBarrier, MinWorld: 1, Body: runBarrier},
		{ID: "init", Description: "a fresh communicator carries a one-element broadcast", Op: comm.OpBroadcast, MinWorld: 1, Body: runInit},
	}
}

func runBroadcast(c *comm.Communicator, env Env) error {
	want := arange(24, 0, 1)
	buf := must.M1(buffer.Zeros(env.DType, cubeShape...))
	if c.Rank() == env.Root {
		buf = must.M1(buffer.FromFloat64s(env.DType, want, cubeShape...))
	}
	if err := c.Broadcast(buf, env.Root); err != nil {
		return err
	}
	return check(buf, want, "broadcast output")
}

func runReduce(c *comm.Communicator, env Env) error {
	in := must.M1(buffer.FromFloat64s(env.DType, arange(24, 0, 1), cubeShape...))
	out := must.M1(buffer.Zeros(env.DType, cubeShape...))
	if err := c.Reduce(in, out, env.Root); err != nil {
		return err
	}
	if c.Rank() != env.Root {
		return nil
	}
	return check(out, arange(24, 0, float64(c.WorldSize())), "reduce output")
}

func runAllReduce(c *comm.Communicator, env Env) error {
	in := must.M1(buffer.FromFloat64s(env.DType, arange(24, 0, 1), cubeShape...))
	out := must.M1(buffer.Zeros(env.DType, cubeShape...))
	if err := c.AllReduce(in, out); err != nil {
		return err
	}
	return check(out, arange(24, 0, float64(c.WorldSize())), "all_reduce output")
}

func runReduceScatter(c *comm.Communicator, env Env) error {
	n := c.WorldSize()
	in := must.M1(buffer.FromFloat64s(env.DType, arange(n*chunkLen, 1, 1), n, chunkLen))
	out := must.M1(buffer.Zeros(env.DType, chunkLen))
	if err := c.ReduceScatter(in, out, chunkLen); err != nil {
		return err
	}
	want := arange(chunkLen, float64(n*(1+c.Rank()*chunkLen)), float64(n))
	return check(out, want, "reduce_scatter output")
}

func runAllGather(c *comm.Communicator, env Env) error {
	n := c.WorldSize()
	in := must.M1(buffer.FromFloat64s(env.DType, arange(chunkLen, 0, float64(c.Rank()+1))))
	out := must.M1(buffer.Zeros(env.DType, n, chunkLen))
	if err := c.AllGather(in, out, chunkLen); err != nil {
		return err
	}
	return check(out, scaledRows(n), "all_gather output")
}

func runSendAndRecv(c *comm.Communicator, env Env) error {
	switch c.Rank() {
	case 0:
		return c.Send(must.M1(buffer.FromFloat64s(env.DType, arange(chunkLen, 0, 1))), 1)
	case 1:
		out := must.M1(buffer.Zeros(env.DType, chunkLen))
		if err := c.Recv(out, 0); err != nil {
			return err
		}
		return check(out, arange(chunkLen, 0, 1), "recv output")
	default:
		return nil
	}
}

func runSendRecv(c *comm.Communicator, env Env) error {
	in := must.M1(buffer.FromFloat64s(env.DType, arange(chunkLen, 0, 1)))
	for peer := 0; peer < c.WorldSize(); peer++ {
		out := must.M1(buffer.Zeros(env.DType, chunkLen))
		if err := c.SendRecv(in, out, peer); err != nil {
			return err
		}
		if err := check(out, arange(chunkLen, 0, 1), fmt.Sprintf("send_recv output from rank %d", peer)); err != nil {
			return err
		}
	}
	return nil
}

func runScatter(c *comm.Communicator, env Env) error {
	n := c.WorldSize()
	var in *buffer.Buffer
	if c.Rank() == env.Root {
		in = must.M1(buffer.FromFloat64s(env.DType, arange(n*chunkLen, 1, 1), n, chunkLen))
	}
	out := must.M1(buffer.Zeros(env.DType, chunkLen))
	if err := c.Scatter(in, out, env.Root); err != nil {
		return err
	}
	return check(out, arange(chunkLen, float64(1+c.Rank()*chunkLen), 1), "scatter output")
}

func runGather(c *comm.Communicator, env Env) error {
	n := c.WorldSize()
	in := must.M1(buffer.FromFloat64s(env.DType, arange(chunkLen, 0, float64(c.Rank()+1))))
	var out *buffer.Buffer
	if c.Rank() == env.Root {
		out = must.M1(buffer.Zeros(env.DType, n, chunkLen))
	}
	if err := c.Gather(in, out, env.Root); err != nil {
		return err
	}
	if c.Rank() != env.Root {
		return nil
	}
	return check(out, scaledRows(n), "gather output")
}

func runAllToAll(c *comm.Communicator, env Env) error {
	n := c.WorldSize()
	in := must.M1(buffer.FromFloat64s(env.DType, arange(n*chunkLen, 0, 1), n, chunkLen))
	out := must.M1(buffer.Zeros(env.DType, n, chunkLen))
	if err := c.AllToAll(in, out); err != nil {
		return err
	}
	want := make([]float64, 0, n*chunkLen)
	for j := 0; j < n; j++ {
		want = append(want, arange(chunkLen, float64(chunkLen*c.Rank()), 1)...)
	}
	return check(out, want, "all_to_all output")
}

func runBarrier(c *comm.Communicator, env Env) error {
	if err := c.Barrier(); err != nil {
		return err
	}
	before := time.Now()
	if c.Rank() == 0 {
		time.Sleep(env.BarrierDelay)
	}
	if err := c.Barrier(); err != nil {
		return err
	}
	// Ranks leave the first barrier at slightly different times.
	if elapsed := time.Since(before); elapsed < env.BarrierDelay*3/4 {
		return fmt.Errorf("%w: rank %d left the barrier after %s, rank 0 slept %s",
			ErrCheckFailed, c.Rank(), elapsed, env.BarrierDelay)
	}
	return nil
}

func runInit(c *comm.Communicator, _ Env) error {
	buf := must.M1(buffer.Zeros(dtypes.Float64, 1))
	if c.Rank() == 0 {
		buf = must.M1(buffer.FromFloat64s(dtypes.Float64, []float64{1}))
	}
	if err := c.Broadcast(buf, 0); err != nil {
		return err
	}
	return check(buf, []float64{1}, "init broadcast")
}

func arange(n int, offset, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = offset + scale*float64(i)
	}
	return out
}

// scaledRows is the (n, chunkLen) matrix whose row k is (k+1)*arange(chunkLen).
func scaledRows(n int) []float64 {
	out := make([]float64, 0, n*chunkLen)
	for k := 0; k < n; k++ {
		out = append(out, arange(chunkLen, 0, float64(k+1))...)
	}
	return out
}

func check(b *buffer.Buffer, want []float64, what string) error {
	got, err := buffer.Float64s(b)
	if err != nil {
		return err
	}
	if len(got) != len(want) {
		return fmt.Errorf("%w: %s has %d elements, want %d", ErrCheckFailed, what, len(got), len(want))
	}
	rtol := tolerance(b.DType())
	for i := range want {
		if math.Abs(got[i]-want[i]) > rtol*math.Abs(want[i]) {
			return fmt.Errorf("%w: %s[%d] = %v, want %v", ErrCheckFailed, what, i, got[i], want[i])
		}
	}
	return nil
}
