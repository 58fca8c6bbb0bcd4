package comm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/gcomm/internal/buffer"
	"github.com/danmuck/gcomm/internal/launcher"
	"github.com/danmuck/gcomm/internal/rendezvous"
	"github.com/danmuck/gcomm/internal/testutil/testlog"
	"github.com/danmuck/gcomm/internal/transport"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dataTypes = []dtypes.DType{
	dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16,
	dtypes.Int32, dtypes.Int64, dtypes.Uint32, dtypes.Uint64,
}

// launchGroup creates one communicator per rank in a fresh store and runs body on each.
func launchGroup(n int, group string, body func(c *Communicator) error, opts ...Option) error {
	store := rendezvous.NewMemoryStore(5 * time.Second)
	return launcher.Launch(n, func(rank int, _ ...any) error {
		all := append([]Option{WithGroup(group)}, opts...)
		c, err := Create(context.Background(), n, rank, store, all...)
		if err != nil {
			return err
		}
		defer c.Close()
		return body(c)
	})
}

func expectValues(b *buffer.Buffer, want []float64) error {
	got, err := buffer.Float64s(b)
	if err != nil {
		return err
	}
	if len(got) != len(want) {
		return fmt.Errorf("got %d values, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("element %d = %v, want %v (got %v)", i, got[i], want[i], got)
		}
	}
	return nil
}

func arangePlus(n int, offset, scale float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)*scale + offset
	}
	return out
}

func TestCreateAgreesOnToken(t *testing.T) {
	testlog.Start(t)
	const n = 3
	tokens := make([]string, n)
	err := launchGroup(n, t.Name(), func(c *Communicator) error {
		tokens[c.Rank()] = c.Token()
		if c.WorldSize() != n || c.Device() != c.Rank() || c.Group() != t.Name() {
			return fmt.Errorf("unexpected identity %d/%d dev %d group %q", c.Rank(), c.WorldSize(), c.Device(), c.Group())
		}
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tokens[0])
	assert.Equal(t, tokens[0], tokens[1])
	assert.Equal(t, tokens[0], tokens[2])
}

func TestCreateRejectsInvalidRank(t *testing.T) {
	testlog.Start(t)
	store := rendezvous.NewMemoryStore(time.Second)
	_, err := Create(context.Background(), 2, 2, store)
	assert.ErrorIs(t, err, ErrInvalidRank)
	_, err = Create(context.Background(), 0, 0, store)
	assert.ErrorIs(t, err, ErrInvalidRank)
	_, err = Create(context.Background(), 2, -1, store)
	assert.ErrorIs(t, err, ErrInvalidRank)
}

func TestCreateRendezvousTimeout(t *testing.T) {
	testlog.Start(t)
	store := rendezvous.NewMemoryStore(time.Minute)
	start := time.Now()
	_, err := Create(context.Background(), 2, 1, store, WithGroup(t.Name()), WithTimeout(100*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRendezvousTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCreateReusedGroupFails(t *testing.T) {
	testlog.Start(t)
	store := rendezvous.NewMemoryStore(time.Second)
	c, err := Create(context.Background(), 1, 0, store, WithGroup(t.Name()))
	require.NoError(t, err)
	defer c.Close()

	_, err = Create(context.Background(), 1, 0, store, WithGroup(t.Name()))
	assert.ErrorIs(t, err, ErrTopology)
}

func TestCreateWithTokenSkipsStore(t *testing.T) {
	testlog.Start(t)
	token := "fixed-" + t.Name()
	err := launcher.Launch(2, func(rank int, _ ...any) error {
		c, err := Create(context.Background(), 2, rank, nil, WithToken(token))
		if err != nil {
			return err
		}
		defer c.Close()
		if c.Token() != token {
			return fmt.Errorf("token %q", c.Token())
		}
		return nil
	})
	require.NoError(t, err)

	_, err = Create(context.Background(), 1, 0, nil)
	assert.ErrorIs(t, err, ErrTopology)
}

func TestCreateForceStorePublishesGivenToken(t *testing.T) {
	testlog.Start(t)
	store := rendezvous.NewMemoryStore(5 * time.Second)
	token := "forced-" + t.Name()
	err := launcher.Launch(2, func(rank int, _ ...any) error {
		opts := []Option{WithGroup(t.Name()), WithForceStore(true)}
		if rank == 0 {
			opts = append(opts, WithToken(token))
		}
		c, err := Create(context.Background(), 2, rank, store, opts...)
		if err != nil {
			return err
		}
		defer c.Close()
		if c.Token() != token {
			return fmt.Errorf("rank %d token %q", rank, c.Token())
		}
		return nil
	})
	require.NoError(t, err)
	raw, ok := store.Lookup(rendezvous.Key(t.Name(), "token"))
	require.True(t, ok)
	assert.Equal(t, token, string(raw))
}

func TestBroadcastFromEveryRoot(t *testing.T) {
	testlog.Start(t)
	const n = 3
	for _, dtype := range dataTypes {
		for root := 0; root < n; root++ {
			group := fmt.Sprintf("%s/%s/%d", t.Name(), dtype, root)
			want := arangePlus(6, float64(root), 1)
			err := launchGroup(n, group, func(c *Communicator) error {
				buf := must.M1(buffer.Zeros(dtype, 2, 3))
				if c.Rank() == root {
					buf = must.M1(buffer.FromFloat64s(dtype, want, 2, 3))
				}
				if err := c.Broadcast(buf, root); err != nil {
					return err
				}
				return expectValues(buf, want)
			})
			require.NoError(t, err, "dtype %s root %d", dtype, root)
		}
	}
}

func TestReduceSumsIntoRoot(t *testing.T) {
	testlog.Start(t)
	const n = 4
	for _, dtype := range dataTypes {
		group := fmt.Sprintf("%s/%s", t.Name(), dtype)
		err := launchGroup(n, group, func(c *Communicator) error {
			in := must.M1(buffer.FromFloat64s(dtype, arangePlus(5, float64(c.Rank()), 1)))
			var out *buffer.Buffer
			if c.Rank() == 1 {
				out = must.M1(buffer.Zeros(dtype, 5))
			}
			if err := c.Reduce(in, out, 1); err != nil {
				return err
			}
			if err := expectValues(in, arangePlus(5, float64(c.Rank()), 1)); err != nil {
				return fmt.Errorf("input modified: %w", err)
			}
			if c.Rank() != 1 {
				return nil
			}
			// sum over r of (i + r) = 4i + 6
			return expectValues(out, arangePlus(5, 6, 4))
		})
		require.NoError(t, err, "dtype %s", dtype)
	}
}

func TestAllReduceDoublesAcrossTwoRanks(t *testing.T) {
	testlog.Start(t)
	err := launchGroup(2, t.Name(), func(c *Communicator) error {
		in := must.M1(buffer.Arange(dtypes.Float32, 2, 3, 4))
		out := must.M1(buffer.Zeros(dtypes.Float32, 2, 3, 4))
		if err := c.AllReduce(in, out); err != nil {
			return err
		}
		return expectValues(out, arangePlus(24, 0, 2))
	})
	require.NoError(t, err)
}

func TestAllReduceUnevenAndInPlace(t *testing.T) {
	testlog.Start(t)
	for _, tc := range []struct {
		n, count int
	}{{3, 7}, {4, 2}, {4, 13}, {1, 5}} {
		group := fmt.Sprintf("%s/%d/%d", t.Name(), tc.n, tc.count)
		err := launchGroup(tc.n, group, func(c *Communicator) error {
			buf := must.M1(buffer.FromFloat64s(dtypes.Int64, arangePlus(tc.count, float64(c.Rank()), 1)))
			if err := c.AllReduce(buf, buf); err != nil {
				return err
			}
			offset := float64(tc.n * (tc.n - 1) / 2)
			return expectValues(buf, arangePlus(tc.count, offset, float64(tc.n)))
		})
		require.NoError(t, err, "n=%d count=%d", tc.n, tc.count)
	}
}

func TestReduceScatter(t *testing.T) {
	testlog.Start(t)
	const n, chunk = 3, 4
	err := launchGroup(n, t.Name(), func(c *Communicator) error {
		scale := float64(c.Rank() + 1)
		in := must.M1(buffer.FromFloat64s(dtypes.Float64, arangePlus(n*chunk, 0, scale), n, chunk))
		out := must.M1(buffer.Zeros(dtypes.Float64, chunk))
		if err := c.ReduceScatter(in, out, chunk); err != nil {
			return err
		}
		// row r of sum over ranks of (k+1)*arange = 6 * arange
		return expectValues(out, arangePlus(chunk, float64(6*c.Rank()*chunk), 6))
	})
	require.NoError(t, err)
}

func TestAllGather(t *testing.T) {
	testlog.Start(t)
	const n, chunk = 4, 2
	err := launchGroup(n, t.Name(), func(c *Communicator) error {
		r := float64(c.Rank())
		in := must.M1(buffer.FromFloat64s(dtypes.BFloat16, []float64{r, r + 10}))
		out := must.M1(buffer.Zeros(dtypes.BFloat16, n, chunk))
		for range 2 {
			if err := c.AllGather(in, out, chunk); err != nil {
				return err
			}
			if err := expectValues(out, []float64{0, 10, 1, 11, 2, 12, 3, 13}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAllGatherRejectsOversizedInput(t *testing.T) {
	testlog.Start(t)
	err := launchGroup(2, t.Name(), func(c *Communicator) error {
		in := must.M1(buffer.Zeros(dtypes.Float32, 3))
		out := must.M1(buffer.Zeros(dtypes.Float32, 2, 2))
		err := c.AllGather(in, out, 2)
		if !errors.Is(err, ErrShapeMismatch) {
			return fmt.Errorf("expected shape mismatch, got %v", err)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestScatterGatherRoundTrip(t *testing.T) {
	testlog.Start(t)
	const n, chunk, root = 4, 3, 2
	original := arangePlus(n*chunk, 1, 1)
	err := launchGroup(n, t.Name(), func(c *Communicator) error {
		var in, gathered *buffer.Buffer
		if c.Rank() == root {
			in = must.M1(buffer.FromFloat64s(dtypes.Uint32, original, n, chunk))
			gathered = must.M1(buffer.Zeros(dtypes.Uint32, n, chunk))
		}
		part := must.M1(buffer.Zeros(dtypes.Uint32, chunk))
		if err := c.Scatter(in, part, root); err != nil {
			return err
		}
		if err := expectValues(part, original[c.Rank()*chunk:(c.Rank()+1)*chunk]); err != nil {
			return err
		}
		if err := c.Gather(part, gathered, root); err != nil {
			return err
		}
		if c.Rank() == root {
			return expectValues(gathered, original)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAllToAllTransposesRows(t *testing.T) {
	testlog.Start(t)
	const n, chunk = 3, 2
	err := launchGroup(n, t.Name(), func(c *Communicator) error {
		values := make([]float64, n*chunk)
		for j := 0; j < n; j++ {
			for e := 0; e < chunk; e++ {
				values[j*chunk+e] = float64(100*c.Rank() + 10*j + e)
			}
		}
		in := must.M1(buffer.FromFloat64s(dtypes.Int32, values, n, chunk))
		out := must.M1(buffer.Zeros(dtypes.Int32, n, chunk))
		if err := c.AllToAll(in, out); err != nil {
			return err
		}
		want := make([]float64, n*chunk)
		for j := 0; j < n; j++ {
			for e := 0; e < chunk; e++ {
				want[j*chunk+e] = float64(100*j + 10*c.Rank() + e)
			}
		}
		if err := expectValues(out, want); err != nil {
			return err
		}
		// Applying it again in place restores the input.
		if err := c.AllToAll(out, out); err != nil {
			return err
		}
		return expectValues(out, values)
	})
	require.NoError(t, err)
}

func TestBarrierWaitsForLastRank(t *testing.T) {
	testlog.Start(t)
	var entered atomic.Int64
	err := launchGroup(3, t.Name(), func(c *Communicator) error {
		if c.Rank() == 0 {
			time.Sleep(50 * time.Millisecond)
			entered.Store(time.Now().UnixNano())
		}
		if err := c.Barrier(); err != nil {
			return err
		}
		if left := time.Now().UnixNano(); left < entered.Load() || entered.Load() == 0 {
			return fmt.Errorf("rank %d left the barrier before rank 0 entered", c.Rank())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSendRecvIsBitExact(t *testing.T) {
	testlog.Start(t)
	payload := []float64{math.NaN(), math.Copysign(0, -1), math.Inf(1), math.SmallestNonzeroFloat64, 42}
	err := launchGroup(2, t.Name(), func(c *Communicator) error {
		if c.Rank() == 0 {
			data := append([]float64(nil), payload...)
			return c.Send(must.M1(buffer.New(data)), 1)
		}
		out := must.M1(buffer.Zeros(dtypes.Float64, len(payload)))
		if err := c.Recv(out, 0); err != nil {
			return err
		}
		got := must.M1(buffer.Values[float64](out))
		for i := range payload {
			if math.Float64bits(got[i]) != math.Float64bits(payload[i]) {
				return fmt.Errorf("element %d bits differ", i)
			}
		}
		if c.Sequence() != 0 {
			return fmt.Errorf("point-to-point advanced sequence to %d", c.Sequence())
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRecvSizeMismatch(t *testing.T) {
	testlog.Start(t)
	err := launchGroup(2, t.Name(), func(c *Communicator) error {
		if c.Rank() == 0 {
			return c.Send(must.M1(buffer.Zeros(dtypes.Float32, 4)), 1)
		}
		err := c.Recv(must.M1(buffer.Zeros(dtypes.Float32, 3)), 0)
		if !errors.Is(err, ErrShapeMismatch) {
			return fmt.Errorf("expected shape mismatch, got %v", err)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSendRecvSymmetricAndSelf(t *testing.T) {
	testlog.Start(t)
	err := launchGroup(2, t.Name(), func(c *Communicator) error {
		peer := 1 - c.Rank()
		in := must.M1(buffer.FromFloat64s(dtypes.Float16, arangePlus(4, float64(10*c.Rank()), 1)))
		out := must.M1(buffer.Zeros(dtypes.Float16, 4))
		if err := c.SendRecv(in, out, peer); err != nil {
			return err
		}
		if err := expectValues(out, arangePlus(4, float64(10*peer), 1)); err != nil {
			return err
		}
		self := must.M1(buffer.Zeros(dtypes.Float16, 4))
		if err := c.SendRecv(in, self, c.Rank()); err != nil {
			return err
		}
		return expectValues(self, arangePlus(4, float64(10*c.Rank()), 1))
	})
	require.NoError(t, err)
}

func TestValidationErrorsAreOpErrors(t *testing.T) {
	testlog.Start(t)
	err := launchGroup(2, t.Name(), func(c *Communicator) error {
		var opErr *OpError

		err := c.Broadcast(must.M1(buffer.Zeros(dtypes.Int8, 4)), 0)
		if !errors.As(err, &opErr) || opErr.Op != OpBroadcast || !errors.Is(err, ErrUnsupportedType) {
			return fmt.Errorf("int8 broadcast: %v", err)
		}
		err = c.AllReduce(must.M1(buffer.Zeros(dtypes.Float32, 4)), must.M1(buffer.Zeros(dtypes.Float32, 5)))
		if !errors.Is(err, ErrShapeMismatch) {
			return fmt.Errorf("size mismatch: %v", err)
		}
		err = c.AllReduce(must.M1(buffer.Zeros(dtypes.Float32, 4)), must.M1(buffer.Zeros(dtypes.Float64, 4)))
		if !errors.Is(err, ErrShapeMismatch) {
			return fmt.Errorf("dtype mismatch: %v", err)
		}
		err = c.Broadcast(must.M1(buffer.Zeros(dtypes.Float32, 4)), 5)
		if !errors.As(err, &opErr) || opErr.Rank != c.Rank() || !errors.Is(err, ErrInvalidRank) {
			return fmt.Errorf("bad root: %v", err)
		}
		err = c.AllToAll(must.M1(buffer.Zeros(dtypes.Float32, 5)), must.M1(buffer.Zeros(dtypes.Float32, 5)))
		if !errors.Is(err, ErrShapeMismatch) {
			return fmt.Errorf("uneven all_to_all: %v", err)
		}
		err = c.ReduceScatter(must.M1(buffer.Zeros(dtypes.Float32, 3, 2)), must.M1(buffer.Zeros(dtypes.Float32, 3)), 3)
		if !errors.Is(err, ErrShapeMismatch) {
			return fmt.Errorf("reduce_scatter rows: %v", err)
		}
		if c.Sequence() != 0 {
			return fmt.Errorf("rejected calls advanced sequence to %d", c.Sequence())
		}
		// Validation failures leave the group usable.
		return c.Barrier()
	})
	require.NoError(t, err)
}

func TestSequenceCheckDetectsMismatch(t *testing.T) {
	testlog.Start(t)
	err := launchGroup(2, t.Name(), func(c *Communicator) error {
		buf := must.M1(buffer.Zeros(dtypes.Float32, 4))
		if c.Rank() == 0 {
			return c.Broadcast(buf, 0)
		}
		return c.Reduce(buf, nil, 0)
	}, WithSequenceCheck())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	var le *launcher.LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, []int{0, 1}, le.Ranks())
}

func TestSequenceCheckPassesMatchingCalls(t *testing.T) {
	testlog.Start(t)
	err := launchGroup(3, t.Name(), func(c *Communicator) error {
		buf := must.M1(buffer.Arange(dtypes.Float32, 6))
		for range 3 {
			if err := c.AllReduce(buf, buf); err != nil {
				return err
			}
		}
		if err := c.Barrier(); err != nil {
			return err
		}
		if c.Sequence() != 4 {
			return fmt.Errorf("sequence %d", c.Sequence())
		}
		return nil
	}, WithSequenceCheck())
	require.NoError(t, err)
}

func TestClosedCommunicatorRejectsOps(t *testing.T) {
	testlog.Start(t)
	store := rendezvous.NewMemoryStore(time.Second)
	c, err := Create(context.Background(), 1, 0, store, WithGroup(t.Name()), WithDevice(7))
	require.NoError(t, err)
	assert.Equal(t, 7, c.Device())

	buf := must.M1(buffer.Arange(dtypes.Float64, 3))
	require.NoError(t, c.Broadcast(buf, 0))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.Broadcast(buf, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTCPConnector(t *testing.T) {
	testlog.Start(t)
	store := rendezvous.NewMemoryStore(10 * time.Second)
	tcp := transport.NewTCP(store, "127.0.0.1")
	const n = 3
	err := launcher.Launch(n, func(rank int, _ ...any) error {
		c, err := Create(context.Background(), n, rank, store, WithGroup(t.Name()), WithConnector(tcp), WithSequenceCheck())
		if err != nil {
			return err
		}
		defer c.Close()

		buf := must.M1(buffer.FromFloat64s(dtypes.Float32, arangePlus(10, float64(rank), 1)))
		if err := c.AllReduce(buf, buf); err != nil {
			return err
		}
		if err := expectValues(buf, arangePlus(10, 3, 3)); err != nil {
			return err
		}
		root := must.M1(buffer.Zeros(dtypes.Int64, 4))
		if rank == 2 {
			root = must.M1(buffer.Arange(dtypes.Int64, 4))
		}
		if err := c.Broadcast(root, 2); err != nil {
			return err
		}
		if err := expectValues(root, arangePlus(4, 0, 1)); err != nil {
			return err
		}
		return c.Barrier()
	})
	require.NoError(t, err)
}

func TestOpSupports(t *testing.T) {
	testlog.Start(t)
	for _, op := range Ops {
		assert.NotContains(t, op.String(), "op(")
		for _, dtype := range dataTypes {
			assert.True(t, op.Supports(dtype), "%s %s", op, dtype)
		}
		for _, dtype := range []dtypes.DType{dtypes.Int8, dtypes.Uint8, dtypes.Int16, dtypes.Uint16, dtypes.Bool} {
			assert.Equal(t, op == OpBarrier, op.Supports(dtype), "%s %s", op, dtype)
		}
	}
	assert.True(t, OpAllReduce.Reduces())
	assert.False(t, OpAllGather.Reduces())
	assert.False(t, OpSendRecv.Collective())
	assert.True(t, OpBarrier.Collective())
}
