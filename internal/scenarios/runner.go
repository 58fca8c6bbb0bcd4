package scenarios

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/gcomm/internal/comm"
	"github.com/danmuck/gcomm/internal/launcher"
	"github.com/danmuck/gcomm/internal/rendezvous"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Runner executes registry scenarios against a group of ranks.
type Runner struct {
	Registry  *Registry
	WorldSize int
	// Group prefixes every communicator group this runner creates.
	Group string
	// Store is shared by every communicator. Local runs without one get a
	// fresh in-memory store.
	Store        rendezvous.Store
	Options      []comm.Option
	BarrierDelay time.Duration
}

// Result describes one scenario run.
type Result struct {
	Scenario string
	DType    dtypes.DType
	Roots    []int
	Skipped  bool
	Reason   string
	Elapsed  time.Duration
}

func NewRunner(reg *Registry, worldSize int, opts ...comm.Option) *Runner {
	return &Runner{
		Registry:     reg,
		WorldSize:    worldSize,
		Group:        comm.DefaultGroup,
		Options:      opts,
		BarrierDelay: DefaultBarrierDelay,
	}
}

func (r *Runner) prepare(id string, dtype dtypes.DType, worldSize int) (Scenario, Result, error) {
	res := Result{Scenario: id, DType: dtype}
	s, ok := r.Registry.Resolve(id)
	if !ok {
		return Scenario{}, res, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
	if !s.Typed {
		res.DType = dtypes.InvalidDType
	}
	if worldSize < s.MinWorld {
		return s, res, fmt.Errorf("%w: %s needs %d ranks, have %d", ErrWorldTooSmall, id, s.MinWorld, worldSize)
	}
	if !s.Supports(dtype) {
		res.Skipped = true
		res.Reason = fmt.Sprintf("%s does not support %s", s.Op, dtype)
		log.Info().Str("scenario", id).Str("dtype", dtype.String()).Str("reason", res.Reason).Msg("scenario skipped")
		return s, res, nil
	}
	res.Roots = s.Roots(worldSize)
	return s, res, nil
}

// RunLocal runs the scenario with one goroutine per rank, once per root.
func (r *Runner) RunLocal(ctx context.Context, id string, dtype dtypes.DType) (Result, error) {
	s, res, err := r.prepare(id, dtype, r.WorldSize)
	if err != nil || res.Skipped {
		return res, err
	}
	store := r.Store
	if store == nil {
		store = rendezvous.NewMemoryStore(rendezvous.DefaultTimeout)
	}
	runID := uuid.NewString()[:8]
	start := time.Now()
	for _, root := range res.Roots {
		group := r.groupFor(s, res.DType, root) + "/" + runID
		env := r.env(res.DType, root)
		err := launcher.Launch(r.WorldSize, func(rank int, _ ...any) error {
			return r.runRank(ctx, store, s, env, group, r.WorldSize, rank)
		})
		if err != nil {
			return res, fmt.Errorf("%s root %d: %w", id, root, err)
		}
	}
	res.Elapsed = time.Since(start)
	log.Info().Str("scenario", id).Str("dtype", res.DType.String()).Int("world_size", r.WorldSize).
		Dur("elapsed", res.Elapsed).Msg("scenario passed")
	return res, nil
}

// RunForeign runs this process's rank of the scenario. Every process of the
// group must call it with the same id, dtype, runner Group and assignment
// RunID. The RunID scopes the group so a long-lived store can serve many
// jobs. When the assignment carries a token the store is skipped.
func (r *Runner) RunForeign(ctx context.Context, id string, dtype dtypes.DType, a launcher.Assignment) (Result, error) {
	s, res, err := r.prepare(id, dtype, a.WorldSize)
	if err != nil || res.Skipped {
		return res, err
	}
	if a.RunID == "" && a.Token == "" {
		log.Warn().Str("scenario", id).Msg("no run id set; a store that served an earlier job will reject this one")
	}
	start := time.Now()
	for _, root := range res.Roots {
		group := r.groupFor(s, res.DType, root)
		if a.RunID != "" {
			group += "/" + a.RunID
		}
		env := r.env(res.DType, root)
		var extra []comm.Option
		if a.Token != "" {
			extra = append(extra, comm.WithToken(a.Token+"/"+group))
		}
		err := a.Run(func(rank int, _ ...any) error {
			return r.runRank(ctx, r.Store, s, env, group, a.WorldSize, rank, extra...)
		})
		if err != nil {
			return res, fmt.Errorf("%s root %d: %w", id, root, err)
		}
	}
	res.Elapsed = time.Since(start)
	log.Info().Str("scenario", id).Str("assignment", a.String()).Dur("elapsed", res.Elapsed).Msg("scenario passed")
	return res, nil
}

func (r *Runner) runRank(ctx context.Context, store rendezvous.Store, s Scenario, env Env, group string, worldSize, rank int, extra ...comm.Option) error {
	opts := make([]comm.Option, 0, len(r.Options)+len(extra)+1)
	opts = append(opts, comm.WithGroup(group))
	opts = append(opts, r.Options...)
	opts = append(opts, extra...)
	c, err := comm.Create(ctx, worldSize, rank, store, opts...)
	if err != nil {
		return err
	}
	defer c.Close()
	return s.Body(c, env)
}

func (r *Runner) env(dtype dtypes.DType, root int) Env {
	delay := r.BarrierDelay
	if delay <= 0 {
		delay = DefaultBarrierDelay
	}
	return Env{DType: dtype, Root: root, BarrierDelay: delay}
}

func (r *Runner) groupFor(s Scenario, dtype dtypes.DType, root int) string {
	group := r.Group
	if group == "" {
		group = comm.DefaultGroup
	}
	name := fmt.Sprintf("%s/%s", group, s.ID)
	if s.Typed {
		name += "/" + dtype.String()
	}
	if s.Rooted {
		name += fmt.Sprintf("/root%d", root)
	}
	return name
}
