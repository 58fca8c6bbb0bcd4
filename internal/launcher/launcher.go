package launcher

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/gcomm/internal/observability"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrWorkerFailure     = errors.New("launcher: worker failed")
	ErrInvalidAssignment = errors.New("launcher: invalid rank assignment")
)

// WorkerFunc is the body run on every rank.
type WorkerFunc func(rank int, args ...any) error

// WorkerError is the failure of one rank.
type WorkerError struct {
	Rank     int
	Err      error
	Panicked bool
}

func (e *WorkerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("rank %d panicked: %v", e.Rank, e.Err)
	}
	return fmt.Sprintf("rank %d: %v", e.Rank, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// LaunchError lists every failed rank in rank order. errors.Is matches
// ErrWorkerFailure and any cause carried by a failed worker.
type LaunchError struct {
	WorldSize int
	Failures  []*WorkerError
}

func (e *LaunchError) Error() string {
	first := e.Failures[0]
	if len(e.Failures) == 1 {
		return fmt.Sprintf("%v: %v", ErrWorkerFailure, first)
	}
	ranks := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ranks[i] = fmt.Sprint(f.Rank)
	}
	return fmt.Sprintf("%v: %v (%d of %d ranks failed: %s)",
		ErrWorkerFailure, first, len(e.Failures), e.WorldSize, strings.Join(ranks, ","))
}

func (e *LaunchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, ErrWorkerFailure)
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// First is the lowest failed rank.
func (e *LaunchError) First() *WorkerError {
	return e.Failures[0]
}

func (e *LaunchError) Ranks() []int {
	ranks := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		ranks[i] = f.Rank
	}
	return ranks
}

// Launch runs fn on worldSize goroutines with ranks 0..worldSize-1 and waits
// for all of them. It returns nil or a *LaunchError.
func Launch(worldSize int, fn WorkerFunc, args ...any) error {
	if worldSize < 1 {
		return errors.Wrapf(ErrInvalidAssignment, "world size %d", worldSize)
	}
	start := time.Now()
	log.Debug().Int("world_size", worldSize).Msg("launching workers")

	results := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[rank] = runWorker(rank, fn, args)
		}()
	}
	wg.Wait()

	err := collect(worldSize, results)
	event := log.Debug()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.Int("world_size", worldSize).Dur("elapsed", time.Since(start)).Msg("workers joined")
	return err
}

// runWorker calls fn and converts a panic into a WorkerError.
func runWorker(rank int, fn WorkerFunc, args []any) error {
	var err error
	exception := exceptions.Try(func() {
		err = fn(rank, args...)
	})
	if exception != nil {
		cause, ok := exception.(error)
		if ok {
			cause = errors.WithStack(cause)
		} else {
			cause = errors.Errorf("%v", exception)
		}
		err = &WorkerError{Rank: rank, Err: cause, Panicked: true}
	} else if err != nil {
		err = &WorkerError{Rank: rank, Err: err}
	}
	observability.RecordWorker(err == nil)
	if err != nil {
		log.Warn().Int("rank", rank).Err(err).Msg("worker failed")
	}
	return err
}

func collect(worldSize int, results []error) error {
	var failures []*WorkerError
	for _, err := range results {
		if err == nil {
			continue
		}
		var we *WorkerError
		if !errors.As(err, &we) {
			continue
		}
		failures = append(failures, we)
	}
	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Rank < failures[j].Rank })
	return &LaunchError{WorldSize: worldSize, Failures: failures}
}
