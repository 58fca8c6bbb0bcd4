package launcher

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	EnvRank      = "GCOMM_RANK"
	EnvWorldSize = "GCOMM_WORLD_SIZE"
	EnvToken     = "GCOMM_TOKEN"
	EnvStoreAddr = "GCOMM_STORE_ADDR"
	EnvRunID     = "GCOMM_RUN_ID"
)

var ErrNoAssignment = errors.New("launcher: no rank assignment in environment")

// Assignment is the rank an outside coordinator gave this process.
// RunID names one job; every rank of the job must see the same value and
// no two jobs sharing a store may reuse it.
type Assignment struct {
	Rank      int
	WorldSize int
	Token     string
	StoreAddr string
	RunID     string
	Source    string
}

type envSource struct {
	name string
	rank string
	size string
}

// Checked in order; the first source with both variables set wins.
var envSources = []envSource{
	{name: "gcomm", rank: EnvRank, size: EnvWorldSize},
	{name: "openmpi", rank: "OMPI_COMM_WORLD_RANK", size: "OMPI_COMM_WORLD_SIZE"},
	{name: "pmi", rank: "PMI_RANK", size: "PMI_SIZE"},
}

// Foreign validates an assignment handed over directly by a coordinator.
func Foreign(rank, worldSize int) (Assignment, error) {
	a := Assignment{Rank: rank, WorldSize: worldSize, Source: "direct"}
	if err := a.Validate(); err != nil {
		return Assignment{}, err
	}
	return a, nil
}

// FromEnv reads the assignment from the process environment.
func FromEnv() (Assignment, error) {
	return FromLookup(os.LookupEnv)
}

func FromLookup(lookup func(string) (string, bool)) (Assignment, error) {
	for _, src := range envSources {
		rawRank, okRank := lookup(src.rank)
		rawSize, okSize := lookup(src.size)
		if !okRank || !okSize {
			continue
		}
		rank, err := strconv.Atoi(strings.TrimSpace(rawRank))
		if err != nil {
			return Assignment{}, errors.Wrapf(ErrInvalidAssignment, "%s=%q", src.rank, rawRank)
		}
		size, err := strconv.Atoi(strings.TrimSpace(rawSize))
		if err != nil {
			return Assignment{}, errors.Wrapf(ErrInvalidAssignment, "%s=%q", src.size, rawSize)
		}
		a := Assignment{Rank: rank, WorldSize: size, Source: src.name}
		if v, ok := lookup(EnvToken); ok {
			a.Token = strings.TrimSpace(v)
		}
		if v, ok := lookup(EnvStoreAddr); ok {
			a.StoreAddr = strings.TrimSpace(v)
		}
		if v, ok := lookup(EnvRunID); ok {
			a.RunID = strings.TrimSpace(v)
		}
		if err := a.Validate(); err != nil {
			return Assignment{}, err
		}
		return a, nil
	}
	return Assignment{}, ErrNoAssignment
}

func (a Assignment) Validate() error {
	if a.WorldSize < 1 {
		return errors.Wrapf(ErrInvalidAssignment, "world size %d", a.WorldSize)
	}
	if a.Rank < 0 || a.Rank >= a.WorldSize {
		return errors.Wrapf(ErrInvalidAssignment, "rank %d outside [0,%d)", a.Rank, a.WorldSize)
	}
	return nil
}

func (a Assignment) String() string {
	return fmt.Sprintf("rank %d/%d (%s)", a.Rank, a.WorldSize, a.Source)
}

// Run executes fn for this process's rank only. Failures come back as a
// *LaunchError so callers handle both modes the same way.
func (a Assignment) Run(fn WorkerFunc, args ...any) error {
	if err := a.Validate(); err != nil {
		return err
	}
	log.Debug().Str("assignment", a.String()).Msg("running foreign worker")
	err := runWorker(a.Rank, fn, args)
	return collect(a.WorldSize, []error{err})
}
