package scenarios

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/gcomm/internal/comm"
	"github.com/gomlx/gopjrt/dtypes"
)

var (
	ErrScenarioExists  = errors.New("scenarios: scenario already exists")
	ErrScenarioNil     = errors.New("scenarios: scenario body is nil")
	ErrInvalidMetadata = errors.New("scenarios: invalid scenario metadata")
	ErrUnknownScenario = errors.New("scenarios: unknown scenario")
	ErrWorldTooSmall   = errors.New("scenarios: world size too small")
	ErrCheckFailed     = errors.New("scenarios: result check failed")
)

// Env is what one rank's scenario body sees.
type Env struct {
	DType        dtypes.DType
	Root         int
	BarrierDelay time.Duration
}

// Body runs on every rank after the communicator is ready.
type Body func(c *comm.Communicator, env Env) error

// Scenario is one named check.
type Scenario struct {
	ID          string
	Description string
	// Op decides dtype support. Untyped scenarios ignore the requested dtype.
	Op       comm.Op
	Typed    bool
	Rooted   bool
	MinWorld int
	Body     Body
}

// Supports reports whether the scenario can run with dtype.
func (s Scenario) Supports(dtype dtypes.DType) bool {
	if !s.Typed {
		return true
	}
	return s.Op.Supports(dtype)
}

// Roots lists the roots a rooted scenario runs with: 0 and 1 where they exist.
func (s Scenario) Roots(worldSize int) []int {
	if !s.Rooted {
		return []int{0}
	}
	roots := []int{0}
	if worldSize > 1 {
		roots = append(roots, 1)
	}
	return roots
}

// Registry stores scenarios by id.
type Registry struct {
	items map[string]Scenario
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Scenario)}
}

// ValidateMetadata checks required fields and id format.
func ValidateMetadata(s Scenario) error {
	id := strings.TrimSpace(s.ID)
	if id == "" || strings.TrimSpace(s.Description) == "" {
		return fmt.Errorf("%w: id and description are required", ErrInvalidMetadata)
	}
	if !isValidID(id) {
		return fmt.Errorf("%w: invalid id format %q", ErrInvalidMetadata, id)
	}
	if s.MinWorld < 1 {
		return fmt.Errorf("%w: %s needs a minimum world size", ErrInvalidMetadata, id)
	}
	return nil
}

func (r *Registry) Register(s Scenario) error {
	if s.Body == nil {
		return ErrScenarioNil
	}
	if err := ValidateMetadata(s); err != nil {
		return err
	}
	if _, ok := r.items[s.ID]; ok {
		return fmt.Errorf("%w: %s", ErrScenarioExists, s.ID)
	}
	r.items[s.ID] = s
	return nil
}

func (r *Registry) Resolve(id string) (Scenario, bool) {
	s, ok := r.items[id]
	return s, ok
}

// List returns scenarios ordered by id.
func (r *Registry) List() []Scenario {
	list := make([]Scenario, 0, len(r.items))
	for _, s := range r.items {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

func (r *Registry) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}

// Lowercase letters, digits and single '_' or '-' separators, not at either end.
func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if (i == 0 || i == len(id)-1) && isSep {
			return false
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
