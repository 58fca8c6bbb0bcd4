package comm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/gcomm/internal/rendezvous"
	"github.com/danmuck/gcomm/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultGroup = "default"

// localFabric serves communicators created without WithConnector, so
// goroutine ranks of one process find each other with no extra wiring.
var localFabric = transport.NewLocalFabric()

// Communicator is one rank's handle on a fixed group of ranks. It is not safe
// for concurrent use; a rank issues one operation at a time.
type Communicator struct {
	rank   int
	size   int
	device int
	group  string
	token  string

	ep       transport.Endpoint
	seq      uint64
	checkSeq bool
	closed   bool
	logger   zerolog.Logger
}

type options struct {
	connector     transport.Connector
	group         string
	device        int
	token         string
	forceStore    bool
	sequenceCheck bool
	logger        *zerolog.Logger
	timeout       time.Duration
}

type Option func(*options)

// WithConnector selects the transport. The default is an in-process fabric.
func WithConnector(c transport.Connector) Option {
	return func(o *options) { o.connector = c }
}

// WithGroup scopes rendezvous keys. Communicators sharing a store need
// distinct groups because store keys are write-once.
func WithGroup(group string) Option {
	return func(o *options) { o.group = group }
}

// WithDevice records the device this rank is bound to. Defaults to the rank.
func WithDevice(device int) Option {
	return func(o *options) { o.device = device }
}

// WithToken supplies a communicator token from an outside coordinator. The
// store is skipped unless WithForceStore(true) is also given, in which case
// rank 0 publishes this token instead of a fresh one.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithForceStore routes token distribution through the store even when a
// token was supplied.
func WithForceStore(force bool) Option {
	return func(o *options) { o.forceStore = force }
}

// WithSequenceCheck exchanges (op, sequence) stamps with ring neighbours
// before each collective and fails with ErrProtocolViolation on mismatch.
func WithSequenceCheck() Option {
	return func(o *options) { o.sequenceCheck = true }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithTimeout bounds rendezvous and mesh setup. Defaults to rendezvous.DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Create joins rank into a communicator of worldSize ranks. Rank 0 generates
// the token and publishes it in store; the other ranks block on it. All ranks
// then build the transport mesh and pass a join barrier before returning.
func Create(ctx context.Context, worldSize, rank int, store rendezvous.Store, opts ...Option) (*Communicator, error) {
	o := options{
		group:   DefaultGroup,
		device:  rank,
		timeout: rendezvous.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if worldSize < 1 {
		return nil, fmt.Errorf("%w: world size %d", ErrInvalidRank, worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("%w: rank %d outside [0,%d)", ErrInvalidRank, rank, worldSize)
	}
	if o.connector == nil {
		o.connector = localFabric
	}
	logger := log.Logger
	if o.logger != nil {
		logger = *o.logger
	}
	logger = logger.With().Int("rank", rank).Int("world_size", worldSize).Str("group", o.group).Logger()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	start := time.Now()
	token, err := resolveToken(ctx, store, rank, o)
	if err != nil {
		logger.Error().Err(err).Msg("rendezvous failed")
		return nil, err
	}

	ep, err := o.connector.Connect(ctx, token, rank, worldSize)
	if err != nil {
		logger.Error().Err(err).Str("token", token).Msg("transport setup failed")
		if errors.Is(err, rendezvous.ErrTimeout) && !errors.Is(err, transport.ErrTopology) {
			return nil, fmt.Errorf("%w: %w", ErrRendezvousTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTopology, err)
	}

	c := &Communicator{
		rank:     rank,
		size:     worldSize,
		device:   o.device,
		group:    o.group,
		token:    token,
		ep:       ep,
		checkSeq: o.sequenceCheck,
		logger:   logger,
	}
	if err := c.barrier(); err != nil {
		ep.Close()
		return nil, fmt.Errorf("%w: join barrier: %w", ErrTopology, err)
	}
	logger.Info().
		Str("token", token).
		Int("device", c.device).
		Dur("elapsed", time.Since(start)).
		Msg("communicator ready")
	return c, nil
}

func resolveToken(ctx context.Context, store rendezvous.Store, rank int, o options) (string, error) {
	if o.token != "" && !o.forceStore {
		return o.token, nil
	}
	if store == nil {
		return "", fmt.Errorf("%w: no store and no token", ErrTopology)
	}
	key := rendezvous.Key(o.group, "token")
	if rank == 0 {
		token := o.token
		if token == "" {
			token = uuid.NewString()
		}
		if err := store.Put(ctx, key, []byte(token)); err != nil {
			if errors.Is(err, rendezvous.ErrKeyExists) {
				return "", fmt.Errorf("%w: group %q already has a token", ErrTopology, o.group)
			}
			return "", rendezvousError(err, key)
		}
		return token, nil
	}
	raw, err := store.Get(ctx, key)
	if err != nil {
		return "", rendezvousError(err, key)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty token under %q", ErrTopology, key)
	}
	return string(raw), nil
}

func rendezvousError(err error, key string) error {
	if errors.Is(err, rendezvous.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %q: %w", ErrRendezvousTimeout, key, err)
	}
	return fmt.Errorf("%w: %q: %w", ErrTopology, key, err)
}

func (c *Communicator) Rank() int { return c.rank }

func (c *Communicator) WorldSize() int { return c.size }

func (c *Communicator) Device() int { return c.device }

func (c *Communicator) Group() string { return c.group }

// Token identifies the communicator across ranks.
func (c *Communicator) Token() string { return c.token }

// Sequence is the number of collectives issued so far.
func (c *Communicator) Sequence() uint64 { return c.seq }

// Close releases the transport. Peers still waiting on this rank see
// transport.ErrPeerLost once queued data is drained.
func (c *Communicator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Debug().Uint64("collectives", c.seq).Msg("communicator closed")
	return c.ep.Close()
}
