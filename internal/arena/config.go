// Package arena implements the Node Orchestrator (§4.6): the role state
// machine (Searching / Client / Host), the builder that constructs a
// Node, and the caller-driven step()/command model that lets a
// single-threaded driver own the Node's scheduling.
//
// The overall shape — a struct wiring role-specific sub-components
// together, a mutex-guarded cache of externally observable status, a
// dispatcher that processes exactly one event per call — is grounded on
// senutpal-quorum's internal/node/node.go: a `mu sync.Mutex` + lifecycle
// flag + `routeMessage` type-switch dispatcher, the one file in that
// repo with an actually-implemented body worth imitating directly.
// Builder shape is the teacher's server.New(dataDir, workers)
// constructor generalized to a multi-option fluent builder.
package arena

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/milyin/zenoh-arena/internal/enginepipe"
	"github.com/milyin/zenoh-arena/internal/keypath"
	"github.com/milyin/zenoh-arena/internal/session"
	"github.com/milyin/zenoh-arena/internal/transport"
)

const (
	// DefaultSearchTimeout is the base discovery window (§3 search_timeout_ms).
	DefaultSearchTimeout = 500 * time.Millisecond
	// DefaultSearchJitter desynchronizes converging peers (§3 search_jitter_ms).
	DefaultSearchJitter = 250 * time.Millisecond
	// DefaultStepTimeoutBreak bounds how long one Step call may block
	// (§3 step_timeout_break_ms).
	DefaultStepTimeoutBreak = 100 * time.Millisecond

	commandQueueSize = 32
)

// Config is a Node's resolved, immutable Configuration (§3).
type Config struct {
	Name              string
	Prefix            string
	ForceHost         bool
	SearchTimeout     time.Duration
	SearchJitter      time.Duration
	MaxClients        *int
	StepTimeoutBreak  time.Duration
	HandshakeDeadline time.Duration
	ConfirmDeadline   time.Duration
}

// Builder constructs a Node from a Configuration plus the application's
// Engine factory and wire Codec (§6 "Builder surface").
type Builder[A, S any] struct {
	adapter transport.Adapter
	factory enginepipe.Factory[A, S]
	codec   session.Codec[A, S]
	cfg     Config
	clock   clockwork.Clock
	log     *zap.SugaredLogger
}

// NewBuilder returns a Builder with every Configuration option at its
// documented default. adapter and factory are required; a nil factory is
// a programmer error and panics at Build time, not at construction
// (mirrors the teacher's constructors, which fail fast on missing
// required collaborators).
func NewBuilder[A, S any](adapter transport.Adapter, factory enginepipe.Factory[A, S], codec session.Codec[A, S]) *Builder[A, S] {
	return &Builder[A, S]{
		adapter: adapter,
		factory: factory,
		codec:   codec,
		cfg: Config{
			Prefix:           keypath.DefaultPrefix,
			SearchTimeout:    DefaultSearchTimeout,
			SearchJitter:     DefaultSearchJitter,
			StepTimeoutBreak: DefaultStepTimeoutBreak,
		},
	}
}

// WithName pins an explicit NodeId; absent, a Node auto-generates one.
func (b *Builder[A, S]) WithName(name string) *Builder[A, S] {
	b.cfg.Name = name
	return b
}

// WithPrefix overrides the leading route segment (default "zenoh/arena").
func (b *Builder[A, S]) WithPrefix(prefix string) *Builder[A, S] {
	b.cfg.Prefix = prefix
	return b
}

// WithForceHost pins the Node to Host permanently, skipping Searching.
func (b *Builder[A, S]) WithForceHost(force bool) *Builder[A, S] {
	b.cfg.ForceHost = force
	return b
}

// WithSearchTimeout sets the base discovery window.
func (b *Builder[A, S]) WithSearchTimeout(d time.Duration) *Builder[A, S] {
	b.cfg.SearchTimeout = d
	return b
}

// WithSearchJitter sets the uniform random add-on that desynchronizes
// herds of simultaneously-searching peers.
func (b *Builder[A, S]) WithSearchJitter(d time.Duration) *Builder[A, S] {
	b.cfg.SearchJitter = d
	return b
}

// WithMaxClients caps Host admission; nil (the default) is unlimited.
func (b *Builder[A, S]) WithMaxClients(n int) *Builder[A, S] {
	b.cfg.MaxClients = &n
	return b
}

// WithStepTimeoutBreak bounds how long a single Step call may block.
func (b *Builder[A, S]) WithStepTimeoutBreak(d time.Duration) *Builder[A, S] {
	b.cfg.StepTimeoutBreak = d
	return b
}

// WithHandshakeDeadline overrides the client-side join deadline (default:
// one SearchTimeout, per §4.4).
func (b *Builder[A, S]) WithHandshakeDeadline(d time.Duration) *Builder[A, S] {
	b.cfg.HandshakeDeadline = d
	return b
}

// WithConfirmDeadline overrides the host-side window a provisional join
// may wait for JoinConfirm before being rolled back.
func (b *Builder[A, S]) WithConfirmDeadline(d time.Duration) *Builder[A, S] {
	b.cfg.ConfirmDeadline = d
	return b
}

// WithClock injects a clockwork.Clock, used throughout timing-sensitive
// tests; production callers leave this unset and get a real clock.
func (b *Builder[A, S]) WithClock(clock clockwork.Clock) *Builder[A, S] {
	b.clock = clock
	return b
}

// WithLogger injects a *zap.SugaredLogger; unset Nodes log nowhere.
func (b *Builder[A, S]) WithLogger(log *zap.SugaredLogger) *Builder[A, S] {
	b.log = log
	return b
}
