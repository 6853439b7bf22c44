// Package session implements the Session Pipes component (§4.5): the
// steady-state data flow a Node runs while it holds a role. Host fans
// incoming actions in from a wildcard subscription, feeds them to the
// engine, and fans resulting states back out on its state publisher.
// Client publishes actions upstream, subscribes to state downstream, and
// watches its host's liveness token.
//
// The Host loop's single-owner-goroutine shape is grounded on the
// teacher's Hub.Run (internal/server/hub.go): one goroutine drains a
// bounded channel and fans work out, generalized here from "broadcast a
// chat packet" to "drain actions into the engine, publish every emitted
// state." The Client's decoupled publish/subscribe halves are grounded on
// the teacher's Client.readPump/writePump (internal/server/client.go),
// generalized from a single TCP connection's read/write goroutines to a
// publisher call plus two independently-drained subscriptions (state,
// liveness).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/milyin/zenoh-arena/internal/enginepipe"
	"github.com/milyin/zenoh-arena/internal/handshake"
	"github.com/milyin/zenoh-arena/internal/keypath"
	"github.com/milyin/zenoh-arena/internal/transport"
)

// actionQueueSize bounds the Host's engine-input channel; overflow is
// drop-oldest per §5 ("action delivery is best-effort by design").
const actionQueueSize = 64

// stateQueueSize bounds the engine's output channel. The Host's publish
// loop drains it as fast as the transport allows; §5 requires
// block-on-full here, so this buffer only smooths bursts, it never drops.
const stateQueueSize = 8

// Codec is the set of encode/decode hooks the framework needs to move
// opaque Action/State payloads across the wire (§6 "Serialization").
type Codec[A, S any] struct {
	EncodeAction func(A) ([]byte, error)
	DecodeAction func([]byte) (A, error)
	EncodeState  func(S) ([]byte, error)
	DecodeState  func([]byte) (S, error)
}

// HostConfig configures a Host session.
type HostConfig[A, S any] struct {
	SelfID          keypath.NodeId
	Paths           keypath.KeyPath
	Adapter         transport.Adapter
	EngineFactory   enginepipe.Factory[A, S]
	Codec           Codec[A, S]
	MaxClients      *int
	ConfirmDeadline time.Duration
	Clock           clockwork.Clock
	Log             *zap.SugaredLogger
}

// Host runs the Host-side Session Pipes for one Host lifetime: the join
// responder, the wildcard action fan-in, the state fan-out, and the
// liveness token, all wired to one Engine instance. The discovery
// responder is declared by the caller, not by Host.
type Host[A, S any] struct {
	cfg HostConfig[A, S]
	log *zap.SugaredLogger

	handshake *handshake.HostResponder

	joinHandle     transport.Handle
	actionSub      transport.Subscription
	livenessHandle transport.Handle

	engine    enginepipe.Engine[A, S]
	actionsIn chan enginepipe.ActionEnvelope[A]
	statesOut chan S
	delivered chan S

	cancel context.CancelFunc
	group  *errgroup.Group

	dropMu    sync.Mutex
	dropCount map[string]uint64
}

// NewHost brings up a Host session: creates the engine, declares the join
// responder, the wildcard action subscriber, and the liveness token, and
// starts the fan-in/fan-out goroutines. The discovery responder is owned
// by the caller (internal/arena), since ranking/state reporting spans
// more than the session (it also needs the role state machine's
// "accepting" policy).
func NewHost[A, S any](ctx context.Context, cfg HostConfig[A, S]) (*Host[A, S], error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)

	h := &Host[A, S]{
		cfg:       cfg,
		log:       log,
		actionsIn: make(chan enginepipe.ActionEnvelope[A], actionQueueSize),
		statesOut: make(chan S, stateQueueSize),
		delivered: make(chan S, 1),
		cancel:    cancel,
		group:     group,
		dropCount: make(map[string]uint64),
	}

	engine, err := cfg.EngineFactory(runCtx, cfg.SelfID.String(), h.actionsIn, h.statesOut, nil)
	if err != nil {
		cancel()
		return nil, trace.Wrap(err, "start engine")
	}
	h.engine = engine

	maxClients := cfg.MaxClients
	if hint := engine.MaxClients(); hint != nil && (maxClients == nil || *hint < *maxClients) {
		maxClients = hint
	}

	h.handshake = handshake.NewHostResponder(handshake.HostResponderConfig{
		SelfID:          cfg.SelfID,
		Paths:           cfg.Paths,
		Adapter:         cfg.Adapter,
		MaxClients:      maxClients,
		ConfirmDeadline: cfg.ConfirmDeadline,
		Clock:           cfg.Clock,
		Log:             log,
		Snapshot: func() []byte {
			b, err := cfg.Codec.EncodeState(engine.Snapshot())
			if err != nil {
				log.Warnw("session: failed to encode join snapshot", "error", err)
				return nil
			}
			return b
		},
	})

	joinHandle, err := h.handshake.Declare(runCtx)
	if err != nil {
		cancel()
		return nil, trace.Wrap(err, "declare join responder")
	}
	h.joinHandle = joinHandle

	actionSub, err := cfg.Adapter.Subscribe(runCtx, cfg.Paths.ActionWildcard(cfg.SelfID))
	if err != nil {
		joinHandle.Close()
		cancel()
		return nil, trace.Wrap(err, "declare action wildcard subscriber")
	}
	h.actionSub = actionSub

	livenessHandle, err := cfg.Adapter.DeclareLiveness(runCtx, cfg.Paths.Liveness(cfg.SelfID))
	if err != nil {
		actionSub.Close()
		joinHandle.Close()
		cancel()
		return nil, trace.Wrap(err, "declare liveness token")
	}
	h.livenessHandle = livenessHandle

	group.Go(func() error { return h.runActionFanIn(gctx) })
	group.Go(func() error { return h.runStatePublish(gctx) })

	return h, nil
}

func (h *Host[A, S]) runActionFanIn(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sample, ok := <-h.actionSub.C():
			if !ok {
				return nil
			}
			clientID, err := keypath.ClientIdFromActionPath(sample.Path)
			if err != nil {
				h.log.Warnw("session: dropping action on unparsable path", "path", sample.Path, "error", err)
				continue
			}
			action, err := h.cfg.Codec.DecodeAction(sample.Payload)
			if err != nil {
				h.log.Warnw("session: dropping undecodable action", "client", clientID.String(), "error", err)
				continue
			}
			env := enginepipe.ActionEnvelope[A]{ClientID: clientID.String(), Action: action}
			select {
			case h.actionsIn <- env:
			default:
				select {
				case old := <-h.actionsIn:
					h.recordDrop(old.ClientID)
				default:
				}
				select {
				case h.actionsIn <- env:
				default:
					h.recordDrop(env.ClientID)
				}
			}
		}
	}
}

func (h *Host[A, S]) runStatePublish(ctx context.Context) error {
	statePath := h.cfg.Paths.State(h.cfg.SelfID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-h.statesOut:
			if !ok {
				return nil
			}
			encoded, err := h.cfg.Codec.EncodeState(s)
			if err != nil {
				h.log.Warnw("session: failed to encode outgoing state", "error", err)
				continue
			}
			if err := h.cfg.Adapter.Publish(ctx, statePath, encoded); err != nil {
				h.log.Warnw("session: failed to publish state", "error", err)
			}
			select {
			case h.delivered <- s:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (h *Host[A, S]) recordDrop(clientID string) {
	h.dropMu.Lock()
	h.dropCount[clientID]++
	h.dropMu.Unlock()
}

// States delivers every state the engine has emitted, in order, after it
// has been published. The driver (internal/arena) selects on this to
// produce GameState step results.
func (h *Host[A, S]) States() <-chan S { return h.delivered }

// Handshake exposes the join responder for the orchestrator's discovery
// StateFn and client-set queries. The Host does not watch client
// liveness, so no client is evicted from the set while the Host runs.
func (h *Host[A, S]) Handshake() *handshake.HostResponder { return h.handshake }

// DropCounts returns a snapshot of the per-client dropped-action counters
// (SPEC_FULL.md SUPPLEMENTED FEATURES: "Per-client action drop counter").
func (h *Host[A, S]) DropCounts() map[string]uint64 {
	h.dropMu.Lock()
	defer h.dropMu.Unlock()
	out := make(map[string]uint64, len(h.dropCount))
	for k, v := range h.dropCount {
		out[k] = v
	}
	return out
}

// Snapshot returns the engine's current state without touching the
// action/state channels.
func (h *Host[A, S]) Snapshot() S { return h.engine.Snapshot() }

// Close tears down the Host session in the order §9 prescribes: responder
// handles, subscriber, engine (via context cancellation), liveness token.
func (h *Host[A, S]) Close() error {
	h.joinHandle.Close()
	h.actionSub.Close()
	h.cancel()
	err := h.group.Wait()
	if engineErr := h.engine.Wait(); engineErr != nil && err == nil {
		err = engineErr
	}
	h.livenessHandle.Close()
	close(h.statesOut)
	if err != nil {
		return trace.Wrap(err, "host session teardown")
	}
	return nil
}

// ClientConfig configures a Client session.
type ClientConfig[A, S any] struct {
	SelfID  keypath.NodeId
	HostID  keypath.NodeId
	Paths   keypath.KeyPath
	Adapter transport.Adapter
	Codec   Codec[A, S]
}

// Client runs the Client-side Session Pipes (§4.5): an action publisher,
// a state subscriber, and a liveness watcher on the joined host.
type Client[A, S any] struct {
	cfg ClientConfig[A, S]
	log *zap.SugaredLogger

	stateSub  transport.Subscription
	liveWatch transport.LivenessWatcher

	states chan S
	downs  chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient declares the action publisher's path (no handle needed: a
// publish is a single fire-and-forget call, not a declared capability),
// the state subscriber, and the liveness watcher, and starts one
// forwarding goroutine that drains both the state subscription and the
// liveness watcher.
func NewClient[A, S any](ctx context.Context, cfg ClientConfig[A, S], log *zap.SugaredLogger) (*Client[A, S], error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	runCtx, cancel := context.WithCancel(ctx)

	stateSub, err := cfg.Adapter.Subscribe(runCtx, cfg.Paths.State(cfg.HostID))
	if err != nil {
		cancel()
		return nil, trace.Wrap(err, "subscribe to host state")
	}

	liveWatch, err := cfg.Adapter.WatchLiveness(runCtx, cfg.Paths.Liveness(cfg.HostID))
	if err != nil {
		stateSub.Close()
		cancel()
		return nil, trace.Wrap(err, "watch host liveness")
	}

	c := &Client[A, S]{
		cfg:       cfg,
		log:       log,
		stateSub:  stateSub,
		liveWatch: liveWatch,
		states:    make(chan S, stateQueueSize),
		downs:     make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.run(runCtx)
	return c, nil
}

func (c *Client[A, S]) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-c.stateSub.C():
			if !ok {
				return
			}
			state, err := c.cfg.Codec.DecodeState(sample.Payload)
			if err != nil {
				c.log.Warnw("session: dropping undecodable state", "error", err)
				continue
			}
			select {
			case c.states <- state:
			case <-ctx.Done():
				return
			}
		case ev, ok := <-c.liveWatch.C():
			if !ok {
				return
			}
			if !ev.Up {
				select {
				case c.downs <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Publish sends one action upstream to the host.
func (c *Client[A, S]) Publish(ctx context.Context, action A) error {
	payload, err := c.cfg.Codec.EncodeAction(action)
	if err != nil {
		return trace.Wrap(err, "encode action")
	}
	path := c.cfg.Paths.ClientAction(c.cfg.HostID, c.cfg.SelfID)
	if err := c.cfg.Adapter.Publish(ctx, path, payload); err != nil {
		return trace.Wrap(err, "publish action")
	}
	return nil
}

// States delivers every state observed from the host, in publish order.
func (c *Client[A, S]) States() <-chan S { return c.states }

// LivenessDown delivers a signal whenever the host's liveness token is
// observed disappearing. The orchestrator treats this as an immediate
// trigger to transition to Searching (§4.5).
func (c *Client[A, S]) LivenessDown() <-chan struct{} { return c.downs }

// Close tears down the Client session: liveness watcher, state
// subscriber, in that order, mirroring reverse declaration order.
func (c *Client[A, S]) Close() error {
	c.cancel()
	c.liveWatch.Close()
	c.stateSub.Close()
	<-c.done
	return nil
}
