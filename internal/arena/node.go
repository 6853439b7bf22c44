package arena

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/milyin/zenoh-arena/internal/discovery"
	"github.com/milyin/zenoh-arena/internal/enginepipe"
	"github.com/milyin/zenoh-arena/internal/handshake"
	"github.com/milyin/zenoh-arena/internal/keypath"
	"github.com/milyin/zenoh-arena/internal/session"
	"github.com/milyin/zenoh-arena/internal/transport"
)

// NodeRole is the Node's public role (§3). Searching is not part of the
// spec's strict NodeRole tagged-variant (which is only Client | Host),
// but NodeStatus and StepResult both need to name it too, so this single
// enum covers all three observable cases rather than maintaining two
// parallel types for what is, in practice, one axis of observation.
type NodeRole int

const (
	RoleSearching NodeRole = iota
	RoleClient
	RoleHost
)

func (r NodeRole) String() string {
	switch r {
	case RoleSearching:
		return "searching"
	case RoleClient:
		return "client"
	case RoleHost:
		return "host"
	default:
		return "unknown"
	}
}

// CommandKind tags the command queue's vocabulary (§4.6).
type CommandKind int

const (
	CommandGameAction CommandKind = iota
	CommandStop
	// CommandLeaveHost is the SPEC_FULL.md SUPPLEMENTED FEATURES
	// extension §9 Open Questions explicitly permits: a voluntary,
	// policy-driven exit from Host when its clients set is empty.
	CommandLeaveHost
)

// Command is one entry on a Node's command queue.
type Command[A any] struct {
	Kind   CommandKind
	Action A
}

// GameAction wraps an application action as a command.
func GameAction[A any](action A) Command[A] {
	return Command[A]{Kind: CommandGameAction, Action: action}
}

// Stop requests Node termination.
func Stop[A any]() Command[A] {
	return Command[A]{Kind: CommandStop}
}

// LeaveHost requests a voluntary Host->Searching transition.
func LeaveHost[A any]() Command[A] {
	return Command[A]{Kind: CommandLeaveHost}
}

// StepKind tags a StepResult (§4.6).
type StepKind int

const (
	StepTimeout StepKind = iota
	StepGameState
	StepRoleChanged
	StepStop
)

// StepResult is returned by one Step call.
type StepResult[S any] struct {
	Kind  StepKind
	State S
	Role  NodeRole
}

// NodeStatus is the status snapshot returned by LastStatus (§3).
type NodeStatus[S any] struct {
	Role      NodeRole
	Host      keypath.NodeId
	Accepting bool
	Clients   []keypath.NodeId
	State     *S
}

type searchOutcome[S any] struct {
	becomeHost   bool
	becomeClient bool
	hostID       keypath.NodeId
	initial      S
	err          error
}

// Node is the role state machine described in §4.6: it owns exactly one
// of Searching/Client/Host at a time, drives Discovery, Handshake, and
// Session Pipes, and exposes the command queue plus Step to its caller.
type Node[A, S any] struct {
	id      keypath.NodeId
	paths   keypath.KeyPath
	adapter transport.Adapter
	factory enginepipe.Factory[A, S]
	codec   session.Codec[A, S]
	cfg     Config
	clock   clockwork.Clock
	log     *zap.SugaredLogger

	discoverer *discovery.Discoverer

	commands chan Command[A]

	rootCtx context.Context
	cancel  context.CancelFunc

	// Driver-owned fields: mutated only from the single goroutine that
	// calls Step, per §5's single-threaded cooperative driver model.
	role           NodeRole
	host           *session.Host[A, S]
	discoveryClose transport.Handle
	client         *session.Client[A, S]
	clientHostID   keypath.NodeId
	searchCh       chan searchOutcome[S]
	pendingInitial *S
	// pendingForceHost defers a ForceHost Node's Searching->Host entry to
	// the first Step() call, so it is observed via StepRoleChanged the
	// same way every other transition is, rather than happening silently
	// inside Build.
	pendingForceHost bool
	terminal         bool

	// mu guards only the externally-observable cache consulted by
	// LastStatus/KnownHosts, which may be read from a goroutine other
	// than the Step driver (e.g. a UI re-render loop).
	mu         sync.Mutex
	lastStatus NodeStatus[S]
	knownHosts []discovery.Candidate
}

// Build resolves the NodeId and wires the Discoverer. Searching is the
// Node's starting role and needs no transition report, so Build enters it
// directly; a ForceHost Node instead defers its Host entry to the first
// Step() call, so that transition is observed through StepRoleChanged
// exactly like every other one (§4.6 state diagram).
func (b *Builder[A, S]) Build(ctx context.Context) (*Node[A, S], error) {
	if b.factory == nil {
		panic("arena: Builder.Build called with a nil engine factory")
	}

	var id keypath.NodeId
	var err error
	if b.cfg.Name != "" {
		id, err = keypath.NewNodeId(b.cfg.Name)
	} else {
		id, err = keypath.GenerateNodeId()
	}
	if err != nil {
		return nil, trace.Wrap(err, "resolve node id")
	}

	cfg := b.cfg
	if cfg.HandshakeDeadline <= 0 {
		cfg.HandshakeDeadline = cfg.SearchTimeout
	}
	if cfg.ConfirmDeadline <= 0 {
		cfg.ConfirmDeadline = cfg.SearchTimeout
	}

	clock := b.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := b.log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	paths := keypath.New(cfg.Prefix)
	rootCtx, cancel := context.WithCancel(ctx)

	n := &Node[A, S]{
		id:         id,
		paths:      paths,
		adapter:    b.adapter,
		factory:    b.factory,
		codec:      b.codec,
		cfg:        cfg,
		clock:      clock,
		log:        log,
		discoverer: discovery.NewDiscoverer(b.adapter, paths, clock, log),
		commands:   make(chan Command[A], commandQueueSize),
		rootCtx:    rootCtx,
		cancel:     cancel,
	}

	n.role = RoleSearching
	n.mu.Lock()
	n.lastStatus = NodeStatus[S]{Role: RoleSearching}
	n.mu.Unlock()

	if cfg.ForceHost {
		n.pendingForceHost = true
	} else {
		n.enterSearching()
	}
	return n, nil
}

// ID returns the Node's identifier.
func (n *Node[A, S]) ID() keypath.NodeId { return n.id }

// Sender returns the send side of the command queue (§6 "sender()").
// Closing it is equivalent to submitting Stop (§3 Lifecycles: "ends when
// a Stop command arrives or the command source is closed").
func (n *Node[A, S]) Sender() chan<- Command[A] { return n.commands }

// LastStatus returns the most recently observed NodeStatus without
// blocking (SPEC_FULL.md SUPPLEMENTED FEATURES).
func (n *Node[A, S]) LastStatus() NodeStatus[S] {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastStatus
}

// KnownHosts returns the most recent discovery ranking, for diagnostics
// (SPEC_FULL.md SUPPLEMENTED FEATURES).
func (n *Node[A, S]) KnownHosts() []discovery.Candidate {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]discovery.Candidate, len(n.knownHosts))
	copy(out, n.knownHosts)
	return out
}

// DropCounts returns the Host's per-client dropped-action counters, or
// nil when not currently Host (SPEC_FULL.md SUPPLEMENTED FEATURES).
func (n *Node[A, S]) DropCounts() map[string]uint64 {
	if n.role != RoleHost || n.host == nil {
		return nil
	}
	return n.host.DropCounts()
}

// Step advances the Node's state machine by exactly one quantum: at most
// one of process one command, advance one handshake step, deliver one
// state update, detect one liveness event, or time out (§4.6).
func (n *Node[A, S]) Step() StepResult[S] {
	if n.terminal {
		return StepResult[S]{Kind: StepStop}
	}

	if n.pendingForceHost {
		n.pendingForceHost = false
		role := n.role
		result := n.enterForceHost()
		n.updateStatus(role, result)
		return result
	}

	role := n.role
	timeoutCh := n.clock.After(n.cfg.StepTimeoutBreak)

	var result StepResult[S]
	switch role {
	case RoleSearching:
		result = n.stepSearching(timeoutCh)
	case RoleClient:
		result = n.stepClient(timeoutCh)
	case RoleHost:
		result = n.stepHost(timeoutCh)
	}
	n.updateStatus(role, result)
	return result
}

func (n *Node[A, S]) updateStatus(role NodeRole, result StepResult[S]) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch result.Kind {
	case StepRoleChanged:
		n.log.Infow("arena: role changed", "from", role.String(), "to", result.Role.String())
		n.lastStatus.Role = result.Role
		switch result.Role {
		case RoleClient:
			n.lastStatus.Host = n.clientHostID
			n.lastStatus.Accepting = false
			n.lastStatus.Clients = nil
		case RoleHost:
			n.lastStatus.Host = keypath.NodeId{}
			n.lastStatus.Accepting = true
			n.lastStatus.Clients = nil
		case RoleSearching:
			n.lastStatus.Host = keypath.NodeId{}
			n.lastStatus.Accepting = false
			n.lastStatus.Clients = nil
		}
	case StepGameState:
		s := result.State
		n.lastStatus.State = &s
		if role == RoleHost && n.host != nil {
			n.lastStatus.Clients = n.host.Handshake().Clients()
		}
	case StepStop:
		n.lastStatus.State = nil
	}
}

// --- Searching ------------------------------------------------------------

func (n *Node[A, S]) enterSearching() {
	ch := make(chan searchOutcome[S], 1)
	n.searchCh = ch
	go n.runSearch(n.rootCtx, ch)
}

func (n *Node[A, S]) runSearch(ctx context.Context, out chan<- searchOutcome[S]) {
	for {
		candidates, err := n.discoverer.FindHosts(ctx, n.cfg.SearchTimeout, n.cfg.SearchJitter)
		if err != nil {
			out <- searchOutcome[S]{err: trace.Wrap(err, "discovery round")}
			return
		}
		n.mu.Lock()
		n.knownHosts = candidates
		n.mu.Unlock()
		if len(candidates) == 0 {
			out <- searchOutcome[S]{becomeHost: true}
			return
		}

		top := candidates[0]
		initialPayload, err := handshake.Join(ctx, n.adapter, n.paths, n.id, top.HostID, n.cfg.HandshakeDeadline, n.log)
		if err != nil {
			if trace.IsAccessDenied(err) || trace.IsLimitExceeded(err) {
				n.log.Infow("arena: join attempt failed, retrying search", "host", top.HostID.String(), "error", err)
				continue
			}
			out <- searchOutcome[S]{err: trace.Wrap(err, "join handshake")}
			return
		}

		initialState, err := n.codec.DecodeState(initialPayload)
		if err != nil {
			out <- searchOutcome[S]{err: trace.Wrap(err, "decode initial state")}
			return
		}
		out <- searchOutcome[S]{becomeClient: true, hostID: top.HostID, initial: initialState}
		return
	}
}

func (n *Node[A, S]) stepSearching(timeoutCh <-chan time.Time) StepResult[S] {
	select {
	case cmd, ok := <-n.commands:
		if !ok || cmd.Kind == CommandStop {
			n.teardownAll()
			return StepResult[S]{Kind: StepStop}
		}
		n.log.Warnw("arena: command has no effect while searching", "kind", cmd.Kind)
		return StepResult[S]{Kind: StepTimeout}

	case outcome := <-n.searchCh:
		switch {
		case outcome.err != nil:
			n.log.Errorw("arena: search failed, node entering terminal state", "error", outcome.err)
			n.teardownAll()
			return StepResult[S]{Kind: StepStop}
		case outcome.becomeHost:
			if err := n.enterHost(); err != nil {
				n.log.Errorw("arena: failed to enter host after empty discovery round", "error", err)
				n.enterSearching()
				return StepResult[S]{Kind: StepTimeout}
			}
			n.role = RoleHost
			return StepResult[S]{Kind: StepRoleChanged, Role: RoleHost}
		case outcome.becomeClient:
			if err := n.enterClient(outcome.hostID); err != nil {
				n.log.Errorw("arena: failed to establish client session after join", "error", err)
				n.enterSearching()
				return StepResult[S]{Kind: StepTimeout}
			}
			state := outcome.initial
			n.pendingInitial = &state
			n.role = RoleClient
			return StepResult[S]{Kind: StepRoleChanged, Role: RoleClient}
		}
		return StepResult[S]{Kind: StepTimeout}

	case <-timeoutCh:
		return StepResult[S]{Kind: StepTimeout}
	}
}

// --- Client -----------------------------------------------------------------

func (n *Node[A, S]) enterClient(hostID keypath.NodeId) error {
	client, err := session.NewClient(n.rootCtx, session.ClientConfig[A, S]{
		SelfID:  n.id,
		HostID:  hostID,
		Paths:   n.paths,
		Adapter: n.adapter,
		Codec:   n.codec,
	}, n.log)
	if err != nil {
		return err
	}
	n.client = client
	n.clientHostID = hostID
	return nil
}

func (n *Node[A, S]) leaveClient() {
	if n.client != nil {
		n.client.Close()
		n.client = nil
	}
	n.clientHostID = keypath.NodeId{}
}

func (n *Node[A, S]) stepClient(timeoutCh <-chan time.Time) StepResult[S] {
	if n.pendingInitial != nil {
		s := *n.pendingInitial
		n.pendingInitial = nil
		return StepResult[S]{Kind: StepGameState, State: s}
	}

	select {
	case cmd, ok := <-n.commands:
		if !ok || cmd.Kind == CommandStop {
			n.teardownAll()
			return StepResult[S]{Kind: StepStop}
		}
		switch cmd.Kind {
		case CommandGameAction:
			if err := n.client.Publish(n.rootCtx, cmd.Action); err != nil {
				n.log.Warnw("arena: failed to publish action", "error", err)
			}
		case CommandLeaveHost:
			n.log.Warnw("arena: LeaveHost has no effect: not a Host")
		}
		return StepResult[S]{Kind: StepTimeout}

	case s, ok := <-n.client.States():
		if !ok {
			return StepResult[S]{Kind: StepTimeout}
		}
		return StepResult[S]{Kind: StepGameState, State: s}

	case _, ok := <-n.client.LivenessDown():
		if !ok {
			return StepResult[S]{Kind: StepTimeout}
		}
		lostHost := n.clientHostID
		n.leaveClient()
		n.log.Infow("arena: host liveness lost, returning to searching", "host", lostHost.String())
		n.role = RoleSearching
		n.enterSearching()
		return StepResult[S]{Kind: StepRoleChanged, Role: RoleSearching}

	case <-timeoutCh:
		return StepResult[S]{Kind: StepTimeout}
	}
}

// --- Host ---------------------------------------------------------------

// enterForceHost performs a ForceHost Node's one-time Searching->Host
// entry on its first Step() call. There is no fallback role to retry
// into on failure, unlike stepSearching's becomeHost outcome, so a
// failure here is terminal.
func (n *Node[A, S]) enterForceHost() StepResult[S] {
	if err := n.enterHost(); err != nil {
		n.log.Errorw("arena: failed to enter forced host role", "error", err)
		n.teardownAll()
		return StepResult[S]{Kind: StepStop}
	}
	n.role = RoleHost
	return StepResult[S]{Kind: StepRoleChanged, Role: RoleHost}
}

func (n *Node[A, S]) enterHost() error {
	host, err := session.NewHost(n.rootCtx, session.HostConfig[A, S]{
		SelfID:          n.id,
		Paths:           n.paths,
		Adapter:         n.adapter,
		EngineFactory:   n.factory,
		Codec:           n.codec,
		MaxClients:      n.cfg.MaxClients,
		ConfirmDeadline: n.cfg.ConfirmDeadline,
		Clock:           n.clock,
		Log:             n.log,
	})
	if err != nil {
		return err
	}

	responder := host.Handshake()
	stateFn := func() (bool, int, *int) {
		current := responder.CurrentClients()
		accepting := responder.Accepting()
		if n.cfg.MaxClients != nil && current >= *n.cfg.MaxClients {
			accepting = false
		}
		return accepting, current, n.cfg.MaxClients
	}
	discoveryHandle, err := discovery.DeclareResponder(n.rootCtx, n.adapter, n.paths, n.id, stateFn, n.log)
	if err != nil {
		host.Close()
		return trace.Wrap(err, "declare discovery responder")
	}

	n.host = host
	n.discoveryClose = discoveryHandle
	return nil
}

func (n *Node[A, S]) leaveHost() {
	if n.discoveryClose != nil {
		n.discoveryClose.Close()
		n.discoveryClose = nil
	}
	if n.host != nil {
		n.host.Close()
		n.host = nil
	}
}

func (n *Node[A, S]) stepHost(timeoutCh <-chan time.Time) StepResult[S] {
	select {
	case cmd, ok := <-n.commands:
		if !ok || cmd.Kind == CommandStop {
			n.teardownAll()
			return StepResult[S]{Kind: StepStop}
		}
		switch cmd.Kind {
		case CommandGameAction:
			// The Host's own actions enter the engine through the same
			// wildcard fan-in as every client's, on its own client action
			// path, so the engine sees the Host's id as the originator.
			payload, err := n.codec.EncodeAction(cmd.Action)
			if err != nil {
				n.log.Warnw("arena: failed to encode host action", "error", err)
				break
			}
			if err := n.adapter.Publish(n.rootCtx, n.paths.ClientAction(n.id, n.id), payload); err != nil {
				n.log.Warnw("arena: failed to publish host action", "error", err)
			}
		case CommandLeaveHost:
			if n.cfg.ForceHost {
				n.log.Warnw("arena: LeaveHost ignored under force_host (InvalidStateTransition)")
				break
			}
			if n.host.Handshake().CurrentClients() > 0 {
				n.log.Warnw("arena: LeaveHost ignored: host still has clients")
				break
			}
			n.leaveHost()
			n.role = RoleSearching
			n.enterSearching()
			return StepResult[S]{Kind: StepRoleChanged, Role: RoleSearching}
		}
		return StepResult[S]{Kind: StepTimeout}

	case s, ok := <-n.host.States():
		if !ok {
			return StepResult[S]{Kind: StepTimeout}
		}
		return StepResult[S]{Kind: StepGameState, State: s}

	case <-timeoutCh:
		return StepResult[S]{Kind: StepTimeout}
	}
}

// --- Teardown ---------------------------------------------------------------

func (n *Node[A, S]) teardownAll() {
	switch n.role {
	case RoleClient:
		n.leaveClient()
	case RoleHost:
		n.leaveHost()
	}
	n.terminal = true
	n.cancel()
}
