// Package handshake implements the two-phase Connection Handshake (§4.4):
// the client's JoinRequest/JoinAccept-or-JoinReject/JoinConfirm exchange,
// and the Host-side responder that accepts or rejects joiners and
// provisionally seats them pending JoinConfirm.
//
// The host-side accept/reject shape is grounded on the teacher's
// Server.handleRegister/handleLogin (internal/server/server.go): validate
// the request, reply success or a typed rejection. The reply envelope
// shape (embedding a reason string on rejection) is grounded on the
// teacher's Client.sendError, generalized from a single connection-level
// error message to the three stable reasons §4.4 names.
package handshake

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/milyin/zenoh-arena/internal/keypath"
	"github.com/milyin/zenoh-arena/internal/transport"
	"github.com/milyin/zenoh-arena/internal/wire"
)

// Stable JoinReject reasons (§4.4).
const (
	ReasonNotAccepting = "not_accepting"
	ReasonFull         = "full"
	ReasonDuplicate    = "duplicate"
)

// Join runs the client side of the handshake against hostID: send
// JoinRequest, await exactly one reply within deadline. On JoinAccept, emit
// JoinConfirm (fire-and-await one reply or deadline) and return the
// initial state snapshot. On JoinReject or timeout, returns a classified
// error (ConnectionRejected -> trace.AccessDenied, Timeout ->
// trace.LimitExceeded) and the caller restarts Searching.
func Join(ctx context.Context, adapter transport.Adapter, paths keypath.KeyPath, selfID, hostID keypath.NodeId, deadline time.Duration, log *zap.SugaredLogger) ([]byte, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	joinPath := paths.Join(hostID)

	reqPayload, err := wire.Encode(wire.JoinRequest{ClientID: selfID.String()})
	if err != nil {
		return nil, trace.Wrap(err, "encode join request")
	}

	replies, err := adapter.Query(ctx, joinPath, reqPayload, deadline)
	if err != nil {
		return nil, trace.Wrap(err, "issue join request")
	}

	reply, ok := <-replies
	if !ok {
		return nil, trace.LimitExceeded("join request to host %q timed out", hostID.String())
	}

	msg, err := wire.Decode(reply)
	if err != nil {
		return nil, trace.Wrap(err, "decode join reply")
	}

	switch m := msg.(type) {
	case wire.JoinReject:
		return nil, trace.AccessDenied("join rejected by host %q: %s", hostID.String(), m.Reason)
	case wire.JoinAccept:
		confirmPayload, err := wire.Encode(wire.JoinConfirm{ClientID: selfID.String()})
		if err != nil {
			return nil, trace.Wrap(err, "encode join confirm")
		}
		confirmReplies, err := adapter.Query(ctx, joinPath, confirmPayload, deadline)
		if err != nil {
			log.Warnw("join confirm failed to send", "host", hostID.String(), "error", err)
		} else {
			<-confirmReplies
		}
		return m.InitialState, nil
	default:
		return nil, trace.BadParameter("unexpected reply kind %T to join request", msg)
	}
}

// SnapshotFn produces the engine's current state for a JoinAccept.
type SnapshotFn func() []byte

// HostResponderConfig configures a HostResponder.
type HostResponderConfig struct {
	SelfID          keypath.NodeId
	Paths           keypath.KeyPath
	Adapter         transport.Adapter
	MaxClients      *int
	ConfirmDeadline time.Duration
	Clock           clockwork.Clock
	Log             *zap.SugaredLogger
	Snapshot        SnapshotFn
}

// HostResponder is the Host-side half of the handshake: it accepts or
// rejects JoinRequests, provisionally seats accepted clients pending
// JoinConfirm, and rolls back provisional entries that never confirm.
// The clients set is mutated only here (§5 Shared resources).
type HostResponder struct {
	cfg HostResponderConfig

	mu          sync.Mutex
	clients     map[string]struct{}
	provisional map[string]clockwork.Timer
	accepting   bool
}

// NewHostResponder returns a HostResponder that starts out accepting.
func NewHostResponder(cfg HostResponderConfig) *HostResponder {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &HostResponder{
		cfg:         cfg,
		clients:     make(map[string]struct{}),
		provisional: make(map[string]clockwork.Timer),
		accepting:   true,
	}
}

// Declare installs the responder at the host's join path. Close the
// returned handle before leaving Host.
func (h *HostResponder) Declare(ctx context.Context) (transport.Handle, error) {
	handle, err := h.cfg.Adapter.DeclareResponder(ctx, h.cfg.Paths.Join(h.cfg.SelfID), h.handle)
	if err != nil {
		return nil, trace.Wrap(err, "declare join responder")
	}
	return handle, nil
}

func (h *HostResponder) handle(ctx context.Context, queryPath string, payload []byte) []byte {
	msg, err := wire.Decode(payload)
	if err != nil {
		h.cfg.Log.Warnw("handshake: dropping undecodable query", "error", err)
		return nil
	}
	switch m := msg.(type) {
	case wire.JoinRequest:
		return h.handleJoinRequest(m)
	case wire.JoinConfirm:
		return h.handleJoinConfirm(m)
	default:
		h.cfg.Log.Warnw("handshake: unexpected query kind on join path", "kind", msg)
		return nil
	}
}

func (h *HostResponder) handleJoinRequest(m wire.JoinRequest) []byte {
	h.mu.Lock()
	clientID := m.ClientID

	reject := func(reason string) []byte {
		h.mu.Unlock()
		h.cfg.Log.Infow("handshake: rejecting join", "client", clientID, "reason", reason)
		encoded, err := wire.Encode(wire.JoinReject{HostID: h.cfg.SelfID.String(), Reason: reason})
		if err != nil {
			h.cfg.Log.Warnw("handshake: failed to encode reject", "error", err)
			return nil
		}
		return encoded
	}

	if !h.accepting {
		return reject(ReasonNotAccepting)
	}
	if h.cfg.MaxClients != nil && len(h.clients)+len(h.provisional) >= *h.cfg.MaxClients {
		return reject(ReasonFull)
	}
	if _, exists := h.clients[clientID]; exists {
		return reject(ReasonDuplicate)
	}
	if _, exists := h.provisional[clientID]; exists {
		return reject(ReasonDuplicate)
	}

	snapshot := h.cfg.Snapshot()
	h.provisional[clientID] = h.cfg.Clock.AfterFunc(h.cfg.ConfirmDeadline, func() {
		h.expireProvisional(clientID)
	})
	h.mu.Unlock()

	h.cfg.Log.Infow("handshake: provisionally accepting join", "client", clientID)
	encoded, err := wire.Encode(wire.JoinAccept{HostID: h.cfg.SelfID.String(), InitialState: snapshot})
	if err != nil {
		h.cfg.Log.Warnw("handshake: failed to encode accept", "error", err)
		return nil
	}
	return encoded
}

func (h *HostResponder) handleJoinConfirm(m wire.JoinConfirm) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	timer, ok := h.provisional[m.ClientID]
	if !ok {
		h.cfg.Log.Warnw("handshake: confirm for unknown or expired provisional client", "client", m.ClientID)
		return []byte{}
	}
	timer.Stop()
	delete(h.provisional, m.ClientID)
	h.clients[m.ClientID] = struct{}{}
	h.cfg.Log.Infow("handshake: client confirmed", "client", m.ClientID)
	return []byte{}
}

func (h *HostResponder) expireProvisional(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.provisional[clientID]; !ok {
		return
	}
	delete(h.provisional, clientID)
	h.cfg.Log.Infow("handshake: provisional client expired without confirm", "client", clientID)
}

// SetAccepting toggles admission. A Host stops accepting without tearing
// down already-confirmed clients.
func (h *HostResponder) SetAccepting(accepting bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepting = accepting
}

// Accepting reports the current admission policy, consulted by the
// discovery responder's StateFn on every query (§4.3).
func (h *HostResponder) Accepting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.accepting
}

// Clients returns the confirmed client id set as NodeIds. Provisional
// (unconfirmed) clients are not included.
func (h *HostResponder) Clients() []keypath.NodeId {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]keypath.NodeId, 0, len(h.clients))
	for id := range h.clients {
		nodeID, err := keypath.NewNodeId(id)
		if err != nil {
			continue
		}
		out = append(out, nodeID)
	}
	return out
}

// CurrentClients returns the confirmed client count, the value reported to
// DiscoveryResponse.current_clients.
func (h *HostResponder) CurrentClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// RemoveClient drops a client from the confirmed set. Nothing in this
// repository calls it: the Host does not watch client liveness, so a
// confirmed client stays in the set until the Host session is torn down.
func (h *HostResponder) RemoveClient(id keypath.NodeId) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id.String())
}
