// Package discovery implements both sides of the "who is hosting?" query
// (§4.3): the query side used while Searching, and the responder side
// declared while Host.
//
// The responder's reply-to-many-queriers shape is grounded on the
// teacher's Hub.broadcast (internal/server/hub.go), generalized from
// "send this byte slice to every registered client" to "answer every
// concurrent discovery query with a snapshot of current Host state."
// Ranking/filtering has no teacher analogue; its collect-until-deadline
// shape is grounded on senutpal-quorum's proposer quorum-collection loop
// (internal/paxos/proposer.go), which collects replies until a threshold
// or deadline, generalized here from "count of acks" to "rank survivors
// and pick one."
package discovery

import (
	"context"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/milyin/zenoh-arena/internal/keypath"
	"github.com/milyin/zenoh-arena/internal/transport"
	"github.com/milyin/zenoh-arena/internal/wire"
)

// Candidate is one ranked survivor of a discovery round.
type Candidate struct {
	HostID         keypath.NodeId
	CurrentClients int
	MaxClients     *int
}

// StateFn reports a Host's current admission state at the instant a
// discovery query arrives; the responder re-reads it on every query since
// the Host's clients set changes over its lifetime.
type StateFn func() (accepting bool, currentClients int, maxClients *int)

// JitterFn returns a random duration in [0, max). Exposed for injection so
// tests can make discovery timing deterministic without touching the
// system clock; clockwork has no notion of randomness, so jitter is
// sourced separately from the Clock used for logging/timestamps.
type JitterFn func(max time.Duration) time.Duration

func defaultJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Discoverer runs discovery rounds against one fabric session.
type Discoverer struct {
	Adapter transport.Adapter
	Paths   keypath.KeyPath
	Clock   clockwork.Clock
	Log     *zap.SugaredLogger
	Jitter  JitterFn
}

// NewDiscoverer returns a Discoverer with sane defaults for any nil field
// (a real clock, a no-op logger, math/rand-sourced jitter).
func NewDiscoverer(adapter transport.Adapter, paths keypath.KeyPath, clock clockwork.Clock, log *zap.SugaredLogger) *Discoverer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Discoverer{Adapter: adapter, Paths: paths, Clock: clock, Log: log, Jitter: defaultJitter}
}

// FindHosts runs one discovery round: issues a DiscoveryQuery with timeout
// searchTimeout+uniform(0,searchJitter), decodes every reply, filters out
// non-candidates, and ranks survivors by (a) accepting first, (b) lower
// current_clients, (c) lexicographic host_id tiebreak (§4.3). An empty
// ranked list is returned as an empty slice with a nil error; FindHost is
// the variant that turns it into HostNotFound.
func (d *Discoverer) FindHosts(ctx context.Context, searchTimeout, searchJitter time.Duration) ([]Candidate, error) {
	jitter := d.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}
	timeout := searchTimeout + jitter(searchJitter)

	payload, err := wire.Encode(wire.DiscoveryQuery{})
	if err != nil {
		return nil, trace.Wrap(err, "encode discovery query")
	}

	start := d.Clock.Now()
	replies, err := d.Adapter.Query(ctx, d.Paths.Discovery(), payload, timeout)
	if err != nil {
		return nil, trace.Wrap(err, "issue discovery query")
	}

	type survivor struct {
		resp wire.DiscoveryResponse
	}
	var survivors []survivor
	for raw := range replies {
		msg, err := wire.Decode(raw)
		if err != nil {
			d.Log.Warnw("discovery: dropping undecodable reply", "error", err)
			continue
		}
		resp, ok := msg.(wire.DiscoveryResponse)
		if !ok {
			d.Log.Warnw("discovery: dropping reply of unexpected kind")
			continue
		}
		if !resp.Accepting {
			continue
		}
		if resp.MaxClients != nil && resp.CurrentClients == *resp.MaxClients {
			continue
		}
		survivors = append(survivors, survivor{resp: resp})
	}

	d.Log.Infow("discovery round complete", "candidates", len(survivors), "elapsed", d.Clock.Now().Sub(start))

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i].resp, survivors[j].resp
		if a.Accepting != b.Accepting {
			return a.Accepting
		}
		if a.CurrentClients != b.CurrentClients {
			return a.CurrentClients < b.CurrentClients
		}
		return a.HostID < b.HostID
	})

	out := make([]Candidate, 0, len(survivors))
	for _, s := range survivors {
		hostID, err := keypath.NewNodeId(s.resp.HostID)
		if err != nil {
			continue
		}
		out = append(out, Candidate{
			HostID:         hostID,
			CurrentClients: s.resp.CurrentClients,
			MaxClients:     s.resp.MaxClients,
		})
	}
	return out, nil
}

// FindHost runs FindHosts and returns only the top-ranked candidate, or
// HostNotFound if the ranked list is empty.
func (d *Discoverer) FindHost(ctx context.Context, searchTimeout, searchJitter time.Duration) (Candidate, error) {
	candidates, err := d.FindHosts(ctx, searchTimeout, searchJitter)
	if err != nil {
		return Candidate{}, err
	}
	if len(candidates) == 0 {
		return Candidate{}, trace.NotFound("no host responded to discovery within the search window")
	}
	return candidates[0], nil
}

// DeclareResponder declares a discovery responder for selfID, live only for
// as long as the returned Handle is open. Close it before leaving Host.
func DeclareResponder(ctx context.Context, adapter transport.Adapter, paths keypath.KeyPath, selfID keypath.NodeId, state StateFn, log *zap.SugaredLogger) (transport.Handle, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	handler := func(ctx context.Context, queryPath string, payload []byte) []byte {
		accepting, current, maxClients := state()
		resp := wire.DiscoveryResponse{
			HostID:         selfID.String(),
			Accepting:      accepting,
			CurrentClients: current,
			MaxClients:     maxClients,
		}
		encoded, err := wire.Encode(resp)
		if err != nil {
			log.Warnw("discovery: failed to encode response", "error", err)
			return nil
		}
		return encoded
	}
	handle, err := adapter.DeclareResponder(ctx, paths.Discovery(), handler)
	if err != nil {
		return nil, trace.Wrap(err, "declare discovery responder")
	}
	return handle, nil
}
