package arena

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/milyin/zenoh-arena/internal/enginepipe"
	"github.com/milyin/zenoh-arena/internal/session"
	"github.com/milyin/zenoh-arena/internal/transport/localfabric"
)

type action int

const increment action = 1

type state struct{ counter int }

func intCodec() session.Codec[action, state] {
	encodeInt := func(v int) []byte {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		return b[:]
	}
	decodeInt := func(b []byte) int { return int(binary.BigEndian.Uint64(b)) }
	return session.Codec[action, state]{
		EncodeAction: func(a action) ([]byte, error) { return encodeInt(int(a)), nil },
		DecodeAction: func(b []byte) (action, error) { return action(decodeInt(b)), nil },
		EncodeState:  func(s state) ([]byte, error) { return encodeInt(s.counter), nil },
		DecodeState:  func(b []byte) (state, error) { return state{counter: decodeInt(b)}, nil },
	}
}

func counterFactory() enginepipe.Factory[action, state] {
	return enginepipe.NewSimpleFactory(nil, state{counter: 0}, func(current state, clientID string, a action) (state, []state) {
		next := state{counter: current.counter + int(a)}
		return next, []state{next}
	})
}

// Scenario 1 — Solo counter in forced host (spec.md §8).
func TestScenario1SoloCounterForcedHost(t *testing.T) {
	fabric := localfabric.New()
	builder := NewBuilder[action, state](fabric.Adapter(), counterFactory(), intCodec()).
		WithName("alpha").
		WithForceHost(true).
		WithStepTimeoutBreak(20 * time.Millisecond)

	node, err := builder.Build(context.Background())
	require.NoError(t, err)

	r := node.Step()
	require.Equal(t, StepRoleChanged, r.Kind)
	require.Equal(t, RoleHost, r.Role)

	for i := 1; i <= 3; i++ {
		node.Sender() <- GameAction[action](increment)
		r = waitForKind(t, node, StepGameState)
		require.Equal(t, i, r.State.counter)
	}

	node.Sender() <- Stop[action]()
	r = waitForKind(t, node, StepStop)
	require.Equal(t, StepStop, r.Kind)
}

func waitForKind(t *testing.T, node *Node[action, state], kind StepKind) StepResult[state] {
	t.Helper()
	for i := 0; i < 200; i++ {
		r := node.Step()
		if r.Kind == kind {
			return r
		}
	}
	t.Fatalf("never observed step kind %v", kind)
	return StepResult[state]{}
}

// Scenario 2 — two nodes, first becomes host, second joins (spec.md §8).
func TestScenario2TwoNodesFirstHostsSecondJoins(t *testing.T) {
	fabric := localfabric.New()

	alpha, err := NewBuilder[action, state](fabric.Adapter(), counterFactory(), intCodec()).
		WithName("alpha").
		WithForceHost(true).
		WithStepTimeoutBreak(10 * time.Millisecond).
		Build(context.Background())
	require.NoError(t, err)
	waitForKind(t, alpha, StepRoleChanged)

	bravo, err := NewBuilder[action, state](fabric.Adapter(), counterFactory(), intCodec()).
		WithName("bravo").
		WithSearchTimeout(30 * time.Millisecond).
		WithSearchJitter(0).
		WithStepTimeoutBreak(10 * time.Millisecond).
		Build(context.Background())
	require.NoError(t, err)

	driveUntil := func(node *Node[action, state], timeout time.Duration) []StepResult[state] {
		deadline := time.Now().Add(timeout)
		var results []StepResult[state]
		for time.Now().Before(deadline) {
			results = append(results, node.Step())
		}
		return results
	}

	bravoResults := driveUntil(bravo, time.Second)
	var joined bool
	for _, r := range bravoResults {
		if r.Kind == StepRoleChanged && r.Role == RoleClient {
			joined = true
		}
	}
	require.True(t, joined, "bravo should have transitioned to Client")
	require.Equal(t, RoleClient, bravo.LastStatus().Role)
	require.Equal(t, "alpha", bravo.LastStatus().Host.String())

	bravo.Sender() <- GameAction[action](increment)
	driveUntil(bravo, 200*time.Millisecond)
	driveUntil(alpha, 200*time.Millisecond)

	require.Eventually(t, func() bool {
		return alpha.LastStatus().State != nil && alpha.LastStatus().State.counter == 1
	}, time.Second, 5*time.Millisecond)
}

// Scenario 3 — capacity enforcement (spec.md §8).
func TestScenario3CapacityEnforcement(t *testing.T) {
	fabric := localfabric.New()

	alpha, err := NewBuilder[action, state](fabric.Adapter(), counterFactory(), intCodec()).
		WithName("alpha").
		WithForceHost(true).
		WithMaxClients(1).
		WithStepTimeoutBreak(10 * time.Millisecond).
		Build(context.Background())
	require.NoError(t, err)
	waitForKind(t, alpha, StepRoleChanged)

	c1, err := NewBuilder[action, state](fabric.Adapter(), counterFactory(), intCodec()).
		WithName("c1").
		WithSearchTimeout(30 * time.Millisecond).
		WithSearchJitter(0).
		WithStepTimeoutBreak(10 * time.Millisecond).
		Build(context.Background())
	require.NoError(t, err)
	waitForKind(t, c1, StepRoleChanged)

	require.Eventually(t, func() bool { return alpha.host != nil && alpha.host.Handshake().CurrentClients() == 1 }, time.Second, 5*time.Millisecond)

	c2, err := NewBuilder[action, state](fabric.Adapter(), counterFactory(), intCodec()).
		WithName("c2").
		WithSearchTimeout(30 * time.Millisecond).
		WithSearchJitter(0).
		WithStepTimeoutBreak(10 * time.Millisecond).
		Build(context.Background())
	require.NoError(t, err)

	// c2 cannot ever join: the only host is full, so every search round
	// it issues comes back empty of eligible candidates and it becomes a
	// Host of its own rather than spinning forever (§4.6: HostNotFound ->
	// Host). Either way alpha's clients set must stay exactly {c1}.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c2.Step()
		if alpha.host.Handshake().CurrentClients() != 1 {
			break
		}
	}
	require.Equal(t, 1, alpha.host.Handshake().CurrentClients())
	ids := alpha.host.Handshake().Clients()
	require.Len(t, ids, 1)
	require.Equal(t, "c1", ids[0].String())
}
