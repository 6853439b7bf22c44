package handshake

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/trace"
	"github.com/milyin/zenoh-arena/internal/keypath"
	"github.com/milyin/zenoh-arena/internal/transport"
	"github.com/milyin/zenoh-arena/internal/transport/localfabric"
	"github.com/milyin/zenoh-arena/internal/wire"
)

func mustNodeID(t *testing.T, name string) keypath.NodeId {
	t.Helper()
	id, err := keypath.NewNodeId(name)
	require.NoError(t, err)
	return id
}

func newResponder(t *testing.T, adapter transport.Adapter, clock clockwork.Clock, selfID keypath.NodeId, maxClients *int, snapshot []byte) *HostResponder {
	t.Helper()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return NewHostResponder(HostResponderConfig{
		SelfID:          selfID,
		Paths:           keypath.New(""),
		Adapter:         adapter,
		MaxClients:      maxClients,
		ConfirmDeadline: 50 * time.Millisecond,
		Clock:           clock,
		Snapshot:        func() []byte { return snapshot },
	})
}

func TestJoinSucceedsAndConfirmsClient(t *testing.T) {
	fabric := localfabric.New()
	adapter := fabric.Adapter()
	ctx := context.Background()
	paths := keypath.New("")

	hostID := mustNodeID(t, "alpha")
	clientID := mustNodeID(t, "bravo")

	responder := newResponder(t, adapter, nil, hostID, nil, []byte("snapshot"))
	handle, err := responder.Declare(ctx)
	require.NoError(t, err)
	defer handle.Close()

	initial, err := Join(ctx, adapter, paths, clientID, hostID, time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("snapshot"), initial)

	require.Eventually(t, func() bool { return responder.CurrentClients() == 1 }, time.Second, time.Millisecond)
	ids := responder.Clients()
	require.Len(t, ids, 1)
	require.Equal(t, "bravo", ids[0].String())
}

func TestJoinRejectedWhenNotAccepting(t *testing.T) {
	fabric := localfabric.New()
	adapter := fabric.Adapter()
	ctx := context.Background()
	paths := keypath.New("")

	hostID := mustNodeID(t, "alpha")
	clientID := mustNodeID(t, "bravo")

	responder := newResponder(t, adapter, nil, hostID, nil, nil)
	responder.SetAccepting(false)
	handle, err := responder.Declare(ctx)
	require.NoError(t, err)
	defer handle.Close()

	_, err = Join(ctx, adapter, paths, clientID, hostID, time.Second, nil)
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err))
	require.Contains(t, err.Error(), ReasonNotAccepting)
}

func TestJoinRejectedWhenFull(t *testing.T) {
	fabric := localfabric.New()
	adapter := fabric.Adapter()
	ctx := context.Background()
	paths := keypath.New("")

	hostID := mustNodeID(t, "alpha")
	max := 1

	responder := newResponder(t, adapter, nil, hostID, &max, nil)
	handle, err := responder.Declare(ctx)
	require.NoError(t, err)
	defer handle.Close()

	_, err = Join(ctx, adapter, paths, mustNodeID(t, "first"), hostID, time.Second, nil)
	require.NoError(t, err)

	_, err = Join(ctx, adapter, paths, mustNodeID(t, "second"), hostID, time.Second, nil)
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err))
	require.Contains(t, err.Error(), ReasonFull)

	require.Eventually(t, func() bool { return responder.CurrentClients() == 1 }, time.Second, time.Millisecond)
}

func TestJoinRejectedWhenDuplicate(t *testing.T) {
	fabric := localfabric.New()
	adapter := fabric.Adapter()
	ctx := context.Background()
	paths := keypath.New("")

	hostID := mustNodeID(t, "alpha")
	clientID := mustNodeID(t, "bravo")

	responder := newResponder(t, adapter, nil, hostID, nil, nil)
	handle, err := responder.Declare(ctx)
	require.NoError(t, err)
	defer handle.Close()

	_, err = Join(ctx, adapter, paths, clientID, hostID, time.Second, nil)
	require.NoError(t, err)

	_, err = Join(ctx, adapter, paths, clientID, hostID, time.Second, nil)
	require.Error(t, err)
	require.True(t, trace.IsAccessDenied(err))
	require.Contains(t, err.Error(), ReasonDuplicate)
}

func TestJoinTimesOutWithNoResponder(t *testing.T) {
	fabric := localfabric.New()
	adapter := fabric.Adapter()
	ctx := context.Background()
	paths := keypath.New("")

	_, err := Join(ctx, adapter, paths, mustNodeID(t, "bravo"), mustNodeID(t, "nobody"), 20*time.Millisecond, nil)
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))
}

func TestProvisionalClientRollsBackWithoutConfirm(t *testing.T) {
	fabric := localfabric.New()
	adapter := fabric.Adapter()
	ctx := context.Background()
	paths := keypath.New("")

	hostID := mustNodeID(t, "alpha")
	clock := clockwork.NewFakeClock()
	responder := newResponder(t, adapter, clock, hostID, nil, []byte("snap"))
	handle, err := responder.Declare(ctx)
	require.NoError(t, err)
	defer handle.Close()

	reqPayload, err := wire.Encode(wire.JoinRequest{ClientID: "bravo"})
	require.NoError(t, err)
	replies, err := adapter.Query(ctx, paths.Join(hostID), reqPayload, time.Second)
	require.NoError(t, err)

	reply, ok := <-replies
	require.True(t, ok)
	msg, err := wire.Decode(reply)
	require.NoError(t, err)
	_, isAccept := msg.(wire.JoinAccept)
	require.True(t, isAccept)

	require.Equal(t, 0, responder.CurrentClients())

	clock.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool { return len(responder.provisional) == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 0, responder.CurrentClients())
}
