package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/trace"
	"github.com/milyin/zenoh-arena/internal/keypath"
	"github.com/milyin/zenoh-arena/internal/transport/localfabric"
)

func noJitter(time.Duration) time.Duration { return 0 }

func mustNodeID(t *testing.T, name string) keypath.NodeId {
	t.Helper()
	id, err := keypath.NewNodeId(name)
	require.NoError(t, err)
	return id
}

func TestFindHostReturnsHostNotFoundWithNoResponders(t *testing.T) {
	fabric := localfabric.New()
	paths := keypath.New("")
	d := NewDiscoverer(fabric.Adapter(), paths, clockwork.NewFakeClock(), nil)
	d.Jitter = noJitter

	start := time.Now()
	_, err := d.FindHost(context.Background(), 20*time.Millisecond, 0)
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestFindHostRanksByAcceptingThenLoadThenID(t *testing.T) {
	fabric := localfabric.New()
	paths := keypath.New("")
	adapter := fabric.Adapter()
	ctx := context.Background()

	full := 2
	_, err := DeclareResponder(ctx, adapter, paths, mustNodeID(t, "full-host"), func() (bool, int, *int) {
		return true, 2, &full
	}, nil)
	require.NoError(t, err)

	_, err = DeclareResponder(ctx, adapter, paths, mustNodeID(t, "busy-host"), func() (bool, int, *int) {
		return true, 3, nil
	}, nil)
	require.NoError(t, err)

	_, err = DeclareResponder(ctx, adapter, paths, mustNodeID(t, "idle-host"), func() (bool, int, *int) {
		return true, 0, nil
	}, nil)
	require.NoError(t, err)

	_, err = DeclareResponder(ctx, adapter, paths, mustNodeID(t, "closed-host"), func() (bool, int, *int) {
		return false, 0, nil
	}, nil)
	require.NoError(t, err)

	d := NewDiscoverer(adapter, paths, clockwork.NewFakeClock(), nil)
	d.Jitter = noJitter

	candidate, err := d.FindHost(ctx, 30*time.Millisecond, 0)
	require.NoError(t, err)
	require.Equal(t, "idle-host", candidate.HostID.String())

	ranked, err := d.FindHosts(ctx, 30*time.Millisecond, 0)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	require.Equal(t, "idle-host", ranked[0].HostID.String())
	require.Equal(t, "busy-host", ranked[1].HostID.String())
}

func TestFindHostBreaksTiesLexicographically(t *testing.T) {
	fabric := localfabric.New()
	paths := keypath.New("")
	adapter := fabric.Adapter()
	ctx := context.Background()

	for _, name := range []string{"zulu", "alpha", "mike"} {
		name := name
		_, err := DeclareResponder(ctx, adapter, paths, mustNodeID(t, name), func() (bool, int, *int) {
			return true, 0, nil
		}, nil)
		require.NoError(t, err)
	}

	d := NewDiscoverer(adapter, paths, clockwork.NewFakeClock(), nil)
	d.Jitter = noJitter

	candidate, err := d.FindHost(ctx, 30*time.Millisecond, 0)
	require.NoError(t, err)
	require.Equal(t, "alpha", candidate.HostID.String())
}

func TestDeclareResponderWithdrawsOnClose(t *testing.T) {
	fabric := localfabric.New()
	paths := keypath.New("")
	adapter := fabric.Adapter()
	ctx := context.Background()

	handle, err := DeclareResponder(ctx, adapter, paths, mustNodeID(t, "alpha"), func() (bool, int, *int) {
		return true, 0, nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, handle.Close())

	d := NewDiscoverer(adapter, paths, clockwork.NewFakeClock(), nil)
	d.Jitter = noJitter
	_, err = d.FindHost(ctx, 20*time.Millisecond, 0)
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err))
}
