package session

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/milyin/zenoh-arena/internal/enginepipe"
	"github.com/milyin/zenoh-arena/internal/keypath"
	"github.com/milyin/zenoh-arena/internal/transport/localfabric"
)

type action int

const increment action = 1

type state struct{ counter int }

func intCodec() Codec[action, state] {
	encodeInt := func(v int) []byte {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		return b[:]
	}
	decodeInt := func(b []byte) int {
		return int(binary.BigEndian.Uint64(b))
	}
	return Codec[action, state]{
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

func TestHostClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	fabric := localfabric.New()
	paths := keypath.New("test/session")

	hostID, err := keypath.NewNodeId("hostnode")
	require.NoError(t, err)
	clientID, err := keypath.NewNodeId("clientnode")
	require.NoError(t, err)

	host, err := NewHost(ctx, HostConfig[action, state]{
		SelfID:          hostID,
		Paths:           paths,
		Adapter:         fabric.Adapter(),
		EngineFactory:   counterFactory(),
		Codec:           intCodec(),
		ConfirmDeadline: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	defer host.Close()

	client, err := NewClient(ctx, ClientConfig[action, state]{
		SelfID:  clientID,
		HostID:  hostID,
		Paths:   paths,
		Adapter: fabric.Adapter(),
		Codec:   intCodec(),
	}, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Publish(ctx, increment))

	select {
	case s := <-host.States():
		require.Equal(t, 1, s.counter)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for host-observed state")
	}

	select {
	case s := <-client.States():
		require.Equal(t, 1, s.counter)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client-observed state")
	}
}

func TestClientObservesHostLivenessDrop(t *testing.T) {
	ctx := context.Background()
	fabric := localfabric.New()
	paths := keypath.New("test/session-liveness")

	hostID, err := keypath.NewNodeId("hostnode")
	require.NoError(t, err)
	clientID, err := keypath.NewNodeId("clientnode")
	require.NoError(t, err)

	host, err := NewHost(ctx, HostConfig[action, state]{
		SelfID:          hostID,
		Paths:           paths,
		Adapter:         fabric.Adapter(),
		EngineFactory:   counterFactory(),
		Codec:           intCodec(),
		ConfirmDeadline: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	client, err := NewClient(ctx, ClientConfig[action, state]{
		SelfID:  clientID,
		HostID:  hostID,
		Paths:   paths,
		Adapter: fabric.Adapter(),
		Codec:   intCodec(),
	}, nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, host.Close())

	select {
	case <-client.LivenessDown():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for liveness-down event")
	}
}
