package keypath

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		ok      bool
		wantErr bool
	}{
		{name: "alpha", ok: true},
		{name: "α", ok: true}, // multi-byte UTF-8, no disallowed ASCII markers
		{name: "a/b", ok: false},
		{name: "a*b", ok: false},
		{name: "a$b", ok: false},
		{name: "a@b", ok: false},
		{name: "", ok: false},
	}
	for _, tc := range cases {
		err := Validate(tc.name)
		if tc.ok {
			require.NoError(t, err, tc.name)
		} else {
			require.Error(t, err, tc.name)
			require.True(t, trace.IsBadParameter(err))
		}
	}
}

func TestNewNodeId(t *testing.T) {
	id, err := NewNodeId("alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", id.String())

	_, err = NewNodeId("a/b")
	require.Error(t, err)
}

func TestGenerateNodeId(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := GenerateNodeId()
		require.NoError(t, err)
		require.Greater(t, len(id.String()), 0)
		require.NoError(t, Validate(id.String()))
	}
}

func TestGenerateNodeIdUnique(t *testing.T) {
	a, err := GenerateNodeId()
	require.NoError(t, err)
	b, err := GenerateNodeId()
	require.NoError(t, err)
	require.False(t, a.Equal(b))
}

func TestRoutesArePureAndExact(t *testing.T) {
	kp := New("zenoh/arena")
	host, err := NewNodeId("alpha")
	require.NoError(t, err)
	client, err := NewNodeId("bravo")
	require.NoError(t, err)

	require.Equal(t, "zenoh/arena/discovery", kp.Discovery())
	require.Equal(t, "zenoh/arena/host/alpha/join", kp.Join(host))
	require.Equal(t, "zenoh/arena/host/alpha/state", kp.State(host))
	require.Equal(t, "zenoh/arena/host/alpha/client/bravo/action", kp.ClientAction(host, client))
	require.Equal(t, "zenoh/arena/host/alpha/client/*/action", kp.ActionWildcard(host))
	require.Equal(t, "zenoh/arena/node/alpha", kp.Liveness(host))
	require.Equal(t, "zenoh/arena/node/*", kp.LivenessWildcard())

	// Pure function: identical inputs yield byte-identical paths.
	require.Equal(t, kp.Join(host), kp.Join(host))
}

func TestDefaultPrefix(t *testing.T) {
	kp := New("")
	require.Equal(t, DefaultPrefix+"/discovery", kp.Discovery())
}

func TestClientIdFromActionPath(t *testing.T) {
	kp := New("zenoh/arena")
	host, _ := NewNodeId("alpha")
	client, _ := NewNodeId("bravo")

	got, err := ClientIdFromActionPath(kp.ClientAction(host, client))
	require.NoError(t, err)
	require.True(t, got.Equal(client))

	_, err = ClientIdFromActionPath("zenoh/arena/discovery")
	require.Error(t, err)
}
