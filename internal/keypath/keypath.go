// Package keypath constructs and validates NodeIds and builds the routing
// paths every other component uses to talk to the fabric.
//
// Every id is guaranteed to be a single path chunk, so route assembly is
// plain string concatenation with a fixed separator: no escaping is ever
// required.
package keypath

import (
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/mr-tron/base58"
)

// DefaultPrefix is the leading path segment used when a Configuration does
// not override it.
const DefaultPrefix = "zenoh/arena"

const separator = "/"

// disallowedChars are the bytes that cannot appear in a NodeId because the
// fabric gives them routing meaning: '/' is the path separator, '*' and '**'
// are wildcard markers, '$*' is the DSL marker, and '@' is reserved for
// liveness/system routes.
const disallowedChars = "/*$@"

// NodeId is a validated, immutable identifier for a Node. It is always a
// single path chunk: non-empty and free of any character the fabric treats
// specially.
type NodeId struct {
	value string
}

// NewNodeId validates a user-supplied name and returns the corresponding
// NodeId, or InvalidNodeName if validation fails.
func NewNodeId(name string) (NodeId, error) {
	if err := Validate(name); err != nil {
		return NodeId{}, err
	}
	return NodeId{value: name}, nil
}

// GenerateNodeId mints a fresh NodeId from a random 128-bit identifier (a
// version-4 UUID, 122 of whose bits are random) rendered in base58. The base58 alphabet excludes every disallowed character by
// construction, so the result never needs validation.
func GenerateNodeId() (NodeId, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return NodeId{}, trace.Wrap(err, "generate random node identifier")
	}
	encoded := base58.Encode(raw[:])
	return NodeId{value: encoded}, nil
}

// Validate reports whether name can be used as a NodeId.
func Validate(name string) error {
	if name == "" {
		return trace.BadParameter("node name must not be empty")
	}
	if !utf8ValidString(name) {
		return trace.BadParameter("node name %q is not valid UTF-8", name)
	}
	if strings.ContainsAny(name, disallowedChars) {
		return trace.BadParameter("node name %q contains a reserved character (one of %q)", name, disallowedChars)
	}
	return nil
}

func utf8ValidString(s string) bool {
	return strings.ToValidUTF8(s, "") == s
}

// String returns the id's byte string form.
func (n NodeId) String() string {
	return n.value
}

// IsZero reports whether n is the zero value (not a constructed NodeId).
func (n NodeId) IsZero() bool {
	return n.value == ""
}

// Equal compares two NodeIds by their byte string.
func (n NodeId) Equal(other NodeId) bool {
	return n.value == other.value
}

// KeyPath builds every routing path used by the system from a
// (prefix, host id, client id) tuple. A KeyPath is immutable and its builder
// methods are pure functions: identical inputs always yield byte-identical
// paths.
type KeyPath struct {
	prefix string
}

// New returns a KeyPath rooted at prefix. An empty prefix falls back to
// DefaultPrefix.
func New(prefix string) KeyPath {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return KeyPath{prefix: prefix}
}

// Prefix returns the configured root prefix.
func (k KeyPath) Prefix() string {
	return k.prefix
}

// Discovery returns the discovery rendezvous path: "<prefix>/discovery".
func (k KeyPath) Discovery() string {
	return k.prefix + separator + "discovery"
}

// hostRoot returns "<prefix>/host/<host>".
func (k KeyPath) hostRoot(host NodeId) string {
	return k.prefix + separator + "host" + separator + host.String()
}

// Join returns the host join endpoint: "<prefix>/host/<host>/join".
func (k KeyPath) Join(host NodeId) string {
	return k.hostRoot(host) + separator + "join"
}

// State returns the host state broadcast path: "<prefix>/host/<host>/state".
func (k KeyPath) State(host NodeId) string {
	return k.hostRoot(host) + separator + "state"
}

// ClientAction returns a single client's action stream path:
// "<prefix>/host/<host>/client/<client>/action".
func (k KeyPath) ClientAction(host, client NodeId) string {
	return k.hostRoot(host) + separator + "client" + separator + client.String() + separator + "action"
}

// ActionWildcard returns the host's wildcard subscription over every
// client's action stream: "<prefix>/host/<host>/client/*/action".
func (k KeyPath) ActionWildcard(host NodeId) string {
	return k.hostRoot(host) + separator + "client" + separator + "*" + separator + "action"
}

// Liveness returns the liveness token path for a node:
// "<prefix>/node/<id>".
func (k KeyPath) Liveness(id NodeId) string {
	return k.prefix + separator + "node" + separator + id.String()
}

// LivenessWildcard returns the pattern used to watch every node's liveness
// token under this prefix: "<prefix>/node/*".
func (k KeyPath) LivenessWildcard() string {
	return k.prefix + separator + "node" + separator + "*"
}

// ClientIdFromActionPath extracts the originating client id from a path
// matched by ActionWildcard. The framework never trusts a client_id carried
// in the action payload itself (§9 "Wildcard action fan-in"); it is always
// read back out of the path the transport delivered the message on.
func ClientIdFromActionPath(path string) (NodeId, error) {
	const marker = "/client/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return NodeId{}, trace.BadParameter("path %q is not a client action path", path)
	}
	rest := path[idx+len(marker):]
	end := strings.Index(rest, separator)
	if end < 0 {
		return NodeId{}, trace.BadParameter("path %q is not a client action path", path)
	}
	clientChunk := rest[:end]
	if clientChunk == "" {
		return NodeId{}, trace.BadParameter("path %q carries an empty client id", path)
	}
	return NodeId{value: clientChunk}, nil
}
