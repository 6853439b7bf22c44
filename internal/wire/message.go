// Package wire encodes and decodes the ConnectionMessage vocabulary that
// carries the discovery and handshake protocol over query/reply payloads.
//
// The encoding is fabric-native rather than a general-purpose format
// (JSON, gob, protobuf): a single discriminator byte identifies the
// variant, followed by its fields in declaration order. Strings and byte
// slices carry a 4-byte length prefix; bools are one byte, ints eight
// bytes, and an optional int is a presence byte followed by the int when
// present. This mirrors the shape of the teacher's own wire packet
// (internal/protocol.Packet: a type tag plus a payload) but encodes the
// payload positionally instead of as a nested JSON document, per the
// wire format §6 calls for.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"
)

// Kind identifies a ConnectionMessage variant on the wire.
type Kind byte

const (
	KindDiscoveryQuery Kind = iota
	KindDiscoveryResponse
	KindJoinRequest
	KindJoinAccept
	KindJoinReject
	KindJoinConfirm
)

// ConnectionMessage is implemented by every message in the handshake
// vocabulary.
type ConnectionMessage interface {
	kind() Kind
	encodeFields(w *bytes.Buffer)
}

// DiscoveryQuery is payload-less; it is carried entirely by the query
// envelope that transports it.
type DiscoveryQuery struct{}

// DiscoveryResponse is the Host's answer to a DiscoveryQuery.
type DiscoveryResponse struct {
	HostID         string
	Accepting      bool
	CurrentClients int
	MaxClients     *int // absent (nil) when the host has no admission cap
}

// JoinRequest is the first phase of the handshake, client → host.
type JoinRequest struct {
	ClientID string
}

// JoinAccept is the host's positive reply, carrying the joining client's
// initial state snapshot.
type JoinAccept struct {
	HostID       string
	InitialState []byte
}

// JoinReject is the host's negative reply, carrying a stable reason string
// ("not_accepting", "full", "duplicate").
type JoinReject struct {
	HostID string
	Reason string
}

// JoinConfirm is the handshake's final phase, client → host.
type JoinConfirm struct {
	ClientID string
}

func (DiscoveryQuery) kind() Kind    { return KindDiscoveryQuery }
func (DiscoveryResponse) kind() Kind { return KindDiscoveryResponse }
func (JoinRequest) kind() Kind       { return KindJoinRequest }
func (JoinAccept) kind() Kind        { return KindJoinAccept }
func (JoinReject) kind() Kind        { return KindJoinReject }
func (JoinConfirm) kind() Kind       { return KindJoinConfirm }

func (DiscoveryQuery) encodeFields(w *bytes.Buffer) {}

func (m DiscoveryResponse) encodeFields(w *bytes.Buffer) {
	writeString(w, m.HostID)
	writeBool(w, m.Accepting)
	writeInt(w, int64(m.CurrentClients))
	writeOptionalInt(w, m.MaxClients)
}

func (m JoinRequest) encodeFields(w *bytes.Buffer) {
	writeString(w, m.ClientID)
}

func (m JoinAccept) encodeFields(w *bytes.Buffer) {
	writeString(w, m.HostID)
	writeBytes(w, m.InitialState)
}

func (m JoinReject) encodeFields(w *bytes.Buffer) {
	writeString(w, m.HostID)
	writeString(w, m.Reason)
}

func (m JoinConfirm) encodeFields(w *bytes.Buffer) {
	writeString(w, m.ClientID)
}

// Encode serializes m as a discriminator byte followed by its fields in
// declaration order.
func Encode(m ConnectionMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.kind()))
	m.encodeFields(&buf)
	return buf.Bytes(), nil
}

// Decode is the inverse of Encode: decode(encode(m)) == m for every
// variant.
func Decode(data []byte) (ConnectionMessage, error) {
	if len(data) < 1 {
		return nil, trace.BadParameter("connection message too short")
	}
	r := bytes.NewReader(data[1:])
	switch Kind(data[0]) {
	case KindDiscoveryQuery:
		return DiscoveryQuery{}, nil
	case KindDiscoveryResponse:
		hostID, err := readString(r)
		if err != nil {
			return nil, err
		}
		accepting, err := readBool(r)
		if err != nil {
			return nil, err
		}
		current, err := readInt(r)
		if err != nil {
			return nil, err
		}
		maxClients, err := readOptionalInt(r)
		if err != nil {
			return nil, err
		}
		return DiscoveryResponse{
			HostID:         hostID,
			Accepting:      accepting,
			CurrentClients: int(current),
			MaxClients:     maxClients,
		}, nil
	case KindJoinRequest:
		clientID, err := readString(r)
		if err != nil {
			return nil, err
		}
		return JoinRequest{ClientID: clientID}, nil
	case KindJoinAccept:
		hostID, err := readString(r)
		if err != nil {
			return nil, err
		}
		initial, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return JoinAccept{HostID: hostID, InitialState: initial}, nil
	case KindJoinReject:
		hostID, err := readString(r)
		if err != nil {
			return nil, err
		}
		reason, err := readString(r)
		if err != nil {
			return nil, err
		}
		return JoinReject{HostID: hostID, Reason: reason}, nil
	case KindJoinConfirm:
		clientID, err := readString(r)
		if err != nil {
			return nil, err
		}
		return JoinConfirm{ClientID: clientID}, nil
	default:
		return nil, trace.BadParameter("unknown connection message discriminator %d", data[0])
	}
}

// --- field codecs -----------------------------------------------------

func writeBytes(w *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	w.Write(lenBuf[:])
	w.Write(b)
}

func writeString(w *bytes.Buffer, s string) {
	writeBytes(w, []byte(s))
}

func writeBool(w *bytes.Buffer, b bool) {
	if b {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func writeInt(w *bytes.Buffer, v int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	w.Write(buf[:])
}

func writeOptionalInt(w *bytes.Buffer, v *int) {
	if v == nil {
		w.WriteByte(0)
		return
	}
	w.WriteByte(1)
	writeInt(w, int64(*v))
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, trace.Wrap(err, "read length prefix")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, trace.Wrap(err, "read field bytes")
	}
	return out, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, trace.Wrap(err, "read bool field")
	}
	return b != 0, nil
}

func readInt(r *bytes.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, trace.Wrap(err, "read int field")
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func readOptionalInt(r *bytes.Reader) (*int, error) {
	present, err := r.ReadByte()
	if err != nil {
		return nil, trace.Wrap(err, "read optional-int presence byte")
	}
	if present == 0 {
		return nil, nil
	}
	v, err := readInt(r)
	if err != nil {
		return nil, err
	}
	out := int(v)
	return &out, nil
}
