// Package codec defines the Reactor's wire-format boundary (spec.md §6
// "Wire format boundary"): the core dispatch/channel/session/directory
// machinery is agnostic to how a message is actually framed on the
// wire, and depends only on the Codec interface below. Exactly one
// concrete implementation ships with the core (jsoncodec.go); a binary
// RSSL codec is explicitly out of scope (spec.md Non-goals) but a
// second Codec implementation is how one would be added later without
// touching any other package.
package codec

import (
	"io"
)

// MsgClass classifies a decoded message the core needs to branch on
// without understanding the full payload (spec.md §3/§4 message
// classes: login, directory, dictionary, item, ping/pong, generic).
type MsgClass int

const (
	ClassUnknown MsgClass = iota
	ClassLogin
	ClassDirectory
	ClassDictionary
	ClassPing
	ClassPong
	ClassItem
	ClassGeneric
	ClassAck
	ClassStatus
)

// Msg is a decoded inbound or outbound message. StreamID is the wire
// stream identifier (spec.md "Item & Stream-ID Registry"); ServiceID
// and ServiceName are populated when present on the message so the
// router and directory aggregator can resolve precedence without
// re-parsing Payload (spec.md §9 Open Question on ServiceName vs
// ServiceId precedence).
type Msg struct {
	Class       MsgClass
	StreamID    int32
	ServiceID   *int32
	ServiceName string
	Payload     []byte
}

// ChannelInfo describes codec-level facts about a connection that the
// channel state machine needs but does not itself parse — negotiated
// compression, protocol version, and ping interval offered by the peer.
type ChannelInfo struct {
	CompressionType string
	ProtocolVersion string
	PingIntervalSec int
}

// Codec encodes and decodes messages for one wire format. A Codec
// instance is bound to a single channel's byte stream; EncodeIterator
// and DecodeIterator stream multiple messages over one framed buffer
// so a single read can yield a batch (spec.md §4.8 "batch splitting").
type Codec interface {
	// DecodeIterator returns a function that yields successive
	// messages decoded from r until io.EOF.
	DecodeIterator(r io.Reader) func() (*Msg, error)
	// EncodeIterator encodes each Msg in msgs into a single framed
	// buffer suitable for one transport Write.
	EncodeIterator(msgs []*Msg) ([]byte, error)
	// ChannelInfo extracts codec-level connection facts from the first
	// bytes read off a freshly connected transport (e.g. a protocol
	// negotiation response).
	ChannelInfo(b []byte) (ChannelInfo, error)
	// AcquireBuffer and ReleaseBuffer back the codec's internal buffer
	// pool so callers can bound allocation under load (spec.md §6
	// MemoryExhaustion error kind).
	AcquireBuffer(size int) []byte
	ReleaseBuffer(buf []byte)
}
