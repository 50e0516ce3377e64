// Package transport implements the byte-level connections the Channel
// state machine drives (spec.md §4.3, component C). A Transport hides
// dial/read/write/close behind one interface so the channel state
// machine never branches on connection type once connected; it only
// picks which Transport to construct from ConnectOptions.ConnectionType.
package transport

import (
	"context"
	"io"
)

// Transport is a connected, full-duplex byte stream plus the
// reconnect-relevant metadata a codec needs to bootstrap framing.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	// Connected reports whether the underlying connection is currently
	// usable. A Transport that loses its connection must return false
	// here even if Close has not been called, so the channel state
	// machine can detect the loss without waiting on a Read to error.
	Connected() bool
}

// Dialer constructs and connects a Transport for one channel.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}
