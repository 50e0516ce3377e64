package transport

import (
	"fmt"

	"github.com/fathomdata/ommreactor/internal/config"
)

// DialerFor returns the Dialer matching opts.ConnectionType.
func DialerFor(opts config.ConnectOptions) (Dialer, error) {
	switch opts.ConnectionType {
	case config.ConnectionWebsocket:
		return WSDialer{Opts: opts}, nil
	case config.ConnectionReliableMulticast:
		return BroadcastDialer{Opts: opts}, nil
	case config.ConnectionPlainSocket, config.ConnectionEncrypted, config.ConnectionHTTP:
		return TCPDialer{Opts: opts}, nil
	default:
		return nil, fmt.Errorf("transport: unsupported connection type %q", opts.ConnectionType)
	}
}
