package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/fathomdata/ommreactor/internal/config"
)

// TCPDialer dials the `plain-socket` and `encrypted` connection types.
// Unlike the websocket and broadcast transports there is no framing
// protocol or reconnect state machine the retrieval pack's libraries
// cover for raw TCP, so this is built directly on net/net.Dial and
// crypto/tls — a third-party client here would only wrap what the
// standard library already does well.
type TCPDialer struct {
	Opts config.ConnectOptions
}

func (d TCPDialer) Dial(ctx context.Context) (Transport, error) {
	addr := net.JoinHostPort(d.Opts.HostName, d.Opts.Port)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}

	if d.Opts.ConnectionType == config.ConnectionEncrypted {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName: d.Opts.HostName,
			MinVersion: tls.VersionTLS12,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	t := &tcpTransport{conn: conn}
	t.connected.Store(true)
	return t, nil
}

type tcpTransport struct {
	conn      net.Conn
	connected atomic.Bool
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if err != nil {
		t.connected.Store(false)
	}
	return n, err
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	n, err := t.conn.Write(p)
	if err != nil {
		t.connected.Store(false)
	}
	return n, err
}

func (t *tcpTransport) Close() error {
	t.connected.Store(false)
	return t.conn.Close()
}

func (t *tcpTransport) Connected() bool { return t.connected.Load() }
