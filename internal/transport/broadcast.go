package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/fathomdata/ommreactor/internal/config"
)

// BroadcastDialer dials the `reliable-multicast` connection type (spec.md
// §3). Real reliable multicast is a UDP/TCP hybrid outside what this
// core implements; it is realized here as a retained-topic MQTT fan-out
// — every channel in a warm-standby group subscribes to the same topic
// and receives the same retained publish, which is the broadcast
// property §4.6 warm-standby needs. autopaho's ConnectionManager
// supplies the auto-reconnect state machine.
type BroadcastDialer struct {
	Opts config.ConnectOptions
	// Topic is the retained-message topic the group publishes/consumes.
	// Derived from Opts.ObjectName when empty.
	Topic string
}

func (d BroadcastDialer) topic() string {
	if d.Topic != "" {
		return d.Topic
	}
	return "ommreactor/broadcast/" + d.Opts.ObjectName
}

func (d BroadcastDialer) Dial(ctx context.Context) (Transport, error) {
	brokerURL, err := url.Parse("mqtt://" + d.Opts.HostName + ":" + d.Opts.Port)
	if err != nil {
		return nil, fmt.Errorf("transport: parse broadcast broker url: %w", err)
	}

	t := &broadcastTransport{
		topic:  d.topic(),
		inbox:  make(chan []byte, 256),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			t.connected.Store(true)
			// Re-subscribe on every (re-)connect: autopaho does not
			// automatically resubscribe after reconnection.
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, _ = cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: t.topic, QoS: 1}},
			})
		},
		OnConnectError: func(err error) {
			t.connected.Store(false)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ommreactor-" + d.Opts.ObjectName,
			OnPublishReceived: []func(autopaho.PublishReceived) (bool, error){
				func(pr autopaho.PublishReceived) (bool, error) {
					select {
					case t.inbox <- pr.Packet.Payload:
					default:
						// Slow consumer: drop rather than block the paho
						// receive loop.
					}
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: broadcast connect: %w", err)
	}
	t.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		return nil, fmt.Errorf("transport: broadcast initial connect: %w", err)
	}

	return t, nil
}

// broadcastTransport adapts an MQTT retained-topic fan-out to the
// Transport interface. Write publishes a retained message to the
// shared topic; Read yields payloads received on that topic, including
// the caller's own publishes (retained-fan-out is a loopback broadcast
// by design, matching warm-standby group semantics where every member
// observes every other member's state).
type broadcastTransport struct {
	cm        *autopaho.ConnectionManager
	topic     string
	inbox     chan []byte
	pending   []byte
	connected atomic.Bool
}

func (t *broadcastTransport) Read(p []byte) (int, error) {
	for len(t.pending) == 0 {
		msg, ok := <-t.inbox
		if !ok {
			return 0, fmt.Errorf("transport: broadcast closed")
		}
		t.pending = append(msg, '\n')
	}
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *broadcastTransport) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := t.cm.Publish(ctx, &paho.Publish{
		Topic:   t.topic,
		Payload: p,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		return 0, fmt.Errorf("transport: broadcast publish: %w", err)
	}
	return len(p), nil
}

func (t *broadcastTransport) Close() error {
	t.connected.Store(false)
	return t.cm.Disconnect(context.Background())
}

func (t *broadcastTransport) Connected() bool { return t.connected.Load() }
