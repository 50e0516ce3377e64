// Package eventbus provides a publish/subscribe event bus for Reactor
// observability. Events flow from components (channel state machine,
// session, directory, router) to subscribers (diagnostics recorder,
// a future metrics bridge, an operator CLI tail). The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks when observability is not wired up.
package eventbus

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceChannel    = "channel"
	SourceSession    = "session"
	SourceDirectory  = "directory"
	SourceRouter     = "router"
	SourceRegistry   = "registry"
	SourceDiscovery  = "discovery"
	SourceBootstrap  = "bootstrap"
)

// Kind constants describe the type of event within a source.
const (
	// KindChannelStateChange signals a channel state transition.
	// Data: channel, from, to. Published with SourceSession for a
	// session channel's aggregated login status change.
	// Data: session_channel, status.
	KindChannelStateChange = "channel_state_change"
	// KindReconnectAttempt signals a reconnect attempt was made.
	// Data: channel, attempt, delay_ms.
	KindReconnectAttempt = "reconnect_attempt"
	// KindPingTimeout signals a channel missed its ping deadline.
	// Data: channel.
	KindPingTimeout = "ping_timeout"

	// KindPreferredHostSwitch signals a preferred-host fallback fired.
	// Data: session_channel, target.
	KindPreferredHostSwitch = "preferred_host_switch"
	// KindSessionChannelFatal signals a session channel was closed
	// with no remaining reconnect attempts.
	// Data: session, channel.
	KindSessionChannelFatal = "session_channel_fatal"

	// KindServiceAdded signals a service entered the aggregated directory.
	// Data: service.
	KindServiceAdded = "service_added"
	// KindServiceUpdated signals a service's aggregated state changed.
	// Data: service.
	KindServiceUpdated = "service_updated"
	// KindServiceDeleted signals a service left the aggregated directory.
	// Data: service.
	KindServiceDeleted = "service_deleted"

	// KindItemRouted signals an item request was routed to a channel.
	// Data: stream_id, target, split_from_batch; or stream_id, status
	// when an item returns to OPEN/OK.
	KindItemRouted = "item_routed"
	// KindItemReroute signals an item was re-routed after a channel loss.
	// Data: stream_id, new_target; or stream_id, status when the item
	// is put on the pending list.
	KindItemReroute = "item_reroute"

	// KindTokenRefreshed signals an OAuth token was refreshed.
	// Data: username, expires_in_s.
	KindTokenRefreshed = "token_refreshed"
	// KindTokenRefreshFailed signals an OAuth token refresh failed.
	// Data: username, error.
	KindTokenRefreshFailed = "token_refresh_failed"

	// KindBootstrapReady signals login/directory/dictionary exchange
	// completed and the channel reached Ready.
	// Data: channel.
	KindBootstrapReady = "bootstrap_ready"

	// KindDiscoveryEndpointUp signals a token service or service
	// discovery endpoint became reachable, either on startup or after
	// an outage.
	// Data: endpoint.
	KindDiscoveryEndpointUp = "discovery_endpoint_up"
	// KindDiscoveryEndpointDown signals a token service or service
	// discovery endpoint stopped responding to health probes.
	// Data: endpoint, error.
	KindDiscoveryEndpointDown = "discovery_endpoint_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid a leak. bufSize
// controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with an already-unsubscribed channel (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
