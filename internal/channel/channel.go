// Package channel implements the per-connection state machine (spec.md
// §4.3, component C): Created → Initializing → Up → Ready →
// DownReconnecting → Down. Reconnect backoff here generalizes
// connwatch's two-phase exponential-backoff watcher into the exact
// formula spec.md §4.3 names: delay = min(reconnectMaxDelay,
// reconnectMinDelay·2^attempt), bounded by a reconnectAttemptLimit
// that can mean retry forever, never retry, or retry N times.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fathomdata/ommreactor/internal/clock"
	"github.com/fathomdata/ommreactor/internal/codec"
	"github.com/fathomdata/ommreactor/internal/config"
	"github.com/fathomdata/ommreactor/internal/eventbus"
	"github.com/fathomdata/ommreactor/internal/metrics"
	"github.com/fathomdata/ommreactor/internal/reactorerr"
	"github.com/fathomdata/ommreactor/internal/transport"
)

// State is a channel's position in the spec.md §4.3 state machine.
type State int

const (
	Created State = iota
	Initializing
	Up
	Ready
	DownReconnecting
	Down
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Initializing:
		return "Initializing"
	case Up:
		return "Up"
	case Ready:
		return "Ready"
	case DownReconnecting:
		return "DownReconnecting"
	case Down:
		return "Down"
	default:
		return "Unknown"
	}
}

// Event is published (via eventbus) and also delivered synchronously
// to any Listener registered on the channel — the dispatch thread's
// hook for driving session/bootstrap logic off state transitions.
type Event struct {
	Channel *Channel
	From    State
	To      State
	Err     error
}

// Listener receives channel state transitions. Called on the worker
// goroutine; must not block.
type Listener func(Event)

// Channel is one connection to an upstream provider. A Channel owns
// exactly one Transport at a time and is solely responsible for
// dialing, redialing on loss, and enforcing the reconnect policy.
type Channel struct {
	Name string

	opts      config.ConnectOptions
	reconnect config.ReconnectPolicy
	dialer    transport.Dialer
	codec     codec.Codec
	clk       clock.Clock
	bus       *eventbus.Bus
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	transport transport.Transport
	listeners []Listener

	// channelClosed is set once Close has been called; no further
	// reconnect attempts are scheduled after this, even mid-backoff.
	channelClosed atomic.Bool
	// reconnecting guards the single-flight reconnect invariant
	// (spec.md Invariant 1): one disconnection of this channel enters
	// DownReconnecting and starts reconnectLoop exactly once.
	reconnecting atomic.Bool
	// inPreferredHost is set while a preferred-host fallback switch
	// initiated by internal/session is in flight on this channel.
	inPreferredHost atomic.Bool

	attempt int
}

// New constructs a Channel. It does not dial; call Connect.
func New(name string, opts config.ConnectOptions, reconnect config.ReconnectPolicy, dialer transport.Dialer, c codec.Codec, clk clock.Clock, bus *eventbus.Bus, logger *slog.Logger) *Channel {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		Name:      name,
		opts:      opts,
		reconnect: reconnect,
		dialer:    dialer,
		codec:     c,
		clk:       clk,
		bus:       bus,
		logger:    logger,
		state:     Created,
	}
}

// AddListener registers a Listener for state transitions.
func (c *Channel) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transport returns the current underlying Transport, or nil if not Up.
func (c *Channel) Transport() transport.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// SetPreferredHostInFlight marks (or clears) a preferred-host switch in
// progress on this channel (spec.md §4.6; SUPPLEMENTED FEATURES #1 in
// SPEC_FULL.md extends this to suppress all routing mutations, not just
// re-routing decisions, while the flag is set).
func (c *Channel) SetPreferredHostInFlight(v bool) { c.inPreferredHost.Store(v) }

// PreferredHostInFlight reports whether a preferred-host switch is in
// progress on this channel.
func (c *Channel) PreferredHostInFlight() bool { return c.inPreferredHost.Load() }

// Connect dials and transitions Created/Down → Initializing → Up. It
// does not wait for Ready — that is internal/bootstrap's job once it
// observes the Up transition via a Listener.
func (c *Channel) Connect(ctx context.Context) error {
	return c.dialOnce(ctx)
}

// dialOnce performs a single dial attempt and applies the resulting
// Initializing/Up transition. A failed dial is reported to the caller
// without transitioning to Down — Down is terminal (spec.md §4.3) and
// is entered only through reconnectLoop's attempt-exhaustion paths or
// Close; a dial failure here may still be retried by that loop.
func (c *Channel) dialOnce(ctx context.Context) error {
	c.setState(Initializing, nil)

	t, err := c.dialer.Dial(ctx)
	if err != nil {
		return reactorerr.Wrap(reactorerr.Failure, fmt.Sprintf("channel %s: connect", c.Name), err)
	}

	c.mu.Lock()
	c.transport = t
	c.attempt = 0
	c.mu.Unlock()

	c.setState(Up, nil)
	return nil
}

// MarkReady transitions Up → Ready. Called by internal/bootstrap once
// login/directory/dictionary exchange completes (spec.md §4.5).
func (c *Channel) MarkReady() {
	c.mu.Lock()
	cur := c.state
	c.mu.Unlock()
	if cur == Up {
		c.setState(Ready, nil)
	}
}

// HandleDisconnect is called by the worker goroutine when a Read/Write
// against the channel's Transport fails or Transport.Connected()
// becomes false. It enforces the single-flight DownReconnecting
// invariant and starts the backoff-governed reconnect loop.
func (c *Channel) HandleDisconnect(ctx context.Context, cause error) {
	if c.channelClosed.Load() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		// Another goroutine already owns reconnection for this
		// disconnection; spec.md Invariant 1.
		return
	}

	c.setState(DownReconnecting, cause)
	c.publishReconnectEvent(0, 0)

	go c.reconnectLoop(ctx)
}

// reconnectLoop retries Connect with exponential backoff until it
// succeeds, the attempt limit is exhausted, or the channel is closed.
func (c *Channel) reconnectLoop(ctx context.Context) {
	defer c.reconnecting.Store(false)

	limit := c.reconnect.AttemptLimit
	if limit == 0 {
		// No retry: go straight to terminal Down.
		c.setState(Down, fmt.Errorf("channel %s: reconnect disabled (attempt_limit=0)", c.Name))
		return
	}

	for attempt := 1; ; attempt++ {
		if c.channelClosed.Load() {
			return
		}
		if limit > 0 && attempt > limit {
			c.setState(Down, fmt.Errorf("channel %s: reconnect attempts exhausted (%d)", c.Name, limit))
			return
		}

		delay := backoffDelay(c.reconnect.MinDelay, c.reconnect.MaxDelay, attempt)
		c.publishReconnectEvent(attempt, delay)
		metrics.ReconnectAttemptsTotal.WithLabelValues(c.Name).Inc()

		select {
		case <-ctx.Done():
			return
		case <-c.clk.After(delay):
		}

		if c.channelClosed.Load() {
			return
		}

		if err := c.dialOnce(ctx); err == nil {
			metrics.ReconnectSuccessTotal.WithLabelValues(c.Name).Inc()
			return
		}
	}
}

// backoffDelay computes spec.md §4.3's reconnect delay formula:
// delay = min(maxDelay, minDelay * 2^attempt).
func backoffDelay(minDelay, maxDelay time.Duration, attempt int) time.Duration {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	// Cap the shift to avoid overflow for large attempt counts; by then
	// the delay has long since saturated at maxDelay anyway.
	shift := attempt
	if shift > 32 {
		shift = 32
	}
	delay := minDelay * time.Duration(uint64(1)<<uint(shift))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}

// Close marks the channel closed: no further reconnect attempts are
// made, and the current Transport (if any) is closed.
func (c *Channel) Close() error {
	c.channelClosed.Store(true)
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()
	c.setState(Down, nil)
	if t != nil {
		return t.Close()
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool { return c.channelClosed.Load() }

func (c *Channel) setState(to State, err error) {
	c.mu.Lock()
	from := c.state
	c.state = to
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	if from == to {
		return
	}

	c.logger.Info("channel state change", "channel", c.Name, "from", from, "to", to)

	metrics.ChannelState.WithLabelValues(c.Name, from.String()).Set(0)
	metrics.ChannelState.WithLabelValues(c.Name, to.String()).Set(1)

	c.bus.Publish(eventbus.Event{
		Timestamp: c.clk.Now(),
		Source:    eventbus.SourceChannel,
		Kind:      eventbus.KindChannelStateChange,
		Data: map[string]any{
			"channel": c.Name,
			"from":    from.String(),
			"to":      to.String(),
		},
	})

	ev := Event{Channel: c, From: from, To: to, Err: err}
	for _, l := range listeners {
		l(ev)
	}
}

func (c *Channel) publishReconnectEvent(attempt int, delay time.Duration) {
	c.bus.Publish(eventbus.Event{
		Timestamp: c.clk.Now(),
		Source:    eventbus.SourceChannel,
		Kind:      eventbus.KindReconnectAttempt,
		Data: map[string]any{
			"channel":  c.Name,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		},
	})
}
