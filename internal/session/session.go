// Package session implements the Session / Routing Channel (spec.md
// §4.6, component F): a SessionChannel aggregates one or more
// channel.Channels that share a routing identity (warm-standby group
// members, or a single plain channel), tracks an aggregated login
// status, and owns preferred-host fallback on a cron/interval
// schedule. Session is the top-level container of SessionChannels for
// one consumer instance.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/fathomdata/ommreactor/internal/channel"
	"github.com/fathomdata/ommreactor/internal/config"
	"github.com/fathomdata/ommreactor/internal/eventbus"
)

// LoginStatus mirrors the OPEN/OK, OPEN/SUSPECT, CLOSED states spec.md
// §4.6 says processChannelEvent must translate channel transitions
// into for the application.
type LoginStatus int

const (
	StatusUnknown LoginStatus = iota
	StatusOpenOK
	StatusOpenSuspect
	StatusClosed
)

func (s LoginStatus) String() string {
	switch s {
	case StatusOpenOK:
		return "OPEN/OK"
	case StatusOpenSuspect:
		return "OPEN/SUSPECT"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// StatusListener is notified whenever a SessionChannel's aggregated
// login status changes.
type StatusListener func(sc *SessionChannel, status LoginStatus)

// SessionChannel aggregates one or more underlying Channels (warm
// standby group members) behind a single routing identity. Only one
// member is ever the active channel; the rest are held as fallback
// targets for the preferred-host schedule.
type SessionChannel struct {
	Name  string
	Index int

	members   []*channel.Channel
	reconnect config.ReconnectPolicy
	preferred config.PreferredHostConfig

	mu            sync.Mutex
	active        *channel.Channel
	channelClosed bool
	status        LoginStatus

	bus       *eventbus.Bus
	logger    *slog.Logger
	listeners []StatusListener

	cronEntry cron.EntryID
	cronSched *cron.Cron
}

// NewSessionChannel constructs a SessionChannel. members[0] is the
// primary (and initial active) channel; any further members are warm
// standby / preferred-host fallback targets named by
// preferred.ChannelName.
func NewSessionChannel(name string, index int, members []*channel.Channel, reconnect config.ReconnectPolicy, preferred config.PreferredHostConfig, bus *eventbus.Bus, logger *slog.Logger) *SessionChannel {
	if logger == nil {
		logger = slog.Default()
	}
	sc := &SessionChannel{
		Name:      name,
		Index:     index,
		members:   members,
		reconnect: reconnect,
		preferred: preferred,
		bus:       bus,
		logger:    logger,
	}
	if len(members) > 0 {
		sc.active = members[0]
		members[0].AddListener(sc.processChannelEvent)
	}
	if len(members) > 1 {
		for _, m := range members[1:] {
			m.AddListener(sc.processChannelEvent)
		}
	}
	return sc
}

// OnStatusChange registers a StatusListener.
func (sc *SessionChannel) OnStatusChange(l StatusListener) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.listeners = append(sc.listeners, l)
}

// ActiveChannel returns the currently active member channel, or nil
// if closeReactorChannel has run and no replacement has been chosen.
func (sc *SessionChannel) ActiveChannel() *channel.Channel {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.active
}

// Status returns the current aggregated login status.
func (sc *SessionChannel) Status() LoginStatus {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.status
}

// closeReactorChannel clears the current active channel and flips
// channel-closed. Idempotent: calling it twice in a row is a no-op on
// the second call (spec.md §4.6).
func (sc *SessionChannel) closeReactorChannel() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.channelClosed {
		return
	}
	sc.channelClosed = true
	sc.active = nil
}

// processChannelEvent translates an underlying channel.Event into the
// aggregated login status spec.md §4.6 names: OPEN/OK is emitted only
// once at least one member channel is Up or Ready;
// OPEN/SUSPECT is emitted when all remaining members are reconnecting;
// CLOSED is emitted once every member has reached a terminal Down with
// reconnect exhausted.
func (sc *SessionChannel) processChannelEvent(ev channel.Event) {
	sc.mu.Lock()

	if ev.To == channel.Down && ev.Channel == sc.active {
		sc.active = nil
	}
	if ev.To == channel.Up || ev.To == channel.Ready {
		if sc.active == nil || sc.channelClosed {
			sc.active = ev.Channel
			sc.channelClosed = false
		}
	}

	healthyCount := 0
	reconnectingCount := 0
	downCount := 0
	for _, m := range sc.members {
		switch m.State() {
		case channel.Up, channel.Ready:
			healthyCount++
		case channel.DownReconnecting:
			reconnectingCount++
		case channel.Down:
			downCount++
		}
	}

	var newStatus LoginStatus
	switch {
	case healthyCount > 0:
		newStatus = StatusOpenOK
	case reconnectingCount > 0:
		newStatus = StatusOpenSuspect
	case downCount == len(sc.members) && len(sc.members) > 0:
		newStatus = StatusClosed
	default:
		newStatus = StatusUnknown
	}

	changed := newStatus != sc.status
	sc.status = newStatus
	listeners := append([]StatusListener(nil), sc.listeners...)
	sc.mu.Unlock()

	if !changed {
		return
	}

	sc.logger.Info("session channel status change", "session_channel", sc.Name, "status", newStatus.String())
	sc.bus.Publish(eventbus.Event{
		Source: eventbus.SourceSession,
		Kind:   eventbus.KindChannelStateChange,
		Data:   map[string]any{"session_channel": sc.Name, "status": newStatus.String()},
	})
	for _, l := range listeners {
		l(sc, newStatus)
	}
}

// StartPreferredHostFallback schedules attemptPreferredHostSwitch on
// the configured cron expression, or every FallbackEvery when no cron
// expression is set (spec.md §4.6). A PreferredHostConfig with
// Enabled=false, or with neither set, is a no-op. Stop via
// StopPreferredHostFallback.
func (sc *SessionChannel) StartPreferredHostFallback(ctx context.Context) error {
	spec := sc.preferred.Cron
	if spec == "" && sc.preferred.FallbackEvery > 0 {
		spec = "@every " + sc.preferred.FallbackEvery.String()
	}
	if !sc.preferred.Enabled || spec == "" {
		return nil
	}
	c := cron.New()
	id, err := c.AddFunc(spec, func() { sc.attemptPreferredHostSwitch(ctx) })
	if err != nil {
		return err
	}
	sc.mu.Lock()
	sc.cronSched = c
	sc.cronEntry = id
	sc.mu.Unlock()
	c.Start()
	return nil
}

// StopPreferredHostFallback stops the cron schedule, if one is running.
func (sc *SessionChannel) StopPreferredHostFallback() {
	sc.mu.Lock()
	c := sc.cronSched
	sc.cronSched = nil
	sc.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// attemptPreferredHostSwitch tries to fail back to the configured
// preferred channel. While in flight, the target's inPreferredHost
// atomic is set, so RoutingLocked reports true and the router skips
// this SessionChannel for every routing decision (SPEC_FULL.md
// SUPPLEMENTED FEATURES #1). processChannelEvent does not consult the
// flag.
func (sc *SessionChannel) attemptPreferredHostSwitch(ctx context.Context) {
	sc.mu.Lock()
	var target *channel.Channel
	for _, m := range sc.members {
		if m.Name == sc.preferred.ChannelName {
			target = m
			break
		}
	}
	current := sc.active
	sc.mu.Unlock()

	if target == nil || target == current {
		return
	}

	target.SetPreferredHostInFlight(true)
	defer target.SetPreferredHostInFlight(false)

	if err := target.Connect(ctx); err != nil {
		sc.logger.Warn("preferred host fallback failed", "session_channel", sc.Name, "target", target.Name, "error", err)
		return
	}

	sc.mu.Lock()
	sc.active = target
	sc.channelClosed = false
	sc.mu.Unlock()

	sc.logger.Info("preferred host fallback succeeded", "session_channel", sc.Name, "target", target.Name)
	sc.bus.Publish(eventbus.Event{
		Source: eventbus.SourceSession,
		Kind:   eventbus.KindPreferredHostSwitch,
		Data:   map[string]any{"session_channel": sc.Name, "target": target.Name},
	})
}

// RoutingLocked reports whether a preferred-host switch is in flight
// on any member, suppressing router decisions for this SessionChannel.
func (sc *SessionChannel) RoutingLocked() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, m := range sc.members {
		if m.PreferredHostInFlight() {
			return true
		}
	}
	return false
}

// Session is the top-level container of SessionChannels for one
// consumer instance (spec.md §4.1 "Session").
type Session struct {
	Channels []*SessionChannel

	activeChannelCount atomic.Int64
	serviceIDCounter   atomic.Int64

	bus    *eventbus.Bus
	logger *slog.Logger
}

// New constructs an empty Session.
func New(bus *eventbus.Bus, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{bus: bus, logger: logger}
}

// AddSessionChannel appends sc to the session and wires its status
// changes into the session's active-channel counter.
func (s *Session) AddSessionChannel(sc *SessionChannel) {
	s.Channels = append(s.Channels, sc)
	sc.OnStatusChange(func(_ *SessionChannel, status LoginStatus) {
		if status == StatusOpenOK {
			s.activeChannelCount.Add(1)
		}
	})
}

// ActiveChannelCount returns how many times a session channel's status
// has changed to OPEN/OK; a session channel that drops and recovers is
// counted again. Monotonic by construction; callers
// that need "currently healthy" should instead range over s.Channels
// and call Status().
func (s *Session) ActiveChannelCount() int64 { return s.activeChannelCount.Load() }

// NextServiceID returns the next id in the session's monotonically
// increasing aggregated-service-id counter (spec.md §4.1 "Session").
func (s *Session) NextServiceID() int64 { return s.serviceIDCounter.Add(1) }
