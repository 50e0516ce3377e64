// Package reactor is the composition root (spec.md §4.2): it wires
// clock, event queue, event bus, codec, transport, channel, discovery,
// bootstrap, session, directory, item router and registry together
// behind the two-thread dispatch model — a private read-loop goroutine
// per channel feeds an event queue that the caller's Dispatch calls
// drain.
package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fathomdata/ommreactor/internal/bootstrap"
	"github.com/fathomdata/ommreactor/internal/channel"
	"github.com/fathomdata/ommreactor/internal/clock"
	"github.com/fathomdata/ommreactor/internal/codec"
	"github.com/fathomdata/ommreactor/internal/config"
	"github.com/fathomdata/ommreactor/internal/connwatch"
	"github.com/fathomdata/ommreactor/internal/directory"
	"github.com/fathomdata/ommreactor/internal/discovery"
	"github.com/fathomdata/ommreactor/internal/eventbus"
	"github.com/fathomdata/ommreactor/internal/eventqueue"
	"github.com/fathomdata/ommreactor/internal/itemrouter"
	"github.com/fathomdata/ommreactor/internal/reactorerr"
	"github.com/fathomdata/ommreactor/internal/registry"
	"github.com/fathomdata/ommreactor/internal/session"
	"github.com/fathomdata/ommreactor/internal/transport"
)

// channelMsg pairs a decoded message with the channel name it arrived
// on, the unit of work KindMsg events carry through the queue.
type channelMsg struct {
	channelName string
	msg         *codec.Msg
}

// sessionUnit is everything built for one configured session: its
// Session container, one SessionChannel/Channel/Bootstrapper triple
// per configured connection, and the per-session directory/router/
// registry instances (spec.md §4.1: these are Session-scoped, not
// global to the Reactor).
type sessionUnit struct {
	cfg      config.SessionConfig
	sess     *session.Session
	chans    []*channel.Channel
	scs      []*session.SessionChannel
	boots    []*bootstrapper
	agg      *directory.Aggregator
	router   *itemrouter.Router
	registry *registry.Registry
}

type bootstrapper struct {
	ch *bootstrap.Bootstrapper
}

// Reactor owns every component for one consumer instance.
type Reactor struct {
	cfg    *config.ReactorConfig
	logger *slog.Logger
	bus    *eventbus.Bus
	clk    clock.Clock
	queue  *eventqueue.Queue
	codec  codec.Codec

	tokenSessions map[string]*discovery.TokenSession
	sessions      []*sessionUnit
	health        *connwatch.Manager

	dialerFactory func(config.ConnectOptions) (transport.Dialer, error)
}

// Option customizes Reactor construction, mirroring the functional
// options pattern internal/httpkit uses for its client.
type Option func(*Reactor)

// WithDialerFactory overrides how channels pick a Dialer from their
// ConnectOptions. Tests use this to substitute transport.NewFake
// regardless of the configured connection type.
func WithDialerFactory(f func(config.ConnectOptions) (transport.Dialer, error)) Option {
	return func(r *Reactor) { r.dialerFactory = f }
}

// New constructs a Reactor from cfg without dialing anything; call
// Start to bring channels up.
func New(cfg *config.ReactorConfig, logger *slog.Logger, opts ...Option) (*Reactor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reactor{
		cfg:           cfg,
		logger:        logger,
		bus:           eventbus.New(),
		clk:           clock.System{},
		queue:         eventqueue.New(cfg.MaxEventsInPool),
		codec:         codec.NewJSONCodec(),
		tokenSessions: make(map[string]*discovery.TokenSession),
		dialerFactory: transport.DialerFor,
		health:        connwatch.NewManager(logger),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, sc := range cfg.Sessions {
		unit, err := r.buildSession(sc)
		if err != nil {
			return nil, err
		}
		r.sessions = append(r.sessions, unit)
	}

	return r, nil
}

func (r *Reactor) buildSession(sc config.SessionConfig) (*sessionUnit, error) {
	unit := &sessionUnit{
		cfg:      sc,
		sess:     session.New(r.bus, r.logger),
		agg:      directory.New(r.bus),
		registry: registry.New(),
	}
	unit.router = itemrouter.New(unit.agg, unit.registry, r.bus)

	for i, ci := range sc.Connections {
		ch, boot, err := r.buildChannel(sc, i, ci, unit)
		if err != nil {
			return nil, err
		}
		unit.chans = append(unit.chans, ch)
		unit.boots = append(unit.boots, boot)

		name := fmt.Sprintf("%s-%d", sc.Name, i)
		scObj := session.NewSessionChannel(name, i, []*channel.Channel{ch}, sc.Reconnect, sc.Preferred, r.bus, r.logger)
		unit.sess.AddSessionChannel(scObj)
		unit.scs = append(unit.scs, scObj)
		unit.router.RegisterTarget(itemrouter.NewSessionChannelTarget(scObj))

		ch.AddListener(boot.ch.OnChannelEvent)
	}

	return unit, nil
}

func (r *Reactor) buildChannel(sc config.SessionConfig, idx int, ci config.ConnectInfo, unit *sessionUnit) (*channel.Channel, *bootstrapper, error) {
	dialer, err := r.dialerFactory(ci.Channel)
	if err != nil {
		return nil, nil, reactorerr.Wrap(reactorerr.InvalidArgument, "reactor: build dialer", err)
	}

	if ci.EnableSessionManagement {
		if ci.Credentials == nil {
			return nil, nil, reactorerr.InvalidField("credentials", "enableSessionManagement requires credentials")
		}
		if _, err := r.tokenSessionFor(ci.Credentials); err != nil {
			return nil, nil, err
		}
	}

	name := fmt.Sprintf("%s-%d", sc.Name, idx)
	ch := channel.New(name, ci.Channel, sc.Reconnect, dialer, r.codec, r.clk, r.bus, r.logger)

	sender := func(buf []byte) error {
		t := ch.Transport()
		if t == nil {
			return reactorerr.New(reactorerr.NoActiveChannel, "reactor: send on channel with no active transport")
		}
		_, err := t.Write(buf)
		return err
	}

	boot := bootstrap.New(name, bootstrap.Config{
		LoginRequest:     &codec.Msg{Class: codec.ClassLogin},
		DirectoryRequest: &codec.Msg{Class: codec.ClassDirectory},
		DictionaryMode:   dictionaryModeFor(sc.DictionaryDownload),
		OnDirectory: func(m *codec.Msg) bootstrap.CallbackResult {
			applyDirectoryMessage(unit.agg, name, m)
			return bootstrap.Handled
		},
		OnReady: func() { ch.MarkReady() },
	}, r.codec, sender, r.bus, r.logger)

	return ch, &bootstrapper{ch: boot}, nil
}

// dictionaryModeFor maps a SessionConfig's yaml string selector onto
// internal/bootstrap's DictionaryDownloadMode, defaulting to None for
// an empty or unrecognized value.
func dictionaryModeFor(s string) bootstrap.DictionaryDownloadMode {
	if strings.EqualFold(s, "first_available") {
		return bootstrap.DictionaryDownloadFirstAvailable
	}
	return bootstrap.DictionaryDownloadNone
}

// tokenSessionFor returns the shared TokenSession for creds' username,
// creating one if none exists yet, and erroring if an existing session
// for that username has structurally different credentials (spec.md §3
// Token Session sharing invariant).
func (r *Reactor) tokenSessionFor(c *config.Credentials) (*discovery.TokenSession, error) {
	creds := discovery.FromConfigCredentials(c)
	key := creds.Username
	if key == "" {
		key = creds.ClientID
	}

	if existing, ok := r.tokenSessions[key]; ok {
		if field := existing.MismatchedField(creds); field != "" {
			return nil, reactorerr.InvalidField(field, fmt.Sprintf("reactor: credential mismatch for shared token session %q", key))
		}
		return existing, nil
	}

	ts, err := discovery.NewTokenSession(r.cfg.TokenServiceURL, creds)
	if err != nil {
		return nil, err
	}
	r.tokenSessions[key] = ts
	return ts, nil
}

// Start acquires tokens and connects every configured channel,
// starting the private read-loop goroutines that feed the event queue.
func (r *Reactor) Start(ctx context.Context) error {
	r.watchEndpoint(ctx, r.cfg.TokenServiceURL)
	r.watchEndpoint(ctx, r.cfg.ServiceDiscoveryURL)

	for _, ts := range r.tokenSessions {
		if _, err := ts.Acquire(ctx); err != nil {
			return reactorerr.Wrap(reactorerr.Failure, "reactor: acquire token", err)
		}
	}

	for _, unit := range r.sessions {
		for _, ch := range unit.chans {
			// Every Up transition (initial connect or a successful
			// reconnect) starts a readLoop on the new transport.
			ch.AddListener(func(ev channel.Event) {
				if ev.To == channel.Up {
					go r.readLoop(ctx, ev.Channel)
				}
			})
			if err := ch.Connect(ctx); err != nil {
				r.logger.Warn("initial connect failed, reconnect loop will retry", "channel", ch.Name, "error", err)
				ch.HandleDisconnect(ctx, err)
				continue
			}
		}
	}
	return nil
}

// watchEndpoint registers a connwatch.Watcher probing url with a plain
// HTTP HEAD request, publishing reachability transitions onto the
// event bus for internal/diagnostics to record. A blank url is a no-op
// (discovery is optional for channels that never set
// EnableSessionManagement).
func (r *Reactor) watchEndpoint(ctx context.Context, url string) {
	if url == "" {
		return
	}
	probe := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
	r.health.Watch(ctx, connwatch.WatcherConfig{
		Name:    url,
		Probe:   probe,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  r.logger,
		OnReady: func() {
			r.bus.Publish(eventbus.Event{Source: eventbus.SourceDiscovery, Kind: eventbus.KindDiscoveryEndpointUp, Data: map[string]any{"endpoint": url}})
		},
		OnDown: func(err error) {
			r.bus.Publish(eventbus.Event{Source: eventbus.SourceDiscovery, Kind: eventbus.KindDiscoveryEndpointDown, Data: map[string]any{"endpoint": url, "error": err.Error()}})
		},
	})
}

// readLoop decodes messages off ch's transport and pushes them onto
// the event queue for Dispatch to process. It exits once the channel
// closes or the transport errors, calling HandleDisconnect so the
// channel's own reconnect policy takes over; when a reconnect
// succeeds, the channel listener registered in Start launches a fresh
// readLoop on the Up transition.
func (r *Reactor) readLoop(ctx context.Context, ch *channel.Channel) {
	t := ch.Transport()
	if t == nil {
		return
	}
	next := r.codec.DecodeIterator(t)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := next()
		if err != nil {
			if !ch.Closed() {
				ch.HandleDisconnect(ctx, err)
			}
			return
		}
		e := r.queue.Get(eventqueue.KindMsg, channelMsg{channelName: ch.Name, msg: msg})
		if pushErr := r.queue.Push(e); pushErr != nil {
			r.queue.Release(e)
			return
		}
	}
}

// Dispatch drains up to cfg.DispatchMaxMessages events from the queue,
// routing each to the owning session's bootstrap/router/directory, and
// returns the count processed. It blocks for at most timeout waiting
// for the first event (spec.md §4.2's dispatch entry point).
func (r *Reactor) Dispatch(ctx context.Context, timeout time.Duration) (int, error) {
	processed := 0
	deadline := time.Now().Add(timeout)

	for processed < r.cfg.DispatchMaxMessages {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		var (
			e  *eventqueue.Event
			ok bool
		)
		if processed == 0 {
			e, ok = r.popWithDeadline(deadline)
		} else {
			e, ok = r.queue.TryPop()
		}
		if !ok {
			break
		}

		r.handleEvent(e)
		r.queue.Release(e)
		processed++
	}

	for _, unit := range r.sessions {
		unit.agg.FlushDelta()
	}

	return processed, nil
}

func (r *Reactor) popWithDeadline(deadline time.Time) (*eventqueue.Event, bool) {
	result := make(chan struct {
		e  *eventqueue.Event
		ok bool
	}, 1)
	go func() {
		e, ok := r.queue.Pop()
		result <- struct {
			e  *eventqueue.Event
			ok bool
		}{e, ok}
	}()

	select {
	case res := <-result:
		return res.e, res.ok
	case <-r.clk.After(time.Until(deadline)):
		return nil, false
	}
}

func (r *Reactor) handleEvent(e *eventqueue.Event) {
	switch e.Kind {
	case eventqueue.KindMsg:
		cm, ok := e.Payload.(channelMsg)
		if !ok {
			return
		}
		r.dispatchMessage(cm)
	case eventqueue.KindChannelEvent:
		// Channel state transitions are delivered synchronously via
		// channel.Listener, not the queue; reserved for future use
		// (e.g. deferred fan-out of a reconnect notification).
	}
}

func (r *Reactor) dispatchMessage(cm channelMsg) {
	for _, unit := range r.sessions {
		for i, ch := range unit.chans {
			if ch.Name != cm.channelName {
				continue
			}
			if unit.boots[i].ch.HandleMessage(cm.msg) {
				return
			}
			if cm.msg.Class == codec.ClassDirectory {
				applyDirectoryMessage(unit.agg, ch.Name, cm.msg)
			}
			return
		}
	}
}

// directoryElements is the JSON2 Map-entry shape a directory refresh
// or update carries in Msg.Payload: an Action (Add/Update/Delete) plus
// the service state and filter fields the aggregator needs. Fields are
// all optional — an Add with no explicit Up/AcceptingRequests means
// the service is up and accepting, the common case for an initial
// directory refresh.
type directoryElements struct {
	Action            string             `json:"Action,omitempty"`
	Up                *bool              `json:"Up,omitempty"`
	AcceptingRequests *bool              `json:"AcceptingRequests,omitempty"`
	Capabilities      []int32            `json:"Capabilities,omitempty"`
	QoS               []directoryQoSWire `json:"QoS,omitempty"`
}

// directoryQoSWire is the wire shape of one QoS tuple.
type directoryQoSWire struct {
	Rate       int `json:"Rate"`
	Timeliness int `json:"Timeliness"`
}

// applyDirectoryMessage folds one channel's directory refresh or
// update into the session's aggregator (spec.md §4.7). A service name
// on the Msg is required; a refresh with none is a malformed wire
// message and is dropped. A Delete action drops the channel's
// contribution via Aggregator.Remove instead of Apply, so a fully
// withdrawn service is correctly marked deleted rather than left
// Up/AcceptingRequests forever.
func applyDirectoryMessage(agg *directory.Aggregator, channelName string, m *codec.Msg) {
	if m.ServiceName == "" {
		return
	}

	var elems directoryElements
	if len(m.Payload) > 0 {
		// A payload that doesn't parse as directory elements is treated
		// like an Add with no explicit fields, not an error: Payload's
		// exact shape is a wire-format concern the codec already
		// resolved down to Class/ServiceName/ServiceID for us.
		_ = json.Unmarshal(m.Payload, &elems)
	}

	if strings.EqualFold(elems.Action, "Delete") {
		agg.Remove(channelName, m.ServiceName)
		return
	}

	up := true
	if elems.Up != nil {
		up = *elems.Up
	}
	accepting := true
	if elems.AcceptingRequests != nil {
		accepting = *elems.AcceptingRequests
	}

	qos := make([]directory.QoS, 0, len(elems.QoS))
	for _, q := range elems.QoS {
		qos = append(qos, directory.QoS{Rate: q.Rate, Timeliness: q.Timeliness})
	}

	var serviceID int32
	if m.ServiceID != nil {
		serviceID = *m.ServiceID
	}

	agg.Apply(directory.PerChannelService{
		ChannelName:       channelName,
		ConcreteServiceID: serviceID,
		Name:              m.ServiceName,
		Up:                up,
		AcceptingRequests: accepting,
		QoS:               qos,
		Capabilities:      elems.Capabilities,
	})
}

// Bus returns the reactor's event bus, for wiring an external
// subscriber such as internal/diagnostics' audit-trail recorder.
func (r *Reactor) Bus() *eventbus.Bus { return r.bus }

// Close closes every channel and token session owned by the reactor.
func (r *Reactor) Close() error {
	r.health.Stop()
	r.queue.Close()
	for _, ts := range r.tokenSessions {
		ts.Close()
	}
	for _, unit := range r.sessions {
		for _, sc := range unit.scs {
			sc.StopPreferredHostFallback()
		}
		for _, ch := range unit.chans {
			ch.Close()
		}
	}
	return nil
}
