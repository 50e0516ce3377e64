// Package bootstrap implements the Login / Directory / Dictionary
// Bootstrap (spec.md §4.5, component E): once a Channel reaches Up, it
// auto-exchanges the configured handshake messages in order — login,
// then directory, then (if requested) one dictionary request per
// dictionary name advertised by the first service in the directory
// response that lists any — and only then raises
// Ready. Domain callbacks may intercept any bootstrap message and
// return Raise to additionally have it delivered to the raw-message
// callback (spec.md §4.5).
package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fathomdata/ommreactor/internal/channel"
	"github.com/fathomdata/ommreactor/internal/codec"
	"github.com/fathomdata/ommreactor/internal/eventbus"
	"github.com/fathomdata/ommreactor/internal/reactorerr"
)

// DictionaryDownloadMode controls whether dictionaries are auto-requested.
type DictionaryDownloadMode int

const (
	DictionaryDownloadNone DictionaryDownloadMode = iota
	DictionaryDownloadFirstAvailable
)

// CallbackResult is returned by a domain callback to tell the
// Bootstrapper whether the message should also be delivered raw.
type CallbackResult int

const (
	Handled CallbackResult = iota
	Raise
)

// DomainCallback decodes and handles one bootstrap message class. It
// returns Raise to additionally invoke the raw-message callback with
// the same Msg (spec.md §4.5).
type DomainCallback func(*codec.Msg) CallbackResult

// RawCallback receives a bootstrap message as-is; the default path
// when no domain callback is registered, or when one returns Raise.
type RawCallback func(*codec.Msg)

// Config describes what one channel's bootstrap sequence should do.
type Config struct {
	LoginRequest     *codec.Msg
	DirectoryRequest *codec.Msg
	DictionaryMode   DictionaryDownloadMode

	OnLogin      DomainCallback
	OnDirectory  DomainCallback
	OnDictionary DomainCallback
	OnRaw        RawCallback

	// OnReady is invoked once every configured bootstrap step has
	// completed. The caller typically wires this to channel.MarkReady.
	OnReady func()
}

type phase int

const (
	phaseIdle phase = iota
	phaseAwaitingLogin
	phaseAwaitingDirectory
	phaseAwaitingDictionaries
	phaseDone
)

// Sender writes an already-encoded outbound buffer to the channel's
// transport. Supplied by whatever owns the channel's write side
// (internal/reactor's dispatch loop).
type Sender func([]byte) error

// Bootstrapper drives one channel's handshake sequence. It is
// registered as a channel.Listener and fed every inbound Msg decoded
// off that channel's transport.
type Bootstrapper struct {
	channelName string
	cfg         Config
	codec       codec.Codec
	send        Sender
	bus         *eventbus.Bus
	logger      *slog.Logger

	mu                 sync.Mutex
	ph                 phase
	pendingDictionaries map[string]bool
}

// New constructs a Bootstrapper for one channel.
func New(channelName string, cfg Config, c codec.Codec, send Sender, bus *eventbus.Bus, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		channelName: channelName,
		cfg:         cfg,
		codec:       c,
		send:        send,
		bus:         bus,
		logger:      logger,
		ph:          phaseIdle,
	}
}

// OnChannelEvent is registered via channel.Channel.AddListener. Per
// SPEC_FULL.md's SUPPLEMENTED FEATURES #4, login is reissued on every
// Up transition, not just the first — a reconnect must re-authenticate
// from scratch.
func (b *Bootstrapper) OnChannelEvent(ev channel.Event) {
	if ev.To != channel.Up {
		return
	}
	b.mu.Lock()
	b.ph = phaseIdle
	b.pendingDictionaries = nil
	b.mu.Unlock()

	if err := b.start(); err != nil {
		b.logger.Error("bootstrap: failed to start", "channel", b.channelName, "error", err)
	}
}

func (b *Bootstrapper) start() error {
	if b.cfg.LoginRequest != nil {
		b.mu.Lock()
		b.ph = phaseAwaitingLogin
		b.mu.Unlock()
		return b.sendMsg(b.cfg.LoginRequest)
	}
	return b.advanceToDirectory()
}

func (b *Bootstrapper) advanceToDirectory() error {
	if b.cfg.DirectoryRequest != nil {
		b.mu.Lock()
		b.ph = phaseAwaitingDirectory
		b.mu.Unlock()
		return b.sendMsg(b.cfg.DirectoryRequest)
	}
	return b.complete()
}

func (b *Bootstrapper) complete() error {
	b.mu.Lock()
	b.ph = phaseDone
	b.mu.Unlock()

	b.bus.Publish(eventbus.Event{Source: eventbus.SourceBootstrap, Kind: eventbus.KindBootstrapReady, Data: map[string]any{
		"channel": b.channelName,
	}})

	if b.cfg.OnReady != nil {
		b.cfg.OnReady()
	}
	return nil
}

func (b *Bootstrapper) sendMsg(m *codec.Msg) error {
	buf, err := b.codec.EncodeIterator([]*codec.Msg{m})
	if err != nil {
		return reactorerr.Wrap(reactorerr.Failure, fmt.Sprintf("bootstrap %s: encode", b.channelName), err)
	}
	return b.send(buf)
}

// HandleMessage routes one inbound decoded message through the
// bootstrap state machine, or lets it pass straight to an item-domain
// consumer if bootstrap is already done. It returns true if the
// message was consumed as part of the bootstrap sequence.
func (b *Bootstrapper) HandleMessage(m *codec.Msg) bool {
	b.mu.Lock()
	ph := b.ph
	b.mu.Unlock()

	switch {
	case ph == phaseAwaitingLogin && m.Class == codec.ClassLogin:
		b.deliver(m, b.cfg.OnLogin)
		if err := b.advanceToDirectory(); err != nil {
			b.logger.Error("bootstrap: directory step failed", "channel", b.channelName, "error", err)
		}
		return true

	case ph == phaseAwaitingDirectory && m.Class == codec.ClassDirectory:
		b.deliver(m, b.cfg.OnDirectory)
		if err := b.advanceToDictionaries(m); err != nil {
			b.logger.Error("bootstrap: dictionary step failed", "channel", b.channelName, "error", err)
		}
		return true

	case ph == phaseAwaitingDictionaries && m.Class == codec.ClassDictionary:
		b.deliver(m, b.cfg.OnDictionary)
		b.receiveDictionary(m)
		return true

	default:
		return false
	}
}

func (b *Bootstrapper) deliver(m *codec.Msg, cb DomainCallback) {
	if cb == nil {
		if b.cfg.OnRaw != nil {
			b.cfg.OnRaw(m)
		}
		return
	}
	if cb(m) == Raise && b.cfg.OnRaw != nil {
		b.cfg.OnRaw(m)
	}
}

// directoryPayload is the minimal shape this package needs out of a
// directory refresh to drive "download first available" dictionary
// requests: the list of dictionary names the chosen service offers.
type directoryPayload struct {
	ServiceList []struct {
		DictionariesProvided []string `json:"DictionariesProvided"`
	} `json:"ServiceList"`
}

func (b *Bootstrapper) advanceToDictionaries(directoryMsg *codec.Msg) error {
	if b.cfg.DictionaryMode != DictionaryDownloadFirstAvailable {
		return b.complete()
	}

	var dp directoryPayload
	names := map[string]bool{}
	if len(directoryMsg.Payload) > 0 {
		if err := json.Unmarshal(directoryMsg.Payload, &dp); err == nil {
			for _, svc := range dp.ServiceList {
				for _, n := range svc.DictionariesProvided {
					names[n] = true
				}
				if len(names) > 0 {
					break
				}
			}
		}
	}

	if len(names) == 0 {
		return b.complete()
	}

	b.mu.Lock()
	b.ph = phaseAwaitingDictionaries
	b.pendingDictionaries = names
	b.mu.Unlock()

	for name := range names {
		req := &codec.Msg{Class: codec.ClassDictionary, ServiceName: name, Payload: []byte(fmt.Sprintf(`{"Name":%q}`, name))}
		if err := b.sendMsg(req); err != nil {
			return err
		}
	}
	return nil
}

// receiveDictionary marks one dictionary name as downloaded. Once the
// whole set has come back, the bootstrap completes and Ready is raised
// exactly once (spec.md scenario 2).
func (b *Bootstrapper) receiveDictionary(m *codec.Msg) {
	var payload struct {
		Name string `json:"Name"`
	}
	_ = json.Unmarshal(m.Payload, &payload)

	b.mu.Lock()
	if payload.Name != "" {
		delete(b.pendingDictionaries, payload.Name)
	} else if len(b.pendingDictionaries) > 0 {
		// Fall back to counting refreshes when the wire payload omits the
		// name field; this still converges once all expected refreshes
		// have arrived.
		for k := range b.pendingDictionaries {
			delete(b.pendingDictionaries, k)
			break
		}
	}
	done := len(b.pendingDictionaries) == 0
	b.mu.Unlock()

	if done {
		if err := b.complete(); err != nil {
			b.logger.Error("bootstrap: complete failed", "channel", b.channelName, "error", err)
		}
	}
}
