package reactor

import (
	"context"
	"testing"
	"time"

	"github.com/fathomdata/ommreactor/internal/channel"
	"github.com/fathomdata/ommreactor/internal/codec"
	"github.com/fathomdata/ommreactor/internal/config"
	"github.com/fathomdata/ommreactor/internal/eventqueue"
	"github.com/fathomdata/ommreactor/internal/transport"
)

// fakeDialer always hands back a connected in-memory transport,
// mirroring internal/channel's fakeDialer test helper.
type fakeDialer struct {
	dials int
	t     *transport.Fake
}

func (d *fakeDialer) Dial(ctx context.Context) (transport.Transport, error) {
	d.dials++
	d.t = transport.NewFake()
	return d.t, nil
}

func testConfig() *config.ReactorConfig {
	return &config.ReactorConfig{
		TokenServiceURL:     "https://token.example.test",
		ServiceDiscoveryURL: "https://discovery.example.test",
		MaxEventsInPool:     64,
		DispatchMaxMessages: 50,
		Sessions: []config.SessionConfig{
			{
				Name: "primary",
				Connections: []config.ConnectInfo{
					{Channel: config.ConnectOptions{ConnectionType: config.ConnectionPlainSocket, HostName: "h1"}},
				},
				Reconnect: config.ReconnectPolicy{AttemptLimit: 0, MinDelay: time.Millisecond, MaxDelay: time.Millisecond},
			},
		},
	}
}

func newTestReactor(t *testing.T) (*Reactor, *fakeDialer) {
	t.Helper()
	d := &fakeDialer{}
	r, err := New(testConfig(), nil, WithDialerFactory(func(config.ConnectOptions) (transport.Dialer, error) {
		return d, nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, d
}

func TestNewWiresOneSessionOneChannel(t *testing.T) {
	r, _ := newTestReactor(t)
	if len(r.sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(r.sessions))
	}
	unit := r.sessions[0]
	if len(unit.chans) != 1 || len(unit.boots) != 1 || len(unit.scs) != 1 {
		t.Fatalf("unit not fully wired: %+v", unit)
	}
	if unit.chans[0].Name != "primary-0" {
		t.Errorf("channel name = %q, want primary-0", unit.chans[0].Name)
	}
}

// TestConnectDrivesLoginThenDirectoryBootstrap exercises scenario 1
// (auto-bootstrap): bringing a channel Up sends login, a login
// response advances to directory, and a directory response with no
// dictionaries completes bootstrap and marks the channel Ready.
func TestConnectDrivesLoginThenDirectoryBootstrap(t *testing.T) {
	r, d := newTestReactor(t)
	ctx := context.Background()
	unit := r.sessions[0]
	ch := unit.chans[0]

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	written := d.t.Written()
	if len(written) == 0 {
		t.Fatalf("expected login request to be written on Up")
	}

	e := r.queue.Get(eventqueue.KindMsg, channelMsg{channelName: ch.Name, msg: &codec.Msg{Class: codec.ClassLogin}})
	if err := r.queue.Push(e); err != nil {
		t.Fatalf("Push login: %v", err)
	}
	if n, err := r.Dispatch(ctx, 50*time.Millisecond); err != nil || n != 1 {
		t.Fatalf("Dispatch(login) = %d, %v, want 1, nil", n, err)
	}

	if len(d.t.Written()) == 0 {
		t.Fatalf("expected directory request to be written after login response")
	}

	svcID := int32(1)
	dirPayload := []byte(`{"ServiceList":[]}`)
	e = r.queue.Get(eventqueue.KindMsg, channelMsg{channelName: ch.Name, msg: &codec.Msg{
		Class: codec.ClassDirectory, ServiceID: &svcID, ServiceName: "ELEKTRON_DD", Payload: dirPayload,
	}})
	if err := r.queue.Push(e); err != nil {
		t.Fatalf("Push directory: %v", err)
	}
	if n, err := r.Dispatch(ctx, 50*time.Millisecond); err != nil || n != 1 {
		t.Fatalf("Dispatch(directory) = %d, %v, want 1, nil", n, err)
	}

	svc, ok := unit.agg.ByName("ELEKTRON_DD")
	if !ok {
		t.Fatalf("expected ELEKTRON_DD to be aggregated after bootstrap directory response")
	}
	if !svc.Up || !svc.AcceptingRequests {
		t.Errorf("aggregated service not up/accepting: %+v", svc)
	}
}

// TestPostBootstrapDirectoryUpdateReachesAggregator exercises a
// directory refresh arriving after the channel is already Ready: it
// must fall through the bootstrapper (already Done) straight into the
// aggregator.
func TestPostBootstrapDirectoryUpdateReachesAggregator(t *testing.T) {
	r, d := newTestReactor(t)
	ctx := context.Background()
	unit := r.sessions[0]
	ch := unit.chans[0]

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.t.Written()

	push := func(m *codec.Msg) {
		e := r.queue.Get(eventqueue.KindMsg, channelMsg{channelName: ch.Name, msg: m})
		if err := r.queue.Push(e); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if _, err := r.Dispatch(ctx, 50*time.Millisecond); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	push(&codec.Msg{Class: codec.ClassLogin})
	push(&codec.Msg{Class: codec.ClassDirectory, ServiceName: "ELEKTRON_DD", Payload: []byte(`{"ServiceList":[]}`)})

	if _, ok := unit.agg.ByName("ELEKTRON_DD"); !ok {
		t.Fatalf("expected ELEKTRON_DD aggregated after initial bootstrap")
	}

	// A later, unsolicited directory refresh (e.g. a service going
	// down) arrives after bootstrap is Done and must still update the
	// aggregator via the fallback path in dispatchMessage.
	push(&codec.Msg{Class: codec.ClassDirectory, ServiceName: "ELEKTRON_DD_2", Payload: []byte(`{}`)})

	if _, ok := unit.agg.ByName("ELEKTRON_DD_2"); !ok {
		t.Fatalf("expected post-bootstrap directory refresh to reach the aggregator")
	}
}

// TestDirectoryDeleteActionRemovesService exercises spec.md scenario 6:
// a directory update with an explicit Delete action must drop the
// channel's contribution via the aggregator's Remove path, not just
// re-Apply with the hardcoded Up/AcceptingRequests defaults.
func TestDirectoryDeleteActionRemovesService(t *testing.T) {
	r, d := newTestReactor(t)
	ctx := context.Background()
	unit := r.sessions[0]
	ch := unit.chans[0]

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.t.Written()

	push := func(m *codec.Msg) {
		e := r.queue.Get(eventqueue.KindMsg, channelMsg{channelName: ch.Name, msg: m})
		if err := r.queue.Push(e); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if _, err := r.Dispatch(ctx, 50*time.Millisecond); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	push(&codec.Msg{Class: codec.ClassLogin})
	push(&codec.Msg{Class: codec.ClassDirectory, ServiceName: "ELEKTRON_DD", Payload: []byte(`{"Action":"Add","Up":true,"AcceptingRequests":true}`)})

	svc, ok := unit.agg.ByName("ELEKTRON_DD")
	if !ok || svc.Deleted {
		t.Fatalf("expected ELEKTRON_DD aggregated and not deleted, got %+v ok=%v", svc, ok)
	}

	push(&codec.Msg{Class: codec.ClassDirectory, ServiceName: "ELEKTRON_DD", Payload: []byte(`{"Action":"Delete"}`)})

	svc, ok = unit.agg.ByName("ELEKTRON_DD")
	if !ok || !svc.Deleted {
		t.Fatalf("expected ELEKTRON_DD marked deleted after Delete action, got %+v ok=%v", svc, ok)
	}
}

// TestDictionaryFirstAvailableCompletesBootstrapEndToEnd exercises
// spec.md scenario 2 through the real config/reactor stack: a session
// configured for "first_available" dictionary download only reaches
// Ready after every dictionary the directory response advertised has
// come back.
func TestDictionaryFirstAvailableCompletesBootstrapEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Sessions[0].DictionaryDownload = "first_available"
	d := &fakeDialer{}
	r, err := New(cfg, nil, WithDialerFactory(func(config.ConnectOptions) (transport.Dialer, error) {
		return d, nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	ch := r.sessions[0].chans[0]
	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.t.Written()

	push := func(m *codec.Msg) {
		e := r.queue.Get(eventqueue.KindMsg, channelMsg{channelName: ch.Name, msg: m})
		if err := r.queue.Push(e); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if _, err := r.Dispatch(ctx, 50*time.Millisecond); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}

	push(&codec.Msg{Class: codec.ClassLogin})

	dirPayload := []byte(`{"ServiceList":[{"DictionariesProvided":["RWFFld","RWFEnum"]}]}`)
	push(&codec.Msg{Class: codec.ClassDirectory, ServiceName: "ELEKTRON_DD", Payload: dirPayload})

	if ch.State() == channel.Ready {
		t.Fatal("channel should not be Ready before any dictionary response arrives")
	}
	if len(d.t.Written()) == 0 {
		t.Fatal("expected dictionary requests to be written after directory response")
	}

	push(&codec.Msg{Class: codec.ClassDictionary, Payload: []byte(`{"Name":"RWFFld"}`)})
	if ch.State() == channel.Ready {
		t.Fatal("channel should not be Ready after only one of two dictionaries arrived")
	}

	push(&codec.Msg{Class: codec.ClassDictionary, Payload: []byte(`{"Name":"RWFEnum"}`)})
	if ch.State() != channel.Ready {
		t.Fatalf("channel State() = %v, want Ready once every dictionary has arrived", ch.State())
	}
}

func TestDispatchRespectsMaxMessagesPerCall(t *testing.T) {
	r, d := newTestReactor(t)
	ctx := context.Background()
	unit := r.sessions[0]
	ch := unit.chans[0]
	r.cfg.DispatchMaxMessages = 2

	if err := ch.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.t.Written()

	for i := 0; i < 5; i++ {
		e := r.queue.Get(eventqueue.KindMsg, channelMsg{channelName: ch.Name, msg: &codec.Msg{
			Class: codec.ClassGeneric, StreamID: int32(i),
		}})
		if err := r.queue.Push(e); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	n, err := r.Dispatch(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("Dispatch() processed %d, want 2 (DispatchMaxMessages)", n)
	}
	if r.queue.Len() != 3 {
		t.Fatalf("queue.Len() = %d, want 3 remaining", r.queue.Len())
	}
}

func TestCloseIsIdempotentAndSafe(t *testing.T) {
	r, d := newTestReactor(t)
	ctx := context.Background()
	if err := r.sessions[0].chans[0].Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.t.Written()

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
