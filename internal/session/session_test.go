package session

import (
	"context"
	"testing"
	"time"

	"github.com/fathomdata/ommreactor/internal/channel"
	"github.com/fathomdata/ommreactor/internal/config"
	"github.com/fathomdata/ommreactor/internal/eventbus"
	"github.com/fathomdata/ommreactor/internal/transport"
)

type okDialer struct{}

func (okDialer) Dial(ctx context.Context) (transport.Transport, error) { return transport.NewFake(), nil }

func waitForStatus(t *testing.T, sc *SessionChannel, want LoginStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sc.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reached %v, stuck at %v", want, sc.Status())
}

func TestProcessChannelEventOpenOK(t *testing.T) {
	ch := channel.New("c1", config.ConnectOptions{}, config.ReconnectPolicy{}, okDialer{}, nil, nil, eventbus.New(), nil)
	sc := NewSessionChannel("sc1", 0, []*channel.Channel{ch}, config.ReconnectPolicy{}, config.PreferredHostConfig{}, eventbus.New(), nil)

	ch.Connect(context.Background())
	waitForStatus(t, sc, StatusOpenOK, time.Second)
}

func TestProcessChannelEventSuspectWhenReconnecting(t *testing.T) {
	ch := channel.New("c1", config.ConnectOptions{}, config.ReconnectPolicy{
		AttemptLimit: -1,
		MinDelay:     time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}, okDialer{}, nil, nil, eventbus.New(), nil)
	sc := NewSessionChannel("sc1", 0, []*channel.Channel{ch}, config.ReconnectPolicy{}, config.PreferredHostConfig{}, eventbus.New(), nil)

	ch.Connect(context.Background())
	waitForStatus(t, sc, StatusOpenOK, time.Second)

	ch.HandleDisconnect(context.Background(), nil)
	waitForStatus(t, sc, StatusOpenSuspect, time.Second)
}

func TestCloseReactorChannelIdempotent(t *testing.T) {
	ch := channel.New("c1", config.ConnectOptions{}, config.ReconnectPolicy{}, okDialer{}, nil, nil, eventbus.New(), nil)
	sc := NewSessionChannel("sc1", 0, []*channel.Channel{ch}, config.ReconnectPolicy{}, config.PreferredHostConfig{}, eventbus.New(), nil)

	sc.closeReactorChannel()
	sc.closeReactorChannel()

	if sc.ActiveChannel() != nil {
		t.Error("ActiveChannel should be nil after closeReactorChannel")
	}
}

func TestNextServiceIDMonotonic(t *testing.T) {
	s := New(eventbus.New(), nil)
	a := s.NextServiceID()
	b := s.NextServiceID()
	if b != a+1 {
		t.Errorf("NextServiceID not monotonic: %d then %d", a, b)
	}
}
