package bootstrap

import (
	"testing"

	"github.com/fathomdata/ommreactor/internal/channel"
	"github.com/fathomdata/ommreactor/internal/codec"
	"github.com/fathomdata/ommreactor/internal/eventbus"
)

func TestAutoBootstrapLoginOnly(t *testing.T) {
	var sent [][]byte
	ready := false

	c := codec.NewJSONCodec()
	b := New("c1", Config{
		LoginRequest: &codec.Msg{Class: codec.ClassLogin, StreamID: 1},
		OnReady:      func() { ready = true },
	}, c, func(buf []byte) error {
		sent = append(sent, buf)
		return nil
	}, eventbus.New(), nil)

	b.OnChannelEvent(channel.Event{To: channel.Up})
	if len(sent) != 1 {
		t.Fatalf("expected 1 send (login request), got %d", len(sent))
	}
	if ready {
		t.Fatal("should not be ready before login refresh arrives")
	}

	consumed := b.HandleMessage(&codec.Msg{Class: codec.ClassLogin, StreamID: 1})
	if !consumed {
		t.Error("login refresh should be consumed by bootstrap")
	}
	if !ready {
		t.Error("should be ready once login refresh arrives with no directory configured")
	}
}

func TestDictionaryAutoDownload(t *testing.T) {
	var sent [][]byte
	readyCount := 0

	c := codec.NewJSONCodec()
	b := New("c1", Config{
		LoginRequest:     &codec.Msg{Class: codec.ClassLogin},
		DirectoryRequest: &codec.Msg{Class: codec.ClassDirectory},
		DictionaryMode:   DictionaryDownloadFirstAvailable,
		OnReady:          func() { readyCount++ },
	}, c, func(buf []byte) error {
		sent = append(sent, buf)
		return nil
	}, eventbus.New(), nil)

	b.OnChannelEvent(channel.Event{To: channel.Up})
	b.HandleMessage(&codec.Msg{Class: codec.ClassLogin})

	dirPayload := []byte(`{"ServiceList":[{"DictionariesProvided":["RWFFld","RWFEnum"]}]}`)
	b.HandleMessage(&codec.Msg{Class: codec.ClassDirectory, Payload: dirPayload})

	// Two dictionary requests should have gone out (login + directory + 2 dict = 4 sends).
	if len(sent) != 4 {
		t.Fatalf("expected 4 sends, got %d", len(sent))
	}
	if readyCount != 0 {
		t.Fatal("should not be ready until both dictionary refreshes arrive")
	}

	b.HandleMessage(&codec.Msg{Class: codec.ClassDictionary, Payload: []byte(`{"Name":"RWFFld"}`)})
	if readyCount != 0 {
		t.Fatal("should not be ready after only one dictionary refresh")
	}
	b.HandleMessage(&codec.Msg{Class: codec.ClassDictionary, Payload: []byte(`{"Name":"RWFEnum"}`)})
	if readyCount != 1 {
		t.Errorf("readyCount = %d, want exactly 1 (Ready raised once)", readyCount)
	}
}

func TestDomainCallbackRaise(t *testing.T) {
	var rawDelivered []*codec.Msg
	c := codec.NewJSONCodec()
	b := New("c1", Config{
		LoginRequest: &codec.Msg{Class: codec.ClassLogin},
		OnLogin: func(m *codec.Msg) CallbackResult {
			return Raise
		},
		OnRaw: func(m *codec.Msg) { rawDelivered = append(rawDelivered, m) },
	}, c, func([]byte) error { return nil }, eventbus.New(), nil)

	b.OnChannelEvent(channel.Event{To: channel.Up})
	b.HandleMessage(&codec.Msg{Class: codec.ClassLogin, StreamID: 1})

	if len(rawDelivered) != 1 {
		t.Fatalf("expected raw callback invoked once after Raise, got %d", len(rawDelivered))
	}
}

func TestLoginReissuedOnEveryUp(t *testing.T) {
	var sends int
	c := codec.NewJSONCodec()
	b := New("c1", Config{
		LoginRequest: &codec.Msg{Class: codec.ClassLogin},
	}, c, func([]byte) error { sends++; return nil }, eventbus.New(), nil)

	b.OnChannelEvent(channel.Event{To: channel.Up})
	b.HandleMessage(&codec.Msg{Class: codec.ClassLogin})
	b.OnChannelEvent(channel.Event{To: channel.Up})

	if sends != 2 {
		t.Errorf("sends = %d, want 2 (login reissued on second Up)", sends)
	}
}
