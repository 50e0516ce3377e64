package transport

import (
	"testing"

	"github.com/fathomdata/ommreactor/internal/config"
)

func TestFakeTransportReadWrite(t *testing.T) {
	f := NewFake()
	f.Feed([]byte("hello"))

	buf := make([]byte, 5)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("Read = %q, want hello", buf[:n])
	}

	if _, err := f.Write([]byte("world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := string(f.Written()); got != "world" {
		t.Errorf("Written() = %q, want world", got)
	}
}

func TestFakeTransportDrop(t *testing.T) {
	f := NewFake()
	f.Drop()
	if f.Connected() {
		t.Error("Connected() should be false after Drop")
	}
	if _, err := f.Write([]byte("x")); err == nil {
		t.Error("Write after Drop should error")
	}
}

func TestDialerForUnsupported(t *testing.T) {
	_, err := DialerFor(config.ConnectOptions{ConnectionType: "bogus"})
	if err == nil {
		t.Error("DialerFor with unsupported type should error")
	}
}

func TestDialerForKnownTypes(t *testing.T) {
	for _, ct := range []config.ConnectionType{
		config.ConnectionWebsocket,
		config.ConnectionReliableMulticast,
		config.ConnectionPlainSocket,
		config.ConnectionEncrypted,
		config.ConnectionHTTP,
	} {
		if _, err := DialerFor(config.ConnectOptions{ConnectionType: ct}); err != nil {
			t.Errorf("DialerFor(%s) error: %v", ct, err)
		}
	}
}
