package transport

import (
	"io"
	"sync"
	"sync/atomic"
)

// Fake is an in-memory Transport for tests: Inbound feeds bytes a test
// wants the channel under test to read; Outbound collects whatever the
// channel under test writes. It never dials a real socket, matching
// how the teacher fakes ProbeFunc in connwatch tests and a fake broker
// round-trip in the mqtt publisher tests.
type Fake struct {
	mu        sync.Mutex
	inbound   []byte
	outbound  []byte
	connected atomic.Bool
	closed    bool
}

// NewFake returns a connected Fake transport.
func NewFake() *Fake {
	f := &Fake{}
	f.connected.Store(true)
	return f
}

// Feed appends bytes a subsequent Read will return.
func (f *Fake) Feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, b...)
}

// Written returns and clears everything written so far.
func (f *Fake) Written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.outbound
	f.outbound = nil
	return out
}

// Drop marks the transport disconnected, as if the peer closed the
// connection, without closing the Go struct itself.
func (f *Fake) Drop() {
	f.connected.Store(false)
}

func (f *Fake) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.EOF
	}
	if len(f.inbound) == 0 {
		if !f.connected.Load() {
			return 0, io.EOF
		}
		return 0, io.ErrNoProgress
	}
	n := copy(p, f.inbound)
	f.inbound = f.inbound[n:]
	return n, nil
}

func (f *Fake) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || !f.connected.Load() {
		return 0, io.ErrClosedPipe
	}
	f.outbound = append(f.outbound, p...)
	return len(p), nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected.Store(false)
	return nil
}

func (f *Fake) Connected() bool { return f.connected.Load() }
