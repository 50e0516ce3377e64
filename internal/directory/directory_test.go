package directory

import (
	"testing"

	"github.com/fathomdata/ommreactor/internal/eventbus"
)

// TestDeleteAndReadd exercises spec.md scenario 6: two channels
// advertise service X; one deletes (aggregate stays up, accepting via
// the other); the second also deletes (aggregate becomes deleted);
// re-advertising gets a new aggregated id.
func TestDeleteAndReadd(t *testing.T) {
	a := New(eventbus.New())

	a.Apply(PerChannelService{ChannelName: "c1", Name: "X", Up: true, AcceptingRequests: true})
	a.Apply(PerChannelService{ChannelName: "c2", Name: "X", Up: true, AcceptingRequests: true})

	svc, ok := a.ByName("X")
	if !ok {
		t.Fatal("service X should exist")
	}
	firstID := svc.ID

	a.Remove("c1", "X")
	svc, ok = a.ByName("X")
	if !ok || svc.Deleted {
		t.Fatal("service X should still be up after only one channel drops it")
	}
	if !svc.AcceptingRequests {
		t.Error("AcceptingRequests should remain true via the surviving channel")
	}

	a.Remove("c2", "X")
	svc, ok = a.ByName("X")
	if !ok || !svc.Deleted {
		t.Fatal("service X should be deleted once every channel drops it")
	}

	d := a.FlushDelta()
	found := false
	for _, n := range d.Deleted {
		if n == "X" {
			found = true
		}
	}
	if !found {
		t.Error("Delta.Deleted should contain X")
	}

	a.Apply(PerChannelService{ChannelName: "c1", Name: "X", Up: true, AcceptingRequests: true})
	svc, ok = a.ByName("X")
	if !ok {
		t.Fatal("re-advertised service X should exist")
	}
	if svc.ID == firstID {
		t.Error("re-advertised service should get a new aggregated id")
	}
	if svc.Deleted {
		t.Error("re-advertised service should not be Deleted")
	}
}

func TestCapabilityRefCounting(t *testing.T) {
	a := New(eventbus.New())
	a.Apply(PerChannelService{ChannelName: "c1", Name: "X", Up: true, Capabilities: []int32{1, 2}})
	a.Apply(PerChannelService{ChannelName: "c2", Name: "X", Up: true, Capabilities: []int32{2, 3}})

	svc, _ := a.ByName("X")
	caps := map[int32]bool{}
	for _, c := range svc.Capabilities() {
		caps[c] = true
	}
	if !caps[1] || !caps[2] || !caps[3] {
		t.Errorf("expected capabilities {1,2,3}, got %v", svc.Capabilities())
	}

	a.Remove("c1", "X")
	svc, _ = a.ByName("X")
	caps = map[int32]bool{}
	for _, c := range svc.Capabilities() {
		caps[c] = true
	}
	if caps[1] {
		t.Error("capability 1 should be gone once its only source channel drops it")
	}
	if !caps[2] || !caps[3] {
		t.Error("capabilities still advertised by c2 should remain")
	}
}

func TestFlushDeltaClearsPending(t *testing.T) {
	a := New(eventbus.New())
	a.Apply(PerChannelService{ChannelName: "c1", Name: "Y", Up: true})
	d := a.FlushDelta()
	if len(d.Added) != 1 || d.Added[0] != "Y" {
		t.Fatalf("Delta.Added = %v, want [Y]", d.Added)
	}
	d2 := a.FlushDelta()
	if len(d2.Added) != 0 || len(d2.Updated) != 0 || len(d2.Deleted) != 0 {
		t.Error("second FlushDelta should be empty")
	}
}
