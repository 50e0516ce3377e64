package itemrouter

import (
	"testing"

	"github.com/fathomdata/ommreactor/internal/directory"
	"github.com/fathomdata/ommreactor/internal/eventbus"
	"github.com/fathomdata/ommreactor/internal/registry"
)

type fakeTarget struct {
	name   string
	up     bool
	locked bool
}

func (f fakeTarget) Name() string         { return f.name }
func (f fakeTarget) Up() bool             { return f.up }
func (f fakeTarget) RoutingLocked() bool  { return f.locked }

func newTestRouter() (*Router, *directory.Aggregator) {
	agg := directory.New(eventbus.New())
	reg := registry.New()
	r := New(agg, reg, eventbus.New())
	return r, agg
}

func TestRouteSingleService(t *testing.T) {
	r, agg := newTestRouter()
	agg.Apply(directory.PerChannelService{ChannelName: "sc1", Name: "SVC", Up: true, AcceptingRequests: true})
	r.RegisterTarget(fakeTarget{name: "sc1", up: true})

	item := &registry.Item{ServiceName: "SVC"}
	target, ok := r.Route(item)
	if !ok || target != "sc1" {
		t.Fatalf("Route() = %q, %v, want sc1, true", target, ok)
	}
}

func TestRouteServiceListRoundRobin(t *testing.T) {
	r, agg := newTestRouter()
	agg.Apply(directory.PerChannelService{ChannelName: "sc1", Name: "A", Up: true, AcceptingRequests: true})
	agg.Apply(directory.PerChannelService{ChannelName: "sc1", Name: "B", Up: true, AcceptingRequests: true})
	agg.Apply(directory.PerChannelService{ChannelName: "sc1", Name: "C", Up: true, AcceptingRequests: true})

	r.RegisterServiceList(ServiceList{Name: "LIST", Services: []string{"A", "B", "C"}})
	r.RegisterTarget(fakeTarget{name: "sc1", up: true})

	item := &registry.Item{ServiceListName: "LIST"}
	_, ok := r.Route(item)
	if !ok {
		t.Fatal("expected a route")
	}
	cursorAfterFirst := r.cursors["LIST"]
	if cursorAfterFirst != 1 {
		t.Errorf("cursor after first route = %d, want 1", cursorAfterFirst)
	}
}

func TestRouteNoEligibleTargetPends(t *testing.T) {
	r, agg := newTestRouter()
	agg.Apply(directory.PerChannelService{ChannelName: "sc1", Name: "SVC", Up: false, AcceptingRequests: false})

	item := &registry.Item{ServiceName: "SVC"}
	_, ok := r.Route(item)
	if ok {
		t.Fatal("should not route to a non-accepting service")
	}
	r.Pend(item)
	if r.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", r.PendingCount())
	}
}

func TestRouteRequiresQoSAndCapabilities(t *testing.T) {
	r, agg := newTestRouter()
	agg.Apply(directory.PerChannelService{
		ChannelName:       "sc1",
		Name:              "SVC",
		Up:                true,
		AcceptingRequests: true,
		QoS:               []directory.QoS{{Rate: 100, Timeliness: 0}},
		Capabilities:      []int32{6},
	})
	r.RegisterTarget(fakeTarget{name: "sc1", up: true})

	unmet := &registry.Item{ServiceName: "SVC", RequiredCapabilities: []int32{6, 7}}
	if _, ok := r.Route(unmet); ok {
		t.Fatal("should not route when the channel lacks a required capability")
	}

	wrongQoS := &registry.Item{ServiceName: "SVC", RequiredQoS: &directory.QoS{Rate: 25, Timeliness: 0}}
	if _, ok := r.Route(wrongQoS); ok {
		t.Fatal("should not route when the channel does not advertise the required QoS")
	}

	met := &registry.Item{ServiceName: "SVC", RequiredQoS: &directory.QoS{Rate: 100, Timeliness: 0}, RequiredCapabilities: []int32{6}}
	target, ok := r.Route(met)
	if !ok || target != "sc1" {
		t.Fatalf("Route() = %q, %v, want sc1, true", target, ok)
	}
}

func TestRouteBatchSplitRoutesEachChildIndividually(t *testing.T) {
	r, agg := newTestRouter()
	agg.Apply(directory.PerChannelService{ChannelName: "sc1", Name: "SVC", Up: true, AcceptingRequests: true})
	r.RegisterTarget(fakeTarget{name: "sc1", up: true})

	batch := &registry.BatchItem{
		Parent:   &registry.Item{Domain: "batch"},
		Children: []*registry.Item{{ServiceName: "SVC"}, {ServiceName: "SVC"}},
	}
	target, ok := r.RouteBatch(batch, true)
	if ok || target != "" {
		t.Fatalf("RouteBatch(split=true) = %q, %v, want \"\", false", target, ok)
	}
	if r.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0 (every child should have routed)", r.PendingCount())
	}
}

func TestRouteBatchNotSplitRoutesParent(t *testing.T) {
	r, agg := newTestRouter()
	agg.Apply(directory.PerChannelService{ChannelName: "sc1", Name: "SVC", Up: true, AcceptingRequests: true})
	r.RegisterTarget(fakeTarget{name: "sc1", up: true})

	batch := &registry.BatchItem{Parent: &registry.Item{ServiceName: "SVC"}}
	target, ok := r.RouteBatch(batch, false)
	if !ok || target != "sc1" {
		t.Fatalf("RouteBatch(split=false) = %q, %v, want sc1, true", target, ok)
	}
}

func TestOnItemClosedSkipsClosedHereChannel(t *testing.T) {
	r, agg := newTestRouter()
	agg.Apply(directory.PerChannelService{ChannelName: "sc1", Name: "SVC", Up: true, AcceptingRequests: true})
	r.RegisterTarget(fakeTarget{name: "sc1", up: true})

	item := &registry.Item{ServiceName: "SVC"}
	r.Route(item)

	r.OnItemClosed(item, "sc1", false)
	if !item.ClosedHere["sc1"] {
		t.Error("ClosedHere[sc1] should be true")
	}

	_, ok := r.Route(item)
	if ok {
		t.Error("should not route back to the only channel which is now closed-here")
	}
}

func TestOnItemOpenOKClearsClosedHere(t *testing.T) {
	r, _ := newTestRouter()
	item := &registry.Item{ServiceName: "SVC", ClosedHere: map[string]bool{"sc1": true}}
	r.Pend(item)

	r.OnItemOpenOK(item)
	if len(item.ClosedHere) != 0 {
		t.Error("ClosedHere should be cleared on OPEN/OK")
	}
	if r.PendingCount() != 0 {
		t.Error("item should be removed from pending list on OPEN/OK")
	}
}
