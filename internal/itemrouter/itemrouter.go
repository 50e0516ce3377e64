// Package itemrouter implements the Request Router (spec.md §4.1/§4.8,
// component H): matches outstanding item subscriptions to session
// channels by precedence (service-list name, then service name; there
// is no lookup by numeric service id), round-robins over service lists with a
// persistent per-list cursor, and recovers items on service or channel
// loss.
package itemrouter

import (
	"sync"

	"github.com/fathomdata/ommreactor/internal/directory"
	"github.com/fathomdata/ommreactor/internal/eventbus"
	"github.com/fathomdata/ommreactor/internal/metrics"
	"github.com/fathomdata/ommreactor/internal/registry"
	"github.com/fathomdata/ommreactor/internal/session"
)

// Target names one routable session channel and exposes just what the
// router needs to decide eligibility, without pulling in the channel
// package's full state machine.
type Target interface {
	Name() string
	Up() bool
	RoutingLocked() bool
}

// ServiceList names an ordered set of service names the router should
// round-robin over for items that request it by list name (spec.md
// §4.1 router precedence rule 1).
type ServiceList struct {
	Name     string
	Services []string
}

// Router resolves item subscriptions to session channels and keeps a
// pending-request list for items that have no eligible target yet.
type Router struct {
	mu sync.Mutex

	lists      map[string]*ServiceList
	cursors    map[string]int // per-service-list round-robin cursor, persists across rebuilds
	targets    map[string]Target
	aggregator *directory.Aggregator
	reg        *registry.Registry
	bus        *eventbus.Bus

	pending []*registry.Item

	// EnhancedItemRecovery defaults off (spec.md §9's Open Question).
	// When set, OnItemClosed attempts an immediate re-route while the
	// old socket is still live instead of pending the item. The router
	// has no OPEN/SUSPECT handler, so the flag does not act on
	// OPEN/SUSPECT status.
	EnhancedItemRecovery bool
}

// New constructs an empty Router.
func New(agg *directory.Aggregator, reg *registry.Registry, bus *eventbus.Bus) *Router {
	return &Router{
		lists:      make(map[string]*ServiceList),
		cursors:    make(map[string]int),
		targets:    make(map[string]Target),
		aggregator: agg,
		reg:        reg,
		bus:        bus,
	}
}

// RegisterServiceList adds or replaces a named service list. The
// round-robin cursor for listName is preserved across replacement so
// a directory rebuild does not restart rotation from the beginning
// (SPEC_FULL.md SUPPLEMENTED FEATURES #2a).
func (r *Router) RegisterServiceList(list ServiceList) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists[list.Name] = &list
	if _, ok := r.cursors[list.Name]; !ok {
		r.cursors[list.Name] = 0
	}
}

// RegisterTarget adds or replaces a routable session channel target.
func (r *Router) RegisterTarget(t Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[t.Name()] = t
}

// Route resolves item to a session channel name: an explicit
// service-list name takes precedence over an explicit service name.
// There is no separate numeric service id step; a decimal string in
// item.ServiceName is looked up as a service name like any other. Returns
// ("", false) when no channel is currently eligible, in which case the
// caller should append item to the pending-request list via Pend.
func (r *Router) Route(item *registry.Item) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item.ServiceListName != "" {
		if target, ok := r.routeServiceList(item); ok {
			return target, true
		}
		return "", false
	}

	if item.ServiceName != "" {
		return r.routeSingleService(item, item.ServiceName)
	}

	return "", false
}

func (r *Router) routeServiceList(item *registry.Item) (string, bool) {
	list, ok := r.lists[item.ServiceListName]
	if !ok || len(list.Services) == 0 {
		return "", false
	}

	n := len(list.Services)
	start := r.cursors[item.ServiceListName] % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		svcName := list.Services[idx]
		if target, ok := r.eligibleTargetForService(item, svcName); ok {
			r.cursors[item.ServiceListName] = (idx + 1) % n
			return target, true
		}
	}
	return "", false
}

func (r *Router) routeSingleService(item *registry.Item, svcName string) (string, bool) {
	return r.eligibleTargetForService(item, svcName)
}

// eligibleTargetForService implements the matching predicate spec.md
// §4.1/§4.8 names: the service must resolve to a non-deleted
// aggregated service that is up and accepts requests, on a channel not
// already marked closed-here for this item, whose routing is not
// currently locked by an in-flight preferred-host switch, and whose
// own per-channel directory advertisement satisfies the item's
// QoS/capability requirements.
func (r *Router) eligibleTargetForService(item *registry.Item, svcName string) (string, bool) {
	svc, ok := r.aggregator.ByName(svcName)
	if !ok || svc.Deleted || !svc.Up || !svc.AcceptingRequests {
		return "", false
	}

	for name, target := range r.targets {
		if item.ClosedHere[name] {
			continue
		}
		if target.RoutingLocked() {
			continue
		}
		if !target.Up() {
			continue
		}
		if !r.aggregator.ChannelMeetsRequirements(svcName, name, item.RequiredQoS, item.RequiredCapabilities) {
			continue
		}
		return name, true
	}
	return "", false
}

// RouteBatch resolves a batch item's target, implementing spec.md
// §4.8's near-wrap split: when the registry's stream-id allocator is
// near wraparound, the batch is never routed as a single wire stream.
// Instead split is returned true, each child has already been opened
// individually by registry.OpenBatch and is routed (or pended) as its
// own standalone single-item request, and the caller is responsible
// for acknowledging-then-closing the batch's placeholder stream
// immediately. When not near wrap, the parent is routed normally.
func (r *Router) RouteBatch(batch *registry.BatchItem, split bool) (target string, ok bool) {
	if split {
		for _, child := range batch.Children {
			if t, ok := r.Route(child); ok {
				r.bus.Publish(eventbus.Event{
					Source: eventbus.SourceRouter,
					Kind:   eventbus.KindItemRouted,
					Data:   map[string]any{"stream_id": child.StreamID, "target": t, "split_from_batch": true},
				})
			} else {
				r.Pend(child)
			}
		}
		return "", false
	}
	return r.Route(batch.Parent)
}

// Pend appends item to the pending-request list and emits OPEN/SUSPECT
// (spec.md §4.1 router rule: "otherwise, append to pendingRequestList
// and emit OPEN/SUSPECT").
func (r *Router) Pend(item *registry.Item) {
	r.mu.Lock()
	r.pending = append(r.pending, item)
	depth := len(r.pending)
	r.mu.Unlock()
	metrics.RouterPendingDepth.Set(float64(depth))

	r.bus.Publish(eventbus.Event{
		Source: eventbus.SourceRouter,
		Kind:   eventbus.KindItemReroute,
		Data:   map[string]any{"stream_id": item.StreamID, "status": "OPEN/SUSPECT"},
	})
}

// OnItemClosed marks item closed-here on channelName (so it will not
// be immediately re-routed back there) and, if EnhancedItemRecovery is
// enabled and the underlying channel socket is still live, attempts an
// immediate re-route; otherwise it moves to the pending list.
func (r *Router) OnItemClosed(item *registry.Item, channelName string, socketStillLive bool) {
	if item.ClosedHere == nil {
		item.ClosedHere = make(map[string]bool)
	}
	item.ClosedHere[channelName] = true

	if r.EnhancedItemRecovery && socketStillLive {
		if target, ok := r.Route(item); ok {
			r.bus.Publish(eventbus.Event{
				Source: eventbus.SourceRouter,
				Kind:   eventbus.KindItemReroute,
				Data:   map[string]any{"stream_id": item.StreamID, "new_target": target},
			})
			return
		}
	}
	r.Pend(item)
}

// OnItemOpenOK clears item's entire closed-here bitmap (the item is
// healthy again) and removes it from the pending list, per spec.md
// §4.1's router rule for OPEN/OK.
func (r *Router) OnItemOpenOK(item *registry.Item) {
	item.ClosedHere = make(map[string]bool)

	r.mu.Lock()
	for i, p := range r.pending {
		if p == item {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	depth := len(r.pending)
	r.mu.Unlock()
	metrics.RouterPendingDepth.Set(float64(depth))

	r.bus.Publish(eventbus.Event{
		Source: eventbus.SourceRouter,
		Kind:   eventbus.KindItemRouted,
		Data:   map[string]any{"stream_id": item.StreamID, "status": "OPEN/OK"},
	})
}

// PendingCount returns the number of items on the pending-request
// list, used for metrics (spec.md's router pending-queue depth gauge).
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// sessionChannelTarget adapts a *session.SessionChannel to the Target
// interface this package routes against, keeping itemrouter decoupled
// from session's concrete status/listener plumbing.
type sessionChannelTarget struct {
	sc *session.SessionChannel
}

// NewSessionChannelTarget wraps sc as a routable Target.
func NewSessionChannelTarget(sc *session.SessionChannel) Target {
	return sessionChannelTarget{sc: sc}
}

func (t sessionChannelTarget) Name() string { return t.sc.Name }
func (t sessionChannelTarget) Up() bool     { return t.sc.Status() == session.StatusOpenOK }
func (t sessionChannelTarget) RoutingLocked() bool { return t.sc.RoutingLocked() }
