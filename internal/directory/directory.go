// Package directory implements the Directory Aggregator (spec.md §4.7,
// component G): merges per-channel service advertisements into one
// consolidated, re-numbered service catalogue, diffing it once per
// dispatch turn and publishing Added/Updated/Deleted events.
package directory

import (
	"sync"

	"github.com/fathomdata/ommreactor/internal/eventbus"
)

// QoS is a single supported quality-of-service tuple as advertised by
// a provider (rate/timeliness class pair in the wire model; kept
// opaque here since the router only needs equality/containment).
type QoS struct {
	Rate       int
	Timeliness int
}

// PerChannelService is one channel's view of a service, as seen in its
// most recent directory refresh/update.
type PerChannelService struct {
	ChannelName       string
	ConcreteServiceID int32
	Name              string
	Up                bool
	AcceptingRequests bool
	QoS               []QoS
	Capabilities      []int32
}

// AggregatedService is the session's consolidated view of one service
// across every channel that currently advertises it (spec.md §4.1
// "Directory (Service)"). acceptingRequests and serviceState are
// computed OR-across-channels: the aggregate is up/accepting if any
// contributing channel says so.
type AggregatedService struct {
	ID                int64
	Name              string
	Up                bool
	AcceptingRequests bool
	Deleted           bool

	// capRefCount ref-counts each capability across contributing
	// channels so a capability only disappears from the aggregate once
	// every channel that advertised it has dropped it.
	capRefCount map[int32]int
	sources     map[string]PerChannelService
}

// Capabilities returns the aggregated capability list (domains
// supported by at least one contributing channel).
func (s *AggregatedService) Capabilities() []int32 {
	caps := make([]int32, 0, len(s.capRefCount))
	for c, n := range s.capRefCount {
		if n > 0 {
			caps = append(caps, c)
		}
	}
	return caps
}

// Delta summarizes one dispatch turn's changes to the catalogue
// (spec.md §4.1 Session "delta lists").
type Delta struct {
	Added   []string
	Updated []string
	Deleted []string
}

// Aggregator owns the consolidated service catalogue for one Session.
type Aggregator struct {
	mu       sync.Mutex
	byName   map[string]*AggregatedService
	nextID   int64
	pending  Delta
	bus      *eventbus.Bus
}

// New constructs an empty Aggregator.
func New(bus *eventbus.Bus) *Aggregator {
	return &Aggregator{
		byName: make(map[string]*AggregatedService),
		bus:    bus,
	}
}

// ByName returns the aggregated service named name, if present.
func (a *Aggregator) ByName(name string) (*AggregatedService, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byName[name]
	return s, ok
}

// Services returns a snapshot of every non-deleted aggregated service.
func (a *Aggregator) Services() []*AggregatedService {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*AggregatedService, 0, len(a.byName))
	for _, s := range a.byName {
		if !s.Deleted {
			out = append(out, s)
		}
	}
	return out
}

// Apply merges one channel's refresh/update of svc into the
// consolidated catalogue (spec.md §4.7). It is safe to call repeatedly
// as updates arrive; the diff against the previous aggregated state is
// accumulated into the pending Delta and only flushed by FlushDelta,
// so multiple updates inside one dispatch turn collapse into a single
// externally visible change per spec.md's "batched once per dispatch
// turn" requirement.
func (a *Aggregator) Apply(svc PerChannelService) {
	a.mu.Lock()
	defer a.mu.Unlock()

	agg, existed := a.byName[svc.Name]
	if !existed {
		a.nextID++
		agg = &AggregatedService{
			ID:          a.nextID,
			Name:        svc.Name,
			capRefCount: make(map[int32]int),
			sources:     make(map[string]PerChannelService),
		}
		a.byName[svc.Name] = agg
	}

	if prev, had := agg.sources[svc.ChannelName]; had {
		for _, c := range prev.Capabilities {
			agg.capRefCount[c]--
		}
	}
	for _, c := range svc.Capabilities {
		agg.capRefCount[c]++
	}
	agg.sources[svc.ChannelName] = svc

	wasDeleted := agg.Deleted
	agg.Deleted = false
	a.recomputeOR(agg)

	if !existed {
		a.pending.Added = append(a.pending.Added, svc.Name)
	} else if wasDeleted {
		// Re-advertise after full deletion gets a new aggregated id
		// (spec.md scenario 6: "a new session id"), so drop the old
		// entry and mint a fresh one instead of reusing agg.
		delete(a.byName, svc.Name)
		a.nextID++
		fresh := &AggregatedService{
			ID:          a.nextID,
			Name:        svc.Name,
			capRefCount: agg.capRefCount,
			sources:     agg.sources,
			Up:          agg.Up,
			AcceptingRequests: agg.AcceptingRequests,
		}
		a.byName[svc.Name] = fresh
		a.pending.Added = append(a.pending.Added, svc.Name)
	} else {
		a.pending.Updated = append(a.pending.Updated, svc.Name)
	}
}

// ChannelMeetsRequirements reports whether channelName's most recent
// directory advertisement for svcName satisfies requiredQoS and
// requiredCaps (spec.md §4.8: the router's matching predicate checks
// the matched channel's per-channel directory, not just the
// aggregate's Up/AcceptingRequests flags). A nil requiredQoS or empty
// requiredCaps is trivially satisfied.
func (a *Aggregator) ChannelMeetsRequirements(svcName, channelName string, requiredQoS *QoS, requiredCaps []int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	agg, ok := a.byName[svcName]
	if !ok {
		return false
	}
	src, ok := agg.sources[channelName]
	if !ok {
		return false
	}

	if requiredQoS != nil {
		found := false
		for _, q := range src.QoS {
			if q == *requiredQoS {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, want := range requiredCaps {
		has := false
		for _, c := range src.Capabilities {
			if c == want {
				has = true
				break
			}
		}
		if !has {
			return false
		}
	}
	return true
}

// Remove drops channelName's contribution to service name. The
// aggregate is only marked Deleted once every contributing channel has
// dropped it (spec.md scenario 6), never physically removed from the
// catalogue while still referenced by history.
func (a *Aggregator) Remove(channelName, name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	agg, ok := a.byName[name]
	if !ok {
		return
	}
	if prev, had := agg.sources[channelName]; had {
		for _, c := range prev.Capabilities {
			agg.capRefCount[c]--
		}
		delete(agg.sources, channelName)
	}

	if len(agg.sources) == 0 {
		agg.Deleted = true
		agg.Up = false
		agg.AcceptingRequests = false
		a.pending.Deleted = append(a.pending.Deleted, name)
		return
	}

	a.recomputeOR(agg)
	a.pending.Updated = append(a.pending.Updated, name)
}

// recomputeOR recomputes Up/AcceptingRequests as an OR across every
// channel still contributing to agg (spec.md §4.7).
func (a *Aggregator) recomputeOR(agg *AggregatedService) {
	up := false
	accepting := false
	for _, src := range agg.sources {
		if src.Up {
			up = true
		}
		if src.AcceptingRequests {
			accepting = true
		}
	}
	agg.Up = up
	agg.AcceptingRequests = accepting
}

// FlushDelta returns and clears the accumulated Delta, publishing
// eventbus events for each added/updated/deleted service name. Called
// once per dispatch turn (spec.md §4.2).
func (a *Aggregator) FlushDelta() Delta {
	a.mu.Lock()
	d := a.pending
	a.pending = Delta{}
	a.mu.Unlock()

	for _, n := range d.Added {
		a.bus.Publish(eventbus.Event{Source: eventbus.SourceDirectory, Kind: eventbus.KindServiceAdded, Data: map[string]any{"service": n}})
	}
	for _, n := range d.Updated {
		a.bus.Publish(eventbus.Event{Source: eventbus.SourceDirectory, Kind: eventbus.KindServiceUpdated, Data: map[string]any{"service": n}})
	}
	for _, n := range d.Deleted {
		a.bus.Publish(eventbus.Event{Source: eventbus.SourceDirectory, Kind: eventbus.KindServiceDeleted, Data: map[string]any{"service": n}})
	}
	return d
}
