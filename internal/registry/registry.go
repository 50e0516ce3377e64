// Package registry implements the Item & Stream-ID Registry (spec.md
// §4.1/§4.8, component I): allocates wire stream ids, maps them to
// Item handles, and keeps a sparse sub-item table for tunnel streams.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/fathomdata/ommreactor/internal/directory"
	"github.com/fathomdata/ommreactor/internal/reactorerr"
)

// Domain-specific starting points for stream id allocation (spec.md
// §4.8): consumer ids start at 4 (0-3 are reserved for login/
// directory/dictionary-field/dictionary-enum on most wire profiles),
// provider ids start at 0 and count downward by convention for
// dictionary items.
const (
	ConsumerStreamIDStart int32 = 4
	ProviderStreamIDStart int32 = 0

	maxStreamID = int32(1<<31 - 1) // INT_MAX
)

// Item is a user subscription, polymorphic over the wire domains
// spec.md §4.1 names. The registry only needs enough of it to route
// and to replay the original request on reconnect.
type Item struct {
	Handle          uuid.UUID
	StreamID        int32
	Domain          string
	ServiceName     string
	ServiceListName string
	SessionChannel  string
	RequestPayload  []byte
	// ClosedHere tracks, per session channel name, whether this item has
	// already been rejected there — used to avoid immediately
	// re-routing an item back to a channel that just closed it
	// (spec.md §4.1 "already-closed-here" bitmap).
	ClosedHere map[string]bool
	// RequiredQoS, if non-nil, is the quality-of-service tuple a
	// candidate channel's per-channel directory advertisement must
	// carry for this item's service (spec.md §4.8 matching predicate).
	RequiredQoS *directory.QoS
	// RequiredCapabilities lists capability domains a candidate
	// channel's per-channel directory advertisement must all carry.
	RequiredCapabilities []int32
}

// BatchItem groups a contiguous vector of child single-item requests
// under one parent handle (spec.md §4.1's polymorphic Item hierarchy).
// Children are opened individually; Parent only ever gets a stream id
// when the registry is not near wraparound (spec.md §4.8).
type BatchItem struct {
	Parent   *Item
	Children []*Item
}

// nearWrapFraction is how close nextConsumerID must be to maxStreamID
// before allocation is considered "near wrap" (spec.md §4.8's
// batch-split trigger): opening a whole batch of single ids at once
// is exactly the kind of allocation burst that should be avoided once
// the id space is this tight.
const nearWrapFraction = 0.9

// Registry owns stream id allocation and the handle/stream-id indexes
// for one Session.
type Registry struct {
	mu sync.Mutex

	nextConsumerID int32
	byStreamID     map[int32]*Item
	byHandle       map[uuid.UUID]*Item

	// tunnelSubItems is a sparse free-list-backed table of sub-items per
	// parent tunnel stream id (spec.md §4.1 "TunnelItem").
	tunnelSubItems map[int32][]*Item
	tunnelFree     map[int32][]int
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		nextConsumerID: ConsumerStreamIDStart,
		byStreamID:     make(map[int32]*Item),
		byHandle:       make(map[uuid.UUID]*Item),
		tunnelSubItems: make(map[int32][]*Item),
		tunnelFree:     make(map[int32][]int),
	}
}

// numberOfActiveStreams reports how many stream ids are currently
// allocated; callers must hold r.mu.
func (r *Registry) numberOfActiveStreams() int { return len(r.byStreamID) }

// NearWrap reports whether the consumer stream-id allocator is within
// nearWrapFraction of wrapping back to ConsumerStreamIDStart. Callers
// use this to decide whether a batch request must be split into
// standalone single-item requests rather than allocated as one unit
// (spec.md §4.8).
func (r *Registry) NearWrap() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isNearWrapLocked()
}

func (r *Registry) isNearWrapLocked() bool {
	return float64(r.nextConsumerID) >= float64(maxStreamID)*nearWrapFraction
}

// OpenBatch allocates stream ids for batch, applying spec.md §4.8's
// near-wrap split: if the allocator is near wraparound, the batch
// parent is never opened as its own wire stream — instead every child
// is opened individually as a standalone single-item request, and
// split reports true so the caller can acknowledge-then-close the
// batch placeholder immediately. Otherwise the parent alone is opened
// and children are left unopened, as ordinary batch members.
func (r *Registry) OpenBatch(batch *BatchItem) (split bool, err error) {
	r.mu.Lock()
	nearWrap := r.isNearWrapLocked()
	r.mu.Unlock()

	if nearWrap {
		for _, child := range batch.Children {
			if _, _, err := r.Open(child); err != nil {
				return true, err
			}
		}
		return true, nil
	}

	if _, _, err := r.Open(batch.Parent); err != nil {
		return false, err
	}
	return false, nil
}

// Open allocates a stream id for item and registers it under a fresh
// handle. Allocation is monotonically increasing until INT_MAX-1, then
// wraps to ConsumerStreamIDStart and probes for an unused id bounded
// at 2x the number of currently active streams (SPEC_FULL.md
// SUPPLEMENTED FEATURES #3); exceeding that bound fails the open with
// an internal error rather than looping forever.
func (r *Registry) Open(item *Item) (uuid.UUID, int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.allocateStreamID()
	if err != nil {
		return uuid.UUID{}, 0, err
	}

	item.Handle = uuid.New()
	item.StreamID = id
	if item.ClosedHere == nil {
		item.ClosedHere = make(map[string]bool)
	}

	r.byStreamID[id] = item
	r.byHandle[item.Handle] = item
	return item.Handle, id, nil
}

func (r *Registry) allocateStreamID() (int32, error) {
	if r.nextConsumerID < maxStreamID-1 {
		id := r.nextConsumerID
		r.nextConsumerID++
		if _, taken := r.byStreamID[id]; !taken {
			return id, nil
		}
		// Fall through to probing; the fast path id collided with a
		// previously wrapped allocation still in use.
	} else {
		r.nextConsumerID = ConsumerStreamIDStart
	}

	bound := 2 * r.numberOfActiveStreams()
	if bound < 2 {
		bound = 2
	}
	probe := r.nextConsumerID
	for i := 0; i < bound; i++ {
		if _, taken := r.byStreamID[probe]; !taken {
			r.nextConsumerID = probe + 1
			return probe, nil
		}
		probe++
		if probe >= maxStreamID-1 {
			probe = ConsumerStreamIDStart
		}
	}
	return 0, reactorerr.New(reactorerr.InternalError, "registry: stream id space exhausted after bounded probe")
}

// ByStreamID looks up an Item by its wire stream id.
func (r *Registry) ByStreamID(id int32) (*Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.byStreamID[id]
	return it, ok
}

// ByHandle looks up an Item by its registry handle.
func (r *Registry) ByHandle(h uuid.UUID) (*Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.byHandle[h]
	return it, ok
}

// Close removes item from both indexes, freeing its stream id for
// reuse once the id space wraps.
func (r *Registry) Close(h uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.byHandle[h]
	if !ok {
		return
	}
	delete(r.byHandle, h)
	delete(r.byStreamID, it.StreamID)
}

// AddTunnelSubItem appends a sub-item under parentStreamID, reusing a
// freed slot if one exists, and returns its sub-item index.
func (r *Registry) AddTunnelSubItem(parentStreamID int32, item *Item) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if free := r.tunnelFree[parentStreamID]; len(free) > 0 {
		idx := free[len(free)-1]
		r.tunnelFree[parentStreamID] = free[:len(free)-1]
		r.tunnelSubItems[parentStreamID][idx] = item
		return idx
	}
	r.tunnelSubItems[parentStreamID] = append(r.tunnelSubItems[parentStreamID], item)
	return len(r.tunnelSubItems[parentStreamID]) - 1
}

// RemoveTunnelSubItem clears the sub-item at idx and returns its slot
// to the free list for parentStreamID.
func (r *Registry) RemoveTunnelSubItem(parentStreamID int32, idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.tunnelSubItems[parentStreamID]
	if idx < 0 || idx >= len(items) {
		return
	}
	items[idx] = nil
	r.tunnelFree[parentStreamID] = append(r.tunnelFree[parentStreamID], idx)
}
