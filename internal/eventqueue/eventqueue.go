// Package eventqueue implements the Reactor's event pool and the
// lock-guarded queue that the per-channel read loops push onto and
// Dispatch drains (spec.md §4.2, component B; §5 concurrency model).
// Events are pooled rather than allocated per message: *Event values
// are recycled through a bounded free list.
package eventqueue

import (
	"sync"

	"github.com/fathomdata/ommreactor/internal/reactorerr"
)

// Kind classifies what a pooled Event carries.
type Kind int

const (
	KindChannelEvent Kind = iota
	KindMsg
	KindTimerFired
	KindShutdown
)

// Event is a pooled unit of work. Payload holds the concrete event
// (channel.Event, a decoded message, etc.); callers type-assert it.
type Event struct {
	Kind    Kind
	Payload any
	next    *Event
}

// Queue is a lock-guarded FIFO of *Event plus the bounded free list
// that recycles them. The FIFO itself has no length limit. The zero
// value is not usable; use New.
type Queue struct {
	mu     sync.Mutex
	notEmpty *sync.Cond
	head, tail *Event
	count  int

	freeHead *Event
	freeCount int
	maxPooled int

	closed bool
}

// New returns a Queue whose free list holds at most maxPooled retired
// events (spec.md §4.2's maxEventsInPool soft ceiling); events beyond
// that are simply dropped for the GC to collect instead of recycled.
func New(maxPooled int) *Queue {
	if maxPooled <= 0 {
		maxPooled = 10000
	}
	q := &Queue{maxPooled: maxPooled}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Get returns an Event from the free list, or a freshly allocated one
// if the free list is empty.
func (q *Queue) Get(kind Kind, payload any) *Event {
	q.mu.Lock()
	e := q.freeHead
	if e != nil {
		q.freeHead = e.next
		q.freeCount--
	}
	q.mu.Unlock()

	if e == nil {
		e = &Event{}
	}
	e.next = nil
	e.Kind = kind
	e.Payload = payload
	return e
}

// release returns e to the free list, subject to the pool ceiling.
func (q *Queue) release(e *Event) {
	e.Payload = nil
	q.mu.Lock()
	if q.freeCount < q.maxPooled {
		e.next = q.freeHead
		q.freeHead = e
		q.freeCount++
	}
	q.mu.Unlock()
}

// Push enqueues e for a Pop caller. Returns reactorerr.InvalidOperation
// if the queue has been closed.
func (q *Queue) Push(e *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return reactorerr.New(reactorerr.InvalidOperation, "eventqueue: push on closed queue")
	}
	e.next = nil
	if q.tail == nil {
		q.head, q.tail = e, e
	} else {
		q.tail.next = e
		q.tail = e
	}
	q.count++
	q.notEmpty.Signal()
	return nil
}

// Pop removes and returns the head event, blocking until one is
// available or the queue is closed. The second return is false once
// the queue is closed and drained.
func (q *Queue) Pop() (*Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == nil && !q.closed {
		q.notEmpty.Wait()
	}
	if q.head == nil {
		return nil, false
	}
	e := q.head
	q.head = e.next
	if q.head == nil {
		q.tail = nil
	}
	q.count--
	return e, true
}

// TryPop removes and returns the head event without blocking. ok is
// false if the queue was empty.
func (q *Queue) TryPop() (e *Event, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return nil, false
	}
	e = q.head
	q.head = e.next
	if q.head == nil {
		q.tail = nil
	}
	q.count--
	return e, true
}

// Release returns e to the pool after the caller is done with it.
func (q *Queue) Release(e *Event) { q.release(e) }

// Len reports the number of events currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Close marks the queue closed and wakes any blocked Pop callers.
// Further Push calls return an error.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.mu.Unlock()
}
