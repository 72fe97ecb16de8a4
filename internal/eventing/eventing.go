// Package eventing implements the outbound event queue paired with a
// pended-collection-request queue for inverted delivery to user-space
// (spec.md section 4.8). Grounded on the original driver's ioctl.cpp
// DEQUEUE-EVENT handling and public.h's event-record shapes, restructured
// as a Go channel-free queue/slice pair under a mutex rather than a
// doubly-linked LIST_ENTRY.
package eventing

import (
	"sync"

	"github.com/google/uuid"

	"grimm.is/flywall/internal/errors"
)

// Kind tags an event record (spec.md section 6, "Event format").
type Kind int

const (
	KindStartSplitting Kind = iota
	KindStopSplitting
	KindStartSplittingError
	KindStopSplittingError
	KindErrorMessage
)

// Reason is a bitmask describing why a start/stop-splitting event fired.
type Reason uint32

const (
	ReasonByConfig Reason = 1 << iota
	ReasonByInheritance
	ReasonProcessArriving
	ReasonProcessDeparting
)

// Event is a self-describing record: fields are tagged by Kind and carry
// everything a consumer needs without an external schema (spec.md
// section 3, "Events are self-describing byte buffers").
type Event struct {
	ID        uuid.UUID
	Kind      Kind
	Pid       uint64
	Reason    Reason
	ImageName string

	// ErrorMessage/ErrorStatus are populated only for KindErrorMessage.
	ErrorStatus  errors.Kind
	ErrorMessage string
}

// CollectionRequest is a pended DEQUEUE-EVENT call awaiting an event to
// deliver. Deliver is invoked with the event once one becomes available;
// Cancel is invoked at teardown for any request still pending.
type CollectionRequest interface {
	Deliver(Event)
	Cancel()
}

// Queue holds outbound events and pended collection requests, matching
// them as each side arrives (spec.md section 4.8).
type Queue struct {
	mu       sync.Mutex
	events   []Event
	pending  []CollectionRequest
	torndown bool
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Emit appends an event, or — if a collection request is already
// pending — delivers it immediately instead of queuing.
func (q *Queue) Emit(evt Event) {
	q.mu.Lock()
	if q.torndown {
		q.mu.Unlock()
		return
	}
	if len(q.pending) > 0 {
		req := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		req.Deliver(evt)
		return
	}
	q.events = append(q.events, evt)
	q.mu.Unlock()
}

// Collect services a DEQUEUE-EVENT request: if an event is already
// queued it is returned immediately (ok=true); otherwise req is pended
// and the caller should expect delivery via req.Deliver later.
func (q *Queue) Collect(req CollectionRequest) (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.torndown {
		return Event{}, false
	}
	if len(q.events) > 0 {
		evt := q.events[0]
		q.events = q.events[1:]
		return evt, true
	}
	q.pending = append(q.pending, req)
	return Event{}, false
}

// Teardown releases all queued events and cancels all pended requests
// (spec.md section 4.8, "on teardown all queued events are released and
// all pended requests are cancelled").
func (q *Queue) Teardown() {
	q.mu.Lock()
	q.torndown = true
	pending := q.pending
	q.pending = nil
	q.events = nil
	q.mu.Unlock()

	for _, req := range pending {
		req.Cancel()
	}
}

// QueuedCount returns the number of events currently queued awaiting
// collection, used by internal/metrics.
func (q *Queue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// PendingCount returns the number of collection requests currently
// pended awaiting an event.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// NewUUID is a seam so callers needing a correlation id don't import
// github.com/google/uuid directly.
func NewUUID() uuid.UUID {
	return uuid.New()
}
