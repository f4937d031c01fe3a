// Package send implements the client-initiated "Send" report queue
// (spec §4.9): a bounded FIFO of pending reports chained into the
// exchange engine one at a time.
package send

import (
	"errors"

	"github.com/google/uuid"
	"github.com/samsamfire/lwm2mclient/pkg/coap"
	"github.com/samsamfire/lwm2mclient/pkg/dm"
	"github.com/samsamfire/lwm2mclient/internal/ring"
)

// ErrQueueFull is returned by Enqueue when the ring has no free slot.
var ErrQueueFull = errors.New("send: queue full")

// ErrNotRegistered is returned when Enqueue is attempted while the
// checker reports the client may not send: not REGISTERED, or the
// Mute-Send resource true (RegisteredChecker.CanSend covers both).
var ErrNotRegistered = errors.New("send: client is not registered")

// ErrMuted names a Mute-Send rejection; Enqueue does not return it and
// reports a muted client as ErrNotRegistered.
var ErrMuted = errors.New("send: server has muted client sends")

// IDAll is the reserved id used by AbortAll-style bulk operations; real
// report ids never take this value (spec §4.9).
const IDAll uint32 = 0

// CompletionFunc is invoked exactly once per report, success or not.
type CompletionFunc func(result coap.Result)

// Report is one pending client-initiated report.
type Report struct {
	ID            uint32
	CorrelationID uuid.UUID
	Records       []dm.Entry
	ContentFormat coap.ContentFormat
	Confirmable   bool
	OnComplete    CompletionFunc
}

// Queue is the bounded send-report FIFO.
type Queue struct {
	ring    *ring.Ring[*Report]
	nextID  uint32
	current *Report
}

// NewQueue creates a queue holding up to capacity reports.
func NewQueue(capacity int) *Queue {
	return &Queue{ring: ring.New[*Report](capacity + 1), nextID: 1}
}

// RegisteredChecker reports whether the client may currently send, i.e.
// is REGISTERED and Mute-Send is false. pkg/core implements this.
type RegisteredChecker interface {
	CanSend() bool
}

// Enqueue appends a new report, assigning it a non-zero, monotonically
// increasing id that wraps past 0 and IDAll.
func (q *Queue) Enqueue(checker RegisteredChecker, records []dm.Entry, format coap.ContentFormat, confirmable bool, onComplete CompletionFunc) (uint32, error) {
	if checker != nil && !checker.CanSend() {
		return 0, ErrNotRegistered
	}
	id := q.nextID
	q.nextID++
	if q.nextID == IDAll {
		q.nextID++
	}
	report := &Report{ID: id, CorrelationID: uuid.New(), Records: records, ContentFormat: format, Confirmable: confirmable, OnComplete: onComplete}
	if !q.ring.Push(report) {
		return 0, ErrQueueFull
	}
	return id, nil
}

// Head returns the oldest queued report without removing it, for the
// register session's "send queue has head" idle check (spec §4.5).
func (q *Queue) Head() (*Report, bool) {
	return q.ring.Peek()
}

// BeginSend pops the head report as the one currently handed to the
// exchange engine.
func (q *Queue) BeginSend() (*Report, bool) {
	r, ok := q.ring.Pop()
	if ok {
		q.current = r
	}
	return r, ok
}

// Complete finalises the report currently being sent, invoking its
// completion handler exactly once.
func (q *Queue) Complete(result coap.Result) {
	if q.current == nil {
		return
	}
	r := q.current
	q.current = nil
	if r.OnComplete != nil {
		r.OnComplete(result)
	}
}

// AbortAll invokes every queued (and the in-flight, if any) report's
// completion handler exactly once with ResultErrorTerminated, then
// empties the queue.
func (q *Queue) AbortAll() {
	if q.current != nil {
		q.Complete(coap.ResultErrorTerminated)
	}
	for {
		r, ok := q.ring.Pop()
		if !ok {
			break
		}
		if r.OnComplete != nil {
			r.OnComplete(coap.ResultErrorTerminated)
		}
	}
}

// AbortOne cancels a single queued report by id, preserving FIFO order
// of the rest by compacting the queue (spec: "abort-one preserves FIFO
// order by compacting the queue").
func (q *Queue) AbortOne(id uint32) bool {
	n := q.ring.Len()
	found := false
	for i := 0; i < n; i++ {
		r, ok := q.ring.Pop()
		if !ok {
			break
		}
		if !found && r.ID == id {
			found = true
			if r.OnComplete != nil {
				r.OnComplete(coap.ResultErrorTerminated)
			}
			continue
		}
		q.ring.Push(r)
	}
	return found
}

// Len reports the number of reports waiting (not counting one in
// flight).
func (q *Queue) Len() int { return q.ring.Len() }
