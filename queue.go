package mktdata

import (
	"context"
	"slices"
	"sync"
	"time"
)

const eventQueueCapacity = 64

// EventQueue is a dedicated inbound channel for one exchange. Events whose
// correlation id is bound to the queue bypass the session's main stream.
// Each queue has exactly one consumer.
type EventQueue struct {
	ch        chan Event
	session   *Session
	mu        sync.Mutex
	bound     []CorrelationID
	closeOnce sync.Once
	done      chan struct{}
}

func newEventQueue(s *Session) *EventQueue {
	return &EventQueue{
		ch:      make(chan Event, eventQueueCapacity),
		session: s,
		done:    make(chan struct{}),
	}
}

// NextEvent blocks until an event, the timeout or ctx cancellation.
// A timeout yields an event of type EventTimeout rather than an error.
func (q *EventQueue) NextEvent(ctx context.Context, timeout time.Duration) (Event, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case ev := <-q.ch:
		return ev, nil
	case <-q.done:
		return Event{}, ErrQueueClosed
	case <-timer:
		return Event{Type: EventTimeout}, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close unbinds every correlation id routed to this queue and releases them.
func (q *EventQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		bound := q.bound
		q.bound = nil
		q.mu.Unlock()
		for _, id := range bound {
			q.session.unbindQueue(id)
			q.session.correlations.release(id)
		}
		close(q.done)
	})
}

func (q *EventQueue) track(id CorrelationID) {
	q.mu.Lock()
	q.bound = append(q.bound, id)
	q.mu.Unlock()
}

// untrack stops Close from releasing id.
func (q *EventQueue) untrack(id CorrelationID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bound = slices.DeleteFunc(q.bound, func(b CorrelationID) bool { return b == id })
}

// deliver never blocks past queue or session shutdown.
func (q *EventQueue) deliver(ev Event) bool {
	select {
	case q.ch <- ev:
		return true
	case <-q.done:
		return false
	case <-q.session.ctx.Done():
		return false
	}
}

// offer delivers without blocking.
func (q *EventQueue) offer(ev Event) {
	select {
	case q.ch <- ev:
	default:
	}
}
