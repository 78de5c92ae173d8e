package mktdata

import (
	"fmt"
	"slices"
	"sync"
)

// CorrelationID links a request or subscription to its asynchronous
// responses. It indexes the session's table of pending request contexts;
// zero means uncorrelated.
type CorrelationID uint64

type correlationKind int

const (
	kindRequest correlationKind = iota + 1
	kindSubscription
	kindToken
	kindService
	kindIdentity
)

func (k correlationKind) String() string {
	switch k {
	case kindRequest:
		return "request"
	case kindSubscription:
		return "subscription"
	case kindToken:
		return "token"
	case kindService:
		return "service"
	case kindIdentity:
		return "identity"
	default:
		return "unknown"
	}
}

type pendingEntry struct {
	kind      correlationKind
	value     any
	topic     string
	submitted bool
}

type correlationTable struct {
	mu      sync.Mutex
	next    CorrelationID
	entries map[CorrelationID]*pendingEntry
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{entries: make(map[CorrelationID]*pendingEntry)}
}

// reserve allocates an id for a caller context that has not been submitted yet.
func (t *correlationTable) reserve(kind correlationKind, value any) CorrelationID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocateLocked(&pendingEntry{kind: kind, value: value})
}

func (t *correlationTable) allocateLocked(e *pendingEntry) CorrelationID {
	for {
		t.next++
		if t.next == 0 {
			continue
		}
		if _, taken := t.entries[t.next]; !taken {
			t.entries[t.next] = e
			return t.next
		}
	}
}

// claim marks id as submitted. A zero id is allocated; a reserved id is
// taken over; an id already submitted is rejected.
func (t *correlationTable) claim(id CorrelationID, kind correlationKind, value any, topic string) (CorrelationID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id == 0 {
		return t.allocateLocked(&pendingEntry{kind: kind, value: value, topic: topic, submitted: true}), nil
	}

	e, ok := t.entries[id]
	switch {
	case !ok:
		t.entries[id] = &pendingEntry{kind: kind, value: value, topic: topic, submitted: true}
	case e.submitted:
		return 0, fmt.Errorf("claim correlation %d: %w", id, ErrDuplicateCorrelationID)
	default:
		e.kind = kind
		e.topic = topic
		e.submitted = true
		if e.value == nil {
			e.value = value
		}
	}
	return id, nil
}

func (t *correlationTable) lookup(id CorrelationID) (pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return pendingEntry{}, false
	}
	return *e, true
}

func (t *correlationTable) release(id CorrelationID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

func (t *correlationTable) count(kind correlationKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.kind == kind && e.submitted {
			n++
		}
	}
	return n
}

// submitted lists the submitted ids of the given kinds in ascending order.
func (t *correlationTable) submitted(kinds ...correlationKind) []CorrelationID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []CorrelationID
	for id, e := range t.entries {
		if e.submitted && slices.Contains(kinds, e.kind) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (t *correlationTable) setKind(id CorrelationID, kind correlationKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.kind = kind
	}
}
