// Package pending tracks local mutations that were issued to the remote
// store but have not yet been observed in a remote snapshot.
package pending

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-blackswan/roomsync/internal/model"
)

// EntityType names the kind of record a pending write touches.
type EntityType string

const (
	EntityCycle             EntityType = "cycle"
	EntityItem              EntityType = "item"
	EntityGroup             EntityType = "group"
	EntityUnit              EntityType = "unit"
	EntityEvent             EntityType = "event"
	EntityTimer             EntityType = "timer"
	EntityCollapsedCategory EntityType = "collapsed_category"
	EntityCollapsedGroup    EntityType = "collapsed_group"
)

// Op is the effect a pending write has on its entity.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Key identifies the entity a pending write applies to. Scope is the owning
// cycle for per-cycle entities and empty otherwise.
type Key struct {
	Type  EntityType
	Scope string
	ID    string
}

// Status is the delivery state of a pending write.
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Entry is an unconfirmed local write.
type Entry struct {
	Key        Key
	Op         Op
	Path       model.Path
	Value      any
	Fields     map[string]bool // fields covered by an upsert; nil means all
	MutationID string
	Status     Status
	Attempts   int
	LastErr    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Covers reports whether the entry protects the named field.
func (e Entry) Covers(field string) bool {
	if e.Op != OpUpsert {
		return false
	}
	return e.Fields == nil || e.Fields[field]
}

// Acked reports whether the gateway accepted the write. The next snapshot
// of the entity's root confirms an acked entry whatever value it carries.
func (e Entry) Acked() bool { return e.Status == StatusSent }

// Tracker is a concurrency-safe ledger of pending writes, keyed by entity.
type Tracker struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{entries: make(map[Key]*Entry), now: now}
}

// Record registers a write for key and returns the resulting entry. A later
// upsert on an entity with an outstanding upsert widens the covered fields;
// any other combination replaces the entry. fields == nil covers all fields.
func (t *Tracker) Record(key Key, op Op, path model.Path, value any, fields []string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e := &Entry{
		Key:        key,
		Op:         op,
		Path:       path,
		Value:      value,
		MutationID: uuid.New().String(),
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if op == OpUpsert && fields != nil {
		e.Fields = make(map[string]bool, len(fields))
		for _, f := range fields {
			e.Fields[f] = true
		}
	}
	if prev, ok := t.entries[key]; ok {
		e.CreatedAt = prev.CreatedAt
		e.Attempts = prev.Attempts
		if prev.Op == OpUpsert && op == OpUpsert {
			switch {
			case prev.Fields == nil || e.Fields == nil:
				e.Fields = nil
			default:
				for f := range prev.Fields {
					e.Fields[f] = true
				}
			}
		}
	}
	t.entries[key] = e
	return *e
}

// Get returns the entry for key.
func (t *Tracker) Get(key Key) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Current reports whether mutationID is still the outstanding write for key.
func (t *Tracker) Current(key Key, mutationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	return ok && e.MutationID == mutationID
}

// Confirm removes the entry for key once its effect was observed remotely.
func (t *Tracker) Confirm(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	return true
}

// MarkSent records a successful delivery of mutationID. The entry stays
// pending until the next snapshot of its root confirms it.
func (t *Tracker) MarkSent(key Key, mutationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && e.MutationID == mutationID {
		e.Status = StatusSent
		e.Attempts++
		e.LastErr = ""
		e.UpdatedAt = t.now()
	}
}

// MarkFailed records a failed delivery of mutationID.
func (t *Tracker) MarkFailed(key Key, mutationID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && e.MutationID == mutationID {
		e.Status = StatusFailed
		e.Attempts++
		if err != nil {
			e.LastErr = err.Error()
		}
		e.UpdatedAt = t.now()
	}
}

// Requeue flags the entry as queued again and returns it.
func (t *Tracker) Requeue(key Key) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return Entry{}, false
	}
	e.Status = StatusQueued
	e.UpdatedAt = t.now()
	return *e, true
}

// Entries returns the entries of the given type and scope, sorted by key.
// An empty scope with a per-cycle type matches every scope.
func (t *Tracker) Entries(typ EntityType, scope string) []Entry {
	return t.filter(func(e *Entry) bool {
		return e.Key.Type == typ && (scope == "" || e.Key.Scope == scope)
	})
}

// Failed returns every entry whose last delivery failed.
func (t *Tracker) Failed() []Entry {
	return t.filter(func(e *Entry) bool { return e.Status == StatusFailed })
}

// All returns every entry.
func (t *Tracker) All() []Entry {
	return t.filter(func(*Entry) bool { return true })
}

// Len returns the number of pending entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// DropScope discards every entry scoped to the given cycle.
func (t *Tracker) DropScope(scope string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.entries {
		if k.Scope == scope {
			delete(t.entries, k)
			n++
		}
	}
	return n
}

func (t *Tracker) filter(keep func(*Entry) bool) []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		return a.ID < b.ID
	})
	return out
}
