// Package eventlog deduplicates and merges per-item completion events so
// that each item carries at most one event per calendar day.
package eventlog

import (
	"sort"
	"time"

	"github.com/p-blackswan/roomsync/internal/model"
)

// Log maps an item ID to its completion events, oldest first.
type Log map[string][]model.CompletionEvent

// Key identifies the single event slot of an item on a day.
type Key struct {
	ItemID string
	Day    model.Day
}

// Clone returns a deep copy of l.
func (l Log) Clone() Log {
	out := make(Log, len(l))
	for id, evs := range l {
		if len(evs) == 0 {
			continue
		}
		cp := make([]model.CompletionEvent, len(evs))
		copy(cp, evs)
		out[id] = cp
	}
	return out
}

// Len returns the total number of events.
func (l Log) Len() int {
	n := 0
	for _, evs := range l {
		n += len(evs)
	}
	return n
}

// Identical reports whether two events are the same log entry: same calendar
// day and same actor.
func Identical(a, b model.CompletionEvent, loc *time.Location) bool {
	return a.Day(loc) == b.Day(loc) && a.ActorID == b.ActorID
}

// Insert returns a copy of l with any event for the candidate's item and day
// replaced by the candidate.
func Insert(l Log, ev model.CompletionEvent, loc *time.Location) Log {
	out := Remove(l, ev.ItemID, ev.Day(loc), loc)
	out[ev.ItemID] = sortEvents(append(out[ev.ItemID], ev))
	return out
}

// Remove returns a copy of l without the events of item on day. Removing the
// last event of an item prunes the item.
func Remove(l Log, itemID string, day model.Day, loc *time.Location) Log {
	out := l.Clone()
	evs := out[itemID]
	kept := evs[:0]
	for _, ev := range evs {
		if ev.Day(loc) != day {
			kept = append(kept, ev)
		}
	}
	if len(kept) == 0 {
		delete(out, itemID)
	} else {
		out[itemID] = kept
	}
	return out
}

// Dedup collapses l to at most one event per item and day. Among duplicates
// the latest timestamp wins, then the greater actor ID.
func Dedup(l Log, loc *time.Location) Log {
	out := make(Log, len(l))
	for key, ev := range Index(l, loc) {
		out[key.ItemID] = append(out[key.ItemID], ev)
	}
	for id := range out {
		sortEvents(out[id])
	}
	return out
}

// Index returns the deduplicated events of l keyed by item and day.
func Index(l Log, loc *time.Location) map[Key]model.CompletionEvent {
	idx := make(map[Key]model.CompletionEvent, l.Len())
	for id, evs := range l {
		for _, ev := range evs {
			if ev.ItemID == "" {
				ev.ItemID = id
			}
			k := Key{ItemID: id, Day: ev.Day(loc)}
			if cur, ok := idx[k]; !ok || wins(ev, cur) {
				idx[k] = ev
			}
		}
	}
	return idx
}

// Merge combines a local and a remote log. The result holds the union of
// item/day keys; where both sides have an event for a key the remote event
// is kept.
func Merge(local, remote Log, loc *time.Location) Log {
	idx := Index(remote, loc)
	for k, ev := range Index(local, loc) {
		if _, ok := idx[k]; !ok {
			idx[k] = ev
		}
	}
	out := make(Log, len(idx))
	for k, ev := range idx {
		out[k.ItemID] = append(out[k.ItemID], ev)
	}
	for id := range out {
		sortEvents(out[id])
	}
	return out
}

// Has reports whether item has an event on day.
func Has(l Log, itemID string, day model.Day, loc *time.Location) bool {
	for _, ev := range l[itemID] {
		if ev.Day(loc) == day {
			return true
		}
	}
	return false
}

// DoneOn returns the set of item IDs with an event on day.
func DoneOn(l Log, day model.Day, loc *time.Location) map[string]bool {
	done := make(map[string]bool)
	for id, evs := range l {
		for _, ev := range evs {
			if ev.Day(loc) == day {
				done[id] = true
				break
			}
		}
	}
	return done
}

// Since returns a copy of l without events dated strictly before day.
func Since(l Log, day model.Day, loc *time.Location) Log {
	out := make(Log, len(l))
	for id, evs := range l {
		for _, ev := range evs {
			if !ev.Day(loc).Before(day) {
				out[id] = append(out[id], ev)
			}
		}
	}
	return out
}

// Keys returns the item/day keys present in l, sorted.
func Keys(l Log, loc *time.Location) []Key {
	idx := Index(l, loc)
	keys := make([]Key, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ItemID != keys[j].ItemID {
			return keys[i].ItemID < keys[j].ItemID
		}
		return keys[i].Day < keys[j].Day
	})
	return keys
}

func wins(a, b model.CompletionEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ActorID > b.ActorID
}

func sortEvents(evs []model.CompletionEvent) []model.CompletionEvent {
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].Timestamp.Equal(evs[j].Timestamp) {
			return evs[i].Timestamp.Before(evs[j].Timestamp)
		}
		return evs[i].ActorID < evs[j].ActorID
	})
	return evs
}
