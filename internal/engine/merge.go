package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/eventlog"
	"github.com/p-blackswan/roomsync/internal/gateway"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
	"github.com/p-blackswan/roomsync/internal/store"
	"github.com/p-blackswan/roomsync/internal/timer"
)

// field is one mergeable attribute of an entity.
type field[T any] struct {
	name  string
	equal func(a, b T) bool
	keep  func(dst *T, src T)
}

var cycleFields = []field[model.Cycle]{
	{"name", func(a, b model.Cycle) bool { return a.Name == b.Name }, func(d *model.Cycle, s model.Cycle) { d.Name = s.Name }},
	{"number", func(a, b model.Cycle) bool { return a.Number == b.Number }, func(d *model.Cycle, s model.Cycle) { d.Number = s.Number }},
	{"startDate", func(a, b model.Cycle) bool { return a.StartDate == b.StartDate }, func(d *model.Cycle, s model.Cycle) { d.StartDate = s.StartDate }},
	{"challengeDate", func(a, b model.Cycle) bool { return a.ChallengeDate == b.ChallengeDate }, func(d *model.Cycle, s model.Cycle) { d.ChallengeDate = s.ChallengeDate }},
}

var itemFields = []field[model.Item]{
	{"name", func(a, b model.Item) bool { return a.Name == b.Name }, func(d *model.Item, s model.Item) { d.Name = s.Name }},
	{"category", func(a, b model.Item) bool { return a.Category == b.Category }, func(d *model.Item, s model.Item) { d.Category = s.Category }},
	{"dose", func(a, b model.Item) bool { return equalDose(a.Dose, b.Dose) }, func(d *model.Item, s model.Item) { d.Dose = cloneItem(s).Dose }},
	{"unit", func(a, b model.Item) bool { return a.Unit == b.Unit }, func(d *model.Item, s model.Item) { d.Unit = s.Unit }},
	{"weeklyDoses", func(a, b model.Item) bool { return equalWeekly(a.WeeklyDoses, b.WeeklyDoses) }, func(d *model.Item, s model.Item) { d.WeeklyDoses = cloneItem(s).WeeklyDoses }},
	{"order", func(a, b model.Item) bool { return a.Order == b.Order }, func(d *model.Item, s model.Item) { d.Order = s.Order }},
}

var groupFields = []field[model.GroupedItem]{
	{"name", func(a, b model.GroupedItem) bool { return a.Name == b.Name }, func(d *model.GroupedItem, s model.GroupedItem) { d.Name = s.Name }},
	{"category", func(a, b model.GroupedItem) bool { return a.Category == b.Category }, func(d *model.GroupedItem, s model.GroupedItem) { d.Category = s.Category }},
	{"itemIds", func(a, b model.GroupedItem) bool { return reflect.DeepEqual(a.ItemIDs, b.ItemIDs) }, func(d *model.GroupedItem, s model.GroupedItem) { d.ItemIDs = cloneGroup(s).ItemIDs }},
}

var unitFields = []field[model.Unit]{
	{"name", func(a, b model.Unit) bool { return a.Name == b.Name }, func(d *model.Unit, s model.Unit) { d.Name = s.Name }},
}

// changedFields lists the fields that differ between a and b.
func changedFields[T any](fields []field[T], a, b T) []string {
	var out []string
	for _, f := range fields {
		if !f.equal(a, b) {
			out = append(out, f.name)
		}
	}
	return out
}

// collection describes one keyed entity set for mergeCollection.
type collection[T any] struct {
	typ    pending.EntityType
	scope  string
	fields []field[T]
	id     func(T) string
}

// mergeCollection reconciles local entities with a remote snapshot.
//
// Pending writes the gateway acknowledged, or that the snapshot already
// reflects, are confirmed first. Then
// every remote entity is taken as is, except that fields covered by a
// pending upsert keep their local value and entities with a pending delete
// stay deleted. Local-only entities survive only while an upsert is pending.
func mergeCollection[T any](tr *pending.Tracker, c collection[T], local map[string]T, remote []T) map[string]T {
	byID := make(map[string]T, len(remote))
	for _, r := range remote {
		byID[c.id(r)] = r
	}

	entries := make(map[string]pending.Entry)
	for _, en := range tr.Entries(c.typ, c.scope) {
		if en.Key.Scope != c.scope {
			continue
		}
		if en.Acked() {
			tr.Confirm(en.Key)
			continue
		}
		r, inRemote := byID[en.Key.ID]
		l, inLocal := local[en.Key.ID]
		switch en.Op {
		case pending.OpUpsert:
			if inRemote && inLocal && coveredEqual(c.fields, en, l, r) {
				tr.Confirm(en.Key)
				continue
			}
		case pending.OpDelete:
			if !inRemote {
				tr.Confirm(en.Key)
				continue
			}
		}
		entries[en.Key.ID] = en
	}

	out := make(map[string]T, len(byID))
	for id, r := range byID {
		en, isPending := entries[id]
		switch {
		case !isPending:
			out[id] = r
		case en.Op == pending.OpDelete:
		default:
			l, ok := local[id]
			if !ok {
				out[id] = r
				continue
			}
			merged := r
			for _, f := range c.fields {
				if en.Covers(f.name) {
					f.keep(&merged, l)
				}
			}
			out[id] = merged
		}
	}
	for id, l := range local {
		if _, ok := out[id]; ok {
			continue
		}
		if en, ok := entries[id]; ok && en.Op == pending.OpUpsert {
			out[id] = l
		}
	}
	return out
}

func coveredEqual[T any](fields []field[T], en pending.Entry, local, remote T) bool {
	for _, f := range fields {
		if en.Covers(f.name) && !f.equal(local, remote) {
			return false
		}
	}
	return true
}

// ApplyRemoteSnapshot merges the full value of a subscription root into the
// state. Applying the same snapshot twice has no further effect.
func (e *Engine) ApplyRemoteSnapshot(ctx context.Context, snap gateway.Snapshot) error {
	p := snap.Path
	if !isRoot(p) {
		return fmt.Errorf("snapshot of %s is not a subscription root: %w", p, rerrors.ErrInvalidInput)
	}

	var changes []Change
	if p.Kind == model.KindTimer {
		changes = e.mergeTimer(snap.Value)
	} else {
		e.mu.Lock()
		changes = e.mergeLocked(p, snap.Value)
		e.mu.Unlock()
	}

	e.metrics.RecordSnapshot(string(p.Kind))
	e.metrics.SetPending(e.tracker.Len())
	e.flush(ctx)
	e.publish(changes...)
	e.logger.Debug().
		Str("path", p.String()).
		Bool("exists", snap.Exists).
		Int("pending", e.tracker.Len()).
		Msg("remote snapshot merged")
	return nil
}

func isRoot(p model.Path) bool {
	switch p.Kind {
	case model.KindCycles, model.KindUnits, model.KindTimer:
		return len(p.Segments) == 0
	case model.KindItems, model.KindGroupedItems, model.KindEvents,
		model.KindCollapsedCategories, model.KindCollapsedGroups:
		return len(p.Segments) == 1
	}
	return false
}

func (e *Engine) malformed(kind string, errs []error) {
	for _, err := range errs {
		e.metrics.RecordMalformed(kind)
		e.logger.Warn().Err(err).Str("kind", kind).Msg("skipping malformed remote entity")
	}
}

func (e *Engine) mergeLocked(p model.Path, raw json.RawMessage) []Change {
	s := e.state
	cycle := p.Cycle()
	switch p.Kind {
	case model.KindCycles:
		remote, errs := e.decoder.Cycles(raw)
		e.malformed("cycle", errs)
		before := s.cycles
		s.cycles = mergeCollection(e.tracker, collection[model.Cycle]{
			typ: pending.EntityCycle, fields: cycleFields,
			id: func(c model.Cycle) string { return c.ID },
		}, s.cycles, remote)
		for id := range before {
			if _, ok := s.cycles[id]; !ok {
				s.dropCycle(id)
				e.tracker.DropScope(id)
				e.markDirty(scopeDeleted, id)
			}
		}
		e.markDirty(store.KindCycles, "")
		e.signalCycles()
		return []Change{{Kind: ChangeCycles}}

	case model.KindItems:
		remote, errs := e.decoder.Items(cycle, raw)
		e.malformed("item", errs)
		s.items[cycle] = mergeCollection(e.tracker, collection[model.Item]{
			typ: pending.EntityItem, scope: cycle, fields: itemFields,
			id: func(it model.Item) string { return it.ID },
		}, s.items[cycle], remote)
		e.markDirty(store.KindItems, cycle)
		return []Change{{Kind: ChangeItems, CycleID: cycle}}

	case model.KindGroupedItems:
		remote, errs := e.decoder.Groups(cycle, raw)
		e.malformed("group", errs)
		s.groups[cycle] = mergeCollection(e.tracker, collection[model.GroupedItem]{
			typ: pending.EntityGroup, scope: cycle, fields: groupFields,
			id: func(g model.GroupedItem) string { return g.ID },
		}, s.groups[cycle], remote)
		e.markDirty(store.KindGroups, cycle)
		return []Change{{Kind: ChangeGroups, CycleID: cycle}}

	case model.KindUnits:
		remote, errs := e.decoder.Units(raw)
		e.malformed("unit", errs)
		s.units = mergeCollection(e.tracker, collection[model.Unit]{
			typ: pending.EntityUnit, fields: unitFields,
			id: func(u model.Unit) string { return u.ID },
		}, s.units, remote)
		e.markDirty(store.KindUnits, "")
		return []Change{{Kind: ChangeUnits}}

	case model.KindEvents:
		remote, errs := e.decoder.Events(raw)
		e.malformed("event", errs)
		s.events[cycle] = e.mergeEvents(cycle, eventlog.Dedup(eventlog.Log(remote), e.loc))
		e.markDirty(store.KindEvents, cycle)
		return []Change{{Kind: ChangeEvents, CycleID: cycle}}

	case model.KindCollapsedCategories:
		remote, errs := e.decoder.Flags(raw)
		e.malformed("collapsed_category", errs)
		s.collapsedCategories[cycle] = e.mergeFlags(pending.EntityCollapsedCategory, cycle, remote)
		e.markDirty(store.KindCollapsedCategories, cycle)
		return []Change{{Kind: ChangeCollapsed, CycleID: cycle}}

	case model.KindCollapsedGroups:
		remote, errs := e.decoder.Flags(raw)
		e.malformed("collapsed_group", errs)
		s.collapsedGroups[cycle] = e.mergeFlags(pending.EntityCollapsedGroup, cycle, remote)
		e.markDirty(store.KindCollapsedCategories, cycle)
		return []Change{{Kind: ChangeCollapsed, CycleID: cycle}}
	}
	return nil
}

// mergeEvents overlays pending logs and unlogs on a deduplicated remote log.
func (e *Engine) mergeEvents(cycle string, remote eventlog.Log) eventlog.Log {
	local := make(eventlog.Log)
	var unlogs []eventlog.Key
	for _, en := range e.tracker.Entries(pending.EntityEvent, cycle) {
		if en.Acked() {
			e.tracker.Confirm(en.Key)
			continue
		}
		item, day := splitEventKey(en.Key.ID)
		has := eventlog.Has(remote, item, day, e.loc)
		switch en.Op {
		case pending.OpUpsert:
			if has {
				e.tracker.Confirm(en.Key)
				continue
			}
			if ev, ok := en.Value.(model.CompletionEvent); ok {
				local = eventlog.Insert(local, ev, e.loc)
			}
		case pending.OpDelete:
			if !has {
				e.tracker.Confirm(en.Key)
				continue
			}
			unlogs = append(unlogs, eventlog.Key{ItemID: item, Day: day})
		}
	}

	out := eventlog.Merge(local, remote, e.loc)
	for _, k := range unlogs {
		out = eventlog.Remove(out, k.ItemID, k.Day, e.loc)
	}
	if e.floor != "" {
		out = eventlog.Since(out, e.floor, e.loc)
	}
	return out
}

// mergeFlags overlays pending flag writes on the remote flags. A missing
// remote flag reads as false.
func (e *Engine) mergeFlags(typ pending.EntityType, cycle string, remote map[string]bool) map[string]bool {
	out := copyFlags(remote)
	for _, en := range e.tracker.Entries(typ, cycle) {
		want, _ := en.Value.(bool)
		if en.Acked() || remote[en.Key.ID] == want {
			e.tracker.Confirm(en.Key)
			continue
		}
		out[en.Key.ID] = want
	}
	return out
}

// mergeTimer adopts the remote timer unless a local timer write is pending
// and neither acknowledged nor reflected by the snapshot.
func (e *Engine) mergeTimer(raw json.RawMessage) []Change {
	remote, err := e.decoder.Timer(raw)
	if err != nil {
		e.malformed("timer", []error{err})
		return nil
	}

	key := pending.Key{Type: pending.EntityTimer}
	if en, ok := e.tracker.Get(key); ok {
		written, _ := en.Value.(model.TimerState)
		if !en.Acked() && !written.Equal(remote) {
			return nil
		}
		e.tracker.Confirm(key)
	}

	local := e.machine.State()
	if local.Phase == model.PhaseExpired &&
		(remote.Phase == model.PhaseRunning || remote.Phase == model.PhaseSnoozed) &&
		remote.CorrelationID == local.CorrelationID && remote.EndTime.Equal(local.EndTime) {
		return nil
	}
	changes, _ := e.driveTimer(false, func() (timer.Transition, error) {
		return e.machine.Adopt(remote), nil
	})
	return changes
}

func equalDose(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalWeekly(a, b map[int]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
