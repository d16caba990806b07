package engine

import (
	"context"
	"fmt"
	"strings"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/eventlog"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
	"github.com/p-blackswan/roomsync/internal/store"
	"github.com/p-blackswan/roomsync/internal/timer"
)

// MutationKind names a local change.
type MutationKind string

const (
	MutUpsertCycle      MutationKind = "upsert_cycle"
	MutDeleteCycle      MutationKind = "delete_cycle"
	MutUpsertItem       MutationKind = "upsert_item"
	MutDeleteItem       MutationKind = "delete_item"
	MutUpsertGroup      MutationKind = "upsert_group"
	MutDeleteGroup      MutationKind = "delete_group"
	MutUpsertUnit       MutationKind = "upsert_unit"
	MutDeleteUnit       MutationKind = "delete_unit"
	MutLogEvent         MutationKind = "log_event"
	MutUnlogEvent       MutationKind = "unlog_event"
	MutCollapseCategory MutationKind = "collapse_category"
	MutCollapseGroup    MutationKind = "collapse_group"
)

// Mutation is a local change to the room. Build one with the constructors
// below.
type Mutation struct {
	Kind    MutationKind
	CycleID string
	ID      string
	Day     model.Day

	Cycle     model.Cycle
	Item      model.Item
	Group     model.GroupedItem
	Unit      model.Unit
	Event     model.CompletionEvent
	Collapsed bool
}

// UpsertCycle creates or updates a cycle.
func UpsertCycle(c model.Cycle) Mutation {
	return Mutation{Kind: MutUpsertCycle, ID: c.ID, Cycle: c}
}

// DeleteCycle removes a cycle.
func DeleteCycle(id string) Mutation { return Mutation{Kind: MutDeleteCycle, ID: id} }

// UpsertItem creates or updates an item.
func UpsertItem(it model.Item) Mutation {
	return Mutation{Kind: MutUpsertItem, CycleID: it.CycleID, ID: it.ID, Item: it}
}

// DeleteItem removes an item.
func DeleteItem(cycle, id string) Mutation {
	return Mutation{Kind: MutDeleteItem, CycleID: cycle, ID: id}
}

// UpsertGroup creates or updates a grouped item.
func UpsertGroup(g model.GroupedItem) Mutation {
	return Mutation{Kind: MutUpsertGroup, CycleID: g.CycleID, ID: g.ID, Group: g}
}

// DeleteGroup removes a grouped item.
func DeleteGroup(cycle, id string) Mutation {
	return Mutation{Kind: MutDeleteGroup, CycleID: cycle, ID: id}
}

// UpsertUnit creates or renames a unit.
func UpsertUnit(u model.Unit) Mutation { return Mutation{Kind: MutUpsertUnit, ID: u.ID, Unit: u} }

// DeleteUnit removes a unit.
func DeleteUnit(id string) Mutation { return Mutation{Kind: MutDeleteUnit, ID: id} }

// LogEvent records that an item was done. A zero timestamp means now and an
// empty actor means this device.
func LogEvent(cycle string, ev model.CompletionEvent) Mutation {
	return Mutation{Kind: MutLogEvent, CycleID: cycle, ID: ev.ItemID, Event: ev}
}

// UnlogEvent removes the event of an item on a day.
func UnlogEvent(cycle, itemID string, day model.Day) Mutation {
	return Mutation{Kind: MutUnlogEvent, CycleID: cycle, ID: itemID, Day: day}
}

// CollapseCategory sets the collapsed flag of a category.
func CollapseCategory(cycle string, cat model.Category, collapsed bool) Mutation {
	return Mutation{Kind: MutCollapseCategory, CycleID: cycle, ID: string(cat), Collapsed: collapsed}
}

// CollapseGroup sets the collapsed flag of a group.
func CollapseGroup(cycle, group string, collapsed bool) Mutation {
	return Mutation{Kind: MutCollapseGroup, CycleID: cycle, ID: group, Collapsed: collapsed}
}

// write is a remote write produced by a mutation.
type write struct {
	key    pending.Key
	op     pending.Op
	path   model.Path
	value  any
	fields []string
}

// ApplyLocalMutation validates m, applies it to the in-memory state and
// returns the resulting state. Neither the remote write nor the local cache
// write is awaited; until a snapshot confirms the change it is protected
// from stale snapshots. Logical conflicts are rejected before anything
// changes.
func (e *Engine) ApplyLocalMutation(ctx context.Context, m Mutation) (State, error) {
	e.mu.Lock()
	if err := e.validateLocked(m); err != nil {
		e.mu.Unlock()
		return State{}, err
	}
	writes, changes := e.applyLocked(m)
	keys := e.recordLocked(writes)
	e.mu.Unlock()

	if m.Kind == MutLogEvent {
		changes = append(changes, e.afterLog(m.CycleID, m.Event.ItemID)...)
	}

	e.dispatcher.Enqueue(keys...)
	e.retryFailed()
	e.metrics.SetPending(e.tracker.Len())
	e.persistAsync()
	e.publish(changes...)

	e.logger.Debug().
		Str("kind", string(m.Kind)).
		Str("cycle", m.CycleID).
		Str("id", m.ID).
		Int("writes", len(writes)).
		Msg("local mutation applied")
	return e.State(), nil
}

func (e *Engine) validateLocked(m Mutation) error {
	s := e.state
	switch m.Kind {
	case MutUpsertCycle:
		if m.Cycle.ID == "" || strings.TrimSpace(m.Cycle.Name) == "" {
			return fmt.Errorf("cycle needs an id and a name: %w", rerrors.ErrInvalidInput)
		}
		if _, err := model.ParseDay(string(m.Cycle.StartDate)); err != nil {
			return fmt.Errorf("cycle start date: %v: %w", err, rerrors.ErrInvalidInput)
		}
	case MutDeleteCycle:
		if _, ok := s.cycles[m.ID]; !ok {
			return fmt.Errorf("cycle %s: %w", m.ID, rerrors.ErrNotFound)
		}
	case MutUpsertItem:
		it := m.Item
		if it.ID == "" || it.CycleID == "" || strings.TrimSpace(it.Name) == "" {
			return fmt.Errorf("item needs an id, a cycle and a name: %w", rerrors.ErrInvalidInput)
		}
		if !it.Category.Valid() {
			return fmt.Errorf("invalid category %q: %w", it.Category, rerrors.ErrInvalidInput)
		}
		if _, ok := s.cycles[it.CycleID]; !ok {
			return fmt.Errorf("unknown cycle %s: %w", it.CycleID, rerrors.ErrInvalidInput)
		}
	case MutDeleteItem:
		if _, ok := s.items[m.CycleID][m.ID]; !ok {
			return fmt.Errorf("item %s: %w", m.ID, rerrors.ErrNotFound)
		}
	case MutUpsertGroup:
		g := m.Group
		if g.ID == "" || g.CycleID == "" || strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("group needs an id, a cycle and a name: %w", rerrors.ErrInvalidInput)
		}
		if !g.Category.Valid() {
			return fmt.Errorf("invalid category %q: %w", g.Category, rerrors.ErrInvalidInput)
		}
		if len(g.ItemIDs) == 0 {
			return fmt.Errorf("group %s has no items: %w", g.ID, rerrors.ErrInvalidInput)
		}
		for _, id := range g.ItemIDs {
			it, ok := s.items[g.CycleID][id]
			if !ok {
				return fmt.Errorf("group %s references unknown item %s: %w", g.ID, id, rerrors.ErrInvalidInput)
			}
			if it.Category != g.Category {
				return fmt.Errorf("item %s is not in category %s: %w", id, g.Category, rerrors.ErrConflict)
			}
		}
	case MutDeleteGroup:
		if _, ok := s.groups[m.CycleID][m.ID]; !ok {
			return fmt.Errorf("group %s: %w", m.ID, rerrors.ErrNotFound)
		}
	case MutUpsertUnit:
		u := m.Unit
		if u.ID == "" || model.NormalizeUnitName(u.Name) == "" {
			return fmt.Errorf("unit needs an id and a name: %w", rerrors.ErrInvalidInput)
		}
		for _, other := range s.units {
			if other.ID != u.ID && other.NormalizedName() == u.NormalizedName() {
				return fmt.Errorf("unit name %q already used by %s: %w", u.Name, other.ID, rerrors.ErrConflict)
			}
		}
	case MutDeleteUnit:
		if _, ok := s.units[m.ID]; !ok {
			return fmt.Errorf("unit %s: %w", m.ID, rerrors.ErrNotFound)
		}
	case MutLogEvent:
		if _, ok := s.items[m.CycleID][m.Event.ItemID]; !ok {
			return fmt.Errorf("unknown item %s in cycle %s: %w", m.Event.ItemID, m.CycleID, rerrors.ErrInvalidInput)
		}
	case MutUnlogEvent:
		if m.CycleID == "" || m.ID == "" {
			return fmt.Errorf("unlog needs a cycle and an item: %w", rerrors.ErrInvalidInput)
		}
		if _, err := model.ParseDay(string(m.Day)); err != nil {
			return fmt.Errorf("unlog day: %v: %w", err, rerrors.ErrInvalidInput)
		}
	case MutCollapseCategory:
		if m.CycleID == "" || !model.Category(m.ID).Valid() {
			return fmt.Errorf("invalid category %q: %w", m.ID, rerrors.ErrInvalidInput)
		}
	case MutCollapseGroup:
		if m.CycleID == "" || m.ID == "" {
			return fmt.Errorf("collapse needs a cycle and a group: %w", rerrors.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("unknown mutation %q: %w", m.Kind, rerrors.ErrInvalidInput)
	}
	return nil
}

// applyLocked changes the state and returns the remote writes to issue.
func (e *Engine) applyLocked(m Mutation) ([]write, []Change) {
	s := e.state
	switch m.Kind {
	case MutUpsertCycle:
		c := m.Cycle
		prev, existed := s.cycles[c.ID]
		var fields []string
		if existed {
			fields = changedFields(cycleFields, prev, c)
			if len(fields) == 0 {
				return nil, nil
			}
		}
		s.cycles[c.ID] = c
		e.markDirty(store.KindCycles, "")
		e.signalCycles()
		return []write{{
			key: pending.Key{Type: pending.EntityCycle, ID: c.ID}, op: pending.OpUpsert,
			path: model.CyclePath(c.ID), value: c, fields: fields,
		}}, []Change{{Kind: ChangeCycles}}

	case MutDeleteCycle:
		delete(s.cycles, m.ID)
		s.dropCycle(m.ID)
		e.tracker.DropScope(m.ID)
		e.markDirty(store.KindCycles, "")
		e.markDirty(scopeDeleted, m.ID)
		e.signalCycles()
		return []write{{
			key: pending.Key{Type: pending.EntityCycle, ID: m.ID}, op: pending.OpDelete,
			path: model.CyclePath(m.ID),
		}}, []Change{{Kind: ChangeCycles}}

	case MutUpsertItem:
		it := cloneItem(m.Item)
		items := s.itemsOf(it.CycleID)
		prev, existed := items[it.ID]
		var fields []string
		if existed {
			fields = changedFields(itemFields, prev, it)
			if len(fields) == 0 {
				return nil, nil
			}
		}
		items[it.ID] = it
		e.markDirty(store.KindItems, it.CycleID)
		return []write{{
			key: pending.Key{Type: pending.EntityItem, Scope: it.CycleID, ID: it.ID}, op: pending.OpUpsert,
			path: model.ItemPath(it.CycleID, it.ID), value: it, fields: fields,
		}}, []Change{{Kind: ChangeItems, CycleID: it.CycleID}}

	case MutDeleteItem:
		delete(s.items[m.CycleID], m.ID)
		e.markDirty(store.KindItems, m.CycleID)
		return []write{{
			key: pending.Key{Type: pending.EntityItem, Scope: m.CycleID, ID: m.ID}, op: pending.OpDelete,
			path: model.ItemPath(m.CycleID, m.ID),
		}}, []Change{{Kind: ChangeItems, CycleID: m.CycleID}}

	case MutUpsertGroup:
		g := cloneGroup(m.Group)
		groups := s.groupsOf(g.CycleID)
		prev, existed := groups[g.ID]
		var fields []string
		if existed {
			fields = changedFields(groupFields, prev, g)
			if len(fields) == 0 {
				return nil, nil
			}
		}
		groups[g.ID] = g
		e.markDirty(store.KindGroups, g.CycleID)
		return []write{{
			key: pending.Key{Type: pending.EntityGroup, Scope: g.CycleID, ID: g.ID}, op: pending.OpUpsert,
			path: model.GroupPath(g.CycleID, g.ID), value: g, fields: fields,
		}}, []Change{{Kind: ChangeGroups, CycleID: g.CycleID}}

	case MutDeleteGroup:
		delete(s.groups[m.CycleID], m.ID)
		e.markDirty(store.KindGroups, m.CycleID)
		return []write{{
			key: pending.Key{Type: pending.EntityGroup, Scope: m.CycleID, ID: m.ID}, op: pending.OpDelete,
			path: model.GroupPath(m.CycleID, m.ID),
		}}, []Change{{Kind: ChangeGroups, CycleID: m.CycleID}}

	case MutUpsertUnit:
		u := m.Unit
		u.Name = strings.TrimSpace(u.Name)
		prev, existed := s.units[u.ID]
		if existed && prev == u {
			return nil, nil
		}
		s.units[u.ID] = u
		e.markDirty(store.KindUnits, "")
		return []write{{
			key: pending.Key{Type: pending.EntityUnit, ID: u.ID}, op: pending.OpUpsert,
			path: model.UnitPath(u.ID), value: u,
		}}, []Change{{Kind: ChangeUnits}}

	case MutDeleteUnit:
		delete(s.units, m.ID)
		e.markDirty(store.KindUnits, "")
		return []write{{
			key: pending.Key{Type: pending.EntityUnit, ID: m.ID}, op: pending.OpDelete,
			path: model.UnitPath(m.ID),
		}}, []Change{{Kind: ChangeUnits}}

	case MutLogEvent:
		ev := m.Event
		if ev.Timestamp.IsZero() {
			ev.Timestamp = e.clock.Now()
		}
		if ev.ActorID == "" {
			ev.ActorID = e.actor
		}
		day := ev.Day(e.loc)
		s.events[m.CycleID] = eventlog.Insert(s.events[m.CycleID], ev, e.loc)
		e.markDirty(store.KindEvents, m.CycleID)
		return []write{{
			key: eventKey(m.CycleID, ev.ItemID, day), op: pending.OpUpsert,
			path: model.EventPath(m.CycleID, ev.ItemID, day), value: ev,
		}}, []Change{{Kind: ChangeEvents, CycleID: m.CycleID}}

	case MutUnlogEvent:
		had := eventlog.Has(s.events[m.CycleID], m.ID, m.Day, e.loc)
		if had {
			s.events[m.CycleID] = eventlog.Remove(s.events[m.CycleID], m.ID, m.Day, e.loc)
			e.markDirty(store.KindEvents, m.CycleID)
		}
		_, pendingLog := e.tracker.Get(eventKey(m.CycleID, m.ID, m.Day))
		if !had && !pendingLog {
			return nil, nil
		}
		return []write{{
			key: eventKey(m.CycleID, m.ID, m.Day), op: pending.OpDelete,
			path: model.EventPath(m.CycleID, m.ID, m.Day),
		}}, []Change{{Kind: ChangeEvents, CycleID: m.CycleID}}

	case MutCollapseCategory:
		flags := s.categoriesOf(m.CycleID)
		if flags[m.ID] == m.Collapsed {
			return nil, nil
		}
		flags[m.ID] = m.Collapsed
		e.markDirty(store.KindCollapsedCategories, m.CycleID)
		return []write{{
			key: pending.Key{Type: pending.EntityCollapsedCategory, Scope: m.CycleID, ID: m.ID}, op: pending.OpUpsert,
			path: model.CollapsedCategoryPath(m.CycleID, model.Category(m.ID)), value: m.Collapsed,
		}}, []Change{{Kind: ChangeCollapsed, CycleID: m.CycleID}}

	case MutCollapseGroup:
		flags := s.collapsedGroupsOf(m.CycleID)
		if flags[m.ID] == m.Collapsed {
			return nil, nil
		}
		flags[m.ID] = m.Collapsed
		e.markDirty(store.KindCollapsedCategories, m.CycleID)
		return []write{{
			key: pending.Key{Type: pending.EntityCollapsedGroup, Scope: m.CycleID, ID: m.ID}, op: pending.OpUpsert,
			path: model.CollapsedGroupPath(m.CycleID, m.ID), value: m.Collapsed,
		}}, []Change{{Kind: ChangeCollapsed, CycleID: m.CycleID}}
	}
	return nil, nil
}

// recordLocked registers writes with the pending tracker.
func (e *Engine) recordLocked(writes []write) []pending.Key {
	keys := make([]pending.Key, 0, len(writes))
	for _, w := range writes {
		e.tracker.Record(w.key, w.op, w.path, w.value, w.fields)
		keys = append(keys, w.key)
	}
	return keys
}

// afterLog runs the timer rules after an item was logged: a running timer
// stops once all of its items are done, and an idle timer starts when its
// category is partially done.
func (e *Engine) afterLog(cycle, itemID string) []Change {
	e.mu.Lock()
	it, ok := e.state.items[cycle][itemID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	done := e.doneTodayLocked(cycle)
	var ids []string
	for _, other := range e.state.itemList(cycle) {
		if other.Category == it.Category {
			ids = append(ids, other.ID)
		}
	}
	e.mu.Unlock()

	if e.machine.State().Phase != model.PhaseIdle {
		changes, _ := e.driveTimer(true, func() (timer.Transition, error) {
			return e.machine.ItemsCompleted(done), nil
		})
		return changes
	}
	if e.policy == nil {
		return nil
	}
	d, enabled := e.policy.TimerFor(it.Category)
	remaining, start := timer.ShouldStart(ids, done, enabled)
	if !start {
		return nil
	}
	changes, err := e.driveTimer(true, func() (timer.Transition, error) {
		return e.machine.Start(d, remaining, it.Category, cycle)
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("category", string(it.Category)).Msg("timer auto-start failed")
	}
	return changes
}

func eventKey(cycle, itemID string, day model.Day) pending.Key {
	return pending.Key{Type: pending.EntityEvent, Scope: cycle, ID: itemID + "/" + string(day)}
}

// splitEventKey returns the item and day of an event key ID.
func splitEventKey(id string) (string, model.Day) {
	i := strings.LastIndex(id, "/")
	if i < 0 {
		return id, ""
	}
	return id[:i], model.Day(id[i+1:])
}
