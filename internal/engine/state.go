package engine

import (
	"sort"

	"github.com/p-blackswan/roomsync/internal/eventlog"
	"github.com/p-blackswan/roomsync/internal/model"
)

// State is a read-only copy of the room as this device sees it.
type State struct {
	Cycles              []model.Cycle                                `json:"cycles"`
	Items               map[string][]model.Item                      `json:"items"`
	Groups              map[string][]model.GroupedItem               `json:"groupedItems"`
	Units               []model.Unit                                 `json:"units"`
	Events              map[string]map[string][]model.CompletionEvent `json:"events"`
	CollapsedCategories map[string]map[string]bool                   `json:"collapsedCategories"`
	CollapsedGroups     map[string]map[string]bool                   `json:"collapsedGroups"`
	Timer               model.TimerState                             `json:"timer"`
	Pending             int                                          `json:"pendingWrites"`
	SyncError           string                                       `json:"syncError,omitempty"`
}

// ChangeKind names the part of the state a Change refers to.
type ChangeKind string

const (
	ChangeCycles    ChangeKind = "cycles"
	ChangeItems     ChangeKind = "items"
	ChangeGroups    ChangeKind = "groupedItems"
	ChangeUnits     ChangeKind = "units"
	ChangeEvents    ChangeKind = "events"
	ChangeTimer     ChangeKind = "timer"
	ChangeCollapsed ChangeKind = "collapsed"
	ChangeSyncError ChangeKind = "sync_error"
	ChangeSynced    ChangeKind = "synced"
	ChangeRollover  ChangeKind = "rollover"
)

// Change notifies subscribers that part of the state was updated.
type Change struct {
	Kind    ChangeKind
	CycleID string
	Err     error
}

// roomState is the mutable state owned by the engine. Per-cycle maps are
// keyed by cycle ID, then entity ID.
type roomState struct {
	cycles              map[string]model.Cycle
	items               map[string]map[string]model.Item
	groups              map[string]map[string]model.GroupedItem
	units               map[string]model.Unit
	events              map[string]eventlog.Log
	collapsedCategories map[string]map[string]bool
	collapsedGroups     map[string]map[string]bool
}

func newRoomState() *roomState {
	return &roomState{
		cycles:              make(map[string]model.Cycle),
		items:               make(map[string]map[string]model.Item),
		groups:              make(map[string]map[string]model.GroupedItem),
		units:               make(map[string]model.Unit),
		events:              make(map[string]eventlog.Log),
		collapsedCategories: make(map[string]map[string]bool),
		collapsedGroups:     make(map[string]map[string]bool),
	}
}

func (s *roomState) itemsOf(cycle string) map[string]model.Item {
	m, ok := s.items[cycle]
	if !ok {
		m = make(map[string]model.Item)
		s.items[cycle] = m
	}
	return m
}

func (s *roomState) groupsOf(cycle string) map[string]model.GroupedItem {
	m, ok := s.groups[cycle]
	if !ok {
		m = make(map[string]model.GroupedItem)
		s.groups[cycle] = m
	}
	return m
}

func (s *roomState) categoriesOf(cycle string) map[string]bool {
	m, ok := s.collapsedCategories[cycle]
	if !ok {
		m = make(map[string]bool)
		s.collapsedCategories[cycle] = m
	}
	return m
}

func (s *roomState) collapsedGroupsOf(cycle string) map[string]bool {
	m, ok := s.collapsedGroups[cycle]
	if !ok {
		m = make(map[string]bool)
		s.collapsedGroups[cycle] = m
	}
	return m
}

func (s *roomState) dropCycle(cycle string) {
	delete(s.items, cycle)
	delete(s.groups, cycle)
	delete(s.events, cycle)
	delete(s.collapsedCategories, cycle)
	delete(s.collapsedGroups, cycle)
}

// scopes returns every cycle ID that has per-cycle data.
func (s *roomState) scopes() map[string]bool {
	out := make(map[string]bool)
	for c := range s.items {
		out[c] = true
	}
	for c := range s.groups {
		out[c] = true
	}
	for c := range s.events {
		out[c] = true
	}
	for c := range s.collapsedCategories {
		out[c] = true
	}
	for c := range s.collapsedGroups {
		out[c] = true
	}
	return out
}

func (s *roomState) cycleList() []model.Cycle {
	out := make([]model.Cycle, 0, len(s.cycles))
	for _, c := range s.cycles {
		out = append(out, c)
	}
	model.SortCycles(out)
	return out
}

func (s *roomState) itemList(cycle string) []model.Item {
	out := make([]model.Item, 0, len(s.items[cycle]))
	for _, it := range s.items[cycle] {
		out = append(out, cloneItem(it))
	}
	model.SortItems(out)
	return out
}

func (s *roomState) groupList(cycle string) []model.GroupedItem {
	out := make([]model.GroupedItem, 0, len(s.groups[cycle]))
	for _, g := range s.groups[cycle] {
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *roomState) unitList() []model.Unit {
	out := make([]model.Unit, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// findItem looks an item up by ID across cycles when cycle is empty.
func (s *roomState) findItem(cycle, id string) (model.Item, bool) {
	if cycle != "" {
		it, ok := s.items[cycle][id]
		return it, ok
	}
	for _, items := range s.items {
		if it, ok := items[id]; ok {
			return it, true
		}
	}
	return model.Item{}, false
}

// snapshotLocked deep-copies the state. Units are reported with duplicate
// names collapsed.
func (e *Engine) snapshotLocked() State {
	s := e.state
	st := State{
		Cycles:              s.cycleList(),
		Items:               make(map[string][]model.Item, len(s.items)),
		Groups:              make(map[string][]model.GroupedItem, len(s.groups)),
		Units:               dedupUnits(s.units, e.pendingUnitIDs()),
		Events:              make(map[string]map[string][]model.CompletionEvent, len(s.events)),
		CollapsedCategories: make(map[string]map[string]bool, len(s.collapsedCategories)),
		CollapsedGroups:     make(map[string]map[string]bool, len(s.collapsedGroups)),
	}
	for c := range s.items {
		st.Items[c] = s.itemList(c)
	}
	for c := range s.groups {
		st.Groups[c] = s.groupList(c)
	}
	for c, log := range s.events {
		st.Events[c] = map[string][]model.CompletionEvent(log.Clone())
	}
	for c, flags := range s.collapsedCategories {
		st.CollapsedCategories[c] = copyFlags(flags)
	}
	for c, flags := range s.collapsedGroups {
		st.CollapsedGroups[c] = copyFlags(flags)
	}
	return st
}

// dedupUnits collapses units with equal normalized names. A unit with a
// pending local write wins, then the smallest ID.
func dedupUnits(units map[string]model.Unit, pendingIDs map[string]bool) []model.Unit {
	byName := make(map[string]model.Unit, len(units))
	for _, u := range units {
		key := u.NormalizedName()
		cur, ok := byName[key]
		switch {
		case !ok:
			byName[key] = u
		case pendingIDs[u.ID] && !pendingIDs[cur.ID]:
			byName[key] = u
		case pendingIDs[u.ID] == pendingIDs[cur.ID] && u.ID < cur.ID:
			byName[key] = u
		}
	}
	out := make([]model.Unit, 0, len(byName))
	for _, u := range byName {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NormalizedName() != out[j].NormalizedName() {
			return out[i].NormalizedName() < out[j].NormalizedName()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneItem(it model.Item) model.Item {
	if it.Dose != nil {
		d := *it.Dose
		it.Dose = &d
	}
	if it.WeeklyDoses != nil {
		w := make(map[int]float64, len(it.WeeklyDoses))
		for k, v := range it.WeeklyDoses {
			w[k] = v
		}
		it.WeeklyDoses = w
	}
	return it
}

func cloneGroup(g model.GroupedItem) model.GroupedItem {
	if g.ItemIDs != nil {
		ids := make([]string, len(g.ItemIDs))
		copy(ids, g.ItemIDs)
		g.ItemIDs = ids
	}
	return g
}

func copyFlags(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
