package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
)

// Decoder turns untyped remote sub-trees into typed records. Each entity is
// decoded on its own; a malformed entity is reported and skipped without
// affecting its siblings.
type Decoder struct {
	// Loc is used to derive calendar days from epoch timestamps.
	Loc *time.Location
}

// NewDecoder returns a Decoder for the given location.
func NewDecoder(loc *time.Location) Decoder {
	if loc == nil {
		loc = time.Local
	}
	return Decoder{Loc: loc}
}

type entry struct {
	key    string
	fields map[string]any
	value  any
}

// Cycles decodes the cycles sub-tree.
func (d Decoder) Cycles(raw json.RawMessage) ([]Cycle, []error) {
	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, []error{rerrors.Malformed("cycles", "", "%v", err)}
	}
	var out []Cycle
	var errs []error
	for _, e := range entries {
		c, err := d.Cycle(e.key, e.fields)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, c)
	}
	SortCycles(out)
	return out, errs
}

// Cycle decodes a single cycle record.
func (d Decoder) Cycle(id string, f map[string]any) (Cycle, error) {
	if f == nil {
		return Cycle{}, rerrors.Malformed("cycle", id, "not an object")
	}
	id = idOr(f, id)
	if id == "" {
		return Cycle{}, rerrors.Malformed("cycle", id, "missing id")
	}
	start, ok := d.day(f, "startDate")
	if !ok {
		return Cycle{}, rerrors.Malformed("cycle", id, "missing or invalid startDate")
	}
	c := Cycle{ID: id, StartDate: start}
	c.Name, _ = str(f, "name")
	if n, ok := number(f, "number"); ok {
		c.Number = int(n)
	}
	if cd, ok := d.day(f, "challengeDate"); ok {
		c.ChallengeDate = cd
	}
	return c, nil
}

// Items decodes the items of one cycle.
func (d Decoder) Items(cycle string, raw json.RawMessage) ([]Item, []error) {
	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, []error{rerrors.Malformed("items", cycle, "%v", err)}
	}
	var out []Item
	var errs []error
	for _, e := range entries {
		it, err := d.Item(cycle, e.key, e.fields)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, it)
	}
	SortItems(out)
	return out, errs
}

// Item decodes a single item record.
func (d Decoder) Item(cycle, id string, f map[string]any) (Item, error) {
	if f == nil {
		return Item{}, rerrors.Malformed("item", id, "not an object")
	}
	id = idOr(f, id)
	if id == "" {
		return Item{}, rerrors.Malformed("item", id, "missing id")
	}
	name, ok := str(f, "name")
	if !ok || strings.TrimSpace(name) == "" {
		return Item{}, rerrors.Malformed("item", id, "missing name")
	}
	cat, _ := str(f, "category")
	if !Category(cat).Valid() {
		return Item{}, rerrors.Malformed("item", id, "invalid category %q", cat)
	}
	it := Item{ID: id, CycleID: cycle, Name: name, Category: Category(cat)}
	if v, ok := f["cycleId"].(string); ok && v != "" && cycle == "" {
		it.CycleID = v
	}
	if dose, ok := number(f, "dose"); ok {
		it.Dose = &dose
	}
	it.Unit, _ = str(f, "unit")
	if raw, present := f["weeklyDoses"]; present && raw != nil {
		weekly, err := weeklyDoses(raw)
		if err != nil {
			return Item{}, rerrors.Malformed("item", id, "weeklyDoses: %v", err)
		}
		it.WeeklyDoses = weekly
	}
	if n, ok := number(f, "order"); ok {
		it.Order = int(n)
	}
	return it, nil
}

// Groups decodes the grouped items of one cycle.
func (d Decoder) Groups(cycle string, raw json.RawMessage) ([]GroupedItem, []error) {
	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, []error{rerrors.Malformed("groupedItems", cycle, "%v", err)}
	}
	var out []GroupedItem
	var errs []error
	for _, e := range entries {
		g, err := d.Group(cycle, e.key, e.fields)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, errs
}

// Group decodes a single grouped item record.
func (d Decoder) Group(cycle, id string, f map[string]any) (GroupedItem, error) {
	if f == nil {
		return GroupedItem{}, rerrors.Malformed("group", id, "not an object")
	}
	id = idOr(f, id)
	if id == "" {
		return GroupedItem{}, rerrors.Malformed("group", id, "missing id")
	}
	name, ok := str(f, "name")
	if !ok || strings.TrimSpace(name) == "" {
		return GroupedItem{}, rerrors.Malformed("group", id, "missing name")
	}
	cat, _ := str(f, "category")
	if !Category(cat).Valid() {
		return GroupedItem{}, rerrors.Malformed("group", id, "invalid category %q", cat)
	}
	ids, err := stringList(f["itemIds"])
	if err != nil {
		return GroupedItem{}, rerrors.Malformed("group", id, "itemIds: %v", err)
	}
	return GroupedItem{ID: id, CycleID: cycle, Name: name, Category: Category(cat), ItemIDs: ids}, nil
}

// Units decodes the units sub-tree.
func (d Decoder) Units(raw json.RawMessage) ([]Unit, []error) {
	entries, err := decodeEntries(raw)
	if err != nil {
		return nil, []error{rerrors.Malformed("units", "", "%v", err)}
	}
	var out []Unit
	var errs []error
	for _, e := range entries {
		u, err := d.Unit(e.key, e.fields)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, errs
}

// Unit decodes a single unit record.
func (d Decoder) Unit(id string, f map[string]any) (Unit, error) {
	if f == nil {
		return Unit{}, rerrors.Malformed("unit", id, "not an object")
	}
	id = idOr(f, id)
	if id == "" {
		return Unit{}, rerrors.Malformed("unit", id, "missing id")
	}
	name, ok := str(f, "name")
	if !ok || NormalizeUnitName(name) == "" {
		return Unit{}, rerrors.Malformed("unit", id, "missing name")
	}
	return Unit{ID: id, Name: strings.TrimSpace(name)}, nil
}

// Events decodes the events sub-tree of one cycle into per-item event lists.
// Events are keyed item -> slot -> event; slots are usually days but any key
// is accepted.
func (d Decoder) Events(raw json.RawMessage) (map[string][]CompletionEvent, []error) {
	items, err := decodeEntries(raw)
	if err != nil {
		return nil, []error{rerrors.Malformed("events", "", "%v", err)}
	}
	out := make(map[string][]CompletionEvent)
	var errs []error
	for _, it := range items {
		slots, err := entriesOf(it.value)
		if err != nil {
			errs = append(errs, rerrors.Malformed("events", it.key, "%v", err))
			continue
		}
		for _, s := range slots {
			ev, err := d.Event(it.key, s.key, s.fields)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out[ev.ItemID] = append(out[ev.ItemID], ev)
		}
	}
	for id := range out {
		sort.Slice(out[id], func(i, j int) bool { return out[id][i].Timestamp.Before(out[id][j].Timestamp) })
	}
	return out, errs
}

// Event decodes a single completion event.
func (d Decoder) Event(item, slot string, f map[string]any) (CompletionEvent, error) {
	if f == nil {
		return CompletionEvent{}, rerrors.Malformed("event", item+"/"+slot, "not an object")
	}
	ts, ok := timestamp(f, "timestamp")
	if !ok {
		return CompletionEvent{}, rerrors.Malformed("event", item+"/"+slot, "missing or invalid timestamp")
	}
	ev := CompletionEvent{ItemID: item, Timestamp: ts}
	if v, ok := str(f, "itemId"); ok && item == "" {
		ev.ItemID = v
	}
	if ev.ItemID == "" {
		return CompletionEvent{}, rerrors.Malformed("event", slot, "missing item id")
	}
	ev.ActorID, _ = str(f, "actorId")
	return ev, nil
}

// Timer decodes the shared timer. A missing timer decodes to an idle state.
func (d Decoder) Timer(raw json.RawMessage) (TimerState, error) {
	if isNull(raw) {
		return TimerState{Phase: PhaseIdle}, nil
	}
	var f map[string]any
	if err := json.Unmarshal(raw, &f); err != nil || f == nil {
		return TimerState{}, rerrors.Malformed("timer", "", "not an object")
	}
	active, _ := f["isActive"].(bool)
	ts := TimerState{IsActive: active}
	if end, ok := timestamp(f, "endTime"); ok {
		ts.EndTime = end
	} else if active {
		return TimerState{}, rerrors.Malformed("timer", "", "active timer without endTime")
	}
	ids, err := stringList(f["associatedItemIds"])
	if err != nil {
		return TimerState{}, rerrors.Malformed("timer", "", "associatedItemIds: %v", err)
	}
	ts.ItemIDs = ids
	ts.CorrelationID, _ = str(f, "correlationId")
	if p, ok := str(f, "phase"); ok {
		ts.Phase = TimerPhase(p)
	}
	switch v := f["duration"].(type) {
	case float64:
		ts.Duration = time.Duration(v)
	case string:
		if dur, err := time.ParseDuration(v); err == nil {
			ts.Duration = dur
		}
	}
	if c, ok := str(f, "category"); ok {
		ts.Category = Category(c)
	}
	ts.CycleID, _ = str(f, "cycleId")
	if ts.Phase == "" {
		ts.Phase = PhaseIdle
		if active {
			ts.Phase = PhaseRunning
		}
	}
	return ts, nil
}

// Flags decodes a map of boolean display flags.
func (d Decoder) Flags(raw json.RawMessage) (map[string]bool, []error) {
	if isNull(raw) {
		return map[string]bool{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]bool{}, []error{rerrors.Malformed("flags", "", "not an object")}
	}
	out := make(map[string]bool, len(m))
	var errs []error
	for k, v := range m {
		b, ok := v.(bool)
		if !ok {
			errs = append(errs, rerrors.Malformed("flag", k, "not a bool"))
			continue
		}
		out[k] = b
	}
	return out, errs
}

func (d Decoder) day(f map[string]any, key string) (Day, bool) {
	switch v := f[key].(type) {
	case string:
		if day, err := ParseDay(v); err == nil {
			return day, true
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return DayOf(t, d.Loc), true
		}
	case float64:
		return DayOf(epoch(v), d.Loc), true
	}
	return "", false
}

func decodeEntries(raw json.RawMessage) ([]entry, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return entriesOf(v)
}

// entriesOf flattens an object keyed by ID, or an array of records, into
// entries sorted by key.
func entriesOf(v any) ([]entry, error) {
	var out []entry
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		for k, val := range t {
			m, _ := val.(map[string]any)
			out = append(out, entry{key: k, fields: m, value: val})
		}
	case []any:
		for i, val := range t {
			if val == nil {
				continue
			}
			m, _ := val.(map[string]any)
			key := strconv.Itoa(i)
			if id, ok := m["id"].(string); ok && id != "" {
				key = id
			}
			out = append(out, entry{key: key, fields: m, value: val})
		}
	default:
		return nil, fmt.Errorf("expected object or array, got %T", v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func idOr(f map[string]any, fallback string) string {
	if id, ok := f["id"].(string); ok && id != "" {
		return id
	}
	return fallback
}

func str(f map[string]any, key string) (string, bool) {
	s, ok := f[key].(string)
	return s, ok
}

func number(f map[string]any, key string) (float64, bool) {
	switch v := f[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return n, err == nil
	}
	return 0, false
}

// timestamp accepts RFC 3339 strings or epoch seconds.
func timestamp(f map[string]any, key string) (time.Time, bool) {
	switch v := f[key].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	case float64:
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return time.Time{}, false
		}
		return epoch(v), true
	}
	return time.Time{}, false
}

func epoch(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func weeklyDoses(v any) (map[int]float64, error) {
	out := make(map[int]float64)
	switch t := v.(type) {
	case map[string]any:
		for k, raw := range t {
			week, err := strconv.Atoi(k)
			if err != nil || week < 1 {
				return nil, fmt.Errorf("invalid week %q", k)
			}
			dose, ok := raw.(float64)
			if !ok {
				return nil, fmt.Errorf("week %d: dose is not a number", week)
			}
			out[week] = dose
		}
	case []any:
		// Arrays are indexed from week 1; a leading null is tolerated.
		for i, raw := range t {
			if raw == nil {
				continue
			}
			dose, ok := raw.(float64)
			if !ok {
				return nil, fmt.Errorf("week %d: dose is not a number", i)
			}
			week := i
			if t[0] != nil {
				week = i + 1
			}
			out[week] = dose
		}
	default:
		return nil, fmt.Errorf("expected object, got %T", v)
	}
	return out, nil
}

// stringList accepts a JSON array of strings or an object whose values are
// strings or true (in which case the key is taken).
func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, raw := range t {
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("element %v is not a string", raw)
			}
			out = append(out, s)
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]string, 0, len(t))
		for _, k := range keys {
			switch val := t[k].(type) {
			case string:
				out = append(out, val)
			case bool:
				if val {
					out = append(out, k)
				}
			default:
				return nil, fmt.Errorf("element %q is not a string", k)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected array, got %T", v)
}
