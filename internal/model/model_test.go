package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
)

func TestCurrentCycle(t *testing.T) {
	cycles := []Cycle{
		{ID: "c2", Number: 2, StartDate: "2024-03-01"},
		{ID: "c1", Number: 1, StartDate: "2024-01-01"},
	}

	tests := []struct {
		day  Day
		want string
	}{
		{"2024-02-15", "c1"},
		{"2024-03-02", "c2"},
		{"2024-03-01", "c2"},
		{"2024-01-01", "c1"},
		{"2023-12-31", "c1"},
		{"2030-01-01", "c2"},
	}
	for _, tt := range tests {
		got, ok := CurrentCycle(cycles, tt.day)
		require.True(t, ok)
		assert.Equal(t, tt.want, got.ID, "day %s", tt.day)
	}

	_, ok := CurrentCycle(nil, "2024-01-01")
	assert.False(t, ok)
}

func TestDayOf_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	ts := time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, Day("2024-03-01"), DayOf(ts, loc))
	assert.Equal(t, Day("2024-03-02"), DayOf(ts, time.UTC))
}

func TestDay_AddDays(t *testing.T) {
	assert.Equal(t, Day("2024-03-01"), Day("2024-02-29").AddDays(1))
	assert.Equal(t, Day("2023-12-31"), Day("2024-01-01").AddDays(-1))
	assert.True(t, Day("2024-01-01").Before("2024-01-02"))
}

func TestItem_DoseForWeek(t *testing.T) {
	dose := 2.5
	fixed := Item{Dose: &dose}
	d, ok := fixed.DoseForWeek(3)
	assert.True(t, ok)
	assert.Equal(t, 2.5, d)

	weekly := Item{Dose: &dose, WeeklyDoses: map[int]float64{1: 1, 2: 4}}
	d, ok = weekly.DoseForWeek(2)
	assert.True(t, ok)
	assert.Equal(t, 4.0, d)
	_, ok = weekly.DoseForWeek(3)
	assert.False(t, ok)

	_, ok = Item{}.DoseForWeek(1)
	assert.False(t, ok)
}

func TestUnit_NormalizedName(t *testing.T) {
	assert.Equal(t, "mg", Unit{Name: "  MG "}.NormalizedName())
}

func TestPath_RoundTrip(t *testing.T) {
	paths := []Path{
		CyclesPath(),
		ItemsPath("c1"),
		ItemPath("c1", "i1"),
		GroupsPath("c1"),
		UnitsPath(),
		EventsPath("c1"),
		EventPath("c1", "i1", "2024-01-01"),
		TimerPath(),
		CollapsedCategoryPath("c1", CategoryMedicine),
		CollapsedGroupPath("c1", "g1"),
		ItemPath("c1", "i1").Field("name"),
		CyclePath("c1").Field("startDate"),
	}
	for _, p := range paths {
		parsed, err := ParsePath(p.String())
		require.NoError(t, err, p.String())
		assert.True(t, p.Equal(parsed), p.String())
	}
	assert.Equal(t, "collapsed/categories/c1/medicine", CollapsedCategoryPath("c1", CategoryMedicine).String())
	assert.Equal(t, "c1", EventPath("c1", "i1", "2024-01-01").Cycle())
}

func TestPath_Field(t *testing.T) {
	item := ItemPath("c1", "i1")
	name := item.Field("name")
	assert.Equal(t, "items/c1/i1/name", name.String())
	assert.Equal(t, "items/c1/i1", item.String(), "the entity path is not modified")
	assert.True(t, ItemsPath("c1").Contains(name))
	assert.Equal(t, "c1", name.Cycle())
	assert.Equal(t, "units/u1/name", UnitPath("u1").Field("name").String())

	_, err := ParsePath("items/c1/i1/name/extra")
	assert.Error(t, err)
}

func TestParsePath_Invalid(t *testing.T) {
	for _, s := range []string{"", "bogus", "items", "timer/x", "events/c1/i1/d/extra", "items//x", "collapsed/other/c1"} {
		_, err := ParsePath(s)
		assert.Error(t, err, s)
	}
}

func TestPath_Contains(t *testing.T) {
	assert.True(t, ItemsPath("c1").Contains(ItemPath("c1", "i1")))
	assert.True(t, ItemsPath("c1").Contains(ItemsPath("c1")))
	assert.False(t, ItemsPath("c1").Contains(ItemPath("c2", "i1")))
	assert.False(t, ItemPath("c1", "i1").Contains(ItemsPath("c1")))
	assert.False(t, CollapsedCategoriesPath("c1").Contains(CollapsedGroupsPath("c1")))
}

func TestTimerState_Equal(t *testing.T) {
	end := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	a := TimerState{IsActive: true, EndTime: end, ItemIDs: []string{"a"}, CorrelationID: "x", Phase: PhaseRunning}
	b := a
	b.EndTime = end.In(time.FixedZone("X", 3600))
	assert.True(t, a.Equal(b))
	b.ItemIDs = []string{"b"}
	assert.False(t, a.Equal(b))
}

func TestDecoder_SkipsMalformedEntities(t *testing.T) {
	raw := json.RawMessage(`{
		"i1": {"name": "Vitamin D", "category": "medicine", "dose": 2, "unit": "mg", "order": 2},
		"i2": {"category": "medicine"},
		"i3": {"name": "Iron", "category": "bogus"},
		"i4": {"name": "Zinc", "category": "maintenance", "weeklyDoses": {"1": 1, "2": 3}, "order": 1},
		"i5": "not an object"
	}`)

	items, errs := NewDecoder(time.UTC).Items("c1", raw)
	require.Len(t, items, 2)
	assert.Equal(t, "i4", items[0].ID)
	assert.Equal(t, "i1", items[1].ID)
	assert.Equal(t, "c1", items[1].CycleID)
	require.NotNil(t, items[1].Dose)
	assert.Equal(t, 2.0, *items[1].Dose)
	assert.Equal(t, map[int]float64{1: 1, 2: 3}, items[0].WeeklyDoses)

	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.ErrorIs(t, err, rerrors.ErrMalformed)
	}
}

func TestDecoder_Cycles(t *testing.T) {
	raw := json.RawMessage(`{
		"c1": {"name": "One", "number": 1, "startDate": "2024-01-01", "challengeDate": "2024-02-28"},
		"c2": {"name": "Two", "number": 2, "startDate": 1709251200},
		"c3": {"name": "Broken"}
	}`)
	cycles, errs := NewDecoder(time.UTC).Cycles(raw)
	require.Len(t, cycles, 2)
	assert.Len(t, errs, 1)
	assert.Equal(t, Day("2024-01-01"), cycles[0].StartDate)
	assert.Equal(t, Day("2024-02-28"), cycles[0].ChallengeDate)
	assert.Equal(t, Day("2024-03-01"), cycles[1].StartDate)
}

func TestDecoder_CyclesArray(t *testing.T) {
	raw := json.RawMessage(`[null, {"id": "c1", "name": "One", "startDate": "2024-01-01"}]`)
	cycles, errs := NewDecoder(time.UTC).Cycles(raw)
	assert.Empty(t, errs)
	require.Len(t, cycles, 1)
	assert.Equal(t, "c1", cycles[0].ID)
}

func TestDecoder_NotACollection(t *testing.T) {
	cycles, errs := NewDecoder(time.UTC).Cycles(json.RawMessage(`42`))
	assert.Empty(t, cycles)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], rerrors.ErrMalformed)
}

func TestDecoder_Events(t *testing.T) {
	raw := json.RawMessage(`{
		"i1": {
			"2024-01-01": {"timestamp": "2024-01-01T08:00:00Z", "actorId": "alice"},
			"legacy": {"timestamp": 1704103200, "actorId": "bob"},
			"bad": {"actorId": "carol"}
		},
		"i2": [{"timestamp": "2024-01-01T09:00:00Z", "actorId": "bob"}]
	}`)
	events, errs := NewDecoder(time.UTC).Events(raw)
	assert.Len(t, errs, 1)
	require.Len(t, events["i1"], 2)
	assert.Equal(t, "alice", events["i1"][0].ActorID)
	assert.Equal(t, "bob", events["i1"][1].ActorID)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), events["i1"][1].Timestamp)
	require.Len(t, events["i2"], 1)
	assert.Equal(t, "i2", events["i2"][0].ItemID)
}

func TestDecoder_EventRoundTrip(t *testing.T) {
	ev := CompletionEvent{ItemID: "i1", Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), ActorID: "alice"}
	raw, err := json.Marshal(map[string]any{"i1": map[string]any{"2024-01-01": ev}})
	require.NoError(t, err)

	events, errs := NewDecoder(time.UTC).Events(raw)
	assert.Empty(t, errs)
	require.Len(t, events["i1"], 1)
	assert.True(t, ev.Timestamp.Equal(events["i1"][0].Timestamp))
}

func TestDecoder_Timer(t *testing.T) {
	d := NewDecoder(time.UTC)

	idle, err := d.Timer(nil)
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, idle.Phase)
	assert.False(t, idle.IsActive)

	want := TimerState{
		IsActive:      true,
		EndTime:       time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		ItemIDs:       []string{"a", "b"},
		CorrelationID: "corr",
		Phase:         PhaseSnoozed,
		Duration:      10 * time.Minute,
		Category:      CategoryMedicine,
		CycleID:       "c1",
	}
	raw, err := json.Marshal(want)
	require.NoError(t, err)
	got, err := d.Timer(raw)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	legacy, err := d.Timer(json.RawMessage(`{"isActive": true, "endTime": 1704099600, "associatedItemIds": ["a"]}`))
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, legacy.Phase)

	_, err = d.Timer(json.RawMessage(`{"isActive": true}`))
	assert.ErrorIs(t, err, rerrors.ErrMalformed)
}

func TestDecoder_GroupsAndUnits(t *testing.T) {
	d := NewDecoder(time.UTC)
	groups, errs := d.Groups("c1", json.RawMessage(`{
		"g1": {"name": "Morning", "category": "medicine", "itemIds": ["i1", "i2"]},
		"g2": {"name": "Evening", "category": "medicine", "itemIds": {"i3": true, "i4": false}},
		"g3": {"name": "Broken", "category": "medicine", "itemIds": [1]}
	}`))
	assert.Len(t, errs, 1)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"i1", "i2"}, groups[0].ItemIDs)
	assert.Equal(t, []string{"i3"}, groups[1].ItemIDs)

	units, errs := d.Units(json.RawMessage(`{"u1": {"name": " mg "}, "u2": {"name": "  "}}`))
	assert.Len(t, errs, 1)
	require.Len(t, units, 1)
	assert.Equal(t, "mg", units[0].Name)
}

func TestDecoder_Flags(t *testing.T) {
	flags, errs := NewDecoder(time.UTC).Flags(json.RawMessage(`{"medicine": true, "treatment": false, "x": "yes"}`))
	assert.Len(t, errs, 1)
	assert.Equal(t, map[string]bool{"medicine": true, "treatment": false}, flags)
}
