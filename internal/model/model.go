// Package model defines the shared room records and their decoders.
package model

import (
	"sort"
	"strings"
	"time"
)

// Category is one of the fixed item categories.
type Category string

const (
	CategoryMaintenance Category = "maintenance"
	CategoryMaximum     Category = "maximum"
	CategoryMedicine    Category = "medicine"
	CategoryTreatment   Category = "treatment"
	CategoryRecommended Category = "recommended"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryMaintenance,
	CategoryMaximum,
	CategoryMedicine,
	CategoryTreatment,
	CategoryRecommended,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// Cycle is a bounded scheduling period.
type Cycle struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Number        int    `json:"number"`
	StartDate     Day    `json:"startDate"`
	ChallengeDate Day    `json:"challengeDate,omitempty"`
}

// Item is a loggable entity within a cycle.
type Item struct {
	ID          string          `json:"id"`
	CycleID     string          `json:"cycleId"`
	Name        string          `json:"name"`
	Category    Category        `json:"category"`
	Dose        *float64        `json:"dose,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	WeeklyDoses map[int]float64 `json:"weeklyDoses,omitempty"`
	Order       int             `json:"order"`
}

// DoseForWeek returns the dose that applies in the given one-based week of
// the cycle. A weekly schedule takes precedence over a fixed dose.
func (i Item) DoseForWeek(week int) (float64, bool) {
	if len(i.WeeklyDoses) > 0 {
		d, ok := i.WeeklyDoses[week]
		return d, ok
	}
	if i.Dose != nil {
		return *i.Dose, true
	}
	return 0, false
}

// GroupedItem bundles item IDs of one category for bulk check-off.
type GroupedItem struct {
	ID       string   `json:"id"`
	CycleID  string   `json:"cycleId"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
	ItemIDs  []string `json:"itemIds"`
}

// CompletionEvent records that an item was done at a point in time.
type CompletionEvent struct {
	ItemID    string    `json:"itemId"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actorId"`
}

// Day returns the calendar day of the event in loc.
func (e CompletionEvent) Day(loc *time.Location) Day {
	return DayOf(e.Timestamp, loc)
}

// Unit is a named dosing unit. Units are unique by normalized name.
type Unit struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NormalizedName is the case-insensitive, trimmed name used for identity.
func (u Unit) NormalizedName() string {
	return NormalizeUnitName(u.Name)
}

// NormalizeUnitName folds a unit name to its identity form.
func NormalizeUnitName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// TimerPhase is the lifecycle phase of the shared countdown timer.
type TimerPhase string

const (
	PhaseIdle    TimerPhase = "idle"
	PhaseRunning TimerPhase = "running"
	PhaseExpired TimerPhase = "expired"
	PhaseSnoozed TimerPhase = "snoozed"
	PhaseStopped TimerPhase = "stopped"
)

// TimerState is the persisted shared countdown timer.
type TimerState struct {
	IsActive      bool          `json:"isActive"`
	EndTime       time.Time     `json:"endTime"`
	ItemIDs       []string      `json:"associatedItemIds"`
	CorrelationID string        `json:"correlationId"`
	Phase         TimerPhase    `json:"phase"`
	Duration      time.Duration `json:"duration"`
	Category      Category      `json:"category,omitempty"`
	CycleID       string        `json:"cycleId,omitempty"`
}

// Equal reports whether two timer states describe the same timer.
func (t TimerState) Equal(o TimerState) bool {
	if t.IsActive != o.IsActive || t.CorrelationID != o.CorrelationID || t.Phase != o.Phase {
		return false
	}
	if !t.EndTime.Equal(o.EndTime) || t.Duration != o.Duration {
		return false
	}
	if t.Category != o.Category || t.CycleID != o.CycleID {
		return false
	}
	return equalStrings(t.ItemIDs, o.ItemIDs)
}

// SortCycles orders cycles by start date, then number, then ID.
func SortCycles(cycles []Cycle) {
	sort.SliceStable(cycles, func(i, j int) bool {
		a, b := cycles[i], cycles[j]
		if a.StartDate != b.StartDate {
			return a.StartDate < b.StartDate
		}
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.ID < b.ID
	})
}

// SortItems orders items by display order, then ID.
func SortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Order != items[j].Order {
			return items[i].Order < items[j].Order
		}
		return items[i].ID < items[j].ID
	})
}

// CurrentCycle resolves the cycle containing day. A cycle owns
// [start, next start); the last cycle is open-ended and a day before every
// start belongs to the earliest cycle. It returns false only when cycles is
// empty.
func CurrentCycle(cycles []Cycle, day Day) (Cycle, bool) {
	if len(cycles) == 0 {
		return Cycle{}, false
	}
	sorted := make([]Cycle, len(cycles))
	copy(sorted, cycles)
	SortCycles(sorted)

	for i, c := range sorted {
		if day < c.StartDate {
			continue
		}
		if i == len(sorted)-1 || day < sorted[i+1].StartDate {
			return c, true
		}
	}
	return sorted[0], true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
