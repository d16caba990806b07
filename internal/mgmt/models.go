// Package mgmt provides the local management API of the sync daemon.
package mgmt

import (
	"time"

	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
)

// --- Request DTOs ---

// CycleRequest is the payload for PUT /api/v1/cycles/:id.
type CycleRequest struct {
	Name          string    `json:"name"`
	Number        int       `json:"number"`
	StartDate     model.Day `json:"startDate"`
	ChallengeDate model.Day `json:"challengeDate,omitempty"`
}

// ItemRequest is the payload for PUT /api/v1/cycles/:cycle/items/:id.
type ItemRequest struct {
	Name        string          `json:"name"`
	Category    model.Category  `json:"category"`
	Dose        *float64        `json:"dose,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	WeeklyDoses map[int]float64 `json:"weeklyDoses,omitempty"`
	Order       int             `json:"order"`
}

// GroupRequest is the payload for PUT /api/v1/cycles/:cycle/groups/:id.
type GroupRequest struct {
	Name     string         `json:"name"`
	Category model.Category `json:"category"`
	ItemIDs  []string       `json:"itemIds"`
}

// UnitRequest is the payload for PUT /api/v1/units/:id.
type UnitRequest struct {
	Name string `json:"name"`
}

// LogEventRequest is the payload for POST /api/v1/cycles/:cycle/events.
type LogEventRequest struct {
	ItemID    string     `json:"itemId"`
	Timestamp *time.Time `json:"timestamp,omitempty"` // now when omitted
}

// CollapseRequest is the payload for the collapsed-flag endpoints.
type CollapseRequest struct {
	Collapsed bool `json:"collapsed"`
}

// StartTimerRequest is the payload for POST /api/v1/timer/start.
type StartTimerRequest struct {
	CycleID         string         `json:"cycleId"`
	Category        model.Category `json:"category"`
	DurationSeconds int            `json:"durationSeconds,omitempty"` // category policy when omitted
}

// SnoozeRequest is the payload for POST /api/v1/timer/snooze.
type SnoozeRequest struct {
	Minutes int `json:"minutes,omitempty"`
}

// --- Response DTOs ---

// CycleResponse is the response for GET /api/v1/cycles/current.
type CycleResponse struct {
	Date  model.Day   `json:"date"`
	Cycle model.Cycle `json:"cycle"`
	Week  int         `json:"week"`
}

// GroupStatusResponse is the response for GET /api/v1/cycles/:cycle/groups/:id.
type GroupStatusResponse struct {
	Group    model.GroupedItem `json:"group"`
	Date     model.Day         `json:"date"`
	Complete bool              `json:"complete"`
}

// TimerResponse wraps the shared timer.
type TimerResponse struct {
	Timer     model.TimerState `json:"timer"`
	Remaining string           `json:"remaining,omitempty"`
}

// PendingWrite describes one unconfirmed local write.
type PendingWrite struct {
	Type      pending.EntityType `json:"type"`
	Scope     string             `json:"scope,omitempty"`
	ID        string             `json:"id"`
	Op        pending.Op         `json:"op"`
	Path      string             `json:"path"`
	Status    pending.Status     `json:"status"`
	Attempts  int                `json:"attempts"`
	LastErr   string             `json:"lastError,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

func toPendingWrite(e pending.Entry) PendingWrite {
	return PendingWrite{
		Type:      e.Key.Type,
		Scope:     e.Key.Scope,
		ID:        e.Key.ID,
		Op:        e.Op,
		Path:      e.Path.String(),
		Status:    e.Status,
		Attempts:  e.Attempts,
		LastErr:   e.LastErr,
		CreatedAt: e.CreatedAt,
	}
}

// SyncStatusResponse is the response for GET /api/v1/sync.
type SyncStatusResponse struct {
	Pending   []PendingWrite `json:"pending"`
	Failed    int            `json:"failed"`
	SyncError string         `json:"syncError,omitempty"`
}

// RolloverResponse is the response for POST /api/v1/rollover.
type RolloverResponse struct {
	RolledOver bool      `json:"rolledOver"`
	Today      model.Day `json:"today"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
