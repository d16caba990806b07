package engine

import (
	"context"
	"fmt"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/eventlog"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
)

// CompleteGroup logs every member of a group that is not done today.
func (e *Engine) CompleteGroup(ctx context.Context, cycle, groupID string) (State, error) {
	e.mu.Lock()
	g, ok := e.state.groups[cycle][groupID]
	if !ok {
		e.mu.Unlock()
		return State{}, fmt.Errorf("group %s: %w", groupID, rerrors.ErrNotFound)
	}
	done := e.doneTodayLocked(cycle)
	var todo []string
	for _, id := range g.ItemIDs {
		if !done[id] {
			todo = append(todo, id)
		}
	}
	e.mu.Unlock()

	now := e.clock.Now()
	for _, id := range todo {
		ev := model.CompletionEvent{ItemID: id, Timestamp: now, ActorID: e.actor}
		if _, err := e.ApplyLocalMutation(ctx, LogEvent(cycle, ev)); err != nil {
			return State{}, fmt.Errorf("complete group %s: %w", groupID, err)
		}
	}
	return e.State(), nil
}

// GroupComplete reports whether every member of a group has an event on day.
func (e *Engine) GroupComplete(cycle, groupID string, day model.Day) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.state.groups[cycle][groupID]
	if !ok || len(g.ItemIDs) == 0 {
		return false
	}
	done := eventlog.DoneOn(e.state.events[cycle], day, e.loc)
	for _, id := range g.ItemIDs {
		if !done[id] {
			return false
		}
	}
	return true
}

func (e *Engine) doneTodayLocked(cycle string) map[string]bool {
	return eventlog.DoneOn(e.state.events[cycle], e.Today(), e.loc)
}

// pendingUnitIDs returns the units with an outstanding local upsert.
func (e *Engine) pendingUnitIDs() map[string]bool {
	out := make(map[string]bool)
	for _, en := range e.tracker.Entries(pending.EntityUnit, "") {
		if en.Op == pending.OpUpsert {
			out[en.Key.ID] = true
		}
	}
	return out
}
