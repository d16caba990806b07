package engine

import (
	"context"
	"time"

	"github.com/p-blackswan/roomsync/internal/eventlog"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
	"github.com/p-blackswan/roomsync/internal/store"
	"github.com/p-blackswan/roomsync/internal/timer"
)

// Rollover starts a new day. Events dated before today are dropped, every
// collapsed category is expanded and the timer is kept only while it is
// active with an end time after now. Calling it again for the same day has
// no further effect.
func (e *Engine) Rollover(ctx context.Context, today model.Day, now time.Time) error {
	e.mu.Lock()
	e.floor = today
	for cycle, log := range e.state.events {
		pruned := eventlog.Since(log, today, e.loc)
		if pruned.Len() != log.Len() {
			e.state.events[cycle] = pruned
			e.markDirty(store.KindEvents, cycle)
		}
	}
	for _, en := range e.tracker.Entries(pending.EntityEvent, "") {
		if _, day := splitEventKey(en.Key.ID); day.Before(today) {
			e.tracker.Confirm(en.Key)
		}
	}
	var expand []Mutation
	for cycle, flags := range e.state.collapsedCategories {
		for cat, collapsed := range flags {
			if collapsed {
				expand = append(expand, CollapseCategory(cycle, model.Category(cat), false))
			}
		}
	}
	e.mu.Unlock()

	for _, m := range expand {
		if _, err := e.ApplyLocalMutation(ctx, m); err != nil {
			e.logger.Warn().Err(err).Str("cycle", m.CycleID).Str("category", m.ID).Msg("failed to expand category")
		}
	}

	changes, _ := e.driveTimer(true, func() (timer.Transition, error) {
		return e.machine.Rollover(now), nil
	})

	e.metrics.RecordRollover()
	e.metrics.SetPending(e.tracker.Len())
	e.flush(ctx)
	e.publish(append(changes, Change{Kind: ChangeRollover})...)
	e.logger.Info().
		Str("day", string(today)).
		Int("expanded", len(expand)).
		Msg("daily rollover applied")
	return nil
}
