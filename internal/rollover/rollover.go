// Package rollover detects calendar day boundaries and starts a new day in
// the engine at most once per day.
package rollover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/roomsync/internal/clock"
	"github.com/p-blackswan/roomsync/internal/model"
)

// DateStore persists the day of the last rollover.
type DateStore interface {
	LastResetDate(ctx context.Context) (model.Day, bool, error)
	SetLastResetDate(ctx context.Context, day model.Day) error
}

// Target applies a rollover. engine.Engine implements it.
type Target interface {
	Rollover(ctx context.Context, today model.Day, now time.Time) error
}

// Controller compares the persisted last reset date with today and rolls
// the target over when they differ.
type Controller struct {
	mu     sync.Mutex
	store  DateStore
	target Target
	clock  clock.Clock
	loc    *time.Location
	logger zerolog.Logger

	rolled model.Day // day the target last rolled to, even if saving it failed
}

// New creates a controller.
func New(store DateStore, target Target, c clock.Clock, loc *time.Location, logger zerolog.Logger) *Controller {
	if c == nil {
		c = clock.Real()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Controller{
		store:  store,
		target: target,
		clock:  c,
		loc:    loc,
		logger: logger.With().Str("component", "rollover").Logger(),
	}
}

// Check rolls over when the last reset happened on another day. It reports
// whether a rollover ran. Concurrent and repeated calls are safe; only the
// first call of a day does any work.
func (c *Controller) Check(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	today := model.DayOf(now, c.loc)

	last, ok, err := c.store.LastResetDate(ctx)
	if err != nil {
		return false, fmt.Errorf("read last reset date: %w", err)
	}
	if ok && last == today {
		return false, nil
	}

	if c.rolled == today {
		// The target already rolled today; only the date is missing.
		if err := c.store.SetLastResetDate(ctx, today); err != nil {
			return false, fmt.Errorf("save last reset date: %w", err)
		}
		c.logger.Info().Str("today", string(today)).Msg("saved last reset date after earlier failure")
		return false, nil
	}

	if err := c.target.Rollover(ctx, today, now); err != nil {
		return false, fmt.Errorf("rollover to %s: %w", today, err)
	}
	c.rolled = today
	if err := c.store.SetLastResetDate(ctx, today); err != nil {
		return true, fmt.Errorf("save last reset date: %w", err)
	}

	c.logger.Info().
		Str("previous", string(last)).
		Str("today", string(today)).
		Msg("day rolled over")
	return true, nil
}
