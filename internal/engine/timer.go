package engine

import (
	"context"
	"time"

	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
	"github.com/p-blackswan/roomsync/internal/timer"
)

var timerKey = pending.Key{Type: pending.EntityTimer}

// StopTimer cancels the shared timer. Stopping an idle timer does nothing.
func (e *Engine) StopTimer(ctx context.Context) (model.TimerState, error) {
	return e.timerOp(ctx, func() (timer.Transition, error) {
		return e.machine.Stop(), nil
	})
}

// SnoozeTimer extends the timer to now+d, keeping its items and correlation ID.
func (e *Engine) SnoozeTimer(ctx context.Context, d time.Duration) (model.TimerState, error) {
	return e.timerOp(ctx, func() (timer.Transition, error) {
		return e.machine.Snooze(d)
	})
}

// DismissTimer acknowledges an expired timer.
func (e *Engine) DismissTimer(ctx context.Context) (model.TimerState, error) {
	return e.timerOp(ctx, func() (timer.Transition, error) {
		return e.machine.Dismiss()
	})
}

// StartTimer starts the timer for the items of category in cycle that are
// not done today. It fails when the timer is not idle.
func (e *Engine) StartTimer(ctx context.Context, cycle string, category model.Category, d time.Duration) (model.TimerState, error) {
	e.mu.Lock()
	done := e.doneTodayLocked(cycle)
	var remaining []string
	for _, it := range e.state.itemList(cycle) {
		if it.Category == category && !done[it.ID] {
			remaining = append(remaining, it.ID)
		}
	}
	e.mu.Unlock()

	return e.timerOp(ctx, func() (timer.Transition, error) {
		return e.machine.Start(d, remaining, category, cycle)
	})
}

// Tick expires the timer once its end time has passed. Expiry is local and
// is not written remotely.
func (e *Engine) Tick(now time.Time) {
	changes, _ := e.driveTimer(false, func() (timer.Transition, error) {
		return e.machine.Tick(now), nil
	})
	e.publish(changes...)
}

// ReloadTimer adopts a timer state persisted by another process.
func (e *Engine) ReloadTimer(s model.TimerState) {
	changes, _ := e.driveTimer(false, func() (timer.Transition, error) {
		return e.machine.Adopt(s), nil
	})
	e.publish(changes...)
}

func (e *Engine) timerOp(ctx context.Context, fn func() (timer.Transition, error)) (model.TimerState, error) {
	changes, err := e.driveTimer(true, fn)
	if err != nil {
		return e.machine.State(), err
	}
	e.retryFailed()
	e.publish(changes...)
	return e.machine.State(), nil
}

// driveTimer runs one machine transition and its side effects. Local
// transitions are written remotely and protected until confirmed.
func (e *Engine) driveTimer(local bool, fn func() (timer.Transition, error)) ([]Change, error) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()

	prev := e.machine.State()
	tr, err := fn()
	if err != nil {
		return nil, err
	}
	next := tr.State
	if next.Equal(prev) {
		return nil, nil
	}

	to := string(tr.To)
	if tr.Stopped {
		to = string(model.PhaseStopped)
	}
	e.metrics.RecordTimerTransition(string(tr.From), to)

	if local {
		e.tracker.Record(timerKey, pending.OpUpsert, model.TimerPath(), next, nil)
		e.dispatcher.Enqueue(timerKey)
		e.metrics.SetPending(e.tracker.Len())
	}
	e.notifyTimer(prev, next)

	e.logger.Info().
		Str("from", string(tr.From)).
		Str("to", to).
		Bool("local", local).
		Str("correlation_id", next.CorrelationID).
		Msg("timer changed")
	return []Change{{Kind: ChangeTimer}}, nil
}

// notifyTimer keeps the notification schedule in line with the timer.
func (e *Engine) notifyTimer(prev, next model.TimerState) {
	if e.notifier == nil {
		return
	}
	scheduled := func(s model.TimerState) bool {
		return s.IsActive && (s.Phase == model.PhaseRunning || s.Phase == model.PhaseSnoozed)
	}
	if scheduled(prev) && (!scheduled(next) || next.CorrelationID != prev.CorrelationID) {
		if next.Phase != model.PhaseExpired || next.CorrelationID != prev.CorrelationID {
			e.notifier.Cancel(prev.CorrelationID)
		}
	}
	if scheduled(next) && (!scheduled(prev) || !next.EndTime.Equal(prev.EndTime) || next.CorrelationID != prev.CorrelationID) {
		e.notifier.Schedule(next.EndTime, next.Duration, next.CorrelationID)
	}
}
