// Package timer implements the shared countdown timer lifecycle and its
// debounced persistence.
package timer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/roomsync/internal/clock"
	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/model"
)

// Saver persists timer states. DebouncedWriter is the production Saver.
type Saver interface {
	Save(state model.TimerState)
}

// Transition describes a phase change. Stopped settles to Idle immediately,
// so To is Idle and Stopped is set when the timer was stopped.
type Transition struct {
	From    model.TimerPhase
	To      model.TimerPhase
	Stopped bool
	State   model.TimerState
}

// Changed reports whether the transition changed the persisted state.
func (t Transition) Changed() bool { return t.From != t.To || t.Stopped }

// Machine is the timer state machine:
//
//	Idle -> Running -> {Expired, Snoozed, Stopped} -> Idle
type Machine struct {
	mu     sync.Mutex
	clock  clock.Clock
	saver  Saver
	state  model.TimerState
	logger zerolog.Logger
}

// NewMachine creates an idle machine.
func NewMachine(c clock.Clock, saver Saver, logger zerolog.Logger) *Machine {
	if c == nil {
		c = clock.Real()
	}
	return &Machine{
		clock:  c,
		saver:  saver,
		state:  idleState(),
		logger: logger.With().Str("component", "timer").Logger(),
	}
}

// Restore loads a previously persisted state without writing it back.
func (m *Machine) Restore(s model.TimerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = normalize(s, m.clock.Now())
}

// State returns a copy of the current state.
func (m *Machine) State() model.TimerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state)
}

// ShouldStart decides whether a category timer should start. It returns the
// items still pending today when at least one but not all of the category's
// items are done and the category's timer is enabled.
func ShouldStart(itemIDs []string, done map[string]bool, enabled bool) ([]string, bool) {
	if !enabled || len(itemIDs) == 0 {
		return nil, false
	}
	var remaining []string
	for _, id := range itemIDs {
		if !done[id] {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 || len(remaining) == len(itemIDs) {
		return nil, false
	}
	return remaining, true
}

// Start moves an idle timer to Running for d, tracking itemIDs.
func (m *Machine) Start(d time.Duration, itemIDs []string, category model.Category, cycleID string) (Transition, error) {
	if d <= 0 {
		return Transition{}, fmt.Errorf("timer duration %s: %w", d, rerrors.ErrInvalidInput)
	}
	if len(itemIDs) == 0 {
		return Transition{}, fmt.Errorf("timer without items: %w", rerrors.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != model.PhaseIdle {
		return Transition{}, fmt.Errorf("start from %s: %w", m.state.Phase, rerrors.ErrInvalidState)
	}
	ids := make([]string, len(itemIDs))
	copy(ids, itemIDs)
	next := model.TimerState{
		IsActive:      true,
		EndTime:       m.clock.Now().Add(d),
		ItemIDs:       ids,
		CorrelationID: uuid.New().String(),
		Phase:         model.PhaseRunning,
		Duration:      d,
		Category:      category,
		CycleID:       cycleID,
	}
	return m.apply(next, false), nil
}

// Stop cancels an active timer. Stopping an idle timer is a no-op.
func (m *Machine) Stop() Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == model.PhaseIdle {
		return Transition{From: model.PhaseIdle, To: model.PhaseIdle, State: cloneState(m.state)}
	}
	return m.apply(idleState(), true)
}

// Tick expires a running or snoozed timer whose end time has passed.
func (m *Machine) Tick(now time.Time) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.Phase {
	case model.PhaseRunning, model.PhaseSnoozed:
		if !now.Before(m.state.EndTime) {
			next := cloneState(m.state)
			next.Phase = model.PhaseExpired
			return m.apply(next, false)
		}
	}
	return Transition{From: m.state.Phase, To: m.state.Phase, State: cloneState(m.state)}
}

// Snooze extends a running, snoozed or expired timer to now+d, keeping its
// items and correlation ID.
func (m *Machine) Snooze(d time.Duration) (Transition, error) {
	if d <= 0 {
		return Transition{}, fmt.Errorf("snooze duration %s: %w", d, rerrors.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.Phase {
	case model.PhaseRunning, model.PhaseExpired, model.PhaseSnoozed:
	default:
		return Transition{}, fmt.Errorf("snooze from %s: %w", m.state.Phase, rerrors.ErrInvalidState)
	}
	next := cloneState(m.state)
	next.Phase = model.PhaseSnoozed
	next.IsActive = true
	next.EndTime = m.clock.Now().Add(d)
	next.Duration = d
	return m.apply(next, false), nil
}

// ItemsCompleted stops the timer once every associated item is done.
func (m *Machine) ItemsCompleted(done map[string]bool) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == model.PhaseIdle {
		return Transition{From: model.PhaseIdle, To: model.PhaseIdle, State: cloneState(m.state)}
	}
	for _, id := range m.state.ItemIDs {
		if !done[id] {
			return Transition{From: m.state.Phase, To: m.state.Phase, State: cloneState(m.state)}
		}
	}
	return m.apply(idleState(), true)
}

// Dismiss acknowledges an expired timer and returns it to Idle.
func (m *Machine) Dismiss() (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != model.PhaseExpired {
		return Transition{}, fmt.Errorf("dismiss from %s: %w", m.state.Phase, rerrors.ErrInvalidState)
	}
	return m.apply(idleState(), false), nil
}

// Adopt replaces the state with a value observed remotely.
func (m *Machine) Adopt(s model.TimerState) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := normalize(s, m.clock.Now())
	if next.Equal(m.state) {
		return Transition{From: m.state.Phase, To: m.state.Phase, State: cloneState(m.state)}
	}
	return m.apply(next, false)
}

// Rollover keeps the timer iff it is active with a future end time.
func (m *Machine) Rollover(now time.Time) Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == model.PhaseIdle {
		return Transition{From: model.PhaseIdle, To: model.PhaseIdle, State: cloneState(m.state)}
	}
	if m.state.IsActive && m.state.EndTime.After(now) {
		return Transition{From: m.state.Phase, To: m.state.Phase, State: cloneState(m.state)}
	}
	return m.apply(idleState(), false)
}

func (m *Machine) apply(next model.TimerState, stopped bool) Transition {
	tr := Transition{From: m.state.Phase, To: next.Phase, Stopped: stopped, State: cloneState(next)}
	m.state = next
	m.logger.Debug().
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Bool("stopped", stopped).
		Str("correlation_id", next.CorrelationID).
		Msg("timer transition")
	if m.saver != nil {
		m.saver.Save(cloneState(next))
	}
	return tr
}

func idleState() model.TimerState {
	return model.TimerState{Phase: model.PhaseIdle}
}

// normalize derives a consistent phase for states that lack one or
// contradict their active flag.
func normalize(s model.TimerState, now time.Time) model.TimerState {
	s = cloneState(s)
	if !s.IsActive {
		if s.Phase == model.PhaseIdle || s.Phase == model.PhaseStopped || s.Phase == "" {
			return idleState()
		}
		s.IsActive = true
	}
	switch s.Phase {
	case model.PhaseRunning, model.PhaseSnoozed, model.PhaseExpired:
	default:
		s.Phase = model.PhaseRunning
		if !now.Before(s.EndTime) {
			s.Phase = model.PhaseExpired
		}
	}
	return s
}

func cloneState(s model.TimerState) model.TimerState {
	if s.ItemIDs != nil {
		ids := make([]string, len(s.ItemIDs))
		copy(ids, s.ItemIDs)
		s.ItemIDs = ids
	}
	return s
}
