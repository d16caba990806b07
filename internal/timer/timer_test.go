package timer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/roomsync/internal/clock"
	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/model"
)

var t0 = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type recordingSaver struct {
	mu     sync.Mutex
	states []model.TimerState
}

func (s *recordingSaver) Save(st model.TimerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

type recordingSink struct {
	mu     sync.Mutex
	writes []model.TimerState
	fail   error
}

func (s *recordingSink) WriteTimer(st model.TimerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.writes = append(s.writes, st)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func newMachine(t *testing.T) (*Machine, *clock.Fake, *recordingSaver) {
	t.Helper()
	fc := clock.NewFake(t0)
	saver := &recordingSaver{}
	return NewMachine(fc, saver, zerolog.Nop()), fc, saver
}

func TestShouldStart(t *testing.T) {
	ids := []string{"a", "b", "c"}

	remaining, ok := ShouldStart(ids, map[string]bool{"a": true}, true)
	assert.True(t, ok)
	assert.Equal(t, []string{"b", "c"}, remaining)

	_, ok = ShouldStart(ids, map[string]bool{}, true)
	assert.False(t, ok, "nothing done")
	_, ok = ShouldStart(ids, map[string]bool{"a": true, "b": true, "c": true}, true)
	assert.False(t, ok, "everything done")
	_, ok = ShouldStart(ids, map[string]bool{"a": true}, false)
	assert.False(t, ok, "disabled")
}

func TestMachine_Lifecycle(t *testing.T) {
	m, fc, saver := newMachine(t)

	tr, err := m.Start(10*time.Minute, []string{"b", "c"}, model.CategoryMedicine, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseIdle, tr.From)
	assert.Equal(t, model.PhaseRunning, tr.To)
	st := m.State()
	assert.True(t, st.IsActive)
	assert.Equal(t, t0.Add(10*time.Minute), st.EndTime)
	assert.NotEmpty(t, st.CorrelationID)
	corr := st.CorrelationID

	_, err = m.Start(time.Minute, []string{"x"}, model.CategoryMedicine, "c1")
	assert.ErrorIs(t, err, rerrors.ErrInvalidState)

	fc.Advance(5 * time.Minute)
	assert.False(t, m.Tick(fc.Now()).Changed())

	fc.Advance(5 * time.Minute)
	tr = m.Tick(fc.Now())
	assert.Equal(t, model.PhaseExpired, tr.To)

	tr, err = m.Snooze(5 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseSnoozed, tr.To)
	st = m.State()
	assert.Equal(t, fc.Now().Add(5*time.Minute), st.EndTime)
	assert.Equal(t, corr, st.CorrelationID)
	assert.Equal(t, []string{"b", "c"}, st.ItemIDs)

	fc.Advance(5 * time.Minute)
	assert.Equal(t, model.PhaseExpired, m.Tick(fc.Now()).To)

	tr, err = m.Dismiss()
	require.NoError(t, err)
	assert.Equal(t, model.PhaseIdle, tr.To)
	assert.False(t, m.State().IsActive)

	assert.Len(t, saver.states, 5)
}

func TestMachine_StopIsIdempotent(t *testing.T) {
	m, _, saver := newMachine(t)
	_, err := m.Start(time.Minute, []string{"a"}, model.CategoryMedicine, "c1")
	require.NoError(t, err)

	first := m.Stop()
	assert.True(t, first.Stopped)
	assert.Equal(t, model.PhaseIdle, first.To)

	second := m.Stop()
	assert.False(t, second.Changed())
	assert.Len(t, saver.states, 2)
}

func TestMachine_ItemsCompleted(t *testing.T) {
	m, _, _ := newMachine(t)
	_, err := m.Start(time.Minute, []string{"a", "b"}, model.CategoryMedicine, "c1")
	require.NoError(t, err)

	assert.False(t, m.ItemsCompleted(map[string]bool{"a": true}).Changed())
	tr := m.ItemsCompleted(map[string]bool{"a": true, "b": true})
	assert.True(t, tr.Stopped)
	assert.Equal(t, model.PhaseIdle, m.State().Phase)
}

func TestMachine_InvalidTransitions(t *testing.T) {
	m, _, _ := newMachine(t)
	_, err := m.Snooze(time.Minute)
	assert.ErrorIs(t, err, rerrors.ErrInvalidState)
	_, err = m.Dismiss()
	assert.ErrorIs(t, err, rerrors.ErrInvalidState)
	_, err = m.Start(0, []string{"a"}, model.CategoryMedicine, "c1")
	assert.ErrorIs(t, err, rerrors.ErrInvalidInput)
	_, err = m.Start(time.Minute, nil, model.CategoryMedicine, "c1")
	assert.ErrorIs(t, err, rerrors.ErrInvalidInput)
}

func TestMachine_AdoptAndRollover(t *testing.T) {
	m, fc, saver := newMachine(t)

	remote := model.TimerState{IsActive: true, EndTime: t0.Add(time.Hour), ItemIDs: []string{"a"}, CorrelationID: "r1"}
	tr := m.Adopt(remote)
	assert.Equal(t, model.PhaseRunning, tr.To)
	assert.False(t, m.Adopt(m.State()).Changed(), "adopting the same state is a no-op")

	assert.False(t, m.Rollover(fc.Now()).Changed(), "future end time survives")

	fc.Advance(2 * time.Hour)
	tr = m.Rollover(fc.Now())
	assert.Equal(t, model.PhaseIdle, tr.To)
	assert.Len(t, saver.states, 2)
}

func TestMachine_RestoreDoesNotSave(t *testing.T) {
	m, _, saver := newMachine(t)
	m.Restore(model.TimerState{IsActive: true, EndTime: t0.Add(-time.Minute), ItemIDs: []string{"a"}})
	assert.Equal(t, model.PhaseExpired, m.State().Phase)
	assert.Empty(t, saver.states)
}

func TestDebouncedWriter_CoalescesBurst(t *testing.T) {
	fc := clock.NewFake(t0)
	sink := &recordingSink{}
	w := NewDebouncedWriter(sink, 500*time.Millisecond, fc, zerolog.Nop())

	w.Save(model.TimerState{CorrelationID: "s1", Phase: model.PhaseRunning})
	fc.Advance(100 * time.Millisecond)
	w.Save(model.TimerState{CorrelationID: "s2", Phase: model.PhaseExpired})
	fc.Advance(400 * time.Millisecond)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "s2", sink.writes[0].CorrelationID)

	fc.Advance(time.Second)
	assert.Equal(t, 1, sink.count(), "no further writes without new state")
}

func TestDebouncedWriter_MinimumIntervalAfterWrite(t *testing.T) {
	fc := clock.NewFake(t0)
	sink := &recordingSink{}
	w := NewDebouncedWriter(sink, 500*time.Millisecond, fc, zerolog.Nop())

	w.Save(model.TimerState{CorrelationID: "s1"})
	require.NoError(t, w.Flush())
	require.Equal(t, 1, sink.count())

	w.Save(model.TimerState{CorrelationID: "s2"})
	fc.Advance(499 * time.Millisecond)
	assert.Equal(t, 1, sink.count())
	fc.Advance(time.Millisecond)
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, "s2", sink.writes[1].CorrelationID)
}

func TestDebouncedWriter_RetriesFailedWrite(t *testing.T) {
	fc := clock.NewFake(t0)
	sink := &recordingSink{fail: errors.New("disk full")}
	w := NewDebouncedWriter(sink, 500*time.Millisecond, fc, zerolog.Nop())
	var results []error
	w.OnWrite(func(err error) { results = append(results, err) })

	w.Save(model.TimerState{CorrelationID: "s1"})
	fc.Advance(500 * time.Millisecond)
	assert.Equal(t, 0, sink.count())
	require.Len(t, results, 1)
	assert.Error(t, results[0])

	sink.mu.Lock()
	sink.fail = nil
	sink.mu.Unlock()
	fc.Advance(500 * time.Millisecond)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, "s1", sink.writes[0].CorrelationID)
}

func TestDebouncedWriter_CloseFlushes(t *testing.T) {
	fc := clock.NewFake(t0)
	sink := &recordingSink{}
	w := NewDebouncedWriter(sink, time.Second, fc, zerolog.Nop())

	w.Save(model.TimerState{CorrelationID: "s1"})
	require.NoError(t, w.Close())
	assert.Equal(t, 1, sink.count())

	w.Save(model.TimerState{CorrelationID: "s2"})
	fc.Advance(time.Minute)
	assert.Equal(t, 1, sink.count())
}
