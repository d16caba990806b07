package rollover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/roomsync/internal/clock"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/store"
)

type recordingTarget struct {
	mu   sync.Mutex
	days []model.Day
	err  error
}

func (r *recordingTarget) Rollover(_ context.Context, today model.Day, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.days = append(r.days, today)
	return nil
}

func (r *recordingTarget) calls() []model.Day {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Day(nil), r.days...)
}

func newTestController(t *testing.T, now time.Time) (*Controller, *recordingTarget, *store.Store, *clock.Fake) {
	t.Helper()
	s, err := store.New(t.TempDir()+"/cache.db", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fc := clock.NewFake(now)
	target := &recordingTarget{}
	return New(s, target, fc, time.UTC, zerolog.Nop()), target, s, fc
}

func TestCheck_FirstRunRollsOver(t *testing.T) {
	c, target, s, _ := newTestController(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	ran, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []model.Day{"2026-03-10"}, target.calls())

	day, ok, err := s.LastResetDate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.Day("2026-03-10"), day)
}

func TestCheck_Idempotent(t *testing.T) {
	c, target, _, _ := newTestController(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Check(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ran, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Len(t, target.calls(), 1)
}

func TestCheck_NextDay(t *testing.T) {
	c, target, s, fc := newTestController(t, time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC))
	require.NoError(t, s.SetLastResetDate(context.Background(), "2026-03-10"))

	ran, err := c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	fc.Advance(2 * time.Minute)
	ran, err = c.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []model.Day{"2026-03-11"}, target.calls())
}

func TestCheck_TargetErrorKeepsDate(t *testing.T) {
	c, target, s, _ := newTestController(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	require.NoError(t, s.SetLastResetDate(context.Background(), "2026-03-09"))
	target.err = errors.New("boom")

	ran, err := c.Check(context.Background())
	assert.Error(t, err)
	assert.False(t, ran)

	day, _, err := s.LastResetDate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Day("2026-03-09"), day, "a failed rollover is retried on the next check")
}

// flakyDates fails SetLastResetDate while failing is set.
type flakyDates struct {
	mu      sync.Mutex
	last    model.Day
	failing bool
	saves   int
}

func (f *flakyDates) LastResetDate(context.Context) (model.Day, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.last != "", nil
}

func (f *flakyDates) SetLastResetDate(_ context.Context, day model.Day) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.failing {
		return errors.New("disk full")
	}
	f.last = day
	return nil
}

func TestCheck_DateSaveFailureDoesNotRollAgain(t *testing.T) {
	dates := &flakyDates{last: "2026-03-09", failing: true}
	target := &recordingTarget{}
	c := New(dates, target, clock.NewFake(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)), time.UTC, zerolog.Nop())

	ran, err := c.Check(context.Background())
	assert.Error(t, err)
	assert.True(t, ran)
	require.Len(t, target.calls(), 1)

	// Still failing: the date is retried but the day is not rolled twice.
	ran, err = c.Check(context.Background())
	assert.Error(t, err)
	assert.False(t, ran)
	assert.Len(t, target.calls(), 1)

	dates.mu.Lock()
	dates.failing = false
	dates.mu.Unlock()

	ran, err = c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Len(t, target.calls(), 1, "events logged after the first rollover must survive")
	assert.Equal(t, 3, dates.saves)

	last, ok, err := dates.LastResetDate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.Day("2026-03-10"), last)

	ran, err = c.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 3, dates.saves)
}
