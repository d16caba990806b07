package timer

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/roomsync/internal/clock"
	"github.com/p-blackswan/roomsync/internal/model"
)

// DefaultDebounce is the minimum interval between timer file writes.
const DefaultDebounce = 500 * time.Millisecond

// Sink durably stores a timer state.
type Sink interface {
	WriteTimer(state model.TimerState) error
}

// DebouncedWriter coalesces bursts of timer states into a single write of
// the latest state. A write is issued one interval after the first state of
// a burst and never sooner than one interval after the previous successful
// write. Failed writes are retried on the next interval.
type DebouncedWriter struct {
	mu        sync.Mutex
	writeMu   sync.Mutex
	clock     clock.Clock
	sink      Sink
	interval  time.Duration
	pending   *model.TimerState
	armed     clock.Timer
	lastWrite time.Time
	closed    bool
	onWrite   func(err error)
	logger    zerolog.Logger
}

// NewDebouncedWriter creates a writer flushing to sink.
func NewDebouncedWriter(sink Sink, interval time.Duration, c clock.Clock, logger zerolog.Logger) *DebouncedWriter {
	if interval <= 0 {
		interval = DefaultDebounce
	}
	if c == nil {
		c = clock.Real()
	}
	return &DebouncedWriter{
		clock:    c,
		sink:     sink,
		interval: interval,
		logger:   logger.With().Str("component", "timer_writer").Logger(),
	}
}

// OnWrite registers a callback invoked after every write attempt.
func (w *DebouncedWriter) OnWrite(fn func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onWrite = fn
}

// Save schedules state to be written.
func (w *DebouncedWriter) Save(state model.TimerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending = &state
	w.armLocked()
}

// Flush writes any pending state immediately.
func (w *DebouncedWriter) Flush() error {
	w.mu.Lock()
	if w.armed != nil {
		w.armed.Stop()
		w.armed = nil
	}
	w.mu.Unlock()
	return w.write()
}

// Close flushes pending state and rejects further saves.
func (w *DebouncedWriter) Close() error {
	err := w.Flush()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return err
}

// LastWrite returns the time of the last successful write.
func (w *DebouncedWriter) LastWrite() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastWrite
}

func (w *DebouncedWriter) armLocked() {
	if w.armed != nil {
		return
	}
	delay := w.interval
	if !w.lastWrite.IsZero() {
		if earliest := w.lastWrite.Add(w.interval).Sub(w.clock.Now()); earliest > delay {
			delay = earliest
		}
	}
	w.armed = w.clock.AfterFunc(delay, w.fire)
}

func (w *DebouncedWriter) fire() {
	w.mu.Lock()
	w.armed = nil
	w.mu.Unlock()
	_ = w.write()
}

func (w *DebouncedWriter) write() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	state := w.pending
	w.pending = nil
	w.mu.Unlock()
	if state == nil {
		return nil
	}

	err := w.sink.WriteTimer(*state)

	w.mu.Lock()
	onWrite := w.onWrite
	if err != nil {
		// Keep the failed state unless a newer one arrived meanwhile.
		if w.pending == nil {
			w.pending = state
		}
		if !w.closed {
			w.armLocked()
		}
	} else {
		w.lastWrite = w.clock.Now()
	}
	w.mu.Unlock()

	if err != nil {
		w.logger.Warn().Err(err).Msg("timer state write failed")
	} else {
		w.logger.Debug().Str("phase", string(state.Phase)).Msg("timer state written")
	}
	if onWrite != nil {
		onWrite(err)
	}
	return err
}
