package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/roomsync/internal/clock"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/store"
)

// logNotifier raises timer alerts as log entries at the scheduled end time.
type logNotifier struct {
	mu      sync.Mutex
	clock   clock.Clock
	pending map[string]clock.Timer
	logger  zerolog.Logger
}

func newLogNotifier(c clock.Clock, logger zerolog.Logger) *logNotifier {
	return &logNotifier{
		clock:   c,
		pending: make(map[string]clock.Timer),
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
}

func (n *logNotifier) Schedule(end time.Time, duration time.Duration, correlationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.pending[correlationID]; ok {
		t.Stop()
	}
	delay := end.Sub(n.clock.Now())
	if delay < 0 {
		delay = 0
	}
	n.pending[correlationID] = n.clock.AfterFunc(delay, func() {
		n.mu.Lock()
		delete(n.pending, correlationID)
		n.mu.Unlock()
		n.logger.Warn().
			Str("correlation_id", correlationID).
			Dur("duration", duration).
			Msg("timer finished")
	})
	n.logger.Debug().
		Str("correlation_id", correlationID).
		Time("end", end).
		Msg("timer alert scheduled")
}

func (n *logNotifier) Cancel(correlationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.pending[correlationID]; ok {
		t.Stop()
		delete(n.pending, correlationID)
		n.logger.Debug().Str("correlation_id", correlationID).Msg("timer alert cancelled")
	}
}

// echoFilter wraps the timer file so the watcher can tell this process's
// own writes from those of other processes sharing DATA_DIR.
type echoFilter struct {
	mu   sync.Mutex
	file *store.TimerFile
	last *model.TimerState
}

func (f *echoFilter) WriteTimer(state model.TimerState) error {
	if err := f.file.WriteTimer(state); err != nil {
		return err
	}
	f.mu.Lock()
	f.last = &state
	f.mu.Unlock()
	return nil
}

// isEcho reports whether state is the last state this process wrote.
func (f *echoFilter) isEcho(state model.TimerState) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last != nil && f.last.Equal(state)
}
