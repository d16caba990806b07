package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/peterbourgon/diskv/v3"
	"github.com/rs/zerolog"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/model"
)

const timerKey = "timer.json"

// TimerFile stores the timer state in its own file. Writes go to a temp file
// that is renamed over the previous state, so a crash mid-write leaves the
// last valid state intact.
type TimerFile struct {
	d      *diskv.Diskv
	dir    string
	logger zerolog.Logger
}

// NewTimerFile creates a timer file under dir.
func NewTimerFile(dir string, logger zerolog.Logger) (*TimerFile, error) {
	tmp := filepath.Join(dir, ".tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure timer dir: %w", err)
	}
	return &TimerFile{
		d: diskv.New(diskv.Options{
			BasePath:     dir,
			TempDir:      tmp,
			CacheSizeMax: 0,
		}),
		dir:    dir,
		logger: logger.With().Str("component", "timer_file").Logger(),
	}, nil
}

// Path returns the location of the timer file.
func (f *TimerFile) Path() string {
	return filepath.Join(f.dir, timerKey)
}

// WriteTimer atomically replaces the stored timer state.
func (f *TimerFile) WriteTimer(state model.TimerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal timer: %w", err)
	}
	if err := f.d.Write(timerKey, data); err != nil {
		return fmt.Errorf("write timer: %v: %w", err, rerrors.ErrPersistence)
	}
	return nil
}

// ReadTimer returns the stored timer state, or false when none was written.
func (f *TimerFile) ReadTimer() (model.TimerState, bool, error) {
	data, err := f.d.Read(timerKey)
	if errors.Is(err, fs.ErrNotExist) {
		return model.TimerState{}, false, nil
	}
	if err != nil {
		return model.TimerState{}, false, fmt.Errorf("read timer: %w", err)
	}
	state, err := model.NewDecoder(time.UTC).Timer(data)
	if err != nil {
		return model.TimerState{}, false, err
	}
	return state, true, nil
}

// Clear removes the stored timer state.
func (f *TimerFile) Clear() error {
	if !f.d.Has(timerKey) {
		return nil
	}
	return f.d.Erase(timerKey)
}

// Watch streams timer states written by other processes sharing the data
// directory. Bursts of filesystem events are coalesced; if the consumer is
// not ready the state is dropped and the next change delivers a fresh one.
func (f *TimerFile) Watch(ctx context.Context) (<-chan model.TimerState, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store: create watcher: %w", err)
	}
	if err := watcher.Add(f.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("store: watch %s: %w", f.dir, err)
	}

	out := make(chan model.TimerState, 4)
	var outMu sync.Mutex
	closed := false
	reload := func() {
		state, ok, err := f.ReadTimer()
		if err != nil {
			f.logger.Warn().Err(err).Msg("reload timer file")
			return
		}
		if !ok {
			state = model.TimerState{Phase: model.PhaseIdle}
		}
		outMu.Lock()
		defer outMu.Unlock()
		if closed {
			return
		}
		select {
		case out <- state:
		default:
		}
	}

	go func() {
		throttle := newThrottle(100 * time.Millisecond)
		defer func() {
			outMu.Lock()
			closed = true
			close(out)
			outMu.Unlock()
		}()
		defer watcher.Close()
		defer throttle.Stop()

		target := f.Path()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn().Err(err).Msg("timer watcher error")
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Has(fsnotify.Create) || evt.Has(fsnotify.Write) || evt.Has(fsnotify.Remove) || evt.Has(fsnotify.Rename) {
					throttle.Enqueue(reload)
				}
			}
		}
	}()

	return out, nil
}

// throttle coalesces rapid change notifications into one call per burst.
type throttle struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
}

func newThrottle(delay time.Duration) *throttle {
	return &throttle{delay: delay}
}

func (t *throttle) Enqueue(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		t.timer = time.AfterFunc(t.delay, func() {
			t.mu.Lock()
			t.timer = nil
			t.mu.Unlock()
			fn()
		})
	}
}

func (t *throttle) Stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}
