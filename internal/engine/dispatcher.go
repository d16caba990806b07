package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/roomsync/internal/gateway"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
	"github.com/p-blackswan/roomsync/internal/retry"
)

type dispatcherConfig struct {
	Workers   int
	QueueSize int
	Retry     retry.Config
}

// writeResult is called after every delivery attempt of a pending write.
type writeResult func(entry pending.Entry, err error, took time.Duration)

// dispatcher delivers pending writes to the gateway on a worker pool. Writes
// for the same entity never run concurrently; a write recorded while an
// older one is in flight is sent once the older one finishes.
type dispatcher struct {
	queue    chan pending.Key
	workers  int
	retry    retry.Config
	gw       gateway.Gateway
	tracker  *pending.Tracker
	onResult writeResult
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[pending.Key]bool // true when another pass was requested

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

func newDispatcher(cfg dispatcherConfig, gw gateway.Gateway, tracker *pending.Tracker, onResult writeResult, logger zerolog.Logger) *dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	return &dispatcher{
		queue:    make(chan pending.Key, cfg.QueueSize),
		workers:  cfg.Workers,
		retry:    cfg.Retry,
		gw:       gw,
		tracker:  tracker,
		onResult: onResult,
		inflight: make(map[pending.Key]bool),
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Start launches the worker goroutines.
func (d *dispatcher) Start(ctx context.Context) {
	if d.running.Swap(true) {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.logger.Info().Int("workers", d.workers).Msg("write dispatcher started")
}

// Stop cancels in-flight writes and waits for the workers to exit. Writes
// still queued stay pending in the tracker.
func (d *dispatcher) Stop() {
	if !d.running.Swap(false) {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info().Msg("write dispatcher stopped")
}

// Enqueue schedules delivery of the pending writes for keys. It never
// blocks; when the queue is full the write is marked failed so a later
// resync picks it up.
func (d *dispatcher) Enqueue(keys ...pending.Key) {
	for _, key := range keys {
		select {
		case d.queue <- key:
		default:
			if en, ok := d.tracker.Get(key); ok {
				d.tracker.MarkFailed(key, en.MutationID, fmt.Errorf("write queue is full"))
			}
			d.logger.Warn().
				Str("type", string(key.Type)).
				Str("id", key.ID).
				Msg("write queue is full")
		}
	}
}

func (d *dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	d.logger.Debug().Int("worker", id).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case key := <-d.queue:
			d.deliver(ctx, key)
		}
	}
}

func (d *dispatcher) deliver(ctx context.Context, key pending.Key) {
	if !d.claim(key) {
		return
	}
	for {
		if en, ok := d.tracker.Get(key); ok && en.Status == pending.StatusQueued {
			d.send(ctx, en)
		}
		if !d.release(key) {
			return
		}
	}
}

// claim marks key as in flight. It returns false when another worker owns
// the key; that worker makes one more pass instead.
func (d *dispatcher) claim(key pending.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[key]; busy {
		d.inflight[key] = true
		return false
	}
	d.inflight[key] = false
	return true
}

// release ends a pass over key. It returns true, keeping the claim, when
// another pass was requested meanwhile.
func (d *dispatcher) release(key pending.Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[key] {
		d.inflight[key] = false
		return true
	}
	delete(d.inflight, key)
	return false
}

func (d *dispatcher) send(ctx context.Context, en pending.Entry) {
	writes, err := entryWrites(en)
	if err != nil {
		d.tracker.MarkFailed(en.Key, en.MutationID, err)
		if d.onResult != nil {
			d.onResult(en, err, 0)
		}
		return
	}

	cfg := d.retry
	cfg.OnRetry = func(attempt int, err error) {
		d.logger.Debug().Err(err).
			Int("attempt", attempt).
			Str("path", en.Path.String()).
			Msg("retrying write")
	}

	start := time.Now()
	err = retry.Do(ctx, cfg, func(ctx context.Context) error {
		for _, w := range writes {
			if err := d.gw.WriteValue(ctx, w.path, w.value); err != nil {
				return err
			}
		}
		return nil
	})
	took := time.Since(start)

	if err != nil {
		d.tracker.MarkFailed(en.Key, en.MutationID, err)
	} else {
		d.tracker.MarkSent(en.Key, en.MutationID)
	}
	if d.onResult != nil {
		d.onResult(en, err, took)
	}
}

// valueWrite is a single gateway write.
type valueWrite struct {
	path  model.Path
	value any
}

// entryWrites expands an entry into the gateway writes that deliver it. An
// upsert covering only some fields of an entity writes each of them to its
// own field path and leaves the other fields untouched remotely. A field
// that encodes to nothing is removed.
func entryWrites(en pending.Entry) ([]valueWrite, error) {
	switch {
	case en.Op == pending.OpDelete:
		return []valueWrite{{path: en.Path}}, nil
	case en.Fields == nil:
		return []valueWrite{{path: en.Path, value: en.Value}}, nil
	}

	data, err := json.Marshal(en.Value)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", en.Path, err)
	}
	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("encode %s: %w", en.Path, err)
	}

	names := make([]string, 0, len(en.Fields))
	for name := range en.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]valueWrite, 0, len(names))
	for _, name := range names {
		w := valueWrite{path: en.Path.Field(name)}
		if raw, ok := attrs[name]; ok && string(raw) != "null" {
			w.value = raw
		}
		out = append(out, w)
	}
	return out, nil
}
