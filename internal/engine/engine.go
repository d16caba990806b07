// Package engine owns the in-memory room state. It applies local mutations
// optimistically, tracks them until a remote snapshot confirms them, and
// merges remote snapshots without discarding unconfirmed local writes.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/roomsync/internal/clock"
	"github.com/p-blackswan/roomsync/internal/eventlog"
	"github.com/p-blackswan/roomsync/internal/gateway"
	"github.com/p-blackswan/roomsync/internal/metrics"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
	"github.com/p-blackswan/roomsync/internal/retry"
	"github.com/p-blackswan/roomsync/internal/store"
	"github.com/p-blackswan/roomsync/internal/timer"
)

// Persister is the durable local cache. store.Store implements it.
type Persister interface {
	PutCycles(ctx context.Context, cycles []model.Cycle) error
	PutItems(ctx context.Context, cycleID string, items []model.Item) error
	PutGroups(ctx context.Context, cycleID string, groups []model.GroupedItem) error
	PutUnits(ctx context.Context, units []model.Unit) error
	PutEvents(ctx context.Context, cycleID string, events map[string][]model.CompletionEvent) error
	PutCollapsed(ctx context.Context, cycleID string, categories, groups map[string]bool) error
	DeleteScope(ctx context.Context, scope string) error
}

// Notifier receives timer schedules so user-facing alerts can be planned.
// Delivery is up to the implementation.
type Notifier interface {
	Schedule(end time.Time, duration time.Duration, correlationID string)
	Cancel(correlationID string)
}

// TimerPolicy reports whether a category's timer is enabled and for how long
// it runs.
type TimerPolicy interface {
	TimerFor(category model.Category) (time.Duration, bool)
}

// Options configures an Engine.
type Options struct {
	Gateway   gateway.Gateway
	Persister Persister
	// TimerSaver durably stores timer states, usually a timer.DebouncedWriter.
	TimerSaver timer.Saver
	Notifier   Notifier
	Policy     TimerPolicy
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Location   *time.Location
	ActorID    string

	Workers   int
	QueueSize int
	Retry     retry.Config
}

// Engine is the single owner of the room state. All entry points serialize
// on one mutex; remote writes run on a worker pool outside it.
type Engine struct {
	mu    sync.Mutex
	state *roomState
	floor model.Day // events before this day are pruned locally
	dirty map[dirtyKey]struct{}

	persistMu        sync.Mutex
	persistScheduled atomic.Bool

	gw        gateway.Gateway
	persister Persister
	notifier  Notifier
	policy    TimerPolicy
	metrics   *metrics.Metrics
	clock     clock.Clock
	loc       *time.Location
	actor     string
	retry     retry.Config
	decoder   model.Decoder

	tracker    *pending.Tracker
	machine    *timer.Machine
	timerMu    sync.Mutex // serializes timer transitions with their side effects
	dispatcher *dispatcher

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int

	syncMu  sync.Mutex
	syncErr error

	cyclesChanged chan struct{}
	logger        zerolog.Logger
}

// New creates an engine with empty state.
func New(opts Options, logger zerolog.Logger) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("engine: gateway is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}

	e := &Engine{
		state:         newRoomState(),
		dirty:         make(map[dirtyKey]struct{}),
		gw:            opts.Gateway,
		persister:     opts.Persister,
		notifier:      opts.Notifier,
		policy:        opts.Policy,
		metrics:       opts.Metrics,
		clock:         opts.Clock,
		loc:           opts.Location,
		actor:         opts.ActorID,
		retry:         opts.Retry,
		decoder:       model.NewDecoder(opts.Location),
		tracker:       pending.NewTracker(opts.Clock.Now),
		subs:          make(map[int]chan Change),
		cyclesChanged: make(chan struct{}, 1),
		logger:        logger.With().Str("component", "engine").Logger(),
	}
	e.machine = timer.NewMachine(opts.Clock, opts.TimerSaver, logger)
	e.dispatcher = newDispatcher(dispatcherConfig{
		Workers:   opts.Workers,
		QueueSize: opts.QueueSize,
		Retry:     opts.Retry,
	}, e.gw, e.tracker, e.onWriteResult, logger)
	return e, nil
}

// Restore loads the cached room state and the persisted timer at cold
// start. It does not write anything remotely.
func (e *Engine) Restore(cache *store.Cache, timerState *model.TimerState, lastReset model.Day) {
	e.mu.Lock()
	if cache != nil {
		s := newRoomState()
		for _, c := range cache.Cycles {
			s.cycles[c.ID] = c
		}
		for cycle, items := range cache.Items {
			m := s.itemsOf(cycle)
			for _, it := range items {
				m[it.ID] = it
			}
		}
		for cycle, groups := range cache.Groups {
			m := s.groupsOf(cycle)
			for _, g := range groups {
				m[g.ID] = g
			}
		}
		for _, u := range cache.Units {
			s.units[u.ID] = u
		}
		for cycle, evs := range cache.Events {
			s.events[cycle] = eventlog.Dedup(eventlog.Log(evs), e.loc)
		}
		for cycle, flags := range cache.CollapsedCategories {
			s.categoriesOf(cycle)
			for k, v := range flags {
				s.collapsedCategories[cycle][k] = v
			}
		}
		for cycle, flags := range cache.CollapsedGroups {
			s.collapsedGroupsOf(cycle)
			for k, v := range flags {
				s.collapsedGroups[cycle][k] = v
			}
		}
		e.state = s
	}
	if lastReset != "" {
		e.floor = lastReset
		for cycle, log := range e.state.events {
			e.state.events[cycle] = eventlog.Since(log, lastReset, e.loc)
		}
	}
	e.mu.Unlock()

	if timerState != nil {
		e.machine.Restore(*timerState)
		st := e.machine.State()
		if e.notifier != nil && st.IsActive && st.Phase != model.PhaseExpired {
			e.notifier.Schedule(st.EndTime, st.Duration, st.CorrelationID)
		}
	}
	e.signalCycles()

	e.mu.Lock()
	n := len(e.state.cycles)
	e.mu.Unlock()
	e.logger.Info().
		Int("cycles", n).
		Str("last_reset", string(lastReset)).
		Msg("state restored from cache")
}

// Today returns the current local calendar day.
func (e *Engine) Today() model.Day {
	return model.DayOf(e.clock.Now(), e.loc)
}

// Location returns the time zone used for calendar days.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// State returns a deep copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	st := e.snapshotLocked()
	e.mu.Unlock()
	st.Timer = e.machine.State()
	st.Pending = e.tracker.Len()
	if err := e.SyncError(); err != nil {
		st.SyncError = err.Error()
	}
	return st
}

// Timer returns the current timer state.
func (e *Engine) Timer() model.TimerState {
	return e.machine.State()
}

// CurrentCycle resolves the cycle containing day.
func (e *Engine) CurrentCycle(day model.Day) (model.Cycle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return model.CurrentCycle(e.state.cycleList(), day)
}

// PendingWrites returns every unconfirmed local write.
func (e *Engine) PendingWrites() []pending.Entry {
	return e.tracker.All()
}

// SyncError returns the last unresolved write failure, if any.
func (e *Engine) SyncError() error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.syncErr
}

// Subscribe returns a channel of state changes and a function that ends the
// subscription. Changes are dropped for a subscriber whose buffer is full.
func (e *Engine) Subscribe() (<-chan Change, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan Change, 64)
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
			close(ch)
		})
	}
}

func (e *Engine) publish(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, c := range changes {
		for _, ch := range e.subs {
			select {
			case ch <- c:
			default:
			}
		}
	}
}

func (e *Engine) signalCycles() {
	select {
	case e.cyclesChanged <- struct{}{}:
	default:
	}
}

func (e *Engine) setSyncError(err error) {
	e.syncMu.Lock()
	e.syncErr = err
	e.syncMu.Unlock()
}

// --- persistence ---

type dirtyKey struct {
	kind  string
	scope string
}

func (e *Engine) markDirty(kind, scope string) {
	e.dirty[dirtyKey{kind: kind, scope: scope}] = struct{}{}
}

type persistJob struct {
	key dirtyKey
	run func(ctx context.Context) error
}

// persistAsync flushes the dirty blobs on a background goroutine. A request
// made while a flush is scheduled but not started folds into it.
func (e *Engine) persistAsync() {
	if !e.persistScheduled.CompareAndSwap(false, true) {
		return
	}
	go func() {
		e.persistScheduled.Store(false)
		e.flush(context.Background())
	}()
}

// Flush writes every change made so far to the local store and returns once
// it is durable.
func (e *Engine) Flush(ctx context.Context) {
	e.flush(ctx)
}

// flush writes every dirty blob to the local store. Persistence failures
// are logged and counted; the in-memory state stays authoritative.
func (e *Engine) flush(ctx context.Context) {
	if e.persister == nil {
		e.mu.Lock()
		e.dirty = make(map[dirtyKey]struct{})
		e.mu.Unlock()
		return
	}

	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	jobs := e.persistJobsLocked()
	e.dirty = make(map[dirtyKey]struct{})
	e.mu.Unlock()

	for _, job := range jobs {
		if err := job.run(ctx); err != nil {
			e.metrics.RecordPersistError(job.key.kind)
			e.logger.Warn().Err(err).
				Str("kind", job.key.kind).
				Str("scope", job.key.scope).
				Msg("failed to persist cache blob")
		}
	}
}

// persistJobsLocked copies the dirty parts of the state so they can be
// written without holding the engine lock.
func (e *Engine) persistJobsLocked() []persistJob {
	keys := make([]dirtyKey, 0, len(e.dirty))
	for k := range e.dirty {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].scope < keys[j].scope
	})

	p := e.persister
	s := e.state
	jobs := make([]persistJob, 0, len(keys))
	for _, k := range keys {
		k := k
		switch k.kind {
		case store.KindCycles:
			cycles := s.cycleList()
			jobs = append(jobs, persistJob{k, func(ctx context.Context) error { return p.PutCycles(ctx, cycles) }})
		case store.KindItems:
			items := s.itemList(k.scope)
			jobs = append(jobs, persistJob{k, func(ctx context.Context) error { return p.PutItems(ctx, k.scope, items) }})
		case store.KindGroups:
			groups := s.groupList(k.scope)
			jobs = append(jobs, persistJob{k, func(ctx context.Context) error { return p.PutGroups(ctx, k.scope, groups) }})
		case store.KindUnits:
			units := s.unitList()
			jobs = append(jobs, persistJob{k, func(ctx context.Context) error { return p.PutUnits(ctx, units) }})
		case store.KindEvents:
			events := map[string][]model.CompletionEvent(s.events[k.scope].Clone())
			jobs = append(jobs, persistJob{k, func(ctx context.Context) error { return p.PutEvents(ctx, k.scope, events) }})
		case store.KindCollapsedCategories:
			cats := copyFlags(s.collapsedCategories[k.scope])
			groups := copyFlags(s.collapsedGroups[k.scope])
			jobs = append(jobs, persistJob{k, func(ctx context.Context) error { return p.PutCollapsed(ctx, k.scope, cats, groups) }})
		case scopeDeleted:
			jobs = append(jobs, persistJob{k, func(ctx context.Context) error { return p.DeleteScope(ctx, k.scope) }})
		}
	}
	return jobs
}

// scopeDeleted marks a cycle whose cached blobs must be removed.
const scopeDeleted = "scope_deleted"
