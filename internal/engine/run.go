package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/pending"
)

var rootPaths = []model.Path{model.CyclesPath(), model.UnitsPath(), model.TimerPath()}

func cyclePaths(cycle string) []model.Path {
	return []model.Path{
		model.ItemsPath(cycle),
		model.GroupsPath(cycle),
		model.EventsPath(cycle),
		model.CollapsedCategoriesPath(cycle),
		model.CollapsedGroupsPath(cycle),
	}
}

// Run starts the write dispatcher and follows the room's subscription roots
// until ctx is cancelled. Per-cycle sub-trees are followed while their cycle
// exists.
func (e *Engine) Run(ctx context.Context) error {
	e.dispatcher.Start(ctx)
	defer e.dispatcher.Stop()

	// Writes recorded before Run, e.g. while offline, are queued again.
	e.requeueAll()

	var wg sync.WaitGroup
	spawn := func(p model.Path) context.CancelFunc {
		fctx, cancel := context.WithCancel(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.follow(fctx, p)
		}()
		return cancel
	}

	var cancels []context.CancelFunc
	for _, p := range rootPaths {
		cancels = append(cancels, spawn(p))
	}

	perCycle := make(map[string][]context.CancelFunc)
	reconcile := func() {
		current := make(map[string]bool)
		for _, id := range e.cycleIDs() {
			current[id] = true
			if _, ok := perCycle[id]; ok {
				continue
			}
			for _, p := range cyclePaths(id) {
				perCycle[id] = append(perCycle[id], spawn(p))
			}
			e.logger.Debug().Str("cycle", id).Msg("following cycle")
		}
		for id, cs := range perCycle {
			if current[id] {
				continue
			}
			for _, cancel := range cs {
				cancel()
			}
			delete(perCycle, id)
			e.logger.Debug().Str("cycle", id).Msg("stopped following cycle")
		}
	}
	reconcile()

	e.logger.Info().Msg("sync engine running")
	for {
		select {
		case <-ctx.Done():
			for _, cancel := range cancels {
				cancel()
			}
			for _, cs := range perCycle {
				for _, cancel := range cs {
					cancel()
				}
			}
			wg.Wait()
			e.flush(context.Background())
			e.logger.Info().Int("pending", e.tracker.Len()).Msg("sync engine stopped")
			return nil
		case <-e.cyclesChanged:
			reconcile()
		}
	}
}

// follow merges every snapshot of p and resubscribes when the stream ends
// before ctx is done.
func (e *Engine) follow(ctx context.Context, p model.Path) {
	attempt := 0
	for {
		ch, err := e.gw.Subscribe(ctx, p)
		if err == nil {
			attempt = 0
			for snap := range ch {
				if err := e.ApplyRemoteSnapshot(ctx, snap); err != nil {
					e.logger.Warn().Err(err).Str("path", p.String()).Msg("failed to apply snapshot")
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("path", p.String()).Msg("subscribe failed")
		} else {
			e.logger.Debug().Str("path", p.String()).Msg("subscription ended, resubscribing")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.retry.Backoff(attempt)):
		}
		if attempt < 8 {
			attempt++
		}
	}
}

// Resync requeues every pending write and refetches every subscription root
// once.
func (e *Engine) Resync(ctx context.Context) error {
	n := e.requeueAll()

	paths := append([]model.Path(nil), rootPaths...)
	for _, id := range e.cycleIDs() {
		paths = append(paths, cyclePaths(id)...)
	}
	var errs []error
	for _, p := range paths {
		snap, err := e.gw.ObserveOnce(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch %s: %w", p, err))
			continue
		}
		if err := e.ApplyRemoteSnapshot(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Info().
		Int("requeued", n).
		Int("paths", len(paths)).
		Int("errors", len(errs)).
		Msg("resync finished")
	return errors.Join(errs...)
}

func (e *Engine) requeueAll() int {
	n := 0
	for _, en := range e.tracker.All() {
		if _, ok := e.tracker.Requeue(en.Key); ok {
			e.dispatcher.Enqueue(en.Key)
			n++
		}
	}
	return n
}

// retryFailed queues every failed write again.
func (e *Engine) retryFailed() {
	for _, en := range e.tracker.Failed() {
		if _, ok := e.tracker.Requeue(en.Key); ok {
			e.dispatcher.Enqueue(en.Key)
		}
	}
}

func (e *Engine) onWriteResult(en pending.Entry, err error, took time.Duration) {
	entity := string(en.Key.Type)
	if err != nil {
		e.metrics.RecordWrite(entity, "error", took.Seconds())
		e.setSyncError(fmt.Errorf("write %s: %w", en.Path, err))
		e.logger.Warn().Err(err).
			Str("path", en.Path.String()).
			Str("mutation_id", en.MutationID).
			Msg("remote write failed, keeping local state")
		e.publish(Change{Kind: ChangeSyncError, Err: err})
		return
	}

	e.metrics.RecordWrite(entity, "ok", took.Seconds())
	if e.SyncError() != nil && len(e.tracker.Failed()) == 0 {
		e.setSyncError(nil)
		e.publish(Change{Kind: ChangeSynced})
	}
}

func (e *Engine) cycleIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.state.cycles))
	for id := range e.state.cycles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
