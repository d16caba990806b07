// Package schedule runs periodic background jobs such as timer ticks,
// rollover checks and cache size sampling.
package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is a single periodic task.
type Job struct {
	Name       string        // human-readable job name
	Interval   time.Duration // how often to fire
	RunAtStart bool          // fire once before the first tick
	Run        func(ctx context.Context)
}

// Runner fires each job on its own ticker until the context is cancelled.
type Runner struct {
	jobs   []Job
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New creates a Runner with the given jobs. Jobs without a positive
// interval or a Run func are skipped.
func New(jobs []Job, logger zerolog.Logger) *Runner {
	r := &Runner{logger: logger.With().Str("component", "schedule").Logger()}
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			r.logger.Warn().Str("job", j.Name).Msg("skipping job without interval or func")
			continue
		}
		r.jobs = append(r.jobs, j)
	}
	return r
}

// Start launches one goroutine per job and returns immediately.
func (r *Runner) Start(ctx context.Context) {
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.runJob(ctx, job)
	}
}

// Wait blocks until every job goroutine has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) runJob(ctx context.Context, job Job) {
	defer r.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	r.logger.Info().Str("job", job.Name).Dur("interval", job.Interval).Msg("job started")

	if job.RunAtStart {
		r.fire(ctx, job)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Str("job", job.Name).Msg("job stopped")
			return
		case <-ticker.C:
			r.fire(ctx, job)
		}
	}
}

func (r *Runner) fire(ctx context.Context, job Job) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("job", job.Name).Interface("panic", p).Msg("job panicked")
		}
	}()
	job.Run(ctx)
}
