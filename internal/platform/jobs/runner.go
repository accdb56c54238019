// Package jobs runs periodic maintenance work on cron schedules. Each run
// takes a short lock in the key/value store so that only one replica executes
// a given job at a time.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/internal/platform/kv"
)

const (
	lockPrefix     = "job:lock:"
	defaultLockTTL = 2 * time.Minute
)

type Job struct {
	Name string
	// Spec is a standard five-field cron expression or a descriptor such as "@every 1m".
	Spec string
	Run  func(ctx context.Context) error
	// LockTTL bounds how long a crashed run can block the next one.
	LockTTL time.Duration
}

type Runner struct {
	cron   *cron.Cron
	store  kv.Store
	logger zerolog.Logger

	mu     sync.Mutex
	jobs   []Job
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner creates a runner. A nil store runs jobs without locking.
func NewRunner(store kv.Store, logger zerolog.Logger) *Runner {
	return &Runner{
		cron:   cron.New(),
		store:  store,
		logger: logger.With().Str("component", "jobs").Logger(),
	}
}

// Add schedules j. It fails on an invalid spec.
func (r *Runner) Add(j Job) error {
	if j.Run == nil {
		return fmt.Errorf("job %s: run function is required", j.Name)
	}
	if j.LockTTL <= 0 {
		j.LockTTL = defaultLockTTL
	}
	if _, err := r.cron.AddFunc(j.Spec, func() { r.RunOnce(r.runContext(), j) }); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", j.Name, j.Spec, err)
	}
	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
	return nil
}

func (r *Runner) runContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// Jobs returns the names of the scheduled jobs.
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.jobs))
	for i, j := range r.jobs {
		names[i] = j.Name
	}
	return names
}

func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()
	r.cron.Start()
	r.logger.Info().Strs("jobs", r.Jobs()).Msg("job runner started")
}

// Stop cancels running jobs and waits for them to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("job runner stopped")
}

// RunOnce executes j immediately under its lock. It reports whether the job
// ran; a run skipped because another holder has the lock returns false.
func (r *Runner) RunOnce(ctx context.Context, j Job) bool {
	log := r.logger.With().Str("job", j.Name).Logger()

	if r.store != nil {
		key := lockPrefix + j.Name
		ttl := j.LockTTL
		if ttl <= 0 {
			ttl = defaultLockTTL
		}
		ok, token, err := kv.TryLock(ctx, r.store, key, ttl)
		if err != nil {
			log.Warn().Err(err).Msg("job lock attempt failed")
			return false
		}
		if !ok {
			log.Debug().Msg("job lock held elsewhere; skipping run")
			return false
		}
		defer func() {
			if err := kv.Unlock(context.Background(), r.store, key, token); err != nil {
				log.Warn().Err(err).Msg("release job lock")
			}
		}()
	}

	start := time.Now()
	if err := j.Run(ctx); err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
		return true
	}
	log.Debug().Dur("elapsed", time.Since(start)).Msg("job finished")
	return true
}
