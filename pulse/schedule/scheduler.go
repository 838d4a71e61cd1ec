// Package schedule runs the periodic maintenance loops around the job
// pipeline: waking paused jobs whose quota window has elapsed, forcing quota
// resets for idle providers, and sweeping orphaned working directories.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/errors"
	"github.com/Await-d/FluxCaption-sub000/pulse/async"
)

const (
	// DefaultResumeInterval is how often paused jobs are checked for wake-up.
	DefaultResumeInterval = time.Hour

	// DefaultResetInterval is how often quota reset logic runs for providers
	// no recent check has touched.
	DefaultResetInterval = 2 * time.Hour
)

// QuotaGate is the quota surface the scheduler consults before requeuing a
// paused job. CheckStrict decides; CheckPause supplies the next reset
// boundary when the window is still exhausted.
type QuotaGate interface {
	CheckStrict(ctx context.Context, providerName string) error
	CheckPause(ctx context.Context, providerName string) error
}

// ModelResolver maps a job's model identifier to its provider.
type ModelResolver interface {
	Resolve(modelID string) (providerName, modelName string, err error)
}

// QuotaResetter zeroes quota windows whose reset boundary has passed.
type QuotaResetter interface {
	ResetDue(now time.Time) (int, error)
}

// Config tunes the scheduler. Zero intervals take the defaults.
type Config struct {
	ResumeInterval time.Duration
	ResetInterval  time.Duration
}

// Scheduler periodically wakes paused jobs and keeps quota windows fresh.
// Requeued jobs re-enter through the dispatcher's normal poll loop with their
// original priority, since priority lives on the job row.
type Scheduler struct {
	jobs     *async.Store
	gate     QuotaGate
	resolver ModelResolver
	resets   QuotaResetter
	logger   *zap.SugaredLogger

	resumeInterval time.Duration
	resetInterval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. resets may be nil to disable the reset
// scan loop.
func NewScheduler(jobs *async.Store, gate QuotaGate, resolver ModelResolver, resets QuotaResetter, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ResumeInterval <= 0 {
		cfg.ResumeInterval = DefaultResumeInterval
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = DefaultResetInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:           jobs,
		gate:           gate,
		resolver:       resolver,
		resets:         resets,
		logger:         logger,
		resumeInterval: cfg.ResumeInterval,
		resetInterval:  cfg.ResetInterval,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches the resume and reset loops.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.resumeLoop()
	if s.resets != nil {
		s.wg.Add(1)
		go s.resetLoop()
	}
	s.logger.Infow("Scheduler started",
		"resume_interval", s.resumeInterval,
		"reset_interval", s.resetInterval)
}

// Stop halts both loops and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) resumeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.resumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tick := <-ticker.C:
			if _, err := s.ResumeDue(s.ctx, tick); err != nil {
				s.logger.Warnw("Resume pass failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) resetLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.resetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tick := <-ticker.C:
			touched, err := s.resets.ResetDue(tick)
			if err != nil {
				s.logger.Warnw("Quota reset scan failed", "error", err)
				continue
			}
			if touched > 0 {
				s.logger.Infow("Quota windows reset", "providers", touched)
			}
		}
	}
}

// ResumeDue runs one resume pass: every paused job whose resume boundary has
// passed is re-checked against its provider's quota. A passing check clears
// the pause fields and requeues the job; a still-exhausted window pushes
// resume_at to the next reset boundary. Returns the number of jobs requeued.
func (s *Scheduler) ResumeDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.jobs.FindResumable(now)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, job := range due {
		if ctx.Err() != nil {
			return requeued, ctx.Err()
		}
		if err := s.resumeOne(ctx, job, now); err != nil {
			s.logger.Warnw("Job resume failed",
				"job_id", job.ID,
				"error", err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		s.logger.Infow("Paused jobs requeued", "count", requeued, "due", len(due))
	}
	return requeued, nil
}

func (s *Scheduler) resumeOne(ctx context.Context, job *async.Job, now time.Time) error {
	providerName := job.Provider
	if providerName == "" {
		resolved, _, err := s.resolver.Resolve(job.Model)
		if err != nil {
			return errors.Wrapf(err, "resolve provider for job %s", job.ID)
		}
		providerName = resolved
	}

	if err := s.gate.CheckStrict(ctx, providerName); err != nil {
		if !errors.IsQuotaExceeded(err) {
			return err
		}
		// Window still exhausted. Push resume_at to the next boundary;
		// the pause check carries it.
		next := now.Add(24 * time.Hour)
		var pause *errors.QuotaPauseError
		if pauseErr := s.gate.CheckPause(ctx, providerName); errors.As(pauseErr, &pause) {
			next = pause.ResumeAt
		}
		if next.Before(now.Add(time.Minute)) {
			next = now.Add(time.Minute)
		}
		if err := s.jobs.PushResumeAt(job.ID, next); err != nil {
			return err
		}
		s.logger.Infow("Quota still exhausted; resume deferred",
			"job_id", job.ID,
			"provider", providerName,
			"resume_at", next)
		return nil
	}

	paused := async.JobStatusPaused
	if err := s.jobs.UpdateStatus(job.ID, async.StatusPatch{Status: async.JobStatusQueued}, &paused); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			// Cancelled (or otherwise moved) between FindResumable and here.
			return nil
		}
		return err
	}
	s.logger.Infow("Paused job requeued",
		"job_id", job.ID,
		"provider", providerName,
		"queue", job.Queue)
	return nil
}
