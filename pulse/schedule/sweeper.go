package schedule

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/errors"
	"github.com/Await-d/FluxCaption-sub000/pulse/async"
)

const (
	// DefaultSweepInterval is how often the temp directory is swept.
	DefaultSweepInterval = 24 * time.Hour

	// DefaultMaxAge is how old an entry may grow before the sweep removes it.
	DefaultMaxAge = 24 * time.Hour
)

// Sweeper removes stale entries from the per-job temp directory: working
// directories whose backing job no longer exists, and anything older than
// MaxAge. Directories belonging to a live non-terminal job are kept whatever
// their age, since a paused job's ASR checkpoint lives there.
type Sweeper struct {
	dir    string
	prefix string
	jobs   *async.Store
	logger *zap.SugaredLogger

	interval time.Duration
	maxAge   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SweeperConfig tunes the sweeper. Zero durations take the defaults.
type SweeperConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// NewSweeper creates a sweeper over dir for working directories named
// prefix+jobID.
func NewSweeper(dir, prefix string, jobs *async.Store, cfg SweeperConfig, logger *zap.SugaredLogger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		dir:      dir,
		prefix:   prefix,
		jobs:     jobs,
		logger:   logger,
		interval: cfg.Interval,
		maxAge:   cfg.MaxAge,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Infow("Cleanup sweeper started",
		"dir", s.dir,
		"interval", s.interval,
		"max_age", s.maxAge)
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tick := <-ticker.C:
			removed, err := s.Sweep(tick)
			if err != nil {
				s.logger.Warnw("Sweep pass failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Infow("Temp entries swept", "removed", removed)
			}
		}
	}
}

// Sweep runs one cleanup pass and returns the number of entries removed.
func (s *Sweeper) Sweep(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "read temp dir %q", s.dir)
	}

	removed := 0
	for _, entry := range entries {
		path := filepath.Join(s.dir, entry.Name())
		drop, reason := s.shouldRemove(entry, now)
		if !drop {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warnw("Temp entry removal failed",
				"path", path,
				"error", err)
			continue
		}
		s.logger.Debugw("Temp entry removed", "path", path, "reason", reason)
		removed++
	}
	return removed, nil
}

func (s *Sweeper) shouldRemove(entry os.DirEntry, now time.Time) (bool, string) {
	name := entry.Name()
	isJobDir := strings.HasPrefix(name, s.prefix)

	var job *async.Job
	if isJobDir {
		jobID := strings.TrimPrefix(name, s.prefix)
		found, err := s.jobs.Get(jobID)
		if err != nil {
			if !errors.IsNotFoundError(err) {
				s.logger.Warnw("Job lookup failed during sweep",
					"dir", name,
					"error", err)
				return false, ""
			}
			return true, "orphan"
		}
		job = found
	}

	info, err := entry.Info()
	if err != nil {
		return false, ""
	}
	if now.Sub(info.ModTime()) < s.maxAge {
		return false, ""
	}
	// Age-based removal spares live jobs; their checkpoints are still needed.
	if job != nil && !job.Status.IsTerminal() {
		return false, ""
	}
	return true, "expired"
}
