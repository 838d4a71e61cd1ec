package translate

import (
	"context"

	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/errors"
	"github.com/Await-d/FluxCaption-sub000/mediahost"
	"github.com/Await-d/FluxCaption-sub000/pulse/async"
	"github.com/Await-d/FluxCaption-sub000/pulse/event"
)

// ScanExecutor serves the scan queue: it checks a host item's existing
// subtitle streams against the requested target languages and spawns one
// follow-on pipeline job for the languages still missing. An item already
// covered in every target language succeeds without spawning anything.
type ScanExecutor struct {
	jobs   *async.Store
	host   mediahost.Client
	bus    Publisher
	logger *zap.SugaredLogger
}

// NewScanExecutor assembles a scan executor. bus may be nil.
func NewScanExecutor(jobs *async.Store, host mediahost.Client, bus Publisher, logger *zap.SugaredLogger) *ScanExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ScanExecutor{jobs: jobs, host: host, bus: bus, logger: logger}
}

// Execute resolves the item, computes missing languages, and enqueues the
// follow-on job.
func (s *ScanExecutor) Execute(ctx context.Context, job *async.Job) error {
	log := s.logger.With("job_id", job.ID, "item_id", job.SourcePath)

	if job.SourceType != async.SourceHostItem {
		return errors.Newf("scan queue only handles host items, got %q", job.SourceType)
	}
	if s.host == nil {
		return errors.Newf("job %s targets a host item but no media host is configured", job.ID)
	}

	item, err := s.host.GetItem(ctx, job.SourcePath)
	if err != nil {
		return errors.Wrapf(err, "resolve host item %q", job.SourcePath)
	}

	var missing []string
	for _, lang := range job.TargetLangs {
		if !item.HasSubtitle(lang) {
			missing = append(missing, lang)
		}
	}

	metrics := map[string]float64{
		"langs_requested": float64(len(job.TargetLangs)),
		"langs_missing":   float64(len(missing)),
	}

	if len(missing) > 0 {
		queue := async.QueueTranslate
		if !item.HasSubtitle(job.SourceLang) {
			queue = async.QueueASR
		}
		spawned, err := async.NewJob(async.JobInputs{
			SourceType:    job.SourceType,
			SourcePath:    job.SourcePath,
			SourceLang:    job.SourceLang,
			TargetLangs:   missing,
			Model:         job.Model,
			Provider:      job.Provider,
			WritebackMode: job.WritebackMode,
			Priority:      job.Priority,
			Queue:         queue,
		})
		if err != nil {
			return errors.Wrap(err, "build follow-on job")
		}
		if err := s.jobs.Create(spawned); err != nil {
			return errors.Wrap(err, "enqueue follow-on job")
		}
		metrics["jobs_spawned"] = 1
		log.Infow("Follow-on job enqueued",
			"spawned_job_id", spawned.ID,
			"queue", spawned.Queue,
			"missing_langs", missing)
	} else {
		log.Infow("Item already covered in all target languages", "langs", job.TargetLangs)
	}

	if err := s.jobs.SetMetrics(job.ID, metrics); err != nil {
		log.Warnw("Metrics write failed", "error", err)
	}
	if s.bus != nil {
		ev := event.Event{
			JobID:    job.ID,
			Phase:    string(async.PhaseDone),
			Status:   string(async.JobStatusSuccess),
			Progress: 100,
		}
		if err := s.bus.Publish(ctx, ev); err != nil {
			log.Warnw("Event publish failed", "error", err)
		}
	}
	return nil
}
