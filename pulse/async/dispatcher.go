package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

const (
	// DefaultPollInterval is how often idle workers look for queued jobs.
	DefaultPollInterval = 1 * time.Second

	// DefaultCancelGrace is how long a cancelled worker gets to stop cleanly.
	DefaultCancelGrace = 10 * time.Second

	// stopTimeout bounds how long Stop waits for in-flight jobs.
	stopTimeout = 30 * time.Second

	// maxConsecutiveErrors before a worker backs off its poll loop.
	maxConsecutiveErrors = 5

	// errorTruncateLimit bounds the error string stored on a failed job.
	errorTruncateLimit = 500
)

// JobExecutor runs one claimed job to its terminal (or paused) state.
// Implementations must honor ctx cancellation at batch boundaries.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// DispatchGate is consulted after a job is claimed but before it executes.
// A QuotaExceededError return fails the job without running it.
type DispatchGate interface {
	CheckDispatch(ctx context.Context, job *Job) error
}

// QueueConfig sizes one queue's worker pool.
type QueueConfig struct {
	Name    string
	Workers int
	Timeout time.Duration
}

// DefaultQueues returns the standard three-queue layout.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{Name: QueueScan, Workers: 2, Timeout: 300 * time.Second},
		{Name: QueueASR, Workers: 2, Timeout: 3600 * time.Second},
		{Name: QueueTranslate, Workers: 5, Timeout: 1800 * time.Second},
	}
}

// Dispatcher runs a worker pool per queue. Workers poll for queued jobs,
// claim them with a compare-and-set, and execute them under the queue's
// wall-clock timeout. Cancellation is cooperative with a grace period.
type Dispatcher struct {
	store     *Store
	executors map[string]JobExecutor
	gate      DispatchGate
	logger    *zap.SugaredLogger

	queues       []QueueConfig
	pollInterval time.Duration
	cancelGrace  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc // job id -> in-flight cancel
}

// DispatcherConfig assembles a dispatcher. Zero durations take defaults;
// nil Queues takes the standard three-queue layout.
type DispatcherConfig struct {
	Queues       []QueueConfig
	PollInterval time.Duration
	CancelGrace  time.Duration
	Gate         DispatchGate
}

// NewDispatcher creates a dispatcher. Executors are registered per queue
// before Start.
func NewDispatcher(store *Store, cfg DispatcherConfig, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Queues == nil {
		cfg.Queues = DefaultQueues()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:        store,
		executors:    make(map[string]JobExecutor),
		gate:         cfg.Gate,
		logger:       logger,
		queues:       cfg.Queues,
		pollInterval: cfg.PollInterval,
		cancelGrace:  cfg.CancelGrace,
		ctx:          ctx,
		cancel:       cancel,
		running:      make(map[string]context.CancelFunc),
	}
}

// RegisterExecutor binds an executor to a queue. Panics on double
// registration; wiring bugs should fail at startup.
func (d *Dispatcher) RegisterExecutor(queue string, executor JobExecutor) {
	if _, exists := d.executors[queue]; exists {
		panic(fmt.Sprintf("executor already registered for queue %q", queue))
	}
	d.executors[queue] = executor
}

// Submit validates and persists a new job. Workers pick it up on the next
// poll tick.
func (d *Dispatcher) Submit(inputs JobInputs) (*Job, error) {
	job, err := NewJob(inputs)
	if err != nil {
		return nil, err
	}
	if err := d.store.Create(job); err != nil {
		return nil, err
	}
	d.logger.Infow("Job submitted",
		"job_id", job.ID,
		"queue", job.Queue,
		"source_type", job.SourceType,
		"model", job.Model,
		"priority", job.Priority)
	return job, nil
}

// Start recovers orphaned jobs and launches the worker pools.
func (d *Dispatcher) Start() error {
	requeued, err := d.store.RequeueOrphans()
	if err != nil {
		return errors.Wrap(err, "orphan recovery")
	}
	if requeued > 0 {
		d.logger.Infow("Requeued orphaned jobs from previous run", "count", requeued)
	}

	for _, q := range d.queues {
		if _, ok := d.executors[q.Name]; !ok {
			return errors.Newf("no executor registered for queue %q", q.Name)
		}
		for i := 0; i < q.Workers; i++ {
			workerID := fmt.Sprintf("%s-%d", q.Name, i)
			d.wg.Add(1)
			go d.worker(q, workerID)
		}
		d.logger.Infow("Queue workers started",
			"queue", q.Name,
			"workers", q.Workers,
			"timeout", q.Timeout)
	}
	return nil
}

// Stop signals all workers and waits up to stopTimeout for in-flight jobs.
func (d *Dispatcher) Stop() {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher stopped")
	case <-time.After(stopTimeout):
		d.logger.Warn("Dispatcher stop timed out; abandoning in-flight workers")
	}
}

// Cancel makes a cancellation durable and signals the in-flight worker if
// the job runs in this process. After the grace period an unresponsive
// worker's lease is cleared; the row is already terminal.
func (d *Dispatcher) Cancel(jobID string) error {
	if err := d.store.Cancel(jobID); err != nil {
		return err
	}

	d.mu.Lock()
	cancelRun, inFlight := d.running[jobID]
	d.mu.Unlock()
	if !inFlight {
		return nil
	}

	cancelRun()
	go func() {
		time.Sleep(d.cancelGrace)
		d.mu.Lock()
		_, still := d.running[jobID]
		d.mu.Unlock()
		if still {
			d.logger.Warnw("Worker did not stop within cancel grace; revoking lease",
				"job_id", jobID,
				"grace", d.cancelGrace)
			if err := d.store.ClearLease(jobID); err != nil {
				d.logger.Warnw("Lease revoke failed", "job_id", jobID, "error", err)
			}
		}
	}()
	return nil
}

// worker polls one queue for jobs until the dispatcher stops. Persistent
// store errors back the poll loop off exponentially.
func (d *Dispatcher) worker(q QueueConfig, workerID string) {
	defer d.wg.Done()

	log := d.logger.With("worker_id", workerID, "queue", q.Name)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			// Keep claiming until the queue drains, then wait for the
			// next tick.
			for {
				worked, err := d.processNext(q, workerID, log)
				if err != nil {
					consecutiveErrors++
					log.Errorw("Worker iteration failed",
						"error", err,
						"consecutive_errors", consecutiveErrors)
					if consecutiveErrors >= maxConsecutiveErrors {
						backoff := time.Duration(1<<uint(consecutiveErrors-maxConsecutiveErrors)) * time.Second
						if backoff > 30*time.Second {
							backoff = 30 * time.Second
						}
						select {
						case <-d.ctx.Done():
							return
						case <-time.After(backoff):
						}
					}
					break
				}
				consecutiveErrors = 0
				if !worked || d.ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// processNext claims and executes at most one job. The bool reports whether
// any job was claimed.
func (d *Dispatcher) processNext(q QueueConfig, workerID string, log *zap.SugaredLogger) (bool, error) {
	taskID := uuid.NewString()
	job, err := d.store.Claim(q.Name, workerID, taskID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	log = log.With("job_id", job.ID, "task_id", taskID)
	log.Infow("Job claimed",
		"source_type", job.SourceType,
		"model", job.Model,
		"priority", job.Priority)

	if d.gate != nil {
		if err := d.gate.CheckDispatch(d.ctx, job); err != nil {
			log.Warnw("Dispatch gate rejected job", "error", err)
			d.failJob(job.ID, err, log)
			return true, nil
		}
	}

	runCtx, cancelRun := context.WithTimeout(d.ctx, q.Timeout)
	d.mu.Lock()
	d.running[job.ID] = cancelRun
	d.mu.Unlock()

	execErr := d.executors[q.Name].Execute(runCtx, job)

	d.mu.Lock()
	delete(d.running, job.ID)
	d.mu.Unlock()
	timedOut := runCtx.Err() == context.DeadlineExceeded
	cancelRun()

	d.settle(job.ID, execErr, timedOut, log)
	return true, nil
}

// settle maps an execution outcome onto the job row. The engine owns
// in-flight phase transitions; the dispatcher owns the terminal ones.
func (d *Dispatcher) settle(jobID string, execErr error, timedOut bool, log *zap.SugaredLogger) {
	var pauseErr *errors.QuotaPauseError

	switch {
	case execErr == nil:
		running := JobStatusRunning
		phase := PhaseDone
		progress := 100.0
		err := d.store.UpdateStatus(jobID, StatusPatch{
			Status:   JobStatusSuccess,
			Phase:    &phase,
			Progress: &progress,
		}, &running)
		if err != nil && !errors.Is(err, errors.ErrConflict) {
			log.Errorw("Success transition failed", "error", err)
			return
		}
		log.Info("Job completed")

	case errors.As(execErr, &pauseErr):
		if err := d.store.Pause(jobID, pauseErr.PauseReason(), pauseErr.ResumeAt); err != nil {
			log.Errorw("Pause transition failed", "error", err)
			return
		}
		log.Infow("Job paused on quota",
			"provider", pauseErr.Provider,
			"resume_at", pauseErr.ResumeAt)

	case timedOut:
		d.failJobWithMessage(jobID, "timeout", log)
		log.Warn("Job timed out")

	case errors.Is(execErr, errors.ErrCancelled) || errors.Is(execErr, context.Canceled):
		job, err := d.store.Get(jobID)
		if err != nil {
			log.Errorw("Cancelled job lookup failed", "error", err)
			return
		}
		if job.Status == JobStatusCancelled {
			// User cancellation already made durable by Cancel.
			log.Info("Job cancelled")
			return
		}
		// Process shutdown: put the job back with its checkpoint intact.
		running := JobStatusRunning
		if err := d.store.UpdateStatus(jobID, StatusPatch{Status: JobStatusQueued}, &running); err != nil &&
			!errors.Is(err, errors.ErrConflict) {
			log.Errorw("Requeue on shutdown failed", "error", err)
			return
		}
		if err := d.store.ClearLease(jobID); err != nil {
			log.Warnw("Lease clear failed", "error", err)
		}
		log.Info("Job requeued on shutdown")

	default:
		d.failJob(jobID, execErr, log)
		log.Warnw("Job failed", "error", execErr)
	}

	if err := d.store.ClearLease(jobID); err != nil {
		log.Warnw("Lease clear failed", "error", err)
	}
}

func (d *Dispatcher) failJob(jobID string, cause error, log *zap.SugaredLogger) {
	msg := cause.Error()
	if len(msg) > errorTruncateLimit {
		msg = msg[:errorTruncateLimit]
	}
	d.failJobWithMessage(jobID, msg, log)
}

func (d *Dispatcher) failJobWithMessage(jobID, msg string, log *zap.SugaredLogger) {
	running := JobStatusRunning
	err := d.store.UpdateStatus(jobID, StatusPatch{
		Status: JobStatusFailed,
		Error:  &msg,
	}, &running)
	if err != nil && !errors.Is(err, errors.ErrConflict) {
		log.Errorw("Failure transition failed", "error", err)
	}
}

// RunningJobs returns the ids of jobs currently executing in this process.
func (d *Dispatcher) RunningJobs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}
	return ids
}
