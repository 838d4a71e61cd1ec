package async

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// Store persists jobs. Every status transition is a compare-and-set on the
// current status so two dispatchers can never both claim a job.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, source_type, source_path, source_lang, target_langs, model, provider,
	writeback_mode, priority, queue,
	status, current_phase, progress, error,
	asr_output_path, completed_phases, completed_target_langs, last_checkpoint_at,
	pause_reason, paused_at, resume_at,
	result_paths, metrics,
	worker_task_id, lease_worker, created_at, started_at, finished_at, updated_at`

// jobScanArgs holds the nullable and JSON-text columns of a jobs row.
type jobScanArgs struct {
	SourcePath     sql.NullString
	Provider       sql.NullString
	ErrorMsg       sql.NullString
	ASROutputPath  sql.NullString
	TargetLangs    string
	CompletedPh    string
	CompletedLangs string
	ResultPaths    string
	Metrics        string
	LastCheckpoint sql.NullTime
	PauseReason    sql.NullString
	PausedAt       sql.NullTime
	ResumeAt       sql.NullTime
	WorkerTaskID   sql.NullString
	LeaseWorker    sql.NullString
	StartedAt      sql.NullTime
	FinishedAt     sql.NullTime
}

func scanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID, &job.SourceType, &args.SourcePath, &job.SourceLang, &args.TargetLangs,
		&job.Model, &args.Provider,
		&job.WritebackMode, &job.Priority, &job.Queue,
		&job.Status, &job.CurrentPhase, &job.Progress, &args.ErrorMsg,
		&args.ASROutputPath, &args.CompletedPh, &args.CompletedLangs, &args.LastCheckpoint,
		&args.PauseReason, &args.PausedAt, &args.ResumeAt,
		&args.ResultPaths, &args.Metrics,
		&args.WorkerTaskID, &args.LeaseWorker, &job.CreatedAt, &args.StartedAt, &args.FinishedAt, &job.UpdatedAt,
	}
}

func applyScanArgs(job *Job, args *jobScanArgs) error {
	job.SourcePath = args.SourcePath.String
	job.Provider = args.Provider.String
	job.Error = args.ErrorMsg.String
	job.ASROutputPath = args.ASROutputPath.String
	job.PauseReason = args.PauseReason.String
	job.WorkerTaskID = args.WorkerTaskID.String
	job.LeaseWorker = args.LeaseWorker.String
	if args.LastCheckpoint.Valid {
		job.LastCheckpointAt = &args.LastCheckpoint.Time
	}
	if args.PausedAt.Valid {
		job.PausedAt = &args.PausedAt.Time
	}
	if args.ResumeAt.Valid {
		job.ResumeAt = &args.ResumeAt.Time
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.FinishedAt.Valid {
		job.FinishedAt = &args.FinishedAt.Time
	}

	if err := json.Unmarshal([]byte(args.TargetLangs), &job.TargetLangs); err != nil {
		return errors.Wrapf(err, "unmarshal target_langs for job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(args.CompletedPh), &job.CompletedPhases); err != nil {
		return errors.Wrapf(err, "unmarshal completed_phases for job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(args.CompletedLangs), &job.CompletedTargetLangs); err != nil {
		return errors.Wrapf(err, "unmarshal completed_target_langs for job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(args.ResultPaths), &job.ResultPaths); err != nil {
		return errors.Wrapf(err, "unmarshal result_paths for job %s", job.ID)
	}
	if err := json.Unmarshal([]byte(args.Metrics), &job.Metrics); err != nil {
		return errors.Wrapf(err, "unmarshal metrics for job %s", job.ID)
	}
	return nil
}

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var job Job
	var args jobScanArgs
	if err := row.Scan(scanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	if err := applyScanArgs(&job, &args); err != nil {
		return nil, err
	}
	return &job, nil
}

// Create inserts a new job row.
func (s *Store) Create(job *Job) error {
	targetLangs, err := marshalJSON(job.TargetLangs)
	if err != nil {
		return err
	}
	completedPhases, err := marshalJSON(job.CompletedPhases)
	if err != nil {
		return err
	}
	completedLangs, err := marshalJSON(job.CompletedTargetLangs)
	if err != nil {
		return err
	}
	resultPaths, err := marshalJSON(job.ResultPaths)
	if err != nil {
		return err
	}
	metrics, err := marshalJSON(job.Metrics)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO jobs (id, source_type, source_path, source_lang, target_langs,
			model, provider, writeback_mode, priority, queue,
			status, current_phase, progress,
			completed_phases, completed_target_langs, result_paths, metrics,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SourceType, nullableString(job.SourcePath), job.SourceLang, targetLangs,
		job.Model, nullableString(job.Provider), job.WritebackMode, job.Priority, job.Queue,
		job.Status, job.CurrentPhase, job.Progress,
		completedPhases, completedLangs, resultPaths, metrics,
		job.CreatedAt, job.UpdatedAt)
	return errors.Wrapf(err, "create job %s", job.ID)
}

// Get fetches one job by id.
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %q", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return job, nil
}

// DownloadResult resolves result_paths[index] to the file's basename and
// contents, for producers retrieving a finished translation.
func (s *Store) DownloadResult(id string, index int) (string, []byte, error) {
	job, err := s.Get(id)
	if err != nil {
		return "", nil, err
	}
	if index < 0 || index >= len(job.ResultPaths) {
		return "", nil, errors.NewBadInputError("result index %d out of range for job %s (%d results)",
			index, id, len(job.ResultPaths))
	}
	path := job.ResultPaths[index]
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.Wrapf(err, "read result %d of job %s", index, id)
	}
	return filepath.Base(path), data, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status JobStatus
	Queue  string
}

// List returns jobs newest-first with offset pagination.
func (s *Store) List(filter ListFilter, limit, offset int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var params []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		params = append(params, filter.Status)
	}
	if filter.Queue != "" {
		query += ` AND queue = ?`
		params = append(params, filter.Queue)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	params = append(params, limit, offset)

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// StatusPatch carries the fields UpdateStatus may change alongside the
// status itself. Nil pointers leave the column untouched.
type StatusPatch struct {
	Status   JobStatus
	Phase    *Phase
	Progress *float64
	Error    *string
}

// UpdateStatus applies a status transition. When expected is non-nil the
// update is a compare-and-set: a row whose status no longer matches is left
// untouched and ErrConflict is returned. Timestamps follow the status:
// running sets started_at once, terminal statuses set finished_at.
func (s *Store) UpdateStatus(id string, patch StatusPatch, expected *JobStatus) error {
	query := `UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP`
	params := []interface{}{patch.Status}

	if patch.Phase != nil {
		query += `, current_phase = ?`
		params = append(params, *patch.Phase)
	}
	if patch.Progress != nil {
		query += `, progress = ?`
		params = append(params, *patch.Progress)
	}
	if patch.Error != nil {
		query += `, error = ?`
		params = append(params, nullableString(*patch.Error))
	}
	switch {
	case patch.Status == JobStatusRunning:
		query += `, started_at = COALESCE(started_at, CURRENT_TIMESTAMP),
			pause_reason = NULL, paused_at = NULL, resume_at = NULL`
	case patch.Status.IsTerminal():
		query += `, finished_at = CURRENT_TIMESTAMP`
	}

	query += ` WHERE id = ?`
	params = append(params, id)
	if expected != nil {
		query += ` AND status = ?`
		params = append(params, *expected)
	}

	res, err := s.db.Exec(query, params...)
	if err != nil {
		return errors.Wrapf(err, "update status for job %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "update status for job %s", id)
	}
	if affected == 0 {
		if expected != nil {
			return errors.Wrapf(errors.ErrConflict, "job %s is not %s", id, *expected)
		}
		return errors.NewNotFoundError("job %q", id)
	}
	return nil
}

// SetProgress records in-phase progress. Progress only moves forward within
// a run; a smaller value than the stored one is ignored.
func (s *Store) SetProgress(id string, progress float64) error {
	_, err := s.db.Exec(`UPDATE jobs SET progress = MAX(progress, ?), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, progress, id)
	return errors.Wrapf(err, "set progress for job %s", id)
}

// AppendCheckpoint marks a phase complete and optionally records finished
// target languages and the ASR output path, all in one write.
func (s *Store) AppendCheckpoint(id string, phase Phase, langs []string, asrPath string) error {
	job, err := s.Get(id)
	if err != nil {
		return err
	}

	if !job.HasCompletedPhase(phase) {
		job.CompletedPhases = append(job.CompletedPhases, phase)
	}
	for _, lang := range langs {
		if !job.HasCompletedLang(lang) {
			job.CompletedTargetLangs = append(job.CompletedTargetLangs, lang)
		}
	}

	completedPhases, err := marshalJSON(job.CompletedPhases)
	if err != nil {
		return err
	}
	completedLangs, err := marshalJSON(job.CompletedTargetLangs)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`UPDATE jobs SET completed_phases = ?, completed_target_langs = ?,
			asr_output_path = COALESCE(?, asr_output_path),
			last_checkpoint_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		completedPhases, completedLangs, nullableString(asrPath), id)
	return errors.Wrapf(err, "append checkpoint for job %s", id)
}

// SetResultPaths replaces the ordered output list.
func (s *Store) SetResultPaths(id string, paths []string) error {
	encoded, err := marshalJSON(paths)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE jobs SET result_paths = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		encoded, id)
	return errors.Wrapf(err, "set result paths for job %s", id)
}

// SetMetrics replaces the free-form numeric metrics dict.
func (s *Store) SetMetrics(id string, metrics map[string]float64) error {
	encoded, err := marshalJSON(metrics)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE jobs SET metrics = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		encoded, id)
	return errors.Wrapf(err, "set metrics for job %s", id)
}

// Pause moves a running job to paused with its reason and resume boundary.
func (s *Store) Pause(id, reason string, resumeAt time.Time) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, pause_reason = ?, paused_at = CURRENT_TIMESTAMP,
			resume_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`,
		JobStatusPaused, reason, resumeAt, id, JobStatusRunning)
	if err != nil {
		return errors.Wrapf(err, "pause job %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "pause job %s", id)
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrConflict, "job %s is not running", id)
	}
	return nil
}

// PushResumeAt moves a paused job's resume boundary forward without touching
// anything else. Used when the quota is still exhausted at resume time.
func (s *Store) PushResumeAt(id string, resumeAt time.Time) error {
	_, err := s.db.Exec(`UPDATE jobs SET resume_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`, resumeAt, id, JobStatusPaused)
	return errors.Wrapf(err, "push resume_at for job %s", id)
}

// Lease records which worker owns a job.
func (s *Store) Lease(id, workerID string) error {
	_, err := s.db.Exec(`UPDATE jobs SET lease_worker = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		workerID, id)
	return errors.Wrapf(err, "lease job %s", id)
}

// ClearLease releases a job's lease and task handle.
func (s *Store) ClearLease(id string) error {
	_, err := s.db.Exec(`UPDATE jobs SET lease_worker = NULL, worker_task_id = NULL,
		updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return errors.Wrapf(err, "clear lease for job %s", id)
}

// Claim atomically takes the next runnable job off a queue: highest priority
// first, FIFO within a priority. The winning update is a compare-and-set on
// queued status, so concurrent claimers race safely; a lost race moves on to
// the next candidate. Returns nil when the queue is empty.
func (s *Store) Claim(queue, workerID, taskID string) (*Job, error) {
	for {
		row := s.db.QueryRow(`SELECT id FROM jobs
			WHERE queue = ? AND status = ?
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1`, queue, JobStatusQueued)
		var id string
		err := row.Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "find next job in queue %q", queue)
		}

		res, err := s.db.Exec(`UPDATE jobs SET status = ?, lease_worker = ?, worker_task_id = ?,
				started_at = COALESCE(started_at, CURRENT_TIMESTAMP),
				pause_reason = NULL, paused_at = NULL, resume_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`,
			JobStatusRunning, workerID, taskID, id, JobStatusQueued)
		if err != nil {
			return nil, errors.Wrapf(err, "claim job %s", id)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrapf(err, "claim job %s", id)
		}
		if affected == 0 {
			// Lost the race; another worker took it. Try the next candidate.
			continue
		}
		return s.Get(id)
	}
}

// Cancel moves a job to cancelled from queued, running, or paused. Running
// jobs are signalled by the dispatcher separately; the row transition here is
// what makes the cancellation durable.
func (s *Store) Cancel(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, error = COALESCE(error, 'cancelled'),
			finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?, ?)`,
		JobStatusCancelled, id, JobStatusQueued, JobStatusRunning, JobStatusPaused)
	if err != nil {
		return errors.Wrapf(err, "cancel job %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "cancel job %s", id)
	}
	if affected == 0 {
		job, getErr := s.Get(id)
		if getErr != nil {
			return getErr
		}
		return errors.Wrapf(errors.ErrConflict, "job %s is already %s", id, job.Status)
	}
	return nil
}

// Retry clones a terminal failed or cancelled job into a fresh queued job
// carrying the original inputs and returns the clone.
func (s *Store) Retry(id string) (*Job, error) {
	job, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusFailed && job.Status != JobStatusCancelled {
		return nil, errors.NewBadInputError("job %s is %s; only failed or cancelled jobs can be retried",
			id, job.Status)
	}
	clone, err := job.CloneForRetry()
	if err != nil {
		return nil, err
	}
	if err := s.Create(clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// FindResumable returns paused jobs whose resume boundary has passed.
func (s *Store) FindResumable(now time.Time) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND resume_at IS NOT NULL AND resume_at <= ?
		ORDER BY resume_at ASC`, JobStatusPaused, now)
	if err != nil {
		return nil, errors.Wrap(err, "find resumable jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

// RequeueOrphans moves running jobs back to queued. Called once at startup:
// a running row with no live worker is a crash leftover.
func (s *Store) RequeueOrphans() (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, lease_worker = NULL, worker_task_id = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE status = ?`, JobStatusQueued, JobStatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, "requeue orphaned jobs")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "requeue orphaned jobs")
	}
	return int(affected), nil
}

// DeleteTerminal removes terminal jobs of the given kinds older than the
// cutoff and returns the number deleted.
func (s *Store) DeleteTerminal(kinds []JobStatus, olderThan time.Duration) (int, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	query := `DELETE FROM jobs WHERE finished_at < ? AND status IN (`
	params := []interface{}{time.Now().UTC().Add(-olderThan)}
	for i, kind := range kinds {
		if !kind.IsTerminal() {
			return 0, errors.NewBadInputError("status %q is not terminal", kind)
		}
		if i > 0 {
			query += `, `
		}
		query += `?`
		params = append(params, kind)
	}
	query += `)`

	res, err := s.db.Exec(query, params...)
	if err != nil {
		return 0, errors.Wrap(err, "delete terminal jobs")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "delete terminal jobs")
	}
	return int(affected), nil
}

// CountByStatus returns the number of jobs per status for a queue.
// An empty queue counts across all queues.
func (s *Store) CountByStatus(queue string) (map[JobStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM jobs`
	var params []interface{}
	if queue != "" {
		query += ` WHERE queue = ?`
		params = append(params, queue)
	}
	query += ` GROUP BY status`

	rows, err := s.db.Query(query, params...)
	if err != nil {
		return nil, errors.Wrap(err, "count jobs by status")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "scan job count")
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
