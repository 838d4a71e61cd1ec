package event

import (
	"database/sql"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// TaskLog is one durable task_logs row mirroring a published event.
type TaskLog struct {
	ID        int64   `json:"id"`
	JobID     string  `json:"job_id"`
	Phase     string  `json:"phase"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Completed *int    `json:"completed,omitempty"`
	Total     *int    `json:"total,omitempty"`
	Error     string  `json:"error,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// LogStore appends and reads the task_logs mirror. Rows are append-only;
// insertion order is the event order for a job.
type LogStore struct {
	db *sql.DB
}

// NewLogStore creates a task log store.
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db}
}

// Append inserts one mirror row.
func (s *LogStore) Append(ev Event) error {
	var errMsg interface{}
	if ev.Error != "" {
		errMsg = ev.Error
	}
	_, err := s.db.Exec(`INSERT INTO task_logs (job_id, phase, status, progress, completed, total, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.JobID, ev.Phase, ev.Status, ev.Progress, ev.Completed, ev.Total, errMsg)
	return errors.Wrapf(err, "append task log for job %s", ev.JobID)
}

// ListForJob returns a job's mirrored events in emission order.
func (s *LogStore) ListForJob(jobID string, limit int) ([]TaskLog, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT id, job_id, phase, status, progress, completed, total, error, created_at
		FROM task_logs WHERE job_id = ? ORDER BY id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "list task logs for job %s", jobID)
	}
	defer rows.Close()

	var logs []TaskLog
	for rows.Next() {
		var l TaskLog
		var errMsg sql.NullString
		if err := rows.Scan(&l.ID, &l.JobID, &l.Phase, &l.Status, &l.Progress,
			&l.Completed, &l.Total, &errMsg, &l.CreatedAt); err != nil {
			return nil, errors.Wrapf(err, "scan task log for job %s", jobID)
		}
		l.Error = errMsg.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
