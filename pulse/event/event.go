// Package event is the job progress fabric: redis pub/sub delivery with a
// durable task_logs mirror, and per-job subscriptions that never start empty.
package event

import (
	"encoding/json"

	"github.com/Await-d/FluxCaption-sub000/errors"
	"github.com/Await-d/FluxCaption-sub000/pulse/async"
)

// Event is one progress payload on a job topic.
type Event struct {
	JobID     string  `json:"job_id"`
	Phase     string  `json:"phase"`
	Status    string  `json:"status"`
	Progress  float64 `json:"progress"`
	Completed *int    `json:"completed,omitempty"`
	Total     *int    `json:"total,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Topic returns the pub/sub topic for a job.
func Topic(jobID string) string {
	return "job:" + jobID
}

// Terminal reports whether the event's status ends the stream.
func (e Event) Terminal() bool {
	return async.JobStatus(e.Status).IsTerminal()
}

// FromJob synthesizes an event from the current Job row. Late subscribers
// receive this before any broker messages.
func FromJob(job *async.Job) Event {
	return Event{
		JobID:    job.ID,
		Phase:    string(job.CurrentPhase),
		Status:   string(job.Status),
		Progress: job.Progress,
		Error:    job.Error,
	}
}

func (e Event) encode() ([]byte, error) {
	data, err := json.Marshal(e)
	return data, errors.Wrap(err, "encode event")
}

func decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, errors.Wrap(err, "decode event")
}
