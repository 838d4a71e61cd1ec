// Package async provides the durable job model, the job store, and the
// three-queue dispatcher that drives the translation pipeline.
package async

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Await-d/FluxCaption-sub000/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusSuccess   JobStatus = "success"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusPaused,
		JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether a status admits no further transitions
// (other than retry, which clones into a fresh job).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Phase is one stage of the translation pipeline.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhasePull      Phase = "pull"
	PhaseASR       Phase = "asr"
	PhaseMT        Phase = "mt"
	PhasePost      Phase = "post"
	PhaseWriteback Phase = "writeback"
	PhaseDone      Phase = "done"
)

// SourceType identifies what kind of input a job processes.
type SourceType string

const (
	SourceSubtitle SourceType = "subtitle"
	SourceAudio    SourceType = "audio"
	SourceMedia    SourceType = "media"
	SourceHostItem SourceType = "host_item"
)

// WritebackMode selects where finished subtitle files land.
type WritebackMode string

const (
	WritebackUpload  WritebackMode = "upload"
	WritebackSidecar WritebackMode = "sidecar"
)

// Queue names. Each backs an independent worker pool.
const (
	QueueScan      = "scan"
	QueueASR       = "asr"
	QueueTranslate = "translate"
)

// Priority bounds. Values outside the range are clamped at creation.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// JobInputs is everything a producer supplies when creating a job.
type JobInputs struct {
	SourceType    SourceType    `json:"source_type"`
	SourcePath    string        `json:"source_path,omitempty"`
	SourceLang    string        `json:"source_lang"`
	TargetLangs   []string      `json:"target_langs"`
	Model         string        `json:"model"`
	Provider      string        `json:"provider,omitempty"`
	WritebackMode WritebackMode `json:"writeback_mode"`
	Priority      int           `json:"priority"`
	Queue         string        `json:"queue,omitempty"`
}

// Job is one unit of translation work. JSON-typed fields (TargetLangs,
// CompletedPhases, CompletedTargetLangs, ResultPaths, Metrics) are stored as
// JSON text columns and round-tripped by the store.
type Job struct {
	ID string `json:"id"`

	// Inputs
	SourceType    SourceType    `json:"source_type"`
	SourcePath    string        `json:"source_path,omitempty"`
	SourceLang    string        `json:"source_lang"`
	TargetLangs   []string      `json:"target_langs"`
	Model         string        `json:"model"`
	Provider      string        `json:"provider,omitempty"`
	WritebackMode WritebackMode `json:"writeback_mode"`
	Priority      int           `json:"priority"`
	Queue         string        `json:"queue"`

	// State
	Status       JobStatus `json:"status"`
	CurrentPhase Phase     `json:"current_phase"`
	Progress     float64   `json:"progress"`
	Error        string    `json:"error,omitempty"`

	// Checkpoint
	ASROutputPath        string     `json:"asr_output_path,omitempty"`
	CompletedPhases      []Phase    `json:"completed_phases"`
	CompletedTargetLangs []string   `json:"completed_target_langs"`
	LastCheckpointAt     *time.Time `json:"last_checkpoint_at,omitempty"`

	// Pause
	PauseReason string     `json:"pause_reason,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	ResumeAt    *time.Time `json:"resume_at,omitempty"`

	// Outputs
	ResultPaths []string           `json:"result_paths"`
	Metrics     map[string]float64 `json:"metrics"`

	// External binding
	WorkerTaskID string     `json:"worker_task_id,omitempty"`
	LeaseWorker  string     `json:"lease_worker,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewJob validates producer inputs and builds a queued job. Unknown source
// types, empty target languages, and ill-formed model identifiers are
// rejected; priority is clamped into [MinPriority, MaxPriority].
func NewJob(inputs JobInputs) (*Job, error) {
	switch inputs.SourceType {
	case SourceSubtitle, SourceAudio, SourceMedia, SourceHostItem:
	default:
		return nil, errors.NewBadInputError("unknown source_type %q", inputs.SourceType)
	}
	if len(inputs.TargetLangs) == 0 {
		return nil, errors.NewBadInputError("target_langs must not be empty")
	}
	if strings.TrimSpace(inputs.Model) == "" || strings.HasPrefix(inputs.Model, ":") {
		return nil, errors.NewBadInputError("ill-formed model identifier %q", inputs.Model)
	}

	mode := inputs.WritebackMode
	if mode == "" {
		mode = WritebackSidecar
	}
	if mode != WritebackUpload && mode != WritebackSidecar {
		return nil, errors.NewBadInputError("unknown writeback_mode %q", mode)
	}

	lang := inputs.SourceLang
	if lang == "" {
		lang = "auto"
	}

	queue := inputs.Queue
	if queue == "" {
		queue = DefaultQueueFor(inputs.SourceType)
	}
	switch queue {
	case QueueScan, QueueASR, QueueTranslate:
	default:
		return nil, errors.NewBadInputError("unknown queue %q", queue)
	}

	priority := inputs.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	now := time.Now().UTC()
	return &Job{
		ID:                   uuid.NewString(),
		SourceType:           inputs.SourceType,
		SourcePath:           inputs.SourcePath,
		SourceLang:           lang,
		TargetLangs:          append([]string(nil), inputs.TargetLangs...),
		Model:                inputs.Model,
		Provider:             inputs.Provider,
		WritebackMode:        mode,
		Priority:             priority,
		Queue:                queue,
		Status:               JobStatusQueued,
		CurrentPhase:         PhaseInit,
		CompletedPhases:      []Phase{},
		CompletedTargetLangs: []string{},
		ResultPaths:          []string{},
		Metrics:              map[string]float64{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// DefaultQueueFor maps a source type to the queue that starts its pipeline.
// Audio-bearing sources claim an asr worker slot; subtitle sources go
// straight to translate; host items begin with catalog work.
func DefaultQueueFor(st SourceType) string {
	switch st {
	case SourceAudio, SourceMedia:
		return QueueASR
	case SourceHostItem:
		return QueueScan
	default:
		return QueueTranslate
	}
}

// CloneForRetry builds a fresh queued job carrying only the original inputs.
// Checkpoint, outputs, and error state start empty.
func (j *Job) CloneForRetry() (*Job, error) {
	return NewJob(JobInputs{
		SourceType:    j.SourceType,
		SourcePath:    j.SourcePath,
		SourceLang:    j.SourceLang,
		TargetLangs:   j.TargetLangs,
		Model:         j.Model,
		Provider:      j.Provider,
		WritebackMode: j.WritebackMode,
		Priority:      j.Priority,
		Queue:         j.Queue,
	})
}

// HasCompletedPhase reports whether a phase already finished in a prior run.
func (j *Job) HasCompletedPhase(p Phase) bool {
	for _, done := range j.CompletedPhases {
		if done == p {
			return true
		}
	}
	return false
}

// HasCompletedLang reports whether a target language already finished.
func (j *Job) HasCompletedLang(lang string) bool {
	for _, done := range j.CompletedTargetLangs {
		if done == lang {
			return true
		}
	}
	return false
}

// RemainingLangs returns target languages not yet completed, in input order.
func (j *Job) RemainingLangs() []string {
	var remaining []string
	for _, lang := range j.TargetLangs {
		if !j.HasCompletedLang(lang) {
			remaining = append(remaining, lang)
		}
	}
	return remaining
}

// marshalJSON serializes a JSON-typed column, mapping nil to its empty form.
func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "marshal job field")
	}
	s := string(data)
	if s == "null" {
		switch v.(type) {
		case map[string]float64:
			return "{}", nil
		default:
			return "[]", nil
		}
	}
	return s, nil
}
