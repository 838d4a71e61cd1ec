package schedule

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Await-d/FluxCaption-sub000/errors"
	"github.com/Await-d/FluxCaption-sub000/pulse/async"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
	CREATE TABLE jobs (
		id TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		source_path TEXT,
		source_lang TEXT NOT NULL DEFAULT 'auto',
		target_langs TEXT NOT NULL,
		model TEXT NOT NULL,
		provider TEXT,
		writeback_mode TEXT NOT NULL DEFAULT 'sidecar',
		priority INTEGER NOT NULL DEFAULT 5,
		queue TEXT NOT NULL DEFAULT 'translate',
		status TEXT NOT NULL DEFAULT 'queued',
		current_phase TEXT NOT NULL DEFAULT 'init',
		progress REAL NOT NULL DEFAULT 0.0,
		error TEXT,
		asr_output_path TEXT,
		completed_phases TEXT NOT NULL DEFAULT '[]',
		completed_target_langs TEXT NOT NULL DEFAULT '[]',
		last_checkpoint_at DATETIME,
		pause_reason TEXT,
		paused_at DATETIME,
		resume_at DATETIME,
		result_paths TEXT NOT NULL DEFAULT '[]',
		metrics TEXT NOT NULL DEFAULT '{}',
		worker_task_id TEXT,
		lease_worker TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		finished_at DATETIME,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
	return db
}

// fakeGate scripts quota verdicts per provider.
type fakeGate struct {
	exceeded map[string]bool
	resumeAt map[string]time.Time

	strictCalls []string
}

func (g *fakeGate) CheckStrict(ctx context.Context, providerName string) error {
	g.strictCalls = append(g.strictCalls, providerName)
	if g.exceeded[providerName] {
		return &errors.QuotaExceededError{
			Provider: providerName,
			Kind:     errors.QuotaDailyCost,
			Current:  1,
			Limit:    1,
		}
	}
	return nil
}

func (g *fakeGate) CheckPause(ctx context.Context, providerName string) error {
	if g.exceeded[providerName] {
		return &errors.QuotaPauseError{
			Provider: providerName,
			Kind:     errors.QuotaDailyCost,
			ResumeAt: g.resumeAt[providerName],
		}
	}
	return nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(modelID string) (string, string, error) {
	providerName, modelName := "openai", modelID
	if p, m := splitModel(modelID); p != "" {
		providerName, modelName = p, m
	}
	return providerName, modelName, nil
}

func splitModel(id string) (string, string) {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[:i], id[i+1:]
		}
	}
	return "", id
}

type fakeResetter struct {
	touched int
	calls   atomic.Int32
}

func (r *fakeResetter) ResetDue(now time.Time) (int, error) {
	r.calls.Add(1)
	return r.touched, nil
}

func pauseJob(t *testing.T, store *async.Store, model string, resumeAt time.Time) *async.Job {
	t.Helper()
	job, err := async.NewJob(async.JobInputs{
		SourceType:  async.SourceSubtitle,
		SourcePath:  "/media/show.srt",
		SourceLang:  "en",
		TargetLangs: []string{"zh-CN"},
		Model:       model,
	})
	require.NoError(t, err)
	require.NoError(t, store.Create(job))

	claimed, err := store.Claim(job.Queue, "w1", "t1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.Pause(job.ID, "daily_quota_exceeded", resumeAt))
	return job
}

func TestResumeDueRequeuesWhenQuotaRecovered(t *testing.T) {
	store := async.NewStore(setupTestDB(t))
	gate := &fakeGate{exceeded: map[string]bool{}}
	sched := NewScheduler(store, gate, fakeResolver{}, nil, Config{}, nil)

	now := time.Now().UTC()
	job := pauseJob(t, store, "openai:gpt-4o-mini", now.Add(-time.Minute))

	requeued, err := sched.ResumeDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, []string{"openai"}, gate.strictCalls)

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusQueued, got.Status)
	assert.Empty(t, got.PauseReason)
	assert.Nil(t, got.ResumeAt)
	assert.Equal(t, job.Priority, got.Priority)
}

func TestResumeDueDefersWhenQuotaStillExhausted(t *testing.T) {
	store := async.NewStore(setupTestDB(t))
	now := time.Now().UTC()
	nextReset := now.Add(18 * time.Hour)
	gate := &fakeGate{
		exceeded: map[string]bool{"openai": true},
		resumeAt: map[string]time.Time{"openai": nextReset},
	}
	sched := NewScheduler(store, gate, fakeResolver{}, nil, Config{}, nil)

	job := pauseJob(t, store, "openai:gpt-4o-mini", now.Add(-time.Minute))

	requeued, err := sched.ResumeDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusPaused, got.Status)
	require.NotNil(t, got.ResumeAt)
	assert.WithinDuration(t, nextReset, *got.ResumeAt, time.Second)
}

func TestResumeDueSkipsJobsNotYetDue(t *testing.T) {
	store := async.NewStore(setupTestDB(t))
	gate := &fakeGate{exceeded: map[string]bool{}}
	sched := NewScheduler(store, gate, fakeResolver{}, nil, Config{}, nil)

	now := time.Now().UTC()
	job := pauseJob(t, store, "openai:gpt-4o-mini", now.Add(time.Hour))

	requeued, err := sched.ResumeDue(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Empty(t, gate.strictCalls)

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusPaused, got.Status)
}

func TestResumeDueUsesJobProviderOverride(t *testing.T) {
	store := async.NewStore(setupTestDB(t))
	gate := &fakeGate{exceeded: map[string]bool{}}
	sched := NewScheduler(store, gate, fakeResolver{}, nil, Config{}, nil)

	now := time.Now().UTC()
	job, err := async.NewJob(async.JobInputs{
		SourceType:  async.SourceSubtitle,
		SourcePath:  "/media/show.srt",
		SourceLang:  "en",
		TargetLangs: []string{"ja"},
		Model:       "deepseek-chat",
		Provider:    "custom-endpoint",
	})
	require.NoError(t, err)
	require.NoError(t, store.Create(job))
	_, err = store.Claim(job.Queue, "w1", "t1")
	require.NoError(t, err)
	require.NoError(t, store.Pause(job.ID, "daily_quota_exceeded", now.Add(-time.Minute)))

	_, err = sched.ResumeDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"custom-endpoint"}, gate.strictCalls)
}

func TestResumeDueToleratesConcurrentCancel(t *testing.T) {
	store := async.NewStore(setupTestDB(t))
	gate := &fakeGate{exceeded: map[string]bool{}}
	sched := NewScheduler(store, gate, fakeResolver{}, nil, Config{}, nil)

	now := time.Now().UTC()
	job := pauseJob(t, store, "openai:gpt-4o-mini", now.Add(-time.Minute))

	// Another actor cancels between FindResumable and the requeue CAS. The
	// scheduler should treat the lost race as done, not as an error.
	due, err := store.FindResumable(now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NoError(t, store.Cancel(job.ID))

	require.NoError(t, sched.resumeOne(context.Background(), due[0], now))

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusCancelled, got.Status)
}

func TestSchedulerLoopsRunAndStop(t *testing.T) {
	store := async.NewStore(setupTestDB(t))
	gate := &fakeGate{exceeded: map[string]bool{}}
	resets := &fakeResetter{}
	sched := NewScheduler(store, gate, fakeResolver{}, resets, Config{
		ResumeInterval: 10 * time.Millisecond,
		ResetInterval:  10 * time.Millisecond,
	}, nil)

	pauseJob(t, store, "openai:gpt-4o-mini", time.Now().UTC().Add(-time.Minute))

	sched.Start()
	require.Eventually(t, func() bool {
		counts, err := store.CountByStatus("")
		require.NoError(t, err)
		return counts[async.JobStatusQueued] == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return resets.calls.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)
	sched.Stop()
}
