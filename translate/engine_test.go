package translate

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Await-d/FluxCaption-sub000/ai/provider"
	"github.com/Await-d/FluxCaption-sub000/errors"
	"github.com/Await-d/FluxCaption-sub000/mediahost"
	"github.com/Await-d/FluxCaption-sub000/pulse/async"
	"github.com/Await-d/FluxCaption-sub000/subtitle"
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
	);
	CREATE TABLE translation_cache (
		hash TEXT PRIMARY KEY,
		source_text TEXT NOT NULL,
		source_lang TEXT NOT NULL,
		target_lang TEXT NOT NULL,
		model TEXT NOT NULL,
		translated_text TEXT NOT NULL,
		hit_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE correction_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		rule_type TEXT NOT NULL,
		pattern TEXT NOT NULL,
		replacement TEXT NOT NULL,
		case_sensitive BOOLEAN NOT NULL DEFAULT 1,
		source_lang TEXT,
		target_lang TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	require.NoError(t, err)
	return db
}

// echoProvider translates marker-formatted batch prompts deterministically,
// prefixing each source line with "tr:". Respond overrides the default when
// set; calls counts Generate invocations.
type echoProvider struct {
	calls   int
	respond func(req provider.GenerateRequest) (*provider.GenerateResponse, error)
}

func (p *echoProvider) Name() string            { return "fake" }
func (p *echoProvider) SupportsModelPull() bool { return false }
func (p *echoProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}
func (p *echoProvider) ModelExists(ctx context.Context, name string) (bool, error) {
	return true, nil
}
func (p *echoProvider) HealthCheck(ctx context.Context) bool { return true }
func (p *echoProvider) GenerateStream(ctx context.Context, req provider.GenerateRequest) (<-chan provider.StreamChunk, error) {
	ch := make(chan provider.StreamChunk)
	close(ch)
	return ch, nil
}

func (p *echoProvider) Generate(ctx context.Context, req provider.GenerateRequest) (*provider.GenerateResponse, error) {
	p.calls++
	if p.respond != nil {
		return p.respond(req)
	}
	return &provider.GenerateResponse{
		Text:         echoTranslate(req.Prompt),
		InputTokens:  10,
		OutputTokens: 10,
		FinishReason: "stop",
	}, nil
}

// echoTranslate rebuilds a marker response from the marker prompt, or
// prefixes a single-cue prompt's last line.
func echoTranslate(prompt string) string {
	if !strings.Contains(prompt, "[[1]]") {
		lines := strings.Split(strings.TrimSpace(prompt), "\n")
		return "tr:" + lines[len(lines)-1]
	}
	var b strings.Builder
	lines := strings.Split(prompt, "\n")
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "[[") && strings.HasSuffix(trimmed, "]]") && i+1 < len(lines) {
			fmt.Fprintf(&b, "%s\ntr:%s\n", trimmed, lines[i+1])
			i++
		}
	}
	return b.String()
}

// fakeSource serves one provider under any name.
type fakeSource struct {
	client provider.Provider
}

func (s *fakeSource) Resolve(modelID string) (string, string, error) {
	providerName, modelName := provider.ParseModelID(modelID)
	if providerName == "" {
		providerName = provider.HeuristicProvider(modelName)
	}
	return providerName, modelName, nil
}

func (s *fakeSource) Get(providerName string) (provider.Provider, error) {
	return s.client, nil
}

// pausingQuota trips after allow checks.
type pausingQuota struct {
	allow    int
	checks   int
	resumeAt time.Time
}

func (q *pausingQuota) CheckPause(ctx context.Context, providerName string) error {
	q.checks++
	if q.checks > q.allow {
		return &errors.QuotaPauseError{
			Provider: providerName,
			Kind:     errors.QuotaDailyCost,
			ResumeAt: q.resumeAt,
		}
	}
	return nil
}

type engineHarness struct {
	db       *sql.DB
	jobs     *async.Store
	cache    *CacheStore
	rules    *RuleStore
	provider *echoProvider
	engine   *Engine
}

func newHarness(t *testing.T, cfg Config) *engineHarness {
	t.Helper()
	db := setupTestDB(t)
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	if cfg.TempDir == "" {
		cfg.TempDir = t.TempDir()
	}
	h := &engineHarness{
		db:       db,
		jobs:     async.NewStore(db),
		cache:    NewCacheStore(db),
		rules:    NewRuleStore(db),
		provider: &echoProvider{},
	}
	h.engine = NewEngine(h.jobs, &fakeSource{client: h.provider}, h.cache, h.rules, cfg, nil)
	return h
}

// startJob creates and claims a job so it is running, as the dispatcher
// would leave it.
func (h *engineHarness) startJob(t *testing.T, mutate func(*async.JobInputs)) *async.Job {
	t.Helper()
	inputs := async.JobInputs{
		SourceType:  async.SourceSubtitle,
		SourceLang:  "en",
		TargetLangs: []string{"zh-CN"},
		Model:       "local:qwen2.5",
	}
	if mutate != nil {
		mutate(&inputs)
	}
	job, err := async.NewJob(inputs)
	require.NoError(t, err)
	require.NoError(t, h.jobs.Create(job))

	claimed, err := h.jobs.Claim(job.Queue, "test-worker", "task-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	return claimed
}

func writeSRT(t *testing.T, dir string, cues []subtitle.Cue) string {
	t.Helper()
	path := filepath.Join(dir, "source.srt")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, subtitle.WriteSRT(f, cues))
	require.NoError(t, f.Close())
	return path
}

func cueSeq(n int) []subtitle.Cue {
	cues := make([]subtitle.Cue, n)
	for i := range cues {
		cues[i] = subtitle.Cue{
			Index:   i + 1,
			StartMs: int64(i) * 2000,
			EndMs:   int64(i)*2000 + 1500,
			Text:    fmt.Sprintf("Line %d", i+1),
		}
	}
	return cues
}

func readCues(t *testing.T, path string) []subtitle.Cue {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cues, err := subtitle.ParseSRT(f)
	require.NoError(t, err)
	return cues
}

func TestCacheHitSkipsProvider(t *testing.T) {
	h := newHarness(t, Config{})
	srcDir := t.TempDir()
	src := writeSRT(t, srcDir, []subtitle.Cue{{Index: 1, StartMs: 0, EndMs: 1000, Text: "Hello"}})

	key := CacheKey("Hello", "en", "zh-CN", "local:qwen2.5")
	require.NoError(t, h.cache.Put(key, "Hello", "en", "zh-CN", "local:qwen2.5", "你好"))

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
	})
	require.NoError(t, h.engine.Execute(context.Background(), job))

	assert.Zero(t, h.provider.calls, "cached translation must not reach the provider")

	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusSuccess, got.Status)
	require.Len(t, got.ResultPaths, 1)

	cues := readCues(t, got.ResultPaths[0])
	require.Len(t, cues, 1)
	assert.Equal(t, "你好", cues[0].Text)
	assert.Equal(t, []string{"zh-CN"}, got.CompletedTargetLangs)
	assert.InDelta(t, 1, got.Metrics["cache_hits"], 1e-9)
}

func TestBatchTranslationAcrossBatches(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10})
	src := writeSRT(t, t.TempDir(), cueSeq(25))

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
	})
	require.NoError(t, h.engine.Execute(context.Background(), job))

	assert.Equal(t, 3, h.provider.calls, "25 cues at batch size 10 is three calls")

	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	require.Len(t, got.ResultPaths, 1)
	cues := readCues(t, got.ResultPaths[0])
	require.Len(t, cues, 25)
	for i, cue := range cues {
		assert.Equal(t, fmt.Sprintf("tr:Line %d", i+1), cue.Text)
		assert.Equal(t, int64(i)*2000, cue.StartMs, "timing preserved")
	}
	assert.InDelta(t, 100, got.Progress, 1e-9)
}

func TestSuccessCoversEveryTargetLang(t *testing.T) {
	h := newHarness(t, Config{})
	src := writeSRT(t, t.TempDir(), cueSeq(3))

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
		in.TargetLangs = []string{"zh-CN", "ja", "fr"}
	})
	require.NoError(t, h.engine.Execute(context.Background(), job))

	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusSuccess, got.Status)
	assert.ElementsMatch(t, got.TargetLangs, got.CompletedTargetLangs)
	assert.Len(t, got.ResultPaths, len(got.TargetLangs))
	for i, lang := range got.TargetLangs {
		assert.Equal(t, lang+".srt", filepath.Base(got.ResultPaths[i]))
	}
}

func TestUnparseableBatchFallsBackToPerCue(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10})
	src := writeSRT(t, t.TempDir(), cueSeq(4))

	batchCalls := 0
	h.provider.respond = func(req provider.GenerateRequest) (*provider.GenerateResponse, error) {
		if strings.Contains(req.Prompt, "[[1]]") {
			batchCalls++
			return &provider.GenerateResponse{Text: "no markers here"}, nil
		}
		return &provider.GenerateResponse{Text: echoTranslate(req.Prompt)}, nil
	}

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
	})
	require.NoError(t, h.engine.Execute(context.Background(), job))

	assert.Equal(t, 1, batchCalls)
	assert.Equal(t, 5, h.provider.calls, "one failed batch call plus four per-cue calls")

	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	cues := readCues(t, got.ResultPaths[0])
	for i, cue := range cues {
		assert.Equal(t, fmt.Sprintf("tr:Line %d", i+1), cue.Text)
	}
}

func TestQuotaPauseLeavesNoPartialResults(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1})
	src := writeSRT(t, t.TempDir(), cueSeq(3))

	resumeAt := time.Now().Add(24 * time.Hour).UTC()
	h.engine.SetQuota(&pausingQuota{allow: 1, resumeAt: resumeAt})

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
		in.Model = "openai:gpt-4o-mini"
	})
	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)

	var pause *errors.QuotaPauseError
	require.ErrorAs(t, err, &pause)
	assert.Equal(t, "openai", pause.Provider)
	assert.WithinDuration(t, resumeAt, pause.ResumeAt, time.Second)

	// The dispatcher owns the pause transition; the engine must leave the
	// language's partial output unpublished.
	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ResultPaths)
	assert.Empty(t, got.CompletedTargetLangs)
}

func TestCancellationBetweenBatches(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1})
	src := writeSRT(t, t.TempDir(), cueSeq(5))

	ctx, cancel := context.WithCancel(context.Background())
	h.provider.respond = func(req provider.GenerateRequest) (*provider.GenerateResponse, error) {
		cancel()
		return &provider.GenerateResponse{Text: echoTranslate(req.Prompt)}, nil
	}

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
	})
	err := h.engine.Execute(ctx, job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCancelled))

	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ResultPaths, "no partial output after batch-boundary cancel")
}

func TestResumeSkipsCompletedLangs(t *testing.T) {
	h := newHarness(t, Config{})
	src := writeSRT(t, t.TempDir(), cueSeq(2))

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
		in.TargetLangs = []string{"zh-CN", "ja"}
	})

	// First run finished zh-CN before pausing.
	require.NoError(t, h.jobs.AppendCheckpoint(job.ID, async.PhaseMT, []string{"zh-CN"}, ""))
	zhPath := filepath.Join(t.TempDir(), "zh-CN.srt")
	zhFile, err := os.Create(zhPath)
	require.NoError(t, err)
	require.NoError(t, subtitle.WriteSRT(zhFile, cueSeq(2)))
	require.NoError(t, zhFile.Close())
	require.NoError(t, h.jobs.SetResultPaths(job.ID, []string{zhPath}))
	job, err = h.jobs.Get(job.ID)
	require.NoError(t, err)

	require.NoError(t, h.engine.Execute(context.Background(), job))

	assert.Equal(t, 1, h.provider.calls, "only the remaining language is translated")
	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	require.Len(t, got.ResultPaths, 2)
	assert.Equal(t, zhPath, got.ResultPaths[0], "prior result kept in order")
	assert.Equal(t, "ja.srt", filepath.Base(got.ResultPaths[1]))
	assert.ElementsMatch(t, []string{"zh-CN", "ja"}, got.CompletedTargetLangs)
}

func TestCorrectionRulesAppliedToTranslations(t *testing.T) {
	h := newHarness(t, Config{})
	src := writeSRT(t, t.TempDir(), []subtitle.Cue{
		{Index: 1, StartMs: 0, EndMs: 1000, Text: "Line 1"},
	})
	require.NoError(t, h.rules.Create(&Rule{
		Name: "fix prefix", Enabled: true, RuleType: "literal",
		Pattern: "tr:", Replacement: "", CaseSensitive: true,
	}))

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
	})
	require.NoError(t, h.engine.Execute(context.Background(), job))

	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	cues := readCues(t, got.ResultPaths[0])
	assert.Equal(t, "Line 1", cues[0].Text)
	assert.InDelta(t, 1, got.Metrics["rules_applied"], 1e-9)
	assert.InDelta(t, 1, got.Metrics["rule_1_applied"], 1e-9, "fired rule ids are recorded")
}

func TestWritebackSidecarPlacesFileNextToSource(t *testing.T) {
	h := newHarness(t, Config{})
	mediaDir := t.TempDir()
	src := writeSRT(t, mediaDir, cueSeq(1))

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
		in.WritebackMode = async.WritebackSidecar
	})
	require.NoError(t, h.engine.Execute(context.Background(), job))

	sidecar := filepath.Join(mediaDir, "source.zh-CN.srt")
	require.FileExists(t, sidecar)
	cues := readCues(t, sidecar)
	assert.Equal(t, "tr:Line 1", cues[0].Text)
}

func TestWritebackUploadsToHostItem(t *testing.T) {
	h := newHarness(t, Config{})
	host := mediahost.NewFake()
	host.AddItem(&mediahost.Item{
		ID:   "item-1",
		Name: "Show S01E01",
		Path: filepath.Join(t.TempDir(), "show.mkv"),
	})
	h.engine.SetMediaHost(host)

	// ASR ran in a prior attempt; its checkpointed output feeds mt directly.
	asrOut := writeSRT(t, t.TempDir(), cueSeq(2))

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourceType = async.SourceHostItem
		in.SourcePath = "item-1"
		in.WritebackMode = async.WritebackUpload
		in.Queue = async.QueueTranslate
	})
	require.NoError(t, h.jobs.AppendCheckpoint(job.ID, async.PhaseASR, nil, asrOut))
	job, err := h.jobs.Get(job.ID)
	require.NoError(t, err)

	require.NoError(t, h.engine.Execute(context.Background(), job))

	require.Contains(t, host.Uploads, "item-1")
	assert.Contains(t, host.Uploads["item-1"], "zh-CN")

	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusSuccess, got.Status)
}

func TestUploadFailureKeepsResultPaths(t *testing.T) {
	h := newHarness(t, Config{})
	host := mediahost.NewFake()
	host.AddItem(&mediahost.Item{ID: "item-1", Path: filepath.Join(t.TempDir(), "show.mkv")})
	host.UploadErr = errors.New("language rejected by host")
	h.engine.SetMediaHost(host)

	asrOut := writeSRT(t, t.TempDir(), cueSeq(1))
	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourceType = async.SourceHostItem
		in.SourcePath = "item-1"
		in.WritebackMode = async.WritebackUpload
		in.Queue = async.QueueTranslate
	})
	require.NoError(t, h.jobs.AppendCheckpoint(job.ID, async.PhaseASR, nil, asrOut))
	job, err := h.jobs.Get(job.ID)
	require.NoError(t, err)

	err = h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "language rejected")

	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	require.Len(t, got.ResultPaths, 1, "files stay available for manual retrieval")
	assert.FileExists(t, got.ResultPaths[0])
}

func TestProviderErrorSurfacesAsFailure(t *testing.T) {
	h := newHarness(t, Config{})
	src := writeSRT(t, t.TempDir(), cueSeq(1))

	h.provider.respond = func(req provider.GenerateRequest) (*provider.GenerateResponse, error) {
		return nil, errors.Wrap(errors.ErrProviderFailed, "model exploded")
	}

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
	})
	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrProviderFailed))
}

func TestTranslationsPersistToCache(t *testing.T) {
	h := newHarness(t, Config{})
	src := writeSRT(t, t.TempDir(), cueSeq(2))

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
	})
	require.NoError(t, h.engine.Execute(context.Background(), job))
	firstCalls := h.provider.calls

	// A second identical job is served entirely from cache.
	job2 := h.startJob(t, func(in *async.JobInputs) {
		in.SourcePath = src
	})
	require.NoError(t, h.engine.Execute(context.Background(), job2))
	assert.Equal(t, firstCalls, h.provider.calls)

	got, err := h.jobs.Get(job2.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2, got.Metrics["cache_hits"], 1e-9)
}

func TestHostItemWithSourceSubtitleSkipsTranscription(t *testing.T) {
	h := newHarness(t, Config{})
	mediaDir := t.TempDir()
	mediaPath := filepath.Join(mediaDir, "movie.mkv")
	sidecar := mediahost.SidecarPath(mediaPath, "en", subtitle.DefaultExtension)
	f, err := os.Create(sidecar)
	require.NoError(t, err)
	require.NoError(t, subtitle.WriteSRT(f, cueSeq(3)))
	require.NoError(t, f.Close())

	host := mediahost.NewFake()
	host.AddItem(&mediahost.Item{
		ID:            "item-1",
		Path:          mediaPath,
		SubtitleLangs: []string{"en"},
	})
	h.engine.SetMediaHost(host)

	// No extractor or transcriber configured: the existing subtitle must be
	// used instead of failing the asr phase.
	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourceType = async.SourceHostItem
		in.SourcePath = "item-1"
		in.Queue = async.QueueTranslate
	})
	require.NoError(t, h.engine.Execute(context.Background(), job))

	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusSuccess, got.Status)
	require.Len(t, got.ResultPaths, 1)
	cues := readCues(t, got.ResultPaths[0])
	require.Len(t, cues, 3)
	assert.Equal(t, "tr:Line 1", cues[0].Text)
	assert.Greater(t, h.provider.calls, 0)
}

func TestHostItemMatchesRegionalSubtitleTag(t *testing.T) {
	h := newHarness(t, Config{})
	mediaDir := t.TempDir()
	mediaPath := filepath.Join(mediaDir, "movie.mkv")
	sidecar := mediahost.SidecarPath(mediaPath, "en-US", subtitle.DefaultExtension)
	f, err := os.Create(sidecar)
	require.NoError(t, err)
	require.NoError(t, subtitle.WriteSRT(f, cueSeq(2)))
	require.NoError(t, f.Close())

	host := mediahost.NewFake()
	host.AddItem(&mediahost.Item{
		ID:            "item-1",
		Path:          mediaPath,
		SubtitleLangs: []string{"en-US"},
	})
	h.engine.SetMediaHost(host)

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourceType = async.SourceHostItem
		in.SourcePath = "item-1"
		in.Queue = async.QueueTranslate
	})
	require.NoError(t, h.engine.Execute(context.Background(), job))

	got, err := h.jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusSuccess, got.Status)
}

func TestHostItemEmbeddedOnlyStreamStillNeedsTranscription(t *testing.T) {
	h := newHarness(t, Config{})
	host := mediahost.NewFake()
	// The stream is listed but no sidecar file exists on disk.
	host.AddItem(&mediahost.Item{
		ID:            "item-1",
		Path:          filepath.Join(t.TempDir(), "movie.mkv"),
		SubtitleLangs: []string{"en"},
	})
	h.engine.SetMediaHost(host)

	job := h.startJob(t, func(in *async.JobInputs) {
		in.SourceType = async.SourceHostItem
		in.SourcePath = "item-1"
		in.Queue = async.QueueTranslate
	})
	err := h.engine.Execute(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transcriber is configured")
}
