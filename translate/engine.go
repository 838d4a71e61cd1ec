package translate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Await-d/FluxCaption-sub000/ai/provider"
	"github.com/Await-d/FluxCaption-sub000/ai/tracker"
	"github.com/Await-d/FluxCaption-sub000/asr"
	"github.com/Await-d/FluxCaption-sub000/errors"
	"github.com/Await-d/FluxCaption-sub000/mediahost"
	"github.com/Await-d/FluxCaption-sub000/pulse/async"
	"github.com/Await-d/FluxCaption-sub000/pulse/event"
	"github.com/Await-d/FluxCaption-sub000/subtitle"
)

// Publisher is the event-bus surface the engine emits progress on.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event) error
}

// ProviderSource resolves model identifiers and hands out provider clients.
type ProviderSource interface {
	Resolve(modelID string) (providerName, modelName string, err error)
	Get(providerName string) (provider.Provider, error)
}

// PauseChecker is the pause-on-exceed quota check called at batch
// boundaries.
type PauseChecker interface {
	CheckPause(ctx context.Context, providerName string) error
}

// UsageRecorder logs generation calls and their cost.
type UsageRecorder interface {
	Record(u *tracker.Usage) (float64, error)
	RecordError(providerName, modelName, jobID, requestType string, latencyMs int64, reqErr error) error
}

// Config tunes the engine. Zero values take the listed defaults.
type Config struct {
	BatchSize      int     // cues per LLM call (10)
	MaxLineLength  int     // soft-wrap threshold (42)
	MaxTextLength  int     // post-phase warning bound (500)
	OutputDir      string  // {output_dir}/{job_id}/{lang}.srt
	TempDir        string  // per-job working directories
	Temperature    float64 // sampling temperature (0.3)
	ASRThresholdMs int64   // auto-segment threshold (600s)
	ASROverlapMs   int64   // chunk overlap (10s)
	SampleRate     int     // extraction sample rate (16000)
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = 42
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = 500
	}
	if c.OutputDir == "" {
		c.OutputDir = os.TempDir()
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.ASRThresholdMs <= 0 {
		c.ASRThresholdMs = 600_000
	}
	if c.ASROverlapMs <= 0 {
		c.ASROverlapMs = 10_000
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	return c
}

// TempDirPrefix names per-job working directories; the cleanup sweeper
// matches on it.
const TempDirPrefix = "fluxcaption-job-"

// Engine executes one job through the phase machine:
// init, pull, asr, mt, post, writeback, done. It implements
// async.JobExecutor for the asr and translate queues.
type Engine struct {
	jobs      *async.Store
	bus       Publisher
	providers ProviderSource
	quota     PauseChecker
	usage     UsageRecorder
	cache     *CacheStore
	rules     *RuleStore
	host      mediahost.Client // nil when no media host is configured
	extractor asr.Extractor    // nil disables the asr phase
	scriber   asr.Transcriber
	cfg       Config
	logger    *zap.SugaredLogger
}

// NewEngine assembles a translation engine. bus, quota, usage, host,
// extractor, and scriber may each be nil; the matching behavior is skipped.
func NewEngine(jobs *async.Store, providers ProviderSource, cache *CacheStore, rules *RuleStore, cfg Config, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		jobs:      jobs,
		providers: providers,
		cache:     cache,
		rules:     rules,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// SetBus attaches the progress event bus.
func (e *Engine) SetBus(bus Publisher) { e.bus = bus }

// SetQuota attaches the pause-on-exceed quota check.
func (e *Engine) SetQuota(q PauseChecker) { e.quota = q }

// SetUsage attaches the usage tracker.
func (e *Engine) SetUsage(u UsageRecorder) { e.usage = u }

// SetMediaHost attaches the media host used for host items and uploads.
func (e *Engine) SetMediaHost(h mediahost.Client) { e.host = h }

// SetASR attaches the audio extractor and transcriber.
func (e *Engine) SetASR(ex asr.Extractor, tr asr.Transcriber) {
	e.extractor = ex
	e.scriber = tr
}

// run carries one execution's working state.
type run struct {
	job          *async.Job
	providerName string
	modelName    string
	client       provider.Provider
	itemID       string
	mediaPath    string
	subtitlePath string
	sourceCues   []subtitle.Cue
	translated   map[string][]subtitle.Cue
	metrics      map[string]float64
	log          *zap.SugaredLogger
}

// Execute drives a claimed job to done, returning QuotaPauseError to pause,
// ErrCancelled on cooperative cancellation, or any other error to fail.
func (e *Engine) Execute(ctx context.Context, job *async.Job) error {
	r := &run{
		job:        job,
		translated: make(map[string][]subtitle.Cue),
		metrics:    job.Metrics,
		log:        e.logger.With("job_id", job.ID),
	}
	if r.metrics == nil {
		r.metrics = make(map[string]float64)
	}

	err := e.runPhases(ctx, r)

	// Metrics survive every outcome, including pause and failure.
	if mErr := e.jobs.SetMetrics(job.ID, r.metrics); mErr != nil {
		r.log.Warnw("Metrics write failed", "error", mErr)
	}
	return err
}

func (e *Engine) runPhases(ctx context.Context, r *run) error {
	if err := e.phaseInit(ctx, r); err != nil {
		return err
	}
	if err := e.checkCancel(ctx); err != nil {
		return err
	}
	if err := e.phasePull(ctx, r); err != nil {
		return err
	}
	if err := e.checkCancel(ctx); err != nil {
		return err
	}
	if err := e.phaseASR(ctx, r); err != nil {
		return err
	}
	if err := e.checkCancel(ctx); err != nil {
		return err
	}
	if err := e.phaseMT(ctx, r); err != nil {
		return err
	}
	if err := e.checkCancel(ctx); err != nil {
		return err
	}
	e.phasePost(r)
	if err := e.phaseWriteback(ctx, r); err != nil {
		return err
	}
	return e.phaseDone(ctx, r)
}

func (e *Engine) checkCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return errors.Wrap(errors.ErrCancelled, ctx.Err().Error())
	}
	return nil
}

// setPhase persists the phase transition and publishes it.
func (e *Engine) setPhase(ctx context.Context, r *run, phase async.Phase) error {
	running := async.JobStatusRunning
	if err := e.jobs.UpdateStatus(r.job.ID, async.StatusPatch{
		Status: async.JobStatusRunning,
		Phase:  &phase,
	}, &running); err != nil {
		return err
	}
	r.job.CurrentPhase = phase
	e.publish(ctx, r, event.Event{
		JobID:    r.job.ID,
		Phase:    string(phase),
		Status:   string(async.JobStatusRunning),
		Progress: r.job.Progress,
	})
	return nil
}

func (e *Engine) publish(ctx context.Context, r *run, ev event.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, ev); err != nil {
		r.log.Warnw("Event publish failed", "phase", ev.Phase, "error", err)
	}
}

// phaseInit resolves the provider, model, and source paths.
func (e *Engine) phaseInit(ctx context.Context, r *run) error {
	if err := e.setPhase(ctx, r, async.PhaseInit); err != nil {
		return err
	}

	providerName, modelName, err := e.providers.Resolve(r.job.Model)
	if err != nil {
		return err
	}
	if r.job.Provider != "" {
		providerName = r.job.Provider
	}
	r.providerName = providerName
	r.modelName = modelName

	client, err := e.providers.Get(providerName)
	if err != nil {
		return err
	}
	r.client = client

	switch r.job.SourceType {
	case async.SourceSubtitle:
		r.subtitlePath = r.job.SourcePath
	case async.SourceAudio, async.SourceMedia:
		r.mediaPath = r.job.SourcePath
	case async.SourceHostItem:
		// SourcePath holds the host item id; the media path comes from
		// the item record.
		if e.host == nil {
			return errors.Newf("job %s targets a host item but no media host is configured", r.job.ID)
		}
		r.itemID = r.job.SourcePath
		item, err := e.host.GetItem(ctx, r.itemID)
		if err != nil {
			return errors.Wrapf(err, "resolve host item %q", r.itemID)
		}
		r.mediaPath = item.Path
		// An item that already carries a source-language subtitle is
		// translated from it; transcription is only for items without one.
		if path, ok := existingHostSubtitle(item, r.job.SourceLang); ok {
			r.subtitlePath = path
			r.log.Infow("Using existing source-language subtitle", "path", path)
		}
	}

	r.log.Infow("Job initialized",
		"provider", r.providerName,
		"model", r.modelName,
		"source_type", r.job.SourceType)
	return nil
}

// existingHostSubtitle locates the sidecar file backing an item's
// source-language subtitle stream. Only sidecars in the source language are
// candidates; an embedded-only stream yields no path.
func existingHostSubtitle(item *mediahost.Item, sourceLang string) (string, bool) {
	if sourceLang == "" || sourceLang == "auto" || !item.HasSubtitle(sourceLang) {
		return "", false
	}
	candidates := []string{sourceLang}
	for _, lang := range item.SubtitleLangs {
		if mediahost.SameLanguage(lang, sourceLang) {
			candidates = append(candidates, lang)
		}
	}
	for _, lang := range candidates {
		path := mediahost.SidecarPath(item.Path, lang, subtitle.DefaultExtension)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// phasePull downloads the model when the provider supports pulling and the
// model is absent locally.
func (e *Engine) phasePull(ctx context.Context, r *run) error {
	if !r.client.SupportsModelPull() || r.job.HasCompletedPhase(async.PhasePull) {
		return nil
	}

	exists, err := r.client.ModelExists(ctx, r.modelName)
	if err != nil {
		return errors.Wrapf(err, "check model %q on provider %q", r.modelName, r.providerName)
	}
	if exists {
		return nil
	}

	puller, ok := provider.AsPuller(r.client)
	if !ok {
		return errors.Newf("model %q is absent and provider %q cannot pull it", r.modelName, r.providerName)
	}

	if err := e.setPhase(ctx, r, async.PhasePull); err != nil {
		return err
	}
	r.log.Infow("Pulling model", "model", r.modelName)

	err = puller.PullModel(ctx, r.modelName, func(status string, completed, total int64) {
		progress := 0.0
		if total > 0 {
			progress = float64(completed) / float64(total) * 100
		}
		e.publish(ctx, r, event.Event{
			JobID:    r.job.ID,
			Phase:    string(async.PhasePull),
			Status:   string(async.JobStatusRunning),
			Progress: progress,
		})
	})
	if err != nil {
		return errors.Wrapf(err, "pull model %q", r.modelName)
	}
	return e.jobs.AppendCheckpoint(r.job.ID, async.PhasePull, nil, "")
}

// phaseASR extracts and transcribes audio sources that have no subtitle in
// the source language. Long audio is chunked with overlap and merged.
func (e *Engine) phaseASR(ctx context.Context, r *run) error {
	if r.job.SourceType == async.SourceSubtitle {
		return nil
	}
	if r.subtitlePath != "" {
		// init found an existing source-language subtitle on the asset.
		return nil
	}
	if r.job.ASROutputPath != "" || r.job.HasCompletedPhase(async.PhaseASR) {
		r.subtitlePath = r.job.ASROutputPath
		return nil
	}
	if e.extractor == nil || e.scriber == nil {
		return errors.Newf("job %s needs transcription but no transcriber is configured", r.job.ID)
	}

	if err := e.setPhase(ctx, r, async.PhaseASR); err != nil {
		return err
	}

	workDir := filepath.Join(e.cfg.TempDir, TempDirPrefix+r.job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return errors.Wrap(err, "create job working directory")
	}

	totalMs, err := e.extractor.Duration(ctx, r.mediaPath)
	if err != nil {
		return errors.Wrapf(err, "probe duration of %q", r.mediaPath)
	}

	chunks := asr.PlanChunks(totalMs, e.cfg.ASRThresholdMs, e.cfg.ASROverlapMs)
	r.metrics["asr_chunks"] = float64(len(chunks))

	lang := r.job.SourceLang
	if lang == "auto" {
		lang = ""
	}

	perChunk := make([][]asr.Segment, len(chunks))
	for i, chunk := range chunks {
		if err := e.checkCancel(ctx); err != nil {
			return err
		}
		audioPath := filepath.Join(workDir, fmt.Sprintf("chunk_%03d.wav", chunk.Index))
		if _, err := e.extractor.Extract(ctx, r.mediaPath, audioPath, chunk.OffsetMs, chunk.LengthMs, e.cfg.SampleRate); err != nil {
			return errors.Wrapf(err, "extract audio chunk %d", chunk.Index)
		}
		segments, err := e.scriber.Transcribe(ctx, audioPath, lang)
		if err != nil {
			return errors.Wrapf(err, "transcribe chunk %d", chunk.Index)
		}
		perChunk[i] = asr.Reanchor(segments, chunk.OffsetMs)

		completed, total := i+1, len(chunks)
		e.publish(ctx, r, event.Event{
			JobID:     r.job.ID,
			Phase:     string(async.PhaseASR),
			Status:    string(async.JobStatusRunning),
			Progress:  float64(completed) / float64(total) * 100,
			Completed: &completed,
			Total:     &total,
		})
	}

	merged := asr.MergeChunks(chunks, perChunk, e.cfg.ASROverlapMs)
	cues := asr.ToCues(merged)
	if len(cues) == 0 {
		return errors.Newf("transcription of %q produced no segments", r.mediaPath)
	}

	outPath := filepath.Join(workDir, "asr."+subtitle.DefaultExtension)
	if err := writeCueFile(outPath, cues); err != nil {
		return err
	}
	r.subtitlePath = outPath
	r.job.ASROutputPath = outPath
	return e.jobs.AppendCheckpoint(r.job.ID, async.PhaseASR, nil, outPath)
}

// phaseMT translates the source cues into every remaining target language.
func (e *Engine) phaseMT(ctx context.Context, r *run) error {
	if err := e.setPhase(ctx, r, async.PhaseMT); err != nil {
		return err
	}

	if r.subtitlePath == "" {
		r.subtitlePath = r.job.ASROutputPath
	}
	f, err := os.Open(r.subtitlePath)
	if err != nil {
		return errors.Wrapf(err, "open source subtitle %q", r.subtitlePath)
	}
	cues, err := subtitle.ParseSRT(f)
	f.Close()
	if err != nil {
		return errors.Wrapf(err, "parse source subtitle %q", r.subtitlePath)
	}
	if len(cues) == 0 {
		return errors.Newf("source subtitle %q has no cues", r.subtitlePath)
	}
	r.sourceCues = cues

	remaining := r.job.RemainingLangs()
	totalLangs := len(r.job.TargetLangs)
	doneLangs := totalLangs - len(remaining)

	resultPaths := append([]string(nil), r.job.ResultPaths...)
	for _, lang := range remaining {
		translated, err := e.translateLang(ctx, r, lang, doneLangs, totalLangs)
		if err != nil {
			return err
		}
		r.translated[lang] = translated

		outPath, err := e.serializeLang(r.job.ID, lang, translated)
		if err != nil {
			return err
		}
		resultPaths = append(resultPaths, outPath)
		if err := e.jobs.SetResultPaths(r.job.ID, resultPaths); err != nil {
			return err
		}
		if err := e.jobs.AppendCheckpoint(r.job.ID, async.PhaseMT, []string{lang}, ""); err != nil {
			return err
		}
		r.job.CompletedTargetLangs = append(r.job.CompletedTargetLangs, lang)
		doneLangs++

		progress := float64(doneLangs) / float64(totalLangs) * 100
		if err := e.jobs.SetProgress(r.job.ID, progress); err != nil {
			r.log.Warnw("Progress write failed", "error", err)
		}
		r.job.Progress = progress
		e.publish(ctx, r, event.Event{
			JobID:    r.job.ID,
			Phase:    string(async.PhaseMT),
			Status:   string(async.JobStatusRunning),
			Progress: progress,
		})
		r.log.Infow("Target language completed", "lang", lang, "path", outPath)
	}
	r.job.ResultPaths = resultPaths
	return nil
}

// translateLang runs the batch loop for one target language.
func (e *Engine) translateLang(ctx context.Context, r *run, lang string, doneLangs, totalLangs int) ([]subtitle.Cue, error) {
	rules, err := e.rules.ListEnabled()
	if err != nil {
		return nil, err
	}

	src := r.sourceCues
	out := make([]subtitle.Cue, len(src))
	copy(out, src)

	total := len(src)
	for start := 0; start < total; start += e.cfg.BatchSize {
		if err := e.checkCancel(ctx); err != nil {
			return nil, err
		}
		if e.quota != nil {
			if err := e.quota.CheckPause(ctx, r.providerName); err != nil {
				return nil, err
			}
		}

		end := start + e.cfg.BatchSize
		if end > total {
			end = total
		}
		batch := src[start:end]

		translations, err := e.translateBatch(ctx, r, batch, lang)
		if err != nil {
			return nil, err
		}

		for i := range batch {
			text := translations[i]
			text, fired := ApplyRules(rules, text, r.job.SourceLang, lang)
			r.metrics["rules_applied"] += float64(len(fired))
			for _, id := range fired {
				r.metrics[fmt.Sprintf("rule_%d_applied", id)]++
			}
			text = SoftWrap(text, e.cfg.MaxLineLength)
			out[start+i].Text = text
		}

		completed := end
		langFraction := float64(completed) / float64(total)
		progress := (float64(doneLangs) + langFraction) / float64(totalLangs) * 100
		if err := e.jobs.SetProgress(r.job.ID, progress); err != nil {
			r.log.Warnw("Progress write failed", "error", err)
		}
		r.job.Progress = progress
		e.publish(ctx, r, event.Event{
			JobID:     r.job.ID,
			Phase:     string(async.PhaseMT),
			Status:    string(async.JobStatusRunning),
			Progress:  progress,
			Completed: &completed,
			Total:     &total,
		})
	}
	return out, nil
}

// translateBatch resolves one batch of cues through the cache and, for
// misses, a single marker-formatted provider call with per-cue fallback.
func (e *Engine) translateBatch(ctx context.Context, r *run, batch []subtitle.Cue, lang string) ([]string, error) {
	out := make([]string, len(batch))
	var missIdx []int
	var missTexts []string

	for i, cue := range batch {
		key := CacheKey(cue.Text, r.job.SourceLang, lang, r.job.Model)
		cached, hit, err := e.cache.Lookup(key)
		if err != nil {
			return nil, err
		}
		if hit {
			out[i] = cached
			r.metrics["cache_hits"]++
			continue
		}
		r.metrics["cache_misses"]++
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, cue.Text)
	}
	if len(missIdx) == 0 {
		return out, nil
	}

	translations, err := e.generateBatch(ctx, r, missTexts, lang)
	if err != nil {
		return nil, err
	}

	for j, i := range missIdx {
		out[i] = translations[j]
		key := CacheKey(batch[i].Text, r.job.SourceLang, lang, r.job.Model)
		if err := e.cache.Put(key, batch[i].Text, r.job.SourceLang, lang, r.job.Model, translations[j]); err != nil {
			r.log.Warnw("Cache write failed", "error", err)
		}
	}
	return out, nil
}

// generateBatch issues one marker-formatted call; a response that cannot be
// parsed back falls through to per-cue calls.
func (e *Engine) generateBatch(ctx context.Context, r *run, texts []string, lang string) ([]string, error) {
	system, prompt := BuildBatchPrompt(texts, r.job.SourceLang, lang)
	text, err := e.generate(ctx, r, system, prompt)
	if err != nil {
		return nil, err
	}

	translations, parseErr := ParseBatchResponse(text, len(texts))
	if parseErr == nil {
		return translations, nil
	}
	r.log.Warnw("Batch response unparseable; falling back to per-cue calls",
		"lang", lang,
		"error", parseErr)

	translations = make([]string, len(texts))
	for i, src := range texts {
		if err := e.checkCancel(ctx); err != nil {
			return nil, err
		}
		system, prompt := BuildSinglePrompt(src, r.job.SourceLang, lang)
		single, err := e.generate(ctx, r, system, prompt)
		if err != nil {
			return nil, err
		}
		translations[i] = strings.TrimSpace(single)
	}
	return translations, nil
}

// generate performs one provider call with usage accounting.
func (e *Engine) generate(ctx context.Context, r *run, system, prompt string) (string, error) {
	startedAt := time.Now()
	resp, err := r.client.Generate(ctx, provider.GenerateRequest{
		Model:       r.modelName,
		Prompt:      prompt,
		System:      system,
		Temperature: e.cfg.Temperature,
	})
	latency := time.Since(startedAt).Milliseconds()

	if err != nil {
		if e.usage != nil {
			if logErr := e.usage.RecordError(r.providerName, r.modelName, r.job.ID, "translate", latency, err); logErr != nil {
				r.log.Warnw("Usage error log failed", "error", logErr)
			}
		}
		return "", err
	}
	if ctx.Err() != nil {
		return "", errors.Wrap(errors.ErrCancelled, ctx.Err().Error())
	}

	r.metrics["provider_calls"]++
	if e.usage != nil {
		if _, err := e.usage.Record(&tracker.Usage{
			ProviderName:    r.providerName,
			ModelName:       r.modelName,
			JobID:           r.job.ID,
			RequestType:     "translate",
			InputTokens:     resp.InputTokens,
			OutputTokens:    resp.OutputTokens,
			LatencyMs:       &latency,
			FinishReason:    resp.FinishReason,
			PromptPreview:   prompt,
			ResponsePreview: resp.Text,
			TokensEstimated: resp.TokensEstimated,
		}); err != nil {
			r.log.Warnw("Usage log failed", "error", err)
		}
	}
	return resp.Text, nil
}

// serializeLang writes one target language's cues under the output dir.
func (e *Engine) serializeLang(jobID, lang string, cues []subtitle.Cue) (string, error) {
	dir := filepath.Join(e.cfg.OutputDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create output directory")
	}
	outPath := filepath.Join(dir, lang+"."+subtitle.DefaultExtension)
	if err := writeCueFile(outPath, cues); err != nil {
		return "", err
	}
	return outPath, nil
}

func writeCueFile(path string, cues []subtitle.Cue) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create subtitle file %q", path)
	}
	if err := subtitle.WriteSRT(f, cues); err != nil {
		f.Close()
		return errors.Wrapf(err, "write subtitle file %q", path)
	}
	return errors.Wrapf(f.Close(), "close subtitle file %q", path)
}

// phasePost validates fresh translations against the source. Findings are
// logged, not fatal.
func (e *Engine) phasePost(r *run) {
	for lang, cues := range r.translated {
		if len(cues) != len(r.sourceCues) {
			r.log.Warnw("Cue count drifted from source",
				"lang", lang,
				"source", len(r.sourceCues),
				"translated", len(cues))
		}
		for i, cue := range cues {
			if len(cue.Text) > e.cfg.MaxTextLength {
				r.log.Warnw("Cue exceeds max text length",
					"lang", lang,
					"cue", cue.Index,
					"length", len(cue.Text))
			}
			if i > 0 && cues[i-1].Overlaps(cue) {
				r.log.Warnw("Overlapping cue timings",
					"lang", lang,
					"cue", cue.Index)
			}
		}
	}
}

// phaseWriteback delivers each result file: upload to the media host, or a
// sidecar next to the source media. A failure fails the phase, but the files
// stay listed in result_paths for manual retrieval.
func (e *Engine) phaseWriteback(ctx context.Context, r *run) error {
	if len(r.job.ResultPaths) == 0 || r.job.HasCompletedPhase(async.PhaseWriteback) {
		return nil
	}
	if err := e.setPhase(ctx, r, async.PhaseWriteback); err != nil {
		return err
	}

	for _, path := range r.job.ResultPaths {
		lang := langFromResultPath(path)
		switch r.job.WritebackMode {
		case async.WritebackUpload:
			if e.host == nil || r.itemID == "" {
				return errors.Newf("upload writeback needs a media host item; job %s has none", r.job.ID)
			}
			if err := e.host.UploadSubtitle(ctx, r.itemID, lang, path); err != nil {
				return errors.Wrapf(err, "upload %s subtitle for item %q", lang, r.itemID)
			}
		case async.WritebackSidecar:
			base := r.mediaPath
			if base == "" {
				base = r.subtitlePath
			}
			dest := mediahost.SidecarPath(base, lang, subtitle.DefaultExtension)
			if err := copyFile(path, dest); err != nil {
				return errors.Wrapf(err, "place sidecar for %s", lang)
			}
		}
	}
	return e.jobs.AppendCheckpoint(r.job.ID, async.PhaseWriteback, nil, "")
}

// phaseDone makes the terminal transition and emits the final event.
func (e *Engine) phaseDone(ctx context.Context, r *run) error {
	running := async.JobStatusRunning
	phase := async.PhaseDone
	progress := 100.0
	if err := e.jobs.UpdateStatus(r.job.ID, async.StatusPatch{
		Status:   async.JobStatusSuccess,
		Phase:    &phase,
		Progress: &progress,
	}, &running); err != nil {
		return err
	}
	e.publish(ctx, r, event.Event{
		JobID:    r.job.ID,
		Phase:    string(async.PhaseDone),
		Status:   string(async.JobStatusSuccess),
		Progress: 100,
	})
	r.log.Infow("Job succeeded",
		"langs", len(r.job.TargetLangs),
		"provider_calls", r.metrics["provider_calls"],
		"cache_hits", r.metrics["cache_hits"])
	return nil
}

// langFromResultPath recovers the target language from the
// {job_id}/{lang}.{ext} layout.
func langFromResultPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
