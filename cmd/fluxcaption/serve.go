package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Await-d/FluxCaption-sub000/ai/provider"
	"github.com/Await-d/FluxCaption-sub000/ai/tracker"
	"github.com/Await-d/FluxCaption-sub000/config"
	"github.com/Await-d/FluxCaption-sub000/db"
	"github.com/Await-d/FluxCaption-sub000/logger"
	"github.com/Await-d/FluxCaption-sub000/pulse/async"
	"github.com/Await-d/FluxCaption-sub000/pulse/event"
	"github.com/Await-d/FluxCaption-sub000/pulse/quota"
	"github.com/Await-d/FluxCaption-sub000/pulse/schedule"
	"github.com/Await-d/FluxCaption-sub000/translate"

	// Provider families register their client factories on import.
	_ "github.com/Await-d/FluxCaption-sub000/ai/anthropic"
	_ "github.com/Await-d/FluxCaption-sub000/ai/gemini"
	_ "github.com/Await-d/FluxCaption-sub000/ai/local"
	_ "github.com/Await-d/FluxCaption-sub000/ai/openaicompat"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the translation pipeline",
	Long: `Run the full pipeline in the foreground: the three queue worker
pools (scan, asr, translate), the redis-backed progress bus, the quota
ledger, the resume scheduler, and the cleanup sweeper. Stops cleanly on
SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

// dispatchGate runs the strict quota check when a worker claims a job. A
// QuotaExceededError fails the job before any provider call and may
// auto-disable the provider.
type dispatchGate struct {
	registry *provider.Registry
	ledger   *quota.Ledger
}

func (g *dispatchGate) CheckDispatch(ctx context.Context, job *async.Job) error {
	providerName := job.Provider
	if providerName == "" {
		resolved, _, err := g.registry.Resolve(job.Model)
		if err != nil {
			return err
		}
		providerName = resolved
	}
	return g.ledger.CheckStrict(ctx, providerName)
}

func serve(cfg *config.Config) error {
	log := logger.Logger

	database, err := db.Open(cfg.GetDatabasePath(), log)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database, log); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Warnw("Redis unreachable; live progress delivery degraded",
			"addr", cfg.Redis.Addr,
			"error", err)
	}

	// Stores.
	jobs := async.NewStore(database)
	taskLogs := event.NewLogStore(database)
	bus := event.NewBus(rdb, taskLogs, jobs, log)

	providerConfigs := provider.NewConfigStore(database)
	modelConfigs := provider.NewModelStore(database)
	registry := provider.NewRegistry(providerConfigs, modelConfigs, log)

	// Quota ledger and usage accounting.
	var alerter *quota.Alerter
	if cfg.Quota.AlertWebhookURL != "" {
		alerter = quota.NewAlerter(cfg.Quota.AlertWebhookURL, cfg.Quota.AlertToken, log)
	}
	quotaStore := quota.NewStore(database)
	ledger := quota.NewLedger(quotaStore, providerConfigs, alerter, log,
		cfg.Quota.CacheSize, time.Duration(cfg.Quota.CacheTTLSeconds)*time.Second)

	usage := tracker.NewUsageTracker(database, modelConfigs, log)
	usage.AttachQuota(ledger)

	// Translation engine.
	engine := translate.NewEngine(jobs, registry,
		translate.NewCacheStore(database), translate.NewRuleStore(database),
		translate.Config{
			BatchSize:      cfg.Translation.BatchSize,
			MaxLineLength:  cfg.Translation.MaxLineLength,
			MaxTextLength:  cfg.Translation.MaxTextLength,
			OutputDir:      cfg.Translation.OutputDir,
			TempDir:        cfg.Translation.TempDir,
			Temperature:    cfg.Translation.Temperature,
			ASRThresholdMs: int64(cfg.ASR.AutoSegmentThresholdSeconds) * 1000,
			ASROverlapMs:   int64(cfg.ASR.SegmentOverlapSeconds) * 1000,
			SampleRate:     cfg.ASR.SampleRate,
		}, log)
	engine.SetBus(bus)
	engine.SetQuota(ledger)
	engine.SetUsage(usage)

	// The ffmpeg extractor, the ASR model runtime, and the media-host HTTP
	// client are supplied by the hosting deployment. Without them, host-item
	// and audio jobs fail at their phase with a clear error.
	scan := translate.NewScanExecutor(jobs, nil, bus, log)

	dispatcher := async.NewDispatcher(jobs, async.DispatcherConfig{
		Queues: []async.QueueConfig{
			{Name: async.QueueScan, Workers: cfg.Pipeline.ScanWorkers,
				Timeout: time.Duration(cfg.Pipeline.ScanTimeoutSeconds) * time.Second},
			{Name: async.QueueASR, Workers: cfg.Pipeline.ASRWorkers,
				Timeout: time.Duration(cfg.Pipeline.ASRTimeoutSeconds) * time.Second},
			{Name: async.QueueTranslate, Workers: cfg.Pipeline.TranslateWorkers,
				Timeout: time.Duration(cfg.Pipeline.TranslateTimeoutSeconds) * time.Second},
		},
		PollInterval: time.Duration(cfg.Pipeline.PollIntervalSeconds) * time.Second,
		CancelGrace:  time.Duration(cfg.Pipeline.CancelGraceSeconds) * time.Second,
		Gate:         &dispatchGate{registry: registry, ledger: ledger},
	}, log)
	dispatcher.RegisterExecutor(async.QueueScan, scan)
	dispatcher.RegisterExecutor(async.QueueASR, engine)
	dispatcher.RegisterExecutor(async.QueueTranslate, engine)

	scheduler := schedule.NewScheduler(jobs, ledger, registry, quotaStore, schedule.Config{
		ResumeInterval: time.Duration(cfg.Pipeline.ResumeIntervalSeconds) * time.Second,
		ResetInterval:  time.Duration(cfg.Pipeline.QuotaResetIntervalSeconds) * time.Second,
	}, log)

	sweeper := schedule.NewSweeper(cfg.Translation.TempDir, translate.TempDirPrefix, jobs,
		schedule.SweeperConfig{
			Interval: time.Duration(cfg.Pipeline.CleanupIntervalSeconds) * time.Second,
		}, log)

	// Config hot reload: provider clients re-read their rows on next use.
	var watcher *config.Watcher
	if configPath != "" {
		watcher, err = config.NewWatcher(configPath)
		if err != nil {
			log.Warnw("Config watcher unavailable", "error", err)
		} else {
			watcher.OnReload(func(next *config.Config) error {
				registry.InvalidateAll()
				log.Infow("Provider clients invalidated after config reload")
				return nil
			})
			watcher.Start()
			defer watcher.Stop()
		}
	}

	// Startup health sweep over enabled providers.
	healthCtx, cancelHealth := context.WithTimeout(context.Background(), 30*time.Second)
	for name, healthy := range registry.HealthCheckAll(healthCtx) {
		if healthy {
			log.Infow("Provider healthy", "provider", name)
		} else {
			log.Warnw("Provider unhealthy", "provider", name)
		}
	}
	cancelHealth()

	if err := dispatcher.Start(); err != nil {
		return err
	}
	scheduler.Start()
	sweeper.Start()

	log.Infow("FluxCaption serving",
		"database", cfg.GetDatabasePath(),
		"redis", cfg.Redis.Addr,
		"output_dir", cfg.Translation.OutputDir)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Infow("Shutting down", "signal", sig.String())

	sweeper.Stop()
	scheduler.Stop()
	dispatcher.Stop()
	return nil
}
