package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/codebuildervaibhav/lecture-digest/internal/acquisition"
	"github.com/codebuildervaibhav/lecture-digest/internal/admission"
	"github.com/codebuildervaibhav/lecture-digest/internal/cleanup"
	"github.com/codebuildervaibhav/lecture-digest/internal/config"
	"github.com/codebuildervaibhav/lecture-digest/internal/events"
	"github.com/codebuildervaibhav/lecture-digest/internal/handlers"
	"github.com/codebuildervaibhav/lecture-digest/internal/llm"
	"github.com/codebuildervaibhav/lecture-digest/internal/notify"
	"github.com/codebuildervaibhav/lecture-digest/internal/pipeline"
	"github.com/codebuildervaibhav/lecture-digest/internal/queue"
	"github.com/codebuildervaibhav/lecture-digest/internal/retry"
	"github.com/codebuildervaibhav/lecture-digest/internal/storage"
	"github.com/codebuildervaibhav/lecture-digest/internal/summarize"
	"github.com/codebuildervaibhav/lecture-digest/internal/telemetry"
	"github.com/codebuildervaibhav/lecture-digest/internal/transcription"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	authorizeDrive := flag.Bool("authorize-drive", false, "run the Google Drive OAuth flow and cache the token, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *authorizeDrive {
		err := notify.AuthorizeDrive(context.Background(), cfg.GoogleDrive.CredentialsFile, cfg.GoogleDrive.TokenFile, os.Stdin, os.Stdout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Drive authorization failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logBuffer := telemetry.NewLogBuffer(1000)
	out := io.MultiWriter(os.Stdout, logBuffer)
	log := telemetry.NewLogger(out, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	if err := run(cfg, *configPath, log, out, logBuffer); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, log *slog.Logger, out io.Writer, logBuffer *telemetry.LogBuffer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.Storage.TempDir, cfg.Storage.OutputDir} {
		if err := cleanup.EnsureDir(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	log.Info("initializing components")

	otelProvider, err := telemetry.InitOTel(ctx, telemetry.OTelConfig{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(sctx)
	}()
	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	// Whisper is loaded once and shared by every transcription.
	model := transcription.NewModel(cfg.Whisper.Model, cfg.Whisper.Device, cfg.Whisper.Python, cfg.Whisper.Threads)
	if err := model.Load(ctx); err != nil {
		return fmt.Errorf("load whisper model: %w", err)
	}
	defer model.Close()
	transcriber := transcription.NewWhisperTranscriber(model, cfg.Whisper.Language, log)

	counter, err := summarize.CounterByName(cfg.Summarization.ChunkCounter)
	if err != nil {
		return err
	}
	llmModel, err := llm.New(ctx, cfg.Summarization, log)
	if err != nil {
		return fmt.Errorf("init summarization model: %w", err)
	}
	summarizer := summarize.New(llmModel, summarize.Options{
		TargetLanguage: cfg.Summarization.TargetLanguage,
		Chunking: summarize.ChunkOptions{
			MaxUnits: cfg.Summarization.ChunkMaxUnits,
			Counter:  counter,
		},
		Concurrency: cfg.Summarization.Concurrency,
		CallTimeout: cfg.Summarization.CallTimeout,
		ChunkPolicy: retry.Default(cfg.Pipeline.Chunk.MaxAttempts, cfg.Pipeline.Chunk.InitialBackoff, cfg.Pipeline.Chunk.MaxBackoff),
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
	}, log)

	ytdlp := acquisition.NewYtDlp(cfg.Acquisition.YtDlpPath, cfg.Acquisition.CookiesFile, log)

	sink := notificationSinks(ctx, cfg, log)
	bus := events.New()
	maxDuration := config.NewDurationLimit(cfg.Limits.MaxDuration())

	// The orchestrator and the pool reference each other: the pool runs
	// Process, Process schedules follow-up stages on the pool.
	var orch *pipeline.Orchestrator
	pool := queue.NewWorkerPool(cfg.Workers.Count, cfg.Workers.QueueSize, func(ctx context.Context, taskID string) error {
		return orch.Process(ctx, taskID)
	}, log)
	orch = pipeline.New(pipeline.Deps{
		Store:       store,
		Scheduler:   pool,
		Fetcher:     ytdlp,
		Transcriber: transcriber,
		Summarizer:  summarizer,
		Artifacts:   storage.NewLocalStorage(cfg.Storage.OutputDir),
		Notifier:    sink,
		Events:      bus,
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
		Logger:      log,
	}, pipeline.Options{
		Policies:    pipeline.PoliciesFromConfig(cfg.Pipeline),
		LeaseGrace:  cfg.Workers.LeaseGrace,
		TempDir:     cfg.Storage.TempDir,
		MaxDuration: maxDuration.Get,
	})
	pool.Start()

	admitCfg := admission.Config{
		Store:        store,
		Queue:        pool,
		MaxDuration:  maxDuration.Get,
		ProbeTimeout: cfg.Acquisition.ProbeTimeout,
		Metrics:      metrics,
		Logger:       log,
	}
	switch cfg.Acquisition.Probe {
	case "ytdlp":
		admitCfg.Prober = ytdlp
	case "browser":
		admitCfg.Prober = acquisition.NewBrowserProber(log)
	}
	admitter := admission.New(admitCfg)

	scheduler := cleanup.NewScheduler(cleanup.Config{
		TempDir:       cfg.Storage.TempDir,
		Interval:      time.Duration(cfg.Cleanup.IntervalMinutes) * time.Minute,
		MaxAge:        time.Duration(cfg.Cleanup.MaxAgeHours) * time.Hour,
		SweepInterval: cfg.Cleanup.SweepInterval,
		Store:         store,
		Queue:         pool,
		Logger:        log,
	})
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cleanup scheduler: %w", err)
	}
	defer scheduler.Stop()

	// Duration limit and allow-list reload without a restart.
	access := newAccessList(cfg.Access)
	watcher := config.NewWatcher(configPath, log, func(next *config.Config) {
		maxDuration.Set(next.Limits.MaxDuration())
		access.set(next.Access)
	})
	if err := watcher.Start(ctx); err != nil {
		log.Warn("config hot reload disabled", "error", err)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{Output: out}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	taskHandler := handlers.NewTaskHandler(admitter, store, orch, access.allowed, log)
	streamHandler := handlers.NewStreamHandler(store, bus, log)

	app.Get("/health", handlers.Health(pool))
	app.Get("/logs", handlers.Logs(logBuffer))
	app.Post("/tasks", taskHandler.Submit)
	app.Get("/tasks/:id", taskHandler.Get)
	app.Get("/tasks/:id/artifacts/:kind", taskHandler.Artifact)
	app.Post("/tasks/:id/resend", taskHandler.Resend)
	app.Get("/ws/tasks/:id", streamHandler.Upgrade, websocket.New(streamHandler.Handle))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Info("server starting", "addr", addr, "workers", cfg.Workers.Count, "probe", cfg.Acquisition.Probe)

	serverErr := make(chan error, 1)
	go func() { serverErr <- app.Listen(addr) }()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if err := pool.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// notificationSinks builds the delivery targets that are configured.
// Without any, results are only logged and kept on disk.
func notificationSinks(ctx context.Context, cfg *config.Config, log *slog.Logger) notify.Sink {
	var sinks notify.Multi
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, log)
		if err != nil {
			log.Warn("telegram delivery not available", "error", err)
		} else {
			sinks = append(sinks, tg)
			log.Info("telegram delivery enabled")
		}
	}
	if _, err := os.Stat(cfg.GoogleDrive.CredentialsFile); err == nil {
		drive, err := notify.NewDrive(ctx, cfg.GoogleDrive.CredentialsFile, cfg.GoogleDrive.TokenFile, cfg.GoogleDrive.FolderName, log)
		if err != nil {
			log.Warn("google drive not available, run with -authorize-drive", "error", err)
		} else {
			sinks = append(sinks, drive)
			log.Info("google drive upload enabled")
		}
	}
	if len(sinks) == 0 {
		log.Info("no delivery channel configured, results are saved locally only")
		return notify.Log{Logger: log}
	}
	return sinks
}
