// Command callreceiver runs the call-upload ingest service: it accepts
// multipart radio-call recordings over HTTP, authenticates and rate-limits
// each upload, hands accepted recordings to a bounded work queue for
// transcription, and serves a read-only query surface over the result.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/swiftraccoon/callreceiver/internal/api"
	"github.com/swiftraccoon/callreceiver/internal/audit"
	"github.com/swiftraccoon/callreceiver/internal/auth"
	"github.com/swiftraccoon/callreceiver/internal/config"
	"github.com/swiftraccoon/callreceiver/internal/ingest"
	"github.com/swiftraccoon/callreceiver/internal/metrics"
	"github.com/swiftraccoon/callreceiver/internal/queue"
	"github.com/swiftraccoon/callreceiver/internal/ratelimit"
	"github.com/swiftraccoon/callreceiver/internal/store"
	"github.com/swiftraccoon/callreceiver/internal/transcribe"
	"github.com/swiftraccoon/callreceiver/internal/validate"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL (overrides DATABASE_URL)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("commit", commit).Str("built", buildTime).
		Str("log_level", level.String()).Msg("callreceiver starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	storeLog := log.With().Str("component", "store").Logger()
	st, err := store.New(ctx, cfg.DatabaseURL, store.Options{
		MinConns:     int32(cfg.DBMinPoolSize),
		MaxConns:     int32(cfg.DBMaxPoolSize),
		QueryTimeout: cfg.QueryTimeout,
	}, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	if err := st.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema initialization failed")
	}

	// Audit log (store-backed with an in-memory fallback — never fails the
	// upload request it describes).
	auditLog := audit.New(st, log.With().Str("component", "audit").Logger())

	// Authenticator: legacy shared key plus per-key descriptors.
	apiKeys, err := cfg.APIKeys()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid INGEST_API_KEYS_JSON")
	}
	var descriptors []auth.KeyDescriptor
	for _, k := range apiKeys {
		descriptors = append(descriptors, auth.KeyDescriptor{
			Key: k.Key, Description: k.Description,
			AllowedIPs: k.AllowedIPs, AllowedSystems: k.AllowedSystems,
		})
	}
	authenticator := auth.New(cfg.IngestAPIKey, descriptors)

	// Rate limiter and upload validator.
	limiter := ratelimit.New(ratelimit.Limits{PerMinute: cfg.MaxUploadsPerMinute, PerHour: cfg.MaxUploadsPerHour})
	validateCfg := validate.DefaultConfig()
	validateCfg.MaxFileSize = cfg.MaxFileSizeMB * 1024 * 1024
	validateCfg.MinFileSize = cfg.MinFileSizeKB * 1024
	validator := validate.New(validateCfg)

	// Transcriber: whisper-compatible HTTP backend, or a no-op when
	// STT_PROVIDER is unset so the pipeline still runs end to end.
	var transcriber transcribe.Transcriber = transcribe.Noop{}
	if cfg.STTProvider == "whisper" && cfg.WhisperURL != "" {
		transcriber = transcribe.NewWhisperClient(cfg.WhisperURL, cfg.WhisperModel, cfg.WhisperTimeout)
		log.Info().Str("provider", "whisper").Str("model", cfg.WhisperModel).Msg("transcription backend configured")
	} else {
		log.Warn().Msg("STT_PROVIDER not configured — transcriptions will be recorded with an empty transcript")
	}

	pipeline := transcribe.NewPipeline(transcriber, st, cfg.STTProvider, cfg.WhisperModel, transcribe.Options{Language: cfg.WhisperLanguage})

	// Work queue: a fixed worker pool draining tasks produced
	// by the ingest endpoint, with a dedicated retry queue and shuffler.
	q := queue.New(queue.Options{
		Capacity:   cfg.QueueSize,
		Workers:    cfg.QueueWorkers,
		MaxRetries: cfg.QueueMaxRetries,
	}, log.With().Str("component", "queue").Logger())
	// A task that exhausts its retries never reaches the transcription
	// commit, so its call row is created here and moved to failed
	// out-of-band.
	q.OnPermanentFailure = func(t queue.Task) {
		ctx := context.Background()
		callID, err := st.InsertCall(ctx, t.CallMeta)
		if err != nil {
			log.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to persist permanently-failed call")
			return
		}
		if err := st.UpdateStatus(ctx, callID, "failed"); err != nil {
			log.Error().Err(err).Int64("call_id", callID).Str("task_id", t.TaskID).
				Msg("failed to mark call failed")
		}
	}
	q.Start(pipeline.Process)
	defer q.Stop()

	// Periodic reap of terminal task state.
	cleanupStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.CleanupOld(24 * time.Hour)
			case <-cleanupStop:
				return
			}
		}
	}()
	defer close(cleanupStop)

	// Ingest handler
	ingestHandler := ingest.NewHandler(authenticator, limiter, validator, auditLog, q, pipeline.Process, ingest.Config{
		FileValidationEnabled: cfg.EnableFileValidation,
		RequireSystemID:       cfg.RequireSystemID,
		InlineFallbackOnFull:  true,
	}, log.With().Str("component", "ingest").Logger())

	// Auth status
	if !cfg.AuthEnabled {
		log.Warn().Msg("AUTH_ENABLED=false — query surface authentication is disabled")
	} else if cfg.AuthTokenGenerated {
		log.Info().Str("token", cfg.AuthToken).Msg("AUTH_TOKEN auto-generated (set AUTH_TOKEN in .env for a persistent token)")
	}

	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:           cfg,
		Store:            st,
		Queue:            q,
		Audit:            auditLog,
		Ingest:           ingestHandler,
		Version:          fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime:        startTime,
		Log:              httpLog,
		MetricsCollector: metrics.NewCollector(st.Pool, queueStatsAdapter{q}),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().Str("listen", cfg.HTTPAddr).Str("version", version).
		Dur("startup_ms", time.Since(startTime)).Msg("callreceiver ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("callreceiver stopped")
}

// queueStatsAdapter satisfies metrics.QueueStats by reading a fresh
// queue.Stats snapshot on every call, since *queue.Queue exposes its
// gauges as a struct rather than individual methods.
type queueStatsAdapter struct{ q *queue.Queue }

func (a queueStatsAdapter) MainQueueSize() int  { return a.q.Stats().MainQueueSize }
func (a queueStatsAdapter) RetryQueueSize() int { return a.q.Stats().RetryQueueSize }
func (a queueStatsAdapter) ActiveCount() int    { return a.q.Stats().ActiveCount }
func (a queueStatsAdapter) WorkerCount() int    { return a.q.Stats().WorkerCount }
