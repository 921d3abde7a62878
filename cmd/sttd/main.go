// Command sttd is the speech-to-text streaming server: it accepts WebSocket
// audio streams, segments them into utterances, and transcribes each segment
// with a cached recognition model.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maozhuey/speech-to-text-service/internal/config"
	"github.com/maozhuey/speech-to-text-service/internal/modelcache"
	"github.com/maozhuey/speech-to-text-service/internal/observe"
	"github.com/maozhuey/speech-to-text-service/internal/orchestrator"
	"github.com/maozhuey/speech-to-text-service/internal/segment"
	"github.com/maozhuey/speech-to-text-service/internal/server"
	"github.com/maozhuey/speech-to-text-service/pkg/provider/asr/whisper"
	"github.com/maozhuey/speech-to-text-service/pkg/provider/speech/energy"
)

// shutdownGrace bounds the whole graceful shutdown: HTTP drain, open
// WebSocket sessions, and unloading cached models.
const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sttd: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sttd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("sttd starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"default_model", cfg.Models.Default,
		"max_connections", cfg.Server.MaxConnections,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "speech-to-text",
		ServiceVersion: server.Version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Recognition pipeline ──────────────────────────────────────────────────
	engine := whisper.New(
		whisper.WithLanguage(cfg.Models.Language),
		whisper.WithSampleRate(cfg.Audio.SampleRate),
	)

	var detectorOpts []energy.Option
	if cfg.Segmentation.SpeechThresholdRMS > 0 {
		detectorOpts = append(detectorOpts, energy.WithThreshold(cfg.Segmentation.SpeechThresholdRMS))
	}
	detector := energy.New(detectorOpts...)

	descriptors := make([]modelcache.Descriptor, 0, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		descriptors = append(descriptors, modelcache.Descriptor{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Path:        m.Path,
			Kind:        string(m.Kind),
			Enabled:     m.IsEnabled(),
		})
	}
	cache, err := modelcache.New(modelcache.Config{
		Engine:      engine,
		Descriptors: descriptors,
		Capacity:    cfg.Models.CacheCapacity,
		LoadTimeout: cfg.Models.LoadTimeout.Std(),
		Metrics:     metrics,
	})
	if err != nil {
		slog.Error("failed to create model cache", "err", err)
		return 1
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Cache:    cache,
		Detector: detector,
		Segmentation: segment.Config{
			SilenceThresholdMs:        cfg.Segmentation.SilenceThresholdMs,
			MaxSegmentDurationMs:      cfg.Segmentation.MaxSegmentDurationMs,
			FallbackSegmentDurationMs: cfg.Segmentation.FallbackSegmentDurationMs,
		},
		SampleRate: cfg.Audio.SampleRate,
		Metrics:    metrics,
	})
	if err != nil {
		slog.Error("failed to create orchestrator", "err", err)
		return 1
	}

	// ── HTTP + WebSocket server ───────────────────────────────────────────────
	srv := server.New(cfg, orch, cache, metrics)
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		slog.Info("shutdown signal received, stopping…")
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
		// Hijacked WebSocket connections outlive http.Server.Shutdown; ask
		// their read loops to stop, which closes the sessions.
		srv.Close()
		return nil
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	exitCode := 0
	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	// ── Drain and unload models ───────────────────────────────────────────────
	cacheCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := cache.Shutdown(cacheCtx); err != nil {
		slog.Warn("model cache shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return exitCode
}

// newLogger builds the process logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// printStartupSummary logs the configured model catalog.
func printStartupSummary(cfg *config.Config) {
	for _, m := range cfg.Models.Available {
		slog.Info("model configured",
			"id", m.ID,
			"kind", m.Kind,
			"path", m.Path,
			"enabled", m.IsEnabled(),
			"default", m.ID == cfg.Models.Default,
		)
	}
	slog.Info("audio format",
		"sample_rate", cfg.Audio.SampleRate,
		"silence_threshold_ms", cfg.Segmentation.SilenceThresholdMs,
		"max_segment_duration_ms", cfg.Segmentation.MaxSegmentDurationMs,
	)
}
