// SPDX-License-Identifier: MIT

// scribed is the speech-to-text daemon behind the desktop app. It owns the
// job queue, the transcript store and the model catalog, and serves the
// loopback RPC surface the frontend talks to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/scribeapp/scribed/internal/api"
	"github.com/scribeapp/scribed/internal/audio"
	"github.com/scribeapp/scribed/internal/bus"
	"github.com/scribeapp/scribed/internal/catalog"
	"github.com/scribeapp/scribed/internal/config"
	"github.com/scribeapp/scribed/internal/download"
	"github.com/scribeapp/scribed/internal/engine"
	"github.com/scribeapp/scribed/internal/hardware"
	scribelog "github.com/scribeapp/scribed/internal/log"
	"github.com/scribeapp/scribed/internal/modelcache"
	"github.com/scribeapp/scribed/internal/recognize"
	"github.com/scribeapp/scribed/internal/service"
	"github.com/scribeapp/scribed/internal/store"
	"github.com/scribeapp/scribed/internal/telemetry"
	"github.com/scribeapp/scribed/internal/translate"
	"github.com/scribeapp/scribed/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scribed %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// The flag shares the env var's code path so precedence stays in one
	// place: ENV > file > defaults.
	if *configPath != "" {
		_ = os.Setenv(config.EnvConfigFile, *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		scribelog.Configure(scribelog.Config{})
		logger := scribelog.WithComponent("daemon")
		logger.Fatal().
			Err(err).
			Str(scribelog.FieldEvent, "config.load_failed").
			Msg("failed to load configuration")
	}

	scribelog.Configure(scribelog.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "scribed",
	})
	logger := scribelog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Exporter:       cfg.Trace.Exporter,
		Endpoint:       cfg.Trace.Endpoint,
		ServiceName:    "scribed",
		ServiceVersion: version.Version,
		SamplingRate:   1.0,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(scribelog.FieldEvent, "telemetry.init_failed").
			Msg("failed to initialize tracing")
	}

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(scribelog.FieldEvent, "store.open_failed").
			Str(scribelog.FieldDBPath, cfg.DBPath).
			Msg("failed to open database")
	}

	// Jobs left QUEUED or RUNNING by a previous process cannot be resumed.
	if n, err := st.FailStaleJobs(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to sweep stale jobs")
	} else if n > 0 {
		logger.Warn().Int64("jobs", n).Msg("failed stale jobs from previous run")
	}

	// A user-selected models directory persists as a setting and wins over
	// the configured default. If it is gone (unmounted disk), fall back.
	modelsDir := cfg.ModelsDir
	if dir, ok, err := st.GetSetting(ctx, service.ModelsDirSetting); err == nil && ok && dir != "" {
		modelsDir = dir
	}
	locator, err := catalog.NewLocator(modelsDir)
	if err != nil {
		logger.Warn().
			Err(err).
			Str(scribelog.FieldPath, modelsDir).
			Msg("stored models directory unusable, using default")
		if locator, err = catalog.NewLocator(cfg.ModelsDir); err != nil {
			logger.Fatal().
				Err(err).
				Str(scribelog.FieldEvent, "models.dir_failed").
				Str(scribelog.FieldPath, cfg.ModelsDir).
				Msg("failed to create models directory")
		}
	}

	watcher := catalog.NewWatcher(locator)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("models directory watcher unavailable")
	}

	downloader := download.New(locator)
	if err := downloader.Sweep(); err != nil {
		logger.Warn().Err(err).Msg("failed to sweep stale download staging")
	}

	cache := modelcache.New(cfg.ModelCacheBytes)
	probe := hardware.NewProbe()
	prober := audio.NewProber()
	translator := translate.NewClient()
	eventBus := bus.New()

	eng := engine.New(engine.Deps{
		Store:      st,
		Bus:        eventBus,
		Runtime:    recognize.NewRuntime(),
		Cache:      cache,
		Locator:    locator,
		Downloader: downloader,
		Prober:     prober,
		Resolver:   probe,
		Translator: translator,
	})
	eng.Start()

	svc := service.New(service.Deps{
		Store:      st,
		Bus:        eventBus,
		Engine:     eng,
		Locator:    locator,
		Watcher:    watcher,
		Downloader: downloader,
		Translator: translator,
		Prober:     prober,
	})

	srv := api.New(api.Config{Addr: cfg.Addr()}, svc)

	logger.Info().
		Str(scribelog.FieldEvent, "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.Addr()).
		Msg("starting scribed")
	logger.Info().Msgf("→ RPC: http://%s/v1", cfg.Addr())
	logger.Info().Msgf("→ Database: %s", cfg.DBPath)
	logger.Info().Msgf("→ Models: %s (%d downloaded, cache budget %d MiB)",
		locator.Dir(), locator.DownloadedCount(), cfg.ModelCacheBytes>>20)
	if probe.Detect(ctx) {
		logger.Info().Msg("→ Inference: GPU acceleration available")
	} else {
		logger.Info().Msg("→ Inference: CPU only")
	}
	if cfg.Trace.Exporter != "" {
		logger.Info().Msgf("→ Tracing: OTLP/%s to %s", cfg.Trace.Exporter, cfg.Trace.Endpoint)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info().Str(scribelog.FieldEvent, "shutdown").Msg("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Fatal().
				Err(err).
				Str(scribelog.FieldEvent, "server.failed").
				Msg("server failed")
		}
	}

	// Stop the engine first: in-flight jobs cancel and publish terminal
	// events, which ends their streams so the server can drain.
	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("connections still open after shutdown grace")
	}

	watcher.Stop()
	if err := cache.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to release cached models")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		logger.Error().Err(err).Msg("failed to flush traces")
	}
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close database")
	}
	logger.Info().Msg("scribed exiting")
}
