package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"qalgo-terminal/internal/api"
	"qalgo-terminal/internal/cfg"
	"qalgo-terminal/internal/features"
	"qalgo-terminal/internal/feed"
	"qalgo-terminal/internal/logging"
	"qalgo-terminal/internal/metrics"
	"qalgo-terminal/internal/resource"
	"qalgo-terminal/internal/scheduler"
	"qalgo-terminal/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	logFile := logging.Setup(logging.Options{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile})
	defer logFile.Close()

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, dir := range []string{c.LogsDir, c.AssistantsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("failed to create directory")
		}
	}

	registry, err := resource.NewRegistry(c.LogsDir, c.AssistantsDir, c.Resources)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid resource overrides")
	}

	// Initialize components
	m := metrics.New()
	mw := metrics.NewWrapper(m)

	store, err := storage.Open(c.StoreBackend, c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Str("backend", c.StoreBackend).Msg("store initialization failed")
	}
	defer store.Close()

	journal := initializeJournal(c)
	if journal != nil {
		defer journal.Close()
	}

	hub := feed.NewHub(c.FeedPing, mw)
	if err := hub.Start(); err != nil {
		log.Fatal().Err(err).Msg("feed hub failed to start")
	}
	defer hub.Stop()

	server := api.New(api.Options{
		Store:      store,
		Registry:   registry,
		Journal:    journal,
		Feed:       hub,
		Metrics:    mw,
		WebDir:     c.WebDir,
		WriteRPS:   c.WriteRPS,
		WriteBurst: c.WriteBurst,
	})
	if err := server.Start(fmt.Sprintf(":%d", c.Port)); err != nil {
		log.Fatal().Err(err).Int("port", c.Port).Msg("API server failed to start")
	}
	log.Info().Int("port", c.Port).Str("backend", c.StoreBackend).Bool("journal", journal != nil).Msg("Q-ALGO API listening")

	startMetricsServer(ctx, c)

	sched := scheduler.New(scheduler.Options{
		Parser:      cfg.CronParser,
		Journal:     pruner(journal),
		JournalKeep: c.JournalKeep,
		Store:       store,
		Resources:   registry.All(),
		Metrics:     mw,
	})
	if err := sched.RegisterAll(c.JournalPruneCron, c.StalenessCron); err != nil {
		log.Fatal().Err(err).Msg("scheduler registration failed")
	}
	sched.Start()
	defer sched.Stop()

	// Start background goroutines
	var wg sync.WaitGroup
	startTickSource(ctx, &wg, c, hub, mw)

	waitForShutdown(ctx, cancel, &wg)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown API server")
	}
}

// initializeJournal opens the control journal if DATA_PATH is configured
func initializeJournal(c cfg.Settings) *storage.Journal {
	if !c.JournalEnabled() {
		return nil
	}
	j, err := storage.OpenJournal(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("journal initialization failed, continuing without history")
		return nil
	}
	return j
}

// pruner keeps a nil *Journal from becoming a non-nil interface.
func pruner(j *storage.Journal) scheduler.Pruner {
	if j == nil {
		return nil
	}
	return j
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	if c.MetricsPort == 0 {
		log.Info().Msg("metrics server disabled")
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// startTickSource tails the producer's tick file into the live feed hub
func startTickSource(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings, hub *feed.Hub, mw *metrics.MetricsWrapper) {
	vwap := features.NewVWAP(c.VWAPWindow, c.VWAPSize)
	src := feed.NewSource(c.FeedPath(), c.FeedInterval, vwap, hub, mw)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("tick source stopped")
		}
	}()
}

// waitForShutdown waits for shutdown signals and handles graceful shutdown
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
