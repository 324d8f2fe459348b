package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/docstream/admin"
	"github.com/maxpert/docstream/cfg"
	"github.com/maxpert/docstream/engine"
	"github.com/maxpert/docstream/preimage"
	"github.com/maxpert/docstream/publisher"
	"github.com/maxpert/docstream/telemetry"

	// Sink and transformer factories register themselves
	_ "github.com/maxpert/docstream/publisher/sink"
	_ "github.com/maxpert/docstream/publisher/transformer"
)

const (
	shutdownTimeout          = 10 * time.Second
	metricsCollectorInterval = 15 * time.Second
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("docstream - document store with change streams and pre-images")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	log.Info().Str("path", cfg.Config.StorePath()).Msg("Opening storage engine")
	eng, err := engine.Open(engine.Options{
		Path:           cfg.Config.StorePath(),
		NodeID:         cfg.Config.NodeID,
		MemTableSizeMB: cfg.Config.Storage.MemTableSizeMB,
		CacheSizeMB:    cfg.Config.Storage.CacheSizeMB,
		DisableWAL:     cfg.Config.Storage.DisableWAL,
		PreImage: preimage.Options{
			CompressThreshold: cfg.Config.PreImage.CompressThreshold,
			CacheSize:         cfg.Config.PreImage.CacheSize,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage engine")
		return
	}
	defer eng.Close()

	if cfg.Config.Storage.DisableWAL {
		log.Warn().Msg("WAL disabled - committed writes and their pre-images can be lost on crash")
	}

	// Retention removes expired pre-images and the oplog behind them
	janitor, err := preimage.NewJanitor(eng.PreImages(), preimage.JanitorConfig{
		Retention: time.Duration(cfg.Config.PreImage.RetentionSeconds) * time.Second,
		Interval:  time.Duration(cfg.Config.PreImage.JanitorIntervalSeconds) * time.Second,
		Trimmers: map[string]preimage.TrimFunc{
			"oplog": eng.Oplog().Trim,
		},
		Horizon: eng.Oplog().LastToken,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create pre-image janitor")
		return
	}
	janitor.Start()
	defer janitor.Stop()

	collector := telemetry.NewMetricsCollector(eng, metricsCollectorInterval)
	collector.Start()
	defer collector.Stop()

	streamBatch := cfg.Config.Stream.BatchSize
	streamPoll := time.Duration(cfg.Config.Stream.PollIntervalMS) * time.Millisecond

	// Change event publishers
	var publishers *publisher.Registry
	if len(cfg.Config.Sinks) > 0 {
		log.Info().Int("sinks", len(cfg.Config.Sinks)).Msg("Starting change event publishers")
		publishers, err = publisher.NewRegistry(publisher.RegistryConfig{
			Source:       eng,
			SinkConfigs:  cfg.Config.Sinks,
			BatchSize:    streamBatch,
			PollInterval: streamPoll,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create publisher registry")
			return
		}
		if err := publishers.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start publishers")
			return
		}
		defer publishers.Stop()
	}

	handlersConfig := admin.HandlersConfig{
		Engine:       eng,
		BatchSize:    streamBatch,
		PollInterval: streamPoll,
		AuthToken:    cfg.Config.HTTP.AuthToken,
	}
	if publishers != nil {
		handlersConfig.Publishers = publishers
	}
	handlers := admin.NewHandlers(handlersConfig)

	addr := fmt.Sprintf("%s:%d", cfg.Config.HTTP.BindAddress, cfg.Config.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           admin.NewRouter(handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.RegisterOnShutdown(handlers.CloseCursors)

	go func() {
		log.Info().Str("address", addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Int("http_port", cfg.Config.HTTP.Port).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Node is operational")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown did not complete cleanly")
	}
}
