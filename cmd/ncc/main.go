// Package main runs the classroom EEG telemetry service: the raw device
// ingest listener, the live hub, the session aggregator and the HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/neuroclass/ncc/internal/api"
	"github.com/neuroclass/ncc/internal/audit"
	"github.com/neuroclass/ncc/internal/auth"
	"github.com/neuroclass/ncc/internal/clock"
	"github.com/neuroclass/ncc/internal/config"
	"github.com/neuroclass/ncc/internal/device"
	"github.com/neuroclass/ncc/internal/ingest"
	"github.com/neuroclass/ncc/internal/logging"
	"github.com/neuroclass/ncc/internal/pipeline"
	"github.com/neuroclass/ncc/internal/report"
	"github.com/neuroclass/ncc/internal/stats"
	"github.com/neuroclass/ncc/internal/telemetry"
)

// Version is the service version reported at startup.
const Version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, envFile, addr, ingestAddr, logLevel string

	flagSet := pflag.NewFlagSet("ncc", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML config file (default: $NCC_CONFIG, then ncc.yaml)")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before NCC_* overrides are applied")
	flagSet.StringVar(&addr, "addr", "", "HTTP API listen address (overrides server.addr)")
	flagSet.StringVar(&ingestAddr, "ingest-addr", "", "device ingest listen address (overrides ingest.addr)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides log.level)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if ingestAddr != "" {
		cfg.Ingest.Addr = ingestAddr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	log.Info().Str("version", Version).Msg("starting ncc")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	auditLogger, err := audit.NewLogger(cfg.Audit, clk)
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	defer auditLogger.Close()

	reports, err := report.Open(ctx, cfg.Report)
	if err != nil {
		return fmt.Errorf("failed to open report store: %w", err)
	}
	defer reports.Close()
	log.Info().Str("driver", cfg.Report.Driver).Msg("report store opened")

	var verifier *auth.Verifier
	if cfg.Auth.Enabled() {
		verifier, err = auth.NewVerifier(cfg.Auth)
		if err != nil {
			return fmt.Errorf("failed to initialize token verifier: %w", err)
		}
		log.Info().Str("algorithm", cfg.Auth.Algorithm).Msg("token verification enabled")
	} else {
		log.Warn().Msg("no auth key configured, every request runs with development claims")
	}
	authMiddleware := auth.NewMiddleware(verifier)

	hub := telemetry.NewHub(&cfg.Hub, clk, log)
	hub.OnEvict(auditLogger.Evicted)
	aggregator := stats.NewAggregator(&cfg.Stats, clk, log)

	bus := pipeline.New(pipeline.Options{
		QueueDepth:  cfg.Hub.BusQueue,
		EmitTimeout: cfg.Hub.BusEmitTimeout,
		Logger:      log,
	})
	if err := bus.Subscribe("hub", hub); err != nil {
		return err
	}
	if err := bus.Subscribe("aggregator", aggregator); err != nil {
		return err
	}
	// The bus is stopped explicitly in shutdown, after ingest has drained.
	bus.Start(context.Background())
	hub.Start(ctx)

	// Both transports share one registry so a producer streams over one at a time.
	streams := device.NewRegistry()

	server := api.NewServer(api.Deps{
		Hub:     hub,
		Stats:   aggregator,
		Reports: reports,
		Ingest:  bus,
		Streams: streams,
		Auth:    authMiddleware,
		Audit:   auditLogger,
		Clock:   clk,
	}, cfg.Server, cfg.Device, log)

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(cfg.Server.Addr); err != nil {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	var ingestServer *ingest.Server
	if cfg.Ingest.Enabled {
		ingestServer, err = ingest.NewServer(cfg.Ingest, cfg.Device, bus, authMiddleware, clk, log)
		if err != nil {
			return err
		}
		ingestServer.SetAuditLogger(auditLogger)
		ingestServer.SetRegistry(streams)
		go func() {
			if err := ingestServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("device ingest failed: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err = <-errCh:
		log.Error().Err(err).Msg("listener failed, shutting down")
	}

	shutdown(log, ingestServer, hub, server, bus, cfg.Server.ShutdownTimeout)
	return err
}

// shutdown stops producers first so their disconnect events reach the hub and
// aggregator, then closes consumers and the HTTP listener.
func shutdown(log zerolog.Logger, ingestServer *ingest.Server, hub *telemetry.Hub, server *api.Server, bus *pipeline.Bus, timeout time.Duration) {
	if ingestServer != nil {
		if err := ingestServer.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing device ingest")
		}
		log.Info().Msg("device ingest stopped")
	}

	bus.Stop()
	hub.Stop()
	log.Info().Msg("telemetry hub stopped")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("error stopping HTTP server")
	} else {
		log.Info().Msg("HTTP server stopped gracefully")
	}
	log.Info().Msg("ncc shutdown complete")
}
