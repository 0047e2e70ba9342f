// ncc-feed streams ThinkGear packets to an ncc ingest listener, either from a
// synthetic headset or by replaying a raw capture. It reconnects with
// exponential backoff when the connection drops.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/neuroclass/ncc/internal/config"
	"github.com/neuroclass/ncc/internal/ingest"
	"github.com/neuroclass/ncc/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr, sessionID, producerID, token, capture, logLevel string
		rate                                                  float64
		count                                                 int
		loop                                                  bool
		seed                                                  uint64
	)
	reconnect := config.Defaults().Reconnect

	flagSet := pflag.NewFlagSet("ncc-feed", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "127.0.0.1:7070", "ingest listener address")
	flagSet.StringVarP(&sessionID, "session", "s", "", "classroom session id (required)")
	flagSet.StringVarP(&producerID, "producer", "p", "", "producer id (required)")
	flagSet.StringVar(&token, "token", os.Getenv("NCC_FEED_TOKEN"), "bearer token with telemetry:publish (default: $NCC_FEED_TOKEN)")
	flagSet.StringVar(&capture, "replay", "", "raw ThinkGear capture to replay instead of synthetic data")
	flagSet.BoolVar(&loop, "loop", false, "restart the capture when it ends")
	flagSet.Float64Var(&rate, "rate", 1, "packets per second")
	flagSet.IntVarP(&count, "count", "n", 0, "stop after this many packets (0 = unlimited)")
	flagSet.Uint64Var(&seed, "seed", uint64(time.Now().UnixNano()), "synthetic data seed")
	flagSet.IntVar(&reconnect.MaxAttempts, "max-attempts", reconnect.MaxAttempts, "consecutive failed connects before giving up (0 = forever)")
	flagSet.DurationVar(&reconnect.InitialBackoff, "backoff", reconnect.InitialBackoff, "initial reconnect delay")
	flagSet.DurationVar(&reconnect.MaxBackoff, "max-backoff", reconnect.MaxBackoff, "reconnect delay cap")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if sessionID == "" || producerID == "" {
		return fmt.Errorf("--session and --producer are required")
	}
	if rate <= 0 {
		return fmt.Errorf("--rate must be positive")
	}

	log, err := logging.NewWriter(os.Stderr, "console", logLevel)
	if err != nil {
		return err
	}

	var source frameSource
	if capture != "" {
		r, err := loadReplay(capture, loop)
		if err != nil {
			return err
		}
		log.Info().Str("file", capture).Int("packets", len(r.packets)).Msg("replaying capture")
		source = r
	} else {
		source = newSynthetic(seed)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := ingest.NewClient(addr, ingest.Handshake{
		SessionID:  sessionID,
		ProducerID: producerID,
		Token:      token,
	}, reconnect, log)

	f := &feeder{
		source:   source,
		interval: time.Duration(float64(time.Second) / rate),
		limit:    count,
		log:      log,
	}
	err = client.Run(ctx, f.stream)
	log.Info().Int("sent", f.sent).Msg("feed finished")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// feeder paces packets from a source onto a connection. sent survives
// reconnects so a limit covers the whole run.
type feeder struct {
	source   frameSource
	interval time.Duration
	limit    int
	sent     int
	pending  []byte
	log      zerolog.Logger
}

func (f *feeder) stream(ctx context.Context, w io.Writer) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if f.limit > 0 && f.sent >= f.limit {
			return nil
		}
		if f.pending == nil {
			p, ok := f.source.next()
			if !ok {
				return nil
			}
			f.pending = p
		}

		// A packet whose write failed is resent on the next connection.
		if _, err := w.Write(f.pending); err != nil {
			return fmt.Errorf("write packet: %w", err)
		}
		f.pending = nil
		f.sent++
		f.log.Debug().Int("sent", f.sent).Msg("packet sent")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
