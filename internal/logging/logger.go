package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/neuroclass/ncc/internal/config"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// New builds the service logger from cfg. The returned closer releases the log
// file when output is "file" and is a no-op otherwise.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level '%s': %w", cfg.Level, err)
	}

	var output io.WriteCloser
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		output = nopCloser{os.Stdout}
	case "stderr":
		output = nopCloser{os.Stderr}
	case "file":
		if cfg.File == "" {
			return zerolog.Nop(), nil, fmt.Errorf("log output 'file' requires a file path")
		}
		output = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     14,
		}
	default:
		return zerolog.Nop(), nil, fmt.Errorf("invalid log output '%s'", cfg.Output)
	}

	return newLogger(output, cfg.Format, level), output, nil
}

func newLogger(w io.Writer, format string, level zerolog.Level) zerolog.Logger {
	if strings.ToLower(format) == "console" {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewWriter builds a logger on w, for tests and tools that capture output.
func NewWriter(w io.Writer, format, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level '%s': %w", level, err)
	}
	return newLogger(w, format, lvl), nil
}
