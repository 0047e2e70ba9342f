package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no explicit path or NCC_CONFIG is given.
const DefaultFile = "ncc.yaml"

// Load merges Defaults() + YAML file + NCC_* environment overrides and
// validates the result. An empty path falls back to NCC_CONFIG, then to
// DefaultFile if it exists.
func Load(path string) (*Config, error) {
	config := Defaults()

	explicit := path != ""
	if !explicit {
		if env := os.Getenv("NCC_CONFIG"); env != "" {
			path, explicit = env, true
		} else {
			path = DefaultFile
		}
	}

	// A missing default file is fine; a missing explicit one is not.
	err := loadFromFile(path, config)
	if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadFromFile decodes YAML over config. Keys absent from the file keep their
// current values.
func loadFromFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return Parse(data, config)
}

// Parse decodes YAML data over config. Unknown keys are rejected.
func Parse(data []byte, config *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid yaml: %w", err)
	}
	return nil
}

// applyEnvOverrides applies NCC_* environment variables to the config.
func applyEnvOverrides(config *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if val, ok := os.LookupEnv(key); ok {
			*dst = val
		}
	}
	dur := func(key string, dst *time.Duration) {
		if val := os.Getenv(key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if val := os.Getenv(key); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	// Server
	str("NCC_SERVER_ADDR", &config.Server.Addr)
	dur("NCC_SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	dur("NCC_SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	dur("NCC_SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	dur("NCC_SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)

	// Ingest
	flag("NCC_INGEST_ENABLED", &config.Ingest.Enabled)
	str("NCC_INGEST_ADDR", &config.Ingest.Addr)
	if val := os.Getenv("NCC_INGEST_ALLOWED_CIDRS"); val != "" {
		config.Ingest.AllowedCIDRs = splitList(val)
	}
	dur("NCC_INGEST_HANDSHAKE_TIMEOUT", &config.Ingest.HandshakeTimeout)
	dur("NCC_INGEST_IDLE_TIMEOUT", &config.Ingest.IdleTimeout)
	num("NCC_INGEST_MAX_CONNECTIONS", &config.Ingest.MaxConnections)
	num("NCC_INGEST_READ_BUFFER_SIZE", &config.Ingest.ReadBufferSize)

	// Hub
	dur("NCC_HUB_LIVENESS_WINDOW", &config.Hub.LivenessWindow)
	dur("NCC_HUB_SWEEP_INTERVAL", &config.Hub.SweepInterval)
	dur("NCC_HUB_HEARTBEAT_INTERVAL", &config.Hub.HeartbeatInterval)
	num("NCC_HUB_CONSUMER_QUEUE", &config.Hub.ConsumerQueue)
	num("NCC_HUB_BUS_QUEUE", &config.Hub.BusQueue)
	dur("NCC_HUB_BUS_EMIT_TIMEOUT", &config.Hub.BusEmitTimeout)

	// Device
	num("NCC_DEVICE_MAX_BUFFER", &config.Device.MaxBuffer)

	// Stats
	num("NCC_STATS_LOW_THRESHOLD", &config.Stats.LowThreshold)
	num("NCC_STATS_HIGH_THRESHOLD", &config.Stats.HighThreshold)
	dur("NCC_STATS_TIMELINE_WINDOW", &config.Stats.TimelineWindow)

	// Reconnect
	num("NCC_RECONNECT_MAX_ATTEMPTS", &config.Reconnect.MaxAttempts)
	dur("NCC_RECONNECT_INITIAL_BACKOFF", &config.Reconnect.InitialBackoff)
	dur("NCC_RECONNECT_MAX_BACKOFF", &config.Reconnect.MaxBackoff)
	if val := os.Getenv("NCC_RECONNECT_MULTIPLIER"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("NCC_RECONNECT_MULTIPLIER: %w", err))
		} else {
			config.Reconnect.Multiplier = f
		}
	}

	// Auth
	str("NCC_AUTH_ALGORITHM", &config.Auth.Algorithm)
	str("NCC_AUTH_SECRET_KEY", &config.Auth.SecretKey)
	str("NCC_AUTH_PUBLIC_KEY_PEM", &config.Auth.PublicKeyPEM)
	str("NCC_AUTH_JWKS_URL", &config.Auth.JWKSURL)
	dur("NCC_AUTH_JWKS_REFRESH_INTERVAL", &config.Auth.JWKSRefreshInterval)
	dur("NCC_AUTH_JWKS_CACHE_TIMEOUT", &config.Auth.JWKSCacheTimeout)

	// Audit
	str("NCC_AUDIT_PATH", &config.Audit.Path)
	num("NCC_AUDIT_MAX_SIZE_MB", &config.Audit.MaxSizeMB)
	num("NCC_AUDIT_MAX_BACKUPS", &config.Audit.MaxBackups)
	num("NCC_AUDIT_MAX_AGE_DAYS", &config.Audit.MaxAgeDays)
	flag("NCC_AUDIT_COMPRESS", &config.Audit.Compress)

	// Log
	str("NCC_LOG_LEVEL", &config.Log.Level)
	str("NCC_LOG_FORMAT", &config.Log.Format)
	str("NCC_LOG_OUTPUT", &config.Log.Output)
	str("NCC_LOG_FILE", &config.Log.File)

	// Report
	str("NCC_REPORT_DRIVER", &config.Report.Driver)
	str("NCC_REPORT_SQLITE_PATH", &config.Report.SQLitePath)
	str("NCC_REPORT_REDIS_URL", &config.Report.RedisURL)
	str("NCC_REPORT_KEY_PREFIX", &config.Report.KeyPrefix)
	dur("NCC_REPORT_TTL", &config.Report.TTL)

	return errors.Join(errs...)
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetEnvVar returns the value of an environment variable with a default.
func GetEnvVar(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvDuration returns the value of an environment variable as a duration with a default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvInt returns the value of an environment variable as an int with a default.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
