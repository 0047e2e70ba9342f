package config

import (
	"time"

	"github.com/neuroclass/ncc/internal/thinkgear"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Hub       HubConfig       `yaml:"hub"`
	Device    DeviceConfig    `yaml:"device"`
	Stats     StatsConfig     `yaml:"stats"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Auth      AuthConfig      `yaml:"auth"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
	Report    ReportConfig    `yaml:"report"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// IngestConfig configures the raw TCP device listener.
type IngestConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Addr             string        `yaml:"addr"`
	AllowedCIDRs     []string      `yaml:"allowedCidrs"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	MaxConnections   int           `yaml:"maxConnections"`
	ReadBufferSize   int           `yaml:"readBufferSize"`
}

// HubConfig configures live distribution and liveness tracking.
type HubConfig struct {
	LivenessWindow    time.Duration `yaml:"livenessWindow"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	ConsumerQueue     int           `yaml:"consumerQueue"`
	BusQueue          int           `yaml:"busQueue"`
	BusEmitTimeout    time.Duration `yaml:"busEmitTimeout"`
}

// DeviceConfig configures per-device stream handling.
type DeviceConfig struct {
	MaxBuffer int `yaml:"maxBuffer"`
}

// StatsConfig holds aggregation defaults applied to new sessions.
type StatsConfig struct {
	LowThreshold   int           `yaml:"lowThreshold"`
	HighThreshold  int           `yaml:"highThreshold"`
	TimelineWindow time.Duration `yaml:"timelineWindow"`
}

// ReconnectConfig is the producer-side retry policy. MaxAttempts 0 retries
// forever.
type ReconnectConfig struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// AuthConfig configures token verification. Auth is disabled when no key
// material is configured.
type AuthConfig struct {
	Algorithm           string        `yaml:"algorithm"`
	SecretKey           string        `yaml:"secretKey"`
	PublicKeyPEM        string        `yaml:"publicKeyPem"`
	JWKSURL             string        `yaml:"jwksUrl"`
	JWKSRefreshInterval time.Duration `yaml:"jwksRefreshInterval"`
	JWKSCacheTimeout    time.Duration `yaml:"jwksCacheTimeout"`
}

// Enabled reports whether any verification key is configured.
func (a AuthConfig) Enabled() bool {
	return a.SecretKey != "" || a.PublicKeyPEM != "" || a.JWKSURL != ""
}

// AuditConfig configures the rotating audit trail.
type AuditConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// LogConfig configures operational logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// ReportConfig selects where finalized session reports are stored.
type ReportConfig struct {
	Driver     string        `yaml:"driver"`
	SQLitePath string        `yaml:"sqlitePath"`
	RedisURL   string        `yaml:"redisUrl"`
	KeyPrefix  string        `yaml:"keyPrefix"`
	TTL        time.Duration `yaml:"ttl"`
}

// Report store drivers.
const (
	ReportDriverNone   = "none"
	ReportDriverSQLite = "sqlite"
	ReportDriverRedis  = "redis"
)

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0, // SSE responses are long-lived
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			Enabled:          true,
			Addr:             ":7070",
			AllowedCIDRs:     []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
			HandshakeTimeout: 5 * time.Second,
			IdleTimeout:      30 * time.Second,
			MaxConnections:   256,
			ReadBufferSize:   512,
		},
		Hub: HubConfig{
			LivenessWindow:    5 * time.Second,
			SweepInterval:     1 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			ConsumerQueue:     100,
			BusQueue:          1024,
			BusEmitTimeout:    100 * time.Millisecond,
		},
		Device: DeviceConfig{
			MaxBuffer: 4 * thinkgear.MaxFrameSize,
		},
		Stats: StatsConfig{
			LowThreshold:   40,
			HighThreshold:  70,
			TimelineWindow: time.Minute,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
		},
		Auth: AuthConfig{
			Algorithm:           "HS256",
			JWKSRefreshInterval: 5 * time.Minute,
			JWKSCacheTimeout:    time.Hour,
		},
		Audit: AuditConfig{
			Path:       "logs/audit.jsonl",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Report: ReportConfig{
			Driver:     ReportDriverSQLite,
			SQLitePath: "data/reports.db",
			KeyPrefix:  "ncc:report:",
		},
	}
}
