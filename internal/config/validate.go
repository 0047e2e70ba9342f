package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/neuroclass/ncc/internal/thinkgear"
)

// Validate enforces the configuration rules.
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateServer(&config.Server); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := validateIngest(&config.Ingest); err != nil {
		return fmt.Errorf("ingest validation failed: %w", err)
	}
	if err := validateHub(&config.Hub); err != nil {
		return fmt.Errorf("hub validation failed: %w", err)
	}
	if err := validateDevice(&config.Device); err != nil {
		return fmt.Errorf("device validation failed: %w", err)
	}
	if err := ValidateThresholds(config.Stats.LowThreshold, config.Stats.HighThreshold); err != nil {
		return fmt.Errorf("stats validation failed: %w", err)
	}
	if config.Stats.TimelineWindow <= 0 {
		return fmt.Errorf("stats validation failed: timeline window must be positive, got %v", config.Stats.TimelineWindow)
	}
	if err := validateReconnect(&config.Reconnect); err != nil {
		return fmt.Errorf("reconnect validation failed: %w", err)
	}
	if err := validateAuth(&config.Auth); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}
	if err := validateLog(&config.Log); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	if err := validateReport(&config.Report); err != nil {
		return fmt.Errorf("report validation failed: %w", err)
	}

	return nil
}

// ValidateThresholds checks an attention threshold pair.
func ValidateThresholds(low, high int) error {
	if low < 0 || high > 100 || low > high {
		return fmt.Errorf("thresholds must satisfy 0 <= low <= high <= 100, got low=%d high=%d", low, high)
	}
	return nil
}

func validateServer(c *ServerConfig) error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %v", c.ShutdownTimeout)
	}
	return nil
}

func validateIngest(c *IngestConfig) error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return fmt.Errorf("addr is required when ingest is enabled")
	}
	for _, cidr := range c.AllowedCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid allowed CIDR %q: %w", cidr, err)
		}
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive, got %v", c.HandshakeTimeout)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", c.IdleTimeout)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConnections)
	}
	if c.ReadBufferSize <= 0 {
		return fmt.Errorf("read buffer size must be positive, got %d", c.ReadBufferSize)
	}
	return nil
}

func validateHub(c *HubConfig) error {
	if c.LivenessWindow <= 0 {
		return fmt.Errorf("liveness window must be positive, got %v", c.LivenessWindow)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %v", c.SweepInterval)
	}
	// A sweep slower than the window would let silence go unreported for too long.
	if c.SweepInterval > c.LivenessWindow {
		return fmt.Errorf("sweep interval %v must be <= liveness window %v", c.SweepInterval, c.LivenessWindow)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.ConsumerQueue <= 0 {
		return fmt.Errorf("consumer queue must be positive, got %d", c.ConsumerQueue)
	}
	if c.BusQueue <= 0 {
		return fmt.Errorf("bus queue must be positive, got %d", c.BusQueue)
	}
	if c.BusEmitTimeout <= 0 {
		return fmt.Errorf("bus emit timeout must be positive, got %v", c.BusEmitTimeout)
	}
	return nil
}

func validateDevice(c *DeviceConfig) error {
	if c.MaxBuffer < thinkgear.MaxFrameSize {
		return fmt.Errorf("max buffer %d is smaller than one frame (%d)", c.MaxBuffer, thinkgear.MaxFrameSize)
	}
	return nil
}

func validateReconnect(c *ReconnectConfig) error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be non-negative, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive, got %v", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max backoff %v must be >= initial %v", c.MaxBackoff, c.InitialBackoff)
	}
	if c.Multiplier < 1.0 || c.Multiplier > 10.0 {
		return fmt.Errorf("multiplier must be in [1.0, 10.0], got %v", c.Multiplier)
	}
	return nil
}

func validateAuth(c *AuthConfig) error {
	if !c.Enabled() {
		return nil
	}
	switch c.Algorithm {
	case "HS256":
		if c.SecretKey == "" {
			return fmt.Errorf("HS256 requires a secret key")
		}
	case "RS256":
		if c.PublicKeyPEM == "" && c.JWKSURL == "" {
			return fmt.Errorf("RS256 requires a public key or JWKS URL")
		}
	default:
		return fmt.Errorf("unsupported algorithm: %s", c.Algorithm)
	}
	return nil
}

func validateLog(c *LogConfig) error {
	switch strings.ToLower(c.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported format %q", c.Format)
	}
	switch c.Output {
	case "stdout", "stderr":
	case "file":
		if c.File == "" {
			return fmt.Errorf("file output requires a file path")
		}
	default:
		return fmt.Errorf("unsupported output %q", c.Output)
	}
	return nil
}

func validateReport(c *ReportConfig) error {
	switch c.Driver {
	case ReportDriverNone:
	case ReportDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite driver requires a path")
		}
	case ReportDriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis driver requires a URL")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}
	if c.TTL < 0 {
		return fmt.Errorf("ttl must be non-negative, got %v", c.TTL)
	}
	return nil
}
