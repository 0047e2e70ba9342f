package api

import (
	"context"
	"net/http"

	"github.com/neuroclass/ncc/internal/audit"
	"github.com/neuroclass/ncc/internal/report"
	"github.com/neuroclass/ncc/internal/stats"
	"github.com/neuroclass/ncc/internal/telemetry"
)

// TelemetryPort is what the API needs from the telemetry hub.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, sessionID string) error
	Snapshot(sessionID string) ([]telemetry.ProducerState, error)
	Stats() telemetry.Stats
}

// StatsPort is what the API needs from the session aggregator.
type StatsPort interface {
	GetStats(sessionID string) (stats.SessionStats, error)
	Finalize(sessionID string) (stats.SessionStats, error)
	SetThresholds(sessionID string, low, high int) error
	Thresholds(sessionID string) (stats.Thresholds, error)
	Sessions() []string
}

// ReportPort stores finalized sessions.
type ReportPort interface {
	Save(ctx context.Context, st stats.SessionStats) error
	Load(ctx context.Context, sessionID string) (stats.SessionStats, error)
	List(ctx context.Context) ([]report.Summary, error)
}

// AuditPort records session actions.
type AuditPort interface {
	LogAction(ctx context.Context, action audit.Action, sessionID, subject string, params map[string]any, err error)
}

var (
	_ TelemetryPort = (*telemetry.Hub)(nil)
	_ StatsPort     = (*stats.Aggregator)(nil)
	_ ReportPort    = (report.Store)(nil)
	_ AuditPort     = (*audit.Logger)(nil)
)
