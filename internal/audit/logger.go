package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/neuroclass/ncc/internal/clock"
	"github.com/neuroclass/ncc/internal/config"
)

// Action names a session action recorded in the trail.
type Action string

const (
	ActionJoin       Action = "join"
	ActionLeave      Action = "leave"
	ActionEviction   Action = "eviction"
	ActionFinalize   Action = "finalize"
	ActionThresholds Action = "thresholds"
	ActionConnect    Action = "device_connect"
	ActionDisconnect Action = "device_disconnect"
)

// Outcomes.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp string         `json:"ts"`
	Actor     string         `json:"actor"`
	SessionID string         `json:"sessionId"`
	Subject   string         `json:"subject,omitempty"`
	Action    Action         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Outcome   string         `json:"outcome"`
	Code      string         `json:"code"`
	Error     string         `json:"error,omitempty"`
}

// coded is implemented by errors that carry a stable code.
type coded interface {
	Code() string
}

type actorKey struct{}

// WithActor records who is acting for entries logged with ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set by WithActor, or "system".
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// Logger appends session actions to a JSONL file rotated by size and age.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      io.WriteCloser
	rotate   func() error
	clock    clock.Clock
}

// NewLogger opens the audit trail described by cfg.
func NewLogger(cfg config.AuditConfig, clk clock.Clock) (*Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path is required")
	}
	// Ensure log directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Logger{
		filePath: cfg.Path,
		out:      lj,
		rotate:   lj.Rotate,
		clock:    clk,
	}, nil
}

// NewWriterLogger writes entries to w. Rotate is a no-op.
func NewWriterLogger(w io.Writer, clk clock.Clock) *Logger {
	if clk == nil {
		clk = clock.Real()
	}
	wc, ok := w.(io.WriteCloser)
	if !ok {
		wc = nopCloser{w}
	}
	return &Logger{out: wc, rotate: func() error { return nil }, clock: clk}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// LogAction records an action on a session. subject is the consumer or
// producer acted on, if any. A nil err records success.
func (l *Logger) LogAction(ctx context.Context, action Action, sessionID, subject string, params map[string]any, err error) {
	entry := AuditEntry{
		Timestamp: l.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Actor:     ActorFromContext(ctx),
		SessionID: sessionID,
		Subject:   subject,
		Action:    action,
		Params:    params,
		Outcome:   OutcomeSuccess,
		Code:      "SUCCESS",
	}
	if err != nil {
		entry.Outcome = OutcomeFailure
		entry.Code = codeFromError(err)
		entry.Error = err.Error()
	}

	l.writeEntry(entry)
}

// Evicted records a consumer dropped by the hub. Its signature matches the
// hub's eviction hook.
func (l *Logger) Evicted(sessionID, consumerID string, err error) {
	l.LogAction(context.Background(), ActionEviction, sessionID, consumerID, nil, err)
}

func codeFromError(err error) string {
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return "ERROR"
}

// writeEntry writes an audit entry to the log file.
func (l *Logger) writeEntry(entry AuditEntry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		// Log error to stderr if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "Failed to marshal audit entry: %v\n", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return
	}
	if _, err := l.out.Write(append(jsonData, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write audit entry: %v\n", err)
	}
}

// Close closes the audit logger and its file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out != nil {
		err := l.out.Close()
		l.out = nil
		return err
	}
	return nil
}

// GetFilePath returns the path to the audit log file, empty for writer loggers.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// Rotate starts a new file, keeping the old one as a timestamped backup.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotate()
}
