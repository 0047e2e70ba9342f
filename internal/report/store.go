package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/neuroclass/ncc/internal/codec"
	"github.com/neuroclass/ncc/internal/config"
	"github.com/neuroclass/ncc/internal/stats"
)

var (
	ErrNotFound     = errors.New("report not found")
	ErrNotFinalized = errors.New("session not finalized")
)

// Summary is the listing view of a stored report.
type Summary struct {
	SessionID   string    `json:"sessionId"`
	FinalizedAt time.Time `json:"finalizedAt"`
	Records     uint64    `json:"records"`
	Producers   int       `json:"producers"`
	TargetScore float64   `json:"targetScore"`
}

// Summarize builds the listing view of st.
func Summarize(st stats.SessionStats) Summary {
	return Summary{
		SessionID:   st.SessionID,
		FinalizedAt: st.FinalizedAt,
		Records:     st.Overall.Records,
		Producers:   len(st.Producers),
		TargetScore: st.TargetScore(),
	}
}

// Store keeps finalized session statistics.
type Store interface {
	// Save stores st, replacing any earlier report for the session.
	Save(ctx context.Context, st stats.SessionStats) error
	// Load returns the stored report or ErrNotFound.
	Load(ctx context.Context, sessionID string) (stats.SessionStats, error)
	// List returns summaries ordered by session id.
	List(ctx context.Context) ([]Summary, error)
	Close() error
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.ReportConfig) (Store, error) {
	switch cfg.Driver {
	case config.ReportDriverSQLite:
		return NewSQLite(ctx, cfg.SQLitePath)
	case config.ReportDriverRedis:
		return NewRedis(ctx, cfg.RedisURL, cfg.KeyPrefix, cfg.TTL)
	case config.ReportDriverNone, "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported report driver %q", cfg.Driver)
	}
}

func encode(st stats.SessionStats) ([]byte, error) {
	if !st.Finalized {
		return nil, fmt.Errorf("%w: %s", ErrNotFinalized, st.SessionID)
	}
	data, err := codec.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return data, nil
}

func decode(data []byte) (stats.SessionStats, error) {
	var st stats.SessionStats
	if err := codec.Unmarshal(data, &st); err != nil {
		return stats.SessionStats{}, fmt.Errorf("decode report: %w", err)
	}
	return st, nil
}

// Memory keeps reports for the life of the process.
type Memory struct {
	mu      sync.RWMutex
	reports map[string][]byte
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{reports: make(map[string][]byte)}
}

// Save implements Store. Reports are stored encoded so callers never share
// slices with the store.
func (m *Memory) Save(_ context.Context, st stats.SessionStats) error {
	data, err := encode(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.reports[st.SessionID] = data
	m.mu.Unlock()
	return nil
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, sessionID string) (stats.SessionStats, error) {
	m.mu.RLock()
	data, ok := m.reports[sessionID]
	m.mu.RUnlock()
	if !ok {
		return stats.SessionStats{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return decode(data)
}

// List implements Store.
func (m *Memory) List(_ context.Context) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Summary, 0, len(m.reports))
	for _, data := range m.reports {
		st, err := decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
