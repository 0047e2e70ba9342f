package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/neuroclass/ncc/internal/stats"

	_ "modernc.org/sqlite"
)

// SQLite stores reports in an embedded database file. The full report is a
// CBOR blob; summary columns are kept alongside for listing.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at dbPath.
func NewSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)

	store := &SQLite{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS reports (
  session_id TEXT PRIMARY KEY,
  finalized_at TEXT NOT NULL,
  records INTEGER NOT NULL,
  producers INTEGER NOT NULL,
  target_score REAL NOT NULL,
  body BLOB NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create reports table: %w", err)
	}
	return nil
}

// Save implements Store.
func (s *SQLite) Save(ctx context.Context, st stats.SessionStats) error {
	body, err := encode(st)
	if err != nil {
		return err
	}
	summary := Summarize(st)

	const stmt = `
INSERT INTO reports (session_id, finalized_at, records, producers, target_score, body)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  finalized_at=excluded.finalized_at,
  records=excluded.records,
  producers=excluded.producers,
  target_score=excluded.target_score,
  body=excluded.body;
`
	_, err = s.db.ExecContext(ctx, stmt,
		summary.SessionID,
		summary.FinalizedAt.UTC().Format(time.RFC3339Nano),
		int64(summary.Records),
		summary.Producers,
		summary.TargetScore,
		body,
	)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLite) Load(ctx context.Context, sessionID string) (stats.SessionStats, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM reports WHERE session_id = ?`, sessionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return stats.SessionStats{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return stats.SessionStats{}, fmt.Errorf("load report: %w", err)
	}
	return decode(body)
}

// List implements Store.
func (s *SQLite) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, finalized_at, records, producers, target_score
FROM reports
ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			summary     Summary
			finalizedAt string
			records     int64
		)
		if err := rows.Scan(&summary.SessionID, &finalizedAt, &records, &summary.Producers, &summary.TargetScore); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		summary.Records = uint64(records)
		if summary.FinalizedAt, err = time.Parse(time.RFC3339Nano, finalizedAt); err != nil {
			return nil, fmt.Errorf("parse finalized_at for %s: %w", summary.SessionID, err)
		}
		out = append(out, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}
