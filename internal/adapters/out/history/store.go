// Package history implements the sqlite-backed deployment history store.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/bnema/caravel/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS deployments (
	id          TEXT PRIMARY KEY,
	timestamp   INTEGER NOT NULL,
	strategy    TEXT NOT NULL,
	image       TEXT NOT NULL,
	container   TEXT NOT NULL,
	success     INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	environment TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_deployments_timestamp ON deployments(timestamp DESC);
`

// Store persists deployment records. Append-only; the table is trimmed to
// the most recent domain.HistoryLimit rows on every append.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open creates or opens the history database under dataDir.
func Open(dataDir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, "history.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}

	return &Store{
		db:  db,
		log: log.With().Str("component", "history").Logger(),
	}, nil
}

// Append writes one record and trims history past the cap. Records are never
// mutated afterward.
func (s *Store) Append(ctx context.Context, record domain.DeploymentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (id, timestamp, strategy, image, container, success, duration_ms, environment)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Timestamp.UnixMilli(),
		string(record.Strategy),
		record.Image,
		record.Container,
		boolToInt(record.Success),
		record.Duration.Milliseconds(),
		record.Environment,
	)
	if err != nil {
		return fmt.Errorf("append deployment record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM deployments WHERE id NOT IN (
			SELECT id FROM deployments ORDER BY timestamp DESC LIMIT ?
		)`, domain.HistoryLimit)
	if err != nil {
		return fmt.Errorf("trim deployment history: %w", err)
	}
	return nil
}

// Recent returns the most recent n records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]domain.DeploymentRecord, error) {
	if n <= 0 || n > domain.HistoryLimit {
		n = domain.HistoryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, strategy, image, container, success, duration_ms, environment
		 FROM deployments ORDER BY timestamp DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query deployment history: %w", err)
	}
	defer rows.Close()

	var records []domain.DeploymentRecord
	for rows.Next() {
		var (
			r          domain.DeploymentRecord
			ts         int64
			strategy   string
			success    int
			durationMs int64
		)
		if err := rows.Scan(&r.ID, &ts, &strategy, &r.Image, &r.Container, &success, &durationMs, &r.Environment); err != nil {
			return nil, fmt.Errorf("scan deployment record: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts)
		r.Strategy = domain.Strategy(strategy)
		r.Success = success != 0
		r.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
