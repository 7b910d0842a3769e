package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/vigil/internal/model"

	_ "modernc.org/sqlite"
)

const createWaitsTable = `
CREATE TABLE IF NOT EXISTS waits (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    title       TEXT NOT NULL,
    polling     TEXT NOT NULL,
    interval_ms INTEGER NOT NULL DEFAULT 0,
    timeout_ms  INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL,
    value       BLOB,
    error       TEXT NOT NULL DEFAULT '',
    runs        INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    settled_at  DATETIME
)`

const createWaitsSessionIndex = `
CREATE INDEX IF NOT EXISTS idx_waits_session ON waits (session_id, created_at DESC)`

// ErrNotFound is returned when a wait is not found.
var ErrNotFound = errors.New("wait not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createWaitsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create waits table: %w", err)
	}

	if _, err := db.Exec(createWaitsSessionIndex); err != nil {
		db.Close()
		return nil, fmt.Errorf("create waits index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateWait inserts a new wait record.
func (s *SQLiteStore) CreateWait(ctx context.Context, w *model.Wait) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO waits (
			id, session_id, title, polling, interval_ms, timeout_ms,
			status, value, error, runs, created_at, settled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.SessionID, w.Title, w.Polling, w.IntervalMS, w.TimeoutMS,
		w.Status, w.Value, w.Error, w.Runs, w.CreatedAt, w.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("insert wait: %w", err)
	}
	return nil
}

// GetWait retrieves a wait by ID.
func (s *SQLiteStore) GetWait(ctx context.Context, id string) (*model.Wait, error) {
	w := &model.Wait{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, title, polling, interval_ms, timeout_ms,
			status, value, error, runs, created_at, settled_at
		FROM waits WHERE id = ?`, id,
	).Scan(
		&w.ID, &w.SessionID, &w.Title, &w.Polling, &w.IntervalMS, &w.TimeoutMS,
		&w.Status, &w.Value, &w.Error, &w.Runs, &w.CreatedAt, &w.SettledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wait: %w", err)
	}
	return w, nil
}

// ListWaits returns a paginated list of waits ordered by created_at DESC,
// along with the total count. An empty sessionID lists waits across all
// sessions.
func (s *SQLiteStore) ListWaits(ctx context.Context, sessionID string, limit, offset int) ([]*model.Wait, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	filter := ""
	args := []any{}
	if sessionID != "" {
		filter = " WHERE session_id = ?"
		args = append(args, sessionID)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM waits"+filter, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count waits: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, session_id, title, polling, interval_ms, timeout_ms,
			status, value, error, runs, created_at, settled_at
		FROM waits`+filter+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list waits: %w", err)
	}
	defer rows.Close()

	var waits []*model.Wait
	for rows.Next() {
		w := &model.Wait{}
		if err := rows.Scan(
			&w.ID, &w.SessionID, &w.Title, &w.Polling, &w.IntervalMS, &w.TimeoutMS,
			&w.Status, &w.Value, &w.Error, &w.Runs, &w.CreatedAt, &w.SettledAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan wait: %w", err)
		}
		waits = append(waits, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate waits: %w", err)
	}

	return waits, total, nil
}

// SettleWait records a wait's terminal outcome. The transition from the
// current status is validated first, so a wait that already settled stays
// settled.
func (s *SQLiteStore) SettleWait(ctx context.Context, id, status string, value []byte, errMsg string, runs int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM waits WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read wait status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE waits SET status = ?, value = ?, error = ?, runs = ?, settled_at = ? WHERE id = ?`,
		status, value, errMsg, runs, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("settle wait: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}
	return nil
}

// GetWaitStats returns aggregate statistics across all recorded waits.
func (s *SQLiteStore) GetWaitStats(ctx context.Context) (*WaitStats, error) {
	stats := &WaitStats{
		CountByStatus:  make(map[string]int),
		CountByPolling: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM waits GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	pollRows, err := s.db.QueryContext(ctx, "SELECT polling, COUNT(*) FROM waits GROUP BY polling")
	if err != nil {
		return nil, fmt.Errorf("count by polling: %w", err)
	}
	defer pollRows.Close()
	for pollRows.Next() {
		var polling string
		var count int
		if err := pollRows.Scan(&polling, &count); err != nil {
			return nil, fmt.Errorf("scan polling count: %w", err)
		}
		stats.CountByPolling[polling] = count
	}
	if err := pollRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate polling counts: %w", err)
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG((julianday(settled_at) - julianday(created_at)) * 86400000.0)
		FROM waits WHERE settled_at IS NOT NULL`,
	).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("average settle latency: %w", err)
	}
	if avg.Valid {
		stats.AvgSettleMS = avg.Float64
	}

	return stats, nil
}
