package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/baoagent/voicebridge/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		stream_sid TEXT NOT NULL UNIQUE,
		call_sid TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		outcome TEXT,
		total_turns INTEGER NOT NULL DEFAULT 0,
		off_topic_turns INTEGER NOT NULL DEFAULT 0,
		on_topic_percentage REAL NOT NULL DEFAULT 100
	);
	CREATE INDEX IF NOT EXISTS idx_calls_started ON calls(started_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StartCall inserts a record for a call that just began.
func (s *SQLiteStore) StartCall(ctx context.Context, record *domain.CallRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now()
	}

	query := `
		INSERT INTO calls (id, stream_sid, call_sid, started_at)
		VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.StreamSid, record.CallSid, record.StartedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// FinishCall stamps the end time, outcome, and topic statistics.
func (s *SQLiteStore) FinishCall(ctx context.Context, streamSid, outcome string, totalTurns, offTopicTurns int, onTopicPct float64) error {
	query := `
		UPDATE calls
		SET ended_at = ?, outcome = ?, total_turns = ?, off_topic_turns = ?, on_topic_percentage = ?
		WHERE stream_sid = ? AND ended_at IS NULL`
	_, err := s.db.ExecContext(ctx, query,
		time.Now().Unix(), outcome, totalTurns, offTopicTurns, onTopicPct, streamSid)
	if err != nil {
		return fmt.Errorf("update call record: %w", err)
	}
	return nil
}

// ListCalls returns the most recent call records, newest first.
func (s *SQLiteStore) ListCalls(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, stream_sid, call_sid, started_at, ended_at, outcome,
		       total_turns, off_topic_turns, on_topic_percentage
		FROM calls ORDER BY started_at DESC, id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query call records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*domain.CallRecord
	for rows.Next() {
		var (
			record    domain.CallRecord
			callSid   sql.NullString
			startedAt int64
			endedAt   sql.NullInt64
			outcome   sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.StreamSid, &callSid, &startedAt, &endedAt,
			&outcome, &record.TotalTurns, &record.OffTopicTurns, &record.OnTopicPercentage); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		record.CallSid = callSid.String
		record.StartedAt = time.Unix(startedAt, 0)
		if endedAt.Valid {
			ended := time.Unix(endedAt.Int64, 0)
			record.EndedAt = &ended
		}
		record.Outcome = outcome.String
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call records: %w", err)
	}
	return records, nil
}
