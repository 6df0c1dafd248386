// Package eventstore keeps a SQLite timeline of narration sessions.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	_ "modernc.org/sqlite"
)

// SessionRecord summarises one narration session.
type SessionRecord struct {
	SessionID string     `json:"session_id"`
	Mode      string     `json:"mode"`
	Chunks    int        `json:"chunks"`
	Completed int        `json:"completed"`
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Store wraps a SQLite-backed session timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    mode TEXT,
    chunks INTEGER NOT NULL DEFAULT 0,
    completed INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    chunk_index INTEGER,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordEvent appends a pipeline event and keeps the session summary current.
func (s *Store) RecordEvent(ctx context.Context, evt protocol.PipelineEvent) error {
	if s.disabled() {
		return nil
	}
	if evt.SessionID == "" {
		return errors.New("eventstore: event without session id")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock().UTC()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	at := evt.Timestamp.UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	switch evt.Type {
	case protocol.EventSessionStarted:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions(session_id, mode, chunks, started_at) VALUES(?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET mode=excluded.mode, chunks=excluded.chunks`,
			evt.SessionID, evt.Reason, evt.Total, at)
	case protocol.EventSessionEnded:
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET completed = ?, reason = ?, ended_at = ? WHERE session_id = ?`,
			evt.Completed, evt.Reason, at, evt.SessionID)
	case protocol.EventProgress:
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET completed = ? WHERE session_id = ?`, evt.Completed, evt.SessionID)
	default:
		// sessions recorded elsewhere still get a row for the foreign key
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sessions(session_id, started_at) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
			evt.SessionID, at)
	}
	if err != nil {
		return fmt.Errorf("update session %s: %w", evt.SessionID, err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, chunk_index, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.ChunkIndex, payload, at); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	err = tx.Commit()
	return err
}

// ListSessionEvents retrieves up to limit events for a session in recording order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]protocol.PipelineEvent, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, chunk_index, payload, created_at FROM events
		 WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []protocol.PipelineEvent
	for rows.Next() {
		var (
			typ     string
			index   sql.NullInt64
			payload []byte
			created int64
		)
		if err := rows.Scan(&typ, &index, &payload, &created); err != nil {
			return nil, err
		}
		var evt protocol.PipelineEvent
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &evt); err != nil {
				s.log.Warn("skipping unreadable event payload", slog.String("session_id", sessionID), slog.String("error", err.Error()))
			}
		}
		evt.SessionID = sessionID
		evt.Type = typ
		evt.ChunkIndex = int(index.Int64)
		evt.Timestamp = time.Unix(0, created).UTC()
		events = append(events, evt)
	}
	return events, rows.Err()
}

// GetSession returns the summary row for a session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, bool, error) {
	if s.disabled() {
		return SessionRecord{}, false, nil
	}
	var (
		rec     SessionRecord
		mode    sql.NullString
		reason  sql.NullString
		started int64
		ended   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, mode, chunks, completed, reason, started_at, ended_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&rec.SessionID, &mode, &rec.Chunks, &rec.Completed, &reason, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	rec.Mode = mode.String
	rec.Reason = reason.String
	rec.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		t := time.Unix(0, ended.Int64).UTC()
		rec.EndedAt = &t
	}
	return rec, true, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) error {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
