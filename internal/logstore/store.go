// Package logstore persists notifier events for the /logs endpoints.
// It is an observability record, not replayable conversation history.
package logstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentica/agentica-server/internal/common/config"
	"github.com/agentica/agentica-server/internal/common/logger"
)

// InvocationEvent is one row of the invocation lifecycle log.
type InvocationEvent struct {
	ID        int64     `db:"id" json:"id"`
	UID       string    `db:"uid" json:"uid"`
	IID       string    `db:"iid" json:"iid"`
	EventType string    `db:"event_type" json:"event_type"`
	Error     string    `db:"error" json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// InferenceEvent is one row of the inference call log.
type InferenceEvent struct {
	ID               int64     `db:"id" json:"id"`
	UID              string    `db:"uid" json:"uid"`
	IID              string    `db:"iid" json:"iid"`
	InferenceID      string    `db:"inference_id" json:"inference_id"`
	Model            string    `db:"model" json:"model,omitempty"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	EndReason        string    `db:"end_reason" json:"end_reason,omitempty"`
	Error            string    `db:"error" json:"error,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Filter narrows /logs queries.
type Filter struct {
	UID   string
	IID   string
	Limit int
}

const defaultLimit = 200

// Store is the sqlx-backed event log.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open connects per the configured driver: "sqlite3" treats the DSN as a
// file path; "pgx" passes it through to the postgres driver.
func Open(cfg config.LogStoreConfig, log *logger.Logger) (*Store, error) {
	var db *sqlx.DB
	var err error

	switch cfg.Driver {
	case "sqlite3":
		dsn, prepErr := sqliteDSN(cfg.DSN)
		if prepErr != nil {
			return nil, prepErr
		}
		db, err = sqlx.Open("sqlite3", dsn)
		if err == nil {
			// Single writer connection: serializes writes and avoids SQLITE_BUSY.
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
	case "pgx":
		db, err = sqlx.Open("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported logstore driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log store: %w", err)
	}

	s := &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "logstore")),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize log store schema: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) (string, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	return fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000&_journal_mode=WAL", path), nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocation_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL,
		iid TEXT NOT NULL,
		event_type TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocation_events_uid ON invocation_events(uid);
	CREATE INDEX IF NOT EXISTS idx_invocation_events_iid ON invocation_events(iid);

	CREATE TABLE IF NOT EXISTS inference_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL,
		iid TEXT NOT NULL,
		inference_id TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		end_reason TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_inference_events_uid ON inference_events(uid);
	`
	if s.db.DriverName() == "pgx" {
		schema = strings.ReplaceAll(schema, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	}
	_, err := s.db.Exec(schema)
	return err
}

// RecordInvocationEvent appends one invocation lifecycle row.
func (s *Store) RecordInvocationEvent(ctx context.Context, ev InvocationEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO invocation_events (uid, iid, event_type, error, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, ev.UID, ev.IID, ev.EventType, ev.Error, ev.CreatedAt)
	return err
}

// RecordInferenceEvent appends one inference call row.
func (s *Store) RecordInferenceEvent(ctx context.Context, ev InferenceEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO inference_events
		(uid, iid, inference_id, model, completion_tokens, end_reason, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		ev.UID, ev.IID, ev.InferenceID, ev.Model, ev.CompletionTokens, ev.EndReason, ev.Error, ev.CreatedAt)
	return err
}

// ListInvocationEvents returns invocation rows matching the filter, newest first.
func (s *Store) ListInvocationEvents(ctx context.Context, f Filter) ([]InvocationEvent, error) {
	query, args := buildListQuery("invocation_events", f)
	var out []InvocationEvent
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListInferenceEvents returns inference rows matching the filter, newest first.
func (s *Store) ListInferenceEvents(ctx context.Context, f Filter) ([]InferenceEvent, error) {
	query, args := buildListQuery("inference_events", f)
	var out []InferenceEvent
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return out, nil
}

func buildListQuery(table string, f Filter) (string, []interface{}) {
	query := "SELECT * FROM " + table + " WHERE 1=1"
	var args []interface{}
	if f.UID != "" {
		query += " AND uid = ?"
		args = append(args, f.UID)
	}
	if f.IID != "" {
		query += " AND iid = ?"
		args = append(args, f.IID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", limit)
	return query, args
}

// PruneAgent removes all log rows for a destroyed agent.
func (s *Store) PruneAgent(ctx context.Context, uid string) error {
	for _, table := range []string{"invocation_events", "inference_events"} {
		query := s.db.Rebind("DELETE FROM " + table + " WHERE uid = ?")
		if _, err := s.db.ExecContext(ctx, query, uid); err != nil {
			return fmt.Errorf("pruning %s for %s: %w", table, uid, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
