// ABOUTME: SQLite implementation of the Journal interface using modernc.org/sqlite
// ABOUTME: Defaults to an in-memory database so nothing survives a controller restart

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Journal using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Journal = (*SQLiteStore)(nil)

// NewSQLiteStore opens a journal at path. An empty path or ":memory:" keeps
// everything in memory; a file path gets its parent directories created.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path == "" {
		path = MemoryPath
	}
	inMemory := path == MemoryPath

	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			container_id TEXT NOT NULL DEFAULT '',
			main_class TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attachments_pid ON attachments(pid);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordAttachment inserts ev, filling in ID and CreatedAt when unset.
func (s *SQLiteStore) RecordAttachment(ctx context.Context, ev *AttachmentEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, pid, container_id, main_class, outcome, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.PID, ev.ContainerID, ev.MainClass, ev.Outcome, ev.Attempts, ev.Error, ev.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	return nil
}

// GetAttachment returns the event with id, or ErrNotFound.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*AttachmentEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pid, container_id, main_class, outcome, attempts, error, created_at
		FROM attachments WHERE id = ?
	`, id)

	ev, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying attachment: %w", err)
	}
	return ev, nil
}

// ListAttachments returns events matching filter, newest first.
func (s *SQLiteStore) ListAttachments(ctx context.Context, filter AttachmentFilter) ([]*AttachmentEvent, error) {
	var where []string
	var args []any
	if filter.PID > 0 {
		where = append(where, "pid = ?")
		args = append(args, filter.PID)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT id, pid, container_id, main_class, outcome, attempts, error, created_at FROM attachments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	var events []*AttachmentEvent
	for rows.Next() {
		ev, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountByOutcome returns the number of events per outcome.
func (s *SQLiteStore) CountByOutcome(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM attachments GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("counting attachments: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttachment(sc scanner) (*AttachmentEvent, error) {
	var ev AttachmentEvent
	var createdAtStr string
	if err := sc.Scan(&ev.ID, &ev.PID, &ev.ContainerID, &ev.MainClass, &ev.Outcome, &ev.Attempts, &ev.Error, &createdAtStr); err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	ev.CreatedAt = createdAt
	return &ev, nil
}
