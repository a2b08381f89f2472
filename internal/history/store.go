// Package history persists execution records in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hkuds/pybox/internal/sandbox"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record matches an id.
var ErrNotFound = errors.New("execution not found")

const defaultLimit = 20

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one stored execution.
type Record struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	Code      string        `json:"code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Kind      sandbox.Kind  `json:"kind"`
	ExitCode  *int          `json:"exit_code"`
	Reason    string        `json:"reason,omitempty"`
	Truncated bool          `json:"truncated"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	CreatedAt time.Time     `json:"created_at"`
}

// NewRecord builds a record from an outcome.
func NewRecord(sessionID, userID, code string, out sandbox.Outcome) Record {
	return Record{
		SessionID: sessionID,
		UserID:    userID,
		Code:      code,
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		Kind:      out.Kind,
		ExitCode:  out.ExitCode,
		Reason:    out.Reason,
		Truncated: out.Truncated(),
		Elapsed:   out.Elapsed,
	}
}

// Outcome rebuilds the outcome a record was made from. Which stream was
// truncated is not stored.
func (r Record) Outcome() sandbox.Outcome {
	return sandbox.Outcome{
		Kind:     r.Kind,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		ExitCode: r.ExitCode,
		Reason:   r.Reason,
		Elapsed:  r.Elapsed,
	}
}

// Store is a SQLite-backed execution history.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: every ":memory:" connection is its own database, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts rec, assigning ID and CreatedAt when unset.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var exitCode sql.NullInt64
	if rec.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, session_id, user_id, code, stdout, stderr, kind, exit_code, reason, truncated, elapsed_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.UserID, rec.Code, rec.Stdout, rec.Stderr,
		string(rec.Kind), exitCode, rec.Reason, rec.Truncated, rec.Elapsed.Milliseconds(),
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, session_id, user_id, code, stdout, stderr, kind, exit_code, reason, truncated, elapsed_ms, created_at FROM executions`

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListBySession returns a session's most recent executions, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.query(ctx, selectColumns+` WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
}

// Recent returns executions created at or after since, newest first.
func (s *Store) Recent(ctx context.Context, since time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.query(ctx, selectColumns+` WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		since.UTC().Format(timeLayout), limit)
}

// Prune deletes executions created before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning executions: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec       Record
		kind      string
		exitCode  sql.NullInt64
		elapsedMS int64
		createdAt string
	)
	err := sc.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.Code, &rec.Stdout, &rec.Stderr,
		&kind, &exitCode, &rec.Reason, &rec.Truncated, &elapsedMS, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning execution: %w", err)
	}

	rec.Kind = sandbox.Kind(kind)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &rec, nil
}
