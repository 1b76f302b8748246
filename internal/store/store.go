// Package store persists evaluation records and serves reads to the
// Gateway and evalctl. Writes are owned exclusively by the Storage
// Reactor: every state transition is applied as a conditional UPDATE
// guarded by the status DAG in internal/eval, so a record can never
// regress out of a terminal state even under concurrent handlers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-evalplane/internal/eval"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by a conditional update whose expected
// current status does not match the stored status — either because
// another handler already applied the transition, or because the
// requested transition is not legal from the record's current state.
var ErrConflict = errors.New("store: conflicting or illegal transition")

// ListFilter narrows List to a subset of evaluations.
type ListFilter struct {
	Status eval.Status // empty matches any status
	Limit  int
	Offset int
}

// Store is the durable record of every evaluation ever submitted.
// Implementations must make conditional updates atomic: Update must
// only apply when the record's current status matches expectFrom and
// the transition to the new status is legal.
type Store interface {
	Insert(ctx context.Context, e eval.Evaluation) error
	Update(ctx context.Context, id string, expectFrom eval.Status, apply func(*eval.Evaluation)) error
	Get(ctx context.Context, id string) (eval.Evaluation, error)
	List(ctx context.Context, filter ListFilter) ([]eval.Evaluation, error)
	Close() error
}

const (
	schemaVersion  = 1
	schemaChecksum = "evalplane-v1-evaluations"
)

// SQLiteStore is the durable Store backend used in production.
type SQLiteStore struct {
	db *sql.DB
}

// DefaultDBPath returns the default SQLite path used when STORE_URL
// carries no explicit path component.
func DefaultDBPath() string {
	return filepath.Join(".", "data", "store.db")
}

// Open opens (creating if necessary) the SQLite-backed store at path.
func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS evaluations (
			id TEXT PRIMARY KEY,
			source_text TEXT NOT NULL,
			language_tag TEXT NOT NULL,
			timeout_s INTEGER NOT NULL,
			resource_class TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			exit_code INTEGER,
			output_preview TEXT,
			output_ref TEXT,
			error_message TEXT,
			runner_id TEXT,
			container_id TEXT
		);
	`); err != nil {
		return fmt.Errorf("create evaluations table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_evaluations_status ON evaluations(status);`); err != nil {
		return fmt.Errorf("create status index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports a lock contention error,
// with bounded exponential backoff and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *SQLiteStore) Insert(ctx context.Context, e eval.Evaluation) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO evaluations (
				id, source_text, language_tag, timeout_s, resource_class,
				status, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.ID, e.SourceText, e.LanguageTag, e.TimeoutS, e.ResourceClass,
			string(e.Status), e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}
		return nil
	})
}

// Update loads the record, requires its current status to equal
// expectFrom, requires the transition to apply's resulting status to
// be legal per eval.CanTransition, and then writes the full row back
// inside the same transaction. Returns ErrConflict if the record has
// already moved on, or if apply's resulting status is not a legal
// successor of expectFrom.
func (s *SQLiteStore) Update(ctx context.Context, id string, expectFrom eval.Status, apply func(*eval.Evaluation)) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		e, err := scanEvaluation(tx.QueryRowContext(ctx, selectByIDQuery, id))
		if err != nil {
			return err
		}
		if e.Status != expectFrom {
			return ErrConflict
		}

		updated := e
		apply(&updated)
		if updated.Status != expectFrom && !eval.CanTransition(expectFrom, updated.Status) {
			return ErrConflict
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE evaluations SET
				status = ?, started_at = ?, completed_at = ?, exit_code = ?,
				output_preview = ?, output_ref = ?, error_message = ?,
				runner_id = ?, container_id = ?
			WHERE id = ? AND status = ?;
		`,
			string(updated.Status), updated.StartedAt, updated.CompletedAt, updated.ExitCode,
			updated.OutputPreview, updated.OutputRef, updated.ErrorMessage,
			updated.RunnerID, updated.ContainerID,
			id, string(expectFrom),
		)
		if err != nil {
			return fmt.Errorf("update evaluation: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update rows affected: %w", err)
		}
		if affected != 1 {
			return ErrConflict
		}
		return tx.Commit()
	})
}

const selectByIDQuery = `
	SELECT id, source_text, language_tag, timeout_s, resource_class, status,
		created_at, started_at, completed_at, exit_code, output_preview,
		output_ref, error_message, runner_id, container_id
	FROM evaluations WHERE id = ?;
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (eval.Evaluation, error) {
	var e eval.Evaluation
	var status string
	var startedAt, completedAt sql.NullTime
	var exitCode sql.NullInt64
	var outputPreview, outputRef, errMsg, runnerID, containerID sql.NullString

	err := row.Scan(
		&e.ID, &e.SourceText, &e.LanguageTag, &e.TimeoutS, &e.ResourceClass, &status,
		&e.CreatedAt, &startedAt, &completedAt, &exitCode, &outputPreview,
		&outputRef, &errMsg, &runnerID, &containerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return eval.Evaluation{}, ErrNotFound
	}
	if err != nil {
		return eval.Evaluation{}, fmt.Errorf("scan evaluation: %w", err)
	}

	e.Status = eval.Status(status)
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	e.OutputPreview = outputPreview.String
	e.OutputRef = outputRef.String
	e.ErrorMessage = errMsg.String
	e.RunnerID = runnerID.String
	e.ContainerID = containerID.String
	return e, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (eval.Evaluation, error) {
	return scanEvaluation(s.db.QueryRowContext(ctx, selectByIDQuery, id))
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]eval.Evaluation, error) {
	query := `
		SELECT id, source_text, language_tag, timeout_s, resource_class, status,
			created_at, started_at, completed_at, exit_code, output_preview,
			output_ref, error_message, runner_id, container_id
		FROM evaluations
	`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var out []eval.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
