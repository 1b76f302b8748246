// Package queue durably sequences evaluation IDs for the Dispatcher's
// claim loop. A queued item carries only enough routing information
// to pick a Runner (resource_class) and to drive retry/dead-letter
// policy; the evaluation's own fields live in internal/store.
package queue

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

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrEmpty is returned by Claim when no item is currently claimable.
var ErrEmpty = errors.New("queue: empty")

// ErrNotOwner is returned by Ack/Nack/DeadLetter when the caller's
// lease token no longer matches the claimed item (the lease expired
// and another claimant already took it over).
var ErrNotOwner = errors.New("queue: lease no longer owned")

// Item is a single queued evaluation awaiting dispatch.
type Item struct {
	ID            string
	EvalID        string
	ResourceClass string
	Attempt       int
	EnqueuedAt    time.Time
	LeaseOwner    string
	LeaseExpires  time.Time
}

// Queue sequences evaluation IDs for dispatch, with lease-based
// claiming and exponential-backoff retry on Nack.
type Queue interface {
	// Enqueue adds a new item ready for immediate claim.
	Enqueue(ctx context.Context, evalID, resourceClass string) error
	// Claim atomically takes the oldest claimable item not currently
	// leased (or whose lease expired), returning ErrEmpty if none.
	Claim(ctx context.Context, leaseDuration time.Duration) (Item, error)
	// Ack removes an item after successful dispatch.
	Ack(ctx context.Context, itemID, leaseOwner string) error
	// Nack returns an item to the queue after a dispatch failure,
	// available again after backoff, or dead-letters it once attempt
	// has reached maxAttempts.
	Nack(ctx context.Context, itemID, leaseOwner string, maxAttempts int, backoff time.Duration) (deadLettered bool, err error)
	// DeadLetter moves the item straight to the dead-letter state,
	// bypassing retry (used when the Dispatcher cannot find any live
	// Runner for the resource class).
	DeadLetter(ctx context.Context, itemID, leaseOwner, reason string) error
	// Depth returns the number of items currently claimable (queued
	// and not under an active lease), used for Gateway backpressure.
	Depth(ctx context.Context) (int, error)
	Close() error
}

const (
	schemaVersion  = 1
	schemaChecksum = "evalplane-queue-v1"
)

// SQLiteQueue is the durable Queue backend.
type SQLiteQueue struct {
	db *sql.DB
}

func DefaultDBPath() string {
	return filepath.Join(".", "data", "queue.db")
}

func Open(path string) (*SQLiteQueue, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q := &SQLiteQueue{db: db}
	if err := q.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := q.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

func (q *SQLiteQueue) configurePragmas(ctx context.Context) error {
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set pragma %q: %w", stmt, err)
		}
	}
	return nil
}

func (q *SQLiteQueue) initSchema(ctx context.Context) error {
	tx, err := q.db.BeginTx(ctx, nil)
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
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch: got %q want %q", existing, schemaChecksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			eval_id TEXT NOT NULL,
			resource_class TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			available_at DATETIME NOT NULL,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			dead_lettered INTEGER NOT NULL DEFAULT 0,
			dead_letter_reason TEXT,
			enqueued_at DATETIME NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create queue_items table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_queue_items_claimable
		ON queue_items(dead_lettered, available_at);
	`); err != nil {
		return fmt.Errorf("create claimable index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	return tx.Commit()
}

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

func (q *SQLiteQueue) Enqueue(ctx context.Context, evalID, resourceClass string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO queue_items (id, eval_id, resource_class, attempt, available_at, enqueued_at)
			VALUES (?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, uuid.NewString(), evalID, resourceClass)
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		return nil
	})
}

func (q *SQLiteQueue) Claim(ctx context.Context, leaseDuration time.Duration) (Item, error) {
	var result Item
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var it Item
		var leaseExpires sql.NullTime
		row := tx.QueryRowContext(ctx, `
			SELECT id, eval_id, resource_class, attempt, enqueued_at
			FROM queue_items
			WHERE dead_lettered = 0
				AND available_at <= CURRENT_TIMESTAMP
				AND (lease_expires_at IS NULL OR lease_expires_at <= CURRENT_TIMESTAMP)
			ORDER BY enqueued_at ASC, id ASC
			LIMIT 1;
		`)
		if scanErr := row.Scan(&it.ID, &it.EvalID, &it.ResourceClass, &it.Attempt, &it.EnqueuedAt); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				result = Item{}
				return ErrEmpty
			}
			return fmt.Errorf("select claimable item: %w", scanErr)
		}

		leaseOwner := uuid.NewString()
		expires := time.Now().UTC().Add(leaseDuration)
		res, err := tx.ExecContext(ctx, `
			UPDATE queue_items
			SET lease_owner = ?, lease_expires_at = ?
			WHERE id = ? AND (lease_expires_at IS NULL OR lease_expires_at <= CURRENT_TIMESTAMP);
		`, leaseOwner, expires, it.ID)
		if err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if affected != 1 {
			// Another claimant won the race; caller retries.
			return ErrEmpty
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		it.LeaseOwner = leaseOwner
		it.LeaseExpires = expires
		leaseExpires.Time = expires
		result = it
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return result, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, itemID, leaseOwner string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := q.db.ExecContext(ctx, `
			DELETE FROM queue_items WHERE id = ? AND lease_owner = ?;
		`, itemID, leaseOwner)
		if err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ack rows affected: %w", err)
		}
		if affected != 1 {
			return ErrNotOwner
		}
		return nil
	})
}

func (q *SQLiteQueue) Nack(ctx context.Context, itemID, leaseOwner string, maxAttempts int, backoff time.Duration) (bool, error) {
	var deadLettered bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin nack tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var attempt int
		if err := tx.QueryRowContext(ctx, `
			SELECT attempt FROM queue_items WHERE id = ? AND lease_owner = ?;
		`, itemID, leaseOwner).Scan(&attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotOwner
			}
			return fmt.Errorf("select attempt: %w", err)
		}

		nextAttempt := attempt + 1
		if nextAttempt >= maxAttempts {
			if _, err := tx.ExecContext(ctx, `
				UPDATE queue_items
				SET dead_lettered = 1, dead_letter_reason = 'retries_exhausted',
					lease_owner = NULL, lease_expires_at = NULL, attempt = ?
				WHERE id = ? AND lease_owner = ?;
			`, nextAttempt, itemID, leaseOwner); err != nil {
				return fmt.Errorf("dead-letter item: %w", err)
			}
			deadLettered = true
			return tx.Commit()
		}

		availableAt := time.Now().UTC().Add(backoff)
		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_items
			SET attempt = ?, available_at = ?, lease_owner = NULL, lease_expires_at = NULL
			WHERE id = ? AND lease_owner = ?;
		`, nextAttempt, availableAt, itemID, leaseOwner); err != nil {
			return fmt.Errorf("requeue item: %w", err)
		}
		deadLettered = false
		return tx.Commit()
	})
	return deadLettered, err
}

func (q *SQLiteQueue) DeadLetter(ctx context.Context, itemID, leaseOwner, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := q.db.ExecContext(ctx, `
			UPDATE queue_items
			SET dead_lettered = 1, dead_letter_reason = ?, lease_owner = NULL, lease_expires_at = NULL
			WHERE id = ? AND lease_owner = ?;
		`, reason, itemID, leaseOwner)
		if err != nil {
			return fmt.Errorf("dead-letter: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dead-letter rows affected: %w", err)
		}
		if affected != 1 {
			return ErrNotOwner
		}
		return nil
	})
}

func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_items
		WHERE dead_lettered = 0
			AND (lease_expires_at IS NULL OR lease_expires_at <= CURRENT_TIMESTAMP);
	`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
