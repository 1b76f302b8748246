// Package audit records every submission, kill, and cancellation
// decision the Gateway makes to an append-only JSONL file, plus an
// optional SQLite table for ad-hoc querying.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-evalplane/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	EvalID    string `json:"eval_id"`
	Actor     string `json:"actor"`
	Result    string `json:"result"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu            sync.Mutex
	file          *os.File
	db            *sql.DB
	rejectedCount atomic.Int64
)

// Init opens (creating if necessary) the audit log file under
// homeDir/logs/audit.jsonl. Safe to call once per process.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB attaches a SQLite handle for audit_log table writes, creating
// the table on first use. A nil db disables the table write path; the
// JSONL file remains the source of truth either way.
func SetDB(d *sql.DB) error {
	mu.Lock()
	defer mu.Unlock()
	db = d
	if db == nil {
		return nil
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at TEXT NOT NULL,
			action TEXT NOT NULL,
			eval_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			result TEXT NOT NULL,
			reason TEXT
		);
	`)
	return err
}

// Close releases the audit log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectedCount returns the number of submit/kill decisions recorded
// with a "rejected" result since process startup.
func RejectedCount() int64 {
	return rejectedCount.Load()
}

// Record appends one decision to the audit trail. action is one of
// "submit", "kill"; result is action-specific ("accepted", "rejected",
// "killed", "not_running", ...). actor and reason are redacted before
// persistence since either may echo caller-supplied text.
func Record(action, evalID, actor, result, reason string) {
	if result == "rejected" {
		rejectedCount.Add(1)
	}

	actor = shared.Redact(actor)
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Action:    action,
			EvalID:    evalID,
			Actor:     actor,
			Result:    result,
			Reason:    reason,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (recorded_at, action, eval_id, actor, result, reason)
			VALUES (?, ?, ?, ?, ?, ?);
		`, time.Now().UTC().Format(time.RFC3339Nano), action, evalID, actor, result, reason)
	}
}
