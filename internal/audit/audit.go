// Package audit keeps the trail of security-relevant decisions: pairing,
// credential changes and token movements. Entries go to logs/audit.jsonl and,
// when a database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsafe360/saas-app/internal/shared"
)

const (
	Allow = "allow"
	Deny  = "deny"
)

type Entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Log is safe for concurrent use. A nil *Log records nothing.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

// Open appends to {homeDir}/logs/audit.jsonl. db may be nil.
func Open(homeDir string, db *sql.DB) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, db: db}, nil
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Log) DenyCount() int64 {
	if l == nil {
		return 0
	}
	return l.denyCount.Load()
}

func (l *Log) Record(ctx context.Context, decision, action, reason, subject string) {
	if l == nil {
		return
	}
	if decision == Deny {
		l.denyCount.Add(1)
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	ev := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		Action:    action,
		Reason:    shared.Redact(reason),
		Subject:   shared.Redact(subject),
		TraceID:   traceID,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if b, err := json.Marshal(ev); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}
	if l.db != nil {
		_, _ = l.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, ev.TraceID, ev.Subject, ev.Action, ev.Decision, ev.Reason)
	}
}

// Recent returns the newest audit_log rows, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT created_at, decision, action, reason, subject, trace_id
		FROM audit_log ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var created time.Time
		if err := rows.Scan(&created, &e.Decision, &e.Action, &e.Reason, &e.Subject, &e.TraceID); err != nil {
			return nil, fmt.Errorf("scan audit_log: %w", err)
		}
		e.Timestamp = created.UTC().Format(time.RFC3339)
		out = append(out, e)
	}
	return out, rows.Err()
}
