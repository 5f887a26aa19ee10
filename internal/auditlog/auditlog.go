// Package auditlog mirrors every kanban.AuditEntry to an append-only,
// human-readable markdown file per day (memory/YYYY-MM-DD.md), alongside the
// queryable copy internal/db keeps in SQLite. Grounded on agents/audit.go's
// AuditingSpawner (the entry shape and the "record regardless of outcome"
// discipline); the file format itself is stdlib fmt — goldmark (the pack's
// only markdown library) parses markdown into an AST/HTML, it does not
// generate markdown text, so it has nothing to offer a pure-append writer.
package auditlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"awc/kanban"
)

// Logger appends audit entries to one markdown file per calendar day under
// dir. Safe for concurrent use; writes are serialized and always fsync-free
// appends (O_APPEND is atomic for writes under PIPE_BUF on the platforms this
// targets).
type Logger struct {
	dir string
	mu  sync.Mutex
}

// New returns a Logger rooted at dir, creating dir if necessary.
func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("auditlog: create dir: %w", err)
	}
	return &Logger{dir: dir}, nil
}

// Record appends one line describing entry to that day's file. Errors are
// returned, not swallowed — callers that treat the audit trail as a
// best-effort side channel (matching orchestrator's workspace-action
// handling) should log and continue rather than fail the caller's operation.
func (l *Logger) Record(entry *kanban.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.pathFor(entry.Timestamp)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("auditlog: open %s: %w", path, err)
	}
	defer f.Close()

	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		fmt.Fprintf(f, "# Audit log — %s\n\n", entry.Timestamp.Format("2006-01-02"))
	}

	line := formatLine(entry)
	_, err = f.WriteString(line)
	return err
}

// RecordEvent is the (eventType, cardID, details string) shape the event
// bus's Hub calls through; it builds a synthetic AuditEntry and records it
// the same way.
func (l *Logger) RecordEvent(eventType, cardID, details string) {
	_ = l.Record(&kanban.AuditEntry{
		EntityType: "event",
		EntityID:   cardID,
		Action:     eventType,
		Actor:      "system",
		Details:    details,
		Timestamp:  time.Now(),
	})
}

func (l *Logger) pathFor(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return filepath.Join(l.dir, t.Format("2006-01-02")+".md")
}

func formatLine(e *kanban.AuditEntry) string {
	details := e.Details
	const maxDetail = 2000
	if len(details) > maxDetail {
		details = details[:maxDetail] + "…[truncated]"
	}
	ref := e.EntityType
	if e.EntityID != "" {
		ref = fmt.Sprintf("%s/%s", e.EntityType, e.EntityID)
	}
	if details == "" {
		return fmt.Sprintf("- **%s** [%s] %s (%s)\n", e.Timestamp.Format("15:04:05"), ref, e.Action, e.Actor)
	}
	return fmt.Sprintf("- **%s** [%s] %s (%s) — %s\n", e.Timestamp.Format("15:04:05"), ref, e.Action, e.Actor, details)
}
