// Package audit provides the append-only sink for sensitive operations.
package audit

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/model"
)

// Log is an append-only audit sink. Record must never fail silently: a
// failed write is surfaced to the caller so the business operation is not
// treated as unlogged-but-successful.
type Log interface {
	Record(ctx context.Context, e model.AuditEntry) error
}

// FileLog appends one line per entry to a log file. No rotation or
// redaction; entries are never rewritten.
type FileLog struct {
	mu   sync.Mutex
	path string
}

// NewFileLog opens (or creates) the audit file to verify it is writable.
func NewFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	_ = f.Close()
	return &FileLog{path: path}, nil
}

// Record appends the entry as a single line. The file is opened per call so
// that an externally rotated or deleted file never leaves a stale handle.
func (l *FileLog) Record(ctx context.Context, e model.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrAuditWrite, err)
	}
	defer f.Close()

	if _, err := f.WriteString(FormatLine(e)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrAuditWrite, err)
	}
	return nil
}

// FormatLine renders one audit entry as a single log line.
func FormatLine(e model.AuditEntry) string {
	id := e.IdentityID
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("%s %s id=%s amount=%s before=%s after=%s reason=%s entry=%s\n",
		e.Timestamp.UTC().Format(time.RFC3339),
		e.Op, id,
		e.Amount.StringFixed(2),
		e.BalanceBefore.StringFixed(2),
		e.BalanceAfter.StringFixed(2),
		e.Reason,
		e.ID,
	)
}

// MemLog collects entries in memory. Test helper; FailWith forces Record
// errors to exercise the audit-failure paths of the stores.
type MemLog struct {
	mu       sync.Mutex
	entries  []model.AuditEntry
	FailWith error
}

func (l *MemLog) Record(ctx context.Context, e model.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailWith != nil {
		return l.FailWith
	}
	l.entries = append(l.entries, e)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (l *MemLog) Entries() []model.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.AuditEntry(nil), l.entries...)
}

var (
	_ Log = (*FileLog)(nil)
	_ Log = (*MemLog)(nil)
)
