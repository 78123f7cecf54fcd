// Package audit writes and administers the spam check log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/endharassment/spamgate/internal/model"
	"github.com/endharassment/spamgate/internal/store"
)

// RetentionWindow is the minimum age an entry must reach before it can be
// deleted.
const RetentionWindow = 24 * time.Hour

// Logger records blocked requests and, in debug mode, traces of every check.
type Logger struct {
	store  store.Store
	debug  bool
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates a Logger. Traces are only written when debug is set.
func NewLogger(st store.Store, debug bool, logger *slog.Logger) *Logger {
	return &Logger{store: st, debug: debug, logger: logger, now: time.Now}
}

// Debug reports whether traces are written.
func (l *Logger) Debug() bool { return l.debug }

// RecordBlocked writes an entry for a blocking match. It is written whatever
// the debug setting.
func (l *Logger) RecordBlocked(ctx context.Context, req model.Requester, reason model.Reason, record model.Record) error {
	checks, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	entry := &model.LogEntry{
		Type:     model.LogTypeFor(reason.Kind),
		Time:     l.now(),
		URL:      req.URL,
		MemberID: req.MemberID,
		IP:       req.IP,
		IP2:      req.IP2,
		Checks:   string(checks),
		Result:   reason.String(),
	}
	switch reason.Kind {
	case model.KindUsername:
		entry.Username = reason.Value
	case model.KindEmail:
		entry.Email = reason.Value
	case model.KindIP:
		entry.IP = reason.Value
	}

	if err := l.store.CreateLogEntry(ctx, entry); err != nil {
		return fmt.Errorf("writing blocked entry: %w", err)
	}
	return nil
}

// RecordTrace writes a debug entry with a JSON snapshot of checks. It does
// nothing unless debug logging is enabled.
func (l *Logger) RecordTrace(ctx context.Context, req model.Requester, checks any, message string) error {
	if !l.debug {
		return nil
	}
	data, err := json.Marshal(checks)
	if err != nil {
		return fmt.Errorf("encoding trace checks: %w", err)
	}
	entry := &model.LogEntry{
		Type:     model.LogDebug,
		Time:     l.now(),
		URL:      req.URL,
		MemberID: req.MemberID,
		Username: req.Username,
		Email:    req.Email,
		IP:       req.IP,
		IP2:      req.IP2,
		Checks:   string(data),
		Result:   message,
	}
	if err := l.store.CreateLogEntry(ctx, entry); err != nil {
		return fmt.Errorf("writing trace entry: %w", err)
	}
	return nil
}

// List returns entries newest first.
func (l *Logger) List(ctx context.Context, filter model.LogFilter) ([]*model.LogEntry, error) {
	return l.store.ListLogEntries(ctx, filter)
}

// Count returns the number of entries matching filter.
func (l *Logger) Count(ctx context.Context, filter model.LogFilter) (int, error) {
	return l.store.CountLogEntries(ctx, filter)
}

// RemoveAll deletes every entry older than the retention window.
func (l *Logger) RemoveAll(ctx context.Context) (int64, error) {
	n, err := l.store.DeleteLogEntriesBefore(ctx, l.now().Add(-RetentionWindow))
	if err != nil {
		return 0, err
	}
	l.logger.Info("purged spam check log", "deleted", n)
	return n, nil
}

// Remove deletes the listed entries. Entries inside the retention window are
// kept.
func (l *Logger) Remove(ctx context.Context, ids []int64) (int64, error) {
	n, err := l.store.DeleteLogEntries(ctx, ids, l.now().Add(-RetentionWindow))
	if err != nil {
		return 0, err
	}
	l.logger.Info("removed spam check log entries", "requested", len(ids), "deleted", n)
	return n, nil
}
