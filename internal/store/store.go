package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/endharassment/spamgate/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = fmt.Errorf("not found: %w", sql.ErrNoRows)

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Store defines the persistence interface for the spam gate.
type Store interface {
	// Spam check log
	CreateLogEntry(ctx context.Context, entry *model.LogEntry) error
	GetLogEntry(ctx context.Context, id int64) (*model.LogEntry, error)
	ListLogEntries(ctx context.Context, filter model.LogFilter) ([]*model.LogEntry, error)
	CountLogEntries(ctx context.Context, filter model.LogFilter) (int, error)
	DeleteLogEntriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteLogEntries(ctx context.Context, ids []int64, cutoff time.Time) (int64, error)

	// Ban groups and triggers
	GetBanGroup(ctx context.Context, id int64) (*model.BanGroup, error)
	GetBanGroupByName(ctx context.Context, name string) (*model.BanGroup, error)
	CreateBanGroup(ctx context.Context, group *model.BanGroup) error
	BanTriggerExists(ctx context.Context, groupID int64, ipLow, ipHigh string) (bool, error)
	CreateBanTrigger(ctx context.Context, trigger *model.BanTrigger) error
	ListBanTriggers(ctx context.Context, groupID int64) ([]*model.BanTrigger, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Admin actions
	CreateAdminAction(ctx context.Context, action *model.AdminAction) error
	ListAdminActions(ctx context.Context, action string) ([]*model.AdminAction, error)
}
