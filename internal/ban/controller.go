// Package ban issues automatic IP bans for blacklisted addresses.
package ban

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/endharassment/spamgate/internal/config"
	"github.com/endharassment/spamgate/internal/model"
	"github.com/endharassment/spamgate/internal/store"
	"github.com/google/uuid"
)

// Settings keys written by the controller.
const (
	SettingGroupID     = "autoban_group_id"
	SettingLastUpdated = "ban_last_updated"
)

const (
	maxGroupNameLen = 20
	banReason       = "Your IP has triggered the automatic ban for poor reputation and has been blacklisted"
	banNotes        = "Created automatically by the spam gate"
)

// GroupCreator is the host's high-level ban group creation capability. When
// it is absent or fails, groups are inserted directly through the store.
type GroupCreator interface {
	CreateBanGroup(ctx context.Context, group *model.BanGroup) (int64, error)
}

// Controller bans IPs into a single dedicated ban group.
type Controller struct {
	store    store.Store
	settings config.Settings
	logger   *slog.Logger
	creator  GroupCreator
	onUpdate func()
	now      func() time.Time
}

// NewController creates a Controller.
func NewController(st store.Store, settings config.Settings, logger *slog.Logger) *Controller {
	return &Controller{
		store:    st,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// SetGroupCreator installs the host's ban group creation capability.
func (c *Controller) SetGroupCreator(gc GroupCreator) { c.creator = gc }

// OnBansUpdated registers a hook run after a new trigger is inserted, so
// caches of ban data can be refreshed.
func (c *Controller) OnBansUpdated(fn func()) { c.onUpdate = fn }

// GroupName returns the ban group name, truncated to the host's limit.
func (c *Controller) GroupName() string {
	name := strings.TrimSpace(c.settings.BanGroupName)
	if name == "" {
		name = config.DefaultBanGroupName
	}
	if utf8.RuneCountInString(name) <= maxGroupNameLen {
		return name
	}
	return string([]rune(name)[:maxGroupNameLen])
}

// Ban adds a trigger for ip to the auto-ban group. It is best effort: it
// reports whether a new trigger was inserted and never returns an error.
// Banning an IP that is already in the group is a no-op.
func (c *Controller) Ban(ctx context.Context, ip string) bool {
	if !c.settings.AutoBan {
		return false
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		c.logger.Warn("auto-ban skipped: invalid ip", "ip", ip)
		return false
	}
	// Triggers are keyed on the canonical form so that two spellings of one
	// IPv6 address share a trigger.
	ip = parsed.String()

	groupID, err := c.EnsureGroup(ctx)
	if err != nil {
		c.logger.Error("auto-ban group unavailable", "ip", ip, "error", err)
		return false
	}

	exists, err := c.store.BanTriggerExists(ctx, groupID, ip, ip)
	if err != nil {
		c.logger.Error("checking existing ban trigger", "ip", ip, "error", err)
		return false
	}
	if exists {
		return false
	}

	if err := c.store.CreateBanTrigger(ctx, &model.BanTrigger{GroupID: groupID, IPLow: ip, IPHigh: ip}); err != nil {
		c.logger.Error("inserting ban trigger", "ip", ip, "error", err)
		return false
	}

	c.recordAction(ctx, ip)

	if err := c.store.SetSetting(ctx, SettingLastUpdated, strconv.FormatInt(c.now().Unix(), 10)); err != nil {
		c.logger.Warn("updating ban timestamp", "error", err)
	}
	if c.onUpdate != nil {
		c.onUpdate()
	}

	c.logger.Info("auto-banned ip", "ip", ip, "group_id", groupID)
	return true
}

// EnsureGroup returns the id of the auto-ban group, creating it if needed.
// A persisted group id is reused while that group still exists; otherwise
// the group is looked up by name and the id persisted again.
//
// Two first-time calls racing can both create a group; the lookup by name
// keeps that unlikely and a stray empty group is harmless.
func (c *Controller) EnsureGroup(ctx context.Context) (int64, error) {
	stored := c.storedGroupID(ctx)
	if stored != 0 {
		_, err := c.store.GetBanGroup(ctx, stored)
		switch {
		case err == nil:
			return stored, nil
		case !store.IsNotFound(err):
			return 0, fmt.Errorf("looking up ban group %d: %w", stored, err)
		}
		c.logger.Warn("persisted ban group is gone", "group_id", stored)
	}

	name := c.GroupName()
	existing, err := c.store.GetBanGroupByName(ctx, name)
	switch {
	case err == nil:
		c.persistGroupID(ctx, stored, existing.ID)
		return existing.ID, nil
	case !store.IsNotFound(err):
		return 0, fmt.Errorf("looking up ban group: %w", err)
	}

	group := &model.BanGroup{
		Name:           name,
		BanTime:        c.now(),
		CannotAccess:   true,
		CannotRegister: true,
		CannotPost:     true,
		CannotLogin:    true,
		Reason:         banReason,
		Notes:          banNotes,
	}

	var id int64
	if c.creator != nil {
		id, err = c.creator.CreateBanGroup(ctx, group)
		if err != nil {
			c.logger.Warn("host ban group creation failed, inserting directly", "error", err)
			id = 0
		}
	}
	if id == 0 {
		if err := c.store.CreateBanGroup(ctx, group); err != nil {
			return 0, fmt.Errorf("creating ban group: %w", err)
		}
		id = group.ID
	}

	c.persistGroupID(ctx, stored, id)
	c.logger.Info("created auto-ban group", "group_id", id, "name", name)
	return id, nil
}

// storedGroupID returns the persisted group id, or 0 when none is usable.
func (c *Controller) storedGroupID(ctx context.Context) int64 {
	v, err := c.store.GetSetting(ctx, SettingGroupID)
	if err != nil {
		if !store.IsNotFound(err) {
			c.logger.Warn("reading ban group id", "error", err)
		}
		return 0
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0
	}
	return id
}

func (c *Controller) persistGroupID(ctx context.Context, old, id int64) {
	if old == id {
		return
	}
	if err := c.store.SetSetting(ctx, SettingGroupID, strconv.FormatInt(id, 10)); err != nil {
		c.logger.Warn("saving ban group id", "error", err)
	}
}

func (c *Controller) recordAction(ctx context.Context, ip string) {
	details, err := json.Marshal(map[string]any{
		"ip_range": ip,
		"new":      1,
		"source":   "sfs",
	})
	if err != nil {
		c.logger.Warn("encoding ban action", "error", err)
		return
	}
	action := &model.AdminAction{
		ID:        uuid.New().String(),
		Action:    "ban",
		Details:   string(details),
		CreatedAt: c.now(),
	}
	if err := c.store.CreateAdminAction(ctx, action); err != nil {
		c.logger.Warn("recording ban action", "ip", ip, "error", err)
	}
}
