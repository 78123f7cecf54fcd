// Package config holds the spam check policy settings.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/endharassment/spamgate/internal/model"
	"gopkg.in/yaml.v3"
)

// Region selects which reputation service endpoint is queried.
type Region string

const (
	RegionGlobal Region = "global"
	RegionUS     Region = "us"
	RegionEU     Region = "eu"
)

// Host returns the API host for the region.
func (r Region) Host() (string, bool) {
	switch r {
	case RegionGlobal, "":
		return "api.stopforumspam.org", true
	case RegionUS:
		return "us.stopforumspam.org", true
	case RegionEU:
		return "europe.stopforumspam.org", true
	}
	return "", false
}

// TorMode controls how Tor exit nodes are treated by the service.
type TorMode string

const (
	TorBlockAll TorMode = "block"  // default, no query flag
	TorIgnore   TorMode = "ignore" // notorexit
	TorBadOnly  TorMode = "bad"    // badtorexit
)

// RequiredMode selects between any-match and conjunctive blocking.
type RequiredMode string

const (
	RequireAny           RequiredMode = "any"
	RequireEmailIP       RequiredMode = "email|ip"
	RequireEmailUsername RequiredMode = "email|username"
	RequireUsernameIP    RequiredMode = "username|ip"
)

// Kinds returns the kinds that must all match, or nil in any-match mode.
func (m RequiredMode) Kinds() []model.Kind {
	switch m {
	case RequireEmailIP:
		return []model.Kind{model.KindEmail, model.KindIP}
	case RequireEmailUsername:
		return []model.Kind{model.KindEmail, model.KindUsername}
	case RequireUsernameIP:
		return []model.Kind{model.KindUsername, model.KindIP}
	}
	return nil
}

// Wildcards suppresses the service's wildcard matching per kind.
type Wildcards struct {
	Username bool `yaml:"username"`
	Email    bool `yaml:"email"`
	IP       bool `yaml:"ip"`
}

// Purposes lists the verification purposes checked for one role.
type Purposes struct {
	Builtin []string `yaml:"builtin"` // post, report, search
	Extra   []string `yaml:"extra"`   // custom purpose names, % is a wildcard
}

// Settings is a read-only snapshot of the gate's policy configuration.
type Settings struct {
	Enabled             bool         `yaml:"enabled"`
	UsernameCheck       bool         `yaml:"username_check"`
	EmailCheck          bool         `yaml:"email_check"`
	IPCheck             bool         `yaml:"ip_check"`
	AutoBan             bool         `yaml:"auto_ban"`
	BanGroupName        string       `yaml:"ban_group_name"`
	Region              Region       `yaml:"region"`
	Wildcards           Wildcards    `yaml:"ignore_wildcards"`
	Tor                 TorMode      `yaml:"tor"`
	ExpireDays          int          `yaml:"expire_days"`
	UsernameConfidence  float64      `yaml:"username_confidence"`
	Required            RequiredMode `yaml:"required"`
	GuestPurposes       Purposes     `yaml:"guest_purposes"`
	MemberPurposes      Purposes     `yaml:"member_purposes"`
	MemberPostThreshold int          `yaml:"member_post_threshold"`
	DebugLog            bool         `yaml:"debug_log"`
	Charset             string       `yaml:"charset"` // character set of incoming usernames and emails
	SubmissionEnabled   bool         `yaml:"submission_enabled"`
	APIKey              string       `yaml:"api_key"`
}

// DefaultBanGroupName is the display name of the auto-ban group.
const DefaultBanGroupName = "SFS Automatic IP Bans"

// Default returns the settings a fresh install starts with.
func Default() Settings {
	return Settings{
		Enabled:             true,
		EmailCheck:          true,
		BanGroupName:        DefaultBanGroupName,
		Region:              RegionGlobal,
		Tor:                 TorBlockAll,
		ExpireDays:          90,
		UsernameConfidence:  50.01,
		Required:            RequireAny,
		GuestPurposes:       Purposes{Builtin: []string{"post"}},
		MemberPostThreshold: 5,
		Charset:             "utf-8",
	}
}

// Load reads settings from a YAML file on top of Default().
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

// Validate rejects values outside the fixed choices.
func (s Settings) Validate() error {
	if _, ok := s.Region.Host(); !ok {
		return fmt.Errorf("unknown region %q", s.Region)
	}
	switch s.Tor {
	case "", TorBlockAll, TorIgnore, TorBadOnly:
	default:
		return fmt.Errorf("unknown tor mode %q", s.Tor)
	}
	switch s.Required {
	case "", RequireAny, RequireEmailIP, RequireEmailUsername, RequireUsernameIP:
	default:
		return fmt.Errorf("unknown required mode %q", s.Required)
	}
	if s.ExpireDays < 0 {
		return fmt.Errorf("expire_days must not be negative")
	}
	if s.UsernameConfidence < 0 || s.UsernameConfidence > 100 {
		return fmt.Errorf("username_confidence must be within 0-100")
	}
	return nil
}

// KindEnabled reports whether checks for the kind are switched on.
func (s Settings) KindEnabled(k model.Kind) bool {
	switch k {
	case model.KindUsername:
		return s.UsernameCheck
	case model.KindEmail:
		return s.EmailCheck
	case model.KindIP:
		return s.IPCheck
	}
	return false
}

// PurposesFor returns the purposes configured for guests or members.
func (s Settings) PurposesFor(isGuest bool) Purposes {
	if isGuest {
		return s.GuestPurposes
	}
	return s.MemberPurposes
}

// HasBuiltin reports whether a built-in purpose is enabled.
func (p Purposes) HasBuiltin(purpose string) bool {
	for _, b := range p.Builtin {
		if strings.EqualFold(strings.TrimSpace(b), purpose) {
			return true
		}
	}
	return false
}

// MatchExtra returns the configured extra purpose matching id, if any.
func (p Purposes) MatchExtra(id string) (string, bool) {
	for _, pattern := range p.Extra {
		pattern = strings.TrimSpace(pattern)
		if pattern != "" && matchWildcard(pattern, id) {
			return pattern, true
		}
	}
	return "", false
}

// matchWildcard matches id against a pattern where % stands for any run of
// characters.
func matchWildcard(pattern, id string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return pattern == id
	}
	if !strings.HasPrefix(id, parts[0]) {
		return false
	}
	id = id[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		idx := strings.Index(id, mid)
		if idx < 0 {
			return false
		}
		id = id[idx+len(mid):]
	}
	return strings.HasSuffix(id, last)
}
