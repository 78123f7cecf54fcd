package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is the category of an identity signal.
type Kind int

const (
	KindUsername Kind = iota + 1
	KindEmail
	KindIP
)

// Priority is the order kinds are evaluated in when any single match blocks.
var Priority = []Kind{KindIP, KindUsername, KindEmail}

func (k Kind) String() string {
	switch k {
	case KindUsername:
		return "username"
	case KindEmail:
		return "email"
	case KindIP:
		return "ip"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k >= KindUsername && k <= KindIP
}

// ParseKind maps the wire name of a kind back to its value.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "username":
		return KindUsername, true
	case "email":
		return KindEmail, true
	case "ip":
		return KindIP, true
	default:
		return 0, false
	}
}

// Signal is a single identity fact submitted for checking.
type Signal struct {
	Kind  Kind
	Value string
}

// Username, Email and IP build signals.
func Username(v string) Signal { return Signal{Kind: KindUsername, Value: v} }
func Email(v string) Signal    { return Signal{Kind: KindEmail, Value: v} }
func IP(v string) Signal       { return Signal{Kind: KindIP, Value: v} }

// MarshalJSON encodes a signal as a single-key object, e.g. {"ip":"1.2.3.4"},
// which is how check snapshots are stored in the audit log.
func (s Signal) MarshalJSON() ([]byte, error) {
	if !s.Kind.Valid() {
		return nil, fmt.Errorf("signal: unknown kind %d", int(s.Kind))
	}
	return json.Marshal(map[string]string{s.Kind.String(): s.Value})
}

// UnmarshalJSON decodes the single-key object form.
func (s *Signal) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("signal: want exactly one key, got %d", len(m))
	}
	for k, v := range m {
		kind, ok := ParseKind(k)
		if !ok {
			return fmt.Errorf("signal: unknown kind %q", k)
		}
		s.Kind = kind
		s.Value = v
	}
	return nil
}

// Record is the reputation service's verdict on one queried value.
type Record struct {
	Value      string  `json:"value"`
	Appears    bool    `json:"appears"`
	Frequency  int     `json:"frequency"`
	Confidence float64 `json:"confidence,omitempty"`
	LastSeen   string  `json:"lastseen,omitempty"`
	ASN        int     `json:"asn,omitempty"`
	Country    string  `json:"country,omitempty"`
	Normalized string  `json:"normalized,omitempty"`
	TorExit    bool    `json:"torexit,omitempty"`
}

// BlacklistFrequency marks a record on the service's explicit blacklist.
const BlacklistFrequency = 255

// Records holds the per-kind results of one query.
type Records struct {
	Username []Record `json:"username,omitempty"`
	Email    []Record `json:"email,omitempty"`
	IP       []Record `json:"ip,omitempty"`
}

// Of returns the records for a kind.
func (r *Records) Of(k Kind) []Record {
	if r == nil {
		return nil
	}
	switch k {
	case KindUsername:
		return r.Username
	case KindEmail:
		return r.Email
	case KindIP:
		return r.IP
	}
	return nil
}

// Requester describes who is performing the gated action.
type Requester struct {
	MemberID int64  `json:"member_id"`
	IsGuest  bool   `json:"is_guest"`
	Posts    int    `json:"posts"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IP       string `json:"ip"`
	IP2      string `json:"ip2"`
	URL      string `json:"url"`
}

// LogType classifies audit log entries.
type LogType int

const (
	LogDebug    LogType = 0
	LogUsername LogType = 1
	LogEmail    LogType = 2
	LogIP       LogType = 3
	LogUnknown  LogType = 99
)

// LogTypeFor returns the blocked-entry type for a kind.
func LogTypeFor(k Kind) LogType {
	switch k {
	case KindUsername:
		return LogUsername
	case KindEmail:
		return LogEmail
	case KindIP:
		return LogIP
	default:
		return LogUnknown
	}
}

func (t LogType) String() string {
	switch t {
	case LogDebug:
		return "Debug"
	case LogUsername:
		return "Username"
	case LogEmail:
		return "Email"
	case LogIP:
		return "IP Address"
	default:
		return "Unknown"
	}
}

// LogEntry is one row of the spam check audit log.
type LogEntry struct {
	ID       int64
	Type     LogType
	Time     time.Time
	URL      string
	MemberID int64
	Username string
	Email    string
	IP       string
	IP2      string
	Checks   string // JSON snapshot of the signals or matched record
	Result   string
}

// LogFilter narrows a log listing. Search is a substring match against the
// column named by SearchField.
type LogFilter struct {
	Types       []LogType
	SearchField string // url, member, username, email, ip, ip2
	Search      string
	Limit       int
	Offset      int
}

// BanGroup is a named ban policy bucket in the host's ban subsystem.
type BanGroup struct {
	ID             int64
	Name           string
	BanTime        time.Time
	ExpireTime     *time.Time // nil never expires
	CannotAccess   bool
	CannotRegister bool
	CannotPost     bool
	CannotLogin    bool
	Reason         string
	Notes          string
}

// BanTrigger is a single IP-range rule inside a ban group.
type BanTrigger struct {
	ID      int64
	GroupID int64
	IPLow   string
	IPHigh  string
}

// AdminAction records a moderation action in the host's action log.
type AdminAction struct {
	ID        string
	MemberID  int64
	Action    string
	Details   string // JSON
	CreatedAt time.Time
}
