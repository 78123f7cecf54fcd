package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/endharassment/spamgate/internal/model"
)

// EntryView is a log entry prepared for the moderator log listing.
type EntryView struct {
	ID       int64     `json:"id"`
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Age      string    `json:"age"`
	URL      string    `json:"url"`
	MemberID int64     `json:"member_id"`
	Username string    `json:"username,omitempty"`
	Email    string    `json:"email,omitempty"`
	IP       string    `json:"ip,omitempty"`
	IP2      string    `json:"ip2,omitempty"`
	Checks   string    `json:"checks"`
	Result   []string  `json:"result"`
}

// View renders e relative to now.
func View(e *model.LogEntry, now time.Time) EntryView {
	return EntryView{
		ID:       e.ID,
		Type:     e.Type.String(),
		Time:     e.Time,
		Age:      humanize.RelTime(e.Time, now, "ago", "from now"),
		URL:      defang(e.URL),
		MemberID: e.MemberID,
		Username: e.Username,
		Email:    e.Email,
		IP:       e.IP,
		IP2:      e.IP2,
		Checks:   e.Checks,
		Result:   describeResult(e.Result),
	}
}

func describeResult(result string) []string {
	reasons := model.ParseReasons(result)
	if reasons == nil {
		return []string{result}
	}
	lines := make([]string, 0, len(reasons))
	for _, r := range reasons {
		line := fmt.Sprintf("Matched on %s [%s]", r.Kind, r.Value)
		switch {
		case r.Kind == model.KindIP && r.Extra == "1":
			line += " Banned"
		case r.Kind == model.KindUsername && r.Extra != "" && r.Extra != "0":
			line += " Confidence Level: " + r.Extra
		}
		lines = append(lines, line)
	}
	return lines
}

// defang keeps logged spam links from being clickable.
func defang(u string) string {
	if strings.HasPrefix(strings.ToLower(u), "http") {
		return "hxxp" + u[len("http"):]
	}
	return u
}
