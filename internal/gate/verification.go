package gate

import (
	"context"
	"errors"
	"strings"

	"github.com/endharassment/spamgate/internal/model"
)

// Built-in verification purposes.
const (
	PurposeRegister = "register"
	PurposePost     = "post"
	PurposeReport   = "report"
	PurposeSearch   = "search"
)

// ErrRegisterPurpose is returned when registration is routed through Verify.
var ErrRegisterPurpose = errors.New("gate: registration is checked with CheckRegistration")

// Form field names tried, in order, for custom purposes.
var (
	usernameFields = []string{"username", "user_name", "user", "name", "realname"}
	emailFields    = []string{"email", "emailaddress", "email_address"}
)

// SignalsFor picks the signals to check for a verification purpose. ok is
// false when the purpose is not engaged for this requester.
func (c *Checker) SignalsFor(req model.Requester, purpose string, form map[string]string) (signals []model.Signal, ok bool) {
	purposes := c.settings.PurposesFor(req.IsGuest)
	// Members without any posts are always checked, even with no threshold.
	lowPosts := !req.IsGuest && (req.Posts == 0 || req.Posts < c.settings.MemberPostThreshold)
	ips := []model.Signal{model.IP(req.IP), model.IP(req.IP2)}

	switch purpose {
	case PurposePost:
		if !purposes.HasBuiltin(PurposePost) || !(req.IsGuest || lowPosts) {
			return nil, false
		}
		return append([]model.Signal{model.Username(req.Username), model.Email(req.Email)}, ips...), true

	case PurposeReport:
		if !purposes.HasBuiltin(PurposeReport) {
			return nil, false
		}
		return append([]model.Signal{model.Email(req.Email)}, ips...), true

	case PurposeSearch:
		if !purposes.HasBuiltin(PurposeSearch) || !(req.IsGuest || lowPosts) {
			return nil, false
		}
		return ips, true
	}

	if _, matched := purposes.MatchExtra(purpose); !matched {
		return nil, false
	}
	signals = ips
	if v := sniff(form, usernameFields); v != "" {
		signals = append(signals, model.Username(v))
	}
	if v := sniff(form, emailFields); v != "" {
		signals = append(signals, model.Email(v))
	}
	return signals, true
}

// Verify checks a non-registration action.
func (c *Checker) Verify(ctx context.Context, req model.Requester, purpose string, form map[string]string) (Result, error) {
	purpose = strings.TrimSpace(purpose)
	if purpose == PurposeRegister {
		return Result{}, ErrRegisterPurpose
	}
	if !c.settings.Enabled {
		return Result{Outcome: OutcomeNotChecked}, nil
	}
	signals, ok := c.SignalsFor(req, purpose, form)
	if !ok {
		return Result{Outcome: OutcomeNotChecked}, nil
	}
	return c.Run(ctx, req, signals, purpose), nil
}

func sniff(form map[string]string, fields []string) string {
	for _, f := range fields {
		if v := strings.TrimSpace(form[f]); v != "" {
			return v
		}
	}
	return ""
}
