// Package policy decides whether reputation results block a request.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/endharassment/spamgate/internal/config"
	"github.com/endharassment/spamgate/internal/model"
)

// AreaRegister is the check context that enables the username confidence
// threshold.
const AreaRegister = "register"

// Banner bans an IP address. It reports whether a new ban was recorded.
type Banner interface {
	Ban(ctx context.Context, ip string) bool
}

// Match is one record that contributed to a block.
type Match struct {
	Reason model.Reason
	Record model.Record
}

// Note records a match that was considered and deliberately not used to
// block, such as a username below the registration confidence threshold.
type Note struct {
	Kind    model.Kind
	Record  model.Record
	Message string
}

// Decision is the outcome of evaluating one set of records.
type Decision struct {
	Blocked bool
	Matches []Match
	Notes   []Note
}

// Reasons returns the block reasons in match order.
func (d Decision) Reasons() []model.Reason {
	reasons := make([]model.Reason, 0, len(d.Matches))
	for _, m := range d.Matches {
		reasons = append(reasons, m.Reason)
	}
	return reasons
}

// subRule finds the blocking record for a single kind.
type subRule func(records []model.Record, area string) (Match, []Note, bool)

// Evaluator applies the configured blocking policy.
type Evaluator struct {
	settings config.Settings
	banner   Banner
	logger   *slog.Logger
	rules    map[model.Kind]subRule
}

// NewEvaluator creates an Evaluator. banner may be nil, in which case no
// auto-bans are issued.
func NewEvaluator(settings config.Settings, banner Banner, logger *slog.Logger) *Evaluator {
	e := &Evaluator{settings: settings, banner: banner, logger: logger}
	e.rules = map[model.Kind]subRule{
		model.KindIP:       e.ipRule,
		model.KindUsername: e.usernameRule,
		model.KindEmail:    e.emailRule,
	}
	return e
}

// Evaluate decides whether records block a request made in area.
//
// In any-match mode the first enabled kind, in priority order, with a
// blocking record wins. In required mode every required kind must block on
// its own, otherwise the request is allowed. Once a block is final, IP
// matches on the blacklist tier are handed to the Banner.
func (e *Evaluator) Evaluate(ctx context.Context, records *model.Records, area string) Decision {
	var d Decision
	if records == nil {
		return d
	}

	if required := e.settings.Required.Kinds(); required != nil {
		d = e.evaluateRequired(records, area, required)
	} else {
		d = e.evaluateAny(records, area)
	}

	if d.Blocked {
		for i := range d.Matches {
			if d.Matches[i].Reason.Kind == model.KindIP {
				d.Matches[i].Reason.Extra = e.autoBan(ctx, d.Matches[i].Record)
			}
		}
	}
	return d
}

func (e *Evaluator) evaluateAny(records *model.Records, area string) Decision {
	var d Decision
	for _, kind := range model.Priority {
		if !e.settings.KindEnabled(kind) {
			continue
		}
		m, notes, ok := e.rules[kind](records.Of(kind), area)
		d.Notes = append(d.Notes, notes...)
		if ok {
			d.Blocked = true
			d.Matches = []Match{m}
			return d
		}
	}
	return d
}

func (e *Evaluator) evaluateRequired(records *model.Records, area string, required []model.Kind) Decision {
	var d Decision
	matches := make([]Match, 0, len(required))
	for _, kind := range required {
		if !e.settings.KindEnabled(kind) {
			return d
		}
		m, notes, ok := e.rules[kind](records.Of(kind), area)
		d.Notes = append(d.Notes, notes...)
		if !ok {
			return d
		}
		matches = append(matches, m)
	}
	d.Blocked = true
	d.Matches = matches
	return d
}

func (e *Evaluator) ipRule(records []model.Record, _ string) (Match, []Note, bool) {
	for _, r := range records {
		if r.Appears {
			return Match{
				Reason: model.Reason{Kind: model.KindIP, Value: r.Value, Extra: "0"},
				Record: r,
			}, nil, true
		}
	}
	return Match{}, nil, false
}

func (e *Evaluator) usernameRule(records []model.Record, area string) (Match, []Note, bool) {
	threshold := e.settings.UsernameConfidence
	useThreshold := area == AreaRegister && threshold > 0

	var notes []Note
	for _, r := range records {
		if !r.Appears {
			continue
		}
		if useThreshold && threshold > r.Confidence {
			notes = append(notes, Note{
				Kind:    model.KindUsername,
				Record:  r,
				Message: fmt.Sprintf("username %q below confidence threshold (%s < %s)", r.Value, formatConfidence(r.Confidence), formatConfidence(threshold)),
			})
			continue
		}
		return Match{
			Reason: model.Reason{Kind: model.KindUsername, Value: r.Value, Extra: formatConfidence(r.Confidence)},
			Record: r,
		}, notes, true
	}
	return Match{}, notes, false
}

func (e *Evaluator) emailRule(records []model.Record, _ string) (Match, []Note, bool) {
	for _, r := range records {
		if r.Appears {
			return Match{
				Reason: model.Reason{Kind: model.KindEmail, Value: r.Value},
				Record: r,
			}, nil, true
		}
	}
	return Match{}, nil, false
}

// autoBan returns the reason extra for an IP match: "1" when a ban was
// recorded, "0" otherwise.
func (e *Evaluator) autoBan(ctx context.Context, r model.Record) string {
	if !e.settings.AutoBan || e.banner == nil || r.Frequency != model.BlacklistFrequency {
		return "0"
	}
	if e.banner.Ban(ctx, r.Value) {
		return "1"
	}
	e.logger.Debug("auto-ban skipped", "ip", r.Value)
	return "0"
}

func formatConfidence(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
