// Package gate runs spam checks for gated forum actions.
package gate

import (
	"context"
	"errors"
	"log/slog"

	"github.com/endharassment/spamgate/internal/audit"
	"github.com/endharassment/spamgate/internal/config"
	"github.com/endharassment/spamgate/internal/model"
	"github.com/endharassment/spamgate/internal/policy"
	"github.com/endharassment/spamgate/internal/sfs"
)

// ErrRequestBlocked is the only thing a blocked requester is told. It never
// names the signal that matched.
var ErrRequestBlocked = errors.New("your request has been blocked by the forum's spam protection; contact the administrators if you believe this is a mistake")

// Outcome says how a check ended. The fail-open outcomes are kept distinct
// from a clean pass so logs and callers can tell them apart.
type Outcome int

const (
	OutcomeAllowed     Outcome = iota // checked, nothing blocked
	OutcomeBlocked                    // policy block
	OutcomeNoSignals                  // nothing usable to send, allowed
	OutcomeUnavailable                // service unreachable or unusable, allowed
	OutcomeNotChecked                 // gate disabled or action not gated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeNoSignals:
		return "no_signals"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeNotChecked:
		return "not_checked"
	default:
		return "unknown"
	}
}

// Result is the full outcome of one check.
type Result struct {
	Outcome  Outcome
	Decision policy.Decision
	Err      error // cause of a fail-open outcome
}

// Blocked reports whether the request must be rejected.
func (r Result) Blocked() bool { return r.Outcome == OutcomeBlocked }

// Rejection returns ErrRequestBlocked for blocked results and nil otherwise.
func (r Result) Rejection() error {
	if r.Blocked() {
		return ErrRequestBlocked
	}
	return nil
}

// Alerter is notified when the reputation service cannot be used.
type Alerter interface {
	Alert(ctx context.Context, err error)
}

// Checker runs the check pipeline: query, evaluate, ban, log.
type Checker struct {
	settings  config.Settings
	client    *sfs.Client
	evaluator *policy.Evaluator
	audit     *audit.Logger
	alerter   Alerter
	logger    *slog.Logger
}

// NewChecker wires a Checker from its collaborators.
func NewChecker(settings config.Settings, client *sfs.Client, evaluator *policy.Evaluator, auditLog *audit.Logger, logger *slog.Logger) *Checker {
	return &Checker{
		settings:  settings,
		client:    client,
		evaluator: evaluator,
		audit:     auditLog,
		logger:    logger,
	}
}

// SetAlerter installs an operator alerter for service failures.
func (c *Checker) SetAlerter(a Alerter) { c.alerter = a }

// Check runs the pipeline and returns ErrRequestBlocked when the request
// must be rejected. Every failure to reach a verdict allows the request.
func (c *Checker) Check(ctx context.Context, req model.Requester, signals []model.Signal, area string) error {
	return c.Run(ctx, req, signals, area).Rejection()
}

// Run is Check with the full result.
func (c *Checker) Run(ctx context.Context, req model.Requester, signals []model.Signal, area string) Result {
	if !c.settings.Enabled {
		return Result{Outcome: OutcomeNotChecked}
	}

	q := c.client.NewQuery()
	records, err := c.client.Send(ctx, q, signals)
	if err != nil {
		return c.failOpen(ctx, req, signals, area, err)
	}

	d := c.evaluator.Evaluate(ctx, records, area)
	for _, n := range d.Notes {
		c.trace(ctx, req, n.Record, n.Message)
	}

	if !d.Blocked {
		c.trace(ctx, req, signals, "allowed")
		return Result{Outcome: OutcomeAllowed, Decision: d}
	}

	for _, m := range d.Matches {
		if err := c.audit.RecordBlocked(ctx, req, m.Reason, m.Record); err != nil {
			c.logger.Error("recording blocked request", "area", area, "error", err)
		}
	}
	c.trace(ctx, req, signals, "blocked "+model.EncodeReasons(d.Reasons()))
	c.logger.Info("request blocked", "area", area, "member_id", req.MemberID, "reasons", len(d.Matches))
	return Result{Outcome: OutcomeBlocked, Decision: d}
}

func (c *Checker) failOpen(ctx context.Context, req model.Requester, signals []model.Signal, area string, err error) Result {
	if errors.Is(err, sfs.ErrNoSignals) {
		c.logger.Error("spam check had nothing to send", "severity", "critical", "area", area, "error", err)
		c.trace(ctx, req, signals, "error")
		return Result{Outcome: OutcomeNoSignals, Err: err}
	}

	c.logger.Error("spam check service unavailable", "severity", "critical", "area", area, "error", err)
	if c.alerter != nil {
		c.alerter.Alert(ctx, err)
	}
	c.trace(ctx, req, signals, "failure")
	return Result{Outcome: OutcomeUnavailable, Err: err}
}

func (c *Checker) trace(ctx context.Context, req model.Requester, checks any, message string) {
	if err := c.audit.RecordTrace(ctx, req, checks, message); err != nil {
		c.logger.Warn("recording spam check trace", "error", err)
	}
}

// CheckRegistration checks a new account. Accounts created by an
// administrator are not checked.
func (c *Checker) CheckRegistration(ctx context.Context, req model.Requester, fromAdmin bool) Result {
	if fromAdmin {
		return Result{Outcome: OutcomeNotChecked}
	}
	signals := []model.Signal{
		model.Username(req.Username),
		model.Email(req.Email),
		model.IP(req.IP),
		model.IP(req.IP2),
	}
	return c.Run(ctx, req, signals, PurposeRegister)
}

// TestAPI queries the service directly, without policy, bans or logging, so
// administrators can confirm connectivity.
func (c *Checker) TestAPI(ctx context.Context, username, email, ip string) (*model.Records, error) {
	signals := []model.Signal{model.Username(username), model.Email(email), model.IP(ip)}
	return c.client.Send(ctx, c.client.NewQuery(), signals)
}
