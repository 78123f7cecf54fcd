// Package notify emails operators when the reputation service fails.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Config holds alert email settings.
type Config struct {
	FromAddress string
	FromName    string
	To          []string
	// MinInterval is the minimum time between two alert emails.
	MinInterval time.Duration
	// SandboxMode when true prevents actual email delivery via SendGrid.
	SandboxMode bool
}

// Sender sends a composed email. It is satisfied by SendGridSender and by
// test fakes.
type Sender interface {
	Send(email *mail.SGMailV3) error
}

// SendGridSender sends emails via the SendGrid API.
type SendGridSender struct {
	APIKey string
}

// Send dispatches an email through the SendGrid API.
func (s *SendGridSender) Send(email *mail.SGMailV3) error {
	client := sendgrid.NewSendClient(s.APIKey)
	resp, err := client.Send(email)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// Alerter emails operators about service failures, at most once per
// MinInterval. Failures in between are counted and reported with the next
// alert.
type Alerter struct {
	sender Sender
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	last       time.Time
	suppressed int
	wg         sync.WaitGroup
}

// NewAlerter creates an Alerter.
func NewAlerter(sender Sender, cfg Config, logger *slog.Logger) *Alerter {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 15 * time.Minute
	}
	return &Alerter{sender: sender, cfg: cfg, logger: logger, now: time.Now}
}

// Alert queues an alert email for err unless one was sent recently. Delivery
// happens in the background so the failing request is not delayed further.
func (a *Alerter) Alert(_ context.Context, err error) {
	if a.sender == nil || len(a.cfg.To) == 0 {
		return
	}

	a.mu.Lock()
	now := a.now()
	if !a.last.IsZero() && now.Sub(a.last) < a.cfg.MinInterval {
		a.suppressed++
		a.mu.Unlock()
		return
	}
	a.last = now
	suppressed := a.suppressed
	a.suppressed = 0
	a.mu.Unlock()

	msg := a.compose(err, now, suppressed)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if sendErr := a.sender.Send(msg); sendErr != nil {
			a.logger.Error("sending operator alert", "error", sendErr)
		}
	}()
}

// Wait blocks until queued alerts have been sent.
func (a *Alerter) Wait() { a.wg.Wait() }

func (a *Alerter) compose(err error, at time.Time, suppressed int) *mail.SGMailV3 {
	var body strings.Builder
	fmt.Fprintf(&body, "The spam check service could not be used at %s.\n\n", at.UTC().Format(time.RFC3339))
	fmt.Fprintf(&body, "Error: %v\n\n", err)
	if suppressed > 0 {
		fmt.Fprintf(&body, "%d further failures occurred since the previous alert.\n\n", suppressed)
	}
	body.WriteString("Requests are being allowed without a spam check until the service recovers.\n")

	from := mail.NewEmail(a.cfg.FromName, a.cfg.FromAddress)
	message := mail.NewV3Mail()
	message.SetFrom(from)
	message.Subject = "[spamgate] reputation service unavailable"

	p := mail.NewPersonalization()
	for _, addr := range a.cfg.To {
		p.AddTos(mail.NewEmail("", addr))
	}
	message.AddPersonalizations(p)
	message.AddContent(mail.NewContent("text/plain", body.String()))

	if a.cfg.SandboxMode {
		settings := mail.NewMailSettings()
		settings.SetSandboxMode(mail.NewSetting(true))
		message.SetMailSettings(settings)
	}
	return message
}
