package sfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultSubmitURL = "https://www.stopforumspam.com/add"
	submitOK         = "data submitted successfully"
)

var (
	// ErrSubmissionDisabled is returned when submissions are switched off or
	// no API key is configured.
	ErrSubmissionDisabled = errors.New("sfs: submission disabled")
	// ErrSubmissionFailed wraps every other submission failure.
	ErrSubmissionFailed = errors.New("sfs: submission failed")
)

// Submission reports a spammer to the service.
type Submission struct {
	Username string
	Email    string
	IP       string
	Evidence string
}

// Submit posts a spammer report. Success is recognized by the confirmation
// text in the response body.
func (c *Client) Submit(ctx context.Context, sub Submission) error {
	if !c.settings.SubmissionEnabled || c.settings.APIKey == "" {
		return ErrSubmissionDisabled
	}

	form := url.Values{
		"username": {toUTF8(c.settings.Charset, sub.Username)},
		"email":    {toUTF8(c.settings.Charset, sub.Email)},
		"ip_addr":  {sub.IP},
		"api_key":  {c.settings.APIKey},
	}
	if sub.Evidence != "" {
		form.Set("evidence", sub.Evidence)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", ErrSubmissionFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading body: %w", ErrSubmissionFailed, err)
	}
	if !strings.Contains(strings.ToLower(string(body)), submitOK) {
		return fmt.Errorf("%w: status %d", ErrSubmissionFailed, resp.StatusCode)
	}

	c.logger.Info("submitted spammer report", "ip", sub.IP)
	return nil
}
