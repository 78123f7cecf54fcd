package sfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/endharassment/spamgate/internal/config"
	"github.com/endharassment/spamgate/internal/model"
)

// ErrNoSignals means nothing usable was left to send after filtering empty
// values and disabled kinds. It is a caller or configuration mistake, not a
// spam signal.
var ErrNoSignals = errors.New("sfs: no signals to check")

// TransportError reports that the service could not be reached or answered
// with a non-2xx status or an empty body.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sfs: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("sfs: request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports that the service answered with a body that is not a
// usable result.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("sfs: bad response: %v", e.Err) }

func (e *ParseError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err means the service could not give an answer.
func IsUnavailable(err error) bool {
	var te *TransportError
	var pe *ParseError
	return errors.As(err, &te) || errors.As(err, &pe)
}

const maxResponseBytes = 1 << 20

// Client queries the reputation service.
type Client struct {
	settings   config.Settings
	httpClient *http.Client
	endpoint   string
	submitURL  string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithEndpoint sends queries to base instead of the regional host.
func WithEndpoint(base string) Option {
	return func(c *Client) { c.endpoint = base }
}

// WithSubmitURL overrides the submission endpoint.
func WithSubmitURL(u string) Option {
	return func(c *Client) { c.submitURL = u }
}

// NewClient creates a Client for the given settings snapshot.
func NewClient(settings config.Settings, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		settings:   settings,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		submitURL:  defaultSubmitURL,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settings returns the snapshot the client was built with.
func (c *Client) Settings() config.Settings { return c.settings }

// NewQuery starts a request-scoped query builder.
func (c *Client) NewQuery() *Query {
	return NewQuery(c.settings, c.endpoint)
}

// Send queries the service for the given signals. It returns ErrNoSignals
// when nothing was appended, *TransportError when the service could not be
// reached, and *ParseError when the body is not a successful result.
func (c *Client) Send(ctx context.Context, q *Query, signals []model.Signal) (*model.Records, error) {
	if q == nil {
		q = c.NewQuery()
	}
	reqURL, n := q.URL(signals)
	if n == 0 {
		return nil, ErrNoSignals
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("reading body: %w", err)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &TransportError{Err: errors.New("empty body")}
	}

	records, err := decodeResponse(body)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	c.logger.Debug("sfs query complete", "signals", n,
		"username", len(records.Username), "email", len(records.Email), "ip", len(records.IP))
	return records, nil
}

type wireResponse struct {
	Success  *flexBool    `json:"success"`
	Error    string       `json:"error"`
	Username []wireRecord `json:"username"`
	Email    []wireRecord `json:"email"`
	IP       []wireRecord `json:"ip"`
}

// wireRecord mirrors the service's record shape, which mixes 0/1 integers,
// booleans and numeric strings depending on the field and API version.
type wireRecord struct {
	Value      string     `json:"value"`
	Appears    flexBool   `json:"appears"`
	Frequency  flexNumber `json:"frequency"`
	Confidence flexNumber `json:"confidence"`
	LastSeen   string     `json:"lastseen"`
	ASN        flexNumber `json:"asn"`
	Country    string     `json:"country"`
	Normalized string     `json:"normalized"`
	TorExit    flexBool   `json:"torexit"`
}

func decodeResponse(body []byte) (*model.Records, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	if wr.Success == nil {
		return nil, errors.New("missing success flag")
	}
	if !*wr.Success {
		if wr.Error != "" {
			return nil, fmt.Errorf("service error: %s", wr.Error)
		}
		return nil, errors.New("service reported failure")
	}
	return &model.Records{
		Username: convertRecords(wr.Username),
		Email:    convertRecords(wr.Email),
		IP:       convertRecords(wr.IP),
	}, nil
}

func convertRecords(in []wireRecord) []model.Record {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Record, len(in))
	for i, r := range in {
		out[i] = model.Record{
			Value:      r.Value,
			Appears:    bool(r.Appears),
			Frequency:  int(r.Frequency),
			Confidence: float64(r.Confidence),
			LastSeen:   r.LastSeen,
			ASN:        int(r.ASN),
			Country:    r.Country,
			Normalized: r.Normalized,
			TorExit:    bool(r.TorExit),
		}
	}
	return out
}

type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch s := string(bytes.Trim(data, `"`)); s {
	case "true", "1", "yes":
		*b = true
	case "false", "0", "no", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

type flexNumber float64

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*n = flexNumber(f)
	return nil
}
