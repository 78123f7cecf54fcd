// Package sfs talks to the StopForumSpam reputation service.
package sfs

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/endharassment/spamgate/internal/config"
	"github.com/endharassment/spamgate/internal/model"
)

// Query builds request URLs for one pass through the gate. The base URL
// (endpoint plus policy flags) depends only on settings, so it is computed
// once and reused for every batch of signals sent with the same Query.
type Query struct {
	settings config.Settings
	endpoint string
	base     string
}

// NewQuery returns a Query for the given settings. An empty endpoint selects
// the host for the configured region.
func NewQuery(settings config.Settings, endpoint string) *Query {
	return &Query{settings: settings, endpoint: endpoint}
}

// BaseURL returns the endpoint with the JSON format and policy flags applied.
func (q *Query) BaseURL() string {
	if q.base != "" {
		return q.base
	}

	endpoint := q.endpoint
	if endpoint == "" {
		host, _ := q.settings.Region.Host()
		endpoint = "https://" + host
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(endpoint, "/"))
	b.WriteString("/api?json")

	w := q.settings.Wildcards
	if w.Username && w.Email && w.IP {
		b.WriteString("&nobadall")
	} else {
		if w.Username {
			b.WriteString("&nobadusername")
		}
		if w.Email {
			b.WriteString("&nobademail")
		}
		if w.IP {
			b.WriteString("&nobadip")
		}
	}

	switch q.settings.Tor {
	case config.TorIgnore:
		b.WriteString("&notorexit")
	case config.TorBadOnly:
		b.WriteString("&badtorexit")
	}

	if q.settings.ExpireDays > 0 {
		b.WriteString("&expire=")
		b.WriteString(strconv.Itoa(q.settings.ExpireDays))
	}

	q.base = b.String()
	return q.base
}

// URL appends one kind[]=value parameter per usable signal and returns the
// full request URL along with the number of signals appended. Signals with an
// empty value or a disabled kind are skipped.
func (q *Query) URL(signals []model.Signal) (string, int) {
	var b strings.Builder
	b.WriteString(q.BaseURL())

	n := 0
	for _, sig := range signals {
		if !q.settings.KindEnabled(sig.Kind) {
			continue
		}
		value := sig.Value
		if sig.Kind == model.KindUsername || sig.Kind == model.KindEmail {
			value = toUTF8(q.settings.Charset, value)
		}
		if strings.TrimSpace(value) == "" {
			continue
		}
		b.WriteString("&")
		b.WriteString(sig.Kind.String())
		b.WriteString("[]=")
		b.WriteString(url.QueryEscape(value))
		n++
	}
	return b.String(), n
}
