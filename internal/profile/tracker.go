// Package profile looks up a member's reputation for moderators.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/endharassment/spamgate/internal/model"
	"github.com/endharassment/spamgate/internal/sfs"
	"golang.org/x/sync/errgroup"
)

const enrichConcurrency = 4

// Subject identifies the member, and optionally the message, being tracked.
type Subject struct {
	MemberID  int64  `json:"member_id"`
	MessageID int64  `json:"message_id,omitempty"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	IP        string `json:"ip"`
	IP2       string `json:"ip2"`
}

func (s Subject) cacheKey() string {
	if s.MessageID != 0 {
		return fmt.Sprintf("member:%d:msg:%d", s.MemberID, s.MessageID)
	}
	return fmt.Sprintf("member:%d", s.MemberID)
}

// Profile is the reputation of a member as shown to moderators. It is never
// used for gating decisions.
type Profile struct {
	Subject   Subject        `json:"subject"`
	Records   *model.Records `json:"records"`
	Networks  []Network      `json:"networks,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Tracker queries and caches member profiles.
type Tracker struct {
	client *sfs.Client
	cache  Cache
	asn    ASNClient
	rdap   RDAPClient
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker. asn and rdap may be nil to skip enrichment.
func NewTracker(client *sfs.Client, cache Cache, asn ASNClient, rdap RDAPClient, logger *slog.Logger) *Tracker {
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheTTL)
	}
	return &Tracker{client: client, cache: cache, asn: asn, rdap: rdap, logger: logger, now: time.Now}
}

// Track returns the subject's profile, from cache when it is fresh.
func (t *Tracker) Track(ctx context.Context, s Subject) (*Profile, error) {
	key := s.cacheKey()
	if p, ok := t.cache.Get(ctx, key); ok {
		return p, nil
	}

	signals := []model.Signal{
		model.Username(s.Username),
		model.Email(s.Email),
		model.IP(s.IP),
		model.IP(s.IP2),
	}
	records, err := t.client.Send(ctx, t.client.NewQuery(), signals)
	if err != nil {
		return nil, fmt.Errorf("tracking member %d: %w", s.MemberID, err)
	}

	p := &Profile{
		Subject:   s,
		Records:   records,
		Networks:  t.enrich(ctx, records.IP),
		CheckedAt: t.now(),
	}
	t.cache.Set(ctx, key, p)
	return p, nil
}

// enrich looks up network ownership for every appearing IP. Lookup failures
// leave the corresponding fields empty.
func (t *Tracker) enrich(ctx context.Context, records []model.Record) []Network {
	if t.asn == nil && t.rdap == nil {
		return nil
	}

	var ips []net.IP
	seen := make(map[string]bool)
	for _, r := range records {
		ip := net.ParseIP(r.Value)
		if !r.Appears || ip == nil || seen[ip.String()] {
			continue
		}
		seen[ip.String()] = true
		ips = append(ips, ip)
	}
	if len(ips) == 0 {
		return nil
	}

	networks := make([]Network, len(ips))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i, ip := range ips {
		networks[i].IP = ip.String()
		g.Go(func() error {
			n := &networks[i]
			if t.asn != nil {
				if err := lookupASN(gctx, t.asn, ip, n); err != nil {
					t.logger.Debug("asn enrichment failed", "ip", n.IP, "error", err)
				}
			}
			if t.rdap != nil {
				if err := lookupAbuse(gctx, t.rdap, n.IP, n); err != nil {
					t.logger.Debug("rdap enrichment failed", "ip", n.IP, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return networks
}
