package profile

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/ammario/ipisp/v2"
	"github.com/openrdap/rdap"
)

// ASNClient abstracts IP-to-ASN lookups for testing.
type ASNClient interface {
	LookupIP(ctx context.Context, ip net.IP) (*ipisp.Response, error)
}

type cymruClient struct{}

func (cymruClient) LookupIP(ctx context.Context, ip net.IP) (*ipisp.Response, error) {
	return ipisp.LookupIP(ctx, ip)
}

// NewASNClient returns an ASNClient backed by Team Cymru DNS.
func NewASNClient() ASNClient { return cymruClient{} }

// RDAPClient abstracts RDAP network lookups for testing.
type RDAPClient interface {
	LookupIP(ctx context.Context, ip string) (*rdap.IPNetwork, error)
}

type bootstrapRDAPClient struct {
	client *rdap.Client
}

func (c bootstrapRDAPClient) LookupIP(ctx context.Context, ip string) (*rdap.IPNetwork, error) {
	req := &rdap.Request{Type: rdap.IPRequest, Query: ip}
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	network, ok := resp.Object.(*rdap.IPNetwork)
	if !ok {
		return nil, fmt.Errorf("rdap: unexpected response type for %s", ip)
	}
	return network, nil
}

// NewRDAPClient returns an RDAPClient using the IANA bootstrap registry.
func NewRDAPClient() RDAPClient {
	return bootstrapRDAPClient{client: &rdap.Client{}}
}

// Network describes who operates a flagged IP and where to report abuse.
type Network struct {
	IP           string `json:"ip"`
	ASN          int    `json:"asn,omitempty"`
	ASNName      string `json:"asn_name,omitempty"`
	Prefix       string `json:"prefix,omitempty"`
	Country      string `json:"country,omitempty"`
	AbuseContact string `json:"abuse_contact,omitempty"`
}

func lookupASN(ctx context.Context, client ASNClient, ip net.IP, n *Network) error {
	resp, err := client.LookupIP(ctx, ip)
	if err != nil {
		return fmt.Errorf("asn lookup for %s: %w", ip, err)
	}
	n.ASN = int(resp.ASN)
	n.ASNName = resp.ISPName
	n.Country = resp.Country
	if resp.Range != nil {
		n.Prefix = resp.Range.String()
	}
	return nil
}

func lookupAbuse(ctx context.Context, client RDAPClient, ip string, n *Network) error {
	network, err := client.LookupIP(ctx, ip)
	if err != nil {
		return fmt.Errorf("rdap lookup for %s: %w", ip, err)
	}
	n.AbuseContact = abuseEmail(network.Entities)
	if n.Country == "" {
		n.Country = network.Country
	}
	return nil
}

// abuseEmail walks the entity tree for the first abuse role with an email.
func abuseEmail(entities []rdap.Entity) string {
	for _, entity := range entities {
		for _, role := range entity.Roles {
			if strings.EqualFold(role, "abuse") && entity.VCard != nil {
				if email := entity.VCard.Email(); email != "" {
					return email
				}
			}
		}
		if email := abuseEmail(entity.Entities); email != "" {
			return email
		}
	}
	return ""
}
