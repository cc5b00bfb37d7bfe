// Package cloudflare manages the DNS records and tunnel ingress rules that
// expose sites to the outside world.
package cloudflare

import (
	"context"
	"strings"
	"time"

	cf "github.com/libdns/cloudflare"
	"github.com/libdns/libdns"

	"github.com/siteflow/siteflow/internal/apperr"
)

// tunnelCNAMESuffix is the CNAME target domain for Cloudflare tunnels.
const tunnelCNAMESuffix = ".cfargotunnel.com"

const recordTTL = 5 * time.Minute

// RecordStore is the libdns surface the DNS manager needs. Satisfied by
// *cloudflare.Provider.
type RecordStore interface {
	GetRecords(ctx context.Context, zone string) ([]libdns.Record, error)
	AppendRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error)
	DeleteRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error)
}

// DNSManager points site subdomains at the tunnel via CNAME records.
type DNSManager struct {
	store      RecordStore
	baseDomain string
	tunnelID   string
}

// NewDNSManager creates a manager for subdomains of baseDomain.
func NewDNSManager(apiToken, baseDomain, tunnelID string) *DNSManager {
	return &DNSManager{
		store:      &cf.Provider{APIToken: apiToken},
		baseDomain: baseDomain,
		tunnelID:   tunnelID,
	}
}

// NewDNSManagerWithStore is NewDNSManager with an injected record store.
func NewDNSManagerWithStore(store RecordStore, baseDomain, tunnelID string) *DNSManager {
	return &DNSManager{store: store, baseDomain: baseDomain, tunnelID: tunnelID}
}

// Hostname returns the FQDN a site is served on.
func (m *DNSManager) Hostname(site string) string {
	return site + "." + m.baseDomain
}

// zone is the libdns zone name, FQDN form with a trailing dot.
func (m *DNSManager) zone() string {
	return m.baseDomain + "."
}

// target is the tunnel CNAME target for this account's tunnel.
func (m *DNSManager) target() string {
	return m.tunnelID + tunnelCNAMESuffix
}

// find returns the existing CNAME for site, if any.
func (m *DNSManager) find(ctx context.Context, site string) (libdns.Record, bool, error) {
	recs, err := m.store.GetRecords(ctx, m.zone())
	if err != nil {
		return nil, false, apperr.Wrap(apperr.KindTransport, err, "cloudflare: list records for %s", m.baseDomain)
	}
	for _, rec := range recs {
		rr := rec.RR()
		if rr.Type == "CNAME" && rr.Name == site {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

// AddSiteRecord creates the CNAME pointing site at the tunnel.
func (m *DNSManager) AddSiteRecord(ctx context.Context, site string) error {
	_, exists, err := m.find(ctx, site)
	if err != nil {
		return err
	}
	if exists {
		return apperr.New(apperr.KindConflict, "dns record for %s already exists", m.Hostname(site))
	}

	_, err = m.store.AppendRecords(ctx, m.zone(), []libdns.Record{
		libdns.CNAME{Name: site, TTL: recordTTL, Target: m.target() + "."},
	})
	if err != nil {
		return apperr.Wrap(apperr.KindTransport, err, "cloudflare: create record for %s", m.Hostname(site))
	}
	return nil
}

// RemoveSiteRecord deletes the site's CNAME.
func (m *DNSManager) RemoveSiteRecord(ctx context.Context, site string) error {
	rec, exists, err := m.find(ctx, site)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.New(apperr.KindNotFound, "no dns record for %s", m.Hostname(site))
	}
	if _, err := m.store.DeleteRecords(ctx, m.zone(), []libdns.Record{rec}); err != nil {
		return apperr.Wrap(apperr.KindTransport, err, "cloudflare: delete record for %s", m.Hostname(site))
	}
	return nil
}

// HasRecord reports whether a CNAME exists for site.
func (m *DNSManager) HasRecord(ctx context.Context, site string) (bool, error) {
	_, exists, err := m.find(ctx, site)
	return exists, err
}

// SiteFromHostname extracts the subdomain from a hostname under the base
// domain, or "" when the hostname is outside it.
func (m *DNSManager) SiteFromHostname(hostname string) string {
	suffix := "." + m.baseDomain
	if !strings.HasSuffix(hostname, suffix) {
		return ""
	}
	return strings.TrimSuffix(hostname, suffix)
}
