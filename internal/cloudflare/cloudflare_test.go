package cloudflare

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/libdns/libdns"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/netutil"
)

type fakeStore struct {
	records []libdns.Record
	err     error
}

func (f *fakeStore) GetRecords(ctx context.Context, zone string) ([]libdns.Record, error) {
	return f.records, f.err
}

func (f *fakeStore) AppendRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.records = append(f.records, recs...)
	return recs, nil
}

func (f *fakeStore) DeleteRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	var kept []libdns.Record
	for _, have := range f.records {
		remove := false
		for _, rec := range recs {
			if have.RR() == rec.RR() {
				remove = true
			}
		}
		if !remove {
			kept = append(kept, have)
		}
	}
	f.records = kept
	return recs, nil
}

func TestAddSiteRecord(t *testing.T) {
	store := &fakeStore{}
	m := NewDNSManagerWithStore(store, "example.com", "tunnel-uuid")

	if err := m.AddSiteRecord(context.Background(), "blog"); err != nil {
		t.Fatalf("AddSiteRecord: %v", err)
	}
	if len(store.records) != 1 {
		t.Fatalf("records = %d", len(store.records))
	}
	rr := store.records[0].RR()
	if rr.Type != "CNAME" || rr.Name != "blog" {
		t.Errorf("record = %+v", rr)
	}
	if rr.Data != "tunnel-uuid.cfargotunnel.com." {
		t.Errorf("target = %q", rr.Data)
	}

	err := m.AddSiteRecord(context.Background(), "blog")
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Errorf("duplicate add err = %v, want conflict", err)
	}
}

func TestRemoveSiteRecord(t *testing.T) {
	store := &fakeStore{}
	m := NewDNSManagerWithStore(store, "example.com", "tunnel-uuid")

	err := m.RemoveSiteRecord(context.Background(), "ghost")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("remove missing err = %v, want not found", err)
	}

	m.AddSiteRecord(context.Background(), "blog")
	if err := m.RemoveSiteRecord(context.Background(), "blog"); err != nil {
		t.Fatalf("RemoveSiteRecord: %v", err)
	}
	if len(store.records) != 0 {
		t.Errorf("records left = %d", len(store.records))
	}
}

func TestSiteFromHostname(t *testing.T) {
	m := NewDNSManagerWithStore(&fakeStore{}, "example.com", "t")
	if got := m.SiteFromHostname("blog.example.com"); got != "blog" {
		t.Errorf("got %q", got)
	}
	if got := m.SiteFromHostname("other.domain.net"); got != "" {
		t.Errorf("got %q, want empty for foreign hostname", got)
	}
	if got := m.Hostname("shop"); got != "shop.example.com" {
		t.Errorf("hostname = %q", got)
	}
}

// tunnelFixture serves a mutable tunnel configuration the way the
// Cloudflare API does.
type tunnelFixture struct {
	rules []IngressRule
}

func (f *tunnelFixture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"result":  map[string]any{"config": map[string]any{"ingress": f.rules}},
			})
		case http.MethodPut:
			var body configEnvelope
			json.NewDecoder(r.Body).Decode(&body)
			f.rules = body.Config.Ingress
			json.NewEncoder(w).Encode(map[string]any{"success": true})
		}
	})
}

func newTestTunnel(t *testing.T, f *tunnelFixture) *TunnelClient {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewTunnelClientWithAPI(netutil.NewJSONClient(srv.URL, "token"), "acct", "tun")
}

func TestAddHostnameInsertsBeforeCatchAll(t *testing.T) {
	f := &tunnelFixture{rules: []IngressRule{
		{Hostname: "blog.example.com", Service: "http://caddy:80"},
		{Service: "http_status:404"},
	}}
	tc := newTestTunnel(t, f)

	if err := tc.AddHostname(context.Background(), "shop.example.com", "http://caddy:80"); err != nil {
		t.Fatalf("AddHostname: %v", err)
	}
	if len(f.rules) != 3 {
		t.Fatalf("rules = %+v", f.rules)
	}
	if f.rules[1].Hostname != "shop.example.com" {
		t.Errorf("inserted at wrong position: %+v", f.rules)
	}
	if f.rules[2].Hostname != "" {
		t.Errorf("catch-all no longer last: %+v", f.rules)
	}

	err := tc.AddHostname(context.Background(), "blog.example.com", "http://caddy:80")
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Errorf("duplicate err = %v, want conflict", err)
	}
}

func TestAddHostnameCreatesCatchAll(t *testing.T) {
	f := &tunnelFixture{}
	tc := newTestTunnel(t, f)

	if err := tc.AddHostname(context.Background(), "blog.example.com", "http://caddy:80"); err != nil {
		t.Fatalf("AddHostname: %v", err)
	}
	if len(f.rules) != 2 || f.rules[1].Service != "http_status:404" {
		t.Errorf("rules = %+v", f.rules)
	}
}

func TestRemoveHostname(t *testing.T) {
	f := &tunnelFixture{rules: []IngressRule{
		{Hostname: "blog.example.com", Service: "http://caddy:80"},
		{Service: "http_status:404"},
	}}
	tc := newTestTunnel(t, f)

	err := tc.RemoveHostname(context.Background(), "ghost.example.com")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("remove missing err = %v, want not found", err)
	}

	if err := tc.RemoveHostname(context.Background(), "blog.example.com"); err != nil {
		t.Fatalf("RemoveHostname: %v", err)
	}
	if len(f.rules) != 1 || f.rules[0].Service != "http_status:404" {
		t.Errorf("rules = %+v", f.rules)
	}

	ok, err := tc.HasHostname(context.Background(), "blog.example.com")
	if err != nil || ok {
		t.Errorf("HasHostname = %v %v", ok, err)
	}
}
