package cloudflare

import (
	"context"
	"fmt"
	"net/http"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/netutil"
)

// DefaultAPIBase is the Cloudflare v4 API root.
const DefaultAPIBase = "https://api.cloudflare.com/client/v4"

// IngressRule is one hostname route in the tunnel configuration. The final
// rule has no hostname and acts as the catch-all.
type IngressRule struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
	Path     string `json:"path,omitempty"`
}

type tunnelConfig struct {
	Ingress []IngressRule `json:"ingress"`
}

type configEnvelope struct {
	Config tunnelConfig `json:"config"`
}

type configResponse struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result configEnvelope `json:"result"`
}

// TunnelClient edits the ingress table of a remotely-managed tunnel.
type TunnelClient struct {
	api       *netutil.JSONClient
	accountID string
	tunnelID  string
}

// NewTunnelClient creates a client for one tunnel.
func NewTunnelClient(apiToken, accountID, tunnelID string) *TunnelClient {
	return &TunnelClient{
		api:       netutil.NewJSONClient(DefaultAPIBase, apiToken),
		accountID: accountID,
		tunnelID:  tunnelID,
	}
}

// NewTunnelClientWithAPI is NewTunnelClient against a custom API endpoint.
func NewTunnelClientWithAPI(api *netutil.JSONClient, accountID, tunnelID string) *TunnelClient {
	return &TunnelClient{api: api, accountID: accountID, tunnelID: tunnelID}
}

func (t *TunnelClient) configPath() string {
	return fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/configurations", t.accountID, t.tunnelID)
}

// Ingress fetches the current ingress rules, catch-all included.
func (t *TunnelClient) Ingress(ctx context.Context) ([]IngressRule, error) {
	var resp configResponse
	if err := t.api.Do(ctx, http.MethodGet, t.configPath(), nil, &resp); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, err, "cloudflare: read tunnel config")
	}
	if !resp.Success {
		return nil, apperr.New(apperr.KindCommandFailed, "cloudflare: read tunnel config: %s", apiErrors(resp))
	}
	return resp.Result.Config.Ingress, nil
}

func (t *TunnelClient) putIngress(ctx context.Context, rules []IngressRule) error {
	var resp configResponse
	body := configEnvelope{Config: tunnelConfig{Ingress: rules}}
	if err := t.api.Do(ctx, http.MethodPut, t.configPath(), body, &resp); err != nil {
		return apperr.Wrap(apperr.KindTransport, err, "cloudflare: write tunnel config")
	}
	if !resp.Success {
		return apperr.New(apperr.KindCommandFailed, "cloudflare: write tunnel config: %s", apiErrors(resp))
	}
	return nil
}

// AddHostname routes hostname to service through the tunnel. The rule is
// inserted before the catch-all.
func (t *TunnelClient) AddHostname(ctx context.Context, hostname, service string) error {
	rules, err := t.Ingress(ctx)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		if rule.Hostname == hostname {
			return apperr.New(apperr.KindConflict, "tunnel ingress for %s already exists", hostname)
		}
	}

	next := make([]IngressRule, 0, len(rules)+1)
	inserted := false
	for _, rule := range rules {
		if rule.Hostname == "" && !inserted {
			next = append(next, IngressRule{Hostname: hostname, Service: service})
			inserted = true
		}
		next = append(next, rule)
	}
	if !inserted {
		// No catch-all on a fresh tunnel; append one that 404s.
		next = append(next,
			IngressRule{Hostname: hostname, Service: service},
			IngressRule{Service: "http_status:404"})
	}
	return t.putIngress(ctx, next)
}

// RemoveHostname deletes the ingress rule for hostname.
func (t *TunnelClient) RemoveHostname(ctx context.Context, hostname string) error {
	rules, err := t.Ingress(ctx)
	if err != nil {
		return err
	}
	next := make([]IngressRule, 0, len(rules))
	found := false
	for _, rule := range rules {
		if rule.Hostname == hostname {
			found = true
			continue
		}
		next = append(next, rule)
	}
	if !found {
		return apperr.New(apperr.KindNotFound, "no tunnel ingress for %s", hostname)
	}
	return t.putIngress(ctx, next)
}

// HasHostname reports whether an ingress rule exists for hostname.
func (t *TunnelClient) HasHostname(ctx context.Context, hostname string) (bool, error) {
	rules, err := t.Ingress(ctx)
	if err != nil {
		return false, err
	}
	for _, rule := range rules {
		if rule.Hostname == hostname {
			return true, nil
		}
	}
	return false, nil
}

func apiErrors(resp configResponse) string {
	if len(resp.Errors) == 0 {
		return "unknown error"
	}
	msg := ""
	for i, e := range resp.Errors {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%d %s", e.Code, e.Message)
	}
	return msg
}
