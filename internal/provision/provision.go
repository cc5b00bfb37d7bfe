// Package provision creates and retires complete sites: directory, compose
// stack, gateway route, DNS, tunnel ingress, and health monitor.
package provision

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/caddy"
	"github.com/siteflow/siteflow/internal/health"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
)

// DNS manages the site's subdomain record.
type DNS interface {
	AddSiteRecord(ctx context.Context, site string) error
	RemoveSiteRecord(ctx context.Context, site string) error
	Hostname(site string) string
}

// Tunnel manages the site's ingress rule.
type Tunnel interface {
	AddHostname(ctx context.Context, hostname, service string) error
	RemoveHostname(ctx context.Context, hostname string) error
}

// Monitors manages the site's uptime check. Nil-able; sites provision fine
// without health monitoring.
type Monitors interface {
	CreateMonitor(ctx context.Context, name, url string) error
	DeleteMonitor(ctx context.Context, id int) error
	FindMonitor(name string) (health.Monitor, bool)
}

// Invalidator mirrors action.Invalidator for cache busting after changes.
type Invalidator interface {
	Invalidate()
}

// Config holds the remote layout and gateway addressing.
type Config struct {
	SitesRoot string
	// GatewayService is the tunnel's origin service, normally the caddy
	// container address.
	GatewayService string
	// UpWaitTimeout bounds how long a freshly provisioned stack may take
	// to report a running container before the site is rolled back.
	// UpWaitInterval is the poll spacing.
	UpWaitTimeout  time.Duration
	UpWaitInterval time.Duration
}

// Provisioner orchestrates multi-system site creation with rollback.
type Provisioner struct {
	runner   remote.Runner
	caddy    *caddy.Editor
	dns      DNS
	tunnel   Tunnel
	monitors Monitors
	audit    *audit.Service
	caches   []Invalidator
	cfg      Config
}

// New creates a provisioner. dns, tunnel, and monitors may be nil when the
// corresponding integration is not configured.
func New(runner remote.Runner, editor *caddy.Editor, dns DNS, tunnel Tunnel, monitors Monitors, auditSvc *audit.Service, cfg Config, caches ...Invalidator) *Provisioner {
	if cfg.GatewayService == "" {
		cfg.GatewayService = "http://caddy:80"
	}
	if cfg.UpWaitTimeout <= 0 {
		cfg.UpWaitTimeout = 60 * time.Second
	}
	if cfg.UpWaitInterval <= 0 {
		cfg.UpWaitInterval = 2 * time.Second
	}
	return &Provisioner{
		runner:   runner,
		caddy:    editor,
		dns:      dns,
		tunnel:   tunnel,
		monitors: monitors,
		audit:    auditSvc,
		caches:   caches,
		cfg:      cfg,
	}
}

// Request describes a site to create.
type Request struct {
	Name string `json:"name"`
	Type string `json:"type"`
	// Domain overrides the default <name>.<base-domain> hostname. Optional.
	Domain string `json:"domain,omitempty"`
}

// Result reports what was created.
type Result struct {
	Site   string `json:"site"`
	Type   string `json:"type"`
	Domain string `json:"domain"`
	Port   int    `json:"port"`
}

// compensation is one undo step for the rollback stack.
type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// unwind runs compensations newest-first and returns the names of the
// steps it executed. Failures are logged, not propagated; each individual
// step is idempotent.
func unwind(ctx context.Context, site string, comps []compensation) []string {
	var done []string
	for i := len(comps) - 1; i >= 0; i-- {
		c := comps[i]
		if err := c.fn(ctx); err != nil {
			log.Printf("[provision] rollback %s for %s: %v", c.name, site, err)
			continue
		}
		done = append(done, c.name)
	}
	return done
}

func (p *Provisioner) invalidate() {
	for _, c := range p.caches {
		c.Invalidate()
	}
}

func (p *Provisioner) sitePath(site string) string {
	return path.Join(p.cfg.SitesRoot, site)
}

// Provision creates a site end to end. On any step failure every prior
// step is rolled back, leaving no orphaned directory, route, record,
// ingress rule, or monitor.
func (p *Provisioner) Provision(ctx context.Context, req Request) (Result, error) {
	if err := ValidateSiteName(req.Name); err != nil {
		return Result{}, err
	}
	spec, err := SpecFor(req.Type)
	if err != nil {
		return Result{}, err
	}
	domain := req.Domain
	if domain == "" {
		if p.dns == nil {
			return Result{}, apperr.New(apperr.KindValidation, "domain is required when dns is not configured")
		}
		domain = p.dns.Hostname(req.Name)
	}

	started := time.Now()
	auditID := p.audit.Begin("site_provision", "site", req.Name, map[string]string{
		"type": req.Type, "domain": domain,
	})

	res, out, err := p.provision(ctx, req, spec, domain)
	if err != nil {
		p.audit.Finish(auditID, model.AuditFailure, out, err.Error(), started)
		return Result{}, err
	}
	p.audit.Finish(auditID, model.AuditSuccess, out, "", started)
	p.invalidate()
	return res, nil
}

func (p *Provisioner) provision(ctx context.Context, req Request, spec typeSpec, domain string) (Result, string, error) {
	dir := p.sitePath(req.Name)
	container := req.Name + "-web"
	var comps []compensation

	fail := func(step string, err error) (Result, string, error) {
		done := unwind(ctx, req.Name, comps)
		var out string
		if len(done) > 0 {
			out = "rolled back: " + strings.Join(done, ", ")
		}
		return Result{}, out, apperr.Wrap(apperr.KindOf(err), err, "provision %s: %s", req.Name, step)
	}

	// The directory check doubles as the conflict check.
	res, err := p.runner.Run(ctx, "test -e "+remote.Quote(dir))
	if err != nil {
		return Result{}, "", err
	}
	if res.ExitCode == 0 {
		return Result{}, "", apperr.New(apperr.KindConflict, "site %s already exists", req.Name)
	}

	// Site directory and initial content.
	if err := p.writeScaffold(ctx, req, dir, domain); err != nil {
		return fail("scaffold", err)
	}
	comps = append(comps, compensation{"remove directory", func(ctx context.Context) error {
		_, err := p.runner.Run(ctx, "rm -rf "+remote.Quote(dir))
		return err
	}})

	// Gateway route.
	if err := p.caddy.AddRoute(ctx, domain, container, spec.Port); err != nil {
		return fail("gateway route", err)
	}
	comps = append(comps, compensation{"remove route", func(ctx context.Context) error {
		return p.caddy.RemoveRoute(ctx, domain)
	}})

	// DNS record.
	if p.dns != nil {
		if err := p.dns.AddSiteRecord(ctx, req.Name); err != nil {
			return fail("dns record", err)
		}
		comps = append(comps, compensation{"remove dns record", func(ctx context.Context) error {
			return p.dns.RemoveSiteRecord(ctx, req.Name)
		}})
	}

	// Tunnel ingress.
	if p.tunnel != nil {
		if err := p.tunnel.AddHostname(ctx, domain, p.cfg.GatewayService); err != nil {
			return fail("tunnel ingress", err)
		}
		comps = append(comps, compensation{"remove tunnel ingress", func(ctx context.Context) error {
			return p.tunnel.RemoveHostname(ctx, domain)
		}})
	}

	// Health monitor.
	if p.monitors != nil {
		if err := p.monitors.CreateMonitor(ctx, req.Name, "https://"+domain); err != nil {
			return fail("health monitor", err)
		}
		comps = append(comps, compensation{"remove health monitor", func(ctx context.Context) error {
			mon, ok := p.monitors.FindMonitor(req.Name)
			if !ok {
				return nil
			}
			return p.monitors.DeleteMonitor(ctx, mon.ID)
		}})
	}

	// Bring the stack up last so a failure here still unwinds cleanly.
	upCtx, cancel := context.WithTimeout(ctx, remote.ComposeTimeout)
	defer cancel()
	upRes, err := p.runner.Run(upCtx, fmt.Sprintf("cd %s && docker compose up -d", remote.Quote(dir)))
	if err != nil {
		return fail("compose up", err)
	}
	if upRes.ExitCode != 0 {
		return fail("compose up", apperr.New(apperr.KindCommandFailed, "compose up exited %d: %s", upRes.ExitCode, upRes.Stderr))
	}
	comps = append(comps, compensation{"compose down", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, remote.ComposeTimeout)
		defer cancel()
		_, err := p.runner.Run(ctx, fmt.Sprintf("cd %s && docker compose down", remote.Quote(dir)))
		return err
	}})

	if err := p.waitForUp(ctx, req.Name); err != nil {
		return fail("containers not up", err)
	}

	return Result{Site: req.Name, Type: req.Type, Domain: domain, Port: spec.Port}, upRes.Combined(), nil
}

// waitForUp polls until at least one of the site's containers reports Up,
// or the configured window elapses.
func (p *Provisioner) waitForUp(ctx context.Context, site string) error {
	cmd := fmt.Sprintf("docker ps --filter label=com.docker.compose.project=%s --format '{{.Status}}'", remote.Quote(site))
	deadline := time.Now().Add(p.cfg.UpWaitTimeout)
	for {
		res, err := p.runner.Run(ctx, cmd)
		if err == nil && res.ExitCode == 0 && strings.Contains(res.Stdout, "Up") {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.New(apperr.KindTimeout, "no container for %s reported Up within %s", site, p.cfg.UpWaitTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.UpWaitInterval):
		}
	}
}

func (p *Provisioner) writeScaffold(ctx context.Context, req Request, dir, domain string) error {
	spec := typeSpecs[req.Type]
	files := map[string]string{
		path.Join(dir, "docker-compose.yml"): spec.Compose(req.Name, domain),
		path.Join(dir, ".env"):               envFile(domain),
	}
	if req.Type == TypeStatic {
		files[path.Join(dir, "public", "index.html")] = landingPage(req.Name, domain)
	}
	for name, content := range files {
		if err := p.runner.Upload(ctx, name, []byte(content)); err != nil {
			return err
		}
	}
	return nil
}

// DeprovisionRequest describes a site teardown. Volumes and files survive
// unless explicitly requested otherwise.
type DeprovisionRequest struct {
	Name          string `json:"name"`
	Domain        string `json:"domain,omitempty"`
	RemoveVolumes bool   `json:"remove_volumes,omitempty"`
	RemoveFiles   bool   `json:"remove_files,omitempty"`
}

// Deprovision tears a site down. External resources that are already gone
// are logged and skipped; a half-deleted site can be deleted again.
func (p *Provisioner) Deprovision(ctx context.Context, req DeprovisionRequest) error {
	if err := ValidateSiteName(req.Name); err != nil {
		return err
	}

	started := time.Now()
	auditID := p.audit.Begin("site_deprovision", "site", req.Name, map[string]string{
		"domain":         req.Domain,
		"remove_volumes": fmt.Sprint(req.RemoveVolumes),
		"remove_files":   fmt.Sprint(req.RemoveFiles),
	})

	err := p.deprovision(ctx, req)
	if err != nil {
		p.audit.Finish(auditID, model.AuditFailure, "", err.Error(), started)
		return err
	}
	out := fmt.Sprintf("site removed (volumes: %t, files: %t)", req.RemoveVolumes, req.RemoveFiles)
	p.audit.Finish(auditID, model.AuditSuccess, out, "", started)
	p.invalidate()
	return nil
}

func (p *Provisioner) deprovision(ctx context.Context, req DeprovisionRequest) error {
	site, domain := req.Name, req.Domain
	dir := p.sitePath(site)

	// Stop the stack first so containers do not linger after their config
	// is gone. A missing directory means the stack is already gone.
	down := "docker compose down"
	if req.RemoveVolumes {
		down += " -v"
	}
	downCtx, cancel := context.WithTimeout(ctx, remote.ComposeTimeout)
	res, err := p.runner.Run(downCtx, fmt.Sprintf("test -d %s && cd %s && %s || true", remote.Quote(dir), remote.Quote(dir), down))
	cancel()
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperr.New(apperr.KindCommandFailed, "compose down exited %d: %s", res.ExitCode, res.Stderr)
	}

	if domain != "" {
		if err := p.caddy.RemoveRoute(ctx, domain); err != nil {
			if !apperr.IsKind(err, apperr.KindNotFound) {
				return err
			}
			log.Printf("[provision] deprovision %s: route for %s already gone", site, domain)
		}
	}

	if p.dns != nil {
		if err := p.dns.RemoveSiteRecord(ctx, site); err != nil {
			if !apperr.IsKind(err, apperr.KindNotFound) {
				return err
			}
			log.Printf("[provision] deprovision %s: dns record already gone", site)
		}
	}

	if p.tunnel != nil && domain != "" {
		if err := p.tunnel.RemoveHostname(ctx, domain); err != nil {
			if !apperr.IsKind(err, apperr.KindNotFound) {
				return err
			}
			log.Printf("[provision] deprovision %s: tunnel ingress already gone", site)
		}
	}

	if p.monitors != nil {
		if mon, ok := p.monitors.FindMonitor(site); ok {
			if err := p.monitors.DeleteMonitor(ctx, mon.ID); err != nil {
				return err
			}
		} else {
			log.Printf("[provision] deprovision %s: no health monitor", site)
		}
	}

	if req.RemoveFiles {
		if _, err := p.runner.Run(ctx, "rm -rf "+remote.Quote(dir)); err != nil {
			return err
		}
	}
	return nil
}
