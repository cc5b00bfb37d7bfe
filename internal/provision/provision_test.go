package provision

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/caddy"
	"github.com/siteflow/siteflow/internal/health"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/store"
	"github.com/siteflow/siteflow/internal/testutil"
)

type fakeDNS struct {
	records map[string]bool
	failAdd bool
}

func (f *fakeDNS) AddSiteRecord(ctx context.Context, site string) error {
	if f.failAdd {
		return errors.New("cloudflare: api error")
	}
	f.records[site] = true
	return nil
}

func (f *fakeDNS) RemoveSiteRecord(ctx context.Context, site string) error {
	if !f.records[site] {
		return apperr.New(apperr.KindNotFound, "no dns record for %s", site)
	}
	delete(f.records, site)
	return nil
}

func (f *fakeDNS) Hostname(site string) string { return site + ".example.com" }

type fakeTunnel struct {
	hostnames map[string]bool
	failAdd   bool
}

func (f *fakeTunnel) AddHostname(ctx context.Context, hostname, service string) error {
	if f.failAdd {
		return errors.New("cloudflare: tunnel api error")
	}
	f.hostnames[hostname] = true
	return nil
}

func (f *fakeTunnel) RemoveHostname(ctx context.Context, hostname string) error {
	if !f.hostnames[hostname] {
		return apperr.New(apperr.KindNotFound, "no tunnel ingress for %s", hostname)
	}
	delete(f.hostnames, hostname)
	return nil
}

type fakeMonitors struct {
	monitors map[string]int
	nextID   int
	failAdd  bool
}

func (f *fakeMonitors) CreateMonitor(ctx context.Context, name, url string) error {
	if f.failAdd {
		return errors.New("kuma: rejected")
	}
	f.nextID++
	f.monitors[name] = f.nextID
	return nil
}

func (f *fakeMonitors) DeleteMonitor(ctx context.Context, id int) error {
	for name, mid := range f.monitors {
		if mid == id {
			delete(f.monitors, name)
			return nil
		}
	}
	return apperr.New(apperr.KindNotFound, "no monitor %d", id)
}

func (f *fakeMonitors) FindMonitor(name string) (health.Monitor, bool) {
	id, ok := f.monitors[name]
	return health.Monitor{ID: id, Name: name}, ok
}

type provEnv struct {
	runner   *testutil.FakeRunner
	audit    *audit.Service
	dns      *fakeDNS
	tunnel   *fakeTunnel
	monitors *fakeMonitors
	prov     *Provisioner
}

func newProvEnv(t *testing.T) *provEnv {
	t.Helper()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "prov.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	runner := testutil.NewFakeRunner()
	runner.SetFile("/opt/gateway/Caddyfile", []byte("old.example.com {\n\treverse_proxy old-web:80\n}\n"))
	// New site directories do not exist yet; freshly started stacks report
	// a running container on the first poll.
	runner.Script(testutil.Response{Match: "test -e", ExitCode: 1})
	runner.Script(testutil.Response{Match: "docker ps --filter", Stdout: "Up 1 second\n"})

	env := &provEnv{
		runner:   runner,
		audit:    audit.NewService(store.NewAuditRepo(db), 10000),
		dns:      &fakeDNS{records: map[string]bool{}},
		tunnel:   &fakeTunnel{hostnames: map[string]bool{}},
		monitors: &fakeMonitors{monitors: map[string]int{}},
	}
	editor := caddy.NewEditor(runner, "/opt/gateway/Caddyfile", "caddy")
	env.prov = New(runner, editor, env.dns, env.tunnel, env.monitors, env.audit,
		Config{SitesRoot: "/opt/sites", GatewayService: "http://caddy:80"})
	return env
}

func (env *provEnv) lastAudit(t *testing.T, site string) model.AuditEntry {
	t.Helper()
	rows, _, err := env.audit.Query(store.AuditFilter{TargetName: site})
	if err != nil || len(rows) == 0 {
		t.Fatalf("audit query: %v rows=%d", err, len(rows))
	}
	return rows[0]
}

func TestProvisionStatic(t *testing.T) {
	env := newProvEnv(t)

	res, err := env.prov.Provision(context.Background(), Request{Name: "blog", Type: TypeStatic})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if res.Domain != "blog.example.com" || res.Port != 80 {
		t.Errorf("result = %+v", res)
	}

	compose := string(env.runner.Files["/opt/sites/blog/docker-compose.yml"])
	if !strings.Contains(compose, "container_name: blog-web") || !strings.Contains(compose, "nginx:alpine") {
		t.Errorf("compose = %q", compose)
	}
	if landing := string(env.runner.Files["/opt/sites/blog/public/index.html"]); !strings.Contains(landing, "blog.example.com") {
		t.Errorf("landing page = %q", landing)
	}
	if got := string(env.runner.Files["/opt/sites/blog/.env"]); got != "DOMAIN=blog.example.com\n" {
		t.Errorf(".env = %q", got)
	}

	if !strings.Contains(string(env.runner.Files["/opt/gateway/Caddyfile"]), "blog.example.com") {
		t.Error("route not added")
	}
	if !env.dns.records["blog"] || !env.tunnel.hostnames["blog.example.com"] {
		t.Errorf("externals: dns=%v tunnel=%v", env.dns.records, env.tunnel.hostnames)
	}
	if _, ok := env.monitors.monitors["blog"]; !ok {
		t.Error("monitor not created")
	}
	if !env.runner.Ran("cd /opt/sites/blog && docker compose up -d") {
		t.Errorf("commands = %v", env.runner.CommandLog())
	}

	if entry := env.lastAudit(t, "blog"); entry.ActionType != "site_provision" || entry.Status != model.AuditSuccess {
		t.Errorf("audit = %+v", entry)
	}
}

func TestProvisionRollbackLeavesNoOrphans(t *testing.T) {
	env := newProvEnv(t)
	env.monitors.failAdd = true

	_, err := env.prov.Provision(context.Background(), Request{Name: "shop", Type: TypeNode})
	if err == nil {
		t.Fatal("expected failure")
	}

	// Every step before the monitor must be unwound.
	if !env.runner.Ran("rm -rf /opt/sites/shop") {
		t.Errorf("directory not removed: %v", env.runner.CommandLog())
	}
	if strings.Contains(string(env.runner.Files["/opt/gateway/Caddyfile"]), "shop.example.com") {
		t.Error("route orphaned")
	}
	if len(env.dns.records) != 0 {
		t.Errorf("dns orphaned: %v", env.dns.records)
	}
	if len(env.tunnel.hostnames) != 0 {
		t.Errorf("tunnel orphaned: %v", env.tunnel.hostnames)
	}

	entry := env.lastAudit(t, "shop")
	if entry.Status != model.AuditFailure {
		t.Errorf("audit = %+v", entry)
	}
	// The audit record names every compensation that ran, newest-first.
	if !strings.Contains(entry.Output, "rolled back: remove tunnel ingress, remove dns record, remove route, remove directory") {
		t.Errorf("audit output = %q", entry.Output)
	}
}

func TestProvisionRollsBackWhenContainersNeverUp(t *testing.T) {
	env := newProvEnv(t)
	// Compose up succeeds but no container ever reports Up.
	env.runner.Responses = nil
	env.runner.Script(testutil.Response{Match: "test -e", ExitCode: 1})
	editor := caddy.NewEditor(env.runner, "/opt/gateway/Caddyfile", "caddy")
	env.prov = New(env.runner, editor, env.dns, env.tunnel, env.monitors, env.audit,
		Config{SitesRoot: "/opt/sites", UpWaitTimeout: 40 * time.Millisecond, UpWaitInterval: 10 * time.Millisecond})

	_, err := env.prov.Provision(context.Background(), Request{Name: "shop", Type: TypeStatic})
	if !apperr.IsKind(err, apperr.KindTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}

	if !env.runner.Ran("cd /opt/sites/shop && docker compose down") {
		t.Errorf("stack not stopped: %v", env.runner.CommandLog())
	}
	if !env.runner.Ran("rm -rf /opt/sites/shop") {
		t.Error("directory not removed")
	}
	if len(env.dns.records) != 0 || len(env.tunnel.hostnames) != 0 || len(env.monitors.monitors) != 0 {
		t.Errorf("externals left: dns=%v tunnel=%v monitors=%v", env.dns.records, env.tunnel.hostnames, env.monitors.monitors)
	}
	if entry := env.lastAudit(t, "shop"); !strings.Contains(entry.Output, "compose down") {
		t.Errorf("audit output = %q", entry.Output)
	}
}

func TestProvisionRollbackAtEarlierStep(t *testing.T) {
	env := newProvEnv(t)
	env.dns.failAdd = true

	_, err := env.prov.Provision(context.Background(), Request{Name: "shop", Type: TypeStatic})
	if err == nil {
		t.Fatal("expected failure")
	}
	if !env.runner.Ran("rm -rf /opt/sites/shop") {
		t.Error("directory not removed")
	}
	if strings.Contains(string(env.runner.Files["/opt/gateway/Caddyfile"]), "shop.example.com") {
		t.Error("route orphaned")
	}
	// Steps after the failure never ran.
	if len(env.tunnel.hostnames) != 0 || len(env.monitors.monitors) != 0 {
		t.Errorf("later steps ran: tunnel=%v monitors=%v", env.tunnel.hostnames, env.monitors.monitors)
	}
}

func TestProvisionConflictWhenDirExists(t *testing.T) {
	env := newProvEnv(t)
	env.runner.Responses = nil // default: every command exits 0, so test -e finds the dir

	_, err := env.prov.Provision(context.Background(), Request{Name: "blog", Type: TypeStatic})
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestProvisionValidation(t *testing.T) {
	env := newProvEnv(t)

	if _, err := env.prov.Provision(context.Background(), Request{Name: "Bad_Name", Type: TypeStatic}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("name err = %v", err)
	}
	if _, err := env.prov.Provision(context.Background(), Request{Name: "blog", Type: "cobol"}); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("type err = %v", err)
	}
}

func TestDeprovisionTolerantOfMissingExternals(t *testing.T) {
	env := newProvEnv(t)

	// Nothing exists anywhere; deprovision still succeeds.
	err := env.prov.Deprovision(context.Background(), DeprovisionRequest{
		Name: "ghost", Domain: "ghost.example.com", RemoveFiles: true,
	})
	if err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if !env.runner.Ran("rm -rf /opt/sites/ghost") {
		t.Errorf("commands = %v", env.runner.CommandLog())
	}
	if entry := env.lastAudit(t, "ghost"); entry.ActionType != "site_deprovision" || entry.Status != model.AuditSuccess {
		t.Errorf("audit = %+v", entry)
	}
}

func TestDeprovisionRemovesEverything(t *testing.T) {
	env := newProvEnv(t)
	if _, err := env.prov.Provision(context.Background(), Request{Name: "blog", Type: TypeStatic}); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	err := env.prov.Deprovision(context.Background(), DeprovisionRequest{
		Name: "blog", Domain: "blog.example.com", RemoveVolumes: true, RemoveFiles: true,
	})
	if err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if !env.runner.Ran("docker compose down -v") {
		t.Errorf("volumes kept: %v", env.runner.CommandLog())
	}
	if !env.runner.Ran("rm -rf /opt/sites/blog") {
		t.Error("files kept")
	}
	if strings.Contains(string(env.runner.Files["/opt/gateway/Caddyfile"]), "blog.example.com") {
		t.Error("route left behind")
	}
	if len(env.dns.records) != 0 || len(env.tunnel.hostnames) != 0 || len(env.monitors.monitors) != 0 {
		t.Errorf("externals left: dns=%v tunnel=%v monitors=%v", env.dns.records, env.tunnel.hostnames, env.monitors.monitors)
	}
}

func TestDeprovisionKeepsVolumesAndFilesByDefault(t *testing.T) {
	env := newProvEnv(t)
	if _, err := env.prov.Provision(context.Background(), Request{Name: "blog", Type: TypeStatic}); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	err := env.prov.Deprovision(context.Background(), DeprovisionRequest{
		Name: "blog", Domain: "blog.example.com",
	})
	if err != nil {
		t.Fatalf("Deprovision: %v", err)
	}
	if env.runner.Ran("docker compose down -v") {
		t.Errorf("volumes removed without remove_volumes: %v", env.runner.CommandLog())
	}
	if env.runner.Ran("rm -rf /opt/sites/blog") {
		t.Error("files removed without remove_files")
	}
}
