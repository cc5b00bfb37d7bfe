package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/siteflow/siteflow/internal/action"
	"github.com/siteflow/siteflow/internal/api"
	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/backup"
	"github.com/siteflow/siteflow/internal/caddy"
	"github.com/siteflow/siteflow/internal/cloudflare"
	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/discovery"
	"github.com/siteflow/siteflow/internal/health"
	"github.com/siteflow/siteflow/internal/hub"
	"github.com/siteflow/siteflow/internal/metrics"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/monitor"
	"github.com/siteflow/siteflow/internal/provision"
	"github.com/siteflow/siteflow/internal/remote"
	"github.com/siteflow/siteflow/internal/state"
	"github.com/siteflow/siteflow/internal/store"
	"github.com/siteflow/siteflow/internal/topology"
)

// app holds the wired service graph for one daemon instance.
type app struct {
	envCfg *config.EnvConfig

	db        *sql.DB
	runner    *remote.SSHRunner
	audit     *audit.Service
	backups   *backup.Service
	cache     *state.Cache
	collector *metrics.Collector
	engine    *action.Engine
	prov      *provision.Provisioner
	healthCli *health.Client
	hub       *hub.Hub
	monitor   *monitor.Monitor
	cron      *cron.Cron
}

// starterProxy breaks the hub/engine construction cycle: the hub needs an
// ActionStarter before the engine exists, and the engine publishes through
// the hub.
type starterProxy struct {
	engine *action.Engine
}

func (s *starterProxy) StartAction(connID string, payload json.RawMessage) error {
	if s.engine == nil {
		return fmt.Errorf("action engine not ready")
	}
	return s.engine.StartAction(connID, payload)
}

func newApp(envCfg *config.EnvConfig) (*app, error) {
	a := &app{envCfg: envCfg}

	// Persistence.
	db, err := store.OpenDB(envCfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	a.db = db
	a.audit = audit.NewService(store.NewAuditRepo(db), envCfg.AuditMaxOutputLen)
	a.backups = backup.NewService(store.NewBackupRepo(db), backup.Thresholds{
		DB:       envCfg.BackupDBThreshold,
		Uploads:  envCfg.BackupUploadsThreshold,
		Verify:   envCfg.BackupVerifyThreshold,
		Snapshot: envCfg.BackupSnapshotThreshold,
	}, envCfg.BackupRepoPath)

	// Remote host access.
	runner, err := remote.NewSSHRunner(remote.SSHConfig{
		Host:           envCfg.SSHHost,
		Port:           envCfg.SSHPort,
		User:           envCfg.SSHUser,
		KeyPath:        envCfg.SSHKeyPath,
		Password:       envCfg.SSHPassword,
		PoolSize:       envCfg.SSHPoolSize,
		ConnectTimeout: envCfg.SSHConnectTimeout,
		IdleTimeout:    envCfg.SSHIdleTimeout,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ssh runner: %w", err)
	}
	a.runner = runner

	// Discovery and derived state.
	editor := caddy.NewEditor(runner, envCfg.CaddyConfigPath, envCfg.CaddyContainer)
	disc := discovery.New(runner, editor, discovery.Config{
		SitesRoot: envCfg.SitesRoot,
		Deny:      envCfg.DiscoveryDeny,
	})
	a.cache = state.NewCache(func(ctx context.Context) (state.Snapshot, error) {
		sites, routes, err := disc.Discover(ctx)
		if err != nil {
			return state.Snapshot{}, err
		}
		return state.Snapshot{Sites: sites, Routes: routes, GeneratedAt: time.Now().UTC()}, nil
	}, envCfg.StateCacheTTL)
	a.collector = metrics.NewCollector(runner, envCfg.MetricsCacheTTL)

	// Uptime monitor session.
	if envCfg.UptimeKumaURL != "" {
		a.healthCli = health.NewClient(health.Config{
			URL:             envCfg.UptimeKumaURL,
			Username:        envCfg.UptimeKumaUser,
			Password:        envCfg.UptimeKumaPassword,
			HeartbeatWindow: envCfg.HeartbeatWindow,
		})
	}

	// Hub, engine, provisioner. The proxy closes the hub/engine cycle.
	proxy := &starterProxy{}
	a.hub = hub.New(hub.Config{
		QueueCapacity: envCfg.WSQueueCapacity,
		IdleTimeout:   envCfg.WSIdleTimeout,
	}, proxy)
	a.engine = action.NewEngine(runner, a.audit, editor, a.hub,
		action.Config{SitesRoot: envCfg.SitesRoot}, a.cache, a.collector)
	proxy.engine = a.engine

	// External integrations for provisioning.
	var dns provision.DNS
	var tunnel provision.Tunnel
	if envCfg.CloudflareAPIToken != "" && envCfg.CloudflareTunnelID != "" {
		dns = cloudflare.NewDNSManager(envCfg.CloudflareAPIToken, envCfg.BaseDomain, envCfg.CloudflareTunnelID)
		if envCfg.CloudflareAccountID != "" {
			tunnel = cloudflare.NewTunnelClient(envCfg.CloudflareAPIToken, envCfg.CloudflareAccountID, envCfg.CloudflareTunnelID)
		}
	} else {
		log.Println("[main] cloudflare not configured, dns and tunnel steps disabled")
	}
	var monitors provision.Monitors
	if a.healthCli != nil {
		monitors = a.healthCli
	}
	a.prov = provision.New(runner, editor, dns, tunnel, monitors, a.audit,
		provision.Config{SitesRoot: envCfg.SitesRoot}, a.cache, a.collector)

	// Change monitor feeding the hub.
	a.monitor = monitor.New(a.cache, a.buildGraph, a.hub, monitor.Config{
		PollInterval: envCfg.MonitorPollInterval,
		PollJitter:   envCfg.MonitorPollJitter,
	})

	// Retention cron. The schedule was validated during config load.
	a.cron = cron.New()
	if _, err := a.cron.AddJob(envCfg.RetentionSchedule, a.retentionJob()); err != nil {
		runner.Close()
		db.Close()
		return nil, fmt.Errorf("retention schedule: %w", err)
	}

	return a, nil
}

// buildGraph joins the snapshot with the metrics, backup, and uptime
// overlays. Overlay failures degrade to a plain structural graph.
func (a *app) buildGraph(ctx context.Context, snap state.Snapshot) (model.Graph, error) {
	ov := topology.Overlays{Metrics: a.collector.Collect(ctx)}

	if summary, err := a.backups.Summarize(time.Now().UTC()); err != nil {
		log.Printf("[main] backup overlay: %v", err)
	} else if len(summary.Sites) > 0 {
		ov.Backups = make(map[string]*model.SiteBackupStatus, len(summary.Sites))
		for name := range summary.Sites {
			st := summary.Sites[name]
			ov.Backups[name] = &st
		}
	}

	healthOK := false
	if a.healthCli != nil {
		ov.Monitors = a.healthCli.MonitorStates()
		healthOK = a.healthCli.Connected()
	}

	nasLabel := ""
	if a.envCfg.BackupRepoPath != "" {
		nasLabel = "nas"
	}
	return topology.Build(snap, ov, topology.Config{
		TunnelID: a.envCfg.CloudflareTunnelID,
		Gateway:  a.envCfg.CaddyContainer,
		NASLabel: nasLabel,
		HealthOK: healthOK,
	}), nil
}

func (a *app) apiDeps() api.Deps {
	deps := api.Deps{
		Cache:   a.cache,
		Engine:  a.engine,
		Prov:    a.prov,
		Backups: a.backups,
		Audit:   a.audit,
		Hub:     a.hub,

		AdminToken:         a.envCfg.AdminToken,
		APIMaxBodyBytes:    int64(a.envCfg.APIMaxBodyBytes),
		AuditRetentionDays: a.envCfg.AuditRetentionDays,
	}
	deps.Graph = func(ctx context.Context, refresh bool) (model.Graph, error) {
		snap, err := a.cache.Get(ctx, refresh)
		if err != nil {
			return model.Graph{}, err
		}
		return a.buildGraph(ctx, snap)
	}
	if a.healthCli != nil {
		deps.Health = a.healthCli
	}
	return deps
}

func (a *app) startBackground() {
	if a.healthCli != nil {
		go a.healthCli.Run()
	}
	go a.monitor.Run()
	a.cron.Start()
}

// shutdown stops background loops before tearing down transports: the
// monitor first so nothing publishes into a closing hub, then the uptime
// session, the hub, and finally ssh and the database.
func (a *app) shutdown() {
	cronCtx := a.cron.Stop()
	a.monitor.Stop()
	if a.healthCli != nil {
		a.healthCli.Stop()
	}
	a.hub.Close()
	<-cronCtx.Done()
	if err := a.runner.Close(); err != nil {
		log.Printf("[main] ssh close: %v", err)
	}
	if err := a.db.Close(); err != nil {
		log.Printf("[main] db close: %v", err)
	}
}
