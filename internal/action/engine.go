// Package action executes mutating operations against the remote host,
// serialized per target and wrapped in audit envelopes.
package action

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/caddy"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
)

// Publisher streams action output to subscribers. Satisfied by *hub.Hub.
type Publisher interface {
	Publish(topic string, data any)
	PublishTo(connID, topic string, data any)
}

// Invalidator is anything whose cached view goes stale after a mutation.
type Invalidator interface {
	Invalidate()
}

// Config holds the engine's remote layout.
type Config struct {
	SitesRoot string
}

// Engine runs container, site, route, and deploy operations. Operations on
// the same target are serialized; different targets run concurrently.
type Engine struct {
	runner remote.Runner
	locks  *remote.TargetLocker
	audit  *audit.Service
	caddy  *caddy.Editor
	pub    Publisher
	caches []Invalidator
	cfg    Config

	deploys *xsync.Map[string, *DeployStatus]
}

// NewEngine creates an engine. pub may be nil; caches are invalidated after
// every successful mutation.
func NewEngine(runner remote.Runner, auditSvc *audit.Service, editor *caddy.Editor, pub Publisher, cfg Config, caches ...Invalidator) *Engine {
	return &Engine{
		runner:  runner,
		locks:   remote.NewTargetLocker(),
		audit:   auditSvc,
		caddy:   editor,
		pub:     pub,
		caches:  caches,
		cfg:     cfg,
		deploys: xsync.NewMap[string, *DeployStatus](),
	}
}

func (e *Engine) sitePath(site string) string {
	return path.Join(e.cfg.SitesRoot, site)
}

func (e *Engine) invalidate() {
	for _, c := range e.caches {
		c.Invalidate()
	}
}

func (e *Engine) publishOutput(target, line string) {
	if e.pub == nil || line == "" {
		return
	}
	e.pub.Publish("action.output", map[string]string{"target": target, "output": line})
}

// run wraps fn in the audit envelope and the per-target queue, and
// invalidates caches after success.
func (e *Engine) run(actionType, targetType, target string, meta map[string]string, fn func() (string, error)) (string, error) {
	out, err := e.runRead(actionType, targetType, target, meta, fn)
	if err != nil {
		return out, err
	}
	e.invalidate()
	return out, nil
}

// runRead is run without the cache invalidation, for audited actions that
// do not change remote state.
func (e *Engine) runRead(actionType, targetType, target string, meta map[string]string, fn func() (string, error)) (string, error) {
	started := time.Now()
	id := e.audit.Begin(actionType, targetType, target, meta)

	var out string
	err := e.locks.Do(target, func() error {
		var ferr error
		out, ferr = fn()
		return ferr
	})

	if err != nil {
		e.audit.Finish(id, model.AuditFailure, out, err.Error(), started)
		return out, err
	}
	e.audit.Finish(id, model.AuditSuccess, out, "", started)
	return out, nil
}

// exec runs a remote command, streaming chunks to subscribers, and turns a
// non-zero exit into a command failure.
func (e *Engine) exec(ctx context.Context, target, cmd string) (string, error) {
	res, err := e.runner.RunStream(ctx, cmd, func(chunk string) {
		e.publishOutput(target, chunk)
	})
	if err != nil {
		return res.Combined(), err
	}
	if res.ExitCode != 0 {
		return res.Combined(), apperr.New(apperr.KindCommandFailed,
			"command exited %d: %s", res.ExitCode, firstLine(res.Stderr))
	}
	return res.Combined(), nil
}

// Container operations.

var containerOps = map[string]string{
	"start":   "start",
	"stop":    "stop",
	"restart": "restart",
}

// ContainerAction starts, stops, or restarts a container.
func (e *Engine) ContainerAction(ctx context.Context, container, op string) (string, error) {
	verb, ok := containerOps[op]
	if !ok {
		return "", apperr.New(apperr.KindValidation, "unknown container action %q", op)
	}
	if err := validateTargetName(container); err != nil {
		return "", err
	}
	return e.run("container_"+op, "container", container, nil, func() (string, error) {
		ctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
		defer cancel()
		return e.exec(ctx, container, "docker "+verb+" "+remote.Quote(container))
	})
}

// ContainerLogs fetches the last tail lines of a container's logs. The
// read is audited like any other action but never invalidates caches.
func (e *Engine) ContainerLogs(ctx context.Context, container string, tail int) (string, error) {
	if err := validateTargetName(container); err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = 100
	}
	meta := map[string]string{"tail": fmt.Sprint(tail)}
	return e.runRead("container_logs", "container", container, meta, func() (string, error) {
		ctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
		defer cancel()
		res, err := e.runner.Run(ctx, fmt.Sprintf("docker logs --tail %d %s 2>&1", tail, remote.Quote(container)))
		if err != nil {
			return "", err
		}
		if res.ExitCode != 0 {
			return "", apperr.New(apperr.KindNotFound, "container %s: %s", container, firstLine(res.Stderr))
		}
		return res.Stdout, nil
	})
}

// Site operations.

var siteOps = map[string]string{
	"up":      "up -d",
	"down":    "down",
	"restart": "restart",
}

// SiteAction runs a compose lifecycle operation for a site.
func (e *Engine) SiteAction(ctx context.Context, site, op string) (string, error) {
	args, ok := siteOps[op]
	if !ok {
		return "", apperr.New(apperr.KindValidation, "unknown site action %q", op)
	}
	if err := validateTargetName(site); err != nil {
		return "", err
	}
	return e.run("site_"+op, "site", site, nil, func() (string, error) {
		ctx, cancel := context.WithTimeout(ctx, remote.ComposeTimeout)
		defer cancel()
		cmd := fmt.Sprintf("cd %s && docker compose %s", remote.Quote(e.sitePath(site)), args)
		return e.exec(ctx, site, cmd)
	})
}

// Route and gateway operations.

// CaddyReload validates and reloads the gateway configuration.
func (e *Engine) CaddyReload(ctx context.Context) (string, error) {
	return e.run("caddy_reload", "caddy", "caddy", nil, func() (string, error) {
		ctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
		defer cancel()
		if err := e.caddy.Reload(ctx); err != nil {
			return "", err
		}
		return "caddy reloaded", nil
	})
}

// RouteAdd publishes a new domain route through the gateway.
func (e *Engine) RouteAdd(ctx context.Context, domain, container string, port int) (string, error) {
	if domain == "" || !strings.Contains(domain, ".") {
		return "", apperr.New(apperr.KindValidation, "domain %q is not a hostname", domain)
	}
	if err := validateTargetName(container); err != nil {
		return "", err
	}
	if port <= 0 || port > 65535 {
		return "", apperr.New(apperr.KindValidation, "port %d out of range", port)
	}
	meta := map[string]string{"container": container, "port": fmt.Sprint(port)}
	return e.run("route_add", "domain", domain, meta, func() (string, error) {
		ctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
		defer cancel()
		if err := e.caddy.AddRoute(ctx, domain, container, port); err != nil {
			return "", err
		}
		return fmt.Sprintf("route %s -> %s:%d", domain, container, port), nil
	})
}

// RouteRemove retires a domain route.
func (e *Engine) RouteRemove(ctx context.Context, domain string) (string, error) {
	if domain == "" {
		return "", apperr.New(apperr.KindValidation, "domain is required")
	}
	return e.run("route_remove", "domain", domain, nil, func() (string, error) {
		ctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
		defer cancel()
		if err := e.caddy.RemoveRoute(ctx, domain); err != nil {
			return "", err
		}
		return "route removed", nil
	})
}

// validateTargetName rejects names that could escape shell quoting or
// traverse paths.
func validateTargetName(name string) error {
	if name == "" {
		return apperr.New(apperr.KindValidation, "target name is required")
	}
	for _, r := range name {
		ok := r == '-' || r == '_' || r == '.' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return apperr.New(apperr.KindValidation, "target name %q contains invalid characters", name)
		}
	}
	if strings.Contains(name, "..") {
		return apperr.New(apperr.KindValidation, "target name %q contains invalid characters", name)
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
