package caddy

import (
	"context"
	"fmt"
	"log"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
)

// containerConfigPath is where the gateway container mounts the Caddyfile.
const containerConfigPath = "/etc/caddy/Caddyfile"

// Editor performs validated, atomic edits of the gateway Caddyfile and
// drives reloads of the Caddy container.
type Editor struct {
	runner     remote.Runner
	configPath string
	container  string
}

// NewEditor creates an editor for the Caddyfile at configPath, reloading the
// named gateway container.
func NewEditor(runner remote.Runner, configPath, container string) *Editor {
	return &Editor{runner: runner, configPath: configPath, container: container}
}

// Load reads and parses the current Caddyfile.
func (e *Editor) Load(ctx context.Context) (*File, error) {
	raw, err := e.runner.ReadFile(ctx, e.configPath)
	if err != nil {
		return nil, err
	}
	f, err := Parse(string(raw))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCommandFailed, err, "parse %s", e.configPath)
	}
	return f, nil
}

// Routes returns the current route table.
func (e *Editor) Routes(ctx context.Context) ([]model.Route, error) {
	f, err := e.Load(ctx)
	if err != nil {
		return nil, err
	}
	return f.Routes(), nil
}

// AddRoute appends a route block, writes the file atomically, and reloads.
// The previous content is restored when the reload rejects the new config.
func (e *Editor) AddRoute(ctx context.Context, domain, container string, port int) error {
	f, err := e.Load(ctx)
	if err != nil {
		return err
	}
	if f.HasDomain(domain) {
		return apperr.New(apperr.KindConflict, "route for %s already exists", domain)
	}
	prev := f.Render()
	f.AddRoute(domain, container, port)
	return e.writeAndReload(ctx, f.Render(), prev)
}

// RemoveRoute drops the route for domain and reloads.
func (e *Editor) RemoveRoute(ctx context.Context, domain string) error {
	f, err := e.Load(ctx)
	if err != nil {
		return err
	}
	prev := f.Render()
	if !f.RemoveRoute(domain) {
		return apperr.New(apperr.KindNotFound, "no route for %s", domain)
	}
	return e.writeAndReload(ctx, f.Render(), prev)
}

// Validate asks Caddy to check the config without applying it. Parse errors
// are reported as validation failures, distinct from reload failures.
func (e *Editor) Validate(ctx context.Context) error {
	cmd := fmt.Sprintf("docker exec %s caddy validate --config %s --adapter caddyfile",
		remote.Quote(e.container), containerConfigPath)
	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperr.New(apperr.KindValidation, "caddy config invalid: %s", res.Combined())
	}
	return nil
}

// Reload validates and reloads the running gateway.
func (e *Editor) Reload(ctx context.Context) error {
	if err := e.Validate(ctx); err != nil {
		return err
	}
	cmd := fmt.Sprintf("docker exec %s caddy reload --config %s --adapter caddyfile",
		remote.Quote(e.container), containerConfigPath)
	res, err := e.runner.Run(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperr.New(apperr.KindCommandFailed, "caddy reload failed: %s", res.Combined())
	}
	return nil
}

// writeAndReload uploads content (temp file + rename inside Upload) and
// reloads, restoring prev on reload failure.
func (e *Editor) writeAndReload(ctx context.Context, content, prev string) error {
	if err := e.runner.Upload(ctx, e.configPath, []byte(content)); err != nil {
		return err
	}
	if err := e.Reload(ctx); err != nil {
		log.Printf("[caddy] reload failed, rolling back config: %v", err)
		if restoreErr := e.runner.Upload(ctx, e.configPath, []byte(prev)); restoreErr != nil {
			log.Printf("[caddy] rollback write failed: %v", restoreErr)
		} else if reloadErr := e.Reload(ctx); reloadErr != nil {
			log.Printf("[caddy] rollback reload failed: %v", reloadErr)
		}
		return err
	}
	return nil
}
