// Package discovery assembles the live site inventory: compose files on
// disk, running containers, and the gateway route table joined into Site
// records.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"sort"
	"strings"

	"github.com/siteflow/siteflow/internal/caddy"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
)

// Config holds the remote layout the pipeline scans.
type Config struct {
	SitesRoot string
	Deny      []string
}

// Discoverer runs the discovery pipeline against one host.
type Discoverer struct {
	runner remote.Runner
	editor *caddy.Editor
	cfg    Config
}

// New creates a Discoverer.
func New(runner remote.Runner, editor *caddy.Editor, cfg Config) *Discoverer {
	return &Discoverer{runner: runner, editor: editor, cfg: cfg}
}

// psLine is one line of `docker ps --format json` output.
type psLine struct {
	Names  string `json:"Names"`
	Status string `json:"Status"`
	State  string `json:"State"`
	Image  string `json:"Image"`
	Ports  string `json:"Ports"`
}

// Discover lists site directories, parses each compose file, correlates live
// containers, and joins gateway routes. A single site's parse failure
// degrades that site to unknown; it never fails the whole scan.
func (d *Discoverer) Discover(ctx context.Context) ([]model.Site, []model.Route, error) {
	names, err := d.listSiteDirs(ctx)
	if err != nil {
		return nil, nil, err
	}

	containers, err := d.listContainers(ctx)
	if err != nil {
		return nil, nil, err
	}

	routes, err := d.editor.Routes(ctx)
	if err != nil {
		// The gateway config is an overlay; sites still render without it.
		log.Printf("[discovery] route table unavailable: %v", err)
		routes = nil
	}

	sites := make([]model.Site, 0, len(names))
	for _, name := range names {
		sites = append(sites, d.assembleSite(ctx, name, containers, routes))
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].Name < sites[j].Name })
	return sites, routes, nil
}

func (d *Discoverer) listSiteDirs(ctx context.Context) ([]string, error) {
	cmd := fmt.Sprintf("find %s -mindepth 1 -maxdepth 1 -type d -printf '%%f\\n'", remote.Quote(d.cfg.SitesRoot))
	res, err := d.runner.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("list %s: %s", d.cfg.SitesRoot, strings.TrimSpace(res.Stderr))
	}

	deny := make(map[string]bool, len(d.cfg.Deny))
	for _, n := range d.cfg.Deny {
		deny[n] = true
	}

	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || deny[name] || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *Discoverer) listContainers(ctx context.Context) ([]psLine, error) {
	res, err := d.runner.Run(ctx, "docker ps -a --format json")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("docker ps: %s", strings.TrimSpace(res.Stderr))
	}

	var out []psLine
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ps psLine
		if err := json.Unmarshal([]byte(line), &ps); err != nil {
			log.Printf("[discovery] skip unparseable ps line: %v", err)
			continue
		}
		out = append(out, ps)
	}
	return out, nil
}

func (d *Discoverer) assembleSite(ctx context.Context, name string, containers []psLine, routes []model.Route) model.Site {
	sitePath := path.Join(d.cfg.SitesRoot, name)
	site := model.Site{
		Name:        name,
		Path:        sitePath,
		ComposeFile: path.Join(sitePath, "docker-compose.yml"),
		Services:    []model.Service{},
		Containers:  []model.Container{},
		Domains:     []string{},
		Targets:     []string{},
	}

	text, err := d.readCompose(ctx, &site)
	if err == nil {
		site.Services, err = parseCompose(text)
	}
	if err != nil {
		site.Status = model.SiteUnknown
		site.Meta = map[string]string{"error": err.Error()}
		return site
	}

	site.Containers = correlate(name, site.Services, containers)
	site.Status = model.DeriveStatus(site.Containers)
	site.Domains, site.Targets = joinRoutes(site, routes)
	return site
}

// readCompose tries docker-compose.yml, then compose.yml.
func (d *Discoverer) readCompose(ctx context.Context, site *model.Site) ([]byte, error) {
	text, err := d.runner.ReadFile(ctx, site.ComposeFile)
	if err == nil {
		return text, nil
	}
	alt := path.Join(site.Path, "compose.yml")
	if text, altErr := d.runner.ReadFile(ctx, alt); altErr == nil {
		site.ComposeFile = alt
		return text, nil
	}
	return nil, fmt.Errorf("no compose file in %s", site.Path)
}

// correlate matches live containers to a site by declared container_name or
// the compose project naming convention (<site>-<service>-N / <site>_<service>_N).
func correlate(siteName string, services []model.Service, containers []psLine) []model.Container {
	declared := make(map[string]bool, len(services))
	for _, svc := range services {
		if svc.ContainerName != "" {
			declared[svc.ContainerName] = true
		}
	}

	var out []model.Container
	for _, ps := range containers {
		if !declared[ps.Names] && !hasProjectPrefix(ps.Names, siteName) {
			continue
		}
		out = append(out, model.Container{
			Name:       ps.Names,
			StatusText: ps.Status,
			State:      ps.State,
			Image:      ps.Image,
			Ports:      ps.Ports,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if out == nil {
		out = []model.Container{}
	}
	return out
}

func hasProjectPrefix(containerName, siteName string) bool {
	return strings.HasPrefix(containerName, siteName+"-") || strings.HasPrefix(containerName, siteName+"_")
}

// joinRoutes collects the domains and targets routed at this site's
// containers, sorted for stable output.
func joinRoutes(site model.Site, routes []model.Route) (domains, targets []string) {
	names := make(map[string]bool, len(site.Containers))
	for _, c := range site.Containers {
		names[c.Name] = true
	}
	for _, svc := range site.Services {
		if svc.ContainerName != "" {
			names[svc.ContainerName] = true
		}
	}

	domains, targets = []string{}, []string{}
	seen := map[string]bool{}
	for _, r := range routes {
		if r.Container == "" || !names[r.Container] {
			continue
		}
		domains = append(domains, r.Domain)
		if !seen[r.Target] {
			seen[r.Target] = true
			targets = append(targets, r.Target)
		}
	}
	sort.Strings(domains)
	sort.Strings(targets)
	return domains, targets
}
