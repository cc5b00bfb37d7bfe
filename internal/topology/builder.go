// Package topology projects discovery output into the node/edge graph served
// to clients. The projection is deterministic: nodes sort by (type rank, id)
// and edges by (source, target, label).
package topology

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/state"
)

// Overlays carries the optional data joined onto the structural graph.
type Overlays struct {
	Metrics  map[string]model.NodeMetrics       // by container name
	Backups  map[string]*model.SiteBackupStatus // by site name
	Monitors map[string]model.MonitorState      // by site name
}

// Config names the fixed infrastructure nodes.
type Config struct {
	TunnelID string // empty disables the tunnel node
	Gateway  string // gateway container name, for the node label
	NASLabel string // empty disables the nas node
	HealthOK bool   // whether the health adapter currently has a session
}

var typeRank = map[model.NodeType]int{
	model.NodeTunnel:    0,
	model.NodeDomain:    1,
	model.NodeGateway:   2,
	model.NodeContainer: 3,
	model.NodeSite:      4,
	model.NodeNAS:       5,
}

// Build projects a snapshot plus overlays into the graph.
func Build(snap state.Snapshot, ov Overlays, cfg Config) model.Graph {
	g := model.Graph{Nodes: []model.GraphNode{}, Edges: []model.GraphEdge{}}

	const gatewayID = "gateway"
	gatewayLabel := cfg.Gateway
	if gatewayLabel == "" {
		gatewayLabel = "caddy"
	}
	g.Nodes = append(g.Nodes, model.GraphNode{
		ID:     gatewayID,
		Label:  gatewayLabel,
		Type:   model.NodeGateway,
		Status: "running",
	})

	tunnelID := ""
	if cfg.TunnelID != "" {
		tunnelID = "tunnel"
		g.Nodes = append(g.Nodes, model.GraphNode{
			ID:     tunnelID,
			Label:  "cloudflared",
			Type:   model.NodeTunnel,
			Status: "running",
			Meta:   map[string]string{"tunnel_id": cfg.TunnelID},
		})
	}

	// container name -> owning site, for gateway->container joins.
	containerSite := map[string]string{}
	domainSeen := map[string]bool{}

	for _, site := range snap.Sites {
		siteID := "site:" + site.Name
		node := model.GraphNode{
			ID:     siteID,
			Label:  site.Name,
			Type:   model.NodeSite,
			Status: string(site.Status),
		}
		if errMsg, ok := site.Meta["error"]; ok {
			node.Meta = map[string]string{"error": errMsg}
		}
		if b := ov.Backups[site.Name]; b != nil {
			node.Backup = b
		}
		if mon, ok := ov.Monitors[site.Name]; ok {
			if node.Meta == nil {
				node.Meta = map[string]string{}
			}
			node.Meta["monitor_up"] = strconv.FormatBool(mon.Up)
			node.Meta["uptime"] = strconv.FormatFloat(mon.Uptime, 'f', 1, 64)
		}
		g.Nodes = append(g.Nodes, node)

		for _, c := range site.Containers {
			cID := "container:" + c.Name
			containerSite[c.Name] = site.Name
			cNode := model.GraphNode{
				ID:     cID,
				Label:  c.Name,
				Type:   model.NodeContainer,
				Status: containerStatus(c),
				Meta:   map[string]string{"image": c.Image},
			}
			if m, ok := ov.Metrics[c.Name]; ok {
				metrics := m
				cNode.Metrics = &metrics
			}
			g.Nodes = append(g.Nodes, cNode)
			g.Edges = append(g.Edges, edge(cID, siteID, "member"))
		}
	}

	for _, r := range snap.Routes {
		dID := "domain:" + r.Domain
		if !domainSeen[r.Domain] {
			domainSeen[r.Domain] = true
			g.Nodes = append(g.Nodes, model.GraphNode{
				ID:     dID,
				Label:  r.Domain,
				Type:   model.NodeDomain,
				Status: "active",
				Meta:   map[string]string{"target": r.Target},
			})
			if tunnelID != "" {
				g.Edges = append(g.Edges, edge(tunnelID, dID, "ingress"))
			}
			g.Edges = append(g.Edges, edge(dID, gatewayID, "routes"))
		}
		if r.Container != "" {
			if _, known := containerSite[r.Container]; known {
				g.Edges = append(g.Edges, edge(gatewayID, "container:"+r.Container, "proxies"))
			} else {
				// External target: keep the edge but mark the endpoint so
				// the UI can render it as outside the compose estate.
				extID := "container:" + r.Container
				if !domainSeen[extID] {
					domainSeen[extID] = true
					g.Nodes = append(g.Nodes, model.GraphNode{
						ID:     extID,
						Label:  r.Container,
						Type:   model.NodeContainer,
						Status: "external",
					})
				}
				g.Edges = append(g.Edges, edge(gatewayID, extID, "proxies"))
			}
		}
	}

	if cfg.NASLabel != "" {
		status := "unknown"
		if cfg.HealthOK {
			status = "running"
		}
		g.Nodes = append(g.Nodes, model.GraphNode{
			ID:     "nas",
			Label:  cfg.NASLabel,
			Type:   model.NodeNAS,
			Status: status,
		})
		for _, site := range snap.Sites {
			if ov.Backups[site.Name] != nil {
				g.Edges = append(g.Edges, edge("site:"+site.Name, "nas", "backup"))
			}
		}
	}

	sortGraph(&g)
	return g
}

func containerStatus(c model.Container) string {
	if c.Up() {
		return "running"
	}
	if c.State != "" {
		return c.State
	}
	return "stopped"
}

func edge(source, target, label string) model.GraphEdge {
	return model.GraphEdge{
		ID:     fmt.Sprintf("%s->%s", source, target),
		Source: source,
		Target: target,
		Label:  label,
	}
}

func sortGraph(g *model.Graph) {
	sort.Slice(g.Nodes, func(i, j int) bool {
		ri, rj := typeRank[g.Nodes[i].Type], typeRank[g.Nodes[j].Type]
		if ri != rj {
			return ri < rj
		}
		return g.Nodes[i].ID < g.Nodes[j].ID
	})
	sort.Slice(g.Edges, func(i, j int) bool {
		a, b := g.Edges[i], g.Edges[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Label < b.Label
	})
}
