package topology

import (
	"encoding/json"
	"testing"

	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/state"
)

func fixtureSnapshot() state.Snapshot {
	return state.Snapshot{
		Sites: []model.Site{
			{
				Name:   "blog",
				Status: model.SiteRunning,
				Containers: []model.Container{
					{Name: "blog-web", StatusText: "Up 3 days", State: "running", Image: "nginx:alpine"},
					{Name: "blog-db", StatusText: "Exited (0) 1 hour ago", State: "exited", Image: "mariadb:11"},
				},
			},
			{Name: "shop", Status: model.SiteStopped, Containers: []model.Container{
				{Name: "shop-web-1", StatusText: "Exited (0) 2 days ago", State: "exited"},
			}},
		},
		Routes: []model.Route{
			{Domain: "blog.example.com", Target: "blog-web:80", Container: "blog-web", Port: 80},
		},
	}
}

func nodeByID(g model.Graph, id string) (model.GraphNode, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return model.GraphNode{}, false
}

func hasEdge(g model.Graph, source, target string) bool {
	for _, e := range g.Edges {
		if e.Source == source && e.Target == target {
			return true
		}
	}
	return false
}

func TestBuildStructure(t *testing.T) {
	rpo := int64(3600)
	g := Build(fixtureSnapshot(), Overlays{
		Metrics: map[string]model.NodeMetrics{
			"blog-web": {CPUPercent: 2.5, MemoryUsageMB: 70},
		},
		Backups: map[string]*model.SiteBackupStatus{
			"blog": {Site: "blog", OverallStatus: model.RunOK, RPOSecondsDB: &rpo},
		},
		Monitors: map[string]model.MonitorState{
			"blog": {Up: true, Uptime: 99.9},
		},
	}, Config{TunnelID: "tun-1", Gateway: "caddy", NASLabel: "nas", HealthOK: true})

	for _, id := range []string{"tunnel", "gateway", "nas", "site:blog", "site:shop", "container:blog-web", "domain:blog.example.com"} {
		if _, ok := nodeByID(g, id); !ok {
			t.Errorf("missing node %s", id)
		}
	}

	for _, e := range [][2]string{
		{"tunnel", "domain:blog.example.com"},
		{"domain:blog.example.com", "gateway"},
		{"gateway", "container:blog-web"},
		{"container:blog-web", "site:blog"},
		{"container:blog-db", "site:blog"},
		{"site:blog", "nas"},
	} {
		if !hasEdge(g, e[0], e[1]) {
			t.Errorf("missing edge %s -> %s", e[0], e[1])
		}
	}

	blog, _ := nodeByID(g, "site:blog")
	if blog.Backup == nil || *blog.Backup.RPOSecondsDB != 3600 {
		t.Errorf("blog backup overlay = %+v", blog.Backup)
	}
	if blog.Meta["monitor_up"] != "true" {
		t.Errorf("blog monitor overlay = %v", blog.Meta)
	}

	web, _ := nodeByID(g, "container:blog-web")
	if web.Metrics == nil || web.Metrics.CPUPercent != 2.5 {
		t.Errorf("blog-web metrics = %+v", web.Metrics)
	}
	db, _ := nodeByID(g, "container:blog-db")
	if db.Status != "exited" {
		t.Errorf("blog-db status = %s", db.Status)
	}
}

func TestBuildOrderingDeterministic(t *testing.T) {
	var last []byte
	for i := 0; i < 3; i++ {
		g := Build(fixtureSnapshot(), Overlays{}, Config{TunnelID: "tun-1", NASLabel: "nas"})
		data, err := json.Marshal(g)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if last != nil && string(last) != string(data) {
			t.Fatal("graph projection is not deterministic")
		}
		last = data
	}

	// Nodes must be ordered by (type rank, id).
	g := Build(fixtureSnapshot(), Overlays{}, Config{TunnelID: "tun-1", NASLabel: "nas"})
	rankOf := func(t model.NodeType) int { return typeRank[t] }
	for i := 1; i < len(g.Nodes); i++ {
		a, b := g.Nodes[i-1], g.Nodes[i]
		if rankOf(a.Type) > rankOf(b.Type) || (a.Type == b.Type && a.ID > b.ID) {
			t.Fatalf("nodes out of order: %s(%s) before %s(%s)", a.ID, a.Type, b.ID, b.Type)
		}
	}
}

func TestBuildExternalRouteTarget(t *testing.T) {
	snap := fixtureSnapshot()
	snap.Routes = append(snap.Routes, model.Route{
		Domain: "legacy.example.com", Target: "10.0.0.9:8080", Container: "10.0.0.9", Port: 8080,
	})

	g := Build(snap, Overlays{}, Config{})
	ext, ok := nodeByID(g, "container:10.0.0.9")
	if !ok {
		t.Fatal("external target node missing")
	}
	if ext.Status != "external" {
		t.Errorf("external node status = %s", ext.Status)
	}
	if !hasEdge(g, "gateway", "container:10.0.0.9") {
		t.Error("missing proxy edge to external target")
	}
}

func TestBuildWithoutOptionalNodes(t *testing.T) {
	g := Build(fixtureSnapshot(), Overlays{}, Config{})
	if _, ok := nodeByID(g, "tunnel"); ok {
		t.Error("tunnel node present without tunnel config")
	}
	if _, ok := nodeByID(g, "nas"); ok {
		t.Error("nas node present without nas config")
	}
}
