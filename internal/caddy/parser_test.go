package caddy

import (
	"context"
	"strings"
	"testing"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/testutil"
)

const sampleCaddyfile = `# gateway config
{
    email admin@example.com
}

blog.example.com {
    reverse_proxy blog-web:80
}

shop.example.com, www.shop.example.com {
    encode gzip
    reverse_proxy shop-web:3000
}
`

func TestParseRoutes(t *testing.T) {
	f, err := Parse(sampleCaddyfile)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(f.Blocks))
	}

	routes := f.Routes()
	if len(routes) != 3 {
		t.Fatalf("routes = %d, want 3", len(routes))
	}
	// Sorted by domain.
	if routes[0].Domain != "blog.example.com" || routes[0].Container != "blog-web" || routes[0].Port != 80 {
		t.Errorf("route[0] = %+v", routes[0])
	}
	if routes[1].Domain != "shop.example.com" || routes[1].Target != "shop-web:3000" {
		t.Errorf("route[1] = %+v", routes[1])
	}
	if routes[2].Domain != "www.shop.example.com" {
		t.Errorf("route[2] = %+v", routes[2])
	}
}

func TestParsePreservesPreamble(t *testing.T) {
	f, err := Parse(sampleCaddyfile)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	pre := strings.Join(f.Preamble, "\n")
	if !strings.Contains(pre, "email admin@example.com") {
		t.Errorf("preamble lost global options: %q", pre)
	}
}

func TestParseUnbalanced(t *testing.T) {
	if _, err := Parse("blog.example.com {\n    reverse_proxy x:1\n"); err == nil {
		t.Fatal("expected error for unterminated block")
	}
}

func TestAddRemoveRoundTrip(t *testing.T) {
	f, err := Parse(sampleCaddyfile)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	f.AddRoute("docs.example.com", "docs-web", 8080)
	if !f.HasDomain("docs.example.com") {
		t.Fatal("added domain not found")
	}

	reparsed, err := Parse(f.Render())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if !reparsed.HasDomain("docs.example.com") {
		t.Fatal("added domain lost in render round-trip")
	}

	if !reparsed.RemoveRoute("docs.example.com") {
		t.Fatal("RemoveRoute returned false")
	}
	if reparsed.HasDomain("docs.example.com") {
		t.Fatal("domain still present after removal")
	}
	if reparsed.RemoveRoute("missing.example.com") {
		t.Fatal("RemoveRoute of absent domain returned true")
	}
}

func TestRemoveRouteMultiDomainBlock(t *testing.T) {
	f, err := Parse(sampleCaddyfile)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !f.RemoveRoute("www.shop.example.com") {
		t.Fatal("RemoveRoute returned false")
	}
	if f.HasDomain("www.shop.example.com") {
		t.Fatal("removed domain still present")
	}
	if !f.HasDomain("shop.example.com") {
		t.Fatal("sibling domain lost")
	}
	if len(f.Blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(f.Blocks))
	}
}

func TestRenderDeterministic(t *testing.T) {
	f1, _ := Parse(sampleCaddyfile)
	f2, _ := Parse(sampleCaddyfile)
	if f1.Render() != f2.Render() {
		t.Fatal("render is not deterministic")
	}
	// Render of a parse of a render is a fixpoint.
	again, err := Parse(f1.Render())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Render() != f1.Render() {
		t.Fatal("render is not a fixpoint")
	}
}

func TestEditorAddRouteConflict(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.SetFile("/opt/gateway/Caddyfile", []byte(sampleCaddyfile))
	ed := NewEditor(runner, "/opt/gateway/Caddyfile", "caddy")

	err := ed.AddRoute(context.Background(), "blog.example.com", "other", 80)
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestEditorAddRouteWritesAndReloads(t *testing.T) {
	runner := testutil.NewFakeRunner()
	runner.SetFile("/opt/gateway/Caddyfile", []byte(sampleCaddyfile))
	ed := NewEditor(runner, "/opt/gateway/Caddyfile", "caddy")

	if err := ed.AddRoute(context.Background(), "docs.example.com", "docs-web", 8080); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	written := string(runner.Files["/opt/gateway/Caddyfile"])
	if !strings.Contains(written, "docs.example.com {") || !strings.Contains(written, "reverse_proxy docs-web:8080") {
		t.Errorf("written config missing new route:\n%s", written)
	}
	if !runner.Ran("caddy validate") || !runner.Ran("caddy reload") {
		t.Errorf("expected validate+reload, got %v", runner.CommandLog())
	}
}

func TestEditorReloadFailureRollsBack(t *testing.T) {
	runner := testutil.NewFakeRunner(testutil.Response{
		Match:    "caddy validate",
		Stderr:   "adapter error",
		ExitCode: 1,
	})
	runner.SetFile("/opt/gateway/Caddyfile", []byte(sampleCaddyfile))
	ed := NewEditor(runner, "/opt/gateway/Caddyfile", "caddy")

	err := ed.AddRoute(context.Background(), "docs.example.com", "docs-web", 8080)
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}

	restored := string(runner.Files["/opt/gateway/Caddyfile"])
	if strings.Contains(restored, "docs.example.com") {
		t.Errorf("config not rolled back:\n%s", restored)
	}
}
