package action

import (
	"context"
	"strings"
	"testing"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/testutil"
)

func TestSetDomainRewritesEnvAndMovesRoute(t *testing.T) {
	env := newTestEngine(t)
	env.runner.SetFile("/opt/sites/blog/.env", []byte("DOMAIN=blog.example.com\nWP_DEBUG=0\n"))
	env.runner.SetFile("/opt/gateway/Caddyfile", []byte("blog.example.com {\n\treverse_proxy blog-web:80\n}\n"))
	env.runner.Script(testutil.Response{Match: "docker compose up -d", Stdout: "recreated"})

	out, err := env.engine.SetDomain(context.Background(), "blog", "news.example.com")
	if err != nil {
		t.Fatalf("SetDomain: %v", err)
	}
	if !strings.Contains(out, "news.example.com") {
		t.Errorf("out = %q", out)
	}

	envFile := string(env.runner.Files["/opt/sites/blog/.env"])
	if !strings.Contains(envFile, "DOMAIN=news.example.com") || strings.Contains(envFile, "blog.example.com") {
		t.Errorf(".env = %q", envFile)
	}
	if !strings.Contains(envFile, "WP_DEBUG=0") {
		t.Errorf("unrelated env lines lost: %q", envFile)
	}

	caddyfile := string(env.runner.Files["/opt/gateway/Caddyfile"])
	if !strings.Contains(caddyfile, "news.example.com") || strings.Contains(caddyfile, "blog.example.com") {
		t.Errorf("caddyfile = %q", caddyfile)
	}
	if !strings.Contains(caddyfile, "blog-web:80") {
		t.Errorf("upstream lost: %q", caddyfile)
	}
}

func TestSetDomainCreatesEnvWhenMissing(t *testing.T) {
	env := newTestEngine(t)
	env.runner.Script(testutil.Response{Match: "docker compose up -d", Stdout: "up"})

	if _, err := env.engine.SetDomain(context.Background(), "shop", "shop.example.com"); err != nil {
		t.Fatalf("SetDomain: %v", err)
	}
	envFile := string(env.runner.Files["/opt/sites/shop/.env"])
	if envFile != "DOMAIN=shop.example.com\n" {
		t.Errorf(".env = %q", envFile)
	}
}

func TestSetDomainConflictWhenUnchanged(t *testing.T) {
	env := newTestEngine(t)
	env.runner.SetFile("/opt/sites/blog/.env", []byte("DOMAIN=blog.example.com\n"))

	_, err := env.engine.SetDomain(context.Background(), "blog", "blog.example.com")
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestSetDomainValidation(t *testing.T) {
	env := newTestEngine(t)
	for _, d := range []string{"", "nodots", "bad domain.com", "x/y.com"} {
		if _, err := env.engine.SetDomain(context.Background(), "blog", d); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("domain %q err = %v", d, err)
		}
	}
}

func TestRewriteEnvDomain(t *testing.T) {
	old, next := rewriteEnvDomain("A=1\nDOMAIN=x.com\nB=2\n", "y.com")
	if old != "x.com" {
		t.Errorf("old = %q", old)
	}
	if next != "A=1\nDOMAIN=y.com\nB=2\n" {
		t.Errorf("next = %q", next)
	}

	old, next = rewriteEnvDomain("", "y.com")
	if old != "" || next != "DOMAIN=y.com\n" {
		t.Errorf("empty content: old=%q next=%q", old, next)
	}
}
