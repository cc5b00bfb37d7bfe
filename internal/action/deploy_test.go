package action

import (
	"context"
	"strings"
	"testing"

	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/testutil"
)

var zipHeader = []byte{'P', 'K', 3, 4, 0, 0, 0, 0}

func TestDeployGit(t *testing.T) {
	env := newTestEngine(t)
	env.runner.Script(testutil.Response{Match: "git clone", Stdout: "Cloning into '/opt/sites/blog'..."})
	env.runner.Script(testutil.Response{Match: "docker compose up -d --build", Stdout: "built"})

	out, err := env.engine.DeployGit(context.Background(), "blog", "https://github.com/acme/blog.git", "")
	if err != nil {
		t.Fatalf("DeployGit: %v", err)
	}
	if !strings.Contains(out, "Cloning") || !strings.Contains(out, "built") {
		t.Errorf("out = %q", out)
	}

	st := env.engine.DeployStatusFor("blog")
	if st.State != DeploySuccess || st.Method != "git" {
		t.Errorf("status = %+v", st)
	}
	if st.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestDeployGitRejectsBadURL(t *testing.T) {
	env := newTestEngine(t)
	for _, url := range []string{"", "ftp://x", "https://x.git; rm -rf /", "https://x.git'"} {
		if _, err := env.engine.DeployGit(context.Background(), "blog", url, ""); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("url %q err = %v", url, err)
		}
	}
	if _, err := env.engine.DeployGit(context.Background(), "blog", "https://x.git", "-b evil"); !apperr.IsKind(err, apperr.KindValidation) {
		t.Error("bad branch accepted")
	}
	if len(env.runner.CommandLog()) != 0 {
		t.Errorf("commands ran: %v", env.runner.CommandLog())
	}
}

func TestDeployGitBranch(t *testing.T) {
	env := newTestEngine(t)
	env.runner.Script(testutil.Response{Match: "git clone", Stdout: "cloned"})
	env.runner.Script(testutil.Response{Match: "docker compose up -d --build", Stdout: "up"})

	if _, err := env.engine.DeployGit(context.Background(), "blog", "https://github.com/acme/blog.git", "staging"); err != nil {
		t.Fatalf("DeployGit: %v", err)
	}
	if !env.runner.Ran("git clone -b staging https://github.com/acme/blog.git /opt/sites/blog") {
		t.Errorf("commands = %v", env.runner.CommandLog())
	}
}

func TestDeployPullRequiresCheckout(t *testing.T) {
	env := newTestEngine(t)
	env.runner.Script(testutil.Response{Match: "test -d", ExitCode: 1})

	_, err := env.engine.DeployPull(context.Background(), "blog")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	st := env.engine.DeployStatusFor("blog")
	if st.State != DeployFailed || st.Error == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestDeployPull(t *testing.T) {
	env := newTestEngine(t)
	env.runner.Script(testutil.Response{Match: "git pull --ff-only", Stdout: "Already up to date."})
	env.runner.Script(testutil.Response{Match: "docker compose up -d --build", Stdout: "up"})

	out, err := env.engine.DeployPull(context.Background(), "blog")
	if err != nil {
		t.Fatalf("DeployPull: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("out = %q", out)
	}
	if !env.runner.Ran("cd /opt/sites/blog && git pull --ff-only") {
		t.Errorf("commands = %v", env.runner.CommandLog())
	}
}

func TestDeployUpload(t *testing.T) {
	env := newTestEngine(t)
	env.runner.Script(testutil.Response{Match: "unzip -o", Stdout: "inflating: index.html"})
	env.runner.Script(testutil.Response{Match: "docker compose up -d --build", Stdout: "up"})

	archive := append(append([]byte{}, zipHeader...), []byte("payload")...)
	out, err := env.engine.DeployUpload(context.Background(), "blog", archive)
	if err != nil {
		t.Fatalf("DeployUpload: %v", err)
	}
	if !strings.Contains(out, "inflating") {
		t.Errorf("out = %q", out)
	}

	// Archive staged to /tmp, extracted into the site dir, then removed.
	if got := env.runner.Files["/tmp/siteflow-deploy-blog.zip"]; string(got) != string(archive) {
		t.Errorf("staged archive = %d bytes", len(got))
	}
	if !env.runner.Ran("unzip -o /tmp/siteflow-deploy-blog.zip -d /opt/sites/blog") {
		t.Errorf("commands = %v", env.runner.CommandLog())
	}
	if !env.runner.Ran("rm -f /tmp/siteflow-deploy-blog.zip") {
		t.Errorf("archive not cleaned up: %v", env.runner.CommandLog())
	}
}

func TestDeployUploadRejectsNonZip(t *testing.T) {
	env := newTestEngine(t)
	for _, data := range [][]byte{nil, []byte("plain text"), []byte("PX\x03\x04")} {
		if _, err := env.engine.DeployUpload(context.Background(), "blog", data); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("data %q err = %v", data, err)
		}
	}
}

func TestDeployFolder(t *testing.T) {
	env := newTestEngine(t)
	env.runner.Script(testutil.Response{Match: "docker compose up -d --build", Stdout: "up"})

	files := []FileUpload{
		{Path: "index.html", Data: []byte("<h1>hi</h1>")},
		{Path: "css/style.css", Data: []byte("body{}")},
	}
	out, err := env.engine.DeployFolder(context.Background(), "blog", files)
	if err != nil {
		t.Fatalf("DeployFolder: %v", err)
	}
	if !strings.Contains(out, "uploaded 2 files") {
		t.Errorf("out = %q", out)
	}
	if string(env.runner.Files["/opt/sites/blog/index.html"]) != "<h1>hi</h1>" {
		t.Error("index.html not uploaded")
	}
	if string(env.runner.Files["/opt/sites/blog/css/style.css"]) != "body{}" {
		t.Error("nested file not uploaded")
	}
}

func TestDeployFolderRejectsTraversal(t *testing.T) {
	env := newTestEngine(t)
	bad := [][]FileUpload{
		nil,
		{{Path: "/etc/passwd", Data: []byte("x")}},
		{{Path: "../other/index.html", Data: []byte("x")}},
		{{Path: "ok.html", Data: []byte("x")}, {Path: "a/../../escape", Data: []byte("x")}},
	}
	for _, files := range bad {
		if _, err := env.engine.DeployFolder(context.Background(), "blog", files); !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("files %v err = %v", files, err)
		}
	}
	if len(env.runner.CommandLog()) != 0 {
		t.Errorf("commands ran: %v", env.runner.CommandLog())
	}
}

func TestDeployInfo(t *testing.T) {
	env := newTestEngine(t)
	env.runner.Script(testutil.Response{
		Match:  "git remote get-url origin",
		Stdout: "https://github.com/acme/blog.git\nmain\nabc123def\n",
	})

	info, err := env.engine.DeployInfoFor(context.Background(), "blog")
	if err != nil {
		t.Fatalf("DeployInfoFor: %v", err)
	}
	if !info.Configured || info.RepoURL != "https://github.com/acme/blog.git" ||
		info.Branch != "main" || info.LastCommit != "abc123def" {
		t.Errorf("info = %+v", info)
	}
}

func TestDeployInfoNotACheckout(t *testing.T) {
	env := newTestEngine(t)
	env.runner.Script(testutil.Response{Match: "git remote get-url origin", ExitCode: 128})

	info, err := env.engine.DeployInfoFor(context.Background(), "blog")
	if err != nil {
		t.Fatalf("DeployInfoFor: %v", err)
	}
	if info.Configured {
		t.Errorf("info = %+v", info)
	}
	if info.Last.State != DeployIdle {
		t.Errorf("last = %+v", info.Last)
	}
}

func TestDeployStatusIdleByDefault(t *testing.T) {
	env := newTestEngine(t)
	st := env.engine.DeployStatusFor("never-deployed")
	if st.State != DeployIdle {
		t.Errorf("state = %s", st.State)
	}
}
