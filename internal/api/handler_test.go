package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/siteflow/siteflow/internal/action"
	"github.com/siteflow/siteflow/internal/apperr"
	"github.com/siteflow/siteflow/internal/audit"
	"github.com/siteflow/siteflow/internal/backup"
	"github.com/siteflow/siteflow/internal/caddy"
	"github.com/siteflow/siteflow/internal/health"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/provision"
	"github.com/siteflow/siteflow/internal/state"
	"github.com/siteflow/siteflow/internal/store"
	"github.com/siteflow/siteflow/internal/testutil"
	"github.com/siteflow/siteflow/internal/topology"
)

const testToken = "secret-token"

type fakeHealth struct {
	states   map[string]model.MonitorState
	monitors map[string]int
	nextID   int
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{
		states:   map[string]model.MonitorState{},
		monitors: map[string]int{},
	}
}

func (f *fakeHealth) MonitorStates() map[string]model.MonitorState { return f.states }

func (f *fakeHealth) CreateMonitor(ctx context.Context, name, url string) error {
	if _, ok := f.monitors[name]; ok {
		return apperr.New(apperr.KindConflict, "monitor %s already exists", name)
	}
	f.nextID++
	f.monitors[name] = f.nextID
	return nil
}

func (f *fakeHealth) DeleteMonitor(ctx context.Context, id int) error {
	for name, mid := range f.monitors {
		if mid == id {
			delete(f.monitors, name)
			return nil
		}
	}
	return apperr.New(apperr.KindNotFound, "no monitor %d", id)
}

func (f *fakeHealth) FindMonitor(name string) (health.Monitor, bool) {
	id, ok := f.monitors[name]
	return health.Monitor{ID: id, Name: name}, ok
}

type apiEnv struct {
	runner  *testutil.FakeRunner
	health  *fakeHealth
	backups *backup.Service
	audit   *audit.Service
	handler http.Handler

	fetchCount int
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	env := &apiEnv{
		runner: testutil.NewFakeRunner(),
		health: newFakeHealth(),
	}
	env.runner.SetFile("/opt/gateway/Caddyfile",
		[]byte("blog.example.com {\n\treverse_proxy blog-web:80\n}\n"))
	env.runner.Script(testutil.Response{Match: "test -e", ExitCode: 1})
	env.runner.Script(testutil.Response{Match: "docker ps --filter", Stdout: "Up 2 seconds\n"})

	auditSvc := audit.NewService(store.NewAuditRepo(db), 10000)
	backupSvc := backup.NewService(store.NewBackupRepo(db), backup.Thresholds{
		DB: 26 * time.Hour, Uploads: 30 * time.Hour,
		Verify: 7 * 24 * time.Hour, Snapshot: 8 * 24 * time.Hour,
	}, "/mnt/nas/restic")
	env.audit = auditSvc
	env.backups = backupSvc

	cache := state.NewCache(func(ctx context.Context) (state.Snapshot, error) {
		env.fetchCount++
		return state.Snapshot{
			Sites: []model.Site{{
				Name:   "blog",
				Path:   "/opt/sites/blog",
				Status: model.SiteRunning,
				Containers: []model.Container{
					{Name: "blog-web", StatusText: "Up 3 days", Image: "nginx:alpine"},
				},
				Domains: []string{"blog.example.com"},
			}},
			Routes:      []model.Route{{Domain: "blog.example.com", Target: "blog-web:80", Container: "blog-web", Port: 80}},
			GeneratedAt: time.Now().UTC(),
		}, nil
	}, time.Minute)

	editor := caddy.NewEditor(env.runner, "/opt/gateway/Caddyfile", "caddy")
	engine := action.NewEngine(env.runner, auditSvc, editor, nil, action.Config{SitesRoot: "/opt/sites"})
	prov := provision.New(env.runner, editor, nil, nil, env.health, auditSvc,
		provision.Config{SitesRoot: "/opt/sites"})

	graph := func(ctx context.Context, refresh bool) (model.Graph, error) {
		snap, err := cache.Get(ctx, refresh)
		if err != nil {
			return model.Graph{}, err
		}
		return topology.Build(snap, topology.Overlays{}, topology.Config{Gateway: "caddy"}), nil
	}

	srv := NewServer("127.0.0.1", 0, Deps{
		Cache:              cache,
		Graph:              graph,
		Engine:             engine,
		Prov:               prov,
		Backups:            backupSvc,
		Audit:              auditSvc,
		Health:             env.health,
		AdminToken:         testToken,
		APIMaxBodyBytes:    1 << 20,
		AuditRetentionDays: 90,
	})
	env.handler = srv.Handler()
	return env
}

func (env *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func (env *apiEnv) doMultipart(t *testing.T, path, field string, fields map[string]string, files map[string][]byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for name, data := range files {
		part, err := mw.CreateFormFile(field, name)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeJSON[ErrorResponse](t, rec).Error.Code
}
