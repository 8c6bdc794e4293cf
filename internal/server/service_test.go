package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/convergectl/internal/history"
	"github.com/danmuck/convergectl/internal/plan"
	"github.com/danmuck/convergectl/internal/surface"
	"github.com/danmuck/convergectl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Repo = filepath.Join(t.TempDir(), "repo")
	cfg.PidFile = filepath.Join(t.TempDir(), "run", "server.pid")
	cfg.ReconcileInterval = 0
	cfg.ShutdownGrace = time.Second
	cfg.Surface.Kind = SurfaceMemory
	return cfg
}

func newTestService(t *testing.T, target surface.Surface) *Service {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, err := NewService(testConfig(t), WithSurface(target), WithStore(history.NewMemory(10)))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func do(t *testing.T, h http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitThenStrategyAndExpected(t *testing.T) {
	testlog.Start(t)

	svc := newTestService(t, surface.NewMemory())
	h := svc.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/", "application/json",
		`{"services": {"nats": {"charm": "cs:trusty/nats"}, "router": {"charm": "cs:trusty/router"}}, "relations": [["nats", "router"]]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected submit status %d body=%s", rec.Code, rec.Body.String())
	}
	if svc.loop.Pending() != 1 {
		t.Fatalf("submission should enqueue a reconcile, pending=%d", svc.loop.Pending())
	}

	rec = do(t, h, http.MethodGet, "/api/v1/", "", "")
	var expected struct {
		Services map[string]json.RawMessage `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &expected); err != nil || len(expected.Services) != 2 {
		t.Fatalf("unexpected expected body: %s err=%v", rec.Body.String(), err)
	}

	svc.Reconciler().Reconcile(context.Background())
	rec = do(t, h, http.MethodGet, "/api/v1/strategy", "", "")
	var steps []string
	if err := json.Unmarshal(rec.Body.Bytes(), &steps); err != nil {
		t.Fatalf("decode strategy: %v", err)
	}
	if len(steps) != 4 || !strings.HasPrefix(steps[0], "GenerateArtifacts [COMPLETE]") || !strings.HasPrefix(steps[3], "AddRelation [PENDING]") {
		t.Fatalf("unexpected strategy: %v", steps)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/plan", "", "")
	if !strings.Contains(rec.Body.String(), `"active":true`) {
		t.Fatalf("expected active plan: %s", rec.Body.String())
	}
}

func TestSubmitYAMLAndRejectInvalid(t *testing.T) {
	testlog.Start(t)

	svc := newTestService(t, surface.NewMemory())
	h := svc.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/", "application/x-yaml", "services:\n  mysql:\n    charm: cs:trusty/mysql\n")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("yaml submit status %d body=%s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/api/v1/", "application/json", `{"relations": [["a", "b", "c"]]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid relation, got %d", rec.Code)
	}
	if got := svc.Reconciler().Expected(); got == nil || len(got.Services) != 1 {
		t.Fatalf("invalid submission must not replace expected: %+v", got)
	}
}

func TestResetAndHistory(t *testing.T) {
	testlog.Start(t)

	svc := newTestService(t, surface.NewMemory())
	h := svc.Handler()

	do(t, h, http.MethodPost, "/api/v1/", "application/json", `{"services": {"a": {}}}`)
	svc.Reconciler().Reconcile(context.Background())

	rec := do(t, h, http.MethodGet, "/api/v1/reset", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/v1/", "", "")
	if got := strings.TrimSpace(rec.Body.String()); got != `{"services":{},"relations":[]}` {
		t.Fatalf("expected empty topology object, got %s", got)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/history?limit=5", "", "")
	var body struct {
		Plans []struct {
			ID    string `json:"id"`
			State string `json:"state"`
			Steps []struct {
				Kind  string `json:"kind"`
				State string `json:"state"`
			} `json:"steps"`
		} `json:"plans"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(body.Plans) != 1 || body.Plans[0].Steps[1].State != "PENDING" {
		t.Fatalf("unexpected history: %s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodGet, "/api/v1/history?limit=x", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	testlog.Start(t)

	h := newTestService(t, surface.NewMemory()).Handler()
	if rec := do(t, h, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("health status %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "convergectl_http_requests_total") {
		t.Fatalf("metrics missing http counters: %d", rec.Code)
	}
}

func TestServeConvergesAndShutsDown(t *testing.T) {
	testlog.Start(t)

	target := surface.NewMemory()
	svc := newTestService(t, target)
	if err := svc.Reconciler().Submit(mustDecode(t, `{"services": {"a": {}, "b": {}}, "relations": [["a", "b"]]}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	hup := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln, hup) }()

	deadline := time.Now().Add(3 * time.Second)
	for len(svc.Reconciler().History(0)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hist := svc.Reconciler().History(0); len(hist) != 1 || hist[0].State.String() != "COMPLETE" {
		t.Fatalf("expected converged plan, got %+v", hist)
	}
	if _, err := os.Stat(svc.cfg.PidFile); err != nil {
		t.Fatalf("pid file missing while serving: %v", err)
	}

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/strategy")
	if err != nil {
		t.Fatalf("http get: %v", err)
	}
	resp.Body.Close()

	hup <- syscall.SIGHUP
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not shut down")
	}
	if _, err := os.Stat(svc.cfg.PidFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file should be removed, err=%v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.Surface.Kind = SurfaceSSH
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("ssh without host should fail, got %v", err)
	}
	cfg.Surface.SSHHost, cfg.Surface.SSHUser = "bastion", "ops"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("ssh without key path should fail, got %v", err)
	}
	cfg.Surface.SSHKeyPath = "~/.ssh/id_ed25519"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete ssh config should pass: %v", err)
	}
	cfg = DefaultConfig()
	cfg.Repo = ""
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty repo should fail, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.History.Retention = -time.Hour
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("negative retention should fail, got %v", err)
	}
	cfg = DefaultConfig()
	cfg.Repo = t.TempDir()
	cfg.History.Backend = HistoryBadger
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("badger without path should fail, got %v", err)
	}
	cfg.History.Path = t.TempDir()
	cfg.Surface.Kind = SurfaceMemory
	cfg.PidFile = ""
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service with badger: %v", err)
	}
	if err := svc.store.Close(); err != nil {
		t.Fatalf("close badger: %v", err)
	}
}

func TestGetExpectedBeforeSubmitIsEmptyObject(t *testing.T) {
	testlog.Start(t)

	h := newTestService(t, surface.NewMemory()).Handler()
	rec := do(t, h, http.MethodGet, "/api/v1/", "", "")
	if got := strings.TrimSpace(rec.Body.String()); rec.Code != http.StatusOK || got != `{"services":{},"relations":[]}` {
		t.Fatalf("expected empty topology object, got %d %s", rec.Code, got)
	}
}

func TestLocalArtifactConvergesWithDefaultRepo(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	target := surface.NewMemory()
	svc := newTestService(t, target)
	if _, err := os.Stat(svc.cfg.Repo); err != nil {
		t.Fatalf("repo should be created at startup: %v", err)
	}
	rec := do(t, svc.Handler(), http.MethodPost, "/api/v1/", "application/json",
		`{"services": {"router": {"branch": "local:trusty/router"}}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status %d body=%s", rec.Code, rec.Body.String())
	}

	for i := 0; i < 3; i++ {
		svc.Reconciler().Reconcile(ctx)
	}
	hist := svc.Reconciler().History(0)
	if len(hist) != 1 || hist[0].State.String() != "COMPLETE" {
		t.Fatalf("expected local artifact plan to complete, got %+v", hist)
	}
	if pkgs := target.Packages(); len(pkgs) != 1 {
		t.Fatalf("expected one uploaded package, got %+v", pkgs)
	}
	if _, err := os.Stat(filepath.Join(svc.cfg.Repo, svc.cfg.ArtifactVersion, "trusty", "router", "manifest.yaml")); err != nil {
		t.Fatalf("manifest not generated: %v", err)
	}

	rec = do(t, svc.Handler(), http.MethodGet, "/api/v1/plan", "", "")
	if !strings.Contains(rec.Body.String(), `"active":false`) || !strings.Contains(rec.Body.String(), hist[0].ID) {
		t.Fatalf("plan endpoint should report the last archived plan: %s", rec.Body.String())
	}
}

func TestPruneHistoryDropsExpiredReports(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	store := history.NewMemory(10)
	cfg := testConfig(t)
	cfg.History.Retention = time.Hour
	svc, err := NewService(cfg, WithSurface(surface.NewMemory()), WithStore(store))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	now := time.Now()
	old := plan.PlanReport{ID: "old", State: plan.Complete, CreatedAt: now.Add(-3 * time.Hour)}.Archived(now.Add(-2 * time.Hour))
	fresh := plan.PlanReport{ID: "fresh", State: plan.Complete, CreatedAt: now}.Archived(now)
	_ = store.Archive(ctx, old)
	_ = store.Archive(ctx, fresh)

	svc.pruneHistory(ctx)
	left, _ := store.List(ctx, 0)
	if len(left) != 1 || left[0].ID != "fresh" {
		t.Fatalf("expected only fresh report to remain, got %+v", left)
	}
}
