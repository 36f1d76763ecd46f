package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"devgen/internal/audit"
	"devgen/internal/capability"
	"devgen/internal/config"
	"devgen/internal/db"
	"devgen/internal/domain"
	"devgen/internal/migrate"
	"devgen/internal/pipeline"
	"devgen/internal/repo"
	"devgen/internal/sandbox"
)

type testServer struct {
	URL    string
	conn   *sql.DB
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Pipeline.MaxConcurrent = 2
	cfg.Sandbox.SmokeCommands = map[string]string{"python": "echo ok", "python/fastapi": "echo ok"}

	caps, err := capability.New(cfg)
	if err != nil {
		t.Fatalf("capabilities: %v", err)
	}
	logger := slog.Default()
	orch := pipeline.New(conn, caps, sandbox.New(cfg.Sandbox.MaxLogBytes, logger),
		audit.NewWriter(conn, logger), cfg, workspace, logger)

	handler, err := New(Config{Orchestrator: orch, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		conn:   conn,
		client: &http.Client{Timeout: 10 * time.Second},
		close: func() {
			srv.Close()
			conn.Close()
		},
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, buf)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-ID", "tenant-1")
	req.Header.Set("X-User-ID", "user-1")
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, data)
		}
	}
	return resp.StatusCode, decoded
}

func TestHealthNeedsNoIdentity(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	resp, err := http.Get(s.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
}

func TestGenerateFlow(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	status, body := s.do(t, http.MethodPost, "/v0/projects/generate", map[string]any{
		"requirement": "Build a REST API for managing notes",
		"language":    "python",
		"framework":   "fastapi",
	})
	if status != http.StatusAccepted {
		t.Fatalf("generate = %d: %v", status, body)
	}
	projectID, _ := body["project_id"].(string)
	if projectID == "" {
		t.Fatalf("no project_id in %v", body)
	}
	if body["status"] != "initializing" {
		t.Fatalf("status = %v", body["status"])
	}

	// Poll progress until terminal.
	deadline := time.Now().Add(10 * time.Second)
	var stage string
	for time.Now().Before(deadline) {
		st, progress := s.do(t, http.MethodGet, "/v0/projects/"+projectID+"/progress", nil)
		if st != http.StatusOK {
			t.Fatalf("progress = %d: %v", st, progress)
		}
		stage, _ = progress["stage"].(string)
		if stage == "ready" || stage == "failed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if stage != "ready" {
		t.Fatalf("pipeline ended in %q", stage)
	}

	st, project := s.do(t, http.MethodGet, "/v0/projects/"+projectID, nil)
	if st != http.StatusOK {
		t.Fatalf("get project = %d: %v", st, project)
	}
	files, _ := project["generated_files"].(map[string]any)
	if len(files) == 0 {
		t.Fatalf("terminal project has no files: %v", project)
	}
	if _, ok := project["execution"]; !ok {
		t.Fatalf("terminal project has no execution result: %v", project)
	}
}

func TestGenerateValidation(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	status, body := s.do(t, http.MethodPost, "/v0/projects/generate", map[string]any{
		"requirement": "",
		"language":    "python",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("empty requirement = %d: %v", status, body)
	}

	status, _ = s.do(t, http.MethodPost, "/v0/projects/generate", map[string]any{
		"requirement": "something",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("missing language = %d", status)
	}
}

func TestProgressFallbackForFailedProject(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()

	// Seed a failed row directly so the in-memory tracker has no record,
	// the situation after a server restart.
	ctx := context.Background()
	r := repo.Repo{DB: s.conn}
	ts := "2026-01-02T03:04:05Z"
	tx, err := s.conn.Begin()
	if err != nil {
		t.Fatal(err)
	}
	req := domain.Requirement{ID: "req-1", Text: "build an api", Status: "submitted", CreatedAt: ts}
	if err := r.InsertRequirement(ctx, tx, req); err != nil {
		t.Fatalf("insert requirement: %v", err)
	}
	p := domain.Project{
		ID: "restarted", RequirementID: req.ID, Status: domain.StageInitializing,
		Language: "python", Priority: "normal", CreatedAt: ts, UpdatedAt: ts,
	}
	if err := r.InsertProject(ctx, tx, p); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := r.FailProject(ctx, "restarted", "generation_error", domain.StageGenerating, ts); err != nil {
		t.Fatalf("fail project: %v", err)
	}

	status, body := s.do(t, http.MethodGet, "/v0/projects/restarted/progress", nil)
	if status != http.StatusOK {
		t.Fatalf("progress = %d: %v", status, body)
	}
	if body["stage"] != "failed" {
		t.Fatalf("stage = %v", body["stage"])
	}
	// The failure happened in generating, so the reported percentage is
	// that band's floor, never a reset to zero.
	if pct, _ := body["percentage"].(float64); pct != 40 {
		t.Fatalf("percentage = %v, want the generating band floor", body["percentage"])
	}
}

func TestUnknownProjectIs404(t *testing.T) {
	s := newTestServer(t)
	defer s.Close()
	status, body := s.do(t, http.MethodGet, "/v0/projects/nope", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d: %v", status, body)
	}
	errBody, _ := body["error"].(map[string]any)
	if errBody["code"] != "not_found" {
		t.Fatalf("error envelope = %v", body)
	}
}
