package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"devgen/internal/db"
	"devgen/internal/domain"
	"devgen/internal/migrate"
	"devgen/internal/repo"
)

type testEnv struct {
	Repo repo.Repo
	DB   *sql.DB
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return testEnv{Repo: repo.Repo{DB: conn}, DB: conn, Ctx: context.Background()}
}

const ts = "2026-01-02T03:04:05Z"

func seedProject(t *testing.T, env testEnv, projectID string) {
	t.Helper()
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	req := domain.Requirement{ID: "req-" + projectID, Text: "build an api", Status: "submitted", CreatedAt: ts}
	if err := env.Repo.InsertRequirement(env.Ctx, tx, req); err != nil {
		t.Fatalf("insert requirement: %v", err)
	}
	p := domain.Project{
		ID: projectID, RequirementID: req.ID, Status: domain.StageInitializing,
		Language: "python", Framework: "fastapi", CreatedAt: ts, UpdatedAt: ts,
	}
	if err := env.Repo.InsertProject(env.Ctx, tx, p); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env, "p1")

	p, err := env.Repo.GetProject(env.Ctx, "p1")
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Status != domain.StageInitializing {
		t.Fatalf("status = %q", p.Status)
	}

	if err := env.Repo.AdvanceProjectStatus(env.Ctx, "p1", domain.StageInitializing, domain.StageAnalyzing, ts); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// A stale writer still holding the old status must not move the row.
	if err := env.Repo.AdvanceProjectStatus(env.Ctx, "p1", domain.StageInitializing, domain.StageGenerating, ts); err == nil {
		t.Fatal("advance from stale status should fail")
	}
	p, _ = env.Repo.GetProject(env.Ctx, "p1")
	if p.Status != domain.StageAnalyzing {
		t.Fatalf("status after stale advance = %q", p.Status)
	}
}

func TestSetProjectFilesRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env, "p1")
	files := map[string]string{"main.py": "print('hi')", "TASKS.md": "# Tasks"}
	if err := env.Repo.SetProjectFiles(env.Ctx, "p1", files, ts); err != nil {
		t.Fatalf("set files: %v", err)
	}
	p, err := env.Repo.GetProject(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Files) != 2 || p.Files["main.py"] != "print('hi')" {
		t.Fatalf("files round trip = %#v", p.Files)
	}
}

func TestFailProjectIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env, "p1")
	if err := env.Repo.FailProject(env.Ctx, "p1", "breakdown_error", domain.StageAnalyzing, ts); err != nil {
		t.Fatalf("fail: %v", err)
	}
	p, _ := env.Repo.GetProject(env.Ctx, "p1")
	if p.Status != domain.StageFailed || p.FailureReason != "breakdown_error" || p.FailureStage != domain.StageAnalyzing {
		t.Fatalf("failed project = %+v", p)
	}
	// Terminal rows stay terminal.
	if err := env.Repo.FailProject(env.Ctx, "p1", "other", domain.StageGenerating, ts); err == nil {
		t.Fatal("failing a terminal project should report not found")
	}
}

func TestTasksPreserveOrder(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env, "p1")
	tx, _ := env.DB.Begin()
	tasks := []domain.Task{
		{ID: "t1", RequirementID: "req-p1", Description: "first", OrderIndex: 0, Status: "pending"},
		{ID: "t2", RequirementID: "req-p1", Description: "second", OrderIndex: 1, Status: "pending"},
		{ID: "t3", RequirementID: "req-p1", Description: "third", OrderIndex: 2, Status: "pending"},
	}
	if err := env.Repo.InsertTasks(env.Ctx, tx, tasks); err != nil {
		t.Fatalf("insert tasks: %v", err)
	}
	tx.Commit()
	got, err := env.Repo.ListTasks(env.Ctx, "req-p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Description != "first" || got[2].Description != "third" {
		t.Fatalf("order not preserved: %+v", got)
	}
}

func TestUpsertProfileIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first := domain.Profile{UserID: "u1", Username: "ada", Email: "ada@example.com", CreatedAt: ts, UpdatedAt: ts}
	if err := env.Repo.UpsertProfile(env.Ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	later := "2026-01-03T00:00:00Z"
	redelivery := domain.Profile{UserID: "u1", Username: "ada2", Email: "ada@new.example.com", CreatedAt: later, UpdatedAt: later}
	if err := env.Repo.UpsertProfile(env.Ctx, redelivery); err != nil {
		t.Fatalf("redelivery upsert: %v", err)
	}
	p, err := env.Repo.GetProfile(env.Ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Username != "ada2" || p.Email != "ada@new.example.com" {
		t.Fatalf("update not applied: %+v", p)
	}
	if p.CreatedAt != ts {
		t.Fatalf("created_at must survive redelivery, got %s", p.CreatedAt)
	}
	if p.UpdatedAt != later {
		t.Fatalf("updated_at not bumped, got %s", p.UpdatedAt)
	}
}

func TestExecutionResultRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env, "p1")
	res := domain.ExecutionResult{
		ProjectID: "p1", Command: "true", Logs: "ok", Truncated: true,
		ExitCode: -1, DurationMS: 1200, TimedOut: true, CreatedAt: ts,
	}
	if err := env.Repo.InsertExecutionResult(env.Ctx, res); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := env.Repo.GetExecutionResult(env.Ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.TimedOut || !got.Truncated || got.ExitCode != -1 {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestGetRequirement(t *testing.T) {
	env := newTestEnv(t)
	seedProject(t, env, "p1")
	req, err := env.Repo.GetRequirement(env.Ctx, "req-p1")
	if err != nil {
		t.Fatalf("get requirement: %v", err)
	}
	if req.Text != "build an api" || req.Status != "submitted" {
		t.Fatalf("requirement = %+v", req)
	}
	if _, err := env.Repo.GetRequirement(env.Ctx, "missing"); err != repo.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Repo.GetProject(env.Ctx, "nope"); err != repo.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
