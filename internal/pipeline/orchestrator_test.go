package pipeline_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devgen/internal/audit"
	"devgen/internal/capability"
	"devgen/internal/config"
	"devgen/internal/db"
	"devgen/internal/domain"
	"devgen/internal/migrate"
	"devgen/internal/pipeline"
	"devgen/internal/sandbox"
)

type fakeBreakdown struct {
	tasks   []string
	err     error
	calls   atomic.Int32
	release chan struct{}
}

func (f *fakeBreakdown) Breakdown(ctx context.Context, _ string) ([]string, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.tasks, f.err
}

type fakeGenerator struct {
	files map[string]string
	err   error
	calls atomic.Int32
}

func (f *fakeGenerator) Generate(context.Context, []string, string, string) (map[string]string, error) {
	f.calls.Add(1)
	return f.files, f.err
}

type fakeSandbox struct {
	result domain.ExecutionResult
	err    error
}

func (f *fakeSandbox) Execute(_ context.Context, spec sandbox.Spec) (domain.ExecutionResult, error) {
	if f.err != nil {
		return domain.ExecutionResult{}, f.err
	}
	res := f.result
	res.ProjectID = spec.ProjectID
	res.Command = spec.Command
	res.CreatedAt = "2026-01-01T00:00:00Z"
	return res, nil
}

type fixture struct {
	orch *pipeline.Orchestrator
	conn *sql.DB
	bd   *fakeBreakdown
	gen  *fakeGenerator
	sb   *fakeSandbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	cfg.Pipeline.MaxConcurrent = 2
	cfg.Pipeline.StageTimeoutSec = 5
	cfg.Sandbox.SmokeCommands = map[string]string{"python": "true"}

	bd := &fakeBreakdown{tasks: []string{"design", "build", "test"}}
	gen := &fakeGenerator{files: map[string]string{"main.py": "print('hi')"}}
	sb := &fakeSandbox{result: domain.ExecutionResult{ExitCode: 0, DurationMS: 10}}

	caps := capability.Set{Breakdown: bd, Generator: gen}
	orch := pipeline.New(conn, caps, sb, audit.NewWriter(conn, slog.Default()), cfg, dir, slog.Default())
	return &fixture{orch: orch, conn: conn, bd: bd, gen: gen, sb: sb}
}

func awaitTerminal(t *testing.T, f *fixture, projectID string) domain.Project {
	t.Helper()
	var p domain.Project
	require.Eventually(t, func() bool {
		got, err := f.orch.Repo.GetProject(context.Background(), projectID)
		if err != nil {
			return false
		}
		p = got
		return domain.IsTerminalStage(p.Status)
	}, 5*time.Second, 10*time.Millisecond)
	return p
}

func TestPipelineReachesReady(t *testing.T) {
	f := newFixture(t)
	sub, err := f.orch.Submit(context.Background(), pipeline.SubmitRequest{
		Text: "build me an api", Language: "python",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StageInitializing, sub.Status)

	p := awaitTerminal(t, f, sub.ProjectID)
	assert.Equal(t, domain.StageReady, p.Status)
	assert.Equal(t, "print('hi')", p.Files["main.py"])

	res, err := f.orch.Repo.GetExecutionResult(context.Background(), sub.ProjectID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	rec, ok := f.orch.Tracker.Get(sub.ProjectID)
	require.True(t, ok)
	assert.Equal(t, 100, rec.Percentage)

	events, err := f.orch.Repo.ListAuditEvents(context.Background(), sub.ProjectID)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
	assert.Equal(t, domain.StageReady, events[len(events)-1].Stage)
}

func TestEmptyRequirementRejectedBeforeBreakdown(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Submit(context.Background(), pipeline.SubmitRequest{
		Text: "   \n\t ", Language: "python",
	})
	require.Error(t, err)
	assert.True(t, pipeline.IsValidation(err))
	assert.Equal(t, int32(0), f.bd.calls.Load(), "breakdown must not run for empty input")
}

func TestBreakdownFailureNeverReachesGeneration(t *testing.T) {
	f := newFixture(t)
	f.bd.tasks = nil
	f.bd.err = errors.New("model said no")

	sub, err := f.orch.Submit(context.Background(), pipeline.SubmitRequest{
		Text: "build me an api", Language: "python",
	})
	require.NoError(t, err)

	p := awaitTerminal(t, f, sub.ProjectID)
	assert.Equal(t, domain.StageFailed, p.Status)
	assert.Equal(t, string(pipeline.ReasonBreakdown), p.FailureReason)
	assert.Equal(t, domain.StageAnalyzing, p.FailureStage)
	assert.Equal(t, int32(0), f.gen.calls.Load(), "generation must not run after breakdown failure")
}

func TestDuplicateSubmissionConflicts(t *testing.T) {
	f := newFixture(t)
	f.bd.release = make(chan struct{})

	sub, err := f.orch.Submit(context.Background(), pipeline.SubmitRequest{
		ProjectID: "fixed-id", Text: "build me an api", Language: "python",
	})
	require.NoError(t, err)

	_, err = f.orch.Submit(context.Background(), pipeline.SubmitRequest{
		ProjectID: "fixed-id", Text: "build me an api", Language: "python",
	})
	require.Error(t, err)
	assert.True(t, pipeline.IsConflict(err))

	close(f.bd.release)
	p := awaitTerminal(t, f, sub.ProjectID)
	assert.Equal(t, domain.StageReady, p.Status)

	// The lease is released on exit, so the id is submittable again.
	require.Eventually(t, func() bool {
		return !f.orch.Leases.Held("fixed-id")
	}, time.Second, 10*time.Millisecond)
}

func TestShutdownStopsPipelineAtNextBoundary(t *testing.T) {
	f := newFixture(t)
	// Breakdown blocks until its context ends, holding the pipeline in the
	// analyzing stage.
	f.bd.release = make(chan struct{})

	sub, err := f.orch.Submit(context.Background(), pipeline.SubmitRequest{
		Text: "build me an api", Language: "python",
	})
	require.NoError(t, err)

	f.orch.Shutdown()

	p := awaitTerminal(t, f, sub.ProjectID)
	assert.Equal(t, domain.StageFailed, p.Status)
	assert.Equal(t, string(pipeline.ReasonCanceled), p.FailureReason)
	assert.Equal(t, int32(0), f.gen.calls.Load(), "no stage starts after shutdown")
}

func TestSandboxLaunchFailureIsInfraError(t *testing.T) {
	f := newFixture(t)
	f.sb.err = errors.New("sh: not found")

	sub, err := f.orch.Submit(context.Background(), pipeline.SubmitRequest{
		Text: "build me an api", Language: "python",
	})
	require.NoError(t, err)

	p := awaitTerminal(t, f, sub.ProjectID)
	assert.Equal(t, domain.StageFailed, p.Status)
	assert.Equal(t, string(pipeline.ReasonExecutionInfra), p.FailureReason)
	assert.Equal(t, domain.StageExecuting, p.FailureStage)
}

func TestTimedOutSmokeTestStillReady(t *testing.T) {
	f := newFixture(t)
	f.sb.result = domain.ExecutionResult{ExitCode: sandbox.TimeoutExitCode, TimedOut: true, DurationMS: 300}

	sub, err := f.orch.Submit(context.Background(), pipeline.SubmitRequest{
		Text: "build me an api", Language: "python",
	})
	require.NoError(t, err)

	p := awaitTerminal(t, f, sub.ProjectID)
	assert.Equal(t, domain.StageReady, p.Status, "a bad run is an outcome, not a pipeline failure")

	res, err := f.orch.Repo.GetExecutionResult(context.Background(), sub.ProjectID)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, sandbox.TimeoutExitCode, res.ExitCode)
}

func TestMissingSmokeCommandFailsExecuting(t *testing.T) {
	f := newFixture(t)
	sub, err := f.orch.Submit(context.Background(), pipeline.SubmitRequest{
		Text: "build me an api", Language: "go",
	})
	require.NoError(t, err)

	p := awaitTerminal(t, f, sub.ProjectID)
	assert.Equal(t, domain.StageFailed, p.Status)
	assert.Equal(t, string(pipeline.ReasonExecutionInfra), p.FailureReason)
}

func TestMissingLanguageRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Submit(context.Background(), pipeline.SubmitRequest{Text: "build me an api"})
	require.Error(t, err)
	assert.True(t, pipeline.IsValidation(err))
}
