// Package pipeline walks a submitted requirement through breakdown,
// generation, and sandboxed execution, attributing any failure to the
// stage that produced it.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"devgen/internal/audit"
	"devgen/internal/capability"
	"devgen/internal/config"
	"devgen/internal/domain"
	"devgen/internal/repo"
	"devgen/internal/sandbox"
)

// Executor is the sandbox collaborator the orchestrator drives.
type Executor interface {
	Execute(ctx context.Context, spec sandbox.Spec) (domain.ExecutionResult, error)
}

// Orchestrator owns the pipeline state machine. Construct with New; the
// zero value is not usable.
type Orchestrator struct {
	DB      *sql.DB
	Repo    repo.Repo
	Caps    capability.Set
	Sandbox Executor
	Tracker *Tracker
	Leases  *Leases
	Audit   audit.Emitter
	Config  *config.Config
	Logger  *slog.Logger
	Now     func() time.Time
	Workdir string

	sem chan struct{}

	// baseCtx parents every pipeline run; stop cancels it so running
	// pipelines halt at their next stage boundary.
	baseCtx context.Context
	stop    context.CancelFunc
}

func New(db *sql.DB, caps capability.Set, exec Executor, aud audit.Emitter, cfg *config.Config, workdir string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if aud == nil {
		aud = audit.Nop{}
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Caps:    caps,
		Sandbox: exec,
		Tracker: NewTracker(time.Duration(cfg.Pipeline.ProgressRetentionSec) * time.Second),
		Leases:  NewLeases(cfg.LeaseTTL()),
		Audit:   aud,
		Config:  cfg,
		Logger:  logger.With("component", "pipeline"),
		Now:     time.Now,
		Workdir: workdir,
		sem:     make(chan struct{}, cfg.Pipeline.MaxConcurrent),
		baseCtx: baseCtx,
		stop:    stop,
	}
}

// Shutdown asks every running pipeline to stop at its next stage
// boundary. In-flight capability calls are cancelled; the affected
// projects end in the failed stage with a canceled reason.
func (o *Orchestrator) Shutdown() {
	o.stop()
}

// SubmitRequest is one generation intake. ProjectID is normally blank and
// assigned here; a client retrying with the same id is rejected while the
// first run is still live.
type SubmitRequest struct {
	ProjectID string
	Text      string
	Language  string
	Framework string
	Priority  string
	TenantID  string
	UserID    string
}

// Submission is what Submit returns once intake is durable.
type Submission struct {
	ProjectID     string
	RequirementID string
	Status        string
}

// Submit validates and persists the intake, then starts the pipeline in
// the background. It returns as soon as the project exists in the
// initializing stage; progress is observable via the tracker from then on.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Submission{}, newError(domain.StageInitializing, ReasonValidation, errors.New("requirement text is empty"))
	}
	if strings.TrimSpace(req.Language) == "" {
		return Submission{}, newError(domain.StageInitializing, ReasonValidation, errors.New("language is required"))
	}

	priority := req.Priority
	if priority == "" {
		priority = "normal"
	}
	switch priority {
	case "low", "normal", "high":
	default:
		return Submission{}, newError(domain.StageInitializing, ReasonValidation,
			fmt.Errorf("unknown priority %q", req.Priority))
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = uuid.NewString()
	}
	if !o.Leases.Acquire(projectID) {
		return Submission{}, newError(domain.StageInitializing, ReasonConflict,
			fmt.Errorf("project %s already has a live pipeline", projectID))
	}

	now := o.Now().UTC().Format(time.RFC3339)
	requirement := domain.Requirement{
		ID:        uuid.NewString(),
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		Text:      text,
		Status:    "submitted",
		CreatedAt: now,
	}
	project := domain.Project{
		ID:            projectID,
		RequirementID: requirement.ID,
		TenantID:      req.TenantID,
		Status:        domain.StageInitializing,
		Language:      strings.ToLower(req.Language),
		Framework:     strings.ToLower(req.Framework),
		Priority:      priority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.intake(ctx, requirement, project); err != nil {
		o.Leases.Release(projectID)
		return Submission{}, newError(domain.StageInitializing, ReasonPersistence, err)
	}

	_ = o.Tracker.Set(projectID, domain.StageInitializing, pctInitializing, "accepted")
	o.Audit.Emit(ctx, projectID, domain.StageInitializing, "started")

	go o.run(o.baseCtx, project, requirement)

	return Submission{ProjectID: projectID, RequirementID: requirement.ID, Status: domain.StageInitializing}, nil
}

func (o *Orchestrator) intake(ctx context.Context, req domain.Requirement, p domain.Project) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertRequirement(ctx, tx, req); err != nil {
		return err
	}
	if err := o.Repo.InsertProject(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

// run executes every stage after intake. It owns the lease for the whole
// walk and releases it on every exit path.
func (o *Orchestrator) run(ctx context.Context, project domain.Project, requirement domain.Requirement) {
	o.sem <- struct{}{}
	defer func() { <-o.sem }()
	defer o.Leases.Release(project.ID)

	log := o.Logger.With("project_id", project.ID)
	if err := o.walk(ctx, project, requirement, log); err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			pe = newError(domain.StageFailed, ReasonPersistence, err)
		}
		// Record the failure even when ctx itself is what ended the run.
		o.fail(context.WithoutCancel(ctx), project.ID, pe, log)
		return
	}
	log.Info("pipeline finished", "status", domain.StageReady)
}

func (o *Orchestrator) walk(ctx context.Context, project domain.Project, requirement domain.Requirement, log *slog.Logger) error {
	// Analyzing: breakdown into tasks.
	if err := o.advance(ctx, project.ID, domain.StageInitializing, domain.StageAnalyzing, pctAnalyzing, "breaking down requirement"); err != nil {
		return err
	}
	tasks, err := o.breakdown(ctx, requirement)
	if err != nil {
		if ctx.Err() != nil {
			return newError(domain.StageAnalyzing, ReasonCanceled, ctx.Err())
		}
		return newError(domain.StageAnalyzing, ReasonBreakdown, err)
	}
	log.Info("requirement analyzed", "tasks", len(tasks))

	// Generating: tasks into files.
	if err := o.advance(ctx, project.ID, domain.StageAnalyzing, domain.StageGenerating, pctGenerating, "generating code"); err != nil {
		return err
	}
	files, err := o.generate(ctx, tasks, project)
	if err != nil {
		if ctx.Err() != nil {
			return newError(domain.StageGenerating, ReasonCanceled, ctx.Err())
		}
		return newError(domain.StageGenerating, ReasonGeneration, err)
	}
	now := o.Now().UTC().Format(time.RFC3339)
	if err := o.Repo.SetProjectFiles(ctx, project.ID, files, now); err != nil {
		return newError(domain.StageGenerating, ReasonPersistence, err)
	}
	log.Info("code generated", "files", len(files))

	// Executing: smoke test in the sandbox. A bad exit or a timeout is a
	// recorded outcome, not a pipeline failure.
	if err := o.advance(ctx, project.ID, domain.StageGenerating, domain.StageExecuting, pctExecuting, "running smoke test"); err != nil {
		return err
	}
	result, err := o.execute(ctx, project, files)
	if err != nil {
		if ctx.Err() != nil {
			return newError(domain.StageExecuting, ReasonCanceled, ctx.Err())
		}
		return newError(domain.StageExecuting, ReasonExecutionInfra, err)
	}
	if err := o.Repo.InsertExecutionResult(ctx, result); err != nil {
		return newError(domain.StageExecuting, ReasonPersistence, err)
	}
	_ = o.Tracker.Set(project.ID, domain.StageExecuting, pctExecuted, "smoke test finished")

	// Ready.
	now = o.Now().UTC().Format(time.RFC3339)
	if err := o.Repo.AdvanceProjectStatus(ctx, project.ID, domain.StageExecuting, domain.StageReady, now); err != nil {
		return newError(domain.StageExecuting, ReasonPersistence, err)
	}
	_ = o.Tracker.Set(project.ID, domain.StageReady, pctReady, "project ready")
	o.Audit.Emit(ctx, project.ID, domain.StageReady, "completed")
	return nil
}

// advance moves the persisted status, the tracker, and the audit trail in
// one step, checking cancellation first.
func (o *Orchestrator) advance(ctx context.Context, projectID, from, to string, pct int, msg string) error {
	if err := ctx.Err(); err != nil {
		return newError(from, ReasonCanceled, err)
	}
	now := o.Now().UTC().Format(time.RFC3339)
	if err := o.Repo.AdvanceProjectStatus(ctx, projectID, from, to, now); err != nil {
		return newError(to, ReasonPersistence, err)
	}
	_ = o.Tracker.Set(projectID, to, pct, msg)
	o.Audit.Emit(ctx, projectID, to, "entered")
	return nil
}

func (o *Orchestrator) breakdown(ctx context.Context, requirement domain.Requirement) ([]domain.Task, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.Config.StageTimeout())
	defer cancel()
	descriptions, err := o.Caps.Breakdown.Breakdown(stageCtx, requirement.Text)
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(descriptions))
	for i, d := range descriptions {
		tasks = append(tasks, domain.Task{
			ID:            uuid.NewString(),
			RequirementID: requirement.ID,
			Description:   d,
			OrderIndex:    i,
			Status:        "pending",
		})
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertTasks(ctx, tx, tasks); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if err := o.Repo.UpdateRequirementStatus(ctx, requirement.ID, "analyzed"); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (o *Orchestrator) generate(ctx context.Context, tasks []domain.Task, project domain.Project) (map[string]string, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.Config.StageTimeout())
	defer cancel()
	descriptions := make([]string, len(tasks))
	for i, t := range tasks {
		descriptions[i] = t.Description
	}
	files, err := o.Caps.Generator.Generate(stageCtx, descriptions, project.Language, project.Framework)
	if err != nil {
		return nil, err
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := o.Repo.UpdateTaskStatus(ctx, tx, project.RequirementID, "completed"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return files, nil
}

// execute materializes the generated files into a scratch directory and
// runs the configured smoke command there.
func (o *Orchestrator) execute(ctx context.Context, project domain.Project, files map[string]string) (domain.ExecutionResult, error) {
	command, ok := o.Config.SmokeCommand(project.Language, project.Framework)
	if !ok {
		return domain.ExecutionResult{}, fmt.Errorf("no smoke command configured for language %q", project.Language)
	}
	dir, err := o.materialize(project.ID, files)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	defer os.RemoveAll(dir)
	// The sandbox enforces its own kill deadline; the outer timeout only
	// guards against an executor that wedges past it.
	stageCtx, cancel := context.WithTimeout(ctx, o.Config.SandboxTimeout()+o.Config.StageTimeout())
	defer cancel()
	return o.Sandbox.Execute(stageCtx, sandbox.Spec{
		ProjectID: project.ID,
		Dir:       dir,
		Command:   command,
		Timeout:   o.Config.SandboxTimeout(),
	})
}

func (o *Orchestrator) materialize(projectID string, files map[string]string) (string, error) {
	dir := filepath.Join(o.Workdir, "runs", projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.Clean(name))
		if !strings.HasPrefix(path, dir) {
			return "", fmt.Errorf("generated file name %q escapes the run directory", name)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", err
		}
	}
	return dir, nil
}

// fail records a terminal failure: status drops to failed with the
// reason and stage attributed, progress freezes, the audit trail gets the
// outcome. Persistence trouble here is logged; there is nowhere further
// to report it.
func (o *Orchestrator) fail(ctx context.Context, projectID string, pe *Error, log *slog.Logger) {
	now := o.Now().UTC().Format(time.RFC3339)
	if err := o.Repo.FailProject(ctx, projectID, string(pe.Reason), pe.Stage, now); err != nil {
		log.Error("recording failure", "stage", pe.Stage, "reason", pe.Reason, "error", err)
	}
	_ = o.Tracker.Set(projectID, domain.StageFailed, 0, pe.Error())
	o.Audit.Emit(ctx, projectID, pe.Stage, "failed:"+string(pe.Reason))
	log.Warn("pipeline failed", "stage", pe.Stage, "reason", pe.Reason, "error", pe.Err)
}
