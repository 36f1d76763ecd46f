package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"devgen/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertRequirement(ctx context.Context, tx *sql.Tx, req domain.Requirement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requirements(id,tenant_id,user_id,text,status,created_at) VALUES (?,?,?,?,?,?)`,
		req.ID, nullable(req.TenantID), nullable(req.UserID), req.Text, req.Status, req.CreatedAt)
	return err
}

func (r Repo) GetRequirement(ctx context.Context, id string) (domain.Requirement, error) {
	var req domain.Requirement
	var tenant, user sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,user_id,text,status,created_at FROM requirements WHERE id=?`, id).
		Scan(&req.ID, &tenant, &user, &req.Text, &req.Status, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	req.TenantID = tenant.String
	req.UserID = user.String
	return req, err
}

func (r Repo) UpdateRequirementStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE requirements SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertTasks persists a breakdown result in bulk, preserving the order
// the capability returned.
func (r Repo) InsertTasks(ctx context.Context, tx *sql.Tx, tasks []domain.Task) error {
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,requirement_id,description,order_index,status) VALUES (?,?,?,?,?)`,
			t.ID, t.RequirementID, t.Description, t.OrderIndex, t.Status); err != nil {
			return fmt.Errorf("insert task %d: %w", t.OrderIndex, err)
		}
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, requirementID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,requirement_id,description,order_index,status FROM tasks WHERE requirement_id=? ORDER BY order_index`, requirementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.RequirementID, &t.Description, &t.OrderIndex, &t.Status); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, requirementID, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=? WHERE requirement_id=?`, status, requirementID)
	return err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	priority := p.Priority
	if priority == "" {
		priority = "normal"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,requirement_id,tenant_id,status,language,framework,priority,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.RequirementID, nullable(p.TenantID), p.Status, p.Language, nullable(p.Framework), priority, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var tenant, framework, files, reason, stage sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,requirement_id,tenant_id,status,language,framework,priority,files_json,failure_reason,failure_stage,created_at,updated_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.RequirementID, &tenant, &p.Status, &p.Language, &framework, &p.Priority, &files, &reason, &stage, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.TenantID = tenant.String
	p.Framework = framework.String
	p.FailureReason = reason.String
	p.FailureStage = stage.String
	if files.Valid && files.String != "" {
		if err := json.Unmarshal([]byte(files.String), &p.Files); err != nil {
			return p, fmt.Errorf("decode files for project %s: %w", id, err)
		}
	}
	return p, nil
}

// AdvanceProjectStatus moves a project to the next stage. The WHERE clause
// pins the expected current status so a stale writer can never regress the
// state machine.
func (r Repo) AdvanceProjectStatus(ctx context.Context, id, from, to, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s is not in status %s", id, from)
	}
	return nil
}

func (r Repo) SetProjectFiles(ctx context.Context, id string, files map[string]string, now string) error {
	payload, err := json.Marshal(files)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET files_json=?, updated_at=? WHERE id=?`, string(payload), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) FailProject(ctx context.Context, id, reason, stage, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=?, failure_reason=?, failure_stage=?, updated_at=? WHERE id=? AND status NOT IN (?,?)`,
		domain.StageFailed, reason, stage, now, id, domain.StageReady, domain.StageFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertExecutionResult(ctx context.Context, res domain.ExecutionResult) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO execution_results(project_id,command,logs,truncated,exit_code,duration_ms,timed_out,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		res.ProjectID, res.Command, res.Logs, boolInt(res.Truncated), res.ExitCode, res.DurationMS, boolInt(res.TimedOut), res.CreatedAt)
	return err
}

func (r Repo) GetExecutionResult(ctx context.Context, projectID string) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	var truncated, timedOut int
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,command,logs,truncated,exit_code,duration_ms,timed_out,created_at FROM execution_results WHERE project_id=?`, projectID).
		Scan(&res.ProjectID, &res.Command, &res.Logs, &truncated, &res.ExitCode, &res.DurationMS, &timedOut, &res.CreatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	res.Truncated = truncated != 0
	res.TimedOut = timedOut != 0
	return res, err
}

// UpsertProfile applies insert-or-update semantics keyed by user_id in a
// single statement, so concurrent redeliveries cannot race an
// insert-then-catch-duplicate window. created_at survives the update;
// updated_at reflects the latest delivery.
func (r Repo) UpsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO profiles(user_id,username,email,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET username=excluded.username, email=excluded.email, updated_at=excluded.updated_at`,
		p.UserID, p.Username, p.Email, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var p domain.Profile
	err := r.DB.QueryRowContext(ctx, `SELECT user_id,username,email,created_at,updated_at FROM profiles WHERE user_id=?`, userID).
		Scan(&p.UserID, &p.Username, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListAuditEvents(ctx context.Context, projectID string) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,stage,outcome,ts FROM audit_events WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Stage, &e.Outcome, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
