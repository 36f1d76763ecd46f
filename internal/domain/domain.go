package domain

// Pipeline stages. A project's status walks initializing -> analyzing ->
// generating -> executing -> ready, or drops to failed from any
// non-terminal stage. It never moves backward.
const (
	StageInitializing = "initializing"
	StageAnalyzing    = "analyzing"
	StageGenerating   = "generating"
	StageExecuting    = "executing"
	StageReady        = "ready"
	StageFailed       = "failed"
)

// IsTerminalStage reports whether a stage ends the pipeline.
func IsTerminalStage(stage string) bool {
	return stage == StageReady || stage == StageFailed
}

type Requirement struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Text      string `json:"text"`
	Status    string `json:"status" enum:"submitted,analyzed,failed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID            string `json:"id"`
	RequirementID string `json:"requirement_id"`
	Description   string `json:"description"`
	OrderIndex    int    `json:"order_index"`
	Status        string `json:"status" enum:"pending,in_progress,completed,failed"`
}

type Project struct {
	ID            string            `json:"id"`
	RequirementID string            `json:"requirement_id"`
	TenantID      string            `json:"tenant_id,omitempty"`
	Status        string            `json:"status" enum:"initializing,analyzing,generating,executing,ready,failed"`
	Language      string            `json:"language"`
	Framework     string            `json:"framework,omitempty"`
	Priority      string            `json:"priority" enum:"low,normal,high"`
	Files         map[string]string `json:"generated_files,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	FailureStage  string            `json:"failure_stage,omitempty"`
	CreatedAt     string            `json:"created_at" format:"date-time"`
	UpdatedAt     string            `json:"updated_at" format:"date-time"`
}

// ExecutionResult captures one sandbox run. Immutable after creation;
// ExitCode is -1 when the run timed out and no real exit code exists.
type ExecutionResult struct {
	ProjectID  string `json:"project_id"`
	Command    string `json:"command"`
	Logs       string `json:"logs"`
	Truncated  bool   `json:"truncated,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// ProgressRecord is the only state a polling client observes before a
// project reaches a terminal stage.
type ProgressRecord struct {
	ProjectID  string `json:"project_id"`
	Stage      string `json:"stage"`
	Percentage int    `json:"percentage" minimum:"0" maximum:"100"`
	Message    string `json:"message,omitempty"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// ProfileEvent is one account-creation message from the provisioning
// stream, delivered at least once.
type ProfileEvent struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	IssuedAt string `json:"issued_at" format:"date-time"`
}

type Profile struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type AuditEvent struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	Stage     string `json:"stage"`
	Outcome   string `json:"outcome"`
	TS        string `json:"ts" format:"date-time"`
}
