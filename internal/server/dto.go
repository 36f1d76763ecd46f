package server

import "devgen/internal/domain"

type GenerateRequest struct {
	Requirement string `json:"requirement" doc:"Natural-language software requirement"`
	Language    string `json:"language" doc:"Target language, e.g. python"`
	Framework   string `json:"framework,omitempty" doc:"Optional framework, e.g. fastapi"`
	Priority    string `json:"priority,omitempty" enum:"low,normal,high" doc:"Scheduling hint, defaults to normal"`
	ProjectID   string `json:"project_id,omitempty" doc:"Optional caller-chosen project id for idempotent retries"`
}

type GenerateResponse struct {
	ProjectID     string `json:"project_id"`
	RequirementID string `json:"requirement_id"`
	Status        string `json:"status"`
}

// ProjectResponse is the full project view. Files and execution appear
// only once the pipeline is terminal.
type ProjectResponse struct {
	domain.Project
	Execution *domain.ExecutionResult `json:"execution,omitempty"`
}
