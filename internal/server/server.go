// Package server exposes the generation pipeline over HTTP: submit,
// poll progress, fetch the finished project.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"devgen/internal/domain"
	"devgen/internal/pipeline"
	"devgen/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *pipeline.Orchestrator
	BasePath     string
	Identity     IdentityConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"project already has a live pipeline"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the generation API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newIdentityMiddleware(basePath, cfg.Identity))
	hcfg := huma.DefaultConfig("Devgen API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerGenerate(group, cfg.Orchestrator)
	registerProgress(group, cfg.Orchestrator)
	registerProject(group, cfg.Orchestrator)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		switch pe.Reason {
		case pipeline.ReasonConflict:
			return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
		case pipeline.ReasonValidation:
			return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		default:
			return newAPIError(http.StatusInternalServerError, "internal_error", "internal error",
				map[string]any{"stage": pe.Stage, "reason": string(pe.Reason)})
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error",
		map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerGenerate(api huma.API, o *pipeline.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "generate-project",
		Method:        http.MethodPost,
		Path:          "/projects/generate",
		Summary:       "Submit a requirement for generation",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body GenerateRequest `json:"body"`
	}) (*struct {
		Body GenerateResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Requirement) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "requirement is required", nil)
		}
		if strings.TrimSpace(input.Body.Language) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "language is required", nil)
		}
		principal := principalFromContext(ctx)
		sub, err := o.Submit(ctx, pipeline.SubmitRequest{
			ProjectID: input.Body.ProjectID,
			Text:      input.Body.Requirement,
			Language:  input.Body.Language,
			Framework: input.Body.Framework,
			Priority:  input.Body.Priority,
			TenantID:  principal.TenantID,
			UserID:    principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GenerateResponse `json:"body"`
		}{Body: GenerateResponse{
			ProjectID:     sub.ProjectID,
			RequirementID: sub.RequirementID,
			Status:        sub.Status,
		}}, nil
	})
}

func registerProgress(api huma.API, o *pipeline.Orchestrator) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "project-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/progress",
		Summary:     "Current pipeline progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.ProgressRecord `json:"body"`
	}, error) {
		rec, ok := o.Tracker.Get(input.ProjectID)
		if !ok {
			// The tracker is in-memory; fall back to the durable row so a
			// restarted server still answers for finished projects.
			p, err := o.Repo.GetProject(ctx, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			pct := pipeline.ProgressFloor(p.Status)
			if p.Status == domain.StageFailed {
				pct = pipeline.ProgressFloor(p.FailureStage)
			}
			rec = domain.ProgressRecord{
				ProjectID:  p.ID,
				Stage:      p.Status,
				Percentage: pct,
				UpdatedAt:  p.UpdatedAt,
			}
		}
		return &struct {
			Body domain.ProgressRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerProject(api huma.API, o *pipeline.Orchestrator) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Full project with files and execution result",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := o.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ProjectResponse{Project: p}
		if !domain.IsTerminalStage(p.Status) {
			// Hide intermediate artifacts until the outcome is settled.
			resp.Files = nil
		} else {
			res, err := o.Repo.GetExecutionResult(ctx, p.ID)
			if err == nil {
				resp.Execution = &res
			} else if !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: resp}, nil
	})
}
