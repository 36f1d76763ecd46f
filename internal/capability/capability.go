// Package capability defines the pluggable breakdown and code-generation
// backends the pipeline calls. A capability either returns a full result
// or an error; there is no partial failure, and the orchestrator never
// retries one.
package capability

import (
	"context"
	"fmt"

	"devgen/internal/config"
)

// TaskBreakdown turns requirement text into an ordered task list.
type TaskBreakdown interface {
	Breakdown(ctx context.Context, requirement string) ([]string, error)
}

// CodeGenerator produces named file contents from a task list.
type CodeGenerator interface {
	Generate(ctx context.Context, tasks []string, language, framework string) (map[string]string, error)
}

// Set bundles both capabilities behind one provider selection.
type Set struct {
	Breakdown TaskBreakdown
	Generator CodeGenerator
}

// New builds the capability set named by cfg.Capability.Provider.
func New(cfg *config.Config) (Set, error) {
	switch cfg.Capability.Provider {
	case "static":
		s := NewStatic(cfg.Capability.MaxTasks)
		return Set{Breakdown: s, Generator: s}, nil
	case "openai", "anthropic", "ollama":
		l, err := NewLLM(cfg.Capability)
		if err != nil {
			return Set{}, err
		}
		return Set{Breakdown: l, Generator: l}, nil
	default:
		return Set{}, fmt.Errorf("unknown capability provider %q", cfg.Capability.Provider)
	}
}
