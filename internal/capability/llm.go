package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"devgen/internal/config"
)

// LLM backs both capabilities with a langchaingo model. The model is asked
// for strict JSON; anything else is a capability error, not something to
// repair here.
type LLM struct {
	model    llms.Model
	provider string
	maxTasks int
}

// NewLLM builds an LLM capability for the configured provider. API keys
// come from the provider's usual environment variables.
func NewLLM(cfg config.CapabilityConfig) (*LLM, error) {
	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		model, err = anthropic.New(opts...)
	case "ollama":
		opts := []ollama.Option{}
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s provider: %w", cfg.Provider, err)
	}
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 15
	}
	return &LLM{model: model, provider: cfg.Provider, maxTasks: maxTasks}, nil
}

const breakdownPrompt = `You are an expert software project manager. Break down the following software requirement into specific, actionable development tasks.

Requirement: %s

Return ONLY a JSON array of task description strings, no other text.`

func (l *LLM) Breakdown(ctx context.Context, requirement string) ([]string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, l.model, fmt.Sprintf(breakdownPrompt, requirement),
		llms.WithTemperature(0.3), llms.WithMaxTokens(1000))
	if err != nil {
		return nil, fmt.Errorf("%s breakdown: %w", l.provider, err)
	}
	var tasks []string
	if err := json.Unmarshal([]byte(extractJSON(out)), &tasks); err != nil {
		return nil, fmt.Errorf("%s breakdown: invalid response format: %w", l.provider, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%s breakdown: empty task list", l.provider)
	}
	if len(tasks) > l.maxTasks {
		tasks = tasks[:l.maxTasks]
	}
	return tasks, nil
}

const generatePrompt = `You are an expert software engineer. Generate a minimal runnable %s project%s implementing these tasks:

%s

Return ONLY a JSON object mapping file names to full file contents, no other text.`

func (l *LLM) Generate(ctx context.Context, tasks []string, language, framework string) (map[string]string, error) {
	fw := ""
	if framework != "" {
		fw = " using " + framework
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, l.model, fmt.Sprintf(generatePrompt, language, fw, strings.Join(tasks, "\n")),
		llms.WithTemperature(0.3), llms.WithMaxTokens(4000))
	if err != nil {
		return nil, fmt.Errorf("%s generate: %w", l.provider, err)
	}
	var files map[string]string
	if err := json.Unmarshal([]byte(extractJSON(out)), &files); err != nil {
		return nil, fmt.Errorf("%s generate: invalid response format: %w", l.provider, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s generate: empty file set", l.provider)
	}
	return files, nil
}

// extractJSON strips markdown code fences models like to wrap JSON in.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
