package capability

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Static is the deterministic fallback used when no AI provider is
// configured. Breakdown is keyword driven; generation emits a runnable
// project skeleton for the requested language/framework.
type Static struct {
	maxTasks int
}

func NewStatic(maxTasks int) *Static {
	if maxTasks <= 0 {
		maxTasks = 15
	}
	return &Static{maxTasks: maxTasks}
}

func (s *Static) Breakdown(_ context.Context, requirement string) ([]string, error) {
	req := strings.ToLower(requirement)
	if strings.TrimSpace(req) == "" {
		return nil, errors.New("requirement text is empty")
	}

	var tasks []string
	if containsAny(req, "api", "rest", "endpoint") {
		tasks = append(tasks,
			"Design REST API endpoints and data models",
			"Set up project structure with routing and middleware",
			"Create database models and migration scripts",
			"Implement CRUD operations for all entities",
			"Add input validation and error handling",
			"Write API tests",
			"Create API documentation",
		)
	}
	if containsAny(req, "frontend", "ui", "user interface") {
		tasks = append(tasks,
			"Design responsive UI wireframes",
			"Set up frontend project with component structure",
			"Integrate with backend APIs",
			"Add form validation and error states",
			"Write component tests",
		)
	}
	if containsAny(req, "database", "storage", "data") {
		tasks = append(tasks,
			"Design database schema and relationships",
			"Set up migration system",
			"Implement data access layer",
			"Add indexes for query performance",
		)
	}
	if containsAny(req, "auth", "login", "user", "security") {
		tasks = append(tasks,
			"Implement registration and login",
			"Add token-based session handling",
			"Add role-based access control",
		)
	}
	if len(tasks) == 0 {
		tasks = []string{
			"Analyze requirements and write a technical specification",
			"Design system architecture",
			"Set up project structure and development environment",
			"Implement core business logic",
			"Add error handling and validation",
			"Write unit and integration tests",
			"Document usage and deployment",
		}
	}
	if len(tasks) > s.maxTasks {
		tasks = tasks[:s.maxTasks]
	}
	return tasks, nil
}

func (s *Static) Generate(_ context.Context, tasks []string, language, framework string) (map[string]string, error) {
	if len(tasks) == 0 {
		return nil, errors.New("no tasks to generate from")
	}
	switch strings.ToLower(language) {
	case "python":
		return pythonProject(tasks, framework), nil
	case "javascript", "node":
		return nodeProject(tasks), nil
	case "go":
		return goProject(tasks), nil
	default:
		return nil, fmt.Errorf("unsupported language %q", language)
	}
}

func pythonProject(tasks []string, framework string) map[string]string {
	if strings.ToLower(framework) == "flask" {
		return map[string]string{
			"main.py": "from flask import Flask, jsonify\n\napp = Flask(__name__)\n\n\n@app.get(\"/health\")\ndef health():\n    return jsonify(status=\"ok\")\n\n\nif __name__ == \"__main__\":\n    app.run(host=\"0.0.0.0\", port=8000)\n",
			"requirements.txt": "flask>=3.0\n",
			"test_main.py":     "from main import app\n\n\ndef test_health():\n    client = app.test_client()\n    assert client.get(\"/health\").status_code == 200\n",
			"TASKS.md":         tasksMarkdown(tasks),
		}
	}
	return map[string]string{
		"main.py": "from fastapi import FastAPI\n\napp = FastAPI()\n\n\n@app.get(\"/health\")\ndef health():\n    return {\"status\": \"ok\"}\n",
		"requirements.txt": "fastapi>=0.110\nuvicorn>=0.29\n",
		"test_main.py":     "from fastapi.testclient import TestClient\n\nfrom main import app\n\n\ndef test_health():\n    client = TestClient(app)\n    assert client.get(\"/health\").status_code == 200\n",
		"TASKS.md":         tasksMarkdown(tasks),
	}
}

func nodeProject(tasks []string) map[string]string {
	return map[string]string{
		"main.js": "const express = require('express');\n\nconst app = express();\napp.get('/health', (_req, res) => res.json({ status: 'ok' }));\n\nif (require.main === module) {\n  app.listen(8000);\n}\n\nmodule.exports = app;\n",
		"package.json": "{\n  \"name\": \"generated-service\",\n  \"version\": \"0.1.0\",\n  \"main\": \"main.js\",\n  \"dependencies\": {\n    \"express\": \"^4.19.0\"\n  }\n}\n",
		"TASKS.md": tasksMarkdown(tasks),
	}
}

func goProject(tasks []string) map[string]string {
	return map[string]string{
		"main.go": "package main\n\nimport (\n\t\"encoding/json\"\n\t\"net/http\"\n)\n\nfunc main() {\n\thttp.HandleFunc(\"/health\", func(w http.ResponseWriter, _ *http.Request) {\n\t\tjson.NewEncoder(w).Encode(map[string]string{\"status\": \"ok\"})\n\t})\n\thttp.ListenAndServe(\":8000\", nil)\n}\n",
		"TASKS.md": tasksMarkdown(tasks),
	}
}

func tasksMarkdown(tasks []string) string {
	var b strings.Builder
	b.WriteString("# Tasks\n\n")
	for i, t := range tasks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, t)
	}
	return b.String()
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
