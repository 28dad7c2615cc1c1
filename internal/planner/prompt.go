package planner

import (
	"fmt"
	"os"
	"text/template"

	"gopkg.in/yaml.v3"
)

// promptFile is the on-disk YAML shape of a planner prompt template.
type promptFile struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

const defaultSystemPrompt = `You are the planning agent of an autonomous development system.
You propose small, independent, verifiable tasks. Every task must name
concrete acceptance criteria a worker can check mechanically.`

const defaultUserPrompt = `Objective: {{.Goal}}

Repository layout:
{{.RepoTree}}

Prior outcomes:
{{.LastVerdict}}

Propose the next batch of tasks as JSON:
{"tasks": [{"title": string, "description": string,
"affected_paths": [string], "acceptance_criteria": [string],
"priority": 1-10, "complexity": "low"|"medium"|"high", "tags": [string]}]}`

// loadPromptTemplate reads and parses a YAML prompt file, or returns
// the built-in template when path is empty.
func loadPromptTemplate(path string) (*promptTemplate, error) {
	system := defaultSystemPrompt
	user := defaultUserPrompt
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var pf promptFile
		if err := yaml.Unmarshal(raw, &pf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if pf.System != "" {
			system = pf.System
		}
		if pf.User != "" {
			user = pf.User
		}
	}
	tmpl, err := template.New("planner").Parse(user)
	if err != nil {
		return nil, fmt.Errorf("parse user template: %w", err)
	}
	return &promptTemplate{System: system, user: tmpl}, nil
}
