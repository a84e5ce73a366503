// Package router assigns agent types to tasks through a static keyword table
// and builds parallel scheduling views on top of the dependency graph.
package router

import (
	"regexp"
	"strings"

	"github.com/fentz26/relay/internal/models"
)

// TaskRouter implements deterministic keyword-based agent routing.
type TaskRouter struct {
	config   *Config
	matchers map[models.AgentType]*regexp.Regexp
}

// NewRouter creates a router for the given capability table. A nil config
// selects the built-in table.
func NewRouter(cfg *Config) *TaskRouter {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	r := &TaskRouter{
		config:   cfg,
		matchers: make(map[models.AgentType]*regexp.Regexp, len(cfg.Agents)),
	}
	for agent, keywords := range cfg.Agents {
		if len(keywords) == 0 {
			continue
		}
		quoted := make([]string, len(keywords))
		for i, kw := range keywords {
			quoted[i] = regexp.QuoteMeta(strings.ToLower(kw))
		}
		r.matchers[agent] = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
	}
	return r
}

// Matches reports whether any of the agent's keywords appear in text as a
// whole word, ignoring case.
func (r *TaskRouter) Matches(agent models.AgentType, text string) bool {
	m, ok := r.matchers[agent]
	if !ok {
		return false
	}
	return m.MatchString(text)
}

// DetermineAgent picks the agent for a task. The current assignment is kept
// when its keywords match the description; otherwise the first agent in
// priority order whose keywords match wins. With no match the existing
// assignment stands, defaulting to ProjectManager.
func (r *TaskRouter) DetermineAgent(task *models.Task) models.AgentType {
	if task.AssignedAgent != "" && r.Matches(task.AssignedAgent, task.Description) {
		return task.AssignedAgent
	}

	for _, agent := range r.config.Priority {
		if r.Matches(agent, task.Description) {
			return agent
		}
	}

	if task.AssignedAgent.Valid() {
		return task.AssignedAgent
	}
	return models.AgentProjectManager
}

// InferRequiredAgents determines which agents a goal needs. ProjectManager
// and Tester are always included; Designer, Frontend and Backend are added
// when their keywords appear. Frontend is added when no implementation agent
// matched. The result is in pipeline order.
func (r *TaskRouter) InferRequiredAgents(description string, requirements []string) []models.AgentType {
	text := description + " " + strings.Join(requirements, " ")

	required := map[models.AgentType]bool{
		models.AgentProjectManager: true,
		models.AgentTester:         true,
	}
	for _, agent := range []models.AgentType{models.AgentDesigner, models.AgentFrontend, models.AgentBackend} {
		if r.Matches(agent, text) {
			required[agent] = true
		}
	}
	if !required[models.AgentFrontend] && !required[models.AgentBackend] {
		required[models.AgentFrontend] = true
	}

	agents := make([]models.AgentType, 0, len(required))
	for _, agent := range models.AllAgents {
		if required[agent] {
			agents = append(agents, agent)
		}
	}
	return agents
}

// Config returns the router's capability table.
func (r *TaskRouter) Config() *Config {
	return r.config
}
