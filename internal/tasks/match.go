package tasks

import (
	"github.com/spf13/viper"
)

// RoleRule describes one agent role: which parent roles it inherits task
// eligibility from, which task types it may take, and whether its tasks
// are exclusive to exact role matches.
type RoleRule struct {
	Role      string   `mapstructure:"role" yaml:"role"`
	Parents   []string `mapstructure:"parents" yaml:"parents,omitempty"`
	TaskTypes []string `mapstructure:"task_types" yaml:"task_types,omitempty"`
	Exclusive bool     `mapstructure:"exclusive" yaml:"exclusive,omitempty"`
}

// Matcher answers role and task-type eligibility questions from a rule set.
// With no rules configured every role matches only itself.
type Matcher struct {
	rules map[string]RoleRule
}

// NewMatcher indexes the rules by role.
func NewMatcher(rules []RoleRule) *Matcher {
	m := &Matcher{rules: make(map[string]RoleRule, len(rules))}
	for _, r := range rules {
		m.rules[r.Role] = r
	}
	return m
}

// LoadRules reads the role hierarchy from configuration (`assign.roles`).
func LoadRules() []RoleRule {
	var rules []RoleRule
	if err := viper.UnmarshalKey("assign.roles", &rules); err != nil {
		return nil
	}
	return rules
}

// Matches reports whether an agent with agentRole may take a task that
// requires requiredRole. An empty requiredRole matches any agent. A role
// marked exclusive accepts exact matches only; otherwise the agent's
// parent chain is walked upward looking for the required role.
func (m *Matcher) Matches(agentRole, requiredRole string) bool {
	if requiredRole == "" {
		return true
	}
	if agentRole == requiredRole {
		return true
	}
	if rule, ok := m.rules[requiredRole]; ok && rule.Exclusive {
		return false
	}

	// Walk the agent's ancestry. Visited guards against rule cycles.
	visited := map[string]bool{agentRole: true}
	frontier := []string{agentRole}
	for len(frontier) > 0 {
		role := frontier[0]
		frontier = frontier[1:]

		rule, ok := m.rules[role]
		if !ok {
			continue
		}
		for _, parent := range rule.Parents {
			if parent == requiredRole {
				return true
			}
			if !visited[parent] {
				visited[parent] = true
				frontier = append(frontier, parent)
			}
		}
	}
	return false
}

// AllowsType reports whether the agent's rule admits the task type. Agents
// without a rule, rules without a type list, and tasks without a type all
// pass.
func (m *Matcher) AllowsType(agentRole, taskType string) bool {
	if taskType == "" {
		return true
	}
	rule, ok := m.rules[agentRole]
	if !ok || len(rule.TaskTypes) == 0 {
		return true
	}
	for _, t := range rule.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}
