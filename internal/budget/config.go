package budget

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultWarningThreshold applies when no scope sets one.
const DefaultWarningThreshold = 0.8

// Limits is one scope block in budgets.yaml. Nil fields are unset and
// fall through to the next broader scope; unset everywhere means unlimited.
type Limits struct {
	DailyLimit       *float64 `yaml:"dailyLimit"`
	WeeklyLimit      *float64 `yaml:"weeklyLimit"`
	MonthlyLimit     *float64 `yaml:"monthlyLimit"`
	WarningThreshold *float64 `yaml:"warningThreshold"`
	MaxTokensPerTask *int64   `yaml:"maxTokensPerTask"`
}

// Config is the parsed budgets.yaml file.
type Config struct {
	Global   Limits            `yaml:"global"`
	Projects map[string]Limits `yaml:"projects"`
	Agents   map[string]Limits `yaml:"agents"`
}

// Resolved holds the effective limits for one agent after scope resolution.
type Resolved struct {
	DailyLimit       float64
	WeeklyLimit      float64
	MonthlyLimit     float64
	WarningThreshold float64
	MaxTokensPerTask int64 // 0 means unlimited
}

// LoadConfig reads budgets.yaml. A missing file yields an empty config,
// meaning every limit resolves to unlimited.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read budget config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse budget config: %w", err)
	}
	return &cfg, nil
}

// Resolve computes effective limits for an agent. Each field resolves
// independently, most specific scope first: agent, then project, then global.
func (c *Config) Resolve(agentID, projectPath string) Resolved {
	scopes := make([]Limits, 0, 3)
	if agentID != "" {
		if l, ok := c.Agents[agentID]; ok {
			scopes = append(scopes, l)
		}
	}
	if projectPath != "" {
		if l, ok := c.Projects[projectPath]; ok {
			scopes = append(scopes, l)
		}
	}
	scopes = append(scopes, c.Global)

	return Resolved{
		DailyLimit:       firstFloat(scopes, func(l Limits) *float64 { return l.DailyLimit }, math.Inf(1)),
		WeeklyLimit:      firstFloat(scopes, func(l Limits) *float64 { return l.WeeklyLimit }, math.Inf(1)),
		MonthlyLimit:     firstFloat(scopes, func(l Limits) *float64 { return l.MonthlyLimit }, math.Inf(1)),
		WarningThreshold: firstFloat(scopes, func(l Limits) *float64 { return l.WarningThreshold }, DefaultWarningThreshold),
		MaxTokensPerTask: firstInt(scopes, func(l Limits) *int64 { return l.MaxTokensPerTask }, 0),
	}
}

func firstFloat(scopes []Limits, pick func(Limits) *float64, fallback float64) float64 {
	for _, s := range scopes {
		if v := pick(s); v != nil {
			return *v
		}
	}
	return fallback
}

func firstInt(scopes []Limits, pick func(Limits) *int64, fallback int64) int64 {
	for _, s := range scopes {
		if v := pick(s); v != nil {
			return *v
		}
	}
	return fallback
}
