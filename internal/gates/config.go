package gates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrConfigParse reports an unreadable or malformed gate config file.
// A missing file is not an error; defaults apply.
var ErrConfigParse = errors.New("quality gate config parse error")

// ConfigRelPath is where a project declares its gates, relative to the
// project root.
const ConfigRelPath = ".crewly/config/quality-gates.yaml"

// Settings controls how a gate run executes. Timeout is the aggregate
// budget for the whole run, in milliseconds.
type Settings struct {
	RunInParallel      bool  `yaml:"runInParallel"`
	StopOnFirstFailure bool  `yaml:"stopOnFirstFailure"`
	Timeout            int64 `yaml:"timeout"`
}

// Gate is one verification command. Timeout is per gate, in milliseconds.
type Gate struct {
	Name         string            `yaml:"name"`
	Command      string            `yaml:"command"`
	Timeout      int64             `yaml:"timeout"`
	Description  string            `yaml:"description,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	AllowFailure bool              `yaml:"allowFailure,omitempty"`
	RunOn        []string          `yaml:"runOn,omitempty"`

	// Required is set from the section the gate was declared in,
	// never from the YAML itself.
	Required bool `yaml:"-"`
}

// Config is the parsed quality-gates.yaml for one project.
type Config struct {
	Settings Settings `yaml:"settings"`
	Required []Gate   `yaml:"required"`
	Optional []Gate   `yaml:"optional"`
	Custom   []Gate   `yaml:"custom"`
}

// DefaultTimeouts per gate kind, in milliseconds.
const (
	DefaultTypecheckTimeout = 60_000
	DefaultTestTimeout      = 120_000
	DefaultBuildTimeout     = 180_000
	DefaultLintTimeout      = 60_000
	DefaultTotalTimeout     = 300_000
)

// DefaultConfig applies when a project has no quality-gates.yaml.
func DefaultConfig() *Config {
	cfg := &Config{
		Settings: Settings{
			RunInParallel:      false,
			StopOnFirstFailure: true,
			Timeout:            DefaultTotalTimeout,
		},
		Required: []Gate{
			{Name: "typecheck", Command: "npm run typecheck", Timeout: DefaultTypecheckTimeout},
			{Name: "tests", Command: "npm test", Timeout: DefaultTestTimeout},
			{Name: "build", Command: "npm run build", Timeout: DefaultBuildTimeout},
		},
		Optional: []Gate{
			{Name: "lint", Command: "npm run lint", Timeout: DefaultLintTimeout},
		},
	}
	cfg.normalize()
	return cfg
}

// LoadConfig reads the project's gate config, falling back to defaults
// when the file is absent.
func LoadConfig(projectPath string) (*Config, error) {
	path := filepath.Join(projectPath, ConfigRelPath)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	cfg.normalize()
	return &cfg, nil
}

// normalize fills zero timeouts and stamps the Required flag per section.
func (c *Config) normalize() {
	if c.Settings.Timeout <= 0 {
		c.Settings.Timeout = DefaultTotalTimeout
	}
	for i := range c.Required {
		c.Required[i].Required = true
		if c.Required[i].Timeout <= 0 {
			c.Required[i].Timeout = DefaultTestTimeout
		}
	}
	for i := range c.Optional {
		c.Optional[i].Required = false
		if c.Optional[i].Timeout <= 0 {
			c.Optional[i].Timeout = DefaultTestTimeout
		}
	}
	for i := range c.Custom {
		c.Custom[i].Required = false
		if c.Custom[i].Timeout <= 0 {
			c.Custom[i].Timeout = DefaultTestTimeout
		}
	}
}
