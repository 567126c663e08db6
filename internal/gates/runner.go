package gates

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"time"

	"github.com/kballard/go-shellquote"

	"crewly/internal/git"
)

// ErrGateFailed marks outcomes caused by a required gate not passing.
// Individual gate failures are results, not errors; callers wrap this
// when a failed run has to abort a larger operation.
var ErrGateFailed = errors.New("required gate failed")

// Result is the outcome of one gate execution.
type Result struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Required   bool   `json:"required"`
	DurationMs int64  `json:"durationMs"`
	ExitCode   int    `json:"exitCode"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
}

// RunResults aggregates one full gate run.
type RunResults struct {
	Results           []Result `json:"results"`
	AllRequiredPassed bool     `json:"allRequiredPassed"`
	DurationMs        int64    `json:"durationMs"`
}

// FailedRequired lists the names of required gates that did not pass.
func (r *RunResults) FailedRequired() []string {
	var failed []string
	for _, res := range r.Results {
		if res.Required && !res.Passed {
			failed = append(failed, res.Name)
		}
	}
	return failed
}

// Options narrows a gate run.
type Options struct {
	GateNames    []string
	SkipOptional bool
}

// Runner executes quality gates for a project.
type Runner struct {
	git         git.IClient
	maxParallel int
}

// NewRunner creates a gate runner. gitClient may be nil; branch filters
// are then ignored and every gate runs.
func NewRunner(gitClient git.IClient) *Runner {
	return &Runner{git: gitClient, maxParallel: 4}
}

// RunAll loads the project's gate config and executes the selected gates.
// Individual gate failures never produce an error; only a malformed
// config does.
func (r *Runner) RunAll(ctx context.Context, projectPath string, opts Options) (*RunResults, error) {
	cfg, err := LoadConfig(projectPath)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, projectPath, cfg, opts), nil
}

// Run executes gates from an already-loaded config.
func (r *Runner) Run(ctx context.Context, projectPath string, cfg *Config, opts Options) *RunResults {
	start := time.Now()
	selected := r.compose(projectPath, cfg, opts)

	runCtx := ctx
	if cfg.Settings.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Settings.Timeout)*time.Millisecond)
		defer cancel()
	}

	var results []Result
	if cfg.Settings.RunInParallel {
		results = r.runParallel(runCtx, projectPath, selected)
	} else {
		results = r.runSequential(runCtx, projectPath, selected, cfg.Settings.StopOnFirstFailure)
	}

	out := &RunResults{
		Results:           results,
		AllRequiredPassed: true,
		DurationMs:        time.Since(start).Milliseconds(),
	}
	for _, res := range results {
		if res.Required && !res.Passed {
			out.AllRequiredPassed = false
		}
	}
	return out
}

// compose builds the ordered gate list: required, optional, custom, then
// applies branch filters and the name restriction.
func (r *Runner) compose(projectPath string, cfg *Config, opts Options) []Gate {
	gates := make([]Gate, 0, len(cfg.Required)+len(cfg.Optional)+len(cfg.Custom))
	gates = append(gates, cfg.Required...)
	if !opts.SkipOptional {
		gates = append(gates, cfg.Optional...)
	}
	gates = append(gates, cfg.Custom...)

	var nameSet map[string]bool
	if len(opts.GateNames) > 0 {
		nameSet = make(map[string]bool, len(opts.GateNames))
		for _, n := range opts.GateNames {
			nameSet[n] = true
		}
	}

	branch := r.currentBranch(projectPath)

	var selected []Gate
	for _, g := range gates {
		if nameSet != nil && !nameSet[g.Name] {
			continue
		}
		if !branchMatches(g.RunOn, branch) {
			continue
		}
		selected = append(selected, g)
	}
	return selected
}

func (r *Runner) currentBranch(projectPath string) string {
	if r.git == nil || !r.git.RepoExists(projectPath) {
		return ""
	}
	branch, err := r.git.CurrentBranch(projectPath)
	if err != nil {
		return ""
	}
	return branch
}

// branchMatches applies the gate's runOn globs. An empty filter, or an
// undeterminable branch, always matches.
func branchMatches(globs []string, branch string) bool {
	if len(globs) == 0 || branch == "" {
		return true
	}
	for _, glob := range globs {
		if ok, err := path.Match(glob, branch); err == nil && ok {
			return true
		}
	}
	return false
}

func (r *Runner) runSequential(ctx context.Context, projectPath string, gates []Gate, stopOnFirstFailure bool) []Result {
	var results []Result
	for _, g := range gates {
		res := r.runGate(ctx, projectPath, g)
		results = append(results, res)
		if stopOnFirstFailure && res.Required && !res.Passed {
			break
		}
	}
	return results
}

func (r *Runner) runParallel(ctx context.Context, projectPath string, gates []Gate) []Result {
	results := make([]Result, len(gates))
	sem := make(chan struct{}, r.maxParallel)
	done := make(chan int, len(gates))

	for i, g := range gates {
		go func(i int, g Gate) {
			sem <- struct{}{}
			results[i] = r.runGate(ctx, projectPath, g)
			<-sem
			done <- i
		}(i, g)
	}
	for range gates {
		<-done
	}
	return results
}

// runGate executes a single gate command in the project directory.
func (r *Runner) runGate(ctx context.Context, projectPath string, g Gate) Result {
	start := time.Now()
	res := Result{Name: g.Name, Required: g.Required}

	parts, err := shellquote.Split(g.Command)
	if err != nil || len(parts) == 0 {
		res.Error = fmt.Sprintf("invalid command: %v", err)
		res.ExitCode = -1
		res.Passed = g.AllowFailure
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	gateCtx, cancel := context.WithTimeout(ctx, time.Duration(g.Timeout)*time.Millisecond)
	defer cancel()

	cmd := exec.CommandContext(gateCtx, parts[0], parts[1:]...)
	cmd.Dir = projectPath
	env := append(os.Environ(), "CI=true")
	for k, v := range g.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	res.DurationMs = time.Since(start).Milliseconds()
	res.Output = truncateOutput(buf.String(), MaxOutputChars)

	if gateCtx.Err() == context.DeadlineExceeded {
		res.Passed = false
		res.ExitCode = -1
		res.Error = "timeout"
		return res
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Error = runErr.Error()
		}
	}

	res.Passed = (runErr == nil) || g.AllowFailure
	return res
}
