package improve

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
)

// maxCheckOutput caps the validation output kept per result. The tail
// survives; build and test failures report at the end.
const maxCheckOutput = 8000

// CheckRunner executes one validation command in the work tree.
type CheckRunner interface {
	Run(ctx context.Context, check Check) ValidationResult
}

type execRunner struct {
	dir string
}

func newExecRunner(dir string) CheckRunner {
	return &execRunner{dir: dir}
}

func (r *execRunner) Run(ctx context.Context, check Check) ValidationResult {
	start := time.Now()
	res := ValidationResult{Check: check.Name}

	parts, err := shellquote.Split(check.Command)
	if err != nil || len(parts) == 0 {
		res.Output = fmt.Sprintf("invalid command: %v", err)
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	checkCtx := ctx
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(checkCtx, parts[0], parts[1:]...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), "CI=true")

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	res.DurationMs = time.Since(start).Milliseconds()
	res.Output = tailOf(buf.String(), maxCheckOutput)

	if checkCtx.Err() == context.DeadlineExceeded {
		res.Output = "timeout after " + check.Timeout.String() + "\n" + res.Output
		return res
	}
	res.Passed = runErr == nil
	return res
}

func tailOf(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return "[... output truncated ...]\n" + s[len(s)-max:]
}

// validate runs the configured checks in order, persisting each result so
// a crash resumes instead of repeating. Checks that already passed in a
// previous cycle are skipped. The first required failure stops the run.
func (d *Driver) validate(ctx context.Context, m *Marker) (bool, string, error) {
	if m.Validation == nil {
		m.Validation = &Validation{Required: d.requiredCheckNames()}
	}
	if m.Validation.StartedAt == nil {
		now := d.clock.Now()
		m.Validation.StartedAt = &now
	}
	d.setPhase(m, PhaseValidating)
	if err := d.store.SavePending(m); err != nil {
		return false, "", err
	}

	passed := m.PassedChecks()
	for _, check := range d.cfg.Checks {
		if passed[check.Name] {
			d.logger.Debug("check already passed, skipping", "id", m.ID, "check", check.Name)
			continue
		}
		if check.Timeout <= 0 {
			check.Timeout = d.cfg.CheckTimeout
		}

		res := d.runner.Run(ctx, check)
		m.Validation.Results = append(m.Validation.Results, res)
		if err := d.store.SavePending(m); err != nil {
			return false, "", err
		}
		d.logger.Info("validation check finished",
			"id", m.ID, "check", check.Name, "passed", res.Passed, "durationMs", res.DurationMs)

		if !res.Passed && check.Required {
			return false, check.Name, nil
		}
	}

	now := d.clock.Now()
	m.Validation.CompletedAt = &now
	if err := d.store.SavePending(m); err != nil {
		return false, "", err
	}
	return true, "", nil
}
