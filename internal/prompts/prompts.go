package prompts

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// Available prompt templates.
const (
	Continuation   = "continuation"
	RetryWithHints = "retry_with_hints"
	TaskAssignment = "task_assignment"
	CheckIn        = "check_in"
	CommitReminder = "commit_reminder"
)

// GetPrompt loads a template and renders it with vars.
// It checks CREWLY_PROMPTS_DIR first for overrides.
func GetPrompt(name string, vars map[string]any) (string, error) {
	var content []byte
	var err error

	// 1. Check override directory
	overrideDir := os.Getenv("CREWLY_PROMPTS_DIR")
	if overrideDir != "" {
		localPath := filepath.Join(overrideDir, name+".md")
		if c, e := os.ReadFile(localPath); e == nil {
			content = c
		}
	}

	// 2. Fallback to embedded
	if len(content) == 0 {
		templatePath := filepath.Join("templates", name+".md")
		content, err = templateFS.ReadFile(templatePath)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt template %s: %w", name, err)
		}
	}

	return Render(string(content), vars), nil
}

// HintFor returns guidance text for a retry prompt keyed on the analyzer
// conclusion that triggered it.
func HintFor(conclusion string) string {
	switch conclusion {
	case "STUCK_OR_ERROR":
		return "Read the error output above carefully. Fix the root cause first; " +
			"do not re-run the failing command unchanged. If a dependency or file " +
			"is missing, create it before retrying."
	case "WAITING_FOR_INPUT":
		return "No human is available right now. Choose the most reasonable option " +
			"yourself, state the assumption you made, and continue."
	case "INCOMPLETE":
		return "Pick up exactly where the output stops. Do not start over."
	default:
		return "Review your last steps, decide what remains, and continue working " +
			"toward completing the task."
	}
}
