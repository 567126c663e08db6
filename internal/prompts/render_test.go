package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderSubstitution(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]any
		want     string
	}{
		{
			name:     "Plain variable",
			template: "Task: {{TITLE}}",
			vars:     map[string]any{"TITLE": "fix parser"},
			want:     "Task: fix parser",
		},
		{
			name:     "Unknown variable renders empty",
			template: "x{{MISSING}}y",
			vars:     map[string]any{},
			want:     "xy",
		},
		{
			name:     "Integer variable",
			template: "iteration {{N}} of {{MAX}}",
			vars:     map[string]any{"N": 3, "MAX": 20},
			want:     "iteration 3 of 20",
		},
		{
			name:     "List joined",
			template: "deps: {{DEPS}}",
			vars:     map[string]any{"DEPS": []string{"a", "b"}},
			want:     "deps: a, b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Render(tt.template, tt.vars)
			if got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderIf(t *testing.T) {
	template := "start{{#if FLAG}} shown{{/if}} end"

	if got := Render(template, map[string]any{"FLAG": true}); got != "start shown end" {
		t.Errorf("truthy if: got %q", got)
	}
	if got := Render(template, map[string]any{"FLAG": false}); got != "start end" {
		t.Errorf("falsy if: got %q", got)
	}
	if got := Render(template, map[string]any{}); got != "start end" {
		t.Errorf("missing if var: got %q", got)
	}
	if got := Render(template, map[string]any{"FLAG": "yes"}); got != "start shown end" {
		t.Errorf("non-empty string is truthy: got %q", got)
	}
	if got := Render(template, map[string]any{"FLAG": []string{}}); got != "start end" {
		t.Errorf("empty list is falsy: got %q", got)
	}
}

func TestRenderEach(t *testing.T) {
	template := "notes:\n{{#each ITEMS}}- {{.}}\n{{/each}}done"

	got := Render(template, map[string]any{"ITEMS": []string{"one", "two"}})
	want := "notes:\n- one\n- two\ndone"
	if got != want {
		t.Errorf("each: got %q, want %q", got, want)
	}

	got = Render(template, map[string]any{"ITEMS": []string{}})
	if got != "notes:\ndone" {
		t.Errorf("empty each: got %q", got)
	}
}

func TestRenderNestedBlocks(t *testing.T) {
	template := "{{#if HAS}}hints:{{#each HINTS}} [{{.}}]{{/each}}{{/if}}"

	got := Render(template, map[string]any{
		"HAS":   true,
		"HINTS": []string{"h1", "h2"},
	})
	if got != "hints: [h1] [h2]" {
		t.Errorf("nested blocks: got %q", got)
	}

	got = Render(template, map[string]any{"HAS": false, "HINTS": []string{"h1"}})
	if got != "" {
		t.Errorf("falsy outer hides inner: got %q", got)
	}
}

func TestRenderVariableInsideBlock(t *testing.T) {
	template := "{{#if NAME}}hello {{NAME}}{{/if}}"
	got := Render(template, map[string]any{"NAME": "crew"})
	if got != "hello crew" {
		t.Errorf("got %q", got)
	}
}

func TestRenderUnclosedBlockLeftVerbatim(t *testing.T) {
	template := "{{#if X}}never closed"
	got := Render(template, map[string]any{"X": true})
	if !strings.Contains(got, "never closed") {
		t.Errorf("unclosed block should not eat content, got %q", got)
	}
}

func TestGetPrompt(t *testing.T) {
	got, err := GetPrompt(Continuation, map[string]any{
		"AGENT_ROLE": "developer",
		"TASK_TITLE": "Implement retry logic",
		"LEARNINGS":  []string{"tests require CGO disabled"},
	})
	if err != nil {
		t.Fatalf("GetPrompt(Continuation) failed: %v", err)
	}
	if !strings.Contains(got, "developer") {
		t.Errorf("expected role in prompt, got %q", got)
	}
	if !strings.Contains(got, "Implement retry logic") {
		t.Errorf("expected task title in prompt, got %q", got)
	}
	if !strings.Contains(got, "tests require CGO disabled") {
		t.Errorf("expected learning in prompt, got %q", got)
	}

	got2, err := GetPrompt(RetryWithHints, map[string]any{
		"CONCLUSION":     "STUCK_OR_ERROR",
		"HINT":           HintFor("STUCK_OR_ERROR"),
		"EVIDENCE":       []string{"error: missing symbol"},
		"ITERATION":      2,
		"MAX_ITERATIONS": 20,
	})
	if err != nil {
		t.Fatalf("GetPrompt(RetryWithHints) failed: %v", err)
	}
	if !strings.Contains(got2, "STUCK_OR_ERROR") {
		t.Errorf("expected conclusion in prompt, got %q", got2)
	}
	if !strings.Contains(got2, "error: missing symbol") {
		t.Errorf("expected evidence in prompt, got %q", got2)
	}
	if !strings.Contains(got2, "iteration 2 of 20") {
		t.Errorf("expected iteration counter, got %q", got2)
	}
}

func TestGetPromptOverrideDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CREWLY_PROMPTS_DIR", dir)

	if err := os.WriteFile(filepath.Join(dir, "continuation.md"), []byte("override {{X}}"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := GetPrompt(Continuation, map[string]any{"X": "works"})
	if err != nil {
		t.Fatalf("GetPrompt failed: %v", err)
	}
	if got != "override works" {
		t.Errorf("expected override template, got %q", got)
	}
}

func TestGetPromptUnknown(t *testing.T) {
	if _, err := GetPrompt("no_such_template", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestHintFor(t *testing.T) {
	if !strings.Contains(HintFor("STUCK_OR_ERROR"), "root cause") {
		t.Error("expected root-cause hint for STUCK_OR_ERROR")
	}
	if !strings.Contains(HintFor("WAITING_FOR_INPUT"), "assumption") {
		t.Error("expected assumption hint for WAITING_FOR_INPUT")
	}
	if HintFor("SOMETHING_ELSE") == "" {
		t.Error("expected default hint")
	}
}
