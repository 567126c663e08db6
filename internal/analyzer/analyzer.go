package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Conclusion classifies what an agent session is doing based on its output.
type Conclusion string

const (
	TaskComplete    Conclusion = "TASK_COMPLETE"
	Incomplete      Conclusion = "INCOMPLETE"
	StuckOrError    Conclusion = "STUCK_OR_ERROR"
	WaitingForInput Conclusion = "WAITING_FOR_INPUT"
	Unknown         Conclusion = "UNKNOWN"
)

// Recommendation is the action the analyzer suggests for a conclusion.
type Recommendation string

const (
	RecommendInjectPrompt   Recommendation = "inject_prompt"
	RecommendAssignNext     Recommendation = "assign_next_task"
	RecommendNotifyOwner    Recommendation = "notify_owner"
	RecommendRetryWithHints Recommendation = "retry_with_hints"
	RecommendPauseAgent     Recommendation = "pause_agent"
	RecommendNoAction       Recommendation = "no_action"
)

// Input carries one captured output slice plus the session facts the rules
// need. Output holds the bytes captured since the last analysis;
// PrevOutputLen is the length of the previous capture, and stays zero when
// Output is an incremental delta so that any new bytes count as growth.
type Input struct {
	SessionRef     string
	Output         string
	PrevOutputLen  int
	TaskID         string
	TaskInProgress bool
	ExitCode       *int
	Iterations     int
	MaxIterations  int
}

// Analysis is the analyzer's verdict. It is ephemeral; callers act on it
// and drop it.
type Analysis struct {
	SessionRef     string
	Conclusion     Conclusion
	Confidence     float64
	Evidence       []string
	Recommendation Recommendation
	Iterations     int
	MaxIterations  int
}

// Analyzer classifies session output with ordered rules. It keeps no state
// between calls; the same input always yields the same analysis.
type Analyzer struct {
	errorSignatures      []string
	completionSignatures []string
	waitingSignatures    []string
}

var defaultErrorSignatures = []string{
	"error:",
	"fatal:",
	"panic:",
	"traceback (most recent call last)",
	"exception",
	"failed with exit code",
	"command not found",
	"permission denied",
	"segmentation fault",
	"build failed",
	"tests failed",
	"no such file or directory",
	"undefined reference",
}

var defaultCompletionSignatures = []string{
	"task complete",
	"task is complete",
	"all tests pass",
	"all tests are passing",
	"implementation complete",
	"implementation is complete",
	"successfully completed",
	"finished implementing",
	"ready for review",
}

var defaultWaitingSignatures = []string{
	"waiting for your",
	"waiting for input",
	"should i",
	"would you like",
	"do you want me to",
	"please confirm",
	"please let me know",
	"let me know how",
	"which option",
	"awaiting your",
	"need your approval",
}

// New builds an analyzer with the default signature sets plus any
// project-specific completion patterns.
func New(extraCompletionPatterns ...string) *Analyzer {
	a := &Analyzer{
		errorSignatures:      defaultErrorSignatures,
		completionSignatures: defaultCompletionSignatures,
		waitingSignatures:    defaultWaitingSignatures,
	}
	for _, p := range extraCompletionPatterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			a.completionSignatures = append(a.completionSignatures, p)
		}
	}
	return a
}

const maxEvidence = 5

// Analyze applies the decision rules in order; the first match wins.
func (a *Analyzer) Analyze(in Input) Analysis {
	out := Analysis{
		SessionRef:    in.SessionRef,
		Iterations:    in.Iterations,
		MaxIterations: in.MaxIterations,
	}
	lower := strings.ToLower(in.Output)
	lines := strings.Split(in.Output, "\n")

	// Rule 1: error signatures or a repetition loop mean the agent is stuck.
	evidence := matchLines(lines, lower, a.errorSignatures)
	if looping, at := DetectRepetitiveLine(lines, 10); looping {
		evidence = append(evidence, fmt.Sprintf("repetitive output starting at line %d", at+1))
	}
	if in.ExitCode != nil && *in.ExitCode != 0 {
		evidence = append(evidence, fmt.Sprintf("command exited with code %d", *in.ExitCode))
	}
	if len(evidence) > 0 {
		out.Conclusion = StuckOrError
		out.Recommendation = RecommendRetryWithHints
		out.Evidence = capEvidence(evidence)
		out.Confidence = confidenceFor(len(evidence))
		return out
	}

	// Rule 2: a completion signature only counts while a task is in flight.
	if in.TaskInProgress {
		if matched := matchLines(lines, lower, a.completionSignatures); len(matched) > 0 {
			out.Conclusion = TaskComplete
			out.Recommendation = RecommendAssignNext
			out.Evidence = capEvidence(matched)
			out.Confidence = confidenceFor(len(matched))
			return out
		}
	}

	// Rule 3: the agent is asking a question.
	waiting := matchLines(lines, lower, a.waitingSignatures)
	if last := lastNonEmptyLine(lines); last != "" && strings.HasSuffix(last, "?") {
		waiting = append(waiting, last)
	}
	if len(waiting) > 0 {
		out.Conclusion = WaitingForInput
		out.Recommendation = RecommendNotifyOwner
		out.Evidence = capEvidence(waiting)
		out.Confidence = confidenceFor(len(waiting))
		return out
	}

	// Rule 4: iteration budget exhausted.
	if in.MaxIterations > 0 && in.Iterations >= in.MaxIterations {
		out.Conclusion = Unknown
		out.Recommendation = RecommendPauseAgent
		out.Evidence = []string{fmt.Sprintf("iteration limit reached (%d/%d)", in.Iterations, in.MaxIterations)}
		out.Confidence = 0.9
		return out
	}

	// Rule 5: output grew without a terminal signature, agent mid-flight.
	if len(in.Output) > in.PrevOutputLen {
		out.Conclusion = Incomplete
		out.Recommendation = RecommendInjectPrompt
		out.Evidence = []string{fmt.Sprintf("output grew by %d bytes without a terminal signature", len(in.Output)-in.PrevOutputLen)}
		out.Confidence = 0.6
		return out
	}

	// Rule 6: nothing to go on.
	out.Conclusion = Unknown
	out.Recommendation = RecommendNoAction
	out.Confidence = 0.3
	return out
}

// matchLines returns the trimmed original lines whose lowercase form
// contains any signature.
func matchLines(lines []string, lower string, signatures []string) []string {
	var matched []string
	for _, sig := range signatures {
		if !strings.Contains(lower, sig) {
			continue
		}
		for _, line := range lines {
			if strings.Contains(strings.ToLower(line), sig) {
				matched = append(matched, strings.TrimSpace(line))
				break
			}
		}
	}
	return matched
}

func lastNonEmptyLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func capEvidence(evidence []string) []string {
	if len(evidence) > maxEvidence {
		return evidence[:maxEvidence]
	}
	return evidence
}

func confidenceFor(matches int) float64 {
	c := 0.5 + 0.15*float64(matches)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

// OutputHash fingerprints an output slice for caching and deduplication.
func OutputHash(output, taskID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(output) + "\x00" + taskID))
	return hex.EncodeToString(sum[:])[:16]
}
