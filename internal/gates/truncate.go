package gates

import (
	"strconv"
	"strings"
)

// MaxOutputChars caps the captured output kept per gate result.
const MaxOutputChars = 20000

// truncateOutput trims gate output to maxChars, keeping the head and tail
// with an elision marker in between. Build and test failures usually sit
// at one end or the other, so both survive.
func truncateOutput(output string, maxChars int) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	headBudget := maxChars / 2
	tailBudget := maxChars - headBudget

	lines := strings.Split(output, "\n")
	if len(lines) <= 1 {
		head := output[:headBudget]
		tail := output[len(output)-tailBudget:]
		return head + "\n[... output truncated, total " + strconv.Itoa(len(output)) + " chars ...]\n" + tail
	}

	var headLines []string
	headChars := 0
	for _, line := range lines {
		if headChars+len(line)+1 > headBudget {
			break
		}
		headLines = append(headLines, line)
		headChars += len(line) + 1
	}

	var tailLines []string
	tailChars := 0
	for i := len(lines) - 1; i > len(headLines); i-- {
		if tailChars+len(lines[i])+1 > tailBudget {
			break
		}
		tailLines = append([]string{lines[i]}, tailLines...)
		tailChars += len(lines[i]) + 1
	}

	omitted := len(lines) - len(headLines) - len(tailLines)
	if omitted <= 0 {
		return output
	}
	return strings.Join(headLines, "\n") +
		"\n[... truncated " + strconv.Itoa(omitted) + " lines ...]\n" +
		strings.Join(tailLines, "\n")
}
