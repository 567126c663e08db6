package analyzer

import (
	"strings"
)

// DetectRepetitiveLine checks if any single non-empty line repeats
// consecutively at least threshold times. An agent printing the same line
// over and over is looping, not progressing.
func DetectRepetitiveLine(lines []string, threshold int) (bool, int) {
	if len(lines) < threshold {
		return false, -1
	}

	for i := 0; i <= len(lines)-threshold; i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}

		repeated := true
		for j := 1; j < threshold; j++ {
			if strings.TrimSpace(lines[i+j]) != line {
				repeated = false
				break
			}
		}
		if repeated {
			return true, i
		}
	}
	return false, -1
}

// DetectRepetitiveSequence checks if a pattern of patternSize lines repeats
// repeats times back to back.
func DetectRepetitiveSequence(lines []string, patternSize, repeats int) (bool, int) {
	totalNeeded := patternSize * repeats
	if len(lines) < totalNeeded {
		return false, -1
	}

	for i := 0; i <= len(lines)-totalNeeded; i++ {
		pattern := lines[i : i+patternSize]

		isPatternEmpty := true
		for _, pl := range pattern {
			if strings.TrimSpace(pl) != "" {
				isPatternEmpty = false
				break
			}
		}
		if isPatternEmpty {
			continue
		}

		allMatch := true
		for r := 1; r < repeats; r++ {
			start := i + (r * patternSize)
			for p := 0; p < patternSize; p++ {
				if lines[start+p] != pattern[p] {
					allMatch = false
					break
				}
			}
			if !allMatch {
				break
			}
		}

		if allMatch {
			return true, i
		}
	}
	return false, -1
}
