package analyzer

import (
	"strings"
	"testing"
)

func TestDetectRepetitiveLine(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		threshold int
		want      bool
		wantIndex int
	}{
		{
			name:      "No repetition",
			input:     "Line 1\nLine 2\nLine 3",
			threshold: 3,
			want:      false,
			wantIndex: -1,
		},
		{
			name:      "Loop past threshold",
			input:     strings.TrimRight(strings.Repeat("retrying...\n", 10), "\n"),
			threshold: 10,
			want:      true,
			wantIndex: 0,
		},
		{
			name:      "Below threshold",
			input:     "x\nx\nx",
			threshold: 4,
			want:      false,
			wantIndex: -1,
		},
		{
			name:      "Empty lines ignored",
			input:     "\n\n\n\n\n\n\n\n\n\n",
			threshold: 5,
			want:      false,
			wantIndex: -1,
		},
		{
			name:      "Loop after preamble",
			input:     "starting\nworking\n" + strings.TrimRight(strings.Repeat("stuck\n", 6), "\n"),
			threshold: 6,
			want:      true,
			wantIndex: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, index := DetectRepetitiveLine(strings.Split(tt.input, "\n"), tt.threshold)
			if got != tt.want || index != tt.wantIndex {
				t.Errorf("DetectRepetitiveLine() = (%v, %d), want (%v, %d)", got, index, tt.want, tt.wantIndex)
			}
		})
	}
}

func TestDetectRepetitiveSequence(t *testing.T) {
	lines := []string{
		"Start",
		"L1", "L2",
		"L1", "L2",
		"L1", "L2",
		"L1", "L2",
		"L1", "L2",
		"End",
	}

	found, index := DetectRepetitiveSequence(lines, 2, 5)
	if !found || index != 1 {
		t.Errorf("expected (true, 1), got (%v, %d)", found, index)
	}

	found, _ = DetectRepetitiveSequence(lines, 2, 6)
	if found {
		t.Error("expected no match when repeats exceed available lines")
	}

	found, _ = DetectRepetitiveSequence([]string{"", "", "", ""}, 2, 2)
	if found {
		t.Error("empty patterns must not match")
	}
}
