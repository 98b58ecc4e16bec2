package chunking

import (
	"reflect"
	"testing"
)

func TestSplitSentencesAbbreviationAndDecimal(t *testing.T) {
	got := SplitSentences("Dr. Smith gave 2.5 mg. Patient improved.")
	want := []string{"Dr. Smith gave 2.5 mg.", "Patient improved."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitSentences() = %q, want %q", got, want)
	}
}

func TestSplitSentencesCases(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "empty input",
			in:   "",
			want: nil,
		},
		{
			name: "whitespace only",
			in:   "   \n\t ",
			want: nil,
		},
		{
			name: "question and exclamation",
			in:   "Is it safe? Stop immediately! Continue as directed.",
			want: []string{"Is it safe?", "Stop immediately!", "Continue as directed."},
		},
		{
			name: "initials are not boundaries",
			in:   "Reviewed by J. Doe in 2020. Approved later.",
			want: []string{"Reviewed by J. Doe in 2020.", "Approved later."},
		},
		{
			name: "sentence ending in a bare number",
			in:   "Do not use for more than 7. Consult a physician first.",
			want: []string{"Do not use for more than 7.", "Consult a physician first."},
		},
		{
			name: "decimal dose is not a boundary",
			in:   "Administer 2.5 mg twice daily. Reassess weekly.",
			want: []string{"Administer 2.5 mg twice daily.", "Reassess weekly."},
		},
		{
			name: "closing quote absorbed",
			in:   `He said "take with food." Then he left.`,
			want: []string{`He said "take with food."`, "Then he left."},
		},
		{
			name: "citation markers stripped",
			in:   "Shown effective [12] in trials. See details.",
			want: []string{"Shown effective in trials.", "See details."},
		},
		{
			name: "no trailing ender keeps tail",
			in:   "First part. trailing fragment without period",
			want: []string{"First part.", "trailing fragment without period"},
		},
		{
			name: "whitespace runs collapsed",
			in:   "One dose daily. Second  \t sentence.",
			want: []string{"One dose daily.", "Second sentence."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitSentences(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("SplitSentences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSplitSentencesIsRestartable(t *testing.T) {
	in := "Dr. Smith gave 2.5 mg. Patient improved."
	first := SplitSentences(in)
	second := SplitSentences(in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated segmentation diverged: %q vs %q", first, second)
	}
}

func TestApproxTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"one", 0},
		{"one two three four five", 4},
		{"a b c d e f g h i j", 8},
	}
	for _, tt := range tests {
		if got := approxTokens(tt.in); got != tt.want {
			t.Fatalf("approxTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
