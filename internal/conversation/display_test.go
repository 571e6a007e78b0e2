package conversation

import (
	"strings"
	"testing"

	"github.com/RLAsoftware/category-of-one/internal/llm"
)

func TestMarkerFilterHoldsSplitMarker(t *testing.T) {
	var f markerFilter
	var out strings.Builder
	for _, d := range []string{"All set. [SYN", "THESIS_", "READY]", " bye"} {
		out.WriteString(f.Push(d))
	}
	out.WriteString(f.Flush())
	if got := out.String(); got != "All set.  bye" {
		t.Fatalf("filtered = %q", got)
	}
}

func TestMarkerFilterReleasesFalseStart(t *testing.T) {
	var f markerFilter
	first := f.Push("pick [S")
	if first != "pick " {
		t.Fatalf("Push() = %q, want held suffix", first)
	}
	if got := f.Push("ome] option"); got != "[Some] option" {
		t.Fatalf("Push() = %q", got)
	}
	if rest := f.Flush(); rest != "" {
		t.Fatalf("Flush() = %q, want empty", rest)
	}
}

func TestMarkerPrefixLen(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{in: "", want: 0},
		{in: "hello", want: 0},
		{in: "hello [", want: 1},
		{in: "hello [SYNTH", want: 6},
		{in: llm.CompletionMarker[:len(llm.CompletionMarker)-1], want: len(llm.CompletionMarker) - 1},
	}
	for _, tc := range tests {
		if got := markerPrefixLen(tc.in); got != tc.want {
			t.Fatalf("markerPrefixLen(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDeltaCoalescerPreservesText(t *testing.T) {
	c := newDeltaCoalescer(12)
	input := "Thanks for sharing that. What is the one thing your best clients say about you? Take your time."
	var chunks []string
	for _, r := range input {
		chunks = append(chunks, c.Consume(string(r))...)
	}
	chunks = append(chunks, c.Finalize()...)
	if got := strings.Join(chunks, ""); got != input {
		t.Fatalf("joined = %q, want %q", got, input)
	}
	if len(chunks) >= len(input)/2 {
		t.Fatalf("chunks = %d, want coalescing", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], ".") && len(chunks[0]) > 24 {
		t.Fatalf("first chunk = %q", chunks[0])
	}
}

func TestWhitespaceCutKeepsRunesWhole(t *testing.T) {
	input := "ééééééééééééééééééééééééééééééé"
	cut := whitespaceCut(input, 5)
	if !strings.HasPrefix(input, input[:cut]) || cut%2 != 0 {
		t.Fatalf("cut = %d splits a rune", cut)
	}
}
