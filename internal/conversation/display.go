package conversation

import (
	"strings"
	"unicode/utf8"

	"github.com/RLAsoftware/category-of-one/internal/llm"
)

// markerFilter removes the completion marker from streamed text. A suffix
// that could still grow into the marker is held back until the next delta.
type markerFilter struct {
	pending string
}

func (f *markerFilter) Push(delta string) string {
	buf := strings.ReplaceAll(f.pending+delta, llm.CompletionMarker, "")
	hold := markerPrefixLen(buf)
	f.pending = buf[len(buf)-hold:]
	return buf[:len(buf)-hold]
}

// Flush releases a held suffix that never became the marker.
func (f *markerFilter) Flush() string {
	out := f.pending
	f.pending = ""
	return out
}

// markerPrefixLen is the length of the longest suffix of s that is a proper
// prefix of the completion marker.
func markerPrefixLen(s string) int {
	m := llm.CompletionMarker
	max := len(m) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(s, m[:n]) {
			return n
		}
	}
	return 0
}

// deltaCoalescer groups token-sized deltas into phrase-sized chunks so the
// client is not sent one frame per token. The first chunk goes out early.
type deltaCoalescer struct {
	minChars int
	firstMin int

	pending string
	emitted bool
}

func newDeltaCoalescer(minChars int) *deltaCoalescer {
	if minChars <= 0 {
		minChars = 24
	}
	firstMin := minChars / 4
	if firstMin < 2 {
		firstMin = 2
	}
	return &deltaCoalescer{minChars: minChars, firstMin: firstMin}
}

func (c *deltaCoalescer) Consume(delta string) []string {
	if delta == "" {
		return nil
	}
	c.pending += delta
	return c.flush(false)
}

func (c *deltaCoalescer) Finalize() []string {
	return c.flush(true)
}

func (c *deltaCoalescer) flush(force bool) []string {
	var out []string
	for {
		threshold := c.minChars
		if !c.emitted {
			threshold = c.firstMin
		}
		segment, rest, ok := nextSegment(c.pending, threshold, force)
		if !ok {
			break
		}
		c.pending = rest
		if segment == "" {
			continue
		}
		out = append(out, segment)
		c.emitted = true
	}
	return out
}

func nextSegment(input string, minChars int, force bool) (segment, rest string, ok bool) {
	if input == "" {
		return "", "", false
	}
	if force {
		return input, "", true
	}
	if idx := boundaryAfter(input, minChars); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}
	// No sentence boundary yet; cut at whitespace once enough text is buffered.
	if len(input) >= minChars*2 {
		if cut := whitespaceCut(input, minChars); cut > 0 {
			return input[:cut], input[cut:], true
		}
	}
	return "", input, false
}

func boundaryAfter(input string, minChars int) int {
	if minChars < 1 {
		minChars = 1
	}
	for i := minChars - 1; i < len(input); i++ {
		switch input[i] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	return -1
}

// whitespaceCut finds a cut point at or after minChars. It returns -1 when no
// whitespace is in reach yet and the run is still short enough to wait for one.
func whitespaceCut(input string, minChars int) int {
	if len(input) <= minChars {
		return len(input)
	}
	limit := minChars + 20
	if limit > len(input) {
		limit = len(input)
	}
	for i := minChars; i < limit; i++ {
		switch input[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	if len(input) < minChars+20 {
		return -1
	}
	// Never split a multi-byte rune.
	cut := minChars
	for cut < len(input) && !utf8.RuneStart(input[cut]) {
		cut++
	}
	return cut
}
