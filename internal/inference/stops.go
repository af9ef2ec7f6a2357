package inference

import (
	"slices"
	"strings"

	"github.com/samcharles93/strata/internal/prompt"
)

// stopScanner forwards streamed text until one of stops appears. Text that
// could still turn into a stop string is held back, so a matched stop never
// reaches the stream.
type stopScanner struct {
	stops   []string
	longest int
	out     StreamFunc

	text    strings.Builder
	emitted int
	matched bool
}

func newStopScanner(stops []string, out StreamFunc) *stopScanner {
	s := &stopScanner{out: out}
	for _, stop := range stops {
		if stop == "" || slices.Contains(s.stops, stop) {
			continue
		}
		s.stops = append(s.stops, stop)
		s.longest = max(s.longest, len(stop))
	}
	return s
}

// Push consumes a delta and reports whether a stop string matched.
func (s *stopScanner) Push(delta string) bool {
	if s.matched {
		return true
	}
	s.text.WriteString(delta)
	full := s.text.String()

	if i := prompt.FirstStop(full, s.stops); i >= 0 {
		s.matched = true
		s.forward(full, i)
		return true
	}
	safe := len(full) - s.holdback(full)
	s.forward(full, safe)
	return false
}

// Flush forwards any held-back text when the stream ended without a match.
func (s *stopScanner) Flush() {
	if s.matched {
		return
	}
	full := s.text.String()
	s.forward(full, len(full))
}

// Truncate cuts text at the matched stop, if any.
func (s *stopScanner) Truncate(text string) string {
	if !s.matched {
		return text
	}
	if i := prompt.FirstStop(text, s.stops); i >= 0 {
		return strings.TrimSpace(text[:i])
	}
	return text
}

func (s *stopScanner) forward(full string, upto int) {
	if upto <= s.emitted {
		return
	}
	if s.out != nil {
		s.out(full[s.emitted:upto])
	}
	s.emitted = upto
}

// holdback is the length of the longest suffix of full that is a proper
// prefix of some stop string.
func (s *stopScanner) holdback(full string) int {
	for n := min(len(full), s.longest-1); n > 0; n-- {
		suffix := full[len(full)-n:]
		for _, stop := range s.stops {
			if strings.HasPrefix(stop, suffix) {
				return n
			}
		}
	}
	return 0
}
