package inference

import "strings"

type SplitResult struct {
	Content   string
	Reasoning string
}

// SplitReasoning separates content and reasoning using <think>...</think>
// tags. An unclosed block treats the remainder as reasoning.
func SplitReasoning(raw string) SplitResult {
	lower := strings.ToLower(raw)
	const (
		openTag  = "<think>"
		closeTag = "</think>"
	)

	var content, reasoning strings.Builder
	cursor := 0
	for cursor < len(raw) {
		start := strings.Index(lower[cursor:], openTag)
		if start < 0 {
			content.WriteString(raw[cursor:])
			break
		}
		start += cursor
		content.WriteString(raw[cursor:start])

		thinkStart := start + len(openTag)
		end := strings.Index(lower[thinkStart:], closeTag)
		if end < 0 {
			reasoning.WriteString(raw[thinkStart:])
			break
		}
		end += thinkStart
		reasoning.WriteString(raw[thinkStart:end])
		cursor = end + len(closeTag)
	}
	return SplitResult{Content: content.String(), Reasoning: reasoning.String()}
}

// ReasoningSplitter incrementally splits streamed deltas into content and
// reasoning. A partial tag at the end of the stream is held until the next
// Push.
type ReasoningSplitter struct {
	raw          strings.Builder
	contentLen   int
	reasoningLen int
}

func (s *ReasoningSplitter) Push(delta string) (content, reasoning string) {
	if delta == "" {
		return "", ""
	}
	s.raw.WriteString(delta)
	text := s.raw.String()
	text = text[:len(text)-partialTagSuffix(text)]
	return s.emit(SplitReasoning(text))
}

// Flush emits whatever Push held back.
func (s *ReasoningSplitter) Flush() (content, reasoning string) {
	return s.emit(SplitReasoning(s.raw.String()))
}

func (s *ReasoningSplitter) emit(out SplitResult) (content, reasoning string) {
	if s.contentLen < len(out.Content) {
		content = out.Content[s.contentLen:]
		s.contentLen = len(out.Content)
	}
	if s.reasoningLen < len(out.Reasoning) {
		reasoning = out.Reasoning[s.reasoningLen:]
		s.reasoningLen = len(out.Reasoning)
	}
	return content, reasoning
}

// partialTagSuffix returns the length of a trailing prefix of <think> or
// </think>.
func partialTagSuffix(text string) int {
	i := strings.LastIndexByte(text, '<')
	if i < 0 {
		return 0
	}
	tail := strings.ToLower(text[i:])
	if tail == "<think>" || tail == "</think>" {
		return 0
	}
	if strings.HasPrefix("<think>", tail) || strings.HasPrefix("</think>", tail) {
		return len(text) - i
	}
	return 0
}
