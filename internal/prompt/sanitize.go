package prompt

import "strings"

// sentinels are end-of-turn markers that some models print as text.
var sentinels = []string{
	"<|im_end|>",
	"<|end|>",
	"<|endoftext|>",
	"<|end_of_text|>",
	"<|eot_id|>",
	"</s>",
}

// SanitizeAssistant strips reasoning blocks and end-of-turn sentinels from
// generated text before it is stored as an assistant turn.
func SanitizeAssistant(text string) string {
	s := StripThink(text)
	for _, tok := range sentinels {
		s = strings.ReplaceAll(s, tok, "")
	}
	return strings.TrimSpace(s)
}

// StripThink removes <think>...</think> blocks, case-insensitively. An
// unclosed block drops the rest of the text.
func StripThink(text string) string {
	const (
		openTag  = "<think>"
		closeTag = "</think>"
	)
	lower := strings.ToLower(text)

	var b strings.Builder
	cursor := 0
	for cursor < len(text) {
		start := strings.Index(lower[cursor:], openTag)
		if start < 0 {
			b.WriteString(text[cursor:])
			break
		}
		start += cursor
		b.WriteString(text[cursor:start])

		inner := start + len(openTag)
		end := strings.Index(lower[inner:], closeTag)
		if end < 0 {
			break
		}
		cursor = inner + end + len(closeTag)
	}
	return b.String()
}

// FirstStop returns the byte offset of the earliest stop sequence in text, or
// -1.
func FirstStop(text string, stops []string) int {
	best := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}
