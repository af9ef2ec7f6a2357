package prompt

import (
	"fmt"
	"strings"

	"github.com/samcharles93/strata/internal/backend"
)

// ChatML renders <|im_start|>role\n...<|im_end|> blocks.
type ChatML struct {
	System string
}

func (c ChatML) FormatDialog(turns []backend.Turn, system string) FormattedPrompt {
	sys, rest := splitSystem(turns, system, c.System)

	var b strings.Builder
	if sys != "" {
		b.WriteString("<|im_start|>system\n")
		b.WriteString(sys)
		b.WriteString("<|im_end|>\n")
	}
	for _, t := range rest {
		b.WriteString("<|im_start|>")
		b.WriteString(t.Role.String())
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteString("<|im_end|>\n")
	}
	b.WriteString("<|im_start|>assistant\n")

	return FormattedPrompt{
		Text:          b.String(),
		StopSequences: []string{"<|im_end|>", "<|im_start|>"},
	}
}

// Phi3 renders <|role|>\n...<|end|> blocks.
type Phi3 struct {
	System string
}

func (p Phi3) FormatDialog(turns []backend.Turn, system string) FormattedPrompt {
	sys, rest := splitSystem(turns, system, p.System)

	var b strings.Builder
	if sys != "" {
		b.WriteString("<|system|>\n")
		b.WriteString(sys)
		b.WriteString("<|end|>\n")
	}
	for _, t := range rest {
		fmt.Fprintf(&b, "<|%s|>\n%s<|end|>\n", t.Role, strings.TrimSpace(t.Content))
	}
	b.WriteString("<|assistant|>\n")

	return FormattedPrompt{
		Text:          b.String(),
		StopSequences: []string{"<|end|>", "<|user|>", "<|endoftext|>"},
	}
}

// InstBlock renders the [INST] ... [/INST] style. The system prompt is folded
// into the first instruction inside <<SYS>> markers.
type InstBlock struct{}

func (InstBlock) FormatDialog(turns []backend.Turn, system string) FormattedPrompt {
	sys, rest := splitSystem(turns, system, "")

	var b strings.Builder
	pendingSys := sys
	openInst := func() {
		b.WriteString("[INST] ")
		if pendingSys != "" {
			b.WriteString("<<SYS>>\n")
			b.WriteString(pendingSys)
			b.WriteString("\n<</SYS>>\n\n")
			pendingSys = ""
		}
	}

	open := false
	for _, t := range rest {
		content := strings.TrimSpace(t.Content)
		switch t.Role {
		case backend.RoleUser:
			openInst()
			b.WriteString(content)
			b.WriteString(" [/INST]")
			open = true
		case backend.RoleAssistant:
			if !open {
				// assistant without a preceding instruction
				openInst()
				b.WriteString("[/INST]")
			}
			b.WriteString(" ")
			b.WriteString(content)
			b.WriteString(" </s>")
			open = false
		}
	}
	if !open {
		openInst()
		b.WriteString("[/INST]")
	}

	return FormattedPrompt{
		Text:          b.String(),
		StopSequences: []string{"</s>", "[INST]"},
	}
}

// UserAssistant renders plain "User:" / "Assistant:" labels.
type UserAssistant struct{}

func (UserAssistant) FormatDialog(turns []backend.Turn, system string) FormattedPrompt {
	sys, rest := splitSystem(turns, system, "")

	var b strings.Builder
	if sys != "" {
		b.WriteString("System: ")
		b.WriteString(sys)
		b.WriteString("\n\n")
	}
	for _, t := range rest {
		switch t.Role {
		case backend.RoleUser:
			b.WriteString("User: ")
		case backend.RoleAssistant:
			b.WriteString("Assistant: ")
		}
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant:")

	return FormattedPrompt{
		Text:           b.String(),
		StopSequences:  []string{"\nUser:", "\nSystem:"},
		AddSpacePrefix: true,
	}
}

// Plain joins turn contents with blank lines and adds no markers.
type Plain struct{}

func (Plain) FormatDialog(turns []backend.Turn, system string) FormattedPrompt {
	sys, rest := splitSystem(turns, system, "")

	parts := make([]string, 0, len(rest)+1)
	if sys != "" {
		parts = append(parts, sys)
	}
	for _, t := range rest {
		if c := strings.TrimSpace(t.Content); c != "" {
			parts = append(parts, c)
		}
	}
	return FormattedPrompt{Text: strings.Join(parts, "\n\n"), AddSpacePrefix: true}
}

// Custom substitutes the last user message into Pattern at its single "{}"
// placeholder. Earlier turns and the system prompt are not rendered.
type Custom struct {
	Pattern string
}

// NewCustom validates that pattern has exactly one placeholder.
func NewCustom(pattern string) (Custom, error) {
	if n := strings.Count(pattern, "{}"); n != 1 {
		return Custom{}, fmt.Errorf("%w: custom pattern needs exactly one {} placeholder, found %d", ErrNoStrategy, n)
	}
	return Custom{Pattern: pattern}, nil
}

func (c Custom) FormatDialog(turns []backend.Turn, _ string) FormattedPrompt {
	return FormattedPrompt{
		Text:           strings.Replace(c.Pattern, "{}", lastUser(turns), 1),
		AddSpacePrefix: true,
	}
}
