// Package prompt renders chat turns into a single prompt string for backends
// that cannot apply the model's own chat template.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/strata/internal/backend"
)

// ErrNoStrategy is returned when a flavor or pattern cannot produce a
// strategy.
var ErrNoStrategy = errors.New("prompt: no strategy")

// FormattedPrompt is a rendered prompt. StopSequences are the delimiters a
// caller may scan for; nothing enforces them by default.
type FormattedPrompt struct {
	Text           string
	StopSequences  []string
	AddSpacePrefix bool
}

// Strategy renders a dialog. A non-empty system argument replaces any system
// turn in turns and any default held by the strategy.
type Strategy interface {
	FormatDialog(turns []backend.Turn, system string) FormattedPrompt
}

// Format renders a single user message.
func Format(s Strategy, userInput string) string {
	return s.FormatDialog([]backend.Turn{backend.UserTurn(userInput)}, "").Text
}

// Flavor names a strategy family.
type Flavor uint8

const (
	FlavorChatML Flavor = iota
	FlavorPhi3
	FlavorInstBlock
	FlavorUserAssistant
	FlavorPlain
	FlavorCustom
)

func (f Flavor) String() string {
	switch f {
	case FlavorChatML:
		return "ChatMl"
	case FlavorPhi3:
		return "Phi3"
	case FlavorInstBlock:
		return "InstBlock"
	case FlavorUserAssistant:
		return "UserAssistant"
	case FlavorPlain:
		return "Plain"
	case FlavorCustom:
		return "Custom"
	default:
		return fmt.Sprintf("flavor(%d)", uint8(f))
	}
}

// ParseFlavor accepts flavor names case-insensitively, with or without
// separators ("ChatMl", "chat-ml", "user_assistant").
func ParseFlavor(s string) (Flavor, error) {
	key := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch key {
	case "chatml":
		return FlavorChatML, nil
	case "phi3", "phi":
		return FlavorPhi3, nil
	case "instblock", "inst", "llama2":
		return FlavorInstBlock, nil
	case "userassistant":
		return FlavorUserAssistant, nil
	case "plain", "none":
		return FlavorPlain, nil
	case "custom":
		return FlavorCustom, nil
	default:
		return 0, fmt.Errorf("%w: unknown flavor %q", ErrNoStrategy, s)
	}
}

func (f Flavor) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Flavor) UnmarshalText(b []byte) error {
	parsed, err := ParseFlavor(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ForFlavorHint maps a backend's flavor hint or model family to a flavor. An
// exact flavor name wins; otherwise family substrings are matched and ChatML
// is the default.
func ForFlavorHint(hint string) Flavor {
	if f, err := ParseFlavor(hint); err == nil && f != FlavorCustom {
		return f
	}
	h := strings.ToLower(hint)
	switch {
	case strings.Contains(h, "phi"):
		return FlavorPhi3
	case strings.Contains(h, "llama2"), strings.Contains(h, "llama-2"),
		strings.Contains(h, "mistral"), strings.Contains(h, "mixtral"):
		return FlavorInstBlock
	default:
		return FlavorChatML
	}
}

// FromFlavor builds the strategy for f. system is the default system prompt
// for flavors that hold one; pattern is used by FlavorCustom.
func FromFlavor(f Flavor, system, pattern string) (Strategy, error) {
	switch f {
	case FlavorChatML:
		return ChatML{System: system}, nil
	case FlavorPhi3:
		return Phi3{System: system}, nil
	case FlavorInstBlock:
		return InstBlock{}, nil
	case FlavorUserAssistant:
		return UserAssistant{}, nil
	case FlavorPlain:
		return Plain{}, nil
	case FlavorCustom:
		c, err := NewCustom(pattern)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNoStrategy, f)
	}
}

// splitSystem picks the system text to emit and returns the remaining turns.
// An override drops embedded system turns; otherwise embedded system turns
// are merged and the strategy default applies only when there are none.
func splitSystem(turns []backend.Turn, override, def string) (string, []backend.Turn) {
	rest := make([]backend.Turn, 0, len(turns))
	var embedded []string
	for _, t := range turns {
		if t.Role == backend.RoleSystem {
			if c := strings.TrimSpace(t.Content); c != "" {
				embedded = append(embedded, c)
			}
			continue
		}
		rest = append(rest, t)
	}
	if s := strings.TrimSpace(override); s != "" {
		return s, rest
	}
	if len(embedded) > 0 {
		return strings.Join(embedded, "\n\n"), rest
	}
	return strings.TrimSpace(def), rest
}

func lastUser(turns []backend.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == backend.RoleUser {
			return strings.TrimSpace(turns[i].Content)
		}
	}
	return ""
}
