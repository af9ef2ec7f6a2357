package prompt

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/strata/internal/backend"
)

var dialog = []backend.Turn{
	backend.UserTurn("  hello  "),
	backend.AssistantTurn("hi there\n"),
	backend.UserTurn("how are you?"),
}

func TestChatML(t *testing.T) {
	t.Parallel()

	got := ChatML{System: "be brief"}.FormatDialog(dialog, "")
	want := "<|im_start|>system\nbe brief<|im_end|>\n" +
		"<|im_start|>user\nhello<|im_end|>\n" +
		"<|im_start|>assistant\nhi there<|im_end|>\n" +
		"<|im_start|>user\nhow are you?<|im_end|>\n" +
		"<|im_start|>assistant\n"
	if got.Text != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", got.Text, want)
	}
	if !slices.Contains(got.StopSequences, "<|im_end|>") {
		t.Fatalf("expected <|im_end|> stop, got %v", got.StopSequences)
	}
}

func TestSystemPrecedence(t *testing.T) {
	t.Parallel()

	withEmbedded := append([]backend.Turn{backend.SystemTurn("embedded")}, dialog...)
	tests := []struct {
		name     string
		turns    []backend.Turn
		override string
		want     string
		absent   string
	}{
		{"override beats embedded", withEmbedded, "override", "override", "embedded"},
		{"override beats default", dialog, "override", "override", "default"},
		{"embedded beats default", withEmbedded, "", "embedded", "default"},
		{"default when nothing else", dialog, "", "default", "embedded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ChatML{System: "default"}.FormatDialog(tc.turns, tc.override).Text
			if !strings.HasPrefix(got, "<|im_start|>system\n"+tc.want+"<|im_end|>") {
				t.Fatalf("expected system %q first, got %q", tc.want, got)
			}
			if strings.Contains(got, tc.absent) {
				t.Fatalf("did not expect %q in %q", tc.absent, got)
			}
			if strings.Count(got, "<|im_start|>system") != 1 {
				t.Fatalf("expected exactly one system block in %q", got)
			}
		})
	}
}

func TestPhi3(t *testing.T) {
	t.Parallel()

	got := Phi3{}.FormatDialog(dialog, "sys")
	want := "<|system|>\nsys<|end|>\n" +
		"<|user|>\nhello<|end|>\n" +
		"<|assistant|>\nhi there<|end|>\n" +
		"<|user|>\nhow are you?<|end|>\n" +
		"<|assistant|>\n"
	if got.Text != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", got.Text, want)
	}
}

func TestInstBlock(t *testing.T) {
	t.Parallel()

	got := InstBlock{}.FormatDialog(dialog, "sys")
	want := "[INST] <<SYS>>\nsys\n<</SYS>>\n\nhello [/INST] hi there </s>" +
		"[INST] how are you? [/INST]"
	if got.Text != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", got.Text, want)
	}

	// trailing assistant turn still leaves an open block
	closed := InstBlock{}.FormatDialog(dialog[:2], "")
	if !strings.HasSuffix(closed.Text, "[INST] [/INST]") {
		t.Fatalf("expected open instruction at end, got %q", closed.Text)
	}
}

func TestUserAssistantAndPlain(t *testing.T) {
	t.Parallel()

	ua := UserAssistant{}.FormatDialog(dialog, "")
	want := "User: hello\n\nAssistant: hi there\n\nUser: how are you?\n\nAssistant:"
	if ua.Text != want {
		t.Fatalf("unexpected user/assistant output: %q", ua.Text)
	}
	if !ua.AddSpacePrefix {
		t.Fatal("expected space prefix for label style")
	}

	plain := Plain{}.FormatDialog(dialog, "sys")
	if plain.Text != "sys\n\nhello\n\nhi there\n\nhow are you?" {
		t.Fatalf("unexpected plain output: %q", plain.Text)
	}
	if len(plain.StopSequences) != 0 {
		t.Fatalf("plain should have no stops, got %v", plain.StopSequences)
	}
}

func TestCustom(t *testing.T) {
	t.Parallel()

	c, err := NewCustom("Q: {}\nA:")
	if err != nil {
		t.Fatalf("NewCustom: %v", err)
	}
	if got := c.FormatDialog(dialog, "ignored").Text; got != "Q: how are you?\nA:" {
		t.Fatalf("unexpected custom output: %q", got)
	}
	if got := Format(c, "x"); got != "Q: x\nA:" {
		t.Fatalf("unexpected single-turn output: %q", got)
	}

	for _, bad := range []string{"no placeholder", "{} and {}"} {
		if _, err := NewCustom(bad); !errors.Is(err, ErrNoStrategy) {
			t.Fatalf("NewCustom(%q) error = %v, want ErrNoStrategy", bad, err)
		}
	}
}

func TestFlavors(t *testing.T) {
	t.Parallel()

	hints := []struct {
		hint string
		want Flavor
	}{
		{"", FlavorChatML},
		{"ChatMl", FlavorChatML},
		{"Phi3", FlavorPhi3},
		{"phi-3-mini", FlavorPhi3},
		{"llama2", FlavorInstBlock},
		{"Mistral-7B", FlavorInstBlock},
		{"qwen3", FlavorChatML},
		{"plain", FlavorPlain},
		{"custom", FlavorChatML},
	}
	for _, tc := range hints {
		if got := ForFlavorHint(tc.hint); got != tc.want {
			t.Errorf("ForFlavorHint(%q) = %s, want %s", tc.hint, got, tc.want)
		}
	}

	for _, f := range []Flavor{FlavorChatML, FlavorPhi3, FlavorInstBlock, FlavorUserAssistant, FlavorPlain, FlavorCustom} {
		parsed, err := ParseFlavor(f.String())
		if err != nil || parsed != f {
			t.Errorf("ParseFlavor(%q) = %v, %v", f.String(), parsed, err)
		}
	}
	if _, err := ParseFlavor("jinja"); !errors.Is(err, ErrNoStrategy) {
		t.Fatalf("expected ErrNoStrategy, got %v", err)
	}

	s, err := FromFlavor(FlavorPhi3, "sys", "")
	if err != nil {
		t.Fatalf("FromFlavor: %v", err)
	}
	if _, ok := s.(Phi3); !ok {
		t.Fatalf("expected Phi3, got %T", s)
	}
	if _, err := FromFlavor(FlavorCustom, "", "missing"); !errors.Is(err, ErrNoStrategy) {
		t.Fatalf("expected ErrNoStrategy for bad pattern, got %v", err)
	}
}
