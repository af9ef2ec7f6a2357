package engine

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/prompt"
)

const fakeEOS backend.Token = 9999

type evalCall struct {
	tokens []backend.Token
	nPast  int
}

// fakeBackend tokenizes whitespace-separated integers (anything else is
// token 0) and replays a scripted reply.
type fakeBackend struct {
	mu sync.Mutex

	nCtx        int
	template    string
	hasTemplate bool
	stops       []string
	flavor      string
	caps        backend.Capabilities

	script []backend.Token
	pos    int
	pieces map[backend.Token][]byte

	evals        []evalCall
	clears       int
	tokenizes    int
	samples      []backend.SamplingParams
	templateArgs [][]backend.Turn

	evalErr     error
	panicSample bool
}

func newFake() *fakeBackend {
	return &fakeBackend{
		caps:   backend.DefaultCapabilities(),
		pieces: map[backend.Token][]byte{},
	}
}

// reply scripts the next generation. Each piece becomes one token.
func (f *fakeBackend) reply(pieces ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = f.script[:0]
	f.pos = 0
	for i, p := range pieces {
		tok := backend.Token(100 + i)
		f.pieces[tok] = []byte(p)
		f.script = append(f.script, tok)
	}
}

func (f *fakeBackend) replyBytes(chunks [][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = f.script[:0]
	f.pos = 0
	for i, c := range chunks {
		tok := backend.Token(100 + i)
		f.pieces[tok] = c
		f.script = append(f.script, tok)
	}
}

func (f *fakeBackend) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals = nil
	f.clears = 0
	f.tokenizes = 0
}

func (f *fakeBackend) Tokenize(text string) ([]backend.Token, error) {
	f.mu.Lock()
	f.tokenizes++
	f.mu.Unlock()
	fields := strings.Fields(text)
	out := make([]backend.Token, 0, len(fields))
	for _, w := range fields {
		n, err := strconv.Atoi(w)
		if err != nil {
			n = 0
		}
		out = append(out, backend.Token(n))
	}
	return out, nil
}

func (f *fakeBackend) Evaluate(tokens []backend.Token, nPast int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return backend.NewCallError("evaluate", f.evalErr.Error())
	}
	f.evals = append(f.evals, evalCall{tokens: slices.Clone(tokens), nPast: nPast})
	return nil
}

func (f *fakeBackend) Sample(_ int, params backend.SamplingParams, _ []backend.Token) (backend.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicSample {
		panic("sampler exploded")
	}
	f.samples = append(f.samples, params)
	if f.pos >= len(f.script) {
		return fakeEOS, nil
	}
	tok := f.script[f.pos]
	f.pos++
	return tok, nil
}

func (f *fakeBackend) DecodeToken(tok backend.Token) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.pieces[tok]), nil
}

func (f *fakeBackend) DetokenizeRange(history []backend.Token, start int, _, _ bool) ([]byte, error) {
	return backend.DecodeEach(f, history, start)
}

func (f *fakeBackend) EOS() backend.Token { return fakeEOS }

func (f *fakeBackend) ContextWindowHint() (int, bool) { return f.nCtx, f.nCtx > 0 }

func (f *fakeBackend) ApplyNativeChatTemplate(turns []backend.Turn) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templateArgs = append(f.templateArgs, slices.Clone(turns))
	return f.template, f.hasTemplate, nil
}

func (f *fakeBackend) DefaultStopStrings() []string { return f.stops }

func (f *fakeBackend) ClearKVCache() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeBackend) KVLenHint() (int, bool)                     { return 0, false }
func (f *fakeBackend) SamplingCapabilities() backend.Capabilities { return f.caps }
func (f *fakeBackend) PromptFlavorHint() string                   { return f.flavor }
func (f *fakeBackend) Close() error                               { return nil }

// raw joins turn contents with spaces so prompts tokenize predictably.
type raw struct{}

func (raw) FormatDialog(turns []backend.Turn, _ string) prompt.FormattedPrompt {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, t.Content)
	}
	return prompt.FormattedPrompt{Text: strings.Join(parts, " ")}
}
