package inference

import (
	"strings"
	"sync"

	"github.com/samcharles93/strata/internal/backend"
)

const fakeEOS backend.Token = 2

// scriptBackend gives every distinct word its own token and replays a
// scripted reply one piece per token.
type scriptBackend struct {
	mu sync.Mutex

	vocab  map[string]backend.Token
	pieces map[backend.Token]string
	script []backend.Token
	pos    int

	template    string
	hasTemplate bool
	hint        string
	stops       []string
	panicSample bool

	samples []backend.SamplingParams
	closed  bool
}

func newScript(pieces ...string) *scriptBackend {
	f := &scriptBackend{
		vocab:  map[string]backend.Token{},
		pieces: map[backend.Token]string{},
		hint:   "ChatMl",
	}
	f.reply(pieces...)
	return f
}

func (f *scriptBackend) reply(pieces ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = f.script[:0]
	f.pos = 0
	for i, p := range pieces {
		tok := backend.Token(1000 + i)
		f.pieces[tok] = p
		f.script = append(f.script, tok)
	}
}

func (f *scriptBackend) sampled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func (f *scriptBackend) Tokenize(text string) ([]backend.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []backend.Token
	for _, w := range strings.Fields(text) {
		tok, ok := f.vocab[w]
		if !ok {
			tok = backend.Token(10 + len(f.vocab))
			f.vocab[w] = tok
		}
		out = append(out, tok)
	}
	return out, nil
}

func (f *scriptBackend) Evaluate([]backend.Token, int) error { return nil }

func (f *scriptBackend) Sample(_ int, params backend.SamplingParams, _ []backend.Token) (backend.Token, error) {
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

func (f *scriptBackend) DecodeToken(tok backend.Token) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pieces[tok], nil
}

func (f *scriptBackend) DetokenizeRange(history []backend.Token, start int, _, _ bool) ([]byte, error) {
	return backend.DecodeEach(f, history, start)
}

func (f *scriptBackend) EOS() backend.Token             { return fakeEOS }
func (f *scriptBackend) ContextWindowHint() (int, bool) { return 4096, true }

func (f *scriptBackend) ApplyNativeChatTemplate(turns []backend.Turn) (string, bool, error) {
	if !f.hasTemplate {
		return "", false, nil
	}
	parts := []string{f.template}
	for _, t := range turns {
		parts = append(parts, t.Content)
	}
	return strings.Join(parts, " "), true, nil
}

func (f *scriptBackend) DefaultStopStrings() []string               { return f.stops }
func (f *scriptBackend) ClearKVCache() error                        { return nil }
func (f *scriptBackend) KVLenHint() (int, bool)                     { return 0, false }
func (f *scriptBackend) SamplingCapabilities() backend.Capabilities { return backend.DefaultCapabilities() }
func (f *scriptBackend) PromptFlavorHint() string                   { return f.hint }

func (f *scriptBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func sessionOver(f *scriptBackend) *Session {
	m := NewModel("model.gguf", nil, func() (backend.Backend, error) { return f, nil }, nil)
	s, err := m.NewSession()
	if err != nil {
		panic(err)
	}
	return s
}

func userRequest(text string) *Request {
	r := ResolveRequest(RequestOptions{Messages: []backend.Turn{backend.UserTurn(text)}}, GenDefaults{})
	return &r
}
