package plugin

import (
	"strings"
	"sync"
	"unsafe"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/abi"
	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/logger"
)

// SessionOptions configures a plugin session.
type SessionOptions struct {
	// NCtx requests a context window. Zero lets the plugin choose.
	NCtx   int
	Logger logger.Logger
}

// Backend adapts one plugin session to backend.Backend. Every buffer the
// plugin returns is copied into Go memory and released immediately.
type Backend struct {
	t       *abi.Table
	session abi.Session
	path    string

	eos  backend.Token
	nCtx int
	log  logger.Logger

	closeOnce sync.Once
}

var _ backend.Backend = (*Backend)(nil)

// Open creates a session for modelPath on the loaded plugin.
func Open(h *Handle, modelPath string, opts SessionOptions) (*Backend, error) {
	return NewBackend(h.Table, modelPath, opts)
}

// NewBackend creates a session for modelPath over an already bound table.
func NewBackend(t *abi.Table, modelPath string, opts SessionOptions) (*Backend, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	b := &Backend{t: t, path: modelPath, log: log.With("component", "plugin", "plugin", t.Info.ID)}

	if err := checkNUL("create_session", modelPath); err != nil {
		return nil, err
	}
	b.session = t.LLM.CreateSession(modelPath, int32(opts.NCtx))
	if b.session == 0 {
		return nil, b.fail("create_session", "create_session failed")
	}

	b.eos = backend.Token(t.LLM.EOSToken(b.session))
	if t.LLM.NCtx != nil {
		if n := t.LLM.NCtx(b.session); n > 0 {
			b.nCtx = int(n)
		}
	}
	if b.nCtx == 0 {
		b.nCtx = b.contextLengthFromMetadata()
	}
	b.log.Debug("session created", "model", modelPath, "eos", int32(b.eos), "n_ctx", b.nCtx)
	return b, nil
}

func (b *Backend) contextLengthFromMetadata() int {
	var out unsafe.Pointer
	var n uintptr
	b.t.Metadata.CollectJSON(b.path, &out, &n)
	raw := abi.TakeString(out, n, b.t.Metadata.FreeString)
	if raw == "" {
		return 0
	}
	var info struct {
		ContextLength *uint64 `json:"context_length"`
	}
	if err := json.Unmarshal([]byte(raw), &info); err != nil || info.ContextLength == nil {
		return 0
	}
	return int(*info.ContextLength)
}

func checkNUL(op, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return backend.NewCallError(op, "string contains interior NUL")
	}
	return nil
}

func (b *Backend) lastError() string {
	if b.t.LLM.LastError == nil {
		return ""
	}
	var out unsafe.Pointer
	var n uintptr
	b.t.LLM.LastError(&out, &n)
	return abi.TakeString(out, n, b.t.LLM.FreeString)
}

func (b *Backend) fail(op, fallback string) error {
	msg := b.lastError()
	if msg == "" {
		msg = fallback
	}
	return backend.NewCallError(op, msg)
}

func (b *Backend) live(op string) error {
	if b.session == 0 {
		return backend.NewCallError(op, "session closed")
	}
	return nil
}

func toInt32(tokens []backend.Token) []int32 {
	out := make([]int32, len(tokens))
	for i, t := range tokens {
		out[i] = int32(t)
	}
	return out
}

func (b *Backend) Tokenize(text string) ([]backend.Token, error) {
	if err := b.live("tokenize"); err != nil {
		return nil, err
	}
	if err := checkNUL("tokenize", text); err != nil {
		return nil, err
	}
	var out unsafe.Pointer
	var n uintptr
	b.t.LLM.Tokenize(b.session, text, true, &out, &n)
	raw := abi.TakeTokens(out, n, b.t.LLM.FreeTokens)
	if len(raw) == 0 {
		if msg := b.lastError(); msg != "" {
			return nil, backend.NewCallError("tokenize", msg)
		}
		return nil, nil
	}
	toks := make([]backend.Token, len(raw))
	for i, v := range raw {
		toks[i] = backend.Token(v)
	}
	return toks, nil
}

func (b *Backend) Evaluate(tokens []backend.Token, nPast int) error {
	if err := b.live("evaluate"); err != nil {
		return err
	}
	if len(tokens) == 0 {
		return nil
	}
	buf := toInt32(tokens)
	ptr, n := abi.TokenArg(buf)
	if rc := b.t.LLM.Evaluate(b.session, ptr, n, int32(nPast)); rc != 0 {
		return b.fail("evaluate", "evaluate failed")
	}
	return nil
}

func (b *Backend) Sample(nPast int, params backend.SamplingParams, history []backend.Token) (backend.Token, error) {
	if err := b.live("sample"); err != nil {
		return 0, err
	}
	js, err := abi.EncodeParams(params)
	if err != nil {
		return 0, backend.WrapCallError("sample", err)
	}
	buf := toInt32(history)
	ptr, n := abi.TokenArg(buf)
	tok := b.t.LLM.Sample(b.session, js, ptr, n, int32(nPast))
	if tok < 0 {
		return 0, b.fail("sample", "sample failed")
	}
	return backend.Token(tok), nil
}

func (b *Backend) DecodeToken(tok backend.Token) (string, error) {
	if err := b.live("decode_token"); err != nil {
		return "", err
	}
	var out unsafe.Pointer
	var n uintptr
	b.t.LLM.DecodeToken(b.session, int32(tok), &out, &n)
	s := abi.TakeString(out, n, b.t.LLM.FreeString)
	if s == "" {
		if msg := b.lastError(); msg != "" {
			return "", backend.NewCallError("decode_token", msg)
		}
	}
	return s, nil
}

func (b *Backend) DetokenizeRange(history []backend.Token, start int, removeSpecial, unparseSpecial bool) ([]byte, error) {
	if err := b.live("detokenize"); err != nil {
		return nil, err
	}
	if start < 0 {
		start = 0
	}
	if start >= len(history) {
		return nil, nil
	}
	if b.t.LLM.Detokenize == nil {
		return backend.DecodeEach(b, history, start)
	}
	buf := toInt32(history[start:])
	ptr, n := abi.TokenArg(buf)
	var out unsafe.Pointer
	var outLen uintptr
	b.t.LLM.Detokenize(b.session, ptr, n, removeSpecial, unparseSpecial, &out, &outLen)
	text := abi.TakeBytes(out, outLen, b.t.LLM.FreeString)
	if len(text) == 0 {
		if msg := b.lastError(); msg != "" {
			return nil, backend.NewCallError("detokenize", msg)
		}
	}
	return text, nil
}

func (b *Backend) EOS() backend.Token { return b.eos }

func (b *Backend) ContextWindowHint() (int, bool) {
	return b.nCtx, b.nCtx > 0
}

func (b *Backend) ApplyNativeChatTemplate(turns []backend.Turn) (string, bool, error) {
	if b.t.LLM.ApplyChatTemplate == nil {
		return "", false, nil
	}
	if err := b.live("apply_chat_template"); err != nil {
		return "", false, err
	}
	js, err := abi.EncodeTurns(turns)
	if err != nil {
		return "", false, backend.WrapCallError("apply_chat_template", err)
	}
	var out unsafe.Pointer
	var n uintptr
	rc := b.t.LLM.ApplyChatTemplate(b.session, js, &out, &n)
	text := abi.TakeString(out, n, b.t.LLM.FreeString)
	switch {
	case rc < 0:
		return "", false, b.fail("apply_chat_template", "apply_chat_template failed")
	case rc == 0:
		if msg := b.lastError(); msg != "" {
			b.log.Debug("native chat template unavailable", "reason", msg)
		}
		return "", false, nil
	default:
		return text, true, nil
	}
}

func (b *Backend) DefaultStopStrings() []string {
	if b.t.LLM.DefaultStops == nil || b.session == 0 {
		return nil
	}
	var out unsafe.Pointer
	var n uintptr
	b.t.LLM.DefaultStops(b.session, &out, &n)
	stops, err := abi.DecodeStops(abi.TakeString(out, n, b.t.LLM.FreeString))
	if err != nil {
		b.log.Warn("ignoring malformed default stops", "error", err)
		return nil
	}
	return stops
}

func (b *Backend) ClearKVCache() error {
	if err := b.live("clear_cache"); err != nil {
		return err
	}
	if b.t.LLM.ClearCache == nil {
		return backend.NewCallError("clear_cache", "not supported by plugin")
	}
	b.t.LLM.ClearCache(b.session)
	return nil
}

func (b *Backend) KVLenHint() (int, bool) {
	if b.t.LLM.KVLen == nil || b.session == 0 {
		return 0, false
	}
	n := b.t.LLM.KVLen(b.session)
	if n < 0 {
		return 0, false
	}
	return int(n), true
}

func (b *Backend) SamplingCapabilities() backend.Capabilities {
	if b.t.LLM.Capabilities == nil || b.session == 0 {
		return backend.DefaultCapabilities()
	}
	return backend.CapabilitiesFromBits(b.t.LLM.Capabilities(b.session))
}

func (b *Backend) PromptFlavorHint() string {
	if b.t.LLM.PromptFlavor == nil || b.session == 0 {
		return ""
	}
	var out unsafe.Pointer
	var n uintptr
	b.t.LLM.PromptFlavor(b.session, &out, &n)
	return abi.TakeString(out, n, b.t.LLM.FreeString)
}

// Close destroys the plugin session. It is safe to call more than once.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		if b.session != 0 {
			b.t.LLM.DestroySession(b.session)
			b.session = 0
			b.log.Debug("session destroyed", "model", b.path)
		}
	})
	return nil
}
