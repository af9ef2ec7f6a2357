package plugin

import (
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/samcharles93/strata/internal/abi"
)

// fakePlugin implements the plugin contract in Go and tracks every buffer it
// hands out so tests can assert each one is freed exactly once.
type fakePlugin struct {
	t *testing.T

	mu      sync.Mutex
	live    map[unsafe.Pointer]any
	freed   int
	lastErr string

	created   int
	destroyed int

	vocab       map[int32]string
	evalCalls   []evalCall
	evalRC      int32
	sampleJSON  []string
	nextToken   int32
	template    string
	hasTemplate bool
	stopsJSON   string
	caps        uint32
	nCtx        int32
	kvLen       int32
	flavor      string
	metaJSON    string
}

type evalCall struct {
	tokens []int32
	nPast  int32
}

func newFakePlugin(t *testing.T) *fakePlugin {
	return &fakePlugin{
		t:    t,
		live: map[unsafe.Pointer]any{},
		vocab: map[int32]string{
			1: "Hello",
			2: ",",
			3: " world",
		},
		nextToken: 3,
		nCtx:      2048,
		kvLen:     -1,
	}
}

func (f *fakePlugin) allocString(s string, out *unsafe.Pointer, n *uintptr) {
	if s == "" {
		*out, *n = nil, 0
		return
	}
	buf := []byte(s)
	p := unsafe.Pointer(&buf[0])
	f.mu.Lock()
	f.live[p] = buf
	f.mu.Unlock()
	*out, *n = p, uintptr(len(buf))
}

func (f *fakePlugin) allocTokens(toks []int32, out *unsafe.Pointer, n *uintptr) {
	if len(toks) == 0 {
		*out, *n = nil, 0
		return
	}
	buf := append([]int32(nil), toks...)
	p := unsafe.Pointer(&buf[0])
	f.mu.Lock()
	f.live[p] = buf
	f.mu.Unlock()
	*out, *n = p, uintptr(len(buf))
}

func (f *fakePlugin) free(p unsafe.Pointer, _ uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[p]; !ok {
		f.t.Errorf("free of unknown or already freed buffer %p", p)
		return
	}
	delete(f.live, p)
	f.freed++
}

func (f *fakePlugin) outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

func tokensOf(p *int32, n uintptr) []int32 {
	if p == nil || n == 0 {
		return nil
	}
	return append([]int32(nil), unsafe.Slice(p, n)...)
}

func (f *fakePlugin) table() *abi.Table {
	t := &abi.Table{Info: abi.Info{ABIVersion: abi.Version, ID: "fake", Semver: "0.0.1"}}

	t.Metadata.CanHandle = func(path string) bool { return strings.HasSuffix(path, ".gguf") }
	t.Metadata.CollectJSON = func(_ string, out *unsafe.Pointer, n *uintptr) {
		f.allocString(f.metaJSON, out, n)
	}
	t.Metadata.FreeString = f.free

	t.LLM.CreateSession = func(modelPath string, _ int32) abi.Session {
		if strings.Contains(modelPath, "broken") {
			f.lastErr = "failed to load model"
			return 0
		}
		f.created++
		return abi.Session(0x1000 + f.created)
	}
	t.LLM.DestroySession = func(abi.Session) { f.destroyed++ }
	t.LLM.Tokenize = func(_ abi.Session, text string, _ bool, out *unsafe.Pointer, n *uintptr) {
		var toks []int32
		for _, word := range strings.Fields(text) {
			toks = append(toks, int32(len(word)))
		}
		f.allocTokens(toks, out, n)
	}
	t.LLM.FreeTokens = f.free
	t.LLM.Evaluate = func(_ abi.Session, tokens *int32, n uintptr, nPast int32) int32 {
		f.evalCalls = append(f.evalCalls, evalCall{tokens: tokensOf(tokens, n), nPast: nPast})
		if f.evalRC != 0 {
			f.lastErr = "kv cache full"
		}
		return f.evalRC
	}
	t.LLM.Sample = func(_ abi.Session, paramsJSON string, _ *int32, _ uintptr, _ int32) int32 {
		f.sampleJSON = append(f.sampleJSON, paramsJSON)
		return f.nextToken
	}
	t.LLM.DecodeToken = func(_ abi.Session, tok int32, out *unsafe.Pointer, n *uintptr) {
		f.allocString(f.vocab[tok], out, n)
	}
	t.LLM.Detokenize = func(_ abi.Session, tokens *int32, n uintptr, _, _ bool, out *unsafe.Pointer, outLen *uintptr) {
		var sb strings.Builder
		for _, tok := range tokensOf(tokens, n) {
			sb.WriteString(f.vocab[tok])
		}
		f.allocString(sb.String(), out, outLen)
	}
	t.LLM.ApplyChatTemplate = func(_ abi.Session, _ string, out *unsafe.Pointer, n *uintptr) int32 {
		if !f.hasTemplate {
			return 0
		}
		f.allocString(f.template, out, n)
		return 1
	}
	t.LLM.ClearCache = func(abi.Session) {}
	t.LLM.EOSToken = func(abi.Session) int32 { return 99 }
	t.LLM.NCtx = func(abi.Session) int32 { return f.nCtx }
	t.LLM.KVLen = func(abi.Session) int32 { return f.kvLen }
	t.LLM.DefaultStops = func(_ abi.Session, out *unsafe.Pointer, n *uintptr) {
		f.allocString(f.stopsJSON, out, n)
	}
	t.LLM.Capabilities = func(abi.Session) uint32 { return f.caps }
	t.LLM.PromptFlavor = func(_ abi.Session, out *unsafe.Pointer, n *uintptr) {
		f.allocString(f.flavor, out, n)
	}
	t.LLM.LastError = func(out *unsafe.Pointer, n *uintptr) {
		msg := f.lastErr
		f.lastErr = ""
		f.allocString(msg, out, n)
	}
	t.LLM.FreeString = f.free
	return t
}
