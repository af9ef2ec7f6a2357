// Package engine runs chat inference over a backend session. It formats
// turns, keeps the prompt within a token budget, reuses the KV cache across
// calls and streams UTF-8 safe deltas.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/memory"
	"github.com/samcharles93/strata/internal/prompt"
)

var (
	// ErrFormat is returned when no prompt can be built for a dialog.
	ErrFormat = errors.New("engine: cannot format prompt")
	// ErrInferenceFailed is returned when inference panics.
	ErrInferenceFailed = errors.New("engine: inference failed")
)

const (
	defaultBudget      = 3072
	defaultPrefillSize = 64
	defaultContext     = 4096
	fallbackSteps      = 32
)

// Stats describes one inference call.
type Stats struct {
	PromptTokens    int
	ReusedTokens    int
	EvaluatedTokens int
	GeneratedTokens int
	Cancelled       bool
	Duration        time.Duration
	TPS             float64
}

// Result is the outcome of one call. Text is trimmed of surrounding
// whitespace.
type Result struct {
	Text  string
	Stats Stats
}

// DeltaFunc receives decoded text as it is produced. It is called
// synchronously on the inference goroutine, in order.
type DeltaFunc func(delta string)

// Engine is one logical chat session over a backend. Calls are serialized;
// Cancel may be called from any goroutine.
type Engine struct {
	mu sync.Mutex

	b         backend.Backend
	log       logger.Logger
	params    backend.SamplingParams
	strategy  prompt.Strategy
	system    string
	budget    int
	maxDecode int
	chunk     int

	mem    *memory.Session
	prev   []backend.Token
	kvWarm bool

	stop atomic.Bool
}

// New builds an engine over b. The strategy defaults to the one matching the
// backend's flavor hint, or the WithFlavorHint value when the backend has
// none. The prompt budget defaults to three quarters of the context window
// when the backend reports one.
func New(b backend.Backend, opts ...Option) (*Engine, error) {
	if b == nil {
		return nil, errors.New("engine: nil backend")
	}
	cfg := config{params: backend.DefaultSamplingParams()}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		b:         b,
		log:       cfg.log,
		params:    b.SamplingCapabilities().Restrict(cfg.params),
		system:    cfg.system,
		maxDecode: cfg.maxDecode,
		chunk:     cfg.chunk,
		mem:       memory.New(),
	}
	if e.log == nil {
		e.log = logger.Discard()
	}
	if e.chunk <= 0 {
		e.chunk = defaultPrefillSize
	}

	switch {
	case cfg.strategy != nil:
		e.strategy = cfg.strategy
	case cfg.flavor != nil:
		s, err := prompt.FromFlavor(*cfg.flavor, cfg.system, cfg.pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
		e.strategy = s
	default:
		hint := b.PromptFlavorHint()
		if strings.TrimSpace(hint) == "" {
			hint = cfg.hint
		}
		s, err := prompt.FromFlavor(prompt.ForFlavorHint(hint), cfg.system, "")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
		e.strategy = s
	}

	switch {
	case cfg.budget > 0:
		e.budget = cfg.budget
	default:
		e.budget = defaultBudget
		if nCtx, ok := b.ContextWindowHint(); ok && nCtx > 0 {
			e.budget = max(1, nCtx*3/4)
		}
	}

	e.log.Debug("engine ready",
		"strategy", fmt.Sprintf("%T", e.strategy),
		"budget", e.budget,
		"prefill_chunk", e.chunk,
	)
	return e, nil
}

// Cancel asks the running call to stop at its next step. The call returns
// the text generated so far without an error.
func (e *Engine) Cancel() { e.stop.Store(true) }

// Budget reports the prompt token budget.
func (e *Engine) Budget() int { return e.budget }

// SetSystemPrompt replaces the system prompt used by later calls.
func (e *Engine) SetSystemPrompt(system string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.system = system
}

// SetSampling replaces the sampling parameters used by later calls.
func (e *Engine) SetSampling(p backend.SamplingParams) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = e.b.SamplingCapabilities().Restrict(p)
}

// SetMaxDecodeTokens replaces the per-call decode cap. n below 1 removes it.
func (e *Engine) SetMaxDecodeTokens(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxDecode = max(0, n)
}

// Sampling returns the effective sampling parameters.
func (e *Engine) Sampling() backend.SamplingParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// History returns a copy of the stateful dialog.
func (e *Engine) History() []backend.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mem.Turns()
}

// Reset forgets the stateful dialog. The KV cache is kept and reused by
// prefix on the next call.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mem.Clear()
}

// ClearKVCache drops the backend cache so the next call evaluates the whole
// prompt.
func (e *Engine) ClearKVCache() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markCold()
	return backend.WrapCallError("clear_kv_cache", e.b.ClearKVCache())
}

// Format renders turns the way InferChat would, without running inference.
func (e *Engine) Format(turns []backend.Turn) (prompt.FormattedPrompt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format(turns)
}

// Infer appends userText to the session dialog, drops the oldest turns until
// the prompt fits the budget, generates a reply and stores it.
func (e *Engine) Infer(ctx context.Context, userText string) (Result, error) {
	return e.InferStream(ctx, userText, nil)
}

// InferStream is Infer with streamed deltas.
func (e *Engine) InferStream(ctx context.Context, userText string, onDelta DeltaFunc) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	done, err := e.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer done()

	e.mem.PushUser(userText)
	fp, toks, err := e.fitBudget()
	if err != nil {
		return Result{}, err
	}
	res, err := e.run(fp, toks, onDelta)
	if err != nil {
		return Result{}, err
	}
	e.mem.PushAssistant(prompt.SanitizeAssistant(res.Text))
	return res, nil
}

// InferChat generates a reply to turns without touching the session dialog.
func (e *Engine) InferChat(ctx context.Context, turns []backend.Turn) (Result, error) {
	return e.InferChatStream(ctx, turns, nil)
}

// InferChatStream is InferChat with streamed deltas.
func (e *Engine) InferChatStream(ctx context.Context, turns []backend.Turn, onDelta DeltaFunc) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	done, err := e.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer done()

	fp, err := e.format(turns)
	if err != nil {
		return Result{}, err
	}
	toks, err := e.b.Tokenize(fp.Text)
	if err != nil {
		e.markCold()
		return Result{}, fmt.Errorf("tokenize prompt: %w", backend.WrapCallError("tokenize", err))
	}
	return e.run(fp, toks, onDelta)
}

// dialogTurns counts the non-system turns in the session dialog. The newest
// user turn is never dropped.
func (e *Engine) dialogTurns() int {
	n := 0
	for _, t := range e.mem.Turns() {
		if t.Role != backend.RoleSystem {
			n++
		}
	}
	return n
}

// begin clears the stop flag and ties ctx cancellation to it.
func (e *Engine) begin(ctx context.Context) (func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.stop.Store(false)
	stop := context.AfterFunc(ctx, e.Cancel)
	return func() { stop() }, nil
}

func (e *Engine) markCold() {
	e.kvWarm = false
	e.prev = nil
}

// format prefers the model's own chat template and falls back to the
// strategy. The system prompt is injected when turns carry none.
func (e *Engine) format(turns []backend.Turn) (prompt.FormattedPrompt, error) {
	if e.system != "" && !backend.HasSystem(turns) {
		withSystem := make([]backend.Turn, 0, len(turns)+1)
		withSystem = append(withSystem, backend.SystemTurn(e.system))
		turns = append(withSystem, turns...)
	}

	text, ok, err := e.b.ApplyNativeChatTemplate(turns)
	switch {
	case err != nil:
		e.log.Warn("native chat template failed, using strategy", "error", err)
	case ok:
		return prompt.FormattedPrompt{
			Text:           text,
			StopSequences:  e.b.DefaultStopStrings(),
			AddSpacePrefix: true,
		}, nil
	}

	if e.strategy == nil {
		return prompt.FormattedPrompt{}, ErrFormat
	}
	return e.strategy.FormatDialog(turns, ""), nil
}

// fitBudget formats the session dialog and drops the oldest pairs until the
// tokenized prompt fits. When nothing more can be dropped the last attempt
// is used as is.
func (e *Engine) fitBudget() (prompt.FormattedPrompt, []backend.Token, error) {
	for {
		fp, err := e.format(e.mem.Turns())
		if err != nil {
			return fp, nil, err
		}
		toks, err := e.b.Tokenize(fp.Text)
		if err != nil {
			e.markCold()
			return fp, nil, fmt.Errorf("tokenize prompt: %w", backend.WrapCallError("tokenize", err))
		}
		if len(toks) <= e.budget {
			return fp, toks, nil
		}
		if e.dialogTurns() <= 1 || !e.mem.DropOldestPair() {
			e.log.Warn("prompt exceeds budget with nothing left to drop",
				"tokens", len(toks), "budget", e.budget)
			return fp, toks, nil
		}
		e.log.Debug("dropped oldest turns to fit budget", "tokens", len(toks), "budget", e.budget)
	}
}
