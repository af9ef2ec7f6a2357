package engine

import (
	"fmt"
	"slices"

	"github.com/samcharles93/strata/internal/backend"
)

// commonPrefix returns the length of the longest shared prefix of a and b.
func commonPrefix(a, b []backend.Token) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// prefill brings the KV cache in line with toks and returns the token
// history it now holds. When the cache is warm and toks only extends the
// previous history, just the suffix is evaluated; otherwise the cache is
// cleared and toks is evaluated from position zero. A stop request between
// chunks ends prefill early with the partial history.
func (e *Engine) prefill(toks []backend.Token, stats *Stats) ([]backend.Token, error) {
	lcp := commonPrefix(e.prev, toks)
	// An identical prompt leaves nothing to evaluate and so no fresh logits
	// to sample from; it is replayed from position zero.
	appendOnly := e.kvWarm && lcp == len(e.prev) && lcp < len(toks)

	start := 0
	if appendOnly {
		start = lcp
	} else {
		if err := e.b.ClearKVCache(); err != nil {
			return nil, fmt.Errorf("clear kv cache: %w", backend.WrapCallError("clear_kv_cache", err))
		}
		e.markCold()
	}

	history := make([]backend.Token, start, len(toks)+fallbackSteps)
	copy(history, toks[:start])
	stats.ReusedTokens = start

	e.log.Debug("prefill",
		"prompt_tokens", len(toks),
		"lcp", lcp,
		"reuse", appendOnly,
	)

	for chunk := range slices.Chunk(toks[start:], e.chunk) {
		if e.stop.Load() {
			stats.Cancelled = true
			e.log.Debug("stop requested during prefill", "evaluated", len(history))
			break
		}
		if err := e.b.Evaluate(chunk, len(history)); err != nil {
			return nil, fmt.Errorf("prefill at %d: %w", len(history), backend.WrapCallError("evaluate", err))
		}
		history = append(history, chunk...)
		stats.EvaluatedTokens += len(chunk)
	}

	e.prev = slices.Clone(history)
	e.kvWarm = true
	return history, nil
}

// stepLimit decides how many tokens one call may generate: whatever is left
// of the context window after the prompt and a 2% reserve, bounded by the
// configured and environment caps.
func (e *Engine) stepLimit(promptLen int) int {
	nCtx, ok := e.b.ContextWindowHint()
	if !ok || nCtx <= 0 {
		nCtx = defaultContext
	}
	reserve := nCtx * 2 / 100
	limit := max(0, nCtx-promptLen-reserve)

	hardCap := e.decodeCap()
	if hardCap > 0 {
		limit = min(limit, hardCap)
	}
	if limit == 0 {
		limit = fallbackSteps
		if hardCap > 0 {
			limit = min(limit, hardCap)
		}
	}
	return limit
}
