package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/prompt"
)

// EnvMaxDecodeTokens caps decode steps per call for every engine in the
// process. It is read on each call.
const EnvMaxDecodeTokens = "STRATA_MAX_DECODE_TOKENS"

// bpeMarkers maps byte-level BPE glyphs that some vocabularies leak through
// detokenization back to the characters they stand for.
var bpeMarkers = strings.NewReplacer("Ġ", " ", "Ċ", "\n")

func (e *Engine) decodeCap() int {
	hardCap := e.maxDecode
	if v, ok := os.LookupEnv(EnvMaxDecodeTokens); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			e.log.Warn("ignoring invalid decode cap", "env", EnvMaxDecodeTokens, "value", v)
		} else {
			n = max(1, n)
			if hardCap <= 0 || n < hardCap {
				hardCap = n
			}
		}
	}
	return hardCap
}

// run prefills toks, decodes a reply and reports it. Backend errors mark the
// cache cold and discard partial output. Panics surface as
// ErrInferenceFailed.
func (e *Engine) run(fp prompt.FormattedPrompt, toks []backend.Token, onDelta DeltaFunc) (res Result, err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.markCold()
			e.log.Error("inference panicked", "panic", r)
			res, err = Result{}, fmt.Errorf("%w: %v", ErrInferenceFailed, r)
		}
	}()

	stats := Stats{PromptTokens: len(toks)}
	history, err := e.prefill(toks, &stats)
	if err != nil {
		e.markCold()
		return Result{}, err
	}

	limit := e.stepLimit(len(toks))
	e.log.Debug("decode", "step_limit", limit, "stops", len(fp.StopSequences))

	history, text, err := e.decode(history, limit, onDelta, &stats)
	if err != nil {
		e.markCold()
		return Result{}, err
	}
	e.prev = history
	e.kvWarm = true

	stats.Duration = time.Since(started)
	if secs := stats.Duration.Seconds(); secs > 0 {
		stats.TPS = float64(stats.GeneratedTokens) / secs
	}
	e.log.Info("inference complete",
		"prompt_tokens", stats.PromptTokens,
		"reused_tokens", stats.ReusedTokens,
		"generated_tokens", stats.GeneratedTokens,
		"cancelled", stats.Cancelled,
		"duration", stats.Duration,
	)
	return Result{Text: strings.TrimSpace(text), Stats: stats}, nil
}

// decode samples up to limit tokens after history. Newly generated bytes are
// staged and only complete UTF-8 sequences are emitted.
func (e *Engine) decode(history []backend.Token, limit int, onDelta DeltaFunc, stats *Stats) ([]backend.Token, string, error) {
	var (
		out    strings.Builder
		staged []byte
		cursor = len(history)
		eos    = e.b.EOS()
	)

	for step := range limit {
		if e.stop.Load() {
			stats.Cancelled = true
			e.log.Debug("stop requested", "step", step)
			break
		}

		tok, err := e.b.Sample(len(history), e.params, history)
		if err != nil {
			return nil, "", fmt.Errorf("sample at step %d: %w", step, backend.WrapCallError("sample", err))
		}
		if tok == eos {
			break
		}
		if err := e.b.Evaluate([]backend.Token{tok}, len(history)); err != nil {
			return nil, "", fmt.Errorf("evaluate at step %d: %w", step, backend.WrapCallError("evaluate", err))
		}
		history = append(history, tok)
		stats.GeneratedTokens++

		piece, err := e.b.DetokenizeRange(history, cursor, true, false)
		if err != nil {
			return nil, "", fmt.Errorf("detokenize at step %d: %w", step, backend.WrapCallError("detokenize", err))
		}
		cursor = len(history)
		if len(piece) == 0 {
			continue
		}

		staged = append(staged, piece...)
		var delta string
		delta, staged = takeValid(staged)
		if delta == "" {
			continue
		}
		delta = bpeMarkers.Replace(delta)
		out.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}

	if len(staged) > 0 {
		e.log.Debug("dropping incomplete utf-8 tail", "bytes", len(staged))
	}
	return history, out.String(), nil
}

// takeValid splits b into the longest decodable prefix and the remaining
// incomplete sequence. Invalid bytes become U+FFFD instead of stalling the
// stream.
func takeValid(b []byte) (string, []byte) {
	if utf8.Valid(b) {
		return string(b), b[:0]
	}

	var sb strings.Builder
	i := 0
	for i < len(b) {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(b[i:]) {
				break
			}
			sb.WriteRune(utf8.RuneError)
			i++
			continue
		}
		sb.Write(b[i : i+size])
		i += size
	}
	rest := append(b[:0], b[i:]...)
	return sb.String(), rest
}
