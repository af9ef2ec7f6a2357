package engine

import (
	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/prompt"
)

type config struct {
	log       logger.Logger
	params    backend.SamplingParams
	strategy  prompt.Strategy
	flavor    *prompt.Flavor
	hint      string
	pattern   string
	system    string
	budget    int
	maxDecode int
	chunk     int
}

// Option configures an Engine.
type Option func(*config)

func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithSystemPrompt sets the system prompt injected into dialogs that carry
// none.
func WithSystemPrompt(system string) Option {
	return func(c *config) { c.system = system }
}

func WithSampling(p backend.SamplingParams) Option {
	return func(c *config) { c.params = p }
}

// WithStrategy fixes the fallback formatting strategy.
func WithStrategy(s prompt.Strategy) Option {
	return func(c *config) { c.strategy = s }
}

// WithFlavor picks the fallback strategy by flavor. pattern is used by
// prompt.FlavorCustom only.
func WithFlavor(f prompt.Flavor, pattern string) Option {
	return func(c *config) {
		c.flavor = &f
		c.pattern = pattern
	}
}

// WithFlavorHint supplies a flavor hint, usually from model metadata, that
// applies when the backend reports none.
func WithFlavorHint(hint string) Option {
	return func(c *config) { c.hint = hint }
}

// WithBudget overrides the prompt token budget. Values below 1 keep the
// default.
func WithBudget(tokens int) Option {
	return func(c *config) { c.budget = tokens }
}

// WithMaxDecodeTokens caps decode steps per call. STRATA_MAX_DECODE_TOKENS
// applies as well; the smaller cap wins.
func WithMaxDecodeTokens(n int) Option {
	return func(c *config) { c.maxDecode = n }
}

// WithPrefillChunk sets how many prompt tokens are evaluated per backend
// call. It must not exceed the backend batch size.
func WithPrefillChunk(n int) Option {
	return func(c *config) { c.chunk = n }
}
