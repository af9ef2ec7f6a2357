package inference

import (
	"context"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/engine"
)

type StreamFunc func(delta string)

type Engine interface {
	Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error)
	Close() error
}

// Finish reasons reported in Result.FinishReason.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishCancelled = "cancelled"
)

type Request struct {
	Messages []backend.Turn

	// MaxTokens caps generated tokens. Zero leaves the engine default.
	MaxTokens int
	Sampling  backend.SamplingParams

	// Stop is always enforced on the output.
	Stop []string
	// EnforceStops also enforces the stop strings of the formatted prompt.
	EnforceStops bool
	EchoPrompt   bool
}

type Result struct {
	Text         string
	FinishReason string
	Stats        engine.Stats
}
