package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/logger"
)

// Session is one engine over its own backend session. Stateless Generate
// calls and stateful Send calls share the KV cache, so a Generate between
// two Sends costs a full re-evaluation of the next prompt.
type Session struct {
	mu  sync.Mutex
	b   backend.Backend
	e   *engine.Engine
	log logger.Logger
	// maxDecode applies when a request sets no MaxTokens.
	maxDecode int

	closeOnce sync.Once
	closeErr  error
}

var _ Engine = (*Session)(nil)

func newSession(b backend.Backend, log logger.Logger, opts ...engine.Option) (*Session, error) {
	if log == nil {
		log = logger.Discard()
	}
	opts = append([]engine.Option{engine.WithLogger(log)}, opts...)
	e, err := engine.New(b, opts...)
	if err != nil {
		return nil, err
	}
	return &Session{b: b, e: e, log: log}, nil
}

// Engine exposes the underlying session engine.
func (s *Session) Engine() *engine.Engine { return s.e }

// Cancel stops the running call, if any.
func (s *Session) Cancel() { s.e.Cancel() }

func (s *Session) History() []backend.Turn { return s.e.History() }

func (s *Session) Reset() { s.e.Reset() }

// SetSystemPrompt replaces the system prompt used by Send.
func (s *Session) SetSystemPrompt(system string) { s.e.SetSystemPrompt(system) }

func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.e.Cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeErr = s.b.Close()
	})
	return s.closeErr
}

// Generate answers req.Messages without touching the session dialog.
func (s *Session) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}
	return s.call(ctx, req, req.Messages, stream, func(onDelta engine.DeltaFunc) (engine.Result, error) {
		return s.e.InferChatStream(ctx, req.Messages, onDelta)
	})
}

// Send appends text to the session dialog and generates the reply. Only
// the sampling, cap and stop fields of req are used; req may be nil.
func (s *Session) Send(ctx context.Context, text string, req *Request, stream StreamFunc) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		r := ResolveRequest(RequestOptions{}, GenDefaults{})
		req = &r
	}
	turns := append(s.e.History(), backend.UserTurn(text))
	return s.call(ctx, req, turns, stream, func(onDelta engine.DeltaFunc) (engine.Result, error) {
		return s.e.InferStream(ctx, text, onDelta)
	})
}

func (s *Session) call(ctx context.Context, req *Request, turns []backend.Turn, stream StreamFunc, infer func(engine.DeltaFunc) (engine.Result, error)) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.e.SetSampling(req.Sampling)
	limit := req.MaxTokens
	if limit <= 0 {
		limit = s.maxDecode
	}
	s.e.SetMaxDecodeTokens(limit)

	stops := req.Stop
	if req.EnforceStops || req.EchoPrompt {
		fp, err := s.e.Format(turns)
		if err != nil {
			return nil, err
		}
		if req.EnforceStops {
			stops = append(append([]string(nil), stops...), fp.StopSequences...)
		}
		if req.EchoPrompt && stream != nil && fp.Text != "" {
			stream(fp.Text)
		}
	}

	scanner := newStopScanner(stops, stream)
	onDelta := func(delta string) {
		if scanner.Push(delta) {
			s.e.Cancel()
		}
	}

	// A ctx cancelled mid-call stops the engine like Cancel does, and the
	// partial reply is returned the same way.
	res, err := s.safeInfer(infer, onDelta)
	if err != nil {
		return nil, err
	}
	scanner.Flush()

	out := &Result{Text: scanner.Truncate(res.Text), Stats: res.Stats, FinishReason: FinishStop}
	switch {
	case scanner.matched:
		out.Stats.Cancelled = false
	case res.Stats.Cancelled || ctx.Err() != nil:
		out.Stats.Cancelled = true
		out.FinishReason = FinishCancelled
	case limit > 0 && res.Stats.GeneratedTokens >= limit:
		out.FinishReason = FinishLength
	}
	return out, nil
}

func (s *Session) safeInfer(infer func(engine.DeltaFunc) (engine.Result, error), onDelta engine.DeltaFunc) (res engine.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic in stream callback: %v", engine.ErrInferenceFailed, rec)
		}
	}()
	res, err = infer(onDelta)
	if errors.Is(err, engine.ErrInferenceFailed) {
		s.log.Error("inference failed", "error", err)
	}
	return res, err
}
