package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/inference"
	"github.com/samcharles93/strata/internal/logger"
)

var testNow = time.Unix(1_700_000_000, 0)

type testProvider struct {
	engine   inference.Engine
	defaults inference.GenDefaults
	err      error

	mu       sync.Mutex
	sessions []*testSession
}

func (p *testProvider) WithEngine(ctx context.Context, modelID string, fn func(engine inference.Engine, defaults inference.GenDefaults) error) error {
	if p.err != nil {
		return p.err
	}
	return fn(p.engine, p.defaults)
}

func (p *testProvider) OpenSession(ctx context.Context, modelID string) (*OpenedSession, error) {
	if p.err != nil {
		return nil, p.err
	}
	s := &testSession{reply: "ok"}
	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()
	model := modelID
	if model == "" {
		model = "tiny"
	}
	return &OpenedSession{Session: s, Model: model, Defaults: p.defaults}, nil
}

type testEngine struct {
	text   string
	finish string
	err    error

	mu   sync.Mutex
	last *inference.Request
}

func (e *testEngine) Generate(ctx context.Context, req *inference.Request, stream inference.StreamFunc) (*inference.Result, error) {
	e.mu.Lock()
	e.last = req
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if stream != nil && e.text != "" {
		stream(e.text)
	}
	finish := e.finish
	if finish == "" {
		finish = inference.FinishStop
	}
	return &inference.Result{
		Text:         e.text,
		FinishReason: finish,
		Stats:        engine.Stats{PromptTokens: 7, GeneratedTokens: 3},
	}, nil
}

func (e *testEngine) Close() error { return nil }

func (e *testEngine) lastRequest() *inference.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// testSession keeps a dialog and answers every message with reply.
type testSession struct {
	mu        sync.Mutex
	reply     string
	system    string
	history   []backend.Turn
	cancelled bool
	closed    bool
}

func (s *testSession) Send(ctx context.Context, text string, req *inference.Request, stream inference.StreamFunc) (*inference.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream != nil {
		stream(s.reply)
	}
	s.history = append(s.history, backend.UserTurn(text), backend.AssistantTurn(s.reply))
	return &inference.Result{
		Text:         s.reply,
		FinishReason: inference.FinishStop,
		Stats:        engine.Stats{PromptTokens: 4, ReusedTokens: 2, EvaluatedTokens: 2, GeneratedTokens: 1},
	}, nil
}

func (s *testSession) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *testSession) History() []backend.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.Turn(nil), s.history...)
}

func (s *testSession) SetSystemPrompt(system string) { s.system = system }

func (s *testSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func newTestEcho() *echo.Echo {
	e, _ := newTestServer(&testEngine{text: "ok"})
	return e
}

func newTestServer(engine inference.Engine, opts ...Option) (*echo.Echo, *testProvider) {
	provider := &testProvider{engine: engine}
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	server := NewServer(provider, opts...)
	e := echo.New()
	server.Register(e)
	return e, provider
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}
