// Package api serves an OpenAI-compatible chat API and stateful chat
// sessions over echo.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/logger"
)

// DefaultModelID is reported when a request names no model and the provider
// cannot resolve one.
const DefaultModelID = "strata"

type Server struct {
	provider EngineProvider
	sessions *SessionStore
	runtime  RuntimeReporter
	metrics  *Metrics
	log      logger.Logger
	clock    func() time.Time
}

type Option func(*Server)

func WithRuntime(r RuntimeReporter) Option { return func(s *Server) { s.runtime = r } }

func WithMetrics(m *Metrics) Option { return func(s *Server) { s.metrics = m } }

func WithLogger(l logger.Logger) Option { return func(s *Server) { s.log = l } }

func WithSessionStore(st *SessionStore) Option { return func(s *Server) { s.sessions = st } }

func NewServer(provider EngineProvider, opts ...Option) *Server {
	s := &Server{
		provider: provider,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = NewSessionStore()
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(s.metrics.Middleware())

	// Chat Completions API (OpenAI-compatible)
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleListModels)

	// Stateful sessions
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/messages", s.handleSessionMessage)
	e.POST("/v1/sessions/:id/cancel", s.handleCancelSession)

	e.GET("/v1/runtime", s.handleRuntime)
	e.GET("/metrics", s.metrics.Handler())
	e.GET("/healthz", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
}

// Close ends every open session.
func (s *Server) Close() error {
	return s.sessions.CloseAll()
}
