package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/inference"
)

type CreateSessionRequest struct {
	Model  string `json:"model"`
	System string `json:"system,omitempty"`
}

type SessionMessageRequest struct {
	Content          string   `json:"content"`
	Stream           *bool    `json:"stream,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	RepeatPenalty    *float64 `json:"repeat_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	Stop             any      `json:"stop,omitempty"`
	EnforceStops     *bool    `json:"enforce_stops,omitempty"`
}

type SessionResponse struct {
	ID       string        `json:"id"`
	Object   string        `json:"object"`
	Created  int64         `json:"created"`
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
}

type SessionStats struct {
	ReusedTokens    int     `json:"reused_tokens"`
	EvaluatedTokens int     `json:"evaluated_tokens"`
	DurationMS      int64   `json:"duration_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

type SessionReply struct {
	ID           string       `json:"id"`
	Object       string       `json:"object"`
	Message      ChatMessage  `json:"message"`
	FinishReason string       `json:"finish_reason"`
	Usage        ChatUsage    `json:"usage"`
	Stats        SessionStats `json:"stats"`
}

// SessionEvent is one SSE event of a streamed session message.
type SessionEvent struct {
	Type      string         `json:"type"`
	Content   string         `json:"content,omitempty"`
	Reasoning string         `json:"reasoning,omitempty"`
	Reply     *SessionReply  `json:"reply,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "inference provider not configured", "", "")
	}
	var req CreateSessionRequest
	if c.Request().ContentLength != 0 {
		decoded, err := decodeJSON[CreateSessionRequest](c.Request().Body)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		req = decoded
	}
	opened, err := s.provider.OpenSession(c.Request().Context(), req.Model)
	if err != nil {
		return writeFailure(c, err)
	}
	if strings.TrimSpace(req.System) != "" {
		opened.Session.SetSystemPrompt(req.System)
	}
	rec := s.sessions.Create(opened, s.clock())
	s.log.Info("session created", "id", rec.ID, "model", rec.Model)
	return c.JSON(http.StatusOK, sessionResponse(rec))
}

func (s *Server) handleGetSession(c *echo.Context) error {
	rec, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, sessionResponse(rec))
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	ok, err := s.sessions.Delete(id)
	if !ok {
		return writeNotFound(c, "session not found")
	}
	if err != nil {
		s.log.Warn("session close failed", "id", id, "error", err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "session",
		"deleted": true,
	})
}

func (s *Server) handleCancelSession(c *echo.Context) error {
	id := c.Param("id")
	rec, ok := s.sessions.Get(id)
	if !ok {
		return writeNotFound(c, "session not found")
	}
	rec.Opened.Session.Cancel()
	return c.JSON(http.StatusOK, map[string]any{
		"id":        id,
		"object":    "session",
		"cancelled": true,
	})
}

func (s *Server) handleSessionMessage(c *echo.Context) error {
	rec, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[SessionMessageRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if strings.TrimSpace(req.Content) == "" {
		return writeFailure(c, invalidParam("content", "content is required"))
	}
	stop, err := parseStop(req.Stop)
	if err != nil {
		return writeFailure(c, invalidParam("stop", "%v", err))
	}
	inferReq := inference.ResolveRequest(inference.RequestOptions{
		MaxTokens:        req.MaxTokens,
		Seed:             req.Seed,
		Temperature:      req.Temperature,
		TopK:             req.TopK,
		TopP:             req.TopP,
		RepeatPenalty:    req.RepeatPenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             stop,
		EnforceStops:     req.EnforceStops,
	}, rec.Opened.Defaults)

	if req.Stream != nil && *req.Stream {
		return s.streamSessionMessage(c, rec, req.Content, &inferReq)
	}

	res, err := rec.Opened.Session.Send(c.Request().Context(), req.Content, &inferReq, nil)
	if err != nil {
		return writeFailure(c, err)
	}
	s.metrics.ObserveResult(rec.Model, res)
	return c.JSON(http.StatusOK, sessionReply(rec, res))
}

func (s *Server) streamSessionMessage(c *echo.Context, rec *sessionRecord, text string, req *inference.Request) error {
	w, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	var splitter inference.ReasoningSplitter
	send := func(content, reasoning string) {
		if content == "" && reasoning == "" {
			return
		}
		_ = w.Send(SessionEvent{Type: "delta", Content: content, Reasoning: reasoning})
	}

	res, err := rec.Opened.Session.Send(c.Request().Context(), text, req, func(delta string) {
		send(splitter.Push(delta))
	})
	send(splitter.Flush())
	if err != nil {
		s.log.Warn("session message failed", "id", rec.ID, "error", err)
		_ = w.Send(SessionEvent{Type: "error", Error: &ResponseError{Message: err.Error(), Type: "server_error"}})
		return w.Done()
	}
	s.metrics.ObserveResult(rec.Model, res)
	reply := sessionReply(rec, res)
	_ = w.Send(SessionEvent{Type: "done", Reply: &reply})
	return w.Done()
}

func sessionResponse(rec *sessionRecord) SessionResponse {
	history := rec.Opened.Session.History()
	msgs := make([]ChatMessage, 0, len(history))
	for _, t := range history {
		msgs = append(msgs, ChatMessage{Role: t.Role.String(), Content: t.Content})
	}
	return SessionResponse{
		ID:       rec.ID,
		Object:   "session",
		Created:  rec.CreatedAt,
		Model:    rec.Model,
		Messages: msgs,
	}
}

func sessionReply(rec *sessionRecord, res *inference.Result) SessionReply {
	split := inference.SplitReasoning(res.Text)
	return SessionReply{
		ID:     rec.ID,
		Object: "session.message",
		Message: ChatMessage{
			Role:             backend.RoleAssistant.String(),
			Content:          strings.TrimSpace(split.Content),
			ReasoningContent: strings.TrimSpace(split.Reasoning),
		},
		FinishReason: res.FinishReason,
		Usage:        usageOf(res),
		Stats: SessionStats{
			ReusedTokens:    res.Stats.ReusedTokens,
			EvaluatedTokens: res.Stats.EvaluatedTokens,
			DurationMS:      res.Stats.Duration.Milliseconds(),
			TokensPerSecond: res.Stats.TPS,
		},
	}
}
