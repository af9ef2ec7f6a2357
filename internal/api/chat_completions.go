package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/inference"
	"github.com/samcharles93/strata/internal/prompt"
)

// ChatCompletionRequest represents an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model               string             `json:"model"`
	Messages            []ChatMessage      `json:"messages"`
	Temperature         *float64           `json:"temperature,omitempty"`
	TopP                *float64           `json:"top_p,omitempty"`
	TopK                *int               `json:"top_k,omitempty"`
	N                   *int               `json:"n,omitempty"`
	Stream              *bool              `json:"stream,omitempty"`
	StreamOptions       *ChatStreamOptions `json:"stream_options,omitempty"`
	Stop                any                `json:"stop,omitempty"`
	MaxTokens           *int               `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int               `json:"max_completion_tokens,omitempty"`
	PresencePenalty     *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64           `json:"frequency_penalty,omitempty"`
	RepeatPenalty       *float64           `json:"repeat_penalty,omitempty"`
	Seed                *int64             `json:"seed,omitempty"`
	User                string             `json:"user,omitempty"`
	// EnforceStops controls whether the prompt format's own stop strings cut
	// the output. Defaults to true.
	EnforceStops *bool `json:"enforce_stops,omitempty"`
}

type ChatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type ChatMessage struct {
	Role             string `json:"role,omitempty"`
	Content          any    `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Name             string `json:"name,omitempty"`
}

// ChatCompletionResponse is the response for non-streaming chat completions.
type ChatCompletionResponse struct {
	ID                string       `json:"id"`
	Object            string       `json:"object"`
	Created           int64        `json:"created"`
	Model             string       `json:"model"`
	Choices           []ChatChoice `json:"choices"`
	Usage             ChatUsage    `json:"usage"`
	SystemFingerprint string       `json:"system_fingerprint,omitempty"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is a streaming SSE chunk.
type ChatCompletionChunk struct {
	ID                string       `json:"id"`
	Object            string       `json:"object"`
	Created           int64        `json:"created"`
	Model             string       `json:"model"`
	Choices           []ChatChoice `json:"choices"`
	Usage             *ChatUsage   `json:"usage,omitempty"`
	SystemFingerprint string       `json:"system_fingerprint,omitempty"`
}

func (s *Server) handleListModels(c *echo.Context) error {
	models := []ModelInfo{{ID: DefaultModelID}}
	if lister, ok := s.provider.(ModelLister); ok {
		discovered, err := lister.ListModels(c.Request().Context())
		if err != nil {
			return writeServerError(c, err)
		}
		if len(discovered) > 0 {
			models = discovered
		}
	}

	created := s.clock().Unix()
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		entry := map[string]any{
			"id":       m.ID,
			"object":   "model",
			"created":  created,
			"owned_by": "local",
		}
		if m.Meta != nil {
			entry["meta"] = m.Meta
		}
		data = append(data, entry)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleChatCompletions(c *echo.Context) error {
	if s.provider == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "inference provider not configured", "", "")
	}

	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Messages) == 0 {
		return writeFailure(c, invalidParam("messages", "messages is required and must not be empty"))
	}
	if req.N != nil && *req.N != 1 {
		return writeFailure(c, invalidParam("n", "only n=1 is supported"))
	}
	turns, err := chatMessagesToTurns(req.Messages)
	if err != nil {
		return writeFailure(c, invalidParam("messages", "%v", err))
	}
	if _, err := parseStop(req.Stop); err != nil {
		return writeFailure(c, invalidParam("stop", "%v", err))
	}

	model := req.Model
	if model == "" {
		model = DefaultModelID
	}
	call := chatCall{
		id:      newCompletionID(),
		created: s.clock().Unix(),
		model:   model,
		req:     req,
		turns:   turns,
	}

	if req.Stream != nil && *req.Stream {
		return s.handleChatCompletionsStream(c, call)
	}
	return s.handleChatCompletionsSync(c, call)
}

type chatCall struct {
	id      string
	created int64
	model   string
	req     ChatCompletionRequest
	turns   []backend.Turn
}

func (s *Server) handleChatCompletionsSync(c *echo.Context, call chatCall) error {
	ctx := c.Request().Context()
	var result *inference.Result
	err := s.provider.WithEngine(ctx, call.req.Model, func(engine inference.Engine, defaults inference.GenDefaults) error {
		inferReq := chatToInferenceRequest(&call.req, call.turns, defaults)
		res, err := engine.Generate(ctx, &inferReq, nil)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return writeFailure(c, err)
	}
	s.metrics.ObserveResult(call.model, result)

	split := inference.SplitReasoning(result.Text)
	finishReason := result.FinishReason
	resp := ChatCompletionResponse{
		ID:      call.id,
		Object:  "chat.completion",
		Created: call.created,
		Model:   call.model,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: &ChatMessage{
					Role:             "assistant",
					Content:          strings.TrimSpace(split.Content),
					ReasoningContent: strings.TrimSpace(split.Reasoning),
				},
				FinishReason: &finishReason,
			},
		},
		Usage: usageOf(result),
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleChatCompletionsStream(c *echo.Context, call chatCall) error {
	w, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	chunk := func(delta ChatMessage, finish *string) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      call.id,
			Object:  "chat.completion.chunk",
			Created: call.created,
			Model:   call.model,
			Choices: []ChatChoice{{Index: 0, Delta: &delta, FinishReason: finish}},
		}
	}

	if err := w.Send(chunk(ChatMessage{Role: "assistant"}, nil)); err != nil {
		return err
	}

	var (
		splitter inference.ReasoningSplitter
		result   *inference.Result
	)
	send := func(content, reasoning string) {
		if content == "" && reasoning == "" {
			return
		}
		_ = w.Send(chunk(ChatMessage{Content: content, ReasoningContent: reasoning}, nil))
	}
	ctx := c.Request().Context()
	err = s.provider.WithEngine(ctx, call.req.Model, func(engine inference.Engine, defaults inference.GenDefaults) error {
		inferReq := chatToInferenceRequest(&call.req, call.turns, defaults)
		res, err := engine.Generate(ctx, &inferReq, func(delta string) {
			send(splitter.Push(delta))
		})
		result = res
		return err
	})
	send(splitter.Flush())

	finishReason := inference.FinishStop
	if err != nil {
		s.log.Warn("chat completion stream failed", "id", call.id, "error", err)
		_ = w.Send(map[string]any{"error": ResponseError{Message: err.Error(), Type: "server_error"}})
	} else {
		s.metrics.ObserveResult(call.model, result)
		finishReason = result.FinishReason
	}

	_ = w.Send(chunk(ChatMessage{}, &finishReason))
	if err == nil && call.req.StreamOptions != nil && call.req.StreamOptions.IncludeUsage {
		usage := usageOf(result)
		_ = w.Send(ChatCompletionChunk{
			ID:      call.id,
			Object:  "chat.completion.chunk",
			Created: call.created,
			Model:   call.model,
			Choices: []ChatChoice{},
			Usage:   &usage,
		})
	}
	return w.Done()
}

func usageOf(res *inference.Result) ChatUsage {
	if res == nil {
		return ChatUsage{}
	}
	return ChatUsage{
		PromptTokens:     res.Stats.PromptTokens,
		CompletionTokens: res.Stats.GeneratedTokens,
		TotalTokens:      res.Stats.PromptTokens + res.Stats.GeneratedTokens,
	}
}

func chatMessagesToTurns(msgs []ChatMessage) ([]backend.Turn, error) {
	out := make([]backend.Turn, 0, len(msgs))
	for i, m := range msgs {
		role, err := backend.ParseRole(m.Role)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %v", i, err)
		}
		text, err := messageText(m.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %v", i, err)
		}
		if role == backend.RoleAssistant {
			text = prompt.SanitizeAssistant(text)
		}
		out = append(out, backend.Turn{Role: role, Content: text})
	}
	return out, nil
}

func messageText(content any) (string, error) {
	switch v := content.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	case []any:
		// Multi-part content: only text parts reach the model.
		var parts []string
		for _, part := range v {
			pm, ok := part.(map[string]any)
			if !ok {
				return "", fmt.Errorf("invalid content part")
			}
			typ, _ := asString(pm["type"])
			switch typ {
			case "text", "input_text":
				if text, ok := asString(pm["text"]); ok {
					parts = append(parts, text)
				}
			default:
				return "", fmt.Errorf("unsupported content part type %q", typ)
			}
		}
		return strings.Join(parts, "\n"), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("message content: unsupported type")
		}
		return string(b), nil
	}
}

// parseStop accepts the "stop" field as a string or an array of strings.
func parseStop(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("stop: expected string or array of strings")
			}
			if str != "" {
				out = append(out, str)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("stop: expected string or array of strings")
	}
}

func chatToInferenceRequest(req *ChatCompletionRequest, turns []backend.Turn, defaults inference.GenDefaults) inference.Request {
	opts := inference.RequestOptions{
		Messages:         turns,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		Seed:             req.Seed,
		RepeatPenalty:    req.RepeatPenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		EnforceStops:     req.EnforceStops,
		EchoPrompt:       boolPtr(false),
	}
	if opts.EnforceStops == nil {
		opts.EnforceStops = boolPtr(true)
	}
	opts.MaxTokens = req.MaxTokens
	if req.MaxCompletionTokens != nil {
		opts.MaxTokens = req.MaxCompletionTokens
	}
	opts.Stop, _ = parseStop(req.Stop)
	return inference.ResolveRequest(opts, defaults)
}
