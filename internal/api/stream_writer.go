package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter writes "data:" events and flushes after each one.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	sent    int
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	return &SSEStreamWriter{w: res, flusher: flusher.Flush}, nil
}

// Send marshals v as one event.
func (s *SSEStreamWriter) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.sent++
	s.flusher()
	return nil
}

// Done writes the terminating [DONE] sentinel.
func (s *SSEStreamWriter) Done() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher()
	return nil
}

// Started reports whether any event went out. Once it has, errors can only
// be reported in-band.
func (s *SSEStreamWriter) Started() bool {
	return s.sent > 0
}
