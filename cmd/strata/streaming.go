package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return StreamInstant, nil
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (instant, smooth, quiet)", s)
	}
}

// StreamWriter prints streamed reply deltas. Instant writes each delta as it
// arrives, smooth batches deltas on a short interval, quiet prints nothing
// until Close.
type StreamWriter struct {
	mode StreamMode
	out  *bufio.Writer

	mu            sync.Mutex
	pending       strings.Builder
	reply         strings.Builder
	flushInterval time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewStreamWriter(w io.Writer, mode StreamMode) *StreamWriter {
	sw := &StreamWriter{
		mode:          mode,
		out:           bufio.NewWriterSize(w, 4096),
		flushInterval: 50 * time.Millisecond,
	}
	if mode == StreamSmooth {
		sw.stop = make(chan struct{})
		sw.done = make(chan struct{})
		go sw.backgroundFlusher()
	}
	return sw
}

// Write handles one delta from the engine.
func (w *StreamWriter) Write(delta string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.reply.WriteString(delta)
	switch w.mode {
	case StreamSmooth:
		w.pending.WriteString(delta)
	case StreamQuiet:
	default:
		_, _ = w.out.WriteString(delta)
		_ = w.out.Flush()
	}
}

// Close flushes everything still buffered and returns the whole reply.
func (w *StreamWriter) Close() string {
	if w.stop != nil {
		close(w.stop)
		<-w.done
		w.stop = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.mode {
	case StreamQuiet:
		_, _ = w.out.WriteString(w.reply.String())
	case StreamSmooth:
		w.flushPending()
	}
	_ = w.out.Flush()
	return w.reply.String()
}

// flushPending must be called with mu held.
func (w *StreamWriter) flushPending() {
	if w.pending.Len() == 0 {
		return
	}
	_, _ = w.out.WriteString(w.pending.String())
	_ = w.out.Flush()
	w.pending.Reset()
}

func (w *StreamWriter) backgroundFlusher() {
	defer close(w.done)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			w.flushPending()
			w.mu.Unlock()
		}
	}
}
