package main

import (
	"bytes"
	"testing"
)

func TestStreamWriterModes(t *testing.T) {
	t.Parallel()

	for _, mode := range []StreamMode{StreamInstant, StreamSmooth, StreamQuiet} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			w := NewStreamWriter(&buf, mode)
			w.Write("Hel")
			w.Write("lo")
			if mode == StreamInstant && buf.String() != "Hello" {
				t.Fatalf("instant mode should write through, got %q", buf.String())
			}
			if mode == StreamQuiet && buf.Len() != 0 {
				t.Fatalf("quiet mode wrote before Close: %q", buf.String())
			}
			if got := w.Close(); got != "Hello" {
				t.Fatalf("Close() = %q, want Hello", got)
			}
			if buf.String() != "Hello" {
				t.Fatalf("output = %q, want Hello", buf.String())
			}
		})
	}
}

func TestParseStreamMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    StreamMode
		wantErr bool
	}{
		{"", StreamInstant, false},
		{"Smooth", StreamSmooth, false},
		{" quiet ", StreamQuiet, false},
		{"typewriter", "", true},
	}
	for _, tt := range tests {
		got, err := parseStreamMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("parseStreamMode(%q) = %q, %v", tt.in, got, err)
		}
	}
}
