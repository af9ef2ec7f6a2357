package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/strata/internal/paths"
)

func writeModel(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write model %s: %v", path, err)
	}
}

func withTTY(t *testing.T, tty bool) {
	t.Helper()
	prev := stdinIsTTY
	stdinIsTTY = func() bool { return tty }
	t.Cleanup(func() { stdinIsTTY = prev })
}

func TestDiscoverGGUFModelsSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.gguf", "a.GGUF", "nested/c.gguf", ".hidden/d.gguf", "ignore.txt", "e.safetensors"} {
		writeModel(t, filepath.Join(dir, name))
	}

	got, err := discoverGGUFModels(dir)
	if err != nil {
		t.Fatalf("discoverGGUFModels returned error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a.GGUF"),
		filepath.Join(dir, "b.gguf"),
		filepath.Join(dir, "nested", "c.gguf"),
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected models: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected ordering at %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestDiscoverGGUFModelsRejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "model.gguf")
	writeModel(t, file)
	if _, err := discoverGGUFModels(file); err == nil {
		t.Fatalf("expected error for a file path")
	}
}

func TestResolveRunModelPath(t *testing.T) {
	t.Run("model flag bypasses env", func(t *testing.T) {
		t.Setenv(paths.EnvModelsDir, "")
		got, err := resolveRunModelPath("/tmp/model.gguf", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveRunModelPath returned error: %v", err)
		}
		if got != filepath.Clean("/tmp/model.gguf") {
			t.Fatalf("unexpected model path: got %q", got)
		}
	})

	t.Run("single model selects automatically", func(t *testing.T) {
		dir := t.TempDir()
		only := filepath.Join(dir, "only.gguf")
		writeModel(t, only)
		t.Setenv(paths.EnvModelsDir, dir)
		withTTY(t, false)

		got, err := resolveRunModelPath("", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveRunModelPath returned error: %v", err)
		}
		if got != only {
			t.Fatalf("unexpected model path: got %q want %q", got, only)
		}
	})

	t.Run("models-path wins over env", func(t *testing.T) {
		dir := t.TempDir()
		only := filepath.Join(dir, "flag.gguf")
		writeModel(t, only)
		t.Setenv(paths.EnvModelsDir, t.TempDir())
		withTTY(t, false)

		got, err := resolveRunModelPath("", dir, bytes.NewBuffer(nil), io.Discard)
		if err != nil || got != only {
			t.Fatalf("resolveRunModelPath = %q, %v; want %q", got, err, only)
		}
	})

	t.Run("empty dir is an error", func(t *testing.T) {
		t.Setenv(paths.EnvModelsDir, t.TempDir())
		if _, err := resolveRunModelPath("", "", bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error for a directory without models")
		}
	})

	t.Run("multiple models requires tty", func(t *testing.T) {
		dir := t.TempDir()
		writeModel(t, filepath.Join(dir, "a.gguf"))
		writeModel(t, filepath.Join(dir, "b.gguf"))
		t.Setenv(paths.EnvModelsDir, dir)
		withTTY(t, false)

		if _, err := resolveRunModelPath("", "", bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error when multiple models and stdin is not a tty")
		}
	})

	t.Run("interactive selection chooses sorted index", func(t *testing.T) {
		dir := t.TempDir()
		a := filepath.Join(dir, "a.gguf")
		b := filepath.Join(dir, "b.gguf")
		writeModel(t, b)
		writeModel(t, a)
		t.Setenv(paths.EnvModelsDir, dir)
		withTTY(t, true)

		got, err := resolveRunModelPath("", "", bytes.NewBufferString("9\n2\n"), io.Discard)
		if err != nil {
			t.Fatalf("resolveRunModelPath returned error: %v", err)
		}
		if got != b {
			t.Fatalf("unexpected model selection: got %q want %q", got, b)
		}
	})

	t.Run("interactive selection fails on eof", func(t *testing.T) {
		dir := t.TempDir()
		writeModel(t, filepath.Join(dir, "a.gguf"))
		writeModel(t, filepath.Join(dir, "b.gguf"))
		t.Setenv(paths.EnvModelsDir, dir)
		withTTY(t, true)

		if _, err := resolveRunModelPath("", "", bytes.NewBufferString("x"), io.Discard); err == nil {
			t.Fatalf("expected error for an invalid final selection")
		}
	})
}

func TestModelDisplayName(t *testing.T) {
	t.Parallel()

	dir := filepath.Join("/models")
	tests := []struct {
		path string
		want string
	}{
		{filepath.Join(dir, "a.gguf"), "a.gguf"},
		{filepath.Join(dir, "family", "b.gguf"), "family/b.gguf"},
		{filepath.Join("/elsewhere", "c.gguf"), "c.gguf"},
	}
	for _, tt := range tests {
		if got := modelDisplayName(dir, tt.path); got != tt.want {
			t.Fatalf("modelDisplayName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
