package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/samcharles93/strata/internal/gguf"
	"github.com/samcharles93/strata/internal/metadata"
	"github.com/samcharles93/strata/internal/paths"
)

// stdinIsTTY is replaced in tests.
var stdinIsTTY = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

// resolveModelsDir prefers the flag, then STRATA_MODELS_DIR, then the
// per-user data directory.
func resolveModelsDir(flag string) (string, error) {
	if dir := strings.TrimSpace(flag); dir != "" {
		return dir, nil
	}
	return paths.ModelsDir()
}

// resolveRunModelPath picks the model for chat. An explicit --model wins.
// Otherwise the models directory must hold exactly one GGUF file, or stdin
// must be a terminal so the user can choose.
func resolveRunModelPath(modelFlag, modelsPath string, stdin io.Reader, stderr io.Writer) (string, error) {
	if m := strings.TrimSpace(modelFlag); m != "" {
		return filepath.Clean(m), nil
	}

	dir, err := resolveModelsDir(modelsPath)
	if err != nil {
		return "", fmt.Errorf("--model or --models-path is required: %w", err)
	}
	models, err := discoverGGUFModels(dir)
	if err != nil {
		return "", err
	}

	if len(models) == 0 {
		return "", fmt.Errorf("no .gguf models found in %s", dir)
	}
	if len(models) == 1 {
		fmt.Fprintf(stderr, "chat: using model %s\n", models[0])
		return models[0], nil
	}
	if !stdinIsTTY() {
		return "", fmt.Errorf("%d models found in %s and stdin is not interactive; set --model", len(models), dir)
	}
	return selectModelInteractively(dir, models, stdin, stderr)
}

// discoverGGUFModels returns the GGUF files below dir in ID order. Hidden
// directories are skipped.
func discoverGGUFModels(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("models directory is empty")
	}
	if st, err := os.Stat(dir); err != nil {
		return nil, err
	} else if !st.IsDir() {
		return nil, fmt.Errorf("models path is not a directory: %s", dir)
	}

	entries, err := metadata.Scan(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if gguf.IsGGUFPath(e.Path) {
			out = append(out, e.Path)
		}
	}
	return out, nil
}

// selectModelInteractively prints a numbered menu and reads choices until one
// is valid or stdin ends.
func selectModelInteractively(dir string, models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	if len(models) == 0 {
		return "", fmt.Errorf("no models available in %s", dir)
	}

	fmt.Fprintf(stderr, "chat: select a model from %s\n", dir)
	for i, m := range models {
		fmt.Fprintf(stderr, "%3d  %s\n", i+1, modelDisplayName(dir, m))
	}

	sc := bufio.NewScanner(stdin)
	for {
		fmt.Fprintf(stderr, "chat: enter selection [1-%d]: ", len(models))
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", errors.New("no valid selection on stdin; set --model")
		}
		choice := strings.TrimSpace(sc.Text())
		if choice == "" {
			continue
		}
		if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(models) {
			return models[n-1], nil
		}
		fmt.Fprintf(stderr, "chat: invalid selection %q\n", choice)
	}
}

// modelDisplayName shows a model relative to the models directory, or by
// base name when it lives elsewhere.
func modelDisplayName(dir, model string) string {
	rel, err := filepath.Rel(dir, model)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return filepath.Base(model)
	}
	return filepath.ToSlash(rel)
}
