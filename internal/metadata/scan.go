package metadata

import (
	"errors"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
)

// ModelEntry is one model file found under the models root.
type ModelEntry struct {
	// ID is the path relative to the models root, with forward slashes.
	ID          string `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	BackendHint string `json:"backend_hint"`
	FileType    string `json:"file_type"`
	Family      string `json:"family"`
	Size        int64  `json:"size"`
}

var modelExts = []string{"gguf", "safetensors", "onnx", "bin"}

func backendHint(ext string) string {
	switch ext {
	case "gguf", "bin":
		return "llama"
	case "safetensors":
		return "transformers"
	case "onnx":
		return "onnx"
	default:
		return "unknown"
	}
}

// Scan walks root and returns model files sorted by ID. A missing root is an
// empty list.
func Scan(root string) ([]ModelEntry, error) {
	var out []ModelEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		if !slices.Contains(modelExts, ext) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, ModelEntry{
			ID:          filepath.ToSlash(rel),
			Name:        strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			Path:        path,
			BackendHint: backendHint(ext),
			FileType:    ext,
			Family:      filepath.Base(filepath.Dir(path)),
			Size:        info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b ModelEntry) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}
