// Package paths resolves the per-user directory layout:
//
//	<data>/Strata/
//	  plugins/
//	  runtimes/llama/<variant>/
//	  cache/hwprof/
//	  cache/meta/
//	  logs/
//	  models/
//
// <data> is %APPDATA% on windows, ~/Library/Application Support on darwin and
// $XDG_DATA_HOME (or ~/.local/share) elsewhere. STRATA_HOME replaces <data>/Strata entirely.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

const (
	EnvHome       = "STRATA_HOME"
	EnvRuntimeDir = "STRATA_RUNTIME_DIR"
	EnvModelsDir  = "STRATA_MODELS_DIR"
	EnvPluginPath = "STRATA_PLUGIN_PATH"

	appDir = "Strata"
)

// Root returns the application data root.
func Root() (string, error) {
	if v := os.Getenv(EnvHome); v != "" {
		return v, nil
	}
	base, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDir), nil
}

func dataDir() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support"), nil
	case "windows":
		if v := os.Getenv("APPDATA"); v != "" {
			return v, nil
		}
		return os.UserConfigDir()
	default:
		if v := os.Getenv("XDG_DATA_HOME"); v != "" {
			return v, nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if home == "" {
			return "", errors.New("cannot resolve home directory")
		}
		return filepath.Join(home, ".local", "share"), nil
	}
}

func join(elem ...string) (string, error) {
	root, err := Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{root}, elem...)...), nil
}

func PluginsDir() (string, error) { return join("plugins") }
func CacheDir() (string, error)   { return join("cache") }
func HWProfDir() (string, error)  { return join("cache", "hwprof") }
func MetaDir() (string, error)    { return join("cache", "meta") }
func LogsDir() (string, error)    { return join("logs") }

// RuntimeRoot is the llama runtime install root holding runtime.json.
// STRATA_RUNTIME_DIR overrides it.
func RuntimeRoot() (string, error) {
	if v := os.Getenv(EnvRuntimeDir); v != "" {
		return v, nil
	}
	return join("runtimes", "llama")
}

// VariantDir is where the installer extracts one runtime variant.
func VariantDir(variant string) (string, error) {
	root, err := RuntimeRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, variant), nil
}

// ModelsDir returns STRATA_MODELS_DIR when set, else <root>/models.
func ModelsDir() (string, error) {
	if v := os.Getenv(EnvModelsDir); v != "" {
		return v, nil
	}
	return join("models")
}

// Ensure creates dir and its parents.
func Ensure(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// WriteFileAtomic writes data to a sibling temp file and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
