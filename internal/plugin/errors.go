package plugin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/strata/internal/abi"
)

// ErrPluginLoad is the kind shared by every failure to bring up the plugin.
var ErrPluginLoad = errors.New("plugin load failed")

type LoadErrorKind uint8

const (
	MissingLibrary LoadErrorKind = iota + 1
	OpenFailed
	MissingSymbol
	NullTable
	ABIMismatch
)

func (k LoadErrorKind) String() string {
	switch k {
	case MissingLibrary:
		return "missing library"
	case OpenFailed:
		return "open failed"
	case MissingSymbol:
		return "missing symbol"
	case NullTable:
		return "null table"
	case ABIMismatch:
		return "abi mismatch"
	default:
		return "unknown"
	}
}

// LoadError describes why the plugin could not be loaded.
type LoadError struct {
	Kind LoadErrorKind
	Path string
	// Searched lists every candidate path for MissingLibrary.
	Searched []string
	Symbol   string
	Host     uint32
	Plugin   uint32
	Err      error
}

func (e *LoadError) Error() string {
	switch e.Kind {
	case MissingLibrary:
		return fmt.Sprintf("plugin library not found (searched: %s); set %s to the plugin path",
			strings.Join(e.Searched, ", "), "STRATA_PLUGIN_PATH")
	case OpenFailed:
		return fmt.Sprintf("open plugin %s: %v", e.Path, e.Err)
	case MissingSymbol:
		return fmt.Sprintf("plugin %s: missing symbol %s", e.Path, e.Symbol)
	case NullTable:
		return fmt.Sprintf("plugin %s: entry returned null table", e.Path)
	case ABIMismatch:
		return fmt.Sprintf("plugin %s: ABI mismatch: host=%d plugin=%d", e.Path, e.Host, e.Plugin)
	default:
		return "plugin load failed"
	}
}

func (e *LoadError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrPluginLoad, e.Err}
	}
	return []error{ErrPluginLoad}
}

func missingLibrary(searched []string) error {
	return &LoadError{Kind: MissingLibrary, Searched: searched}
}

func missingSymbol(path string) error {
	return &LoadError{Kind: MissingSymbol, Path: path, Symbol: abi.EntrySymbol}
}
