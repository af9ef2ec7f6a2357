package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"sync"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/abi"
	"github.com/samcharles93/strata/internal/hwprof"
	"github.com/samcharles93/strata/internal/plugin"
)

// RuntimeStatus is the body of GET /v1/runtime.
type RuntimeStatus struct {
	Plugin     *abi.Info          `json:"plugin"`
	PluginPath string             `json:"plugin_path,omitempty"`
	Variant    string             `json:"variant,omitempty"`
	Root       string             `json:"runtime_root,omitempty"`
	Descriptor *plugin.Descriptor `json:"descriptor"`
	Hardware   *hwprof.Profile    `json:"hardware"`
}

type RuntimeReporter interface {
	Runtime(ctx context.Context) (*RuntimeStatus, error)
}

// RuntimeState tracks the runtime descriptor and hardware profile the server
// reports. The descriptor is refreshed by SetDescriptor, which the serve
// command wires to plugin.WatchDescriptor.
type RuntimeState struct {
	Root     string
	Hardware *hwprof.Cache

	mu         sync.RWMutex
	descriptor *plugin.Descriptor
	loaded     func() (*plugin.Handle, bool)
}

func NewRuntimeState(root string, hw *hwprof.Cache) *RuntimeState {
	s := &RuntimeState{Root: root, Hardware: hw, loaded: plugin.Loaded}
	if root != "" {
		if d, err := plugin.ReadDescriptor(root); err == nil {
			s.descriptor = d
		}
	}
	return s
}

// SetDescriptor replaces the reported descriptor. A read error keeps the
// previous one.
func (s *RuntimeState) SetDescriptor(d *plugin.Descriptor, err error) {
	if err != nil {
		return
	}
	s.mu.Lock()
	s.descriptor = d
	s.mu.Unlock()
}

func (s *RuntimeState) Runtime(ctx context.Context) (*RuntimeStatus, error) {
	out := &RuntimeStatus{Root: s.Root}
	s.mu.RLock()
	out.Descriptor = s.descriptor
	s.mu.RUnlock()

	if h, ok := s.loaded(); ok {
		info := h.Info()
		out.Plugin = &info
		out.PluginPath = h.Location.Path
		out.Variant = h.Location.Variant
	}
	if s.Hardware != nil {
		p, err := s.Hardware.Load()
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		out.Hardware = p
	}
	return out, ctx.Err()
}

func (s *Server) handleRuntime(c *echo.Context) error {
	if s.runtime == nil {
		return writeNotFound(c, "runtime reporting is not configured")
	}
	status, err := s.runtime.Runtime(c.Request().Context())
	if err != nil {
		return writeServerError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}
