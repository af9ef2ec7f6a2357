//go:build darwin || freebsd || linux || netbsd

package plugin

import (
	"fmt"

	"github.com/ebitengine/purego"
)

type dynLibrary struct {
	path   string
	handle uintptr
}

func openLibrary(path string) (library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, err
	}
	return &dynLibrary{path: path, handle: h}, nil
}

func (l *dynLibrary) lookup(name string) (uintptr, error) {
	sym, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", l.path, err)
	}
	return sym, nil
}
