//go:build windows

package plugin

import (
	"fmt"

	"golang.org/x/sys/windows"
)

type dynLibrary struct {
	path   string
	handle windows.Handle
}

func openLibrary(path string) (library, error) {
	// Resolve the plugin's own dependencies from its directory first.
	h, err := windows.LoadLibraryEx(path, 0, windows.LOAD_LIBRARY_SEARCH_DLL_LOAD_DIR|windows.LOAD_LIBRARY_SEARCH_DEFAULT_DIRS)
	if err != nil {
		return nil, err
	}
	return &dynLibrary{path: path, handle: h}, nil
}

func (l *dynLibrary) lookup(name string) (uintptr, error) {
	sym, err := windows.GetProcAddress(l.handle, name)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", l.path, err)
	}
	return sym, nil
}
