package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/samcharles93/strata/internal/logger"
)

const descriptorDebounce = 500 * time.Millisecond

// WatchDescriptor calls fn with the re-read descriptor whenever runtime.json
// under root changes. Events are debounced. The loaded plugin is permanent,
// so a new active variant only takes effect on the next process start.
//
// WatchDescriptor blocks until ctx is done.
func WatchDescriptor(ctx context.Context, root string, fn func(*Descriptor, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create descriptor watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: the installer replaces the file with a rename.
	if err := w.Add(root); err != nil {
		return fmt.Errorf("watch runtime root %s: %w", root, err)
	}

	log := logger.FromContext(ctx)
	target := filepath.Join(root, DescriptorFile)

	// The debounce timer fires into this loop, so fn never runs after
	// WatchDescriptor returns.
	timer := time.NewTimer(descriptorDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(descriptorDebounce)
		case <-timer.C:
			if ctx.Err() != nil {
				return nil
			}
			desc, err := ReadDescriptor(root)
			if err != nil {
				log.Warn("runtime descriptor reload failed", "root", root, "error", err)
			} else {
				log.Info("runtime descriptor changed", "active_variant", desc.ActiveVariant)
			}
			fn(desc, err)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error("descriptor watcher error", "error", err)
		}
	}
}
