package project

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/mcp-center/mcp-center/internal/mcperr"
)

// Watch subscribes to filesystem change events on the projects directory
// and opportunistically refreshes the cache when one arrives, a
// best-effort fast path alongside the fingerprint check every
// Get/List/Ensure already performs on access (spec.md §4.3). Correctness
// never depends on an event actually firing — Watch only shortens the
// window between an out-of-process edit (an operator hand-editing a
// record) and the next cache refresh; a coalesced or dropped event just
// means the existing pull-based fingerprint check catches it on the next
// access instead. Runs until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return mcperr.Wrap(mcperr.KindProjectIo, err, "creating project directory watcher")
	}
	defer watcher.Close()

	if err := watcher.Add(r.layout.ProjectsDir()); err != nil {
		return mcperr.Wrap(mcperr.KindProjectIo, err, "watching projects directory")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			r.mu.Lock()
			if err := r.refreshLocked(); err != nil {
				r.logger.Debug("watch-triggered refresh failed", "error", err)
			}
			r.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("project directory watcher error", "error", err)
		}
	}
}
