package backend

import "sync"

// ToolIndex maps tool_name -> backend_id with the guarantee that, for
// every entry, the targeted backend's tool_cache currently contains that
// tool name (spec.md §3.1, P3). Rebuilt atomically after any backend
// refresh by swapping the whole map under a reader-writer lock (§5).
type ToolIndex struct {
	mu     sync.RWMutex
	byTool map[string]string
}

func newToolIndex() *ToolIndex {
	return &ToolIndex{byTool: map[string]string{}}
}

// Lookup returns the backend id owning tool, if any.
func (idx *ToolIndex) Lookup(tool string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	id, ok := idx.byTool[tool]
	return id, ok
}

// Snapshot returns a point-in-time copy of the index, cheap to clone
// relative to holding the lock across a caller's own iteration.
func (idx *ToolIndex) Snapshot() map[string]string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]string, len(idx.byTool))
	for k, v := range idx.byTool {
		out[k] = v
	}
	return out
}

// rebuildAll recomputes the whole index from scratch in iteration order,
// which is how ServerManager actually maintains first-registered-wins
// (registration order = backend iteration order) rather than trying to
// patch collisions incrementally across an arbitrary sequence of
// per-backend refreshes. changed reports whether the resulting byTool map
// differs from the one before this call, so a caller can skip notifying
// subscribers when a refresh found nothing new — without this, a
// subscriber's own reaction to the notification (itself a refresh) would
// re-trigger an identical, empty rebuild forever.
func (idx *ToolIndex) rebuildAll(order []string, toolsByBackend map[string][]string) (dropped map[string][]string, changed bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	next := make(map[string]string, len(idx.byTool))
	dropped = map[string][]string{}
	for _, backendID := range order {
		for _, name := range toolsByBackend[backendID] {
			if owner, exists := next[name]; exists && owner != backendID {
				dropped[backendID] = append(dropped[backendID], name)
				continue
			}
			next[name] = backendID
		}
	}

	changed = !equalToolMaps(idx.byTool, next)
	idx.byTool = next
	return dropped, changed
}

func equalToolMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
