package project

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
	"github.com/mcp-center/mcp-center/internal/mcperr"
)

// fingerprint is (modification-time, size), the cache-invalidation key of
// spec.md §4.3.
type fingerprint struct {
	modTime time.Time
	size    int64
}

type cacheEntry struct {
	record      *Record
	fingerprint fingerprint
	// degraded marks an entry whose fingerprint could not be trusted
	// (stat failed in some fingerprint-specific way); such entries are
	// reloaded on every access rather than trusted between calls.
	degraded bool
}

// maxCacheRefreshAttempts bounds retrying a single record's reload before
// the registry gives up and reports it as missing for this access,
// matching original_source's ProjectCache refresh loop.
const maxCacheRefreshAttempts = 3

// Registry is the ProjectRegistry of spec.md §4.3: an in-memory,
// fingerprint-invalidated cache over projects/*.toml, with a secondary
// canonical-path index.
type Registry struct {
	layout layout.Layout
	logger log.Logger

	mu     sync.RWMutex
	byID   map[ID]*cacheEntry
	byPath map[string]ID
}

// New returns a Registry rooted at l.
func New(l layout.Layout, logger log.Logger) *Registry {
	return &Registry{
		layout: l,
		logger: logger.With("component", "project-registry"),
		byID:   map[ID]*cacheEntry{},
		byPath: map[string]ID{},
	}
}

// EnabledBackendIDsFunc supplies the current set of enabled backend ids so
// a brand-new Record can be seeded with allow-all visibility (see
// record.go NewRecord). The Registry takes this as a function rather than
// a snapshot so it always reflects ServerManager's current state without
// creating an import cycle between project and backend.
type EnabledBackendIDsFunc func() []string

// Ensure loads-or-creates the ProjectRecord for path, touches it, persists
// it, and returns it (spec.md §4.3 `ensure`).
func (r *Registry) Ensure(path, agent string, enabledBackendIDs EnabledBackendIDsFunc) (*Record, error) {
	id, canonical, err := IDFromPath(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return nil, err
	}

	now := time.Now()
	if entry, ok := r.byID[id]; ok {
		entry.record.Touch(now)
		if err := r.persistLocked(entry.record); err != nil {
			return nil, err
		}
		return entry.record, nil
	}

	var ids []string
	if enabledBackendIDs != nil {
		ids = enabledBackendIDs()
	}
	rec := NewRecord(id, canonical, agent, ids, now)
	if err := r.persistLocked(rec); err != nil {
		return nil, err
	}
	r.insertLocked(rec)
	return rec, nil
}

// Get returns the Record for id, refreshing the cache first.
func (r *Registry) Get(id ID) (*Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return nil, false, err
	}
	entry, ok := r.byID[id]
	if !ok {
		return nil, false, nil
	}
	return entry.record, true, nil
}

// FindByPath returns the Record whose canonical path matches path.
func (r *Registry) FindByPath(canonicalPath string) (*Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return nil, false, err
	}
	id, ok := r.byPath[canonicalPath]
	if !ok {
		return nil, false, nil
	}
	entry, ok := r.byID[id]
	if !ok {
		return nil, false, nil
	}
	return entry.record, true, nil
}

// List returns every Record currently cached, skipping (and logging) any
// single record that failed to reload rather than failing the whole call
// (spec.md §7 propagation policy).
func (r *Registry) List() ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(r.byID))
	for _, entry := range r.byID {
		out = append(out, entry.record)
	}
	return out, nil
}

// Delete removes the on-disk record and evicts it from the cache.
func (r *Registry) Delete(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := r.layout.ProjectRecordPath(string(id))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return mcperr.Wrap(mcperr.KindProjectIo, err, "removing project record").WithPath(path)
	}
	if entry, ok := r.byID[id]; ok {
		delete(r.byPath, entry.record.Path)
		delete(r.byID, id)
	}
	return nil
}

// mutate is the shared body of every policy mutator: reload, look up,
// apply fn, persist atomically, update the cache entry in place. All
// mutators are therefore atomic at the file level per spec.md §4.3.
func (r *Registry) mutate(id ID, fn func(*Record)) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	entry, ok := r.byID[id]
	if !ok {
		return nil, mcperr.New(mcperr.KindProjectUnknownID, "unknown project").WithID(string(id))
	}
	fn(entry.record)
	if err := r.persistLocked(entry.record); err != nil {
		return nil, err
	}
	return entry.record, nil
}

func (r *Registry) AllowServers(id ID, ids []string) (*Record, error) {
	return r.mutate(id, func(rec *Record) { rec.AllowServers(ids) })
}

func (r *Registry) DenyServers(id ID, ids []string) (*Record, error) {
	return r.mutate(id, func(rec *Record) { rec.DenyServers(ids) })
}

func (r *Registry) SetToolPermission(id ID, backendID string, p ToolPermission) (*Record, error) {
	return r.mutate(id, func(rec *Record) { rec.SetToolPermission(backendID, p) })
}

func (r *Registry) SetToolCustomization(id ID, backendID, tool, description string) (*Record, error) {
	return r.mutate(id, func(rec *Record) { rec.SetToolCustomization(backendID, tool, description) })
}

func (r *Registry) ResetToolCustomization(id ID, backendID, tool string) (*Record, error) {
	return r.mutate(id, func(rec *Record) { rec.ResetToolCustomization(backendID, tool) })
}

// Rename migrates the record stored under oldID to newID, used by the
// bridge's list_roots-triggered project-id migration (spec.md §4.7). If a
// record already exists under newID, that record is kept and takes the
// earlier of the two records' CreatedAt and the earlier of their
// LastSeenAt. The record object the caller held for oldID is not modified.
func (r *Registry) Rename(oldID, newID ID, newCanonicalPath string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return nil, err
	}
	oldEntry, ok := r.byID[oldID]
	if !ok {
		return nil, mcperr.New(mcperr.KindProjectUnknownID, "unknown project").WithID(string(oldID))
	}

	if existing, ok := r.byID[newID]; ok {
		merged := mergePreferOlder(existing.record, oldEntry.record)
		merged.ID = newID
		merged.Path = newCanonicalPath
		if err := r.persistLocked(merged); err != nil {
			return nil, err
		}
		if err := r.removeFileLocked(oldID); err != nil {
			return nil, err
		}
		delete(r.byID, oldID)
		delete(r.byPath, oldEntry.record.Path)
		r.insertLocked(merged)
		return merged, nil
	}

	moved := *oldEntry.record
	moved.ID = newID
	moved.Path = newCanonicalPath
	if err := r.persistLocked(&moved); err != nil {
		return nil, err
	}
	if err := r.removeFileLocked(oldID); err != nil {
		return nil, err
	}
	delete(r.byID, oldID)
	delete(r.byPath, oldEntry.record.Path)
	r.insertLocked(&moved)
	return &moved, nil
}

func mergePreferOlder(newer, older *Record) *Record {
	merged := *newer
	if older.CreatedAt.Before(merged.CreatedAt) {
		merged.CreatedAt = older.CreatedAt
	}
	if older.LastSeenAt.Before(merged.LastSeenAt) {
		merged.LastSeenAt = older.LastSeenAt
	}
	return &merged
}

func (r *Registry) removeFileLocked(id ID) error {
	path := r.layout.ProjectRecordPath(string(id))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return mcperr.Wrap(mcperr.KindProjectIo, err, "removing stale project record").WithPath(path)
	}
	return nil
}

func (r *Registry) persistLocked(rec *Record) error {
	rec.syncLists()
	data, err := toml.Marshal(rec)
	if err != nil {
		return mcperr.Wrap(mcperr.KindInternal, err, "serialising project record").WithID(string(rec.ID))
	}
	path := r.layout.ProjectRecordPath(string(rec.ID))
	if err := layout.WriteAtomic(path, data, 0o640); err != nil {
		return mcperr.Wrap(mcperr.KindProjectIo, err, "writing project record").WithPath(path)
	}
	r.insertLocked(rec)
	return nil
}

func (r *Registry) insertLocked(rec *Record) {
	path := r.layout.ProjectRecordPath(string(rec.ID))
	fp, degraded := statFingerprint(path)
	r.byID[rec.ID] = &cacheEntry{record: rec, fingerprint: fp, degraded: degraded}
	r.byPath[rec.Path] = rec.ID
}

// refreshLocked re-checks the on-disk directory listing against the
// cache: entries whose fingerprint changed or disappeared are reloaded or
// evicted; new files are ingested. Degraded entries (fingerprint
// unreliable) are always reloaded. Must be called with r.mu held.
func (r *Registry) refreshLocked() error {
	paths, err := r.layout.ListProjectRecords()
	if err != nil {
		return mcperr.Wrap(mcperr.KindProjectIo, err, "listing project records")
	}

	seen := make(map[ID]struct{}, len(paths))
	for _, path := range paths {
		id := ID(trimTomlExt(filepath.Base(path)))
		seen[id] = struct{}{}

		fp, degraded := statFingerprint(path)
		entry, cached := r.byID[id]
		if cached && !entry.degraded && !degraded && entry.fingerprint == fp {
			continue // unchanged; trust the cache
		}

		rec, err := r.loadWithRetry(path)
		if err != nil {
			r.logger.Warn("skipping unreadable project record", "path", path, "error", err)
			if cached {
				delete(r.byPath, entry.record.Path)
				delete(r.byID, id)
			}
			continue
		}
		rec.normalize()
		if cached {
			delete(r.byPath, entry.record.Path)
		}
		r.byID[id] = &cacheEntry{record: rec, fingerprint: fp, degraded: degraded}
		r.byPath[rec.Path] = id
	}

	for id, entry := range r.byID {
		if _, ok := seen[id]; !ok {
			delete(r.byPath, entry.record.Path)
			delete(r.byID, id)
		}
	}
	return nil
}

func (r *Registry) loadWithRetry(path string) (*Record, error) {
	var lastErr error
	for attempt := 0; attempt < maxCacheRefreshAttempts; attempt++ {
		rec, err := loadRecord(path)
		if err == nil {
			return rec, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func loadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindProjectIo, err, "reading project record").WithPath(path)
	}
	var rec Record
	if err := toml.Unmarshal(data, &rec); err != nil {
		return nil, mcperr.Wrap(mcperr.KindProjectCorrupt, err, "parsing project record").WithPath(path)
	}
	return &rec, nil
}

// statFingerprint computes (modTime, size) for path. When the filesystem
// does not expose a usable fingerprint (stat fails for any reason),
// degraded=true signals the caller to never trust a
// cached fingerprint comparison for this entry, per spec.md §4.3's
// "degrades to full reload on each access" clause.
func statFingerprint(path string) (fingerprint, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fingerprint{}, true
	}
	return fingerprint{modTime: info.ModTime(), size: info.Size()}, false
}

func trimTomlExt(name string) string {
	const ext = ".toml"
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}
	return name
}
