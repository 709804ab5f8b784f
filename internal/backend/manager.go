package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mcp-center/mcp-center/internal/configstore"
	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
	"github.com/mcp-center/mcp-center/internal/mcperr"
)

// ChangeListener receives a notification each time a rebuild changes the
// tool index, the fan-out target for live HostSessions (spec.md §4.5 step 5).
type ChangeListener interface {
	ToolListChanged()
}

// ServerManager is the collection of ManagedBackends of spec.md §4.5: it
// owns their lifecycle, maintains the collision-free ToolIndex, and
// broadcasts tool_list_changed to every subscribed HostSession.
type ServerManager struct {
	layout         layout.Layout
	store          *configstore.Store
	logger         log.Logger
	dial           Dialer
	connectTimeout time.Duration

	mu       sync.RWMutex
	order    []string // backend ids, registration order (first-registered-wins)
	backends map[string]*ManagedBackend

	index *ToolIndex

	listenersMu sync.Mutex
	listeners   map[ChangeListener]struct{}
}

// New constructs a ServerManager bound to l and store. dial is nil in
// production; tests inject a fake Dialer to avoid spawning real processes.
// connectTimeout is the root's configured backend_connect_timeout; zero
// falls back to DefaultConnectTimeout.
func New(l layout.Layout, store *configstore.Store, logger log.Logger, dial Dialer, connectTimeout time.Duration) *ServerManager {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if dial == nil {
		dial = newDialer(connectTimeout)
	}
	return &ServerManager{
		layout:         l,
		store:          store,
		logger:         logger.With("component", "server-manager"),
		dial:           dial,
		connectTimeout: connectTimeout,
		backends:       map[string]*ManagedBackend{},
		index:          newToolIndex(),
		listeners:      map[ChangeListener]struct{}{},
	}
}

// Boot loads every BackendDefinition, instantiates a ManagedBackend per
// definition, and starts the enabled subset concurrently (spec.md §4.5).
func (m *ServerManager) Boot(ctx context.Context) error {
	defs, err := m.store.LoadAll()
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, def := range defs {
		mb, err := NewManagedBackend(m.layout, def, m.logger, m.dial, m.connectTimeout)
		if err != nil {
			m.logger.Error("failed to construct backend", "backend_id", def.ID, "error", err)
			continue
		}
		m.backends[def.ID] = mb
		m.order = append(m.order, def.ID)
	}
	toStart := make([]*ManagedBackend, 0, len(defs))
	for _, def := range defs {
		if def.Enabled {
			toStart = append(toStart, m.backends[def.ID])
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, mb := range toStart {
		wg.Add(1)
		go func(mb *ManagedBackend) {
			defer wg.Done()
			mb.Start(ctx)
		}(mb)
	}
	wg.Wait()
	return nil
}

// Subscribe registers l to receive ToolListChanged notifications.
func (m *ServerManager) Subscribe(l ChangeListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners[l] = struct{}{}
}

// Unsubscribe removes l, called when a HostSession ends.
func (m *ServerManager) Unsubscribe(l ChangeListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	delete(m.listeners, l)
}

func (m *ServerManager) broadcastChanged() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	for l := range m.listeners {
		l.ToolListChanged()
	}
}

// EnabledBackendIDs returns the ids of the enabled backends in registration
// order, the EnabledBackendIDsFunc dependency project.Registry.Ensure needs
// to seed a new project's allow-set.
func (m *ServerManager) EnabledBackendIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if mb, ok := m.backends[id]; ok && mb.Definition().Enabled {
			out = append(out, id)
		}
	}
	return out
}

// Get returns the ManagedBackend for id.
func (m *ServerManager) Get(id string) (*ManagedBackend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, ok := m.backends[id]
	return mb, ok
}

// ListAll returns every backend in registration order, the listing
// operation of spec.md §4.6.1's iteration order requirement.
func (m *ServerManager) ListAll() []*ManagedBackend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedBackend, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.backends[id])
	}
	return out
}

// Index returns the shared ToolIndex for lookups (spec.md §4.6.2 step 1).
func (m *ServerManager) Index() *ToolIndex { return m.index }

// RefreshAll calls EnsureToolCache on every backend, then rebuilds the
// ToolIndex from each backend's current cache (broadcasting to subscribers
// only if that rebuild actually changed something, see rebuildIndex).
// HostService calls this at the start of every resync and before every
// call_tool dispatch; an MCP list_tools request is answered from the tool
// set registered at the last resync, without a refresh of its own.
// EnsureToolCache itself is a no-op when nothing needs refreshing, so the
// common case is cheap.
func (m *ServerManager) RefreshAll(ctx context.Context) {
	backends := m.ListAll()

	var wg sync.WaitGroup
	for _, mb := range backends {
		wg.Add(1)
		go func(mb *ManagedBackend) {
			defer wg.Done()
			if err := mb.EnsureToolCache(ctx); err != nil {
				m.logger.Debug("tool cache refresh skipped", "backend_id", mb.ID(), "error", err)
			}
		}(mb)
	}
	wg.Wait()

	m.rebuildIndex(backends)
}

func (m *ServerManager) rebuildIndex(backends []*ManagedBackend) {
	order := make([]string, 0, len(backends))
	toolsByBackend := make(map[string][]string, len(backends))
	for _, mb := range backends {
		snap := mb.Snapshot()
		if snap.TransportState != StateRunning {
			continue
		}
		order = append(order, mb.ID())
		names := make([]string, 0, snap.ToolCount)
		for _, t := range mb.Tools() {
			names = append(names, t.Name)
		}
		toolsByBackend[mb.ID()] = names
	}

	dropped, changed := m.index.rebuildAll(order, toolsByBackend)
	for backendID, names := range dropped {
		sort.Strings(names)
		m.logger.Warn("tool name collision; first-registered backend kept the name",
			"backend_id", backendID, "dropped_tools", names)
	}
	if changed {
		m.broadcastChanged()
	}
}

// Add persists a new BackendDefinition, assigning it a unique id, and
// instantiates (but does not start) its ManagedBackend.
func (m *ServerManager) Add(def configstore.BackendDefinition) (configstore.BackendDefinition, error) {
	m.mu.Lock()
	existing := make(map[string]struct{}, len(m.order))
	for id := range m.backends {
		existing[id] = struct{}{}
	}
	m.mu.Unlock()

	if def.ID == "" {
		id, err := configstore.AssignUniqueID(existing)
		if err != nil {
			return def, err
		}
		def.ID = id
	}
	if err := def.Validate(); err != nil {
		return def, err
	}
	if err := m.store.Save(def); err != nil {
		return def, err
	}

	mb, err := NewManagedBackend(m.layout, def, m.logger, m.dial, m.connectTimeout)
	if err != nil {
		return def, err
	}

	m.mu.Lock()
	m.backends[def.ID] = mb
	m.order = append(m.order, def.ID)
	m.mu.Unlock()
	return def, nil
}

// Remove shuts down and deletes backend id, including its on-disk
// definition.
func (m *ServerManager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	mb, ok := m.backends[id]
	if !ok {
		m.mu.Unlock()
		return mcperr.New(mcperr.KindToolBackendUnavailable, "unknown backend").WithID(id)
	}
	delete(m.backends, id)
	m.order = removeString(m.order, id)
	m.mu.Unlock()

	_ = mb.Shutdown(ctx)
	if err := m.store.Remove(id); err != nil {
		return err
	}
	m.rebuildIndex(m.ListAll())
	return nil
}

// SetEnabled toggles a backend's enabled flag, persists the flip
// regardless of whether the resulting start/shutdown succeeds, and
// returns a non-nil error only to report (not prevent) that failure
// (spec.md §4.5).
func (m *ServerManager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.RLock()
	mb, ok := m.backends[id]
	m.mu.RUnlock()
	if !ok {
		return mcperr.New(mcperr.KindToolBackendUnavailable, "unknown backend").WithID(id)
	}

	def := mb.Definition()
	def.Enabled = enabled
	if err := m.store.Save(def); err != nil {
		return err
	}
	mb.mu.Lock()
	mb.def = def
	mb.mu.Unlock()

	var transitionErr error
	if enabled {
		mb.Start(ctx)
	} else {
		transitionErr = mb.Shutdown(ctx)
	}
	m.rebuildIndex(m.ListAll())
	return transitionErr
}

// ShutdownAll stops every backend, used by the Supervisor's drain path.
func (m *ServerManager) ShutdownAll(ctx context.Context) {
	for _, mb := range m.ListAll() {
		if err := mb.Shutdown(ctx); err != nil {
			m.logger.Warn("backend shutdown error", "backend_id", mb.ID(), "error", err)
		}
	}
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
