// Package host implements the MCP server role a bridge session sees: one
// HostService per connected HostSession, exposing the subset of backend
// tools the bound project is allowed to see, and dispatching calls through
// ServerManager to the owning ManagedBackend.
package host

import (
	"context"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-center/mcp-center/internal/backend"
	"github.com/mcp-center/mcp-center/internal/log"
	"github.com/mcp-center/mcp-center/internal/mcperr"
	"github.com/mcp-center/mcp-center/internal/project"
)

const daemonVersion = "0.1.0"

// MigrationHook runs once, after the MCP initialize handshake completes on
// a HostService's session, with the now-negotiated *mcp.ServerSession. It
// is the bridge's seam for spec.md §4.7 step 5's list_roots-triggered
// project migration: the bridge issues session.ListRoots itself and calls
// HostService.SetProjectID if the peer's real root differs from the
// provisional path BridgeHello carried.
type MigrationHook func(ctx context.Context, session *mcp.ServerSession)

// HostService is the HostService of spec.md §4.6, bound to one bridge
// connection for its lifetime.
type HostService struct {
	manager  *backend.ServerManager
	projects *project.Registry
	logger   log.Logger

	server  *mcp.Server
	session *mcp.ServerSession
	onInit  MigrationHook

	mu         sync.Mutex
	projectID  project.ID // the "single-word atomic/guarded field" of spec.md §5
	registered map[string]string // tool name -> owning backend id, currently AddTool'd on h.server
}

// New constructs a HostService. Bind or Server must be called before it is
// usable.
func New(manager *backend.ServerManager, projects *project.Registry, logger log.Logger, sessionID string) *HostService {
	return &HostService{
		manager:    manager,
		projects:   projects,
		logger:     logger.With("component", "host-service", "session_id", sessionID),
		registered: map[string]string{},
	}
}

// SetMigrationHook installs fn, called once the underlying session's
// initialize handshake completes. Must be called before Bind/Server.
func (h *HostService) SetMigrationHook(fn MigrationHook) {
	h.onInit = fn
}

// Bind connects a freshly constructed *mcp.Server over transport, seeds the
// visible tool set for projectID, and subscribes to ServerManager's
// tool_list_changed fan-out for the life of the session. Used directly by
// transports the SDK hands us a session for synchronously (tests use
// mcp.NewInMemoryTransports); the bridge's real control-socket tunnel uses
// Server instead, since mcp.NewStreamableHTTPHandler manages the
// transport/session lifecycle itself (see DESIGN.md's Open Question
// decision on binding an MCP transport to an accepted socket).
func (h *HostService) Bind(ctx context.Context, transport mcp.Transport, projectID project.ID) (*mcp.ServerSession, error) {
	h.prepare(ctx, projectID)

	session, err := h.server.Connect(ctx, transport, nil)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindInternal, err, "connecting host service transport")
	}
	h.session = session
	return session, nil
}

// Server prepares the HostService for projectID and returns the bare
// *mcp.Server, for callers that manage their own transport/session
// lifecycle (mcp.NewStreamableHTTPHandler's per-session factory callback).
func (h *HostService) Server(ctx context.Context, projectID project.ID) *mcp.Server {
	h.prepare(ctx, projectID)
	return h.server
}

func (h *HostService) prepare(ctx context.Context, projectID project.ID) {
	h.mu.Lock()
	h.projectID = projectID
	h.mu.Unlock()

	h.server = mcp.NewServer(&mcp.Implementation{
		Name:    "mcp-center",
		Version: daemonVersion,
	}, &mcp.ServerOptions{
		HasTools: true,
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			if h.onInit != nil && req != nil && req.Session != nil {
				h.onInit(ctx, req.Session)
			}
		},
	})

	h.manager.Subscribe(h)
	h.resync(ctx)
}

// SetProjectID atomically swaps the session's bound project and resyncs the
// visible tool set against it, the hook the bridge's list_roots migration
// (spec.md §4.7 step 5) calls so tool listings reflect the new project
// before the call returns, without the client reconnecting.
func (h *HostService) SetProjectID(ctx context.Context, id project.ID) {
	h.mu.Lock()
	h.projectID = id
	h.mu.Unlock()
	h.resync(ctx)
}

func (h *HostService) currentProjectID() project.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.projectID
}

// ToolListChanged implements backend.ChangeListener: ServerManager calls
// this whenever a rebuild changes the collision-free tool index. Resyncing eagerly here (rather than lazily at the next
// list_tools) is what lets a live session observe a newly-added backend's
// tools without reconnecting.
func (h *HostService) ToolListChanged() {
	go h.resync(context.Background())
}

// Close unsubscribes from ServerManager and closes the underlying session,
// releasing the HostService at the end of the bridge connection's life
// (spec.md §4.7 step 6).
func (h *HostService) Close() error {
	h.manager.Unsubscribe(h)
	if h.session != nil {
		return h.session.Close()
	}
	return nil
}

// resync recomputes the visible tool set per §4.6.1 and reconciles it onto
// h.server via AddTool/RemoveTools, grounded on the add/update/remove
// reconciliation other proxying MCP servers in the pack use for a dynamic
// backend-derived tool set.
func (h *HostService) resync(ctx context.Context) {
	h.manager.RefreshAll(ctx)

	rec, ok, err := h.projects.Get(h.currentProjectID())
	if err != nil {
		h.logger.Warn("resync: project lookup failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	desired := map[string]*mcp.Tool{}
	owners := map[string]string{}
	if ok {
		h.computeVisible(rec, desired, owners)
	}

	var toRemove []string
	for name := range h.registered {
		if _, keep := desired[name]; !keep {
			toRemove = append(toRemove, name)
		}
	}
	if len(toRemove) > 0 {
		sort.Strings(toRemove)
		h.server.RemoveTools(toRemove...)
		for _, name := range toRemove {
			delete(h.registered, name)
		}
	}

	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.server.AddTool(desired[name], h.forwardHandler(name))
		h.registered[name] = owners[name]
	}
}

// computeVisible implements spec.md §4.6.1 exactly: iterate backends in
// ServerManager's registration order, apply enable/allow/policy filtering,
// and only keep a backend's tool if it is the current owner of that name
// in the collision-free index (drop-on-collision, see DESIGN.md's Open
// Question decision), so a shadowed duplicate never gets listed twice. A
// tool whose backend gave no input schema is listed with a bare object
// schema.
func (h *HostService) computeVisible(rec *project.Record, desired map[string]*mcp.Tool, owners map[string]string) {
	idx := h.manager.Index()
	for _, mb := range h.manager.ListAll() {
		if !mb.Definition().Enabled || mb.Snapshot().TransportState != backend.StateRunning {
			continue
		}
		if !rec.AllowsServer(mb.ID()) {
			continue
		}
		policy := rec.ToolPermissionFor(mb.ID())
		for _, t := range mb.Tools() {
			if owner, ok := idx.Lookup(t.Name); !ok || owner != mb.ID() {
				continue
			}
			if !policy.Allows(t.Name) {
				continue
			}
			desc := t.Description
			if custom, ok := rec.CustomDescription(mb.ID(), t.Name); ok {
				desc = custom
			}
			schema := t.InputSchema
			if schema == nil {
				schema = &jsonschema.Schema{Type: "object"}
			}
			desired[t.Name] = &mcp.Tool{
				Name:        t.Name,
				Description: desc,
				InputSchema: schema,
			}
			owners[t.Name] = mb.ID()
		}
	}
}

// forwardHandler dispatches one call_tool invocation per spec.md §4.6.2.
func (h *HostService) forwardHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h.manager.RefreshAll(ctx)
		backendID, err := h.resolve(name)
		if err != nil {
			return nil, err
		}
		mb, ok := h.manager.Get(backendID)
		if !ok {
			return nil, mcperr.New(mcperr.KindToolNotFound, "tool not found").WithID(name)
		}

		var args []byte
		if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
			args = []byte(req.Params.Arguments)
		}

		res, err := mb.CallTool(ctx, name, args)
		if err != nil {
			h.logger.Warn("call_tool failed", "tool", name, "backend_id", backendID, "error", err)
			return nil, mcperr.Wrap(mcperr.KindToolBackendUnavailable, err, "backend unavailable").WithID(name)
		}
		return res, nil
	}
}

// resolve re-validates name against the session's current project and the
// global tool index immediately before dispatch (§4.6.2 step 2), so a
// permission revoked after the last resync is observable on the very next
// call without requiring the client to reconnect (invariant P7).
func (h *HostService) resolve(name string) (string, error) {
	backendID, ok := h.manager.Index().Lookup(name)
	if !ok {
		return "", mcperr.New(mcperr.KindToolNotFound, "tool not found").WithID(name)
	}

	rec, ok, err := h.projects.Get(h.currentProjectID())
	if err != nil {
		return "", mcperr.Wrap(mcperr.KindInternal, err, "resolving project").WithID(name)
	}
	if !ok || !rec.AllowsServer(backendID) {
		// No distinction between "absent" and "forbidden" is exposed, to
		// avoid leaking policy (spec.md §4.6.2 step 2).
		return "", mcperr.New(mcperr.KindToolNotFound, "tool not found").WithID(name)
	}
	if !rec.ToolPermissionFor(backendID).Allows(name) {
		return "", mcperr.New(mcperr.KindToolNotFound, "tool not found").WithID(name)
	}
	return backendID, nil
}
