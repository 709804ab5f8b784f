package host

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-center/mcp-center/internal/backend"
	"github.com/mcp-center/mcp-center/internal/configstore"
	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
	"github.com/mcp-center/mcp-center/internal/project"
)

// fakeSession is a hand-rolled double for backend.Session, letting these
// tests drive ServerManager without spawning real backend processes. Wait
// blocks until Close, mirroring *mcp.ClientSession, so ManagedBackend's
// runLoop treats the session as staying Running until the test tears it
// down rather than flapping straight to Failed.
type fakeSession struct {
	mu        sync.Mutex
	tools     []*mcp.Tool
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSession(tools ...*mcp.Tool) *fakeSession {
	return &fakeSession{tools: tools, closed: make(chan struct{})}
}

func (f *fakeSession) ListTools(ctx context.Context, _ *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSession) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok:" + params.Name}}}, nil
}

func (f *fakeSession) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSession) Wait() error {
	<-f.closed
	return nil
}

// newTestManager boots a ServerManager with a fakeSession per backend id in
// defs, keyed "a" -> {"search", "delete_all"}, "b" -> {"search"} (shadowing
// a's "search"). It returns the manager plus the "a" fakeSession so tests
// can mutate its tool set to exercise live resync.
func newTestManager(t *testing.T, defs ...configstore.BackendDefinition) (*backend.ServerManager, *fakeSession) {
	t.Helper()
	l := layout.New(t.TempDir())
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	store := configstore.New(l, log.NewNop())
	for _, def := range defs {
		if err := store.Save(def); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	fakeA := newFakeSession(&mcp.Tool{Name: "search"}, &mcp.Tool{Name: "delete_all"})
	sessions := map[string]*fakeSession{
		"a": fakeA,
		"b": newFakeSession(&mcp.Tool{Name: "search"}), // shadowed by a's "search"
	}
	dial := func(ctx context.Context, def configstore.BackendDefinition, notify func()) (backend.Session, error) {
		return sessions[def.ID], nil
	}

	mgr := backend.New(l, store, log.NewNop(), dial, 0)
	if err := mgr.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	t.Cleanup(func() { mgr.ShutdownAll(context.Background()) })
	for _, def := range defs {
		waitForRunning(t, mgr, def.ID)
	}
	mgr.RefreshAll(context.Background())
	return mgr, fakeA
}

func waitForRunning(t *testing.T, mgr *backend.ServerManager, id string) {
	t.Helper()
	mb, ok := mgr.Get(id)
	if !ok {
		t.Fatalf("unknown backend %q", id)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mb.Snapshot().TransportState == backend.StateRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend %q did not reach Running", id)
}

func twoBackendDefs() []configstore.BackendDefinition {
	return []configstore.BackendDefinition{
		{ID: "a", Name: "alpha", Protocol: configstore.ProtocolStdio, Command: "node", Enabled: true},
		{ID: "b", Name: "beta", Protocol: configstore.ProtocolStdio, Command: "node", Enabled: true},
	}
}

func newTestRegistry(t *testing.T) *project.Registry {
	t.Helper()
	l := layout.New(t.TempDir())
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	return project.New(l, log.NewNop())
}

// bindHost connects h over a fresh in-memory transport pair and returns an
// SDK client session to drive list_tools/call_tool against it, the pattern
// the teacher's own protocol_test.go uses for its MCP server.
func bindHost(t *testing.T, h *HostService, projectID project.ID) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	if _, err := h.Bind(ctx, serverTransport, projectID); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client.Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func toolNames(t *testing.T, res *mcp.ListToolsResult) []string {
	t.Helper()
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	return names
}

// TestHostServiceListToolsHonorsAllowedServers is Scenario 2 from spec.md
// §8: a project that allows only backend "a" sees only a's tools, and the
// tool name collision on "search" is resolved in a's favor (first
// registered), so "search" never appears twice.
func TestHostServiceListToolsHonorsAllowedServers(t *testing.T) {
	mgr, _ := newTestManager(t, twoBackendDefs()...)
	registry := newTestRegistry(t)

	rec, err := registry.Ensure(t.TempDir(), "test-agent", func() []string { return nil })
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if _, err := registry.AllowServers(rec.ID, []string{"a"}); err != nil {
		t.Fatalf("AllowServers() error = %v", err)
	}

	h := New(mgr, registry, log.NewNop(), "sess-1")
	session := bindHost(t, h, rec.ID)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}

	got := toolNames(t, res)
	want := []string{"delete_all", "search"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("ListTools() names = %v, want %v", got, want)
	}

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "search"})
	if err != nil {
		t.Fatalf("CallTool(search) error = %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool(search) returned error result")
	}
}

// TestHostServiceToolPermissionFiltersCalls is Scenario 2 continued: a
// deny_list permission hides a tool from list_tools and rejects call_tool
// for it, without affecting other tools on the same backend.
func TestHostServiceToolPermissionFiltersCalls(t *testing.T) {
	mgr, _ := newTestManager(t, twoBackendDefs()...)
	registry := newTestRegistry(t)

	rec, err := registry.Ensure(t.TempDir(), "test-agent", func() []string { return nil })
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if _, err := registry.AllowServers(rec.ID, []string{"a"}); err != nil {
		t.Fatalf("AllowServers() error = %v", err)
	}
	deny := project.ToolPermission{Kind: project.PermissionDenyList, Set: map[string]struct{}{"delete_all": {}}}
	if _, err := registry.SetToolPermission(rec.ID, "a", deny); err != nil {
		t.Fatalf("SetToolPermission() error = %v", err)
	}

	h := New(mgr, registry, log.NewNop(), "sess-2")
	session := bindHost(t, h, rec.ID)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	got := toolNames(t, res)
	if len(got) != 1 || got[0] != "search" {
		t.Fatalf("ListTools() names = %v, want [search]", got)
	}

	_, err = session.CallTool(context.Background(), &mcp.CallToolParams{Name: "delete_all"})
	if err == nil {
		t.Fatal("CallTool(delete_all) expected error, got nil")
	}
}

// TestHostServiceCustomDescriptionOverridesListing verifies list_tools
// reflects a project's per-tool description override (spec.md §4.6.1).
func TestHostServiceCustomDescriptionOverridesListing(t *testing.T) {
	mgr, _ := newTestManager(t, twoBackendDefs()...)
	registry := newTestRegistry(t)

	rec, err := registry.Ensure(t.TempDir(), "test-agent", func() []string { return nil })
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if _, err := registry.AllowServers(rec.ID, []string{"a"}); err != nil {
		t.Fatalf("AllowServers() error = %v", err)
	}
	if _, err := registry.SetToolCustomization(rec.ID, "a", "search", "custom search description"); err != nil {
		t.Fatalf("SetToolCustomization() error = %v", err)
	}

	h := New(mgr, registry, log.NewNop(), "sess-3")
	session := bindHost(t, h, rec.ID)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	var found bool
	for _, tool := range res.Tools {
		if tool.Name == "search" {
			found = true
			if tool.Description != "custom search description" {
				t.Fatalf("search description = %q, want override", tool.Description)
			}
		}
	}
	if !found {
		t.Fatal("search tool not found in listing")
	}
}

// TestHostServiceSetProjectIDMigratesVisibility is Scenario 4 from spec.md
// §8 at the HostService layer: when the bridge's list_roots handler calls
// SetProjectID mid-session, the live listing switches to the new project's
// policy without the client reconnecting.
func TestHostServiceSetProjectIDMigratesVisibility(t *testing.T) {
	mgr, _ := newTestManager(t, twoBackendDefs()...)
	registry := newTestRegistry(t)

	provisional, err := registry.Ensure(t.TempDir(), "test-agent", func() []string { return nil })
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if _, err := registry.AllowServers(provisional.ID, nil); err != nil {
		t.Fatalf("AllowServers() error = %v", err)
	}

	real, err := registry.Ensure(t.TempDir(), "test-agent", func() []string { return []string{"a", "b"} })
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	h := New(mgr, registry, log.NewNop(), "sess-4")
	session := bindHost(t, h, provisional.ID)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(res.Tools) != 0 {
		t.Fatalf("expected no tools visible for provisional project, got %v", toolNames(t, res))
	}

	h.SetProjectID(context.Background(), real.ID)

	res, err = session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	got := toolNames(t, res)
	want := []string{"delete_all", "search"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("ListTools() after migration = %v, want %v", got, want)
	}
}

// TestHostServiceToolListChangedResync is invariant P7 from spec.md §8: a
// backend-originated tool_list_changed notification is observable in a
// live session's listing without the client reconnecting.
func TestHostServiceToolListChangedResync(t *testing.T) {
	mgr, fakeA := newTestManager(t, configstore.BackendDefinition{
		ID: "a", Name: "alpha", Protocol: configstore.ProtocolStdio, Command: "node", Enabled: true,
	})
	registry := newTestRegistry(t)

	rec, err := registry.Ensure(t.TempDir(), "test-agent", func() []string { return []string{"a"} })
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	h := New(mgr, registry, log.NewNop(), "sess-5")
	session := bindHost(t, h, rec.ID)

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(res.Tools) != 2 {
		t.Fatalf("expected 2 tools initially, got %d", len(res.Tools))
	}

	// Simulate backend "a" advertising a new tool via a server-issued
	// tool_list_changed, then ServerManager rebuilding its index and
	// broadcasting to every subscribed HostService (spec.md §4.5 step 5).
	mb, ok := mgr.Get("a")
	if !ok {
		t.Fatal("backend \"a\" not found")
	}
	fakeA.mu.Lock()
	fakeA.tools = append(fakeA.tools, &mcp.Tool{Name: "rename"})
	fakeA.mu.Unlock()
	if err := mb.ForceRefreshToolCache(context.Background()); err != nil {
		t.Fatalf("ForceRefreshToolCache() error = %v", err)
	}
	mgr.RefreshAll(context.Background())

	// ToolListChanged's resync runs in a background goroutine (see
	// host.go), so poll briefly rather than asserting immediately.
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err = session.ListTools(context.Background(), nil)
		if err != nil {
			t.Fatalf("ListTools() error = %v", err)
		}
		if len(res.Tools) == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 tools after resync, got %d", len(res.Tools))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
