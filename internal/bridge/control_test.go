package bridge

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mcp-center/mcp-center/internal/backend"
	"github.com/mcp-center/mcp-center/internal/configstore"
	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
	"github.com/mcp-center/mcp-center/internal/project"
)

func goleakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}
}

// testControlListener bundles a running ControlListener with a stop
// function tests call explicitly, before the deferred goleak check runs,
// rather than via t.Cleanup (which would run after the check).
type testControlListener struct {
	cl     *ControlListener
	layout layout.Layout
	cancel context.CancelFunc
	mgr    *backend.ServerManager
}

func (tc *testControlListener) stop() {
	tc.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = tc.cl.Shutdown(ctx)
	tc.mgr.ShutdownAll(context.Background())
}

func newTestControlListener(t *testing.T) *testControlListener {
	t.Helper()
	l := layout.New(t.TempDir())
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	store := configstore.New(l, log.NewNop())
	mgr := backend.New(l, store, log.NewNop(), nil, 0)
	if err := mgr.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}

	registry := project.New(l, log.NewNop())

	cl, err := NewControlListener(l, mgr, registry, log.NewNop())
	if err != nil {
		t.Fatalf("NewControlListener() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = cl.Serve(ctx) }()

	return &testControlListener{cl: cl, layout: l, cancel: cancel, mgr: mgr}
}

// TestControlListenerHandshakeSucceeds drives spec.md §4.7 steps 1-3 over a
// real socket: a BridgeHello naming a fresh project path gets back a
// BridgeReady carrying a non-empty, derived project id.
func TestControlListenerHandshakeSucceeds(t *testing.T) {
	defer goleak.VerifyNone(t, goleakOptions()...)
	tc := newTestControlListener(t)

	conn, err := net.DialTimeout("unix", tc.layout.ControlSocketPath(), time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	projectPath := t.TempDir()
	if err := writeFrame(conn, bridgeHello{Type: "BridgeHello", ProjectPath: projectPath, Agent: "test-agent"}); err != nil {
		conn.Close()
		t.Fatalf("writeFrame(BridgeHello) error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := readFrame(conn)
	if err != nil {
		conn.Close()
		t.Fatalf("readFrame() error = %v", err)
	}
	typ, err := frameType(payload)
	if err != nil {
		conn.Close()
		t.Fatalf("frameType() error = %v", err)
	}
	if typ != "BridgeReady" {
		conn.Close()
		t.Fatalf("frame type = %q, want BridgeReady", typ)
	}

	var ready bridgeReady
	if err := json.Unmarshal(payload, &ready); err != nil {
		conn.Close()
		t.Fatalf("unmarshal BridgeReady: %v", err)
	}
	conn.Close()

	tc.stop()

	if ready.ProjectID == "" {
		t.Fatal("BridgeReady.ProjectID is empty")
	}
	if ready.DaemonPid == 0 {
		t.Fatal("BridgeReady.DaemonPid is zero")
	}
}

// TestControlListenerRejectsMalformedHello covers the handshake-failure
// path: a hello missing projectPath gets a BridgeError frame back instead
// of a BridgeReady, and the connection is then closed by the daemon.
func TestControlListenerRejectsMalformedHello(t *testing.T) {
	defer goleak.VerifyNone(t, goleakOptions()...)
	tc := newTestControlListener(t)

	conn, err := net.DialTimeout("unix", tc.layout.ControlSocketPath(), time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	if err := writeFrame(conn, bridgeHello{Type: "BridgeHello"}); err != nil {
		conn.Close()
		t.Fatalf("writeFrame(BridgeHello) error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := readFrame(conn)
	if err != nil {
		conn.Close()
		t.Fatalf("readFrame() error = %v", err)
	}
	typ, err := frameType(payload)
	conn.Close()
	tc.stop()

	if err != nil {
		t.Fatalf("frameType() error = %v", err)
	}
	if typ != "BridgeError" {
		t.Fatalf("frame type = %q, want BridgeError", typ)
	}
}

func TestFileURIToPath(t *testing.T) {
	cases := []struct {
		uri    string
		want   string
		wantOK bool
	}{
		{"file:///Users/dev/project", "/Users/dev/project", true},
		{"file://localhost/Users/dev/project", "/Users/dev/project", true},
		{"http://example.com/path", "", false},
		{"not a uri at all \x00", "", false},
	}
	for _, tc := range cases {
		got, ok := fileURIToPath(tc.uri)
		if ok != tc.wantOK || (ok && got != tc.want) {
			t.Errorf("fileURIToPath(%q) = (%q, %v), want (%q, %v)", tc.uri, got, ok, tc.want, tc.wantOK)
		}
	}
}
