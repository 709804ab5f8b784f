// Package bridge implements the ControlListener of spec.md §4.7: the
// local-socket endpoint `mcp-center-bridge` connects to, carrying a
// length-prefixed JSON handshake followed by a tunneled MCP session bound
// to one project.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-center/mcp-center/internal/backend"
	"github.com/mcp-center/mcp-center/internal/host"
	"github.com/mcp-center/mcp-center/internal/iolisten"
	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
	"github.com/mcp-center/mcp-center/internal/mcperr"
	"github.com/mcp-center/mcp-center/internal/project"
)

// handshakeTimeout bounds how long a connection may take to send its
// BridgeHello before the daemon gives up on it.
const handshakeTimeout = 10 * time.Second

// ControlListener accepts bridge connections, performs the handshake of
// spec.md §4.7, and tunnels each session's MCP traffic to a dedicated
// HostService for the life of the connection.
type ControlListener struct {
	layout   layout.Layout
	manager  *backend.ServerManager
	projects *project.Registry
	logger   log.Logger

	ln net.Listener

	wg sync.WaitGroup
}

// NewControlListener binds the control socket/pipe at l's layout path.
func NewControlListener(l layout.Layout, manager *backend.ServerManager, projects *project.Registry, logger log.Logger) (*ControlListener, error) {
	ln, err := iolisten.Listen(l.ControlSocketPath())
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindBridgeSocketBusy, err, "binding control socket")
	}
	return &ControlListener{
		layout:   l,
		manager:  manager,
		projects: projects,
		logger:   logger.With("component", "control-listener"),
		ln:       ln,
	}, nil
}

// Serve runs the accept loop until Close is called, at which point a
// listener-closed error is swallowed and nil is returned (the normal
// shutdown path, per Supervisor's "stop accepting new bridge connections"
// step).
func (c *ControlListener) Serve(ctx context.Context) error {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if isClosedListenerErr(err) {
				return nil
			}
			return mcperr.Wrap(mcperr.KindBridgeHandshakeFailed, err, "control socket accept failed")
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.handleConn(ctx, conn); err != nil {
				c.logger.Warn("bridge session ended with error", "error", err)
			}
		}()
	}
}

// Close stops accepting new connections. Callers wanting in-flight
// sessions drained should call Shutdown instead.
func (c *ControlListener) Close() error {
	return c.ln.Close()
}

// Shutdown closes the listener and waits up to the Supervisor's drain
// deadline for in-flight bridge sessions to finish on their own, per
// spec.md §5's bounded grace period.
func (c *ControlListener) Shutdown(ctx context.Context) error {
	if err := c.ln.Close(); err != nil && !isClosedListenerErr(err) {
		c.logger.Warn("closing control socket", "error", err)
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("drain deadline exceeded; bridge sessions still active")
	}
	path := c.layout.ControlSocketPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("removing control socket", "path", path, "error", err)
	}
	return nil
}

// handleConn performs the handshake and, on success, tunnels MCP traffic
// for the rest of the connection's life.
func (c *ControlListener) handleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hello, err := c.readHello(conn)
	if err != nil {
		writeFrame(conn, bridgeError{Type: "BridgeError", Reason: err.Error()})
		return err
	}
	_ = conn.SetReadDeadline(time.Time{})

	rec, err := c.projects.Ensure(hello.ProjectPath, hello.Agent, c.manager.EnabledBackendIDs)
	if err != nil {
		writeFrame(conn, bridgeError{Type: "BridgeError", Reason: err.Error()})
		return mcperr.Wrap(mcperr.KindBridgeHandshakeFailed, err, "ensuring project record")
	}

	sessionID := uuid.NewString()
	info, _ := json.Marshal(map[string]string{"name": "mcp-center", "sessionId": sessionID})
	if err := writeFrame(conn, bridgeReady{
		Type:      "BridgeReady",
		ProjectID: string(rec.ID),
		DaemonPid: os.Getpid(),
		Info:      info,
	}); err != nil {
		return mcperr.Wrap(mcperr.KindBridgeHandshakeFailed, err, "writing BridgeReady")
	}

	hostService := host.New(c.manager, c.projects, c.logger, sessionID)
	hostService.SetMigrationHook(c.migrationHook(hostService, hello.ProjectPath, rec.ID))

	server := hostService.Server(ctx, rec.ID)
	defer hostService.Close()

	return c.tunnel(ctx, conn, server)
}

// readHello reads and validates the handshake's first frame.
func (c *ControlListener) readHello(conn net.Conn) (bridgeHello, error) {
	payload, err := readFrame(conn)
	if err != nil {
		return bridgeHello{}, mcperr.Wrap(mcperr.KindBridgeHandshakeFailed, err, "reading BridgeHello")
	}
	typ, err := frameType(payload)
	if err != nil {
		return bridgeHello{}, err
	}
	if typ != "BridgeHello" {
		return bridgeHello{}, mcperr.New(mcperr.KindBridgeHandshakeFailed, "expected BridgeHello frame").WithID(typ)
	}
	var hello bridgeHello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return bridgeHello{}, mcperr.Wrap(mcperr.KindBridgeHandshakeFailed, err, "decoding BridgeHello")
	}
	if hello.ProjectPath == "" {
		return bridgeHello{}, mcperr.New(mcperr.KindBridgeHandshakeFailed, "BridgeHello missing projectPath")
	}
	return hello, nil
}

// tunnel serves server's MCP session over conn using the SDK's streamable
// HTTP handler driven against a single-connection listener, the grounded
// resolution to binding an MCP transport onto an already-accepted socket
// (see DESIGN.md's Open Question decision).
func (c *ControlListener) tunnel(ctx context.Context, conn net.Conn, server *mcp.Server) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)

	sl := newSingleConnListener(conn)
	httpSrv := &http.Server{Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(sl) }()

	select {
	case <-ctx.Done():
		_ = sl.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !isClosedListenerErr(err) {
			return mcperr.Wrap(mcperr.KindBackendTransportClosed, err, "bridge tunnel closed")
		}
		return nil
	}
}

// migrationHook implements spec.md §4.7 step 5: after the MCP initialize
// exchange, ask the peer for its roots and, if the real project path
// differs from the provisional one carried by BridgeHello, recompute the
// ProjectId and migrate the record, then atomically repoint the
// HostService at the new id so the very next list_tools call reflects it.
func (c *ControlListener) migrationHook(hostService *host.HostService, provisionalPath string, provisionalID project.ID) host.MigrationHook {
	return func(ctx context.Context, session *mcp.ServerSession) {
		res, err := session.ListRoots(ctx, nil)
		if err != nil || len(res.Roots) == 0 {
			return
		}
		realPath, ok := fileURIToPath(res.Roots[0].URI)
		if !ok {
			return
		}

		realID, realCanonical, err := project.IDFromPath(realPath)
		if err != nil {
			c.logger.Warn("migration: failed to derive project id from root", "path", realPath, "error", err)
			return
		}
		if realID == provisionalID {
			return
		}

		if _, err := c.projects.Rename(provisionalID, realID, realCanonical); err != nil {
			c.logger.Warn("migration: rename failed", "from", provisionalID, "to", realID, "error", err)
			return
		}
		hostService.SetProjectID(ctx, realID)
		c.logger.Info("bridge project migrated", "from", provisionalID, "to", realID, "declared_path", provisionalPath)
	}
}

// fileURIToPath parses a file:// root URI into a local filesystem path,
// grounded on original_source/.../daemon/control.rs's parse_file_uri
// (including its `file://localhost/...` form).
func fileURIToPath(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	path := u.Path
	if path == "" {
		return "", false
	}
	return path, true
}

func isClosedListenerErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) || errors.Is(err, io.EOF) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
