// Package rpcserver implements the RpcListener of spec.md §4.8: a
// line-delimited JSON administrative protocol, intended for the bundled
// CLI rather than MCP clients.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"

	"github.com/mcp-center/mcp-center/internal/backend"
	"github.com/mcp-center/mcp-center/internal/iolisten"
	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
	"github.com/mcp-center/mcp-center/internal/mcperr"
)

// maxLineBytes bounds one request/response line, guarding against an
// unbounded buffer grab from a misbehaving client.
const maxLineBytes = 1 << 20

// RpcListener accepts administrative connections and dispatches ping,
// list_tools, and get_tool_info requests against a ServerManager.
type RpcListener struct {
	layout  layout.Layout
	manager *backend.ServerManager
	logger  log.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// NewRpcListener binds the RPC socket/pipe at l's layout path.
func NewRpcListener(l layout.Layout, manager *backend.ServerManager, logger log.Logger) (*RpcListener, error) {
	ln, err := iolisten.Listen(l.RpcSocketPath())
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindBridgeSocketBusy, err, "binding rpc socket")
	}
	return &RpcListener{
		layout:  l,
		manager: manager,
		logger:  logger.With("component", "rpc-listener"),
		ln:      ln,
	}, nil
}

// Serve runs the accept loop until Close/Shutdown closes the listener.
func (s *RpcListener) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return mcperr.Wrap(mcperr.KindRpcMalformed, err, "rpc socket accept failed")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown closes the listener, waits for in-flight connections to drain
// within ctx's deadline, and removes the socket/pipe file.
func (s *RpcListener) Shutdown(ctx context.Context) error {
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("closing rpc socket", "error", err)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("drain deadline exceeded; rpc connections still active")
	}
	path := s.layout.RpcSocketPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing rpc socket", "path", path, "error", err)
	}
	return nil
}

func (s *RpcListener) handleConn(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(response{Error: &rpcErrorMsg{
				Code:    string(mcperr.KindRpcMalformed),
				Message: err.Error(),
			}})
			continue
		}
		resp := s.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("writing rpc response", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("rpc connection read error", "error", err)
	}
}

func (s *RpcListener) dispatch(ctx context.Context, req request) response {
	switch req.Method {
	case "ping":
		return response{ID: req.ID, Result: "pong"}
	case "list_tools":
		return s.handleListTools(ctx, req)
	case "get_tool_info":
		return s.handleGetToolInfo(ctx, req)
	default:
		return response{ID: req.ID, Error: &rpcErrorMsg{
			Code:    string(mcperr.KindRpcUnknownMethod),
			Message: "unknown method: " + req.Method,
		}}
	}
}

func (s *RpcListener) handleListTools(ctx context.Context, req request) response {
	var params listToolsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errResponse(req.ID, mcperr.KindRpcMalformed, err.Error())
		}
	}

	s.manager.RefreshAll(ctx)

	var backends []*backend.ManagedBackend
	if params.BackendID != "" {
		mb, ok := s.manager.Get(params.BackendID)
		if !ok {
			return errResponse(req.ID, mcperr.KindToolBackendUnavailable, "unknown backend_id: "+params.BackendID)
		}
		backends = []*backend.ManagedBackend{mb}
	} else {
		backends = s.manager.ListAll()
	}

	tools := make([]toolInfo, 0)
	for _, mb := range backends {
		for _, t := range mb.Tools() {
			tools = append(tools, toolInfo{Name: t.Name, Description: t.Description, BackendID: mb.ID()})
		}
	}
	return response{ID: req.ID, Result: tools}
}

func (s *RpcListener) handleGetToolInfo(ctx context.Context, req request) response {
	var params getToolInfoParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, mcperr.KindRpcMalformed, err.Error())
	}
	if params.BackendID == "" || params.Tool == "" {
		return errResponse(req.ID, mcperr.KindRpcMalformed, "backend_id and tool are required")
	}

	s.manager.RefreshAll(ctx)

	mb, ok := s.manager.Get(params.BackendID)
	if !ok {
		return errResponse(req.ID, mcperr.KindToolBackendUnavailable, "unknown backend_id: "+params.BackendID)
	}
	for _, t := range mb.Tools() {
		if t.Name == params.Tool {
			return response{ID: req.ID, Result: toolInfo{Name: t.Name, Description: t.Description, BackendID: mb.ID()}}
		}
	}
	return errResponse(req.ID, mcperr.KindToolNotFound, "tool not found: "+params.Tool)
}

func errResponse(id int64, kind mcperr.Kind, message string) response {
	return response{ID: id, Error: &rpcErrorMsg{Code: string(kind), Message: message}}
}
