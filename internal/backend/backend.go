package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"

	"github.com/mcp-center/mcp-center/internal/configstore"
	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
	"github.com/mcp-center/mcp-center/internal/mcperr"
)

const daemonVersion = "0.1.0"

// TransportState is the ManagedBackendState.transport_state of spec.md §3.1.
type TransportState string

const (
	StateNotStarted TransportState = "not_started"
	StateConnecting TransportState = "connecting"
	StateRunning    TransportState = "running"
	StateFailed     TransportState = "failed"
	StateTerminated TransportState = "terminated"
)

// ToolDescriptor is the proxied view of one backend-advertised tool.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// initialBackoff and maxBackoff bound the exponential retry delay applied
// between Failed and the next Connecting attempt (spec.md §4.4).
const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// shutdownGrace is how long Shutdown, after closing the session, waits for
// the connect-then-serve loop to exit before returning anyway.
const shutdownGrace = 5 * time.Second

// ManagedBackend owns one configured backend's transport, tool cache, and
// state machine (spec.md §4.4):
//
//	NotStarted -> Connecting -> Running -> Failed -> Connecting (retry)
//	                  |            |
//	                  +-> Failed   +-> Terminated (shutdown)
type ManagedBackend struct {
	id             string
	dial           Dialer
	connectTimeout time.Duration
	logger         log.Logger
	bwl            *backendLogWriter

	mu            sync.RWMutex
	def           configstore.BackendDefinition
	state         TransportState
	sess          Session
	toolCache     []ToolDescriptor
	epoch         uint64
	needsRefresh  bool
	lastErr       error
	backoffUntil  time.Time
	backoffCur    time.Duration
	limiter       *rate.Limiter // reconfigured on every failure, floors the retry delay at backoffCur
	generation    uint64 // bumped on every start()/shutdown() to invalidate stale goroutines

	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// NewManagedBackend constructs a backend in state NotStarted. dial is nil
// in production (newDialer(connectTimeout) is used); tests inject a fake.
// connectTimeout of zero falls back to DefaultConnectTimeout.
func NewManagedBackend(l layout.Layout, def configstore.BackendDefinition, logger log.Logger, dial Dialer, connectTimeout time.Duration) (*ManagedBackend, error) {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if dial == nil {
		dial = newDialer(connectTimeout)
	}
	bwl, err := newBackendLogWriter(l.BackendLogPath(def.ID), def.ID, def.Name)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindBackendStartFailed, err, "opening backend log").WithID(def.ID)
	}
	return &ManagedBackend{
		id:             def.ID,
		def:            def,
		dial:           dial,
		connectTimeout: connectTimeout,
		logger:         logger.With("backend_id", def.ID, "backend_name", def.Name),
		bwl:            bwl,
		state:          StateNotStarted,
		backoffCur:     initialBackoff,
		limiter:        rate.NewLimiter(rate.Every(initialBackoff), 1),
	}, nil
}

// ID returns the backend's identifier.
func (b *ManagedBackend) ID() string { return b.id }

// Definition returns the backend's current persisted definition.
func (b *ManagedBackend) Definition() configstore.BackendDefinition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.def
}

// State is a point-in-time snapshot used by listing operations (§4.5
// "those that fail enter Failed but are visible to listing operations
// with their error").
type State struct {
	TransportState TransportState
	Err            error
	Epoch          uint64
	ToolCount      int
}

func (b *ManagedBackend) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return State{
		TransportState: b.state,
		Err:            b.lastErr,
		Epoch:          b.epoch,
		ToolCount:      len(b.toolCache),
	}
}

// Tools returns a snapshot of the current tool cache. Cheap to clone: the
// slice is small relative to a full reload (spec.md §5).
func (b *ManagedBackend) Tools() []ToolDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ToolDescriptor, len(b.toolCache))
	copy(out, b.toolCache)
	return out
}

// Start transitions NotStarted/Failed/Terminated -> Connecting and begins
// the connect-then-serve loop in a background goroutine. Calling Start on
// an already-Running or already-Connecting backend is a no-op.
func (b *ManagedBackend) Start(ctx context.Context) {
	b.mu.Lock()
	if b.state == StateRunning || b.state == StateConnecting {
		b.mu.Unlock()
		return
	}
	b.generation++
	gen := b.generation
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancelRun = cancel
	b.runDone = make(chan struct{})
	b.state = StateConnecting
	b.mu.Unlock()

	go b.runLoop(runCtx, gen)
}

// runLoop drives Connecting->Running->Failed->Connecting until shutdown
// bumps the generation or cancels runCtx.
func (b *ManagedBackend) runLoop(ctx context.Context, gen uint64) {
	defer close(b.runDone)

	for {
		if b.staleGeneration(gen) {
			return
		}

		connectCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
		sess, err := b.dial(connectCtx, b.Definition(), func() { b.markNeedsRefresh() })
		var initErr error
		if err == nil {
			initErr = b.initializeAndCache(connectCtx, gen, sess)
		}
		cancel()

		if err != nil {
			b.enterFailed(gen, mcperr.Wrap(mcperr.KindBackendStartFailed, err, "connecting").WithID(b.id))
		} else if initErr != nil {
			_ = sess.Close()
			b.enterFailed(gen, initErr)
		} else {
			b.enterRunning(gen, sess)
		}

		wait, shouldRetry := b.waitForRetryOrExit(ctx, gen)
		if !shouldRetry {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		b.mu.Lock()
		if b.generation == gen {
			b.state = StateConnecting
		}
		b.mu.Unlock()
	}
}

func (b *ManagedBackend) initializeAndCache(ctx context.Context, gen uint64, sess Session) error {
	if b.staleGeneration(gen) {
		return errGenerationStale
	}
	tools, err := listAllTools(ctx, sess)
	if err != nil {
		return mcperr.Wrap(mcperr.KindBackendProtocolViolation, err, "initial list_tools").WithID(b.id)
	}

	b.mu.Lock()
	if b.generation != gen {
		b.mu.Unlock()
		return errGenerationStale
	}
	b.sess = sess
	b.toolCache = tools
	b.epoch++
	b.needsRefresh = false
	b.state = StateRunning
	b.lastErr = nil
	b.backoffCur = initialBackoff
	b.limiter.SetLimit(rate.Every(initialBackoff))
	b.mu.Unlock()

	b.bwl.logf("info", "tool_cache", "initial tool cache populated", "", 0, nil)
	return nil
}

var errGenerationStale = errors.New("backend: stale generation")

func (b *ManagedBackend) enterRunning(gen uint64, sess Session) {
	// Block here until the session ends (transport closed, child exited,
	// or shutdown cancelled the context), so runLoop's outer for-loop only
	// re-dials after a genuine disconnect.
	b.waitSessionClosed(sess)

	b.mu.RLock()
	stillRunning := b.generation == gen && b.state == StateRunning
	b.mu.RUnlock()
	if stillRunning {
		b.enterFailed(gen, mcperr.New(mcperr.KindBackendTransportClosed, "transport closed").WithID(b.id))
	}
}

// waitSessionClosed blocks until the session's underlying transport ends.
// *mcp.ClientSession exposes this via Wait in the go-sdk; tests' fake
// sessions close a channel instead.
func (b *ManagedBackend) waitSessionClosed(sess Session) {
	type waiter interface{ Wait() error }
	if w, ok := sess.(waiter); ok {
		_ = w.Wait()
		return
	}
	// Fallback for sessions without Wait: nothing to block on, so return
	// immediately and rely on the next ensure_tool_cache/call_tool to
	// surface the disconnect.
}

// enterFailed transitions to Failed and doubles the backoff interval,
// capped at maxBackoff. The actual wait in waitForRetryOrExit is the max
// of that interval and a golang.org/x/time/rate reservation, so a backend
// that fails in rapid succession (e.g. a crash loop) can never retry
// faster than its own most recent backoff even if enterFailed is somehow
// re-entered before the previous wait elapsed.
func (b *ManagedBackend) enterFailed(gen uint64, err error) {
	b.mu.Lock()
	if b.generation != gen {
		b.mu.Unlock()
		return
	}
	b.state = StateFailed
	b.lastErr = err
	b.sess = nil
	cur := b.backoffCur
	next := cur * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	b.backoffCur = next
	limiter := b.limiter
	b.mu.Unlock()

	limiter.SetLimit(rate.Every(cur))
	delay := limiter.Reserve().Delay()
	if delay < cur {
		delay = cur
	}

	b.mu.Lock()
	b.backoffUntil = time.Now().Add(delay)
	b.mu.Unlock()

	b.logger.Warn("backend entered failed state", "error", err)
	b.bwl.logf("error", "transport", err.Error(), "", 0, nil)
}

// waitForRetryOrExit sleeps until backoffUntil, unless shutdown fires
// first. Returns shouldRetry=false once the backend has been shut down.
func (b *ManagedBackend) waitForRetryOrExit(ctx context.Context, gen uint64) (time.Duration, bool) {
	b.mu.RLock()
	until := b.backoffUntil
	stale := b.generation != gen
	b.mu.RUnlock()
	if stale {
		return 0, false
	}
	if until.IsZero() {
		return 0, true
	}
	d := time.Until(until)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (b *ManagedBackend) staleGeneration(gen uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation != gen
}

func (b *ManagedBackend) markNeedsRefresh() {
	b.mu.Lock()
	b.needsRefresh = true
	b.mu.Unlock()
}

// EnsureToolCache refreshes the cache if needsRefresh is set and the
// backend is Running; otherwise it is a no-op (spec.md §4.4). Must be
// called before any listing or call per that section's contract, so
// ServerManager calls it on ServerManager's own refresh trigger rather
// than relying on callers to remember.
func (b *ManagedBackend) EnsureToolCache(ctx context.Context) error {
	b.mu.RLock()
	needs := b.needsRefresh && b.state == StateRunning
	b.mu.RUnlock()
	if !needs {
		return nil
	}
	return b.ForceRefreshToolCache(ctx)
}

// ForceRefreshToolCache unconditionally re-fetches the tool list.
func (b *ManagedBackend) ForceRefreshToolCache(ctx context.Context) error {
	b.mu.RLock()
	sess := b.sess
	running := b.state == StateRunning
	b.mu.RUnlock()
	if !running || sess == nil {
		return mcperr.New(mcperr.KindToolBackendUnavailable, "backend not running").WithID(b.id)
	}

	tools, err := listAllTools(ctx, sess)
	if err != nil {
		b.enterFailed(b.currentGeneration(), mcperr.Wrap(mcperr.KindBackendProtocolViolation, err, "list_tools").WithID(b.id))
		return mcperr.Wrap(mcperr.KindToolBackendUnavailable, err, "refreshing tool cache").WithID(b.id)
	}

	b.mu.Lock()
	b.toolCache = tools
	b.epoch++
	b.needsRefresh = false
	b.mu.Unlock()

	b.bwl.logf("info", "tool_cache", "tool cache refreshed", "", 0, map[string]any{"count": len(tools)})
	return nil
}

func (b *ManagedBackend) currentGeneration() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.generation
}

// Epoch returns the monotonically increasing tool_index_epoch, bumped on
// every successful refresh (spec.md §3.1). Snapshot reports the same value.
func (b *ManagedBackend) Epoch() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.epoch
}

// CallTool proxies one invocation to the backend, returning its result or
// an MCP-flavored error verbatim (spec.md §4.4/§4.6.2).
func (b *ManagedBackend) CallTool(ctx context.Context, name string, arguments []byte) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	sess := b.sess
	running := b.state == StateRunning
	b.mu.RUnlock()
	if !running || sess == nil {
		return nil, mcperr.New(mcperr.KindToolBackendUnavailable, "backend unavailable").WithID(b.id)
	}

	start := time.Now()
	var args any
	if len(arguments) > 0 {
		args = json.RawMessage(arguments)
	}
	res, err := sess.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	dur := time.Since(start)
	if err != nil {
		b.bwl.logf("error", "call_tool", err.Error(), name, dur, nil)
		b.enterFailed(b.currentGeneration(), mcperr.Wrap(mcperr.KindBackendTransportClosed, err, "call_tool").WithID(b.id))
		return nil, mcperr.Wrap(mcperr.KindToolBackendUnavailable, err, "backend unavailable").WithID(b.id)
	}
	b.bwl.logf("info", "call_tool", "call completed", name, dur, nil)
	return res, nil
}

// Shutdown closes the transport (terminating a stdio child if needed)
// with a bounded grace period, and transitions to Terminated.
func (b *ManagedBackend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.generation++ // invalidate any in-flight runLoop/retry
	cancel := b.cancelRun
	done := b.runDone
	sess := b.sess
	prevState := b.state
	b.state = StateTerminated
	b.sess = nil
	b.mu.Unlock()

	if prevState == StateNotStarted {
		b.bwl.close()
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		_ = sess.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			b.logger.Warn("backend did not stop within grace period")
		case <-ctx.Done():
		}
	}
	b.bwl.close()
	return nil
}

// listAllTools drains every page of session.ListTools, following
// NextCursor, and converts the result to our own ToolDescriptor so the
// rest of the package never touches *mcp.Tool directly.
func listAllTools(ctx context.Context, sess Session) ([]ToolDescriptor, error) {
	var out []ToolDescriptor
	cursor := ""
	for {
		var params *mcp.ListToolsParams
		if cursor != "" {
			params = &mcp.ListToolsParams{Cursor: cursor}
		}
		res, err := sess.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		if res == nil {
			break
		}
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			var schema *jsonschema.Schema
			switch s := t.InputSchema.(type) {
			case nil:
			case *jsonschema.Schema:
				schema = s
			default:
				// Any other form (e.g. a decoded JSON object) is converted
				// through its JSON encoding.
				if raw, err := json.Marshal(s); err == nil {
					schema = new(jsonschema.Schema)
					if err := json.Unmarshal(raw, schema); err != nil {
						schema = nil
					}
				}
			}
			out = append(out, ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	return out, nil
}

// backendLogWriter appends structured JSON log lines to
// <logs>/<backend_id>.log (spec.md §6 "Backend log lines"), normalized to
// the documented key set {ts, level, category, message, server, tool,
// durationMs, details}: ReplaceAttr renames slog's default time/msg keys,
// and server is bound once at construction since every line in this file
// belongs to the same backend.
type backendLogWriter struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

func newBackendLogWriter(path, backendID, backendName string) (*backendLogWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	handler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "ts"
			case slog.MessageKey:
				a.Key = "message"
			}
			return a
		},
	})
	logger := slog.New(handler).With("server", map[string]string{"id": backendID, "name": backendName})
	return &backendLogWriter{file: f, logger: logger}, nil
}

func (w *backendLogWriter) logf(level, category, message, tool string, dur time.Duration, details map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	attrs := []any{"category", category}
	if tool != "" {
		attrs = append(attrs, "tool", map[string]string{"name": tool})
	}
	if dur > 0 {
		attrs = append(attrs, "durationMs", dur.Milliseconds())
	}
	if details != nil {
		attrs = append(attrs, "details", details)
	}
	switch level {
	case "error":
		w.logger.Error(message, attrs...)
	case "warn":
		w.logger.Warn(message, attrs...)
	default:
		w.logger.Info(message, attrs...)
	}
}

func (w *backendLogWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.file.Close()
}
