// Package daemon implements the Supervisor of spec.md §4.9: it wires
// Layout, ConfigStore, ProjectRegistry, and ServerManager to a
// ControlListener and RpcListener, then owns the process's startup and
// shutdown sequencing.
package daemon

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/gofrs/flock"

	"github.com/mcp-center/mcp-center/internal/backend"
	"github.com/mcp-center/mcp-center/internal/bridge"
	"github.com/mcp-center/mcp-center/internal/configstore"
	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
	"github.com/mcp-center/mcp-center/internal/mcperr"
	"github.com/mcp-center/mcp-center/internal/project"
	"github.com/mcp-center/mcp-center/internal/rpcserver"
)

// projectsSchemaVersion is recorded in projects/.schema at first boot of a
// root, documenting the UTF-8 path-encoding choice ProjectId derivation
// depends on (see DESIGN.md, Open Question decisions).
const projectsSchemaVersion = "1\n"

// Options configures a Supervisor.
type Options struct {
	Layout                layout.Layout
	Logger                log.Logger
	DrainTimeout          time.Duration
	BackendConnectTimeout time.Duration
}

// Supervisor owns the daemon process's lifecycle for one root: acquiring
// the single-instance lock, booting every component, serving until
// shutdown is requested, and draining/cleaning up afterward.
type Supervisor struct {
	opts Options

	lock     *flock.Flock
	manager  *backend.ServerManager
	projects *project.Registry
	control  *bridge.ControlListener
	rpc      *rpcserver.RpcListener

	watchCancel context.CancelFunc
}

// New constructs a Supervisor. Boot must be called before Serve.
func New(opts Options) *Supervisor {
	return &Supervisor{opts: opts}
}

// Boot acquires the single-instance lock, creates the root's directory
// tree, writes the pid file, and starts every managed component. It
// returns a startup-failure error (spec.md §6 exit code 1) on any of:
// the lock already held, the directory tree not creatable, or the
// ConfigStore failing to load.
func (s *Supervisor) Boot(ctx context.Context) error {
	l := s.opts.Layout
	logger := s.opts.Logger

	if err := l.Ensure(); err != nil {
		return mcperr.Wrap(mcperr.KindConfigIo, err, "creating root directory tree")
	}

	s.lock = flock.New(l.LockFilePath())
	locked, err := s.lock.TryLock()
	if err != nil {
		return mcperr.Wrap(mcperr.KindDaemonAlreadyRunning, err, "acquiring daemon lock")
	}
	if !locked {
		return mcperr.New(mcperr.KindDaemonAlreadyRunning, "another mcp-center daemon already holds this root").WithPath(l.LockFilePath())
	}

	if err := writeSchemaMarker(l); err != nil {
		return err
	}

	if err := writePidFile(l); err != nil {
		_ = s.lock.Unlock()
		return err
	}

	store := configstore.New(l, logger)
	s.manager = backend.New(l, store, logger, nil, s.opts.BackendConnectTimeout)
	if err := s.manager.Boot(ctx); err != nil {
		return mcperr.Wrap(mcperr.KindConfigIo, err, "booting server manager")
	}

	s.projects = project.New(l, logger)

	s.control, err = bridge.NewControlListener(l, s.manager, s.projects, logger)
	if err != nil {
		return err
	}
	s.rpc, err = rpcserver.NewRpcListener(l, s.manager, logger)
	if err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	go func() {
		if err := s.projects.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("project directory watcher stopped", "error", err)
		}
	}()

	return nil
}

// Serve blocks until ctx is done (the caller typically derives ctx from
// signal.NotifyContext), then runs the shutdown sequence of spec.md §4.9:
// stop accepting new bridge connections, drain in-flight sessions and
// backends with a bounded grace period, close sockets, remove socket/pid
// artifacts. Partial cleanup failures are logged, not returned, per
// spec.md §9.
func (s *Supervisor) Serve(ctx context.Context) error {
	logger := s.opts.Logger

	errCh := make(chan error, 2)
	go func() { errCh <- s.control.Serve(ctx) }()
	go func() { errCh <- s.rpc.Serve(ctx) }()

	logger.Info("mcp-center ready",
		"root", s.opts.Layout.Root(),
		"pid", os.Getpid(),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			logger.Error("listener failed", "error", err)
			s.shutdown(context.Background())
			return mcperr.Wrap(mcperr.KindInternal, err, "listener failed")
		}
	}

	s.shutdown(context.Background())
	return nil
}

func (s *Supervisor) shutdown(parent context.Context) {
	logger := s.opts.Logger

	drainTimeout := s.opts.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	drainCtx, cancel := context.WithTimeout(parent, drainTimeout)
	defer cancel()

	if s.watchCancel != nil {
		s.watchCancel()
	}

	if err := s.control.Shutdown(drainCtx); err != nil {
		logger.Warn("control listener shutdown error", "error", err)
	}
	if err := s.rpc.Shutdown(drainCtx); err != nil {
		logger.Warn("rpc listener shutdown error", "error", err)
	}

	s.manager.ShutdownAll(drainCtx)

	if err := os.Remove(s.opts.Layout.PidFilePath()); err != nil && !os.IsNotExist(err) {
		logger.Warn("removing pid file", "error", err)
	}
	if err := s.lock.Unlock(); err != nil {
		logger.Warn("releasing daemon lock", "error", err)
	}
	if err := os.Remove(s.opts.Layout.LockFilePath()); err != nil && !os.IsNotExist(err) {
		logger.Warn("removing lock file", "error", err)
	}

	logger.Info("mcp-center stopped")
}

func writePidFile(l layout.Layout) error {
	pid := strconv.Itoa(os.Getpid())
	if err := layout.WriteAtomic(l.PidFilePath(), []byte(pid+"\n"), 0o644); err != nil {
		return mcperr.Wrap(mcperr.KindConfigIo, err, "writing pid file").WithPath(l.PidFilePath())
	}
	return nil
}

func writeSchemaMarker(l layout.Layout) error {
	path := l.ProjectsSchemaMarkerPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return mcperr.Wrap(mcperr.KindProjectIo, err, "statting schema marker").WithPath(path)
	}
	if err := layout.WriteAtomic(path, []byte(projectsSchemaVersion), 0o644); err != nil {
		return mcperr.Wrap(mcperr.KindProjectIo, err, "writing schema marker").WithPath(path)
	}
	return nil
}

// IsAlreadyRunning reports whether err indicates the single-instance lock
// was already held (mcperr.KindDaemonAlreadyRunning).
func IsAlreadyRunning(err error) bool {
	return mcperr.KindOf(err) == mcperr.KindDaemonAlreadyRunning
}
