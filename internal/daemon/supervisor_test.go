package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
)

func newTestSupervisor(t *testing.T) (*Supervisor, layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	sup := New(Options{
		Layout:       l,
		Logger:       log.NewNop(),
		DrainTimeout: 2 * time.Second,
	})
	return sup, l
}

// TestSupervisorBootWritesPidAndLockFiles covers spec.md §4.9's "writes the
// pid file" step plus the supplemented single-instance lock: after Boot,
// both artifacts exist, and a second Supervisor over the same root fails
// fast rather than racing for the sockets.
func TestSupervisorBootWritesPidAndLockFiles(t *testing.T) {
	sup, l := newTestSupervisor(t)
	ctx := context.Background()

	if err := sup.Boot(ctx); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	t.Cleanup(func() { sup.shutdown(context.Background()) })

	if _, err := os.Stat(l.PidFilePath()); err != nil {
		t.Fatalf("pid file missing: %v", err)
	}
	if _, err := os.Stat(l.LockFilePath()); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
	if _, err := os.Stat(l.ProjectsSchemaMarkerPath()); err != nil {
		t.Fatalf("schema marker missing: %v", err)
	}

	second := New(Options{Layout: l, Logger: log.NewNop()})
	err := second.Boot(ctx)
	if err == nil {
		t.Fatal("second Boot() over the same root expected an error, got nil")
	}
	if !IsAlreadyRunning(err) {
		t.Fatalf("IsAlreadyRunning(%v) = false, want true", err)
	}
}

// TestSupervisorServeCleansUpOnShutdown covers the shutdown sequence: once
// Serve's context is cancelled, the pid and lock files are removed.
func TestSupervisorServeCleansUpOnShutdown(t *testing.T) {
	sup, l := newTestSupervisor(t)
	ctx, cancel := context.WithCancel(context.Background())

	if err := sup.Boot(ctx); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sup.Serve(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after context cancellation")
	}

	if _, err := os.Stat(l.PidFilePath()); !os.IsNotExist(err) {
		t.Fatalf("pid file still present after shutdown: %v", err)
	}
	if _, err := os.Stat(l.LockFilePath()); !os.IsNotExist(err) {
		t.Fatalf("lock file still present after shutdown: %v", err)
	}
}
