// Package layout resolves the on-disk directory tree the daemon operates
// under and provides the atomic-write helper every file-backed store in
// the daemon uses.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mcp-center/mcp-center/internal/pathutil"
)

// EnvRoot is the environment variable overriding the default root.
const EnvRoot = "MCP_CENTER_ROOT"

// Layout computes every path the daemon reads or writes, rooted under a
// single directory. It holds no state beyond that root; every method is a
// pure path computation or a directory-creation side effect.
type Layout struct {
	root string
}

// New returns a Layout rooted at root. root is not required to exist yet;
// call Ensure to create the directory tree.
func New(root string) Layout {
	return Layout{root: root}
}

// DefaultRoot resolves the root directory used when --root is not given:
// MCP_CENTER_ROOT (tilde-expanded) if set, otherwise $HOME/.mcp-center (or
// %USERPROFILE% on platforms without HOME).
func DefaultRoot() (string, error) {
	if env := os.Getenv(EnvRoot); env != "" {
		return pathutil.ExpandTilde(env)
	}
	home, err := pathutil.ExpandTilde("~")
	if err != nil {
		return "", fmt.Errorf("determining default root: %w", err)
	}
	return filepath.Join(home, ".mcp-center"), nil
}

// Resolve builds a Layout from an explicit --root flag value (which may be
// empty, in which case DefaultRoot / MCP_CENTER_ROOT apply) and expands a
// leading "~".
func Resolve(rootFlag string) (Layout, error) {
	if rootFlag == "" {
		root, err := DefaultRoot()
		if err != nil {
			return Layout{}, err
		}
		return New(root), nil
	}
	expanded, err := pathutil.ExpandTilde(rootFlag)
	if err != nil {
		return Layout{}, err
	}
	return New(expanded), nil
}

// Root returns the root directory.
func (l Layout) Root() string { return l.root }

// ConfigDir is config/.
func (l Layout) ConfigDir() string { return filepath.Join(l.root, "config") }

// ServersDir is config/servers/, one .toml file per BackendDefinition.
func (l Layout) ServersDir() string { return filepath.Join(l.ConfigDir(), "servers") }

// ServerConfigPath is config/servers/<id>.toml.
func (l Layout) ServerConfigPath(id string) string {
	return filepath.Join(l.ServersDir(), id+".toml")
}

// ProjectsDir is projects/, one .toml file per ProjectRecord.
func (l Layout) ProjectsDir() string { return filepath.Join(l.root, "projects") }

// ProjectRecordPath is projects/<project_id>.toml.
func (l Layout) ProjectRecordPath(id string) string {
	return filepath.Join(l.ProjectsDir(), id+".toml")
}

// ProjectsSchemaMarkerPath is projects/.schema, recording the path-encoding
// choice made at first boot of this root (see DESIGN.md, Open Question
// decisions).
func (l Layout) ProjectsSchemaMarkerPath() string {
	return filepath.Join(l.ProjectsDir(), ".schema")
}

// LogsDir is logs/.
func (l Layout) LogsDir() string { return filepath.Join(l.root, "logs") }

// BackendLogPath is logs/<backend_id>.log.
func (l Layout) BackendLogPath(backendID string) string {
	return filepath.Join(l.LogsDir(), backendID+".log")
}

// DaemonLogPath is logs/daemon.log, the Supervisor's own rolling log.
func (l Layout) DaemonLogPath() string { return filepath.Join(l.LogsDir(), "daemon.log") }

// ControlSocketPath is the bridge handshake + tunnel endpoint.
func (l Layout) ControlSocketPath() string { return filepath.Join(l.root, controlSocketName) }

// RpcSocketPath is the administrative line-delimited JSON endpoint.
func (l Layout) RpcSocketPath() string { return filepath.Join(l.root, rpcSocketName) }

// PidFilePath is mcp-center.pid, decimal pid, newline-terminated.
func (l Layout) PidFilePath() string { return filepath.Join(l.root, "mcp-center.pid") }

// LockFilePath is daemon.lock, an advisory flock guarding single-instance
// enforcement (see SPEC_FULL.md, Supplemented features).
func (l Layout) LockFilePath() string { return filepath.Join(l.root, "daemon.lock") }

// Ensure creates every directory the daemon needs, idempotently.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.root, l.ConfigDir(), l.ServersDir(), l.ProjectsDir(), l.LogsDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// ListServerConfigs returns the absolute paths of every *.toml file under
// ServersDir, sorted by name. A missing directory yields an empty slice,
// not an error — ConfigStore treats "no backends configured yet" as valid.
func (l Layout) ListServerConfigs() ([]string, error) {
	return listTomlFiles(l.ServersDir())
}

// ListProjectRecords returns the absolute paths of every *.toml file under
// ProjectsDir, sorted by name.
func (l Layout) ListProjectRecords() ([]string, error) {
	return listTomlFiles(l.ProjectsDir())
}

func listTomlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

// WriteAtomic writes data to path by first writing a temporary sibling
// file in the same directory, then renaming it over path. This guarantees
// a concurrent reader, or a process crashing mid-write, never observes a
// truncated or partially-written file at path (spec.md P6 / Scenario 6).
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}
	return nil
}
