package layout

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCreatesTree(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	l := New(root)

	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	for _, dir := range []string{l.Root(), l.ConfigDir(), l.ServersDir(), l.ProjectsDir(), l.LogsDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %s to be a directory", dir)
		}
	}
}

func TestResolveEnvFallback(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvRoot, root)

	l, err := Resolve("")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if l.Root() != root {
		t.Fatalf("Resolve() root = %q, want %q", l.Root(), root)
	}
}

func TestResolveExplicitFlagWinsOverEnv(t *testing.T) {
	t.Setenv(EnvRoot, t.TempDir())
	explicit := t.TempDir()

	l, err := Resolve(explicit)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if l.Root() != explicit {
		t.Fatalf("Resolve() root = %q, want %q", l.Root(), explicit)
	}
}

func TestListServerConfigsEmptyBeforeEnsure(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "missing"))
	paths, err := l.ListServerConfigs()
	if err != nil {
		t.Fatalf("ListServerConfigs() error = %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected no configs, got %v", paths)
	}
}

func TestListServerConfigsIgnoresNonToml(t *testing.T) {
	l := New(t.TempDir())
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(l.ServersDir(), "a.toml"), []byte(""), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(l.ServersDir(), "README.md"), []byte(""), 0o640); err != nil {
		t.Fatal(err)
	}

	paths, err := l.ListServerConfigs()
	if err != nil {
		t.Fatalf("ListServerConfigs() error = %v", err)
	}
	if len(paths) != 1 || filepath.Base(paths[0]) != "a.toml" {
		t.Fatalf("ListServerConfigs() = %v", paths)
	}
}

func TestWriteAtomicNeverLeavesPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.toml")

	if err := WriteAtomic(path, []byte("id = \"abc\"\n"), 0o640); err != nil {
		t.Fatalf("WriteAtomic() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "id = \"abc\"\n" {
		t.Fatalf("unexpected content: %q", data)
	}

	// A second write must fully replace, never merge/truncate-in-place.
	if err := WriteAtomic(path, []byte("id = \"def\"\n"), 0o640); err != nil {
		t.Fatalf("WriteAtomic() second error = %v", err)
	}
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "id = \"def\"\n" {
		t.Fatalf("unexpected content after overwrite: %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file in %s, got %v", dir, entries)
	}
}
