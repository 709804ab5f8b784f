package configstore

import (
	"regexp"
	"testing"

	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
)

func newTestStore(t *testing.T) (*Store, layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	return New(l, log.NewNop()), l
}

var idPattern = regexp.MustCompile(`^[0-9a-z]{8}$`)

// TestIDAssignment is Scenario 1 from spec.md §8.
func TestIDAssignment(t *testing.T) {
	store, l := newTestStore(t)

	id, err := AssignUniqueID(nil)
	if err != nil {
		t.Fatalf("AssignUniqueID() error = %v", err)
	}
	if !idPattern.MatchString(id) {
		t.Fatalf("id %q does not match ^[0-9a-z]{8}$", id)
	}

	def := BackendDefinition{
		ID:       id,
		Name:     "demo",
		Protocol: ProtocolStdio,
		Command:  "node server.js",
	}
	if err := store.Save(def); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := loadOne(l.ServerConfigPath(id))
	if err != nil {
		t.Fatalf("loadOne() error = %v", err)
	}
	if !idPattern.MatchString(loaded.ID) {
		t.Fatalf("stored id %q does not match ^[0-9a-z]{8}$", loaded.ID)
	}
	if loaded.Enabled {
		t.Fatalf("expected enabled=false by default, got true")
	}
}

func TestAssignUniqueIDReturnsFreshID(t *testing.T) {
	existing := map[string]struct{}{}
	// The exhaustion path is not exercised: saturating the id space would
	// take 36^8 entries. This checks that AssignUniqueID succeeds and
	// returns an id not in the existing set.
	id, err := AssignUniqueID(existing)
	if err != nil {
		t.Fatalf("AssignUniqueID() error = %v", err)
	}
	if _, taken := existing[id]; taken {
		t.Fatalf("expected fresh id, got %q", id)
	}
}

func TestValidateRejectsEmptyCommand(t *testing.T) {
	def := BackendDefinition{ID: "abc12345", Name: "demo", Protocol: ProtocolStdio}
	if err := def.Validate(); err == nil {
		t.Fatal("expected validation error for empty command")
	}
}

func TestValidateRejectsNonAbsoluteEndpoint(t *testing.T) {
	def := BackendDefinition{ID: "abc12345", Name: "demo", Protocol: ProtocolSse, Endpoint: "/relative"}
	if err := def.Validate(); err == nil {
		t.Fatal("expected validation error for relative endpoint")
	}
}

func TestValidateAcceptsHttpsEndpoint(t *testing.T) {
	def := BackendDefinition{ID: "abc12345", Name: "demo", Protocol: ProtocolStreamingHTTP, Endpoint: "https://example.com/mcp"}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

// TestSavePreservesUnknownFields is P1 from spec.md §8.
func TestSavePreservesUnknownFields(t *testing.T) {
	store, l := newTestStore(t)
	def := BackendDefinition{ID: "abc12345", Name: "demo", Protocol: ProtocolStdio, Command: "node server.js"}
	if err := store.Save(def); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Simulate a hand-edit adding a field this binary doesn't model.
	path := l.ServerConfigPath(def.ID)
	raw, err := readRawForTest(path)
	if err != nil {
		t.Fatal(err)
	}
	raw["nickname"] = "my-demo-server"
	if err := writeRawForTest(path, raw); err != nil {
		t.Fatal(err)
	}

	def.Enabled = true
	if err := store.Save(def); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	raw, err = readRawForTest(path)
	if err != nil {
		t.Fatal(err)
	}
	if raw["nickname"] != "my-demo-server" {
		t.Fatalf("expected unknown field to survive round-trip, got %v", raw)
	}
	if raw["enabled"] != true {
		t.Fatalf("expected enabled=true to be saved, got %v", raw["enabled"])
	}
}
