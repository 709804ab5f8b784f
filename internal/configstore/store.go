package configstore

import (
	"crypto/rand"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/mcp-center/mcp-center/internal/layout"
	"github.com/mcp-center/mcp-center/internal/log"
	"github.com/mcp-center/mcp-center/internal/mcperr"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const idLength = 8
const maxIDAssignAttempts = 16

// Store loads, validates, and persists BackendDefinitions under a Layout.
// It owns config/servers/*.toml exclusively; nothing else writes there.
type Store struct {
	layout layout.Layout
	logger log.Logger
}

// New returns a Store rooted at l.
func New(l layout.Layout, logger log.Logger) *Store {
	return &Store{layout: l, logger: logger.With("component", "configstore")}
}

// LoadAll loads every BackendDefinition under config/servers/, skipping
// files with an unrecognized extension (Layout.ListServerConfigs already
// filters to *.toml). The first file that fails to load or parse fails the
// whole load, and its error carries the file's path.
func (s *Store) LoadAll() ([]BackendDefinition, error) {
	paths, err := s.layout.ListServerConfigs()
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindConfigIo, err, "listing server configs")
	}

	defs := make([]BackendDefinition, 0, len(paths))
	for _, path := range paths {
		def, err := loadOne(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func loadOne(path string) (BackendDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BackendDefinition{}, mcperr.Wrap(mcperr.KindConfigIo, err, "reading backend config").WithPath(path)
	}
	var def BackendDefinition
	if err := toml.Unmarshal(data, &def); err != nil {
		return BackendDefinition{}, mcperr.Wrap(mcperr.KindConfigParse, err, "parsing backend config").WithPath(path)
	}
	return def, nil
}

// AssignUniqueID selects an 8-character lowercase alphanumeric id not
// present in existing, retrying on collision up to maxIDAssignAttempts
// times before failing (spec.md §4.2 — the original Rust implementation
// retries unboundedly; spec.md's explicit bound wins, see DESIGN.md).
func AssignUniqueID(existing map[string]struct{}) (string, error) {
	for attempt := 0; attempt < maxIDAssignAttempts; attempt++ {
		id, err := randomID()
		if err != nil {
			return "", mcperr.Wrap(mcperr.KindInternal, err, "generating random id")
		}
		if _, taken := existing[id]; !taken {
			return id, nil
		}
	}
	return "", mcperr.New(mcperr.KindConfigIDCollisionExhausted, "exhausted id assignment attempts")
}

func randomID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	id := make([]byte, idLength)
	for i, b := range buf {
		id[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(id), nil
}

// Save validates def and writes it to config/servers/<id>.toml atomically.
// If a file already exists at that path, fields present in it but not in
// the BackendDefinition struct (future additions an older binary doesn't
// know about) are preserved across the round-trip, matching spec.md P1.
func (s *Store) Save(def BackendDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	path := s.layout.ServerConfigPath(def.ID)
	merged, err := mergeUnknownFields(path, def)
	if err != nil {
		return err
	}

	data, err := toml.Marshal(merged)
	if err != nil {
		return mcperr.Wrap(mcperr.KindInternal, err, "serialising backend config").WithID(def.ID)
	}
	if err := layout.WriteAtomic(path, data, 0o640); err != nil {
		return mcperr.Wrap(mcperr.KindConfigIo, err, "writing backend config").WithPath(path)
	}
	s.logger.Info("saved backend definition", "id", def.ID, "name", def.Name)
	return nil
}

// mergeUnknownFields loads the raw map at path (if it exists), overlays
// the known fields from def, and returns a map ready for re-serialisation
// so unrecognized keys survive a save performed by this binary.
func mergeUnknownFields(path string, def BackendDefinition) (map[string]any, error) {
	raw := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, mcperr.Wrap(mcperr.KindConfigParse, err, "re-reading backend config before save").WithPath(path)
		}
	} else if !os.IsNotExist(err) {
		return nil, mcperr.Wrap(mcperr.KindConfigIo, err, "reading backend config before save").WithPath(path)
	}

	encoded, err := toml.Marshal(def)
	if err != nil {
		return nil, mcperr.Wrap(mcperr.KindInternal, err, "encoding backend config").WithID(def.ID)
	}
	known := map[string]any{}
	if err := toml.Unmarshal(encoded, &known); err != nil {
		return nil, mcperr.Wrap(mcperr.KindInternal, err, "re-decoding backend config").WithID(def.ID)
	}
	for k, v := range known {
		raw[k] = v
	}
	return raw, nil
}

// Remove deletes the BackendDefinition file for id. Removing a file that
// does not exist is not an error.
func (s *Store) Remove(id string) error {
	path := s.layout.ServerConfigPath(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return mcperr.Wrap(mcperr.KindConfigIo, err, "removing backend config").WithPath(path)
	}
	return nil
}

// NextID is a convenience wrapper computing existing ids from defs and
// assigning a fresh one.
func NextID(defs []BackendDefinition) (string, error) {
	existing := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		existing[d.ID] = struct{}{}
	}
	return AssignUniqueID(existing)
}
