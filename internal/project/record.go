package project

import "time"

// ToolPermissionKind selects how a backend's tools are filtered for one
// project (spec.md §3.1).
type ToolPermissionKind string

const (
	PermissionAll       ToolPermissionKind = "all"
	PermissionAllowList ToolPermissionKind = "allow_list"
	PermissionDenyList  ToolPermissionKind = "deny_list"
)

// ToolPermission is the tagged union `All | AllowList(set) | DenyList(set)`.
// Absence in ProjectRecord.ToolPermissions means All.
type ToolPermission struct {
	Kind ToolPermissionKind  `toml:"kind"`
	Set  map[string]struct{} `toml:"-"`
	// SetList is Set's TOML-serializable form; Set is rebuilt from it on
	// load via normalize.
	SetList []string `toml:"set,omitempty"`
}

// Allows reports whether tool passes this permission.
func (p ToolPermission) Allows(tool string) bool {
	switch p.Kind {
	case PermissionAllowList:
		_, ok := p.Set[tool]
		return ok
	case PermissionDenyList:
		_, denied := p.Set[tool]
		return !denied
	default:
		return true
	}
}

func (p *ToolPermission) normalize() {
	if p.Set == nil && len(p.SetList) > 0 {
		p.Set = make(map[string]struct{}, len(p.SetList))
		for _, t := range p.SetList {
			p.Set[t] = struct{}{}
		}
	}
}

func (p *ToolPermission) syncList() {
	p.SetList = p.SetList[:0]
	for t := range p.Set {
		p.SetList = append(p.SetList, t)
	}
}

// Record is the persistent per-project policy of spec.md §3.1.
type Record struct {
	ID          ID     `toml:"id"`
	Path        string `toml:"path"`
	DisplayName string `toml:"display_name,omitempty"`
	Agent       string `toml:"agent,omitempty"`

	AllowedServerIDs map[string]struct{} `toml:"-"`
	AllowedServerList []string            `toml:"allowed_server_ids,omitempty"`

	ToolPermissions map[string]ToolPermission `toml:"tool_permissions,omitempty"`

	// ToolCustomizations: backend id -> tool name -> override description.
	ToolCustomizations map[string]map[string]string `toml:"tool_customizations,omitempty"`

	Metadata map[string]any `toml:"metadata,omitempty"`

	CreatedAt  time.Time `toml:"created_at"`
	LastSeenAt time.Time `toml:"last_seen_at"`
}

// NewRecord builds a fresh Record for a brand-new project at canonicalPath,
// seeded with allow-all visibility of every currently enabled backend id
// (SPEC_FULL.md "Supplemented features" — spec.md §3.1 leaves the default
// for allowed_server_ids unspecified).
func NewRecord(id ID, canonicalPath, agent string, enabledBackendIDs []string, now time.Time) *Record {
	r := &Record{
		ID:               id,
		Path:             canonicalPath,
		Agent:            agent,
		AllowedServerIDs: make(map[string]struct{}, len(enabledBackendIDs)),
		CreatedAt:        now,
		LastSeenAt:       now,
	}
	for _, id := range enabledBackendIDs {
		r.AllowedServerIDs[id] = struct{}{}
	}
	return r
}

// Touch updates LastSeenAt to now.
func (r *Record) Touch(now time.Time) { r.LastSeenAt = now }

// AllowsServer reports whether backendID is in the project's allow-set.
func (r *Record) AllowsServer(backendID string) bool {
	_, ok := r.AllowedServerIDs[backendID]
	return ok
}

// ToolPermissionFor returns the effective ToolPermission for backendID,
// defaulting to All when absent.
func (r *Record) ToolPermissionFor(backendID string) ToolPermission {
	if p, ok := r.ToolPermissions[backendID]; ok {
		p.normalize()
		return p
	}
	return ToolPermission{Kind: PermissionAll}
}

// CustomDescription returns the override description for (backendID, tool)
// and whether one is set.
func (r *Record) CustomDescription(backendID, tool string) (string, bool) {
	byBackend, ok := r.ToolCustomizations[backendID]
	if !ok {
		return "", false
	}
	desc, ok := byBackend[tool]
	return desc, ok
}

// AllowServers adds ids to the project's allow-set.
func (r *Record) AllowServers(ids []string) {
	if r.AllowedServerIDs == nil {
		r.AllowedServerIDs = map[string]struct{}{}
	}
	for _, id := range ids {
		r.AllowedServerIDs[id] = struct{}{}
	}
}

// DenyServers removes ids from the project's allow-set.
func (r *Record) DenyServers(ids []string) {
	for _, id := range ids {
		delete(r.AllowedServerIDs, id)
	}
}

// SetToolPermission replaces the policy for backendID.
func (r *Record) SetToolPermission(backendID string, p ToolPermission) {
	if r.ToolPermissions == nil {
		r.ToolPermissions = map[string]ToolPermission{}
	}
	p.syncList()
	r.ToolPermissions[backendID] = p
}

// SetToolCustomization sets a description override for (backendID, tool).
func (r *Record) SetToolCustomization(backendID, tool, description string) {
	if r.ToolCustomizations == nil {
		r.ToolCustomizations = map[string]map[string]string{}
	}
	if r.ToolCustomizations[backendID] == nil {
		r.ToolCustomizations[backendID] = map[string]string{}
	}
	r.ToolCustomizations[backendID][tool] = description
}

// ResetToolCustomization removes a description override.
func (r *Record) ResetToolCustomization(backendID, tool string) {
	if byBackend, ok := r.ToolCustomizations[backendID]; ok {
		delete(byBackend, tool)
	}
}

// normalize rebuilds map-from-list fields after a TOML decode; syncLists
// does the reverse before an encode, keeping the two representations in
// sync across the round-trip required for P1-style back-compat loading.
func (r *Record) normalize() {
	if r.AllowedServerIDs == nil && len(r.AllowedServerList) > 0 {
		r.AllowedServerIDs = make(map[string]struct{}, len(r.AllowedServerList))
		for _, id := range r.AllowedServerList {
			r.AllowedServerIDs[id] = struct{}{}
		}
	}
	for backendID, p := range r.ToolPermissions {
		p.normalize()
		r.ToolPermissions[backendID] = p
	}
}

func (r *Record) syncLists() {
	r.AllowedServerList = r.AllowedServerList[:0]
	for id := range r.AllowedServerIDs {
		r.AllowedServerList = append(r.AllowedServerList, id)
	}
	for backendID, p := range r.ToolPermissions {
		p.syncList()
		r.ToolPermissions[backendID] = p
	}
}
