// Package configstore loads, validates, and persists BackendDefinitions —
// the daemon's on-disk record of every configured MCP backend.
package configstore

import (
	"net/url"
	"time"

	"github.com/mcp-center/mcp-center/internal/mcperr"
)

// Protocol identifies a backend's transport kind.
type Protocol string

const (
	ProtocolStdio         Protocol = "stdio"
	ProtocolSse           Protocol = "sse"
	ProtocolStreamingHTTP Protocol = "streaming-http"
)

// BackendDefinition is the persistent configuration of one MCP backend
// (spec.md §3.1).
type BackendDefinition struct {
	ID       string   `toml:"id"`
	Name     string   `toml:"name"`
	Protocol Protocol `toml:"protocol"`
	Enabled  bool     `toml:"enabled"`

	// Stdio transport fields.
	Command string            `toml:"command,omitempty"`
	Args    []string          `toml:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty"`

	// Sse / StreamingHttp transport fields.
	Endpoint string            `toml:"endpoint,omitempty"`
	Headers  map[string]string `toml:"headers,omitempty"`

	CreatedAt  time.Time `toml:"created_at,omitempty"`
	LastSeenAt time.Time `toml:"last_seen_at,omitempty"`
}

// Validate enforces the invariants of spec.md §3.1/§4.2: name non-empty;
// stdio backends require a non-empty command; remote backends require an
// absolute http(s) endpoint URL.
func (d *BackendDefinition) Validate() error {
	if d.Name == "" {
		return mcperr.New(mcperr.KindConfigValidation, "name must not be empty").WithField("name").WithID(d.ID)
	}

	switch d.Protocol {
	case ProtocolStdio:
		if d.Command == "" {
			return mcperr.New(mcperr.KindConfigValidation, "command must not be empty for stdio backends").
				WithField("command").WithID(d.ID)
		}
	case ProtocolSse, ProtocolStreamingHTTP:
		if d.Endpoint == "" {
			return mcperr.New(mcperr.KindConfigValidation, "endpoint is required for remote backends").
				WithField("endpoint").WithID(d.ID)
		}
		u, err := url.Parse(d.Endpoint)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return mcperr.Wrap(mcperr.KindConfigValidation, err, "endpoint must be an absolute http(s) URL").
				WithField("endpoint").WithID(d.ID)
		}
	default:
		return mcperr.New(mcperr.KindConfigValidation, "unsupported protocol").WithField("protocol").WithID(d.ID)
	}
	return nil
}
