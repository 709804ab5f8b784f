package bridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mcp-center/mcp-center/internal/mcperr"
)

// maxFrameBytes bounds a single handshake frame, guarding against a
// misbehaving or malicious peer sending an unbounded length prefix.
const maxFrameBytes = 1 << 20

// bridgeHello is the client-to-daemon handshake frame of spec.md §6.
type bridgeHello struct {
	Type        string          `json:"type"`
	ProjectPath string          `json:"projectPath"`
	Agent       string          `json:"agent,omitempty"`
	BridgePid   int             `json:"bridgePid,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// bridgeReady is the daemon-to-client handshake frame of spec.md §6.
type bridgeReady struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	DaemonPid int             `json:"daemonPid"`
	Info      json.RawMessage `json:"info,omitempty"`
}

// bridgeError may be sent by either side to abort the handshake.
type bridgeError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// writeFrame writes a single length-prefixed UTF-8 JSON frame: a 4-byte
// big-endian length prefix followed by the JSON encoding of v.
func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame and returns its raw
// bytes, leaving r positioned at the start of whatever follows (the MCP
// tunnel, once the handshake completes).
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxFrameBytes {
		return nil, mcperr.New(mcperr.KindBridgeHandshakeFailed, "frame too large")
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return payload, nil
}

// frameType peeks at a decoded frame's discriminator without committing to
// a concrete struct, mirroring the tagged-union dispatch
// original_source/.../daemon/control.rs's ControlMessage enum performs via
// serde's `tag = "type"`.
func frameType(payload []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", mcperr.Wrap(mcperr.KindBridgeHandshakeFailed, err, "decoding frame")
	}
	return probe.Type, nil
}
