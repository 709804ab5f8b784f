package bridge

import (
	"bytes"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := bridgeHello{Type: "BridgeHello", ProjectPath: "/tmp/project", Agent: "cursor", BridgePid: 4242}

	if err := writeFrame(&buf, want); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}

	payload, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}

	typ, err := frameType(payload)
	if err != nil {
		t.Fatalf("frameType() error = %v", err)
	}
	if typ != "BridgeHello" {
		t.Fatalf("frameType() = %q, want BridgeHello", typ)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // huge length, no body

	if _, err := readFrame(&buf); err == nil {
		t.Fatal("readFrame() expected error for oversized frame, got nil")
	}
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x01})

	if _, err := readFrame(buf); err == nil {
		t.Fatal("readFrame() expected error for truncated header, got nil")
	}
}

func TestFrameTypeRejectsMalformedJSON(t *testing.T) {
	if _, err := frameType([]byte("not json")); err == nil {
		t.Fatal("frameType() expected error for malformed JSON, got nil")
	}
}
