package protocol

import (
	"bytes"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	m, err := New(TypeCommand, ActionWrite, "a.txt", "node-a", map[string]string{"data": "hello"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, m); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	if got.Type != m.Type || got.Action != m.Action || got.Path != m.Path || got.Origin != m.Origin {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
	if !Verify(got) {
		t.Fatalf("checksum verification failed on round-tripped message")
	}
}

func TestChecksumTamperDetected(t *testing.T) {
	m, err := New(TypeCommand, ActionRead, "a.txt", "node-a", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !Verify(m) {
		t.Fatalf("expected fresh message to verify")
	}

	m.Path = "b.txt"
	if Verify(m) {
		t.Fatalf("expected tampered message to fail verification")
	}
}

func TestReadFrameRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // declares ~4GiB body
	if _, err := ReadFrame(&buf, 1024); err == nil {
		t.Fatalf("expected oversize frame to be rejected")
	}
}

func TestReadFrameRejectsMissingFields(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"origin":"node-a"}`)
	WriteFrameRaw(t, &buf, body)

	if _, err := ReadFrame(&buf, 0); err == nil {
		t.Fatalf("expected missing type/action to be rejected")
	}
}

// WriteFrameRaw writes a pre-encoded body with its length prefix, bypassing
// Message validation — used to construct malformed frames for tests.
func WriteFrameRaw(t *testing.T, buf *bytes.Buffer, body []byte) {
	t.Helper()
	length := uint32(len(body))
	buf.WriteByte(byte(length >> 24))
	buf.WriteByte(byte(length >> 16))
	buf.WriteByte(byte(length >> 8))
	buf.WriteByte(byte(length))
	buf.Write(body)
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	m := &Message{Timestamp: float64(now.Add(-10 * time.Minute).UnixNano()) / 1e9}
	if !IsStale(m, now) {
		t.Fatalf("expected message 10m old to be stale")
	}

	m2 := &Message{Timestamp: float64(now.Add(-30 * time.Second).UnixNano()) / 1e9}
	if IsStale(m2, now) {
		t.Fatalf("expected message 30s old to not be stale")
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	m, err := New(TypeDiscovery, ActionAnnounce, "", "node-a", map[string]any{"port": 9000, "version": "1.0"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := EncodeDatagram(m)
	if err != nil {
		t.Fatalf("EncodeDatagram: %v", err)
	}
	got, err := DecodeDatagram(data)
	if err != nil {
		t.Fatalf("DecodeDatagram: %v", err)
	}
	if got.Action != ActionAnnounce || got.Origin != "node-a" {
		t.Fatalf("datagram round trip mismatch: %+v", got)
	}
}
