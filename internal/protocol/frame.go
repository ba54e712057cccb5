package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"distfs/internal/distfserr"
)

// DefaultMaxFrameBytes is the default frame-size ceiling from spec.md §4.1.
const DefaultMaxFrameBytes = 64 << 20

// WriteFrame writes m to w as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func WriteFrame(w io.Writer, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return distfserr.Wrap(distfserr.KindProtocol, "encode message", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return distfserr.Wrap(distfserr.KindProtocol, "write frame length", err)
	}
	if _, err := w.Write(data); err != nil {
		return distfserr.Wrap(distfserr.KindProtocol, "write frame body", err)
	}
	return nil
}

// ReadFrame reads one frame from r, rejecting frames above maxBytes. A
// maxBytes of 0 uses DefaultMaxFrameBytes.
func ReadFrame(r io.Reader, maxBytes uint32) (*Message, error) {
	if maxBytes == 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, distfserr.Wrap(distfserr.KindProtocol, "read frame length", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxBytes {
		return nil, distfserr.New(distfserr.KindProtocol, fmt.Sprintf("frame of %d bytes exceeds ceiling %d", n, maxBytes))
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, distfserr.Wrap(distfserr.KindProtocol, "read frame body", err)
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, distfserr.Wrap(distfserr.KindProtocol, "decode message", err)
	}
	if err := validateRequired(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func validateRequired(m *Message) error {
	if m.Type == "" || m.Action == "" {
		return distfserr.New(distfserr.KindProtocol, "missing required type/action field")
	}
	return nil
}

// EncodeDatagram marshals m as raw JSON with no length prefix, for UDP
// discovery frames per spec.md §4.1.
func EncodeDatagram(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, distfserr.Wrap(distfserr.KindProtocol, "encode datagram", err)
	}
	return data, nil
}

// DecodeDatagram parses a raw UDP discovery datagram.
func DecodeDatagram(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, distfserr.Wrap(distfserr.KindProtocol, "decode datagram", err)
	}
	if err := validateRequired(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
