package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MaxFrameSize bounds a single mesh frame. Anything larger is treated as a
// protocol violation and the sending peer is dropped.
const MaxFrameSize = 64 * 1024

// lenPrefixSize is the fixed big-endian length prefix in front of every frame.
const lenPrefixSize = 4

// envelope is the JSON body of a mesh frame.
type envelope struct {
	Type      uint8           `json:"type"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a packet into a length-prefixed frame ready to write to
// a TCP socket.
func Encode(pkt Packet) ([]byte, error) {
	body, err := json.Marshal(envelope{
		Type:      uint8(pkt.Type),
		Sender:    pkt.Sender,
		Timestamp: pkt.Timestamp,
		Payload:   pkt.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s packet: %w", pkt.Type, err)
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%s packet exceeds max frame size: %d bytes", pkt.Type, len(body))
	}

	frame := make([]byte, lenPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lenPrefixSize], uint32(len(body)))
	copy(frame[lenPrefixSize:], body)
	return frame, nil
}

// Decode deserializes one frame body (without the length prefix).
func Decode(body []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Packet{}, fmt.Errorf("malformed packet body: %w", err)
	}
	return Packet{
		Type:      PacketType(env.Type),
		Sender:    env.Sender,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}, nil
}

// FrameBuffer accumulates raw bytes from a TCP stream and extracts complete
// length-prefixed frames regardless of how the stream was segmented. One
// buffer belongs to exactly one peer connection.
type FrameBuffer struct {
	data []byte
}

// Append adds freshly read bytes to the buffer.
func (b *FrameBuffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Len returns the number of buffered, not yet consumed bytes.
func (b *FrameBuffer) Len() int {
	return len(b.data)
}

// Next extracts and decodes the next complete frame. It returns ok=false
// when the buffer does not yet hold a full frame. A non-nil error means the
// stream is unrecoverable (oversized or undecodable frame) and the caller
// should drop the connection.
func (b *FrameBuffer) Next() (Packet, bool, error) {
	if len(b.data) < lenPrefixSize {
		return Packet{}, false, nil
	}
	size := binary.BigEndian.Uint32(b.data[:lenPrefixSize])
	if size > MaxFrameSize {
		return Packet{}, false, fmt.Errorf("frame length %d exceeds maximum %d", size, MaxFrameSize)
	}
	if len(b.data) < lenPrefixSize+int(size) {
		return Packet{}, false, nil
	}

	body := b.data[lenPrefixSize : lenPrefixSize+int(size)]
	pkt, err := Decode(body)
	if err != nil {
		return Packet{}, false, err
	}
	b.data = b.data[lenPrefixSize+int(size):]
	return pkt, true, nil
}
