package protocol

import (
	"encoding/json"
	"fmt"
)

// AppIdentifier guards the discovery port against datagrams from unrelated
// software broadcasting on the same port.
const AppIdentifier = "typerace-mesh"

// announceType is the only discovery message type. Discovery is
// fire-and-forget: there is no acknowledgment round-trip, staleness is
// bounded by the receiver's cleanup sweep.
const announceType = "DISCOVERY"

// Room status values carried in announces.
const (
	StatusWaiting   = "waiting"
	StatusCountdown = "countdown"
	StatusRacing    = "racing"
)

// Announce is the UDP broadcast datagram a room host fires once per announce
// interval.
type Announce struct {
	App         string `json:"app"`
	Type        string `json:"type"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Port        int    `json:"port"` // TCP mesh port to join on
	PlayerCount int    `json:"playerCount"`
	Status      string `json:"status"`
}

// EncodeAnnounce serializes a room announce for broadcast.
func EncodeAnnounce(a Announce) ([]byte, error) {
	a.App = AppIdentifier
	a.Type = announceType
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode announce: %w", err)
	}
	return data, nil
}

// DecodeAnnounce parses a discovery datagram. Datagrams from other
// applications or of unknown type are rejected, not errors worth logging.
func DecodeAnnounce(data []byte) (Announce, error) {
	var a Announce
	if err := json.Unmarshal(data, &a); err != nil {
		return Announce{}, fmt.Errorf("malformed announce datagram: %w", err)
	}
	if a.App != AppIdentifier {
		return Announce{}, fmt.Errorf("announce from foreign application %q", a.App)
	}
	if a.Type != announceType {
		return Announce{}, fmt.Errorf("unknown discovery message type %q", a.Type)
	}
	if a.UUID == "" {
		return Announce{}, fmt.Errorf("announce missing host uuid")
	}
	return a, nil
}
