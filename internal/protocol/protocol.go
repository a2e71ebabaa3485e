// Package protocol defines the packet types, payloads and wire codec used
// between peers in the typing-race mesh.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// PacketType identifies the kind of packet carried in a mesh frame.
// The numeric values are part of the wire format and must not be reordered.
type PacketType uint8

const (
	TypeHello PacketType = iota
	TypePeerList
	TypeGameStart
	TypeProgressUpdate
	TypeFinish
	TypeGameText
	TypeCountdown
	TypePlayerLeft
	TypeRaceResults
	TypeReadyCheck
	TypeReadyResponse
	TypePlayAgainInvite
	TypePlayAgainResponse
	TypeKick
)

func (t PacketType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypePeerList:
		return "PEER_LIST"
	case TypeGameStart:
		return "GAME_START"
	case TypeProgressUpdate:
		return "PROGRESS_UPDATE"
	case TypeFinish:
		return "FINISH"
	case TypeGameText:
		return "GAME_TEXT"
	case TypeCountdown:
		return "COUNTDOWN"
	case TypePlayerLeft:
		return "PLAYER_LEFT"
	case TypeRaceResults:
		return "RACE_RESULTS"
	case TypeReadyCheck:
		return "READY_CHECK"
	case TypeReadyResponse:
		return "READY_RESPONSE"
	case TypePlayAgainInvite:
		return "PLAY_AGAIN_INVITE"
	case TypePlayAgainResponse:
		return "PLAY_AGAIN_RESPONSE"
	case TypeKick:
		return "KICK"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Packet is the single unit of communication between mesh peers. The payload
// is kept as raw JSON until the receiver knows which typed payload to decode
// it into.
type Packet struct {
	Type      PacketType
	Sender    string // UUID of the sending peer
	Timestamp int64  // milliseconds since epoch
	Payload   json.RawMessage
}

// NewPacket builds a packet from the local peer's identity and a typed
// payload. A nil payload produces a packet with an empty payload object.
func NewPacket(t PacketType, sender string, payload interface{}) (Packet, error) {
	pkt := Packet{
		Type:      t,
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Packet{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		pkt.Payload = raw
	}
	return pkt, nil
}

// DecodePayload unmarshals the packet payload into the given typed payload
// struct. An absent payload decodes into the zero value.
func (p Packet) DecodePayload(v interface{}) error {
	if len(p.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", p.Type, err)
	}
	return nil
}

// HelloPayload introduces a peer after its TCP connection is established.
// HostUUID lets a joining guest learn the room creator's identity
// transitively from any peer it shakes hands with.
type HelloPayload struct {
	Name          string `json:"name"`
	Port          int    `json:"port"` // listen port for mesh dials, not the ephemeral source port
	IsRoomCreator bool   `json:"isRoomCreator"`
	HostUUID      string `json:"hostUuid"`
}

// PeerEntry describes one reachable peer in a PEER_LIST payload.
type PeerEntry struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// PeerListPayload enumerates every handshake-complete peer the sender knows,
// so the receiver can dial whichever ones it is missing.
type PeerListPayload struct {
	Peers []PeerEntry `json:"peers"`
}

// GameTextPayload carries the race text chosen by the authority.
type GameTextPayload struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// ReadyCheckPayload re-syncs the race text at the ready barrier so every
// peer races on identical input even if an earlier GAME_TEXT was missed.
type ReadyCheckPayload struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// CountdownPayload announces the shared countdown duration. Peers count down
// locally from the same start signal; drift over a few seconds is tolerated.
type CountdownPayload struct {
	Seconds int `json:"seconds"`
}

// ProgressPayload is broadcast on a fixed cadence while racing.
type ProgressPayload struct {
	Position   int  `json:"position"`
	TotalChars int  `json:"total"`
	WPM        int  `json:"wpm"`
	Finished   bool `json:"finished"`
}

// FinishPayload is sent exactly once when a peer completes the race text.
type FinishPayload struct {
	WPM      int     `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
	Errors   int     `json:"errors"`
	Duration int     `json:"duration"` // race duration in seconds
}

// PlayerLeftPayload notifies the mesh that a player is gone.
type PlayerLeftPayload struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Ranking is one row of the final standings.
type Ranking struct {
	UUID     string  `json:"id"`
	Name     string  `json:"name"`
	WPM      int     `json:"wpm"`
	Accuracy float64 `json:"accuracy"`
	Errors   int     `json:"errors"`
	Duration int     `json:"duration"`
	Position int     `json:"position"` // 1-based race position
}

// RaceResultsPayload is the authority's final standings broadcast. Receivers
// adopt it verbatim, overriding any locally computed provisional ranking.
type RaceResultsPayload struct {
	Rankings []Ranking `json:"rankings"`
}

// PlayAgainResponsePayload carries a guest's answer to a play-again invite.
type PlayAgainResponsePayload struct {
	Name     string `json:"name"`
	Accepted bool   `json:"accepted"`
}

// KickPayload orders the mesh to drop a player. Only the authority may send
// it; the target tears itself down, everyone else purges the target.
type KickPayload struct {
	TargetUUID string `json:"targetUuid"`
	Name       string `json:"name"`
}
