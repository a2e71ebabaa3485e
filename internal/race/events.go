package race

import (
	"github.com/lagoon-games/typerace-mesh/internal/discovery"
	"github.com/lagoon-games/typerace-mesh/internal/protocol"
)

// Event is a discrete lifecycle notification for the surrounding
// application. The session publishes events on a buffered channel; the
// consumer subscribes via Session.Events.
type Event interface{ isEvent() }

// PlayerJoined fires when a peer completes its handshake.
type PlayerJoined struct {
	UUID string
	Name string
}

// PlayerLeft fires when a player disconnects, is kicked, or announces its
// departure.
type PlayerLeft struct {
	UUID string
	Name string
}

// HostLeft fires when the room creator is gone. Authority does not migrate:
// the room has effectively ended and the application should leave or
// reform.
type HostLeft struct{}

// RoomFound fires the first time a hosted room is discovered.
type RoomFound struct {
	Room discovery.RoomInfo
}

// JoinSucceeded fires when joining a room completed its handshake.
type JoinSucceeded struct{}

// JoinFailed fires when a join attempt cannot complete.
type JoinFailed struct {
	Reason string
}

// ConnectionError reports a non-fatal network failure.
type ConnectionError struct {
	Reason string
}

// GameTextChanged fires when the authority set or re-synced the race text.
type GameTextChanged struct {
	Text     string
	Language string
}

// AllPlayersReady fires on the authority when every player answered the
// ready check.
type AllPlayersReady struct{}

// CountdownStarted fires once per race on every peer.
type CountdownStarted struct {
	Seconds int
}

// GameStarted fires when the race begins.
type GameStarted struct{}

// ProgressUpdated fires whenever any player's race state changes.
type ProgressUpdated struct {
	UUID     string
	Name     string
	Progress float64 // 0..1
	WPM      int
	Finished bool
	Position int // race position once finished
}

// RaceFinished carries the authoritative final standings.
type RaceFinished struct {
	Rankings []protocol.Ranking
}

// Kicked fires on the player that the authority removed from the room.
type Kicked struct{}

// PlayAgainInvite fires on guests when the authority proposes a rematch.
type PlayAgainInvite struct{}

// PlayAgainAnswer fires when a guest answered a rematch invite.
type PlayAgainAnswer struct {
	UUID     string
	Name     string
	Accepted bool
}

// ReturnedToLobby fires when the session is back in the lobby with its
// connections intact.
type ReturnedToLobby struct{}

func (PlayerJoined) isEvent()     {}
func (PlayerLeft) isEvent()       {}
func (HostLeft) isEvent()         {}
func (RoomFound) isEvent()        {}
func (JoinSucceeded) isEvent()    {}
func (JoinFailed) isEvent()       {}
func (ConnectionError) isEvent()  {}
func (GameTextChanged) isEvent()  {}
func (AllPlayersReady) isEvent()  {}
func (CountdownStarted) isEvent() {}
func (GameStarted) isEvent()      {}
func (ProgressUpdated) isEvent()  {}
func (RaceFinished) isEvent()     {}
func (Kicked) isEvent()           {}
func (PlayAgainInvite) isEvent()  {}
func (PlayAgainAnswer) isEvent()  {}
func (ReturnedToLobby) isEvent()  {}
