// Package race drives the multiplayer session: lobby, ready check,
// countdown, live progress, rankings and play-again, on top of the mesh.
package race

import (
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lagoon-games/typerace-mesh/internal/config"
	"github.com/lagoon-games/typerace-mesh/internal/discovery"
	"github.com/lagoon-games/typerace-mesh/internal/mesh"
	"github.com/lagoon-games/typerace-mesh/internal/protocol"
)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLobby
	StateReadyCheck
	StateCountdown
	StateRacing
	StateResults
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLobby:
		return "lobby"
	case StateReadyCheck:
		return "ready-check"
	case StateCountdown:
		return "countdown"
	case StateRacing:
		return "racing"
	case StateResults:
		return "results"
	}
	return "unknown"
}

const eventQueueSize = 256

// transport is the slice of the mesh manager the session depends on.
// Narrowed to an interface so tests can drive the state machine without
// sockets.
type transport interface {
	Start(port int) (int, error)
	ListenPort() int
	Connect(ip string, port int, uuid string) error
	SetIdentity(isRoomCreator bool, hostUUID string)
	Broadcast(pkt protocol.Packet)
	Send(uuid string, pkt protocol.Packet) error
	Remove(uuid string)
	PeerCount() int
	Close()
}

// Session is the explicitly constructed service object that owns the whole
// multiplayer subsystem for one local player.
type Session struct {
	mu  sync.Mutex
	cfg *config.Config

	id   string
	name string

	state         State
	isRoomCreator bool
	hostUUID      string
	connected     bool

	gameText     string
	gameLanguage string

	players       map[string]*PlayerInfo
	ready         map[string]bool
	finishedCount int
	localFinished bool

	curPosition int
	curTotal    int
	curWPM      int

	rankings []protocol.Ranking

	net       transport
	scanner   *discovery.Scanner
	announcer *discovery.Announcer

	events chan Event

	readyTimer     *time.Timer
	countdownTimer *time.Timer
	connectTimer   *time.Timer
	progressStop   chan struct{}

	joining       bool
	pendingJoinIP string
}

// NewSession creates the multiplayer session for the local player. Start
// hosting with CreateRoom or join a discovered room with JoinRoom.
func NewSession(cfg *config.Config) *Session {
	s := &Session{
		cfg:          cfg,
		id:           uuid.NewString(),
		name:         cfg.PlayerName,
		state:        StateIdle,
		gameLanguage: "en",
		players:      make(map[string]*PlayerInfo),
		ready:        make(map[string]bool),
		events:       make(chan Event, eventQueueSize),
	}
	s.net = mesh.NewManager(s.id, s.name, cfg.MaxPlayers-1, cfg.ConnectTimeout(), s)
	log.Printf("INFO: [SESSION] Initialized player %q with UUID %s", s.name, s.id)
	return s
}

// ID returns the local player's UUID.
func (s *Session) ID() string { return s.id }

// Name returns the local player's display name.
func (s *Session) Name() string { return s.name }

// Events is the outward notification stream. Consumers should drain it
// promptly; the session drops events rather than block the network path.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsAuthority reports whether the local player created the room and may
// drive race lifecycle transitions.
func (s *Session) IsAuthority() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRoomCreator
}

// GameText returns the current race text and language.
func (s *Session) GameText() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gameText, s.gameLanguage
}

// Rankings returns the last adopted final standings.
func (s *Session) Rankings() []protocol.Ranking {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Ranking, len(s.rankings))
	copy(out, s.rankings)
	return out
}

// Players snapshots the observable player list, local player included.
func (s *Session) Players() []PlayerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PlayerSnapshot, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, PlayerSnapshot{
			UUID:     p.UUID,
			Name:     p.Name,
			IsHost:   p.UUID == s.hostUUID,
			IsLocal:  p.UUID == s.id,
			Progress: p.progress(),
			WPM:      p.WPM,
			Finished: p.Finished,
			Position: p.RacePosition,
			Left:     p.Left,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		log.Printf("WARN: [SESSION] Event queue full. Dropping %T.", e)
	}
}

// ============================================================
// Discovery
// ============================================================

// StartScanning begins collecting room announces from the LAN.
func (s *Session) StartScanning() error {
	s.mu.Lock()
	if s.scanner != nil {
		s.mu.Unlock()
		return nil
	}
	scanner := discovery.NewScanner(s.id, s.cfg.RoomTimeout(), func(r discovery.RoomInfo) {
		s.emit(RoomFound{Room: r})
	})
	s.scanner = scanner
	s.mu.Unlock()

	if err := scanner.Start(s.cfg.DiscoveryPort); err != nil {
		s.mu.Lock()
		s.scanner = nil
		s.mu.Unlock()
		return err
	}
	return nil
}

// StopScanning halts discovery and drops the room cache.
func (s *Session) StopScanning() {
	s.mu.Lock()
	scanner := s.scanner
	s.scanner = nil
	s.mu.Unlock()
	if scanner != nil {
		scanner.Stop()
	}
}

// Rooms returns the currently discovered rooms.
func (s *Session) Rooms() []discovery.RoomInfo {
	s.mu.Lock()
	scanner := s.scanner
	s.mu.Unlock()
	if scanner == nil {
		return nil
	}
	return scanner.Rooms()
}

// announceState builds the current room announce. Polled by the announcer
// right before each broadcast.
func (s *Session) announceState() protocol.Announce {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := protocol.StatusWaiting
	switch s.state {
	case StateCountdown:
		status = protocol.StatusCountdown
	case StateRacing:
		status = protocol.StatusRacing
	}

	count := 0
	for _, p := range s.players {
		if !p.Left {
			count++
		}
	}

	return protocol.Announce{
		UUID:        s.id,
		Name:        s.name,
		Port:        s.net.ListenPort(),
		PlayerCount: count,
		Status:      status,
	}
}

// ============================================================
// Room lifecycle
// ============================================================

// CreateRoom starts hosting: TCP mesh listener plus periodic announces.
// The local player becomes the room creator and therefore the authority
// for the lifetime of the room.
func (s *Session) CreateRoom() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("cannot create a room while %s", s.state)
	}
	s.mu.Unlock()

	if _, err := s.net.Start(s.cfg.MeshPort); err != nil {
		return err
	}
	s.net.SetIdentity(true, s.id)

	s.mu.Lock()
	s.state = StateLobby
	s.connected = true
	s.isRoomCreator = true
	s.hostUUID = s.id
	s.players[s.id] = &PlayerInfo{UUID: s.id, Name: s.name, Accuracy: 100}
	s.mu.Unlock()

	announcer := discovery.NewAnnouncer(s.cfg.DiscoveryPort, s.cfg.AnnounceInterval(), s.cfg.Interface, s.announceState)
	if err := announcer.Start(); err != nil {
		s.teardown()
		return err
	}
	s.mu.Lock()
	s.announcer = announcer
	s.mu.Unlock()

	log.Printf("INFO: [SESSION] Room created. Local player is the room creator.")
	return nil
}

// JoinRoom connects to a discovered room's host. The result arrives as a
// JoinSucceeded or JoinFailed event.
func (s *Session) JoinRoom(hostIP string, port int) error {
	if net.ParseIP(hostIP) == nil {
		reason := fmt.Sprintf("invalid IP address format: %s", hostIP)
		s.emit(JoinFailed{Reason: reason})
		return fmt.Errorf("%s", reason)
	}

	s.mu.Lock()
	if s.state != StateIdle || s.joining {
		s.mu.Unlock()
		return fmt.Errorf("cannot join a room while %s", s.state)
	}
	s.mu.Unlock()

	s.StopScanning()

	// The joiner listens too: later arrivals must be able to dial us to
	// complete the mesh.
	if _, err := s.net.Start(s.cfg.MeshPort); err != nil {
		s.emit(JoinFailed{Reason: err.Error()})
		return err
	}
	s.net.SetIdentity(false, "")

	s.mu.Lock()
	s.joining = true
	s.pendingJoinIP = hostIP
	s.isRoomCreator = false
	s.hostUUID = ""
	s.players[s.id] = &PlayerInfo{UUID: s.id, Name: s.name, Accuracy: 100}
	s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout(), func() { s.onConnectTimeout(hostIP) })
	s.mu.Unlock()

	if err := s.net.Connect(hostIP, port, ""); err != nil {
		s.failJoin(fmt.Sprintf("failed to initiate connection to %s", hostIP))
		return err
	}

	log.Printf("INFO: [SESSION] Joining room at %s:%d", hostIP, port)
	return nil
}

func (s *Session) onConnectTimeout(hostIP string) {
	s.mu.Lock()
	stillJoining := s.joining
	s.mu.Unlock()
	if stillJoining {
		s.failJoin(fmt.Sprintf("connection timed out, host not found at %s", hostIP))
	}
}

func (s *Session) failJoin(reason string) {
	s.mu.Lock()
	if !s.joining {
		s.mu.Unlock()
		return
	}
	s.joining = false
	s.mu.Unlock()

	s.teardown()
	log.Printf("WARN: [SESSION] Join failed: %s", reason)
	s.emit(JoinFailed{Reason: reason})
}

// LeaveRoom announces the departure and tears the session down. Pending
// timers die with it; no callbacks fire after teardown.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	inRoom := s.state != StateIdle
	s.mu.Unlock()
	if !inRoom {
		return
	}

	pkt, err := protocol.NewPacket(protocol.TypePlayerLeft, s.id, protocol.PlayerLeftPayload{UUID: s.id, Name: s.name})
	if err == nil {
		s.net.Broadcast(pkt)
	}
	s.teardown()
	log.Printf("INFO: [SESSION] Left room")
}

// CloseRoom is the host-side alias for LeaveRoom.
func (s *Session) CloseRoom() {
	s.LeaveRoom()
}

// teardown stops announcing, cancels every timer bound to the room and
// resets the session to idle. Safe to call twice.
func (s *Session) teardown() {
	s.mu.Lock()
	announcer := s.announcer
	s.announcer = nil
	s.stopTimersLocked()
	s.stopProgressLocked()
	s.state = StateIdle
	s.connected = false
	s.isRoomCreator = false
	s.hostUUID = ""
	s.joining = false
	s.pendingJoinIP = ""
	s.gameText = ""
	s.players = make(map[string]*PlayerInfo)
	s.ready = make(map[string]bool)
	s.finishedCount = 0
	s.localFinished = false
	s.curPosition, s.curTotal, s.curWPM = 0, 0, 0
	s.rankings = nil
	s.mu.Unlock()

	if announcer != nil {
		announcer.Stop()
	}
	s.net.Close()
}

func (s *Session) stopTimersLocked() {
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	if s.countdownTimer != nil {
		s.countdownTimer.Stop()
		s.countdownTimer = nil
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
}

// ============================================================
// Mesh handler callbacks
// ============================================================

// PeerAdmitted implements mesh.Handler.
func (s *Session) PeerAdmitted(peerUUID string, hello protocol.HelloPayload, ip string) {
	s.mu.Lock()

	// A guest learns who the authority is from the first HELLO it sees.
	learnedHost := false
	if !s.isRoomCreator && s.hostUUID == "" && hello.HostUUID != "" {
		s.hostUUID = hello.HostUUID
		learnedHost = true
		log.Printf("INFO: [SESSION] Learned room creator UUID: %s", s.hostUUID)
	}

	s.players[peerUUID] = &PlayerInfo{UUID: peerUUID, Name: hello.Name, Accuracy: 100}

	joinCompleted := false
	if s.joining && ip == s.pendingJoinIP {
		s.joining = false
		s.state = StateLobby
		s.connected = true
		if s.connectTimer != nil {
			s.connectTimer.Stop()
			s.connectTimer = nil
		}
		joinCompleted = true
	}

	isCreator := s.isRoomCreator
	text, lang := s.gameText, s.gameLanguage
	hostUUID := s.hostUUID
	s.mu.Unlock()

	if learnedHost {
		s.net.SetIdentity(false, hostUUID)
	}
	if joinCompleted {
		log.Printf("INFO: [SESSION] Join succeeded, room creator is %q", hello.Name)
		s.emit(JoinSucceeded{})
	}
	s.emit(PlayerJoined{UUID: peerUUID, Name: hello.Name})

	// The authority pushes the current race text to late arrivals.
	if isCreator && text != "" {
		if pkt, err := protocol.NewPacket(protocol.TypeGameText, s.id, protocol.GameTextPayload{Text: text, Language: lang}); err == nil {
			if err := s.net.Send(peerUUID, pkt); err != nil {
				log.Printf("WARN: [SESSION] Failed to send game text to %s: %v", hello.Name, err)
			}
		}
	}
}

// PeerLeft implements mesh.Handler.
func (s *Session) PeerLeft(peerUUID, name string) {
	s.mu.Lock()
	p, known := s.players[peerUUID]
	if !known {
		// Already purged by a kick or PLAYER_LEFT packet.
		s.mu.Unlock()
		return
	}
	if s.state == StateRacing {
		// Keep the entry so rankings stay well-defined.
		p.Left = true
	} else {
		delete(s.players, peerUUID)
	}
	hostGone := peerUUID == s.hostUUID && !s.isRoomCreator
	racing := s.state == StateRacing
	s.mu.Unlock()

	s.emit(PlayerLeft{UUID: peerUUID, Name: name})
	if hostGone {
		// No authority migration: the room is over for the remaining peers.
		log.Printf("WARN: [SESSION] Room creator left; the room has ended")
		s.emit(HostLeft{})
	}
	if racing {
		s.checkRaceCompletion()
	}
}

// DialFailed implements mesh.Handler.
func (s *Session) DialFailed(ip string, port int, err error) {
	s.mu.Lock()
	failedJoin := s.joining && ip == s.pendingJoinIP
	s.mu.Unlock()

	if failedJoin {
		s.failJoin(fmt.Sprintf("could not connect to %s:%d: %v", ip, port, err))
		return
	}
	s.emit(ConnectionError{Reason: err.Error()})
}

// HandlePacket implements mesh.Handler. Packets from one peer arrive in
// order; interleavings across peers are arbitrary and every handler below
// tolerates them.
func (s *Session) HandlePacket(from string, pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeGameStart, protocol.TypeGameText, protocol.TypeCountdown,
		protocol.TypeReadyCheck, protocol.TypeRaceResults,
		protocol.TypePlayAgainInvite, protocol.TypeKick:
		if !s.fromAuthority(from) {
			log.Printf("WARN: [SESSION] Ignoring %s from non-authority peer %s", pkt.Type, from)
			return
		}
	}

	switch pkt.Type {
	case protocol.TypeGameText:
		s.handleGameText(pkt)
	case protocol.TypeReadyCheck:
		s.handleReadyCheck(pkt)
	case protocol.TypeReadyResponse:
		s.handleReadyResponse(from)
	case protocol.TypeCountdown:
		s.handleCountdown(pkt)
	case protocol.TypeGameStart:
		s.handleGameStart()
	case protocol.TypeProgressUpdate:
		s.handleProgressUpdate(from, pkt)
	case protocol.TypeFinish:
		s.handleFinish(from, pkt)
	case protocol.TypePlayerLeft:
		s.handlePlayerLeft(pkt)
	case protocol.TypeRaceResults:
		s.handleRaceResults(pkt)
	case protocol.TypePlayAgainInvite:
		s.emit(PlayAgainInvite{})
	case protocol.TypePlayAgainResponse:
		s.handlePlayAgainResponse(from, pkt)
	case protocol.TypeKick:
		s.handleKick(pkt)
	default:
		log.Printf("WARN: [SESSION] Unhandled packet type %s from %s", pkt.Type, from)
	}
}

func (s *Session) fromAuthority(from string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostUUID != "" && from == s.hostUUID
}

// ============================================================
// Game text
// ============================================================

// SetGameText sets the race text. Authority only.
func (s *Session) SetGameText(text string) {
	s.mu.Lock()
	if !s.isRoomCreator {
		s.mu.Unlock()
		return
	}
	s.gameText = text
	lang := s.gameLanguage
	s.mu.Unlock()

	s.emit(GameTextChanged{Text: text, Language: lang})
	if pkt, err := protocol.NewPacket(protocol.TypeGameText, s.id, protocol.GameTextPayload{Text: text, Language: lang}); err == nil {
		s.net.Broadcast(pkt)
	}
}

// SetGameLanguage sets the race language. Authority only; the surrounding
// application is expected to follow up with matching text.
func (s *Session) SetGameLanguage(language string) {
	s.mu.Lock()
	if !s.isRoomCreator || s.gameLanguage == language {
		s.mu.Unlock()
		return
	}
	s.gameLanguage = language
	text := s.gameText
	s.mu.Unlock()

	s.emit(GameTextChanged{Text: text, Language: language})
	if pkt, err := protocol.NewPacket(protocol.TypeGameText, s.id, protocol.GameTextPayload{Text: text, Language: language}); err == nil {
		s.net.Broadcast(pkt)
	}
}

func (s *Session) handleGameText(pkt protocol.Packet) {
	var payload protocol.GameTextPayload
	if err := pkt.DecodePayload(&payload); err != nil {
		log.Printf("WARN: [SESSION] Dropping malformed GAME_TEXT: %v", err)
		return
	}

	s.mu.Lock()
	s.gameText = payload.Text
	if payload.Language != "" {
		s.gameLanguage = payload.Language
	}
	lang := s.gameLanguage
	s.mu.Unlock()

	s.emit(GameTextChanged{Text: payload.Text, Language: lang})
}

// ============================================================
// Ready check & countdown
// ============================================================

// StartCountdown begins the ready check. Authority only; the actual
// countdown starts once every player confirmed or the ready-check timer
// expired (policy: proceed with whoever responded, never stall).
func (s *Session) StartCountdown() {
	s.mu.Lock()
	if !s.isRoomCreator {
		s.mu.Unlock()
		log.Printf("WARN: [SESSION] Only the room creator can start the race")
		return
	}
	if s.state != StateLobby && s.state != StateResults {
		s.mu.Unlock()
		return
	}
	if s.gameText == "" {
		s.mu.Unlock()
		log.Printf("WARN: [SESSION] Cannot start: no game text set")
		return
	}

	s.resetRaceLocked()

	if s.net.PeerCount() == 0 {
		// Solo room: nothing to synchronize.
		s.mu.Unlock()
		s.beginCountdown()
		return
	}

	s.state = StateReadyCheck
	s.ready = map[string]bool{s.id: true}
	text, lang := s.gameText, s.gameLanguage
	s.readyTimer = time.AfterFunc(s.cfg.ReadyCheckTimeout(), s.onReadyCheckTimeout)
	s.mu.Unlock()

	if pkt, err := protocol.NewPacket(protocol.TypeReadyCheck, s.id, protocol.ReadyCheckPayload{Text: text, Language: lang}); err == nil {
		s.net.Broadcast(pkt)
	}
	log.Printf("INFO: [SESSION] Ready check sent, waiting for responses")
}

func (s *Session) handleReadyCheck(pkt protocol.Packet) {
	var payload protocol.ReadyCheckPayload
	if err := pkt.DecodePayload(&payload); err != nil {
		log.Printf("WARN: [SESSION] Dropping malformed READY_CHECK: %v", err)
		return
	}

	s.mu.Lock()
	textChanged := s.gameText != payload.Text || s.gameLanguage != payload.Language
	s.gameText = payload.Text
	if payload.Language != "" {
		s.gameLanguage = payload.Language
	}
	s.resetRaceLocked()
	s.state = StateReadyCheck
	lang := s.gameLanguage
	s.mu.Unlock()

	if textChanged {
		s.emit(GameTextChanged{Text: payload.Text, Language: lang})
	}

	if pkt, err := protocol.NewPacket(protocol.TypeReadyResponse, s.id, nil); err == nil {
		s.net.Broadcast(pkt)
	}
}

func (s *Session) handleReadyResponse(from string) {
	s.mu.Lock()
	if !s.isRoomCreator || s.state != StateReadyCheck {
		s.mu.Unlock()
		return
	}
	s.ready[from] = true

	active := 0
	for _, p := range s.players {
		if !p.Left {
			active++
		}
	}
	allReady := len(s.ready) >= active
	if allReady && s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	log.Printf("INFO: [SESSION] Ready response from %s (%d/%d)", from, len(s.ready), active)
	s.mu.Unlock()

	if allReady {
		s.emit(AllPlayersReady{})
		s.beginCountdown()
	}
}

func (s *Session) onReadyCheckTimeout() {
	s.mu.Lock()
	if s.state != StateReadyCheck || !s.isRoomCreator {
		s.mu.Unlock()
		return
	}
	for id, p := range s.players {
		if !s.ready[id] && !p.Left {
			log.Printf("WARN: [SESSION] Player %q never answered the ready check", p.Name)
		}
	}
	s.mu.Unlock()

	// Proceed with whoever responded rather than stalling the room.
	s.beginCountdown()
}

// beginCountdown is the sole transition out of the ready check. Authority
// side only; guests follow the COUNTDOWN broadcast.
func (s *Session) beginCountdown() {
	s.mu.Lock()
	if s.state == StateCountdown || s.state == StateRacing {
		s.mu.Unlock()
		return
	}
	s.state = StateCountdown
	seconds := s.cfg.CountdownSeconds
	s.countdownTimer = time.AfterFunc(time.Duration(seconds)*time.Second, s.onCountdownElapsed)
	s.mu.Unlock()

	if pkt, err := protocol.NewPacket(protocol.TypeCountdown, s.id, protocol.CountdownPayload{Seconds: seconds}); err == nil {
		s.net.Broadcast(pkt)
	}
	s.emit(CountdownStarted{Seconds: seconds})
}

func (s *Session) onCountdownElapsed() {
	s.mu.Lock()
	if s.state != StateCountdown || !s.isRoomCreator {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if pkt, err := protocol.NewPacket(protocol.TypeGameStart, s.id, nil); err == nil {
		s.net.Broadcast(pkt)
	}
	s.startRacing()
}

func (s *Session) handleCountdown(pkt protocol.Packet) {
	var payload protocol.CountdownPayload
	if err := pkt.DecodePayload(&payload); err != nil {
		log.Printf("WARN: [SESSION] Dropping malformed COUNTDOWN: %v", err)
		return
	}

	s.mu.Lock()
	s.state = StateCountdown
	s.mu.Unlock()

	// Guests render the countdown locally and wait for GAME_START for the
	// actual start signal.
	s.emit(CountdownStarted{Seconds: payload.Seconds})
}

func (s *Session) handleGameStart() {
	s.startRacing()
}

func (s *Session) startRacing() {
	s.mu.Lock()
	if s.state == StateRacing {
		s.mu.Unlock()
		return
	}
	s.state = StateRacing
	stop := make(chan struct{})
	s.progressStop = stop
	s.mu.Unlock()

	s.emit(GameStarted{})
	go s.progressLoop(stop)
	log.Printf("INFO: [SESSION] Race started")
}

// ============================================================
// Progress & finish
// ============================================================

// progressLoop broadcasts the local player's progress on a fixed cadence
// until the race ends.
func (s *Session) progressLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.ProgressInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			payload := protocol.ProgressPayload{
				Position:   s.curPosition,
				TotalChars: s.curTotal,
				WPM:        s.curWPM,
				Finished:   s.localFinished,
			}
			s.mu.Unlock()

			if pkt, err := protocol.NewPacket(protocol.TypeProgressUpdate, s.id, payload); err == nil {
				s.net.Broadcast(pkt)
			}
		case <-stop:
			return
		}
	}
}

func (s *Session) stopProgressLocked() {
	if s.progressStop != nil {
		close(s.progressStop)
		s.progressStop = nil
	}
}

// UpdateProgress records the local player's typing progress. The next
// progress tick broadcasts it.
func (s *Session) UpdateProgress(position, totalChars, wpm int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.curPosition = position
	s.curTotal = totalChars
	s.curWPM = wpm
	if p, ok := s.players[s.id]; ok {
		p.Position = position
		p.TotalChars = totalChars
		p.WPM = wpm
	}
}

// FinishRace reports the local player's finish. Sent exactly once per
// race; repeated calls are no-ops.
func (s *Session) FinishRace(wpm int, accuracy float64, errors, duration int) {
	s.mu.Lock()
	if s.state != StateRacing || s.localFinished {
		s.mu.Unlock()
		return
	}
	s.localFinished = true
	s.finishedCount++
	if p, ok := s.players[s.id]; ok {
		p.Finished = true
		p.FinishTime = time.Now().UnixMilli()
		p.RacePosition = s.finishedCount
		p.WPM = wpm
		p.Accuracy = accuracy
		p.Errors = errors
		p.Duration = duration
		p.Position = p.TotalChars
	}
	name := s.name
	pos := s.finishedCount
	s.mu.Unlock()

	payload := protocol.FinishPayload{WPM: wpm, Accuracy: accuracy, Errors: errors, Duration: duration}
	if pkt, err := protocol.NewPacket(protocol.TypeFinish, s.id, payload); err == nil {
		s.net.Broadcast(pkt)
	}
	s.emit(ProgressUpdated{UUID: s.id, Name: name, Progress: 1, WPM: wpm, Finished: true, Position: pos})
	s.checkRaceCompletion()
}

func (s *Session) handleProgressUpdate(from string, pkt protocol.Packet) {
	var payload protocol.ProgressPayload
	if err := pkt.DecodePayload(&payload); err != nil {
		log.Printf("WARN: [SESSION] Dropping malformed PROGRESS_UPDATE: %v", err)
		return
	}

	s.mu.Lock()
	p, ok := s.players[from]
	if !ok {
		s.mu.Unlock()
		return
	}
	p.Position = payload.Position
	p.TotalChars = payload.TotalChars
	p.WPM = payload.WPM
	ev := ProgressUpdated{
		UUID:     from,
		Name:     p.Name,
		Progress: p.progress(),
		WPM:      p.WPM,
		Finished: p.Finished,
		Position: p.RacePosition,
	}
	s.mu.Unlock()

	s.emit(ev)
}

func (s *Session) handleFinish(from string, pkt protocol.Packet) {
	var payload protocol.FinishPayload
	if err := pkt.DecodePayload(&payload); err != nil {
		log.Printf("WARN: [SESSION] Dropping malformed FINISH: %v", err)
		return
	}

	s.mu.Lock()
	p, ok := s.players[from]
	if !ok || p.Finished {
		// Unknown sender or duplicate FINISH: first one wins.
		s.mu.Unlock()
		return
	}
	s.finishedCount++
	p.Finished = true
	p.FinishTime = time.Now().UnixMilli()
	p.RacePosition = s.finishedCount
	p.WPM = payload.WPM
	p.Accuracy = payload.Accuracy
	p.Errors = payload.Errors
	p.Duration = payload.Duration
	p.Position = p.TotalChars
	ev := ProgressUpdated{UUID: from, Name: p.Name, Progress: 1, WPM: p.WPM, Finished: true, Position: p.RacePosition}
	s.mu.Unlock()

	s.emit(ev)
	s.checkRaceCompletion()
}

// checkRaceCompletion ends the race once every player has finished or
// left. Only the authority computes and broadcasts the final standings;
// everyone else adopts its RACE_RESULTS verbatim.
func (s *Session) checkRaceCompletion() {
	s.mu.Lock()
	if s.state != StateRacing {
		s.mu.Unlock()
		return
	}
	for _, p := range s.players {
		if !p.Finished && !p.Left {
			s.mu.Unlock()
			return
		}
	}
	if !s.isRoomCreator {
		s.mu.Unlock()
		return
	}

	rankings := computeRankings(s.players)
	s.rankings = rankings
	s.state = StateResults
	s.stopProgressLocked()
	s.mu.Unlock()

	if pkt, err := protocol.NewPacket(protocol.TypeRaceResults, s.id, protocol.RaceResultsPayload{Rankings: rankings}); err == nil {
		s.net.Broadcast(pkt)
	}
	s.emit(RaceFinished{Rankings: rankings})
	log.Printf("INFO: [SESSION] Race complete, results broadcast to the mesh")
}

func (s *Session) handleRaceResults(pkt protocol.Packet) {
	var payload protocol.RaceResultsPayload
	if err := pkt.DecodePayload(&payload); err != nil {
		log.Printf("WARN: [SESSION] Dropping malformed RACE_RESULTS: %v", err)
		return
	}

	s.mu.Lock()
	// The authority's table is the single source of truth; it overrides
	// any provisional local ordering.
	s.rankings = payload.Rankings
	s.state = StateResults
	s.stopProgressLocked()
	s.mu.Unlock()

	s.emit(RaceFinished{Rankings: payload.Rankings})
}

func (s *Session) handlePlayerLeft(pkt protocol.Packet) {
	var payload protocol.PlayerLeftPayload
	if err := pkt.DecodePayload(&payload); err != nil {
		log.Printf("WARN: [SESSION] Dropping malformed PLAYER_LEFT: %v", err)
		return
	}

	s.mu.Lock()
	p, known := s.players[payload.UUID]
	if !known {
		s.mu.Unlock()
		return
	}
	if s.state == StateRacing {
		p.Left = true
	} else {
		delete(s.players, payload.UUID)
	}
	hostGone := payload.UUID == s.hostUUID && !s.isRoomCreator
	racing := s.state == StateRacing
	s.mu.Unlock()

	s.net.Remove(payload.UUID)
	s.emit(PlayerLeft{UUID: payload.UUID, Name: payload.Name})
	if hostGone {
		s.emit(HostLeft{})
	}
	if racing {
		s.checkRaceCompletion()
	}
}

// ============================================================
// Kick & play again
// ============================================================

// KickPlayer removes a player from the room. Authority only.
func (s *Session) KickPlayer(targetUUID string) {
	s.mu.Lock()
	if !s.isRoomCreator {
		s.mu.Unlock()
		return
	}
	p, known := s.players[targetUUID]
	if !known || targetUUID == s.id {
		s.mu.Unlock()
		return
	}
	name := p.Name
	delete(s.players, targetUUID)
	s.mu.Unlock()

	if pkt, err := protocol.NewPacket(protocol.TypeKick, s.id, protocol.KickPayload{TargetUUID: targetUUID, Name: name}); err == nil {
		s.net.Broadcast(pkt)
	}
	s.net.Remove(targetUUID)
	s.emit(PlayerLeft{UUID: targetUUID, Name: name})
	log.Printf("INFO: [SESSION] Kicked player %q", name)
}

func (s *Session) handleKick(pkt protocol.Packet) {
	var payload protocol.KickPayload
	if err := pkt.DecodePayload(&payload); err != nil {
		log.Printf("WARN: [SESSION] Dropping malformed KICK: %v", err)
		return
	}

	if payload.TargetUUID == s.id {
		log.Printf("INFO: [SESSION] Kicked from the room by the host")
		s.teardown()
		s.emit(Kicked{})
		return
	}

	s.mu.Lock()
	p, known := s.players[payload.TargetUUID]
	name := payload.Name
	if known {
		if p.Name != "" {
			name = p.Name
		}
		delete(s.players, payload.TargetUUID)
	}
	s.mu.Unlock()

	s.net.Remove(payload.TargetUUID)
	if known {
		s.emit(PlayerLeft{UUID: payload.TargetUUID, Name: name})
	}
}

// SendPlayAgainInvite proposes a rematch from the results screen.
// Authority only.
func (s *Session) SendPlayAgainInvite() {
	s.mu.Lock()
	if !s.isRoomCreator || s.state != StateResults {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if pkt, err := protocol.NewPacket(protocol.TypePlayAgainInvite, s.id, nil); err == nil {
		s.net.Broadcast(pkt)
	}
	s.ReturnToLobby()
}

// AcceptPlayAgain answers a rematch invite and returns to the lobby with
// the existing connections intact. No re-handshake happens.
func (s *Session) AcceptPlayAgain() {
	payload := protocol.PlayAgainResponsePayload{Name: s.name, Accepted: true}
	if pkt, err := protocol.NewPacket(protocol.TypePlayAgainResponse, s.id, payload); err == nil {
		s.net.Broadcast(pkt)
	}
	s.ReturnToLobby()
}

// DeclinePlayAgain answers a rematch invite negatively and leaves the
// mesh.
func (s *Session) DeclinePlayAgain() {
	payload := protocol.PlayAgainResponsePayload{Name: s.name, Accepted: false}
	if pkt, err := protocol.NewPacket(protocol.TypePlayAgainResponse, s.id, payload); err == nil {
		s.net.Broadcast(pkt)
	}
	s.LeaveRoom()
}

func (s *Session) handlePlayAgainResponse(from string, pkt protocol.Packet) {
	var payload protocol.PlayAgainResponsePayload
	if err := pkt.DecodePayload(&payload); err != nil {
		log.Printf("WARN: [SESSION] Dropping malformed PLAY_AGAIN_RESPONSE: %v", err)
		return
	}
	// Decliners follow up with PLAYER_LEFT or a plain disconnect; nothing
	// to tear down here.
	s.emit(PlayAgainAnswer{UUID: from, Name: payload.Name, Accepted: payload.Accepted})
}

// ReturnToLobby resets race state while keeping every TCP connection.
func (s *Session) ReturnToLobby() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.resetRaceLocked()
	s.state = StateLobby
	s.mu.Unlock()

	s.emit(ReturnedToLobby{})
}

// resetRaceLocked clears per-race state ahead of a new countdown. Players
// who left during the previous race are dropped for good here.
func (s *Session) resetRaceLocked() {
	s.stopProgressLocked()
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	if s.countdownTimer != nil {
		s.countdownTimer.Stop()
		s.countdownTimer = nil
	}
	for id, p := range s.players {
		if p.Left {
			delete(s.players, id)
			continue
		}
		p.resetRace()
	}
	s.ready = make(map[string]bool)
	s.finishedCount = 0
	s.localFinished = false
	s.curPosition, s.curTotal, s.curWPM = 0, 0, 0
	s.rankings = nil
}
