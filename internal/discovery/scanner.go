// Package discovery advertises hosted rooms and collects rooms hosted by
// others via periodic UDP broadcast on the LAN.
package discovery

import (
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/lagoon-games/typerace-mesh/internal/netinfo"
	"github.com/lagoon-games/typerace-mesh/internal/protocol"
)

// RoomInfo is a discovered room, not a connection. Entries are refreshed on
// every announce and purged once LastSeen exceeds the room timeout.
type RoomInfo struct {
	HostUUID    string
	HostName    string
	HostIP      string
	Port        int
	PlayerCount int
	Status      string
	LastSeen    time.Time
}

// Scanner listens on the discovery port and maintains the room cache.
type Scanner struct {
	mu    sync.Mutex
	rooms map[string]RoomInfo // host UUID -> room

	selfUUID string
	timeout  time.Duration
	now      func() time.Time
	onFound  func(RoomInfo) // fired once per newly seen host UUID

	conn    *net.UDPConn
	done    chan struct{}
	stopped sync.Once
}

// NewScanner creates a scanner. onFound may be nil.
func NewScanner(selfUUID string, timeout time.Duration, onFound func(RoomInfo)) *Scanner {
	return &Scanner{
		rooms:    make(map[string]RoomInfo),
		selfUUID: selfUUID,
		timeout:  timeout,
		now:      time.Now,
		onFound:  onFound,
		done:     make(chan struct{}),
	}
}

// Start binds the discovery port and begins collecting announces. The sweep
// runs at half the room timeout so a dead room lingers at most 1.5x the
// timeout.
func (s *Scanner) Start(port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return fmt.Errorf("failed to bind discovery port %d: %w", port, err)
	}
	s.conn = conn

	go s.readLoop()
	go s.sweepLoop()

	log.Printf("INFO: [DISCOVERY] Scanning for rooms on UDP port %d", port)
	return nil
}

// Stop terminates scanning and clears the room cache.
func (s *Scanner) Stop() {
	s.stopped.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Lock()
		s.rooms = make(map[string]RoomInfo)
		s.mu.Unlock()
		log.Printf("INFO: [DISCOVERY] Stopped scanning")
	})
}

// Rooms returns a snapshot of the current cache, freshest first.
func (s *Scanner) Rooms() []RoomInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RoomInfo, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Refresh drops the cache so the next announce cycle repopulates it.
func (s *Scanner) Refresh() {
	s.mu.Lock()
	s.rooms = make(map[string]RoomInfo)
	s.mu.Unlock()
}

func (s *Scanner) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Printf("WARN: [DISCOVERY] Read error on discovery socket: %v", err)
				return
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, src.IP)
	}
}

// handleDatagram processes one announce. Datagram loss needs no handling:
// the next announce interval refreshes the entry anyway.
func (s *Scanner) handleDatagram(data []byte, src net.IP) {
	a, err := protocol.DecodeAnnounce(data)
	if err != nil {
		// Foreign or garbled traffic on the shared port.
		return
	}
	if a.UUID == s.selfUUID {
		return
	}

	room := RoomInfo{
		HostUUID:    a.UUID,
		HostName:    a.Name,
		HostIP:      netinfo.NormalizeIP(src.String()),
		Port:        a.Port,
		PlayerCount: a.PlayerCount,
		Status:      a.Status,
		LastSeen:    s.now(),
	}

	s.mu.Lock()
	_, known := s.rooms[a.UUID]
	s.rooms[a.UUID] = room
	s.mu.Unlock()

	if !known {
		log.Printf("INFO: [DISCOVERY] Discovered room %q at %s:%d (%d players, %s)",
			room.HostName, room.HostIP, room.Port, room.PlayerCount, room.Status)
		if s.onFound != nil {
			s.onFound(room)
		}
	}
}

func (s *Scanner) sweepLoop() {
	ticker := time.NewTicker(s.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

// sweep purges rooms whose host went silent. Silence is room death: a
// crashed host never sends a goodbye.
func (s *Scanner) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for uuid, room := range s.rooms {
		if now.Sub(room.LastSeen) > s.timeout {
			log.Printf("INFO: [DISCOVERY] Room %q timed out", room.HostName)
			delete(s.rooms, uuid)
		}
	}
}
