// Package mesh maintains the fully-connected TCP mesh between race peers:
// listener, dialer, HELLO/PEER_LIST handshake and packet dispatch.
package mesh

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lagoon-games/typerace-mesh/internal/netinfo"
	"github.com/lagoon-games/typerace-mesh/internal/protocol"
)

// Handler receives mesh events. Callbacks run on per-connection goroutines;
// packets from a single peer arrive in order, no ordering exists across
// peers.
type Handler interface {
	// HandlePacket delivers a game packet from an admitted peer.
	HandlePacket(from string, pkt protocol.Packet)
	// PeerAdmitted fires once per peer after its HELLO was accepted.
	PeerAdmitted(uuid string, hello protocol.HelloPayload, ip string)
	// PeerLeft fires when an admitted peer's connection is gone.
	PeerLeft(uuid, name string)
	// DialFailed fires when an outbound connection attempt resolves in error.
	DialFailed(ip string, port int, err error)
}

// PeerSnapshot is a read-only view of one admitted peer.
type PeerSnapshot struct {
	UUID string
	Name string
	IP   string
	Port int
}

// Manager owns every PeerConnection. For a healthy mesh of size N it holds
// exactly N-1 links.
type Manager struct {
	mu sync.Mutex

	selfUUID string
	selfName string

	// Room identity, carried in our HELLO so guests learn the authority
	// transitively.
	isRoomCreator bool
	hostUUID      string

	maxPeers    int
	dialTimeout time.Duration

	listener    net.Listener
	listenPort  int
	advertiseIP string

	peers   map[string]*Peer    // admitted, by UUID
	inbound map[*Peer]struct{}  // links still waiting for HELLO
	pending map[string]struct{} // outbound dials in flight, by ip:port

	handler Handler
	closed  bool
}

// NewManager creates a mesh manager for the local player.
func NewManager(selfUUID, selfName string, maxPeers int, dialTimeout time.Duration, handler Handler) *Manager {
	return &Manager{
		selfUUID:    selfUUID,
		selfName:    selfName,
		maxPeers:    maxPeers,
		dialTimeout: dialTimeout,
		peers:       make(map[string]*Peer),
		inbound:     make(map[*Peer]struct{}),
		pending:     make(map[string]struct{}),
		handler:     handler,
	}
}

// SetIdentity records whether the local player created the room and who the
// room creator is. Called before the first handshake.
func (m *Manager) SetIdentity(isRoomCreator bool, hostUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isRoomCreator = isRoomCreator
	m.hostUUID = hostUUID
}

// SetAdvertiseIP overrides the address advertised in PEER_LIST entries.
// Zero value auto-selects the best LAN interface.
func (m *Manager) SetAdvertiseIP(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertiseIP = ip
}

// Start listens for mesh connections. Pass port 0 to let the kernel pick;
// the chosen port is returned and advertised in announces and peer lists.
func (m *Manager) Start(port int) (int, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("failed to start mesh listener on port %d: %w", port, err)
	}

	m.mu.Lock()
	m.listener = listener
	m.listenPort = listener.Addr().(*net.TCPAddr).Port
	if m.advertiseIP == "" {
		m.advertiseIP = netinfo.LocalIP()
	}
	m.closed = false
	port = m.listenPort
	m.mu.Unlock()

	go m.acceptLoop(listener)

	log.Printf("INFO: [MESH] Listening for peers on TCP port %d", port)
	return port, nil
}

// ListenPort returns the bound mesh port.
func (m *Manager) ListenPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listenPort
}

// Close tears down the listener and every peer connection.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	listener := m.listener
	m.listener = nil
	all := make([]*Peer, 0, len(m.peers)+len(m.inbound))
	for _, p := range m.peers {
		p.suppressLeft = true
		all = append(all, p)
	}
	for p := range m.inbound {
		all = append(all, p)
	}
	m.peers = make(map[string]*Peer)
	m.inbound = make(map[*Peer]struct{})
	m.pending = make(map[string]struct{})
	m.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, p := range all {
		p.close()
	}
	log.Printf("INFO: [MESH] Mesh shut down")
}

func (m *Manager) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			m.mu.Lock()
			closed := m.closed
			m.mu.Unlock()
			if !closed {
				log.Printf("WARN: [MESH] Accept error: %v", err)
			}
			return
		}

		m.mu.Lock()
		if len(m.peers)+len(m.inbound) >= m.maxPeers {
			m.mu.Unlock()
			log.Printf("INFO: [MESH] Room is full, rejecting connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		ip := remoteIP(conn)
		p := newPeer(conn, ip, false)
		m.inbound[p] = struct{}{}
		m.mu.Unlock()

		log.Printf("INFO: [MESH] Incoming connection from %s", ip)
		m.startPeer(p)
	}
}

// Connect dials a peer. Duplicate attempts to the same address are
// suppressed through the pending set until the attempt resolves. uuid may
// be empty when dialing a room host for the first time.
func (m *Manager) Connect(ip string, port int, uuid string) error {
	key := peerKey(ip, port)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("mesh is closed")
	}
	if _, dialing := m.pending[key]; dialing {
		m.mu.Unlock()
		log.Printf("DEBUG: [MESH] Already connecting to %s", key)
		return nil
	}
	if uuid != "" {
		if _, known := m.peers[uuid]; known {
			m.mu.Unlock()
			return nil
		}
	}
	if ip == m.advertiseIP && port == m.listenPort {
		m.mu.Unlock()
		return nil
	}
	m.pending[key] = struct{}{}
	m.mu.Unlock()

	go m.dial(key, ip, port)
	return nil
}

func (m *Manager) dial(key, ip string, port int) {
	log.Printf("INFO: [MESH] Connecting to peer at %s", key)
	conn, err := net.DialTimeout("tcp", key, m.dialTimeout)

	m.mu.Lock()
	delete(m.pending, key)
	closed := m.closed
	m.mu.Unlock()

	if err != nil {
		log.Printf("WARN: [MESH] Failed to connect to %s: %v", key, err)
		m.handler.DialFailed(ip, port, err)
		return
	}
	if closed {
		conn.Close()
		return
	}

	p := newPeer(conn, ip, true)
	p.port = port

	m.mu.Lock()
	m.inbound[p] = struct{}{}
	m.mu.Unlock()

	m.startPeer(p)
	m.sendHello(p)
}

func (m *Manager) startPeer(p *Peer) {
	go p.writePump()
	go m.readPump(p)
	if !p.outbound {
		// The accepting side speaks first so a joiner learns our identity
		// without waiting.
		m.sendHello(p)
	}
}

func (m *Manager) readPump(p *Peer) {
	buf := make([]byte, 4096)
	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			m.peerClosed(p)
			return
		}
		p.readBuf.Append(buf[:n])

		for {
			pkt, ok, err := p.readBuf.Next()
			if err != nil {
				// Persistent decode failure is a protocol violation: drop
				// the connection, never the process.
				log.Printf("WARN: [MESH] Dropping peer %s after framing error: %v", p.ip, err)
				p.close()
				m.peerClosed(p)
				return
			}
			if !ok {
				break
			}
			m.dispatch(p, pkt)
		}
	}
}

func (m *Manager) dispatch(p *Peer, pkt protocol.Packet) {
	switch pkt.Type {
	case protocol.TypeHello:
		m.handleHello(p, pkt)
	case protocol.TypePeerList:
		m.handlePeerList(pkt)
	default:
		m.mu.Lock()
		complete := p.handshakeComplete
		uuid := p.uuid
		if !complete {
			// Buffer until the handshake admits the sender.
			p.queued = append(p.queued, pkt)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if pkt.Sender != uuid {
			log.Printf("WARN: [MESH] Packet sender %s does not match connection owner %s. Dropping %s.",
				pkt.Sender, uuid, pkt.Type)
			return
		}
		m.handler.HandlePacket(uuid, pkt)
	}
}

// sendHello introduces the local player on a fresh connection.
func (m *Manager) sendHello(p *Peer) {
	m.mu.Lock()
	hello := protocol.HelloPayload{
		Name:          m.selfName,
		Port:          m.listenPort,
		IsRoomCreator: m.isRoomCreator,
		HostUUID:      m.hostUUID,
	}
	if hello.HostUUID == "" {
		hello.HostUUID = m.selfUUID
	}
	m.mu.Unlock()

	if err := m.sendToPeer(p, protocol.TypeHello, hello); err != nil {
		log.Printf("WARN: [MESH] Failed to send HELLO to %s: %v", p.ip, err)
	}
}

func (m *Manager) handleHello(p *Peer, pkt protocol.Packet) {
	var hello protocol.HelloPayload
	if err := pkt.DecodePayload(&hello); err != nil {
		log.Printf("WARN: [MESH] Dropping peer %s after malformed HELLO: %v", p.ip, err)
		p.close()
		m.peerClosed(p)
		return
	}

	m.mu.Lock()
	p.uuid = pkt.Sender
	p.name = hello.Name
	p.port = hello.Port
	delete(m.inbound, p)

	if existing, dup := m.peers[p.uuid]; dup {
		// Both sides dialed at once. The link dialed by the lower UUID
		// survives; both sides compute the same answer independently.
		if m.keepDuplicate(p) {
			existing.suppressLeft = true
			m.peers[p.uuid] = p
			p.handshakeComplete = true
			queued := p.queued
			p.queued = nil
			m.mu.Unlock()
			log.Printf("DEBUG: [MESH] Duplicate connection to %s, keeping the new link", hello.Name)
			existing.close()
			for _, q := range queued {
				if q.Sender == p.uuid {
					m.handler.HandlePacket(p.uuid, q)
				}
			}
		} else {
			p.suppressLeft = true
			m.mu.Unlock()
			log.Printf("DEBUG: [MESH] Duplicate connection to %s, keeping the existing link", hello.Name)
			p.close()
		}
		return
	}

	m.peers[p.uuid] = p
	p.handshakeComplete = true
	queued := p.queued
	p.queued = nil
	m.mu.Unlock()

	log.Printf("INFO: [MESH] Admitted peer %q (%s) from %s:%d", hello.Name, p.uuid, p.ip, p.port)
	m.handler.PeerAdmitted(p.uuid, hello, p.ip)

	// Complete the handshake with a peer list so the joiner can finish the
	// mesh transitively.
	m.sendPeerList(p)

	for _, q := range queued {
		if q.Sender == p.uuid {
			m.handler.HandlePacket(p.uuid, q)
		}
	}
}

// keepDuplicate reports whether the newly handshaken link p should replace
// the existing one for the same UUID. Caller holds the mutex.
func (m *Manager) keepDuplicate(p *Peer) bool {
	selfDials := m.selfUUID < p.uuid
	return p.outbound == selfDials
}

// sendPeerList tells p about every other admitted peer so it can dial the
// ones it is missing.
func (m *Manager) sendPeerList(p *Peer) {
	m.mu.Lock()
	payload := protocol.PeerListPayload{Peers: make([]protocol.PeerEntry, 0, len(m.peers))}
	for uuid, other := range m.peers {
		if uuid == p.uuid || !other.handshakeComplete {
			continue
		}
		payload.Peers = append(payload.Peers, protocol.PeerEntry{
			UUID: other.uuid,
			Name: other.name,
			IP:   other.ip,
			Port: other.port,
		})
	}
	m.mu.Unlock()

	if err := m.sendToPeer(p, protocol.TypePeerList, payload); err != nil {
		log.Printf("WARN: [MESH] Failed to send PEER_LIST to %s: %v", p.ip, err)
	}
}

func (m *Manager) handlePeerList(pkt protocol.Packet) {
	var payload protocol.PeerListPayload
	if err := pkt.DecodePayload(&payload); err != nil {
		log.Printf("WARN: [MESH] Ignoring malformed PEER_LIST: %v", err)
		return
	}

	log.Printf("DEBUG: [MESH] Received PEER_LIST with %d peers", len(payload.Peers))
	m.connectToMissingPeers(payload.Peers)
}

// connectToMissingPeers guarantees mesh completeness transitively: every new
// pairwise link exchanges peer lists of its own.
func (m *Manager) connectToMissingPeers(entries []protocol.PeerEntry) {
	for _, e := range entries {
		if e.UUID == m.selfUUID {
			continue
		}
		m.mu.Lock()
		_, known := m.peers[e.UUID]
		m.mu.Unlock()
		if known {
			continue
		}
		if err := m.Connect(e.IP, e.Port, e.UUID); err != nil {
			log.Printf("WARN: [MESH] Failed to dial missing peer %s: %v", e.UUID, err)
		}
	}
}

// peerClosed purges a dead link and everything derived from it.
func (m *Manager) peerClosed(p *Peer) {
	p.close()

	m.mu.Lock()
	delete(m.inbound, p)
	admitted := false
	if p.uuid != "" && m.peers[p.uuid] == p {
		delete(m.peers, p.uuid)
		admitted = p.handshakeComplete
	}
	suppress := p.suppressLeft
	uuid, name := p.uuid, p.name
	m.mu.Unlock()

	if admitted && !suppress {
		log.Printf("INFO: [MESH] Peer %q (%s) disconnected", name, uuid)
		m.handler.PeerLeft(uuid, name)
	}
}

// Remove closes the connection to uuid, firing PeerLeft like a natural
// disconnect. Used for kicks.
func (m *Manager) Remove(uuid string) {
	m.mu.Lock()
	p := m.peers[uuid]
	m.mu.Unlock()
	if p != nil {
		p.close()
		m.peerClosed(p)
	}
}

// Broadcast sends a packet to every admitted peer.
func (m *Manager) Broadcast(pkt protocol.Packet) {
	frame, err := protocol.Encode(pkt)
	if err != nil {
		log.Printf("ERROR: [MESH] Failed to encode %s broadcast: %v", pkt.Type, err)
		return
	}

	m.mu.Lock()
	targets := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		targets = append(targets, p)
	}
	m.mu.Unlock()

	for _, p := range targets {
		p.enqueue(frame)
	}
}

// Send delivers a packet to a single admitted peer.
func (m *Manager) Send(uuid string, pkt protocol.Packet) error {
	m.mu.Lock()
	p := m.peers[uuid]
	m.mu.Unlock()
	if p == nil {
		return fmt.Errorf("no connection to peer %s", uuid)
	}
	return m.sendPacket(p, pkt)
}

func (m *Manager) sendToPeer(p *Peer, t protocol.PacketType, payload interface{}) error {
	pkt, err := protocol.NewPacket(t, m.selfUUID, payload)
	if err != nil {
		return err
	}
	return m.sendPacket(p, pkt)
}

func (m *Manager) sendPacket(p *Peer, pkt protocol.Packet) error {
	frame, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}
	p.enqueue(frame)
	return nil
}

// Peers snapshots the admitted peers.
func (m *Manager) Peers() []PeerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PeerSnapshot, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerSnapshot{UUID: p.uuid, Name: p.name, IP: p.ip, Port: p.port})
	}
	return out
}

// PeerCount returns the number of admitted peers. In a healthy mesh of N
// players this is N-1.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func peerKey(ip string, port int) string {
	return net.JoinHostPort(ip, fmt.Sprintf("%d", port))
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return netinfo.NormalizeIP(host)
}
