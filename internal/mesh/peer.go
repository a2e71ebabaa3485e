package mesh

import (
	"log"
	"net"
	"sync"

	"github.com/lagoon-games/typerace-mesh/internal/protocol"
)

const sendQueueSize = 256

// Peer is one direct TCP link in the mesh. It is owned exclusively by the
// Manager; all derived state is purged through Manager.peerClosed when the
// link dies.
type Peer struct {
	conn net.Conn

	// Identity, learned from the peer's HELLO. Guarded by the Manager mutex.
	uuid string
	name string
	ip   string
	port int // the peer's mesh listen port, not the connection's source port

	// outbound records which side dialed. Duplicate simultaneous connects
	// are resolved deterministically from this plus UUID ordering.
	outbound bool

	handshakeComplete bool

	// queued holds game packets that arrived before the handshake finished.
	// They are dispatched, not discarded, once the peer is admitted.
	queued []protocol.Packet

	readBuf protocol.FrameBuffer
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}

	// suppressLeft marks the losing half of a duplicate connection so its
	// teardown does not masquerade as the player leaving.
	suppressLeft bool
}

func newPeer(conn net.Conn, ip string, outbound bool) *Peer {
	return &Peer{
		conn:     conn,
		ip:       ip,
		outbound: outbound,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// UUID returns the peer's identity, empty until its HELLO arrived.
func (p *Peer) UUID() string { return p.uuid }

// Name returns the peer's display name.
func (p *Peer) Name() string { return p.name }

// Addr returns the peer's dialable mesh address.
func (p *Peer) Addr() string { return peerKey(p.ip, p.port) }

// enqueue queues an encoded frame for delivery. A full queue drops the
// frame; progress traffic is periodic so the next tick repairs the view.
func (p *Peer) enqueue(frame []byte) {
	select {
	case p.send <- frame:
	default:
		log.Printf("WARN: [MESH] Send queue for peer %s is full. Dropping frame.", p.ip)
	}
}

func (p *Peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// writePump drains the send queue onto the socket. It exits when the peer
// closes, which also wakes the read pump via the closed connection.
func (p *Peer) writePump() {
	for {
		select {
		case frame := <-p.send:
			if _, err := p.conn.Write(frame); err != nil {
				log.Printf("WARN: [MESH] Failed to write to peer %s: %v", p.ip, err)
				p.close()
				return
			}
		case <-p.done:
			return
		}
	}
}
