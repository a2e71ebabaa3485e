package discovery

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lagoon-games/typerace-mesh/internal/netinfo"
	"github.com/lagoon-games/typerace-mesh/internal/protocol"
)

// Announcer broadcasts a host's room once per announce interval. It is
// fire-and-forget: no acknowledgment exists, receivers bound staleness with
// their cleanup sweep.
type Announcer struct {
	port     int
	interval time.Duration
	iface    string // optional interface IP to broadcast from

	// state is polled right before each send so the announce always carries
	// the current player count and room status.
	state func() protocol.Announce

	conn    *net.UDPConn
	done    chan struct{}
	stopped sync.Once
}

// NewAnnouncer creates an announcer. state must be safe to call from the
// announcer's goroutine.
func NewAnnouncer(port int, interval time.Duration, iface string, state func() protocol.Announce) *Announcer {
	return &Announcer{
		port:     port,
		interval: interval,
		iface:    iface,
		state:    state,
		done:     make(chan struct{}),
	}
}

// Start sends the first announce immediately, then once per interval.
func (a *Announcer) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("failed to open announce socket: %w", err)
	}
	a.conn = conn

	go func() {
		a.send()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.send()
			case <-a.done:
				return
			}
		}
	}()

	log.Printf("INFO: [DISCOVERY] Announcing room every %s on UDP port %d", a.interval, a.port)
	return nil
}

// Stop halts announcing. Peers that already cached the room will expire it
// after the room timeout.
func (a *Announcer) Stop() {
	a.stopped.Do(func() {
		close(a.done)
		if a.conn != nil {
			a.conn.Close()
		}
		log.Printf("INFO: [DISCOVERY] Stopped announcing")
	})
}

func (a *Announcer) send() {
	data, err := protocol.EncodeAnnounce(a.state())
	if err != nil {
		log.Printf("ERROR: [DISCOVERY] Failed to encode announce: %v", err)
		return
	}

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: a.port}
	if a.iface != "" {
		if bcast, ok := netinfo.BroadcastAddr(a.iface); ok {
			dest = &net.UDPAddr{IP: bcast, Port: a.port}
		}
	}

	if _, err := a.conn.WriteToUDP(data, dest); err != nil {
		// Transient datagram failures self-heal at the next interval.
		log.Printf("WARN: [DISCOVERY] Announce to %s failed: %v", dest, err)
	}
}
