package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lagoon-games/typerace-mesh/internal/protocol"
)

// recordingHandler collects mesh callbacks for assertions.
type recordingHandler struct {
	mu       sync.Mutex
	admitted []string
	left     []string
	packets  []protocol.Packet
	dialErrs int
}

func (h *recordingHandler) HandlePacket(from string, pkt protocol.Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets = append(h.packets, pkt)
}

func (h *recordingHandler) PeerAdmitted(uuid string, hello protocol.HelloPayload, ip string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.admitted = append(h.admitted, uuid)
}

func (h *recordingHandler) PeerLeft(uuid, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.left = append(h.left, uuid)
}

func (h *recordingHandler) DialFailed(ip string, port int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialErrs++
}

func (h *recordingHandler) admittedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.admitted)
}

func (h *recordingHandler) packetCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.packets)
}

func (h *recordingHandler) leftCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.left)
}

func newTestManager(t *testing.T, uuid, name string) (*Manager, *recordingHandler, int) {
	t.Helper()
	h := &recordingHandler{}
	m := NewManager(uuid, name, 7, 2*time.Second, h)
	m.SetAdvertiseIP("127.0.0.1")
	port, err := m.Start(0)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, h, port
}

func TestHandshakeAdmitsBothSides(t *testing.T) {
	a, ha, portA := newTestManager(t, "uuid-a", "alice")
	b, hb, _ := newTestManager(t, "uuid-b", "bob")

	require.NoError(t, b.Connect("127.0.0.1", portA, ""))

	require.Eventually(t, func() bool {
		return a.PeerCount() == 1 && b.PeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond, "both sides should admit each other")

	require.Eventually(t, func() bool {
		return ha.admittedCount() == 1 && hb.admittedCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	peers := a.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "uuid-b", peers[0].UUID)
	require.Equal(t, "bob", peers[0].Name)
}

func TestPeerListCompletesFullMesh(t *testing.T) {
	host, _, hostPort := newTestManager(t, "uuid-a", "alice")
	g1, _, _ := newTestManager(t, "uuid-b", "bob")
	g2, _, _ := newTestManager(t, "uuid-c", "carol")

	require.NoError(t, g1.Connect("127.0.0.1", hostPort, ""))
	require.Eventually(t, func() bool {
		return host.PeerCount() == 1 && g1.PeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// g2 only dials the host; the PEER_LIST exchange must lead it to g1.
	require.NoError(t, g2.Connect("127.0.0.1", hostPort, ""))

	require.Eventually(t, func() bool {
		return host.PeerCount() == 2 && g1.PeerCount() == 2 && g2.PeerCount() == 2
	}, 5*time.Second, 10*time.Millisecond, "each of 3 peers must hold exactly 2 links")
}

func TestSimultaneousDialsCollapseToOneLink(t *testing.T) {
	a, _, portA := newTestManager(t, "uuid-a", "alice")
	b, _, portB := newTestManager(t, "uuid-b", "bob")

	require.NoError(t, a.Connect("127.0.0.1", portB, "uuid-b"))
	require.NoError(t, b.Connect("127.0.0.1", portA, "uuid-a"))

	require.Eventually(t, func() bool {
		return a.PeerCount() == 1 && b.PeerCount() == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Give the duplicate resolution a moment, then re-check the invariant
	// held instead of flapping to zero or two.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, a.PeerCount())
	require.Equal(t, 1, b.PeerCount())

	// The surviving link must still pass traffic both ways.
	pkt, err := protocol.NewPacket(protocol.TypeReadyResponse, "uuid-a", nil)
	require.NoError(t, err)
	a.Broadcast(pkt)

	hb := b.handler.(*recordingHandler)
	require.Eventually(t, func() bool { return hb.packetCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	host, _, hostPort := newTestManager(t, "uuid-a", "alice")
	g1, h1, _ := newTestManager(t, "uuid-b", "bob")
	g2, h2, _ := newTestManager(t, "uuid-c", "carol")

	require.NoError(t, g1.Connect("127.0.0.1", hostPort, ""))
	require.NoError(t, g2.Connect("127.0.0.1", hostPort, ""))
	require.Eventually(t, func() bool {
		return host.PeerCount() == 2 && g1.PeerCount() == 2 && g2.PeerCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	pkt, err := protocol.NewPacket(protocol.TypeGameText, "uuid-a", protocol.GameTextPayload{Text: "the quick fox"})
	require.NoError(t, err)
	host.Broadcast(pkt)

	require.Eventually(t, func() bool {
		return h1.packetCount() == 1 && h2.packetCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDisconnectFiresPeerLeftAndPurgesState(t *testing.T) {
	a, ha, portA := newTestManager(t, "uuid-a", "alice")
	b, _, _ := newTestManager(t, "uuid-b", "bob")

	require.NoError(t, b.Connect("127.0.0.1", portA, ""))
	require.Eventually(t, func() bool { return a.PeerCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	b.Close()

	require.Eventually(t, func() bool {
		return a.PeerCount() == 0 && ha.leftCount() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDialFailureResolvesPendingAttempt(t *testing.T) {
	a, ha, _ := newTestManager(t, "uuid-a", "alice")

	// Nothing listens on this port; the dial must fail, resolve the pending
	// marker and allow a retry.
	require.NoError(t, a.Connect("127.0.0.1", 1, ""))
	require.Eventually(t, func() bool {
		ha.mu.Lock()
		defer ha.mu.Unlock()
		return ha.dialErrs == 1
	}, 5*time.Second, 10*time.Millisecond)

	a.mu.Lock()
	pending := len(a.pending)
	a.mu.Unlock()
	require.Zero(t, pending)
}

func TestSenderSpoofingIsDropped(t *testing.T) {
	a, ha, portA := newTestManager(t, "uuid-a", "alice")
	b, _, _ := newTestManager(t, "uuid-b", "bob")

	require.NoError(t, b.Connect("127.0.0.1", portA, ""))
	require.Eventually(t, func() bool { return a.PeerCount() == 1 && b.PeerCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	// A packet claiming to come from a different UUID than the connection
	// owner must not reach the handler.
	forged, err := protocol.NewPacket(protocol.TypeGameStart, "uuid-mallory", nil)
	require.NoError(t, err)
	b.Broadcast(forged)

	honest, err := protocol.NewPacket(protocol.TypeReadyResponse, "uuid-b", nil)
	require.NoError(t, err)
	b.Broadcast(honest)

	require.Eventually(t, func() bool { return ha.packetCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	ha.mu.Lock()
	defer ha.mu.Unlock()
	require.Equal(t, protocol.TypeReadyResponse, ha.packets[0].Type)
}
