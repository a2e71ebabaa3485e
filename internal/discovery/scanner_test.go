package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lagoon-games/typerace-mesh/internal/protocol"
)

func announceBytes(t *testing.T, uuid, name string, count int, status string) []byte {
	t.Helper()
	data, err := protocol.EncodeAnnounce(protocol.Announce{
		UUID:        uuid,
		Name:        name,
		Port:        52765,
		PlayerCount: count,
		Status:      status,
	})
	require.NoError(t, err)
	return data
}

func TestScannerCachesAndRefreshesRooms(t *testing.T) {
	var found []RoomInfo
	s := NewScanner("self", 5*time.Second, func(r RoomInfo) { found = append(found, r) })

	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	src := net.ParseIP("192.168.1.20")
	s.handleDatagram(announceBytes(t, "host-1", "alice", 1, protocol.StatusWaiting), src)

	rooms := s.Rooms()
	require.Len(t, rooms, 1)
	require.Equal(t, "alice", rooms[0].HostName)
	require.Equal(t, "192.168.1.20", rooms[0].HostIP)
	require.Len(t, found, 1, "first sighting fires onFound")

	// A refresh updates the entry without re-firing onFound.
	now = now.Add(time.Second)
	s.handleDatagram(announceBytes(t, "host-1", "alice", 3, protocol.StatusCountdown), src)

	rooms = s.Rooms()
	require.Len(t, rooms, 1)
	require.Equal(t, 3, rooms[0].PlayerCount)
	require.Equal(t, protocol.StatusCountdown, rooms[0].Status)
	require.Equal(t, now, rooms[0].LastSeen)
	require.Len(t, found, 1)
}

func TestScannerIgnoresOwnAnnounce(t *testing.T) {
	s := NewScanner("self", 5*time.Second, nil)
	s.handleDatagram(announceBytes(t, "self", "me", 1, protocol.StatusWaiting), net.ParseIP("127.0.0.1"))
	require.Empty(t, s.Rooms())
}

func TestScannerIgnoresForeignDatagrams(t *testing.T) {
	s := NewScanner("self", 5*time.Second, nil)
	s.handleDatagram([]byte(`{"app":"other-app","type":"DISCOVERY","uuid":"x"}`), net.ParseIP("127.0.0.1"))
	s.handleDatagram([]byte("not even json"), net.ParseIP("127.0.0.1"))
	require.Empty(t, s.Rooms())
}

func TestSweepPurgesStaleRooms(t *testing.T) {
	s := NewScanner("self", 5*time.Second, nil)

	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.handleDatagram(announceBytes(t, "host-1", "alice", 1, protocol.StatusWaiting), net.ParseIP("10.0.0.1"))
	s.handleDatagram(announceBytes(t, "host-2", "bob", 2, protocol.StatusRacing), net.ParseIP("10.0.0.2"))

	// host-1 keeps announcing, host-2 goes silent.
	now = now.Add(4 * time.Second)
	s.handleDatagram(announceBytes(t, "host-1", "alice", 1, protocol.StatusWaiting), net.ParseIP("10.0.0.1"))

	now = now.Add(2 * time.Second)
	s.sweep()

	rooms := s.Rooms()
	require.Len(t, rooms, 1)
	require.Equal(t, "host-1", rooms[0].HostUUID)
}

func TestScannerNormalizesMappedSourceAddress(t *testing.T) {
	s := NewScanner("self", 5*time.Second, nil)
	s.handleDatagram(announceBytes(t, "host-1", "alice", 1, protocol.StatusWaiting), net.ParseIP("::ffff:192.168.1.9"))

	rooms := s.Rooms()
	require.Len(t, rooms, 1)
	require.Equal(t, "192.168.1.9", rooms[0].HostIP)
}
