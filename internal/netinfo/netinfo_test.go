package netinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsVirtual(t *testing.T) {
	require.True(t, isVirtual("docker0"))
	require.True(t, isVirtual("vEthernet (WSL)"))
	require.True(t, isVirtual("br-12ab34"))
	require.True(t, isVirtual("vmnet8"))
	require.False(t, isVirtual("eth0"))
	require.False(t, isVirtual("wlan0"))
	require.False(t, isVirtual("Intel(R) Wi-Fi 6"))
}

func TestClassify(t *testing.T) {
	require.Equal(t, "Ethernet", classify("eth0"))
	require.Equal(t, "Ethernet", classify("enp3s0"))
	require.Equal(t, "WiFi", classify("wlan0"))
	require.Equal(t, "WiFi", classify("Wi-Fi"))
	require.Equal(t, "Network", classify("tun0"))
}

func TestScorePrefersWiredPrivate(t *testing.T) {
	wiredPrivate := score("eth0", "192.168.1.10")
	wifiPrivate := score("wlan0", "10.0.0.2")
	wiredPublic := score("eth1", "203.0.113.9")

	require.Greater(t, wiredPrivate, wifiPrivate)
	require.Greater(t, wifiPrivate, wiredPublic)
}

func TestIsPrivateLAN(t *testing.T) {
	require.True(t, isPrivateLAN("192.168.0.1"))
	require.True(t, isPrivateLAN("10.1.2.3"))
	require.True(t, isPrivateLAN("172.16.0.1"))
	require.False(t, isPrivateLAN("172.32.0.1"))
	require.False(t, isPrivateLAN("8.8.8.8"))
	require.False(t, isPrivateLAN("not-an-ip"))
}

func TestNormalizeIP(t *testing.T) {
	require.Equal(t, "192.168.1.5", NormalizeIP("::ffff:192.168.1.5"))
	require.Equal(t, "192.168.1.5", NormalizeIP("192.168.1.5"))
}

func TestLocalIPNeverEmpty(t *testing.T) {
	require.NotEmpty(t, LocalIP())
}
