package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnnounceRoundTrip(t *testing.T) {
	data, err := EncodeAnnounce(Announce{
		UUID:        "host-1",
		Name:        "alice",
		Port:        52765,
		PlayerCount: 3,
		Status:      StatusWaiting,
	})
	require.NoError(t, err)

	a, err := DecodeAnnounce(data)
	require.NoError(t, err)
	require.Equal(t, "host-1", a.UUID)
	require.Equal(t, AppIdentifier, a.App)
	require.Equal(t, StatusWaiting, a.Status)
}

func TestDecodeAnnounceRejectsForeignTraffic(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `########`},
		{"wrong app", `{"app":"someone-else","type":"DISCOVERY","uuid":"x"}`},
		{"wrong type", `{"app":"typerace-mesh","type":"CHAT","uuid":"x"}`},
		{"missing uuid", `{"app":"typerace-mesh","type":"DISCOVERY"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeAnnounce([]byte(tc.data))
			require.Error(t, err)
		})
	}
}
