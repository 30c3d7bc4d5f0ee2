package discovery

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePresence(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{name: "valid", payload: `{"type":"presence","deviceId":"A1","deviceName":"Alpha","email":"a@x","timestamp":1700000000000}`},
		{name: "not json", payload: `hello`, wantErr: true},
		{name: "wrong type", payload: `{"type":"goodbye","deviceId":"A1"}`, wantErr: true},
		{name: "missing device id", payload: `{"type":"presence","email":"a@x"}`, wantErr: true},
		{name: "empty", payload: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodePresence([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPresence))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "A1", msg.DeviceID)
			assert.Equal(t, "Alpha", msg.DeviceName)
			assert.Equal(t, "a@x", msg.Email)
			assert.Equal(t, int64(1700000000000), msg.Timestamp)
		})
	}
}

func TestEncodePresenceFillsType(t *testing.T) {
	payload, err := EncodePresence(PresenceMessage{DeviceID: "A1", Email: "a@x"})
	require.NoError(t, err)

	msg, err := DecodePresence(payload)
	require.NoError(t, err)
	assert.Equal(t, PresenceType, msg.Type)
}

func TestBroadcastAddresses(t *testing.T) {
	cidr := func(s string) *net.IPNet {
		ip, ipnet, err := net.ParseCIDR(s)
		require.NoError(t, err)
		ipnet.IP = ip
		return ipnet
	}

	ifaces := []interfaceAddrs{
		{Name: "lo", Flags: net.FlagUp | net.FlagLoopback, Addrs: []net.Addr{cidr("127.0.0.1/8")}},
		{Name: "eth0", Flags: net.FlagUp | net.FlagBroadcast, Addrs: []net.Addr{cidr("192.168.1.23/24"), cidr("fe80::1/64")}},
		{Name: "eth1", Flags: net.FlagUp | net.FlagBroadcast, Addrs: []net.Addr{cidr("10.20.30.40/16")}},
		{Name: "wlan0", Flags: net.FlagUp | net.FlagBroadcast, Addrs: []net.Addr{cidr("192.168.1.99/24")}},
		{Name: "eth2", Flags: net.FlagBroadcast, Addrs: []net.Addr{cidr("172.16.0.5/12")}},
	}

	got := broadcastAddresses(ifaces, DefaultPort)
	gotStrings := make([]string, 0, len(got))
	for _, target := range got {
		gotStrings = append(gotStrings, target.Addr.IP.String())
		assert.Equal(t, DefaultPort, target.Addr.Port)
	}
	assert.Equal(t, []string{"192.168.1.255", "10.20.255.255"}, gotStrings)
}

func TestBroadcastAddressesFallsBackToLimitedBroadcast(t *testing.T) {
	got := broadcastAddresses(nil, DefaultPort)
	require.Len(t, got, 1)
	assert.Equal(t, "255.255.255.255", got[0].Addr.IP.String())
	assert.Zero(t, got[0].IfIndex)

	loopbackOnly := []interfaceAddrs{{
		Name:  "lo",
		Flags: net.FlagUp | net.FlagLoopback,
		Addrs: []net.Addr{&net.IPNet{IP: net.IPv4(127, 0, 0, 1), Mask: net.CIDRMask(8, 32)}},
	}}
	got = broadcastAddresses(loopbackOnly, DefaultPort)
	require.Len(t, got, 1)
	assert.Equal(t, "255.255.255.255", got[0].Addr.IP.String())
}
