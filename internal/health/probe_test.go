package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uci-fleet/internal/shared/remote"
)

const busyboxPing = `PING 192.168.1.1 (192.168.1.1): 56 data bytes
64 bytes from 192.168.1.1: seq=0 ttl=64 time=0.512 ms

--- 192.168.1.1 ping statistics ---
3 packets transmitted, 2 packets received, 33% packet loss
round-trip min/avg/max = 0.412/0.750/1.020 ms
`

const linkOutput = `1: lo: <LOOPBACK,UP,LOWER_UP> mtu 65536 qdisc noqueue state UNKNOWN
2: eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 qdisc mq state UP
3: wlan0: <BROADCAST,MULTICAST> mtu 1500 qdisc noop state DOWN
4: br-lan@eth0: <BROADCAST,MULTICAST,UP,LOWER_UP> mtu 1500 state UP
`

func TestParsePing(t *testing.T) {
	r := parsePing(busyboxPing)
	assert.InDelta(t, 33.0, r.Loss, 0.01)
	assert.Equal(t, 750*time.Microsecond, r.RTT)

	r = parsePing("rtt min/avg/max/mdev = 10.1/12.5/14.0/1.1 ms\n3 packets transmitted, 3 received, 0% packet loss")
	assert.Equal(t, 12500*time.Microsecond, r.RTT)
	assert.Zero(t, r.Loss)
}

func TestParseLinks(t *testing.T) {
	links := parseLinks(linkOutput)
	assert.Equal(t, map[string]bool{"lo": true, "eth0": true, "wlan0": false, "br-lan": true}, links)
}

func TestRemoteProbeGateway(t *testing.T) {
	s := remote.NewFakeSession("r1")
	s.On("ip route show default", remote.ExecResult{Stdout: "default via 10.0.0.1 dev wan proto static\n"}, nil)
	s.On("ping -c 3", remote.ExecResult{Stdout: busyboxPing}, nil)
	require.NoError(t, s.Connect(context.Background()))

	p := NewRemoteProbe(s, time.Second)
	addr, ping, err := p.Gateway(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr)
	assert.Equal(t, 750*time.Microsecond, ping.RTT)
	assert.True(t, s.Ran("ping -c 3 -W 2 '10.0.0.1'"))
}

func TestRemoteProbeInterfaceMissing(t *testing.T) {
	s := remote.NewFakeSession("r1")
	s.Fail("ip -o link show dev", "Device \"eth9\" does not exist.")
	require.NoError(t, s.Connect(context.Background()))

	p := NewRemoteProbe(s, time.Second)
	_, err := p.Interface(context.Background(), "eth9")
	assert.Error(t, err)
}

func TestRemoteProbeDNSServers(t *testing.T) {
	s := remote.NewFakeSession("r1")
	s.On("resolv.conf", remote.ExecResult{Stdout: "# auto\nnameserver 1.1.1.1\nnameserver 8.8.8.8\nsearch lan\nnameserver 1.1.1.1\n"}, nil)
	require.NoError(t, s.Connect(context.Background()))

	servers, err := NewRemoteProbe(s, time.Second).DNSServers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1", "8.8.8.8"}, servers)
}

func TestRemoteProbeRestartService(t *testing.T) {
	s := remote.NewFakeSession("r1")
	require.NoError(t, s.Connect(context.Background()))
	p := NewRemoteProbe(s, time.Second)

	require.NoError(t, p.RestartService(context.Background(), "network"))
	assert.True(t, s.Ran("/etc/init.d/network restart"))
	assert.Error(t, p.RestartService(context.Background(), "network; reboot"))
}
