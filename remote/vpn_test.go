package remote

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmprof/wasmprof/config"
)

func vpnConfig(t *testing.T) config.VPNConfig {
	t.Helper()
	useSudo := false
	return config.VPNConfig{
		ConfigPath:        filepath.Join(t.TempDir(), "lab.ovpn"),
		InterfacePrefixes: []string{"tun", "tap"},
		Attempts:          5,
		PollInterval:      10 * time.Millisecond,
		UseSudo:           &useSudo,
	}
}

// tunnelAfter returns a lister that reports a tun0 interface from the n-th call on.
func tunnelAfter(n int) InterfaceLister {
	calls := 0
	return func() ([]net.Interface, error) {
		calls++
		ifaces := []net.Interface{{Name: "lo"}, {Name: "eth0"}}
		if calls >= n {
			ifaces = append(ifaces, net.Interface{Name: "tun0"})
		}
		return ifaces, nil
	}
}

func TestVPN_TunnelUp(t *testing.T) {
	tests := []struct {
		name     string
		ifaces   []string
		expected bool
	}{
		{name: "tun interface", ifaces: []string{"lo", "tun0"}, expected: true},
		{name: "tap interface", ifaces: []string{"tap1"}, expected: true},
		{name: "no tunnel", ifaces: []string{"lo", "eth0", "docker0"}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVPN(zerolog.Nop(), vpnConfig(t), WithInterfaceLister(func() ([]net.Interface, error) {
				var ifaces []net.Interface
				for _, name := range tt.ifaces {
					ifaces = append(ifaces, net.Interface{Name: name})
				}
				return ifaces, nil
			}))
			up, err := v.TunnelUp()
			require.NoError(t, err)
			assert.Equal(t, tt.expected, up)
		})
	}
}

func TestVPN_ExistingTunnelIsNotOwned(t *testing.T) {
	v := NewVPN(zerolog.Nop(), vpnConfig(t),
		WithInterfaceLister(tunnelAfter(1)),
		WithClientCommand("/nonexistent/openvpn"))

	require.NoError(t, v.Up(context.Background()))
	assert.False(t, v.Owned())
	v.Down()
}

func TestVPN_StartsClientAndPolls(t *testing.T) {
	v := NewVPN(zerolog.Nop(), vpnConfig(t),
		WithInterfaceLister(tunnelAfter(3)),
		WithClientCommand("sh", "-c", "exec sleep 30", "openvpn"))

	require.NoError(t, v.Up(context.Background()))
	assert.True(t, v.Owned())

	v.Down()
	assert.False(t, v.Owned())
	v.Down()
}

func TestVPN_Timeout(t *testing.T) {
	cfg := vpnConfig(t)
	cfg.Attempts = 3
	v := NewVPN(zerolog.Nop(), cfg,
		WithInterfaceLister(tunnelAfter(100)),
		WithClientCommand("sh", "-c", "exec sleep 30", "openvpn"))

	err := v.Up(context.Background())
	assert.ErrorIs(t, err, ErrTunnelTimeout)
	assert.False(t, v.Owned())
}

func TestVPN_ClientExits(t *testing.T) {
	cfg := vpnConfig(t)
	cfg.Attempts = 500
	v := NewVPN(zerolog.Nop(), cfg,
		WithInterfaceLister(tunnelAfter(1000)),
		WithClientCommand("sh", "-c", "echo AUTH_FAILED >&2; exit 1", "openvpn"))

	err := v.Up(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_FAILED")
	assert.False(t, v.Owned())
}

func TestVPN_NoConfigConnectsDirectly(t *testing.T) {
	cfg := vpnConfig(t)
	cfg.ConfigPath = ""
	v := NewVPN(zerolog.Nop(), cfg, WithInterfaceLister(tunnelAfter(1000)))

	require.NoError(t, v.Up(context.Background()))
	assert.False(t, v.Owned())
}

func TestVPN_CredentialsFromEnvironment(t *testing.T) {
	t.Setenv(EnvVPNUsername, "bench")
	t.Setenv(EnvVPNPassword, "s3cret")

	v := NewVPN(zerolog.Nop(), vpnConfig(t))
	path, err := v.credentialsFile()
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bench\ns3cret\n", string(data))

	v.Down()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestVPN_CredentialsFileFallback(t *testing.T) {
	t.Setenv(EnvVPNUsername, "")
	t.Setenv(EnvVPNPassword, "")

	cfg := vpnConfig(t)
	cfg.CredentialsFile = "/etc/openvpn/auth.txt"
	v := NewVPN(zerolog.Nop(), cfg)

	path, err := v.credentialsFile()
	require.NoError(t, err)
	assert.Equal(t, "/etc/openvpn/auth.txt", path)
}
