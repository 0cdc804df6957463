package remote

// This file contains the VPN tunnel management used to reach the VM
// network: detection of an existing tunnel interface, launching the
// VPN client with credentials from the environment, and teardown.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sys/unix"

	"github.com/wasmprof/wasmprof/config"
)

// Environment variables holding the VPN credentials.
const (
	EnvVPNUsername = "WASMPROF_VPN_USERNAME"
	EnvVPNPassword = "WASMPROF_VPN_PASSWORD"
)

// ErrTunnelTimeout is returned when no tunnel interface shows up in time.
var ErrTunnelTimeout = errors.New("vpn tunnel did not come up")

const stopTimeout = 5 * time.Second

// Tunnel brings the network path to the VM up and down.
type Tunnel interface {
	Up(ctx context.Context) error
	Down()
}

// InterfaceLister returns the network interfaces of the host.
type InterfaceLister func() ([]net.Interface, error)

// VPN manages an OpenVPN client process.
type VPN struct {
	logger     zerolog.Logger
	cfg        config.VPNConfig
	interfaces InterfaceLister
	command    []string

	cmd      *exec.Cmd
	done     chan struct{}
	stderr   bytes.Buffer
	authFile string
}

// VPNOption configures a VPN.
type VPNOption func(*VPN)

// WithInterfaceLister replaces interface discovery.
func WithInterfaceLister(l InterfaceLister) VPNOption {
	return func(v *VPN) {
		v.interfaces = l
	}
}

// WithClientCommand replaces the `openvpn` argv prefix.
func WithClientCommand(argv ...string) VPNOption {
	return func(v *VPN) {
		v.command = argv
	}
}

// NewVPN creates a VPN tunnel manager.
func NewVPN(logger zerolog.Logger, cfg config.VPNConfig, opts ...VPNOption) *VPN {
	v := &VPN{
		logger:     logger,
		cfg:        cfg,
		interfaces: net.Interfaces,
		command:    []string{"openvpn"},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// TunnelUp reports whether a tunnel interface exists.
func (v *VPN) TunnelUp() (bool, error) {
	ifaces, err := v.interfaces()
	if err != nil {
		return false, fmt.Errorf("failed to list network interfaces: %w", err)
	}
	_, found := lo.Find(ifaces, func(iface net.Interface) bool {
		return lo.SomeBy(v.cfg.InterfacePrefixes, func(prefix string) bool {
			return strings.HasPrefix(iface.Name, prefix)
		})
	})
	return found, nil
}

// Up ensures a tunnel exists. An existing tunnel is reused and not owned;
// otherwise the VPN client is started and polled for until the interface
// appears.
func (v *VPN) Up(ctx context.Context) error {
	up, err := v.TunnelUp()
	if err != nil {
		return err
	}
	if up {
		v.logger.Info().Msg("VPN tunnel already established")
		return nil
	}
	if v.cfg.ConfigPath == "" {
		v.logger.Debug().Msg("No VPN configured, connecting directly")
		return nil
	}
	if v.cmd != nil {
		return fmt.Errorf("vpn client already started")
	}

	if err := v.start(); err != nil {
		return err
	}

	for attempt := 1; attempt <= v.cfg.Attempts; attempt++ {
		select {
		case <-ctx.Done():
			v.Down()
			return ctx.Err()
		case <-v.done:
			err := fmt.Errorf("vpn client exited: %s", strings.TrimSpace(v.stderr.String()))
			v.Down()
			return err
		case <-time.After(v.cfg.PollInterval):
		}

		up, err := v.TunnelUp()
		if err != nil {
			v.Down()
			return err
		}
		if up {
			v.logger.Info().Int("attempt", attempt).Msg("VPN tunnel established")
			return nil
		}
		v.logger.Debug().Int("attempt", attempt).Msg("Waiting for VPN tunnel")
	}

	v.Down()
	return fmt.Errorf("%w after %d attempts", ErrTunnelTimeout, v.cfg.Attempts)
}

func (v *VPN) start() error {
	argv := append([]string(nil), v.command...)
	argv = append(argv, "--config", v.cfg.ConfigPath)

	authFile, err := v.credentialsFile()
	if err != nil {
		return err
	}
	if authFile != "" {
		argv = append(argv, "--auth-user-pass", authFile)
	}
	if v.cfg.UseSudo != nil && *v.cfg.UseSudo {
		argv = append([]string{"sudo", "-n"}, argv...)
	}

	v.logger.Info().Str("config", v.cfg.ConfigPath).Msg("Starting VPN client")

	v.stderr.Reset()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = &v.stderr
	if err := cmd.Start(); err != nil {
		v.removeAuthFile()
		return fmt.Errorf("failed to start vpn client: %w", err)
	}

	v.cmd = cmd
	v.done = make(chan struct{})
	go func(done chan struct{}) {
		_ = cmd.Wait()
		close(done)
	}(v.done)

	return nil
}

// credentialsFile returns the auth file passed to the client. Environment
// credentials are written to a private temporary file.
func (v *VPN) credentialsFile() (string, error) {
	username, password := os.Getenv(EnvVPNUsername), os.Getenv(EnvVPNPassword)
	if username == "" || password == "" {
		return v.cfg.CredentialsFile, nil
	}

	f, err := os.CreateTemp("", "wasmprof-vpn-*")
	if err != nil {
		return "", fmt.Errorf("failed to create vpn credentials file: %w", err)
	}
	defer f.Close()

	if err := f.Chmod(0o600); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to secure vpn credentials file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n", username, password); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write vpn credentials file: %w", err)
	}

	v.authFile = f.Name()
	return v.authFile, nil
}

// Down stops the VPN client if this VPN started it. It is safe to call
// repeatedly.
func (v *VPN) Down() {
	defer v.removeAuthFile()
	if v.cmd == nil {
		return
	}

	v.logger.Info().Msg("Stopping VPN client")
	_ = v.cmd.Process.Signal(unix.SIGTERM)
	select {
	case <-v.done:
	case <-time.After(stopTimeout):
		_ = v.cmd.Process.Kill()
		<-v.done
	}
	v.cmd = nil
}

// Owned reports whether a VPN client started by this VPN is running.
func (v *VPN) Owned() bool {
	return v.cmd != nil
}

func (v *VPN) removeAuthFile() {
	if v.authFile != "" {
		_ = os.Remove(v.authFile)
		v.authFile = ""
	}
}
