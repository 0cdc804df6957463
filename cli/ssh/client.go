package ssh

// Package ssh provides SSH multiplexing and remote command execution
// for reaching the benchmark VM. It manages a persistent master
// connection, file transfer with scp, and remote command execution.

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
)

// Client manages an SSH connection to a specific remote host.
type Client struct {
	logger         zerolog.Logger
	host           string
	controlPath    string
	identityFile   string
	knownHostsFile string
	proxyCommand   string
	extraOptions   []string
}

// SSHOption is a function that configures an SSH client.
type SSHOption func(*Client)

// WithIdentityFile sets the identity file (private key) to use for authentication.
func WithIdentityFile(path string) SSHOption {
	return func(c *Client) {
		c.identityFile = path
	}
}

// WithKnownHostsFile sets the known hosts file to use for host verification.
func WithKnownHostsFile(path string) SSHOption {
	return func(c *Client) {
		c.knownHostsFile = path
	}
}

// WithProxyCommand sets a proxy command for the SSH connection.
func WithProxyCommand(command string) SSHOption {
	return func(c *Client) {
		c.proxyCommand = command
	}
}

// WithExtraOptions adds extra SSH options to the connection.
func WithExtraOptions(options ...string) SSHOption {
	return func(c *Client) {
		c.extraOptions = append(c.extraOptions, options...)
	}
}

// New creates a new SSH client and establishes a multiplexed connection to the host.
func New(ctx context.Context, logger zerolog.Logger, host string, opts ...SSHOption) (*Client, error) {
	c := &Client{
		logger: logger,
		host:   host,
	}

	// Apply options
	for _, opt := range opts {
		opt(c)
	}

	// Setup SSH multiplexing
	controlPath, err := c.setupMultiplexing(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to setup SSH multiplexing: %w", err)
	}
	c.controlPath = controlPath

	return c, nil
}

// Close closes the SSH connection and cleans up the control socket.
func (c *Client) Close() {
	if c.controlPath == "" {
		return
	}
	c.logger.Debug().Str("controlPath", c.controlPath).Msg("Cleaning up SSH multiplexing")

	// Close the master connection
	args := []string{
		"-o", fmt.Sprintf("ControlPath=%s", c.controlPath),
		"-O", "exit",
		c.host,
	}
	cmd := exec.Command("ssh", args...)
	_ = cmd.Run() // Ignore errors on cleanup

	// Remove the control socket file if it still exists
	_ = os.Remove(c.controlPath)
	c.controlPath = ""
}

// RunCommand executes a command on the remote host and returns the output.
func (c *Client) RunCommand(ctx context.Context, command string) (string, error) {
	cmd := c.Command(ctx, command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug().
		Str("host", c.host).
		Str("command", command).
		Msg("Running remote command")

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command failed: %w (stderr: %s)", err, stderr.String())
	}

	return stdout.String(), nil
}

// Command prepares, without starting it, an ssh invocation of command on the
// remote host. The caller owns the returned command's stdio.
func (c *Client) Command(ctx context.Context, command string) *exec.Cmd {
	args := c.buildSSHArgs()
	args = append(args, c.host, command)
	return exec.CommandContext(ctx, "ssh", args...)
}

// CopyToRemote copies local files or directories into remoteDir, creating it first.
func (c *Client) CopyToRemote(ctx context.Context, remoteDir string, localPaths ...string) error {
	if len(localPaths) == 0 {
		return nil
	}

	c.logger.Info().
		Strs("local", localPaths).
		Str("remote", remoteDir).
		Msg("Copying files to remote host")

	if _, err := c.RunCommand(ctx, "mkdir -p "+shellescape.Quote(remoteDir)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	args := c.buildSSHArgs()
	args = append(args, "-r")
	args = append(args, localPaths...)
	args = append(args, fmt.Sprintf("%s:%s", c.host, remoteDir))

	return c.scp(ctx, args)
}

// CopyFromRemote copies remotePath (file or directory) into localDir.
func (c *Client) CopyFromRemote(ctx context.Context, remotePath, localDir string) error {
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}

	c.logger.Info().
		Str("remote", remotePath).
		Str("local", localDir).
		Msg("Copying files from remote host")

	args := c.buildSSHArgs()
	args = append(args, "-r", fmt.Sprintf("%s:%s", c.host, remotePath), localDir)

	return c.scp(ctx, args)
}

func (c *Client) scp(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "scp", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	c.logger.Debug().
		Str("command", cmd.String()).
		Msg("Executing scp")

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("scp failed: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}

// buildSSHArgs constructs the SSH arguments with all configured options.
func (c *Client) buildSSHArgs() []string {
	args := []string{}

	// Add control path options if using multiplexing
	if c.controlPath != "" {
		args = append(args,
			"-o", fmt.Sprintf("ControlPath=%s", c.controlPath),
			"-o", "ControlMaster=no",
		)
	}

	return append(args, c.connectionArgs()...)
}

// connectionArgs returns the options shared by the master and every
// multiplexed invocation.
func (c *Client) connectionArgs() []string {
	var args []string

	// Add identity file if specified
	if c.identityFile != "" {
		args = append(args, "-i", c.identityFile)
	}

	// Add known hosts file if specified
	if c.knownHostsFile != "" {
		args = append(args, "-o", fmt.Sprintf("UserKnownHostsFile=%s", c.knownHostsFile))
	}

	// Add proxy command if specified
	if c.proxyCommand != "" {
		args = append(args, "-o", fmt.Sprintf("ProxyCommand=%s", c.proxyCommand))
	}

	// Add extra options
	for _, opt := range c.extraOptions {
		args = append(args, "-o", opt)
	}

	return args
}

// DetectSystem detects the OS and architecture of the remote system.
func (c *Client) DetectSystem(ctx context.Context) (string, string, error) {
	out, err := c.RunCommand(ctx, "uname -s -m")
	if err != nil {
		return "", "", fmt.Errorf("failed to detect system: %w", err)
	}

	fields := strings.Fields(out)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("unexpected uname output %q", out)
	}

	osName := strings.ToLower(fields[0])

	// Normalize architecture to Go's GOARCH format
	arch := fields[1]
	switch arch {
	case "x86_64", "amd64":
		arch = "amd64"
	case "aarch64", "arm64":
		arch = "arm64"
	case "i386", "i686":
		arch = "386"
	case "armv7l":
		arch = "arm"
	}

	return osName, arch, nil
}

// Host returns the remote host this client is connected to.
func (c *Client) Host() string {
	return c.host
}

// ControlPath returns the SSH control socket path.
func (c *Client) ControlPath() string {
	return c.controlPath
}

// setupMultiplexing establishes an SSH master connection for multiplexing.
func (c *Client) setupMultiplexing(ctx context.Context) (string, error) {
	// Get control socket directory using XDG standards
	controlDir := c.getControlSocketDir()

	// Create the control directory if it doesn't exist
	if err := os.MkdirAll(controlDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create control directory: %w", err)
	}

	controlPath := filepath.Join(controlDir, controlSocketName(c.host))

	c.logger.Debug().
		Str("host", c.host).
		Str("controlDir", controlDir).
		Str("controlPath", controlPath).
		Int("pathLength", len(controlPath)).
		Msg("Setting up SSH multiplexing")

	// Establish the master connection
	args := []string{
		"-o", "ControlMaster=auto",
		"-o", fmt.Sprintf("ControlPath=%s", controlPath),
		"-o", "ControlPersist=30s",
		"-o", "ConnectTimeout=10",
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
		"-o", "BatchMode=yes",
	}
	args = append(args, c.connectionArgs()...)
	args = append(args,
		"-f", // Run in background
		"-N", // Don't execute a remote command
		c.host,
	)

	cmd := exec.CommandContext(ctx, "ssh", args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("failed to establish SSH master connection: %w (stderr: %s)", err, stderr.String())
	}

	c.logger.Debug().Str("host", c.host).Msg("SSH master connection established")
	return controlPath, nil
}

// controlSocketName derives a short socket name from the host. Unix domain
// sockets have a path length limit (typically 104-108 chars).
func controlSocketName(host string) string {
	hash := sha256.Sum256([]byte(host))
	return fmt.Sprintf("ssh-%s", hex.EncodeToString(hash[:])[:12])
}

// getControlSocketDir returns the directory to use for SSH control sockets.
func (c *Client) getControlSocketDir() string {
	// Try XDG_RUNTIME_DIR first (preferred for runtime sockets)
	// Keep path short to avoid Unix socket path length limits (104-108 chars)
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, "wasmprof")
	}

	// Fall back to XDG_CONFIG_HOME or ~/.config
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		if home := os.Getenv("HOME"); home != "" {
			configHome = filepath.Join(home, ".config")
		}
	}

	if configHome != "" {
		return filepath.Join(configHome, "wasmprof")
	}

	// Last resort: use temp directory
	return filepath.Join(os.TempDir(), "wasmprof")
}
