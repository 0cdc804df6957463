// Package remote reaches the benchmark VM: it brings up the VPN tunnel,
// opens a session and runs the batch of VM jobs on it.
package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wasmprof/wasmprof/config"
	"github.com/wasmprof/wasmprof/model"
)

// Connector owns the tunnel and session of one run.
type Connector struct {
	logger   zerolog.Logger
	cfg      *config.Config
	tunnel   Tunnel
	sessions SessionFactory

	mu      sync.Mutex
	state   State
	reason  error
	session Session
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithTunnel replaces the VPN tunnel.
func WithTunnel(t Tunnel) ConnectorOption {
	return func(c *Connector) {
		c.tunnel = t
	}
}

// WithSessionFactory replaces how sessions are opened.
func WithSessionFactory(f SessionFactory) ConnectorOption {
	return func(c *Connector) {
		c.sessions = f
	}
}

// NewConnector creates a disconnected connector for the VM of cfg.
func NewConnector(logger zerolog.Logger, cfg *config.Config, opts ...ConnectorOption) *Connector {
	c := &Connector{
		logger:   logger,
		cfg:      cfg,
		sessions: OpenSession,
		state:    Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tunnel == nil {
		c.tunnel = NewVPN(logger, cfg.VPN)
	}
	return c
}

// State returns the current state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns the error that moved the connector to Failed.
func (c *Connector) Reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// EnsureConnected brings the connector to SessionReady. It is a no-op when
// the session is already ready. A failed connector may be retried.
func (c *Connector) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == SessionReady {
		return nil
	}
	c.reason = nil

	c.setState(VpnConnecting)
	if err := c.tunnel.Up(ctx); err != nil {
		return c.fail(fmt.Errorf("failed to connect to VPN: %w", err))
	}
	c.setState(VpnConnected)

	c.setState(SessionEstablishing)
	session, err := c.sessions(ctx, c.logger, c.cfg)
	if err != nil {
		return c.fail(fmt.Errorf("failed to open session to %s: %w", c.hostname(), err))
	}
	if err := session.Probe(ctx); err != nil {
		session.Close()
		return c.fail(fmt.Errorf("failed to reach %s: %w", c.hostname(), err))
	}

	c.session = session
	c.setState(SessionReady)
	return nil
}

// RunJob runs batch on the VM. The connector must be SessionReady.
func (c *Connector) RunJob(ctx context.Context, batch model.VMBatch) <-chan Output {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != SessionReady {
		return failed(fmt.Errorf("connector is %s, not ready", c.state))
	}

	c.logger.Info().
		Str("host", c.hostname()).
		Str("application", batch.Application).
		Ints("opt_levels", batch.OptLevels).
		Int("tests", len(batch.Tests)).
		Msg("Running VM batch")

	return c.session.Run(ctx, batch)
}

// Disconnect closes the session and stops a VPN client the connector
// started. It is idempotent and safe on a connector that never connected.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.tunnel.Down()
	if c.state != Disconnected {
		c.setState(Disconnected)
	}
}

func (c *Connector) setState(s State) {
	c.logger.Debug().
		Stringer("from", c.state).
		Stringer("to", s).
		Msg("Connector state change")
	c.state = s
}

func (c *Connector) fail(err error) error {
	c.tunnel.Down()
	c.reason = err
	c.setState(Failed)
	c.logger.Error().Err(err).Msg("Remote connection failed")
	return err
}

func (c *Connector) hostname() string {
	if c.cfg.VM == nil {
		return ""
	}
	return c.cfg.VM.Hostname
}
