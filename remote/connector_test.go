package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmprof/wasmprof/config"
	"github.com/wasmprof/wasmprof/model"
)

type fakeTunnel struct {
	upErr error
	ups   int
	downs int
}

func (f *fakeTunnel) Up(context.Context) error {
	f.ups++
	return f.upErr
}

func (f *fakeTunnel) Down() {
	f.downs++
}

type fakeSession struct {
	probeErr error
	lines    []string
	runErr   error
	closed   int
	batches  []model.VMBatch
}

func (f *fakeSession) Probe(context.Context) error {
	return f.probeErr
}

func (f *fakeSession) Run(_ context.Context, batch model.VMBatch) <-chan Output {
	f.batches = append(f.batches, batch)
	out := make(chan Output, len(f.lines)+1)
	for _, l := range f.lines {
		out <- Output{Line: l}
	}
	if f.runErr != nil {
		out <- Output{Err: f.runErr}
	}
	close(out)
	return out
}

func (f *fakeSession) Close() {
	f.closed++
}

func testConfig() *config.Config {
	return &config.Config{
		ResultsRoot: "/results",
		VM: &config.VMConfig{
			Hostname:    "vm.lab",
			BinaryPath:  "/vm/bin",
			ScriptPath:  "/vm/scripts",
			ResultsPath: "/vm/results",
		},
	}
}

func factory(s *fakeSession, err error) SessionFactory {
	return func(context.Context, zerolog.Logger, *config.Config) (Session, error) {
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func TestConnector_Lifecycle(t *testing.T) {
	tunnel := &fakeTunnel{}
	session := &fakeSession{lines: []string{"PLAY [vm]", "ok: [vm]"}}
	c := NewConnector(zerolog.Nop(), testConfig(), WithTunnel(tunnel), WithSessionFactory(factory(session, nil)))

	assert.Equal(t, Disconnected, c.State())

	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.Equal(t, SessionReady, c.State())

	// Already ready: no second tunnel attempt.
	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.Equal(t, 1, tunnel.ups)

	batch := model.VMBatch{Application: "gemm", OptLevels: []int{0, 1}}
	lines, err := collect(c.RunJob(context.Background(), batch))
	require.NoError(t, err)
	assert.Equal(t, []string{"PLAY [vm]", "ok: [vm]"}, lines)
	assert.Equal(t, []model.VMBatch{batch}, session.batches)

	c.Disconnect()
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 1, session.closed)
	assert.Equal(t, 1, tunnel.downs)

	c.Disconnect()
	assert.Equal(t, 1, session.closed)
}

func TestConnector_Failures(t *testing.T) {
	tests := []struct {
		name       string
		tunnelErr  error
		sessionErr error
		probeErr   error
		expected   error
	}{
		{name: "tunnel timeout", tunnelErr: ErrTunnelTimeout, expected: ErrTunnelTimeout},
		{name: "session error", sessionErr: errors.New("connection refused")},
		{name: "probe failure", probeErr: ErrProbeFailed, expected: ErrProbeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tunnel := &fakeTunnel{upErr: tt.tunnelErr}
			session := &fakeSession{probeErr: tt.probeErr}
			c := NewConnector(zerolog.Nop(), testConfig(), WithTunnel(tunnel), WithSessionFactory(factory(session, tt.sessionErr)))

			err := c.EnsureConnected(context.Background())
			require.Error(t, err)
			if tt.expected != nil {
				assert.ErrorIs(t, err, tt.expected)
			}
			assert.Equal(t, Failed, c.State())
			assert.Equal(t, err, c.Reason())
			assert.Equal(t, 1, tunnel.downs)

			if tt.probeErr != nil {
				assert.Equal(t, 1, session.closed)
			}

			_, runErr := collect(c.RunJob(context.Background(), model.VMBatch{}))
			assert.Error(t, runErr)

			c.Disconnect()
			assert.Equal(t, Disconnected, c.State())
		})
	}
}

func TestConnector_RetryAfterFailure(t *testing.T) {
	tunnel := &fakeTunnel{upErr: ErrTunnelTimeout}
	c := NewConnector(zerolog.Nop(), testConfig(), WithTunnel(tunnel), WithSessionFactory(factory(&fakeSession{}, nil)))

	require.Error(t, c.EnsureConnected(context.Background()))
	tunnel.upErr = nil
	require.NoError(t, c.EnsureConnected(context.Background()))
	assert.Equal(t, SessionReady, c.State())
	assert.NoError(t, c.Reason())
}

func TestConnector_RunJobFailureIsLastElement(t *testing.T) {
	session := &fakeSession{lines: []string{"TASK [run]"}, runErr: errors.New("remote job failed with exit code 2")}
	c := NewConnector(zerolog.Nop(), testConfig(), WithTunnel(&fakeTunnel{}), WithSessionFactory(factory(session, nil)))
	require.NoError(t, c.EnsureConnected(context.Background()))

	var outputs []Output
	for o := range c.RunJob(context.Background(), model.VMBatch{}) {
		outputs = append(outputs, o)
	}
	require.Len(t, outputs, 2)
	assert.Equal(t, "TASK [run]", outputs[0].Line)
	assert.EqualError(t, outputs[1].Err, "remote job failed with exit code 2")
}

func TestConnector_DisconnectNeverConnected(t *testing.T) {
	tunnel := &fakeTunnel{}
	c := NewConnector(zerolog.Nop(), testConfig(), WithTunnel(tunnel))
	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, Disconnected, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "session-ready", SessionReady.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", State(42).String())
}
