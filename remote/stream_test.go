package remote

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan Output) ([]string, error) {
	var lines []string
	var err error
	for o := range ch {
		if o.Err != nil {
			err = o.Err
			continue
		}
		lines = append(lines, o.Line)
	}
	return lines, err
}

func TestStream_Success(t *testing.T) {
	ctx := context.Background()
	lines, err := collect(stream(ctx, exec.CommandContext(ctx, "sh", "-c", "echo one; echo two >&2; echo three")))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestStream_NonZeroExit(t *testing.T) {
	ctx := context.Background()
	lines, err := collect(stream(ctx, exec.CommandContext(ctx, "sh", "-c", "echo partial; exit 4")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 4")
	assert.Equal(t, []string{"partial"}, lines)
}

func TestStream_ErrorIsLast(t *testing.T) {
	ctx := context.Background()
	var outputs []Output
	for o := range stream(ctx, exec.CommandContext(ctx, "sh", "-c", "echo a; echo b; false")) {
		outputs = append(outputs, o)
	}
	require.Len(t, outputs, 3)
	assert.NoError(t, outputs[0].Err)
	assert.NoError(t, outputs[1].Err)
	assert.Error(t, outputs[2].Err)
}

func TestStream_StartFailure(t *testing.T) {
	ctx := context.Background()
	_, err := collect(stream(ctx, exec.CommandContext(ctx, "/nonexistent/binary")))
	assert.Error(t, err)
}

func TestStream_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := stream(ctx, exec.CommandContext(ctx, "sh", "-c", "echo started; exec sleep 30"))

	first := <-ch
	assert.Equal(t, "started", first.Line)
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stream did not terminate after cancellation")
	}
}
