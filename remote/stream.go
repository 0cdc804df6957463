package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// Output is one element of a remote job's output stream. The last element
// of a failed job carries Err.
type Output struct {
	Line string
	Err  error
}

const (
	maxLineSize = 1024 * 1024
	waitDelay   = 5 * time.Second
)

// stream starts cmd and emits its combined stdout and stderr line by line.
// The channel is closed once the process has exited; a non-zero exit is
// reported as a final element carrying Err.
func stream(ctx context.Context, cmd *exec.Cmd) <-chan Output {
	out := make(chan Output)

	go func() {
		defer close(out)

		pr, pw := io.Pipe()
		cmd.Stdout = pw
		cmd.Stderr = pw
		cmd.WaitDelay = waitDelay

		if err := cmd.Start(); err != nil {
			pw.Close()
			send(ctx, out, Output{Err: fmt.Errorf("failed to start %s: %w", cmd.Path, err)})
			return
		}

		waitErr := make(chan error, 1)
		go func() {
			err := cmd.Wait()
			pw.Close()
			waitErr <- err
		}()

		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		dropped := false
		for scanner.Scan() {
			if dropped {
				continue
			}
			if !send(ctx, out, Output{Line: scanner.Text()}) {
				dropped = true
			}
		}
		// Keep draining so the process can finish writing.
		_, _ = io.Copy(io.Discard, pr)

		if err := <-waitErr; err != nil {
			send(ctx, out, Output{Err: exitError(ctx, err)})
		}
	}()

	return out
}

// send delivers o unless ctx is done first.
func send(ctx context.Context, out chan<- Output, o Output) bool {
	select {
	case out <- o:
		return true
	case <-ctx.Done():
		return false
	}
}

func exitError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("remote job cancelled: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("remote job failed with exit code %d", exitErr.ExitCode())
	}
	return fmt.Errorf("remote job failed: %w", err)
}

// failed returns a closed stream holding only err.
func failed(err error) <-chan Output {
	out := make(chan Output, 1)
	out <- Output{Err: err}
	close(out)
	return out
}
