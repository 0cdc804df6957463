package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/wasmprof/wasmprof/measure"
	"github.com/wasmprof/wasmprof/model"
)

// containerMount is where the compiled directory is mounted in containers.
const containerMount = "/app"

// ContainerTime is the time of one target run inside its runtime image.
// InternalTime is what bash's time keyword reported inside the container
// and ExternalTime includes container start-up.
type ContainerTime struct {
	Binary       string   `json:"binary"`
	InternalTime *float64 `json:"internal_time"`
	ExternalTime float64  `json:"external_time"`
	Error        string   `json:"error,omitempty"`
}

// ContainerArgs returns the docker invocation timing the target inside
// image. The compiled directory is mounted read-only at /app.
func (r *Runner) ContainerArgs(image, runtime, app string, level int) []string {
	var inner []string
	if runtime == "native" {
		inner = []string{containerMount + "/" + model.NativeBinary(app, level)}
	} else {
		inner = RuntimeCommand(runtime, containerMount+"/"+model.WasmBinary(app, level))
	}

	return []string{
		"docker", "run", "--rm",
		"-v", r.cfg.Tools.CompiledDir + ":" + containerMount + ":ro",
		image,
		"/bin/bash", "-c", "time " + shellescape.QuoteCommand(inner),
	}
}

// ParseRealTime extracts the "real" line printed by bash's time keyword.
func ParseRealTime(stderr string) (float64, bool) {
	for _, line := range strings.Split(stderr, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "real" {
			secs, err := measure.ParseDuration(fields[1])
			if err != nil {
				return 0, false
			}
			return secs, true
		}
	}
	return 0, false
}

// containerTimes runs every target inside the image configured for its
// runtime. Runtimes without an image are skipped.
func (r *Runner) containerTimes(ctx context.Context, app string, level int) (any, error) {
	results := make([]ContainerTime, 0, len(r.cfg.Tools.Runtimes)+1)

	for _, runtime := range append(append([]string(nil), r.cfg.Tools.Runtimes...), "native") {
		image, ok := r.cfg.Tools.Images[runtime]
		if !ok || image == "" {
			r.logger.Debug().Str("runtime", runtime).Msg("No container image configured, skipping")
			continue
		}

		file := model.WasmBinary(app, level)
		if runtime == "native" {
			file = model.NativeBinary(app, level)
		}
		if !fileExists(filepath.Join(r.cfg.Tools.CompiledDir, file)) {
			r.printf("File %s does not exist.\n", file)
			continue
		}

		entry := ContainerTime{Binary: fmt.Sprintf("%s (%s)", file, runtime)}

		argv := r.ContainerArgs(image, runtime, app, level)
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		var stderr bytes.Buffer
		cmd.Stdout = io.Discard
		cmd.Stderr = &stderr

		start := time.Now()
		err := cmd.Run()
		entry.ExternalTime = time.Since(start).Seconds()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err != nil {
			entry.Error = commandError(argv, err, stderr.String()).Error()
			r.printf("Error running %s: %s\n", entry.Binary, entry.Error)
		} else if secs, ok := ParseRealTime(stderr.String()); ok {
			entry.InternalTime = &secs
		}

		r.printf("%s: external %.6f seconds\n", entry.Binary, entry.ExternalTime)
		results = append(results, entry)
	}

	return results, nil
}
