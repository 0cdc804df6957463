package tools

// profile.go records each target with perf and converts the samples into
// pprof profiles stored next to the summary.

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/wasmprof/wasmprof/perfscript"
)

// topFunctions is the number of functions kept in each profile summary.
const topFunctions = 10

// ProfileSummary is the summary of one target's profile.
type ProfileSummary struct {
	perfscript.Summary
	Profile string `json:"profile"`
}

// RecordArgs builds the perf record arguments sampling argv into output.
func RecordArgs(output string, argv []string) []string {
	args := []string{"record", "-g", "--call-graph", "fp", "-o", output, "--"}
	return append(args, argv...)
}

func (r *Runner) profilePath(app string, level int, target string) string {
	return filepath.Join(r.cfg.ResultsRoot, Profile, fmt.Sprintf("%s_%d_%s.pb.gz", app, level, target))
}

// recordProfile samples argv with perf and writes a pprof profile to output.
func (r *Runner) recordProfile(ctx context.Context, argv []string, output string) (perfscript.Summary, error) {
	tmp, err := os.MkdirTemp("", "wasmprof-perf-")
	if err != nil {
		return perfscript.Summary{}, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	perfData := filepath.Join(tmp, "perf.data")
	if _, err := r.timeCommand(ctx, append([]string{"perf"}, RecordArgs(perfData, argv)...)); err != nil {
		return perfscript.Summary{}, err
	}

	script, err := os.Create(filepath.Join(tmp, "perf-script.txt"))
	if err != nil {
		return perfscript.Summary{}, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer script.Close()

	cmd := exec.CommandContext(ctx, "perf", "script", "-i", perfData)
	cmd.Stdout = script
	if err := cmd.Run(); err != nil {
		return perfscript.Summary{}, fmt.Errorf("failed to run perf script: %w", err)
	}
	if _, err := script.Seek(0, 0); err != nil {
		return perfscript.Summary{}, fmt.Errorf("failed to seek temporary file: %w", err)
	}

	prof, err := perfscript.New().Parse(script)
	if err != nil {
		return perfscript.Summary{}, fmt.Errorf("failed to parse perf script: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return perfscript.Summary{}, fmt.Errorf("failed to create profile directory: %w", err)
	}
	f, err := os.Create(output)
	if err != nil {
		return perfscript.Summary{}, fmt.Errorf("failed to create profile file: %w", err)
	}
	defer f.Close()

	if err := prof.Write(f); err != nil {
		return perfscript.Summary{}, fmt.Errorf("failed to write profile: %w", err)
	}

	r.logger.Info().
		Str("profile", output).
		Int("samples", len(prof.Sample)).
		Int("functions", len(prof.Function)).
		Msg("Performance profile created")

	return perfscript.Summarize(prof, topFunctions), nil
}

// profile records every target and reports the summaries as {"native": ...,
// "wasm": {"<runtime>": ...}}.
func (r *Runner) profile(ctx context.Context, app string, level int) (any, error) {
	result := newTargetResults()

	for _, t := range r.targets(app, level) {
		output := r.profilePath(app, level, t.name)

		var entry any
		s, err := r.recordProfile(ctx, t.argv, output)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			r.printf("Error profiling %s: %v\n", t.name, err)
			entry = errorResult(err)
		} else {
			r.printf("%s: %d samples of %s, profile written to %s\n", t.name, s.Samples, s.Event, output)
			entry = ProfileSummary{Summary: s, Profile: output}
		}

		result.set(t.name, entry)
	}

	return result, nil
}
