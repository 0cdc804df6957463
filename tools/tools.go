// Package tools implements the built-in measurement tools. Every tool is
// invoked as `<tool> <application> <level>`, writes a JSON result file
// below the results root and prints "... saved to <path>" last.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"

	"github.com/wasmprof/wasmprof/config"
	"github.com/wasmprof/wasmprof/model"
)

// Tool names.
const (
	Compile        = "compile"
	Times          = "times"
	RSS            = "rss"
	RAPL           = "rapl"
	ContainerTimes = "container-times"
	Profile        = "profile"
)

// Names lists every built-in tool.
var Names = []string{Compile, Times, RSS, RAPL, ContainerTimes, Profile}

// Runner executes built-in tools.
type Runner struct {
	logger zerolog.Logger
	cfg    *config.Config
	out    io.Writer
}

// New creates a runner printing its progress to out.
func New(logger zerolog.Logger, cfg *config.Config, out io.Writer) *Runner {
	return &Runner{logger: logger, cfg: cfg, out: out}
}

type toolFunc func(r *Runner, ctx context.Context, app string, level int) (any, error)

var registry = map[string]struct {
	run   toolFunc
	title string
}{
	Compile:        {(*Runner).compile, "Compilation times"},
	Times:          {(*Runner).times, "Execution times"},
	RSS:            {(*Runner).rss, "RSS results"},
	RAPL:           {(*Runner).rapl, "RAPL results"},
	ContainerTimes: {(*Runner).containerTimes, "Container execution times"},
	Profile:        {(*Runner).profile, "Profile summary"},
}

// Run executes the named tool and returns the path of its result file.
func (r *Runner) Run(ctx context.Context, name, app string, level int) (string, error) {
	tool, ok := registry[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if app == "" || filepath.Base(app) != app {
		return "", fmt.Errorf("invalid application name %q", app)
	}
	if level < 0 {
		return "", fmt.Errorf("invalid optimization level %d", level)
	}

	r.logger.Debug().Str("tool", name).Str("application", app).Int("level", level).Msg("Running tool")

	result, err := tool.run(r, ctx, app, level)
	if err != nil {
		return "", err
	}

	path := r.ResultPath(name, app, level)
	if err := writeJSON(path, result); err != nil {
		return "", err
	}

	r.printf("%s saved to %s\n", tool.title, path)
	return path, nil
}

// ResultPath returns the result file of a tool run.
func (r *Runner) ResultPath(name, app string, level int) string {
	return filepath.Join(r.cfg.ResultsRoot, name, fmt.Sprintf("%s_%d_%s.json", app, level, name))
}

func (r *Runner) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func (r *Runner) nativePath(app string, level int) string {
	return filepath.Join(r.cfg.Tools.CompiledDir, model.NativeBinary(app, level))
}

func (r *Runner) wasmPath(app string, level int) string {
	return filepath.Join(r.cfg.Tools.CompiledDir, model.WasmBinary(app, level))
}

// target is one binary under test: the native build or the wasm build
// under a runtime.
type target struct {
	name string
	argv []string
}

// targets returns the native target and one target per configured runtime,
// skipping builds that do not exist.
func (r *Runner) targets(app string, level int) []target {
	var targets []target

	native := r.nativePath(app, level)
	if fileExists(native) {
		targets = append(targets, target{name: "native", argv: []string{native}})
	} else {
		r.printf("Native file %s does not exist.\n", native)
	}

	wasm := r.wasmPath(app, level)
	if !fileExists(wasm) {
		r.printf("WASM file %s does not exist.\n", wasm)
		return targets
	}
	for _, runtime := range r.cfg.Tools.Runtimes {
		targets = append(targets, target{name: runtime, argv: RuntimeCommand(runtime, wasm)})
	}
	return targets
}

// RuntimeCommand returns the argv running wasm under runtime.
func RuntimeCommand(runtime, wasm string) []string {
	if runtime == "wavm" {
		return []string{"wavm", "run", wasm}
	}
	return []string{runtime, wasm}
}

// timeCommand runs argv to completion and returns its wall-clock time.
func (r *Runner) timeCommand(ctx context.Context, argv []string) (float64, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	r.logger.Debug().Str("command", shellescape.QuoteCommand(argv)).Msg("Timing command")

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start).Seconds()
	if err != nil {
		return elapsed, commandError(argv, err, stderr.String())
	}
	return elapsed, nil
}

// repeat runs fn the configured number of iterations and returns the mean.
func (r *Runner) repeat(fn func() (float64, error)) (float64, error) {
	samples := make([]float64, 0, r.cfg.Tools.Iterations)
	for i := 0; i < max(r.cfg.Tools.Iterations, 1); i++ {
		v, err := fn()
		if err != nil {
			return 0, err
		}
		samples = append(samples, v)
	}
	return stats.Mean(samples)
}

func commandError(argv []string, err error, stderr string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s exited with code %d: %s", argv[0], exitErr.ExitCode(), strings.TrimSpace(stderr))
	}
	return fmt.Errorf("failed to execute %s: %w", argv[0], err)
}

func errorResult(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create result directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// targetResults groups per-target entries as {"native": ..., "wasm":
// {"<runtime>": ...}}.
type targetResults struct {
	Native any            `json:"native"`
	Wasm   map[string]any `json:"wasm"`
}

func newTargetResults() *targetResults {
	return &targetResults{Native: map[string]any{}, Wasm: map[string]any{}}
}

func (t *targetResults) set(name string, entry any) {
	if name == "native" {
		t.Native = entry
		return
	}
	t.Wasm[name] = entry
}
