// Package measure invokes measurement tools as child processes and turns
// their output into result records.
package measure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
	"github.com/wasmprof/wasmprof/model"
)

// ErrNoResultPath is returned when a tool's output does not end in a path.
var ErrNoResultPath = errors.New("tool output does not name a result file")

// Adapter runs measurement tools for jobs.
type Adapter struct {
	logger     zerolog.Logger
	scriptsDir string
	configPath string
	executable string
	builtins   map[string]bool
	env        []string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBuiltinTools makes tool names in names resolve to `<executable> tool <name>`.
func WithBuiltinTools(executable string, names ...string) Option {
	return func(a *Adapter) {
		a.executable = executable
		for _, name := range names {
			a.builtins[name] = true
		}
	}
}

// WithConfigPath passes --config to built-in tools.
func WithConfigPath(path string) Option {
	return func(a *Adapter) {
		a.configPath = path
	}
}

// WithEnv appends environment variables to every tool invocation.
func WithEnv(env ...string) Option {
	return func(a *Adapter) {
		a.env = append(a.env, env...)
	}
}

// NewAdapter creates an adapter resolving script tools inside scriptsDir.
func NewAdapter(logger zerolog.Logger, scriptsDir string, opts ...Option) *Adapter {
	a := &Adapter{
		logger:     logger,
		scriptsDir: scriptsDir,
		builtins:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Command returns the argv used to run test for application at level.
func (a *Adapter) Command(test model.TestDescriptor, application string, level int) []string {
	var argv []string
	switch {
	case len(test.Command) > 0:
		argv = append(argv, test.Command...)
	case a.builtins[test.Name] && a.executable != "":
		argv = append(argv, a.executable, "tool", test.Name)
		if a.configPath != "" {
			argv = append(argv, "--config", a.configPath)
		}
	case filepath.Ext(test.Name) == ".py":
		argv = append(argv, "python3", filepath.Join(a.scriptsDir, test.Name))
	default:
		argv = append(argv, filepath.Join(a.scriptsDir, test.Name))
	}
	return append(argv, application, strconv.Itoa(level))
}

// Invoke runs the tool of a job and returns its trimmed standard output.
func (a *Adapter) Invoke(ctx context.Context, job model.Job) (string, error) {
	argv := a.Command(job.Test, job.Application, job.OptLevel)

	a.logger.Debug().
		Str("job", job.String()).
		Str("command", shellescape.QuoteCommand(argv)).
		Msg("Executing measurement tool")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(a.env) > 0 {
		cmd.Env = append(os.Environ(), a.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("tool %s cancelled: %w", job.Test.Name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("tool %s failed with exit code %d: %s",
				job.Test.Name, exitErr.ExitCode(), firstNonEmpty(strings.TrimSpace(stderr.String()), strings.TrimSpace(stdout.String()), err.Error()))
		}
		return "", fmt.Errorf("failed to execute tool %s: %w", job.Test.Name, err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// Parse converts the raw output of a job's tool into a record. Failures are
// returned as error records.
func (a *Adapter) Parse(raw string, job model.Job) model.Record {
	switch job.Test.OutputFormat() {
	case model.FormatDuration:
		fields, err := ParseDurationOutput(raw)
		if err != nil {
			return model.ErrorRecord("%v", err)
		}
		return model.ValueRecord(fields)
	default:
		path, err := a.ResultPath(raw, job)
		if err != nil {
			return model.ErrorRecord("%v", err)
		}
		return ReadResultFile(path)
	}
}

// Measure invokes and parses a job. The raw output is returned for narration
// together with the record; err is the invocation error, if any.
func (a *Adapter) Measure(ctx context.Context, job model.Job) (string, model.Record, error) {
	raw, err := a.Invoke(ctx, job)
	if err != nil {
		return "", model.ErrorRecord("Error: %v", err), err
	}
	return raw, a.Parse(raw, job), nil
}

// ResultPath returns the result file of a job: the expanded ResultPath
// template when configured, otherwise the last field of the last output line.
func (a *Adapter) ResultPath(raw string, job model.Job) (string, error) {
	if job.Test.ResultPath != "" {
		return ExpandTemplate(job.Test.ResultPath, job), nil
	}

	lines := strings.Split(strings.TrimSpace(raw), "\n")
	last := strings.Fields(lines[len(lines)-1])
	if len(last) == 0 {
		return "", ErrNoResultPath
	}
	return last[len(last)-1], nil
}

// ExpandTemplate replaces {app}, {opt}, {name} and {stem} in tmpl.
func ExpandTemplate(tmpl string, job model.Job) string {
	return strings.NewReplacer(
		"{app}", job.Application,
		"{opt}", strconv.Itoa(job.OptLevel),
		"{name}", job.Test.Name,
		"{stem}", job.Test.Stem(),
	).Replace(tmpl)
}

// ReadResultFile loads a JSON result document into a record.
func ReadResultFile(path string) model.Record {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ErrorRecord("%v", err)
	}
	// {"error": ...} documents decode to error records.
	var r model.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return model.ErrorRecord("failed to parse %s: %v", path, err)
	}
	return r
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
