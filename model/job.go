package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Target identifies where a job is executed.
type Target string

const (
	TargetLocal Target = "local"
	TargetVM    Target = "vm"
)

// Format selects how a measurement tool's output is turned into a record.
type Format string

const (
	// FormatResultFile expects the tool to print the path of a JSON result
	// file as the last field of its last output line.
	FormatResultFile Format = "result_file"
	// FormatDuration expects `time`-style "<m>m<s>s" durations in the output.
	FormatDuration Format = "duration"
)

// TestDescriptor describes one measurement tool entry of the configuration.
type TestDescriptor struct {
	// Name of the tool (script file name or built-in tool name)
	Name string `mapstructure:"name" json:"name" validate:"required"`
	// Whether the test takes part in runs. A missing key is kept as nil.
	Active *bool `mapstructure:"active" json:"active,omitempty"`
	// Optional argv prefix overriding the default tool resolution
	Command []string `mapstructure:"command" json:"command,omitempty"`
	// Output format of the tool (default: result_file)
	Format Format `mapstructure:"format" json:"format,omitempty" validate:"omitempty,oneof=result_file duration"`
	// Optional deterministic result file template ({app}, {opt}, {name}, {stem})
	ResultPath string `mapstructure:"result_path" json:"result_path,omitempty"`
}

// IsActive reports whether the descriptor is explicitly marked active.
func (t TestDescriptor) IsActive() bool {
	return t.Active != nil && *t.Active
}

// HasActive reports whether the descriptor carries an active flag at all.
func (t TestDescriptor) HasActive() bool {
	return t.Active != nil
}

// Stem returns the test name without its file extension (times.py -> times).
func (t TestDescriptor) Stem() string {
	return strings.TrimSuffix(t.Name, filepath.Ext(t.Name))
}

// OutputFormat returns the configured format, defaulting to result_file.
func (t TestDescriptor) OutputFormat() Format {
	if t.Format == "" {
		return FormatResultFile
	}
	return t.Format
}

// Job is one unit of work of a run.
type Job struct {
	Application string
	OptLevel    int
	Test        TestDescriptor
	Target      Target
}

// Key returns the result tree entry key of the job.
func (j Job) Key() string {
	return EntryKey(j.Test.Name, j.Target)
}

func (j Job) String() string {
	return fmt.Sprintf("%s@O%d/%s", j.Test.Name, j.OptLevel, j.Target)
}

// VMBatch groups every VM test of a run so the remote side is set up once.
type VMBatch struct {
	Application string
	OptLevels   []int
	Tests       []TestDescriptor
}

// Jobs expands the batch into its individual jobs, level-major.
func (b VMBatch) Jobs() []Job {
	jobs := make([]Job, 0, len(b.OptLevels)*len(b.Tests))
	for _, level := range b.OptLevels {
		for _, test := range b.Tests {
			jobs = append(jobs, Job{
				Application: b.Application,
				OptLevel:    level,
				Test:        test,
				Target:      TargetVM,
			})
		}
	}
	return jobs
}

// RunRequest is the input of a profiling run.
type RunRequest struct {
	Application string `json:"application_name" validate:"required"`
	OptLevels   []int  `json:"opt_levels,omitempty" validate:"dive,min=0"`
	ConfigFile  string `json:"config_file,omitempty"`
}

// DefaultConfigFile is used when a request does not name a config file.
const DefaultConfigFile = "config.json"

// ConfigPath returns the config file of the request or the default.
func (r RunRequest) ConfigPath() string {
	if r.ConfigFile == "" {
		return DefaultConfigFile
	}
	return r.ConfigFile
}
