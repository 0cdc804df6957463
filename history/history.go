// Package history persists run reports and loads them back.
package history

// This file contains the result store: one timestamped directory per
// run under the results root, plus the reconciliation of result files
// fetched from the VM.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wasmprof/wasmprof/measure"
	"github.com/wasmprof/wasmprof/model"
)

// TimestampLayout is the run directory suffix layout (YYYYMMDD_HHMMSS).
const TimestampLayout = "20060102_150405"

// Entry is a persisted run found on disk.
type Entry struct {
	Report    model.RunReport
	Timestamp time.Time
	FullPath  string
}

// Store writes run reports below a results root.
type Store struct {
	logger zerolog.Logger
	root   string
	vmDir  string
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithVMResultsDir sets the directory VM result files are reconciled from.
func WithVMResultsDir(dir string) StoreOption {
	return func(s *Store) {
		s.vmDir = dir
	}
}

// WithClock replaces the clock used to name run directories.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a store rooted at root.
func NewStore(logger zerolog.Logger, root string, opts ...StoreOption) *Store {
	s := &Store{
		logger: logger,
		root:   root,
		vmDir:  root,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunDir returns the directory of a run of application started at t.
func (s *Store) RunDir(application string, t time.Time) string {
	return filepath.Join(s.root, fmt.Sprintf("%s_%s", application, t.Format(TimestampLayout)))
}

// Persist writes report into a new run directory and returns the file path.
// An existing run directory is never overwritten.
func (s *Store) Persist(report *model.RunReport) (string, error) {
	app := report.Application
	if app == "" || filepath.Base(app) != app || strings.HasPrefix(app, ".") {
		return "", fmt.Errorf("invalid application name %q", app)
	}

	data, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create results root: %w", err)
	}

	dir := s.RunDir(app, s.now())
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("run directory %s already exists", dir)
		}
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}

	path := filepath.Join(dir, app+"_results.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("Saved run report")
	return path, nil
}

// VMResultPath returns where the result of a VM job is expected locally.
func (s *Store) VMResultPath(application string, level int, test model.TestDescriptor) string {
	stem := test.Stem()
	return filepath.Join(s.vmDir, stem, fmt.Sprintf("%s_%d_%s.json", application, level, stem))
}

// ReconcileVM reads the result file of every job of batch into tree.
// Missing or malformed files become error records.
func (s *Store) ReconcileVM(batch model.VMBatch, tree *model.ResultTree) {
	for _, job := range batch.Jobs() {
		path := s.VMResultPath(job.Application, job.OptLevel, job.Test)
		rec := measure.ReadResultFile(path)
		if rec.Failed() {
			s.logger.Warn().Str("job", job.String()).Str("path", path).Str("error", rec.Error).Msg("VM result unavailable")
		}
		tree.Set(job, rec)
	}
}

// Load reads a persisted report.
func Load(path string) (model.RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.RunReport{}, err
	}

	var report model.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return model.RunReport{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if report.Results == nil {
		report.Results = model.NewResultTree()
	}

	return report, nil
}

// LoadEntries loads every run below root, newest first.
func LoadEntries(logger zerolog.Logger, root string) ([]Entry, error) {
	var entries []Entry

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == root {
			return nil
		}

		app, ts, ok := parseRunDir(d.Name())
		if !ok {
			return nil
		}

		reportPath := filepath.Join(path, app+"_results.json")
		if _, err := os.Stat(reportPath); err != nil {
			return filepath.SkipDir
		}

		report, err := Load(reportPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", reportPath).Msg("Failed to parse run report")
			return filepath.SkipDir
		}

		entries = append(entries, Entry{
			Report:    report,
			Timestamp: ts,
			FullPath:  path,
		})
		return filepath.SkipDir
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk results directory: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	return entries, nil
}

// parseRunDir splits "<app>_<YYYYMMDD_HHMMSS>" into its parts.
func parseRunDir(name string) (string, time.Time, bool) {
	if len(name) < len(TimestampLayout)+2 {
		return "", time.Time{}, false
	}
	split := len(name) - len(TimestampLayout)
	if name[split-1] != '_' {
		return "", time.Time{}, false
	}

	ts, err := time.ParseInLocation(TimestampLayout, name[split:], time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return name[:split-1], ts, true
}
