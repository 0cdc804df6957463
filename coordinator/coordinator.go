// Package coordinator drives a profiling run: local jobs through the
// measurement adapter, the VM batch through the remote connector, and the
// final report through the result store.
package coordinator

import (
	"context"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/wasmprof/wasmprof/config"
	"github.com/wasmprof/wasmprof/history"
	"github.com/wasmprof/wasmprof/matrix"
	"github.com/wasmprof/wasmprof/measure"
	"github.com/wasmprof/wasmprof/model"
	"github.com/wasmprof/wasmprof/remote"
)

// Chunk is one element of a run's output stream: narration text, or the
// final report as the very last element.
type Chunk struct {
	Text string

	Report     *model.RunReport
	ReportPath string
	PersistErr error
}

// Final reports whether the chunk carries the run report.
func (c Chunk) Final() bool {
	return c.Report != nil
}

// Measurer runs a local job.
type Measurer interface {
	Measure(ctx context.Context, job model.Job) (string, model.Record, error)
}

// Remote runs the VM batch.
type Remote interface {
	EnsureConnected(ctx context.Context) error
	RunJob(ctx context.Context, batch model.VMBatch) <-chan remote.Output
	Disconnect()
}

// Store persists reports and collects VM result files.
type Store interface {
	Persist(report *model.RunReport) (string, error)
	ReconcileVM(batch model.VMBatch, tree *model.ResultTree)
}

// Coordinator runs profiling requests. Collaborators are created per run
// from the run's configuration.
type Coordinator struct {
	logger    zerolog.Logger
	measurers func(cfg *config.Config) Measurer
	remotes   func(cfg *config.Config) Remote
	stores    func(cfg *config.Config) Store
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMeasurer replaces how local jobs are measured.
func WithMeasurer(f func(cfg *config.Config) Measurer) Option {
	return func(c *Coordinator) {
		c.measurers = f
	}
}

// WithRemote replaces how the VM is reached.
func WithRemote(f func(cfg *config.Config) Remote) Option {
	return func(c *Coordinator) {
		c.remotes = f
	}
}

// WithStore replaces the result store.
func WithStore(f func(cfg *config.Config) Store) Option {
	return func(c *Coordinator) {
		c.stores = f
	}
}

// WithClock replaces the clock used to time runs.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithAdapterOptions configures the default measurement adapter.
func WithAdapterOptions(opts ...measure.Option) Option {
	return func(c *Coordinator) {
		c.measurers = func(cfg *config.Config) Measurer {
			return measure.NewAdapter(c.logger, cfg.ScriptsDir,
				append([]measure.Option{measure.WithConfigPath(cfg.Path)}, opts...)...)
		}
	}
}

// New creates a coordinator.
func New(logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger: logger,
		now:    time.Now,
	}
	c.measurers = func(cfg *config.Config) Measurer {
		return measure.NewAdapter(c.logger, cfg.ScriptsDir, measure.WithConfigPath(cfg.Path))
	}
	c.remotes = func(cfg *config.Config) Remote {
		return remote.NewConnector(c.logger, cfg)
	}
	c.stores = func(cfg *config.Config) Store {
		return history.NewStore(c.logger, cfg.ResultsRoot, history.WithVMResultsDir(cfg.VMResultsDir()))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes req against cfg. Narration chunks are produced as the run
// progresses; the final chunk carries the report. The channel is closed
// after the final chunk and must be drained by the caller.
func (c *Coordinator) Run(ctx context.Context, cfg *config.Config, req model.RunRequest) <-chan Chunk {
	out := make(chan Chunk)

	go func() {
		defer close(out)
		r := &run{
			Coordinator: c,
			cfg:         cfg,
			out:         out,
			tree:        model.NewResultTree(),
		}
		r.execute(ctx, req)
	}()

	return out
}

// run is the state of one Run call.
type run struct {
	*Coordinator
	cfg  *config.Config
	out  chan<- Chunk
	tree *model.ResultTree
}

func (r *run) say(format string, args ...any) {
	r.out <- Chunk{Text: fmt.Sprintf(format, args...)}
}

func (r *run) execute(ctx context.Context, req model.RunRequest) {
	start := r.now()

	runID, err := gonanoid.New()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to generate run ID")
	}
	logger := r.logger.With().Str("run", runID).Str("application", req.Application).Logger()

	plan := matrix.Expand(r.cfg, req.Application, req.OptLevels)
	for _, t := range plan.Skipped {
		logger.Warn().Str("test", t.Name).Msg("Test has no active flag, skipping")
	}
	logger.Info().
		Ints("opt_levels", plan.Levels).
		Int("local_jobs", len(plan.Local)).
		Bool("vm", plan.VM != nil).
		Msg("Starting profiling run")

	r.runLocal(ctx, logger, plan)
	if plan.VM != nil && ctx.Err() == nil {
		r.runVM(ctx, logger, *plan.VM)
	}
	if err := ctx.Err(); err != nil {
		r.say("\nRun cancelled: %v\n", err)
	}

	report := &model.RunReport{
		RunID:       runID,
		Application: req.Application,
		Results:     r.tree,
		TotalTime:   r.now().Sub(start).Seconds(),
	}

	path, err := r.stores(r.cfg).Persist(report)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to persist run report")
		r.say("\nFailed to save results: %v\n", err)
	} else {
		r.say("\nResults saved to %s\n", path)
	}

	logger.Info().Float64("total_time", report.TotalTime).Int("entries", report.Results.Len()).Msg("Profiling run finished")
	r.out <- Chunk{Report: report, ReportPath: path, PersistErr: err}
}

func (r *run) runLocal(ctx context.Context, logger zerolog.Logger, plan matrix.Plan) {
	measurer := r.measurers(r.cfg)

	for _, level := range plan.Levels {
		if ctx.Err() != nil {
			return
		}
		r.tree.Level(level)
		r.say("\nOptimization Level: %d\n", level)

		jobs := lo.Filter(plan.Local, func(j model.Job, _ int) bool { return j.OptLevel == level })
		for _, job := range jobs {
			if ctx.Err() != nil {
				return
			}
			r.say("\nRunning %s locally...\n", job.Test.Name)

			raw, rec, err := measurer.Measure(ctx, job)
			r.tree.Set(job, rec)

			if err != nil {
				logger.Warn().Err(err).Str("job", job.String()).Msg("Measurement tool failed")
				r.say("%s\n", rec.Error)
				continue
			}
			if rec.Failed() {
				logger.Warn().Str("job", job.String()).Str("error", rec.Error).Msg("Failed to read measurement result")
			}
			r.say("%s\n", raw)
		}
	}
}

func (r *run) runVM(ctx context.Context, logger zerolog.Logger, batch model.VMBatch) {
	r.say("\nRunning VM tests...\n")
	for _, level := range batch.OptLevels {
		r.tree.Level(level)
	}

	conn := r.remotes(r.cfg)
	if err := conn.EnsureConnected(ctx); err != nil {
		conn.Disconnect()
		r.say("\nFailed to run VM tests: %v\n", err)
		return
	}

	var jobErr error
	for o := range conn.RunJob(ctx, batch) {
		if o.Err != nil {
			jobErr = o.Err
			continue
		}
		r.say("%s\n", o.Line)
	}
	if jobErr == nil && ctx.Err() != nil {
		jobErr = fmt.Errorf("remote job cancelled: %w", ctx.Err())
	}
	conn.Disconnect()

	if jobErr != nil {
		logger.Error().Err(jobErr).Msg("VM batch failed")
		for _, job := range batch.Jobs() {
			r.tree.Set(job, model.ErrorRecord("%v", jobErr))
		}
		r.say("\nFailed to run VM tests: %v\n", jobErr)
		return
	}

	r.stores(r.cfg).ReconcileVM(batch, r.tree)
	r.say("\nDisconnected from VM %s...\n", r.cfg.VM.Hostname)
}
