// Package matrix expands a profiling configuration into the ordered list of
// jobs of a run.
package matrix

import (
	"slices"

	"github.com/samber/lo"
	"github.com/wasmprof/wasmprof/config"
	"github.com/wasmprof/wasmprof/model"
)

// Plan is the expanded job matrix of one run.
type Plan struct {
	// Optimization levels in execution order
	Levels []int
	// Local jobs, level-major then in configuration order
	Local []model.Job
	// VM batch, nil when no VM test is active or no VM is configured
	VM *model.VMBatch
	// Tests excluded because they carry no active flag
	Skipped []model.TestDescriptor
}

// Expand builds the plan for application. requested replaces the configured
// optimization levels unless it is empty. Duplicate levels are dropped,
// keeping the first occurrence.
func Expand(cfg *config.Config, application string, requested []int) Plan {
	levels := requested
	if len(levels) == 0 {
		levels = cfg.OptimizationLevels
	}
	levels = lo.Uniq(levels)

	localTests := lo.Filter(cfg.LocalTests, func(t model.TestDescriptor, _ int) bool {
		return t.IsActive()
	})
	vmTests := lo.Filter(cfg.VMTests, func(t model.TestDescriptor, _ int) bool {
		return t.IsActive()
	})

	plan := Plan{
		Levels: levels,
		Local:  make([]model.Job, 0, len(levels)*len(localTests)),
		Skipped: lo.Reject(slices.Concat(cfg.LocalTests, cfg.VMTests), func(t model.TestDescriptor, _ int) bool {
			return t.HasActive()
		}),
	}

	for _, level := range levels {
		for _, test := range localTests {
			plan.Local = append(plan.Local, model.Job{
				Application: application,
				OptLevel:    level,
				Test:        test,
				Target:      model.TargetLocal,
			})
		}
	}

	if len(vmTests) > 0 && cfg.VM != nil && len(levels) > 0 {
		plan.VM = &model.VMBatch{
			Application: application,
			OptLevels:   levels,
			Tests:       vmTests,
		}
	}

	return plan
}

// Jobs returns every job of the plan in dispatch order.
func (p Plan) Jobs() []model.Job {
	jobs := append([]model.Job(nil), p.Local...)
	if p.VM != nil {
		jobs = append(jobs, p.VM.Jobs()...)
	}
	return jobs
}
