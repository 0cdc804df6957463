package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"
)

// EnergyStats is the mean energy and power of a target across iterations.
type EnergyStats struct {
	File          string  `json:"file,omitempty"`
	AverageEnergy float64 `json:"average_energy_uJ"`
	AveragePower  float64 `json:"average_power_W"`
}

func readCounter(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read energy counter: %w", err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed energy counter %s: %w", path, err)
	}
	return v, nil
}

// EnergyDelta returns the energy consumed between two counter readings,
// accounting for a single wraparound at maxRange. A zero maxRange means the
// range is unknown.
func EnergyDelta(before, after, maxRange uint64) uint64 {
	if after >= before {
		return after - before
	}
	if maxRange == 0 {
		return 0
	}
	return maxRange - before + after
}

// maxEnergyRange reads max_energy_range_uj next to the energy counter.
func (r *Runner) maxEnergyRange() uint64 {
	v, err := readCounter(filepath.Join(filepath.Dir(r.cfg.Tools.RAPLPath), "max_energy_range_uj"))
	if err != nil {
		return 0
	}
	return v
}

// measureEnergy runs argv once pinned to the configured core and returns
// the consumed energy in microjoules and the elapsed seconds.
func (r *Runner) measureEnergy(ctx context.Context, argv []string, maxRange uint64) (float64, float64, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	before, err := readCounter(r.cfg.Tools.RAPLPath)
	if err != nil {
		return 0, 0, err
	}
	start := time.Now()

	if err := startPinned(cmd, r.cfg.Tools.CPUCore); err != nil {
		return 0, 0, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	if err := cmd.Wait(); err != nil {
		return 0, 0, commandError(argv, err, stderr.String())
	}

	elapsed := time.Since(start).Seconds()
	after, err := readCounter(r.cfg.Tools.RAPLPath)
	if err != nil {
		return 0, 0, err
	}

	return float64(EnergyDelta(before, after, maxRange)), elapsed, nil
}

func (r *Runner) energyStats(ctx context.Context, argv []string, maxRange uint64) (EnergyStats, error) {
	iterations := max(r.cfg.Tools.Iterations, 1)
	energies := make([]float64, 0, iterations)
	powers := make([]float64, 0, iterations)

	for i := 0; i < iterations; i++ {
		energy, secs, err := r.measureEnergy(ctx, argv, maxRange)
		if err != nil {
			return EnergyStats{}, err
		}
		energies = append(energies, energy)
		if secs > 0 {
			powers = append(powers, energy/1e6/secs)
		}
	}

	avgEnergy, _ := stats.Mean(energies)
	avgPower, _ := stats.Mean(powers)
	return EnergyStats{AverageEnergy: avgEnergy, AveragePower: avgPower}, nil
}

// rapl measures package energy of every target through the powercap
// interface and reports them as {"native": ..., "wasm": {"<runtime>": ...}}.
func (r *Runner) rapl(ctx context.Context, app string, level int) (any, error) {
	if _, err := readCounter(r.cfg.Tools.RAPLPath); err != nil {
		return nil, err
	}
	maxRange := r.maxEnergyRange()

	result := newTargetResults()

	for _, t := range r.targets(app, level) {
		var entry any
		s, err := r.energyStats(ctx, t.argv, maxRange)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			r.printf("Error executing %s: %v\n", t.name, err)
			entry = errorResult(err)
		} else {
			r.printf("%s: average energy %.2f uJ, average power %.4f W\n", t.name, s.AverageEnergy, s.AveragePower)
			if t.name == "native" {
				s.File = filepath.Base(t.argv[0])
			}
			entry = s
		}

		result.set(t.name, entry)
	}

	return result, nil
}
