package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/wasmprof/wasmprof/config"
)

// ErrNoRSSData is returned when a process exits before it could be sampled.
var ErrNoRSSData = errors.New("no RSS data collected")

// RSSStats summarises resident set size samples in KB.
type RSSStats struct {
	SumRSS        float64 `json:"sum_rss"`
	AvgRSS        float64 `json:"avg_rss"`
	MaxRSS        float64 `json:"max_rss"`
	TotalTime     float64 `json:"total_time"`
	RSSPerTime    float64 `json:"rss_per_time"`
	AvgRSSPerTime float64 `json:"avg_rss_per_time"`
	Samples       int     `json:"samples"`
}

// SummarizeRSS reduces samples taken over totalTime seconds.
func SummarizeRSS(samples []float64, totalTime float64) (RSSStats, error) {
	if len(samples) == 0 || totalTime <= 0 {
		return RSSStats{}, ErrNoRSSData
	}

	sum, _ := stats.Sum(samples)
	avg, _ := stats.Mean(samples)
	peak, _ := stats.Max(samples)

	return RSSStats{
		SumRSS:        sum,
		AvgRSS:        avg,
		MaxRSS:        peak,
		TotalTime:     totalTime,
		RSSPerTime:    sum / totalTime,
		AvgRSSPerTime: avg / totalTime,
		Samples:       len(samples),
	}, nil
}

// readRSS returns the resident set size of pid in KB.
func readRSS(pid int) (float64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed statm for pid %d", pid)
	}
	pages, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed statm for pid %d: %w", pid, err)
	}
	return pages * float64(os.Getpagesize()) / 1024, nil
}

// sampleRSS runs argv and samples its resident set size until it exits.
func (r *Runner) sampleRSS(ctx context.Context, argv []string) (RSSStats, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return RSSStats{}, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	interval := r.cfg.Tools.SampleInterval
	if interval <= 0 {
		interval = config.DefaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var samples []float64
	sample := func() {
		// The process may exit between ticks.
		if kb, err := readRSS(cmd.Process.Pid); err == nil {
			samples = append(samples, kb)
		}
	}

	sample()
	for {
		select {
		case err := <-done:
			elapsed := time.Since(start).Seconds()
			if err != nil {
				return RSSStats{}, commandError(argv, err, stderr.String())
			}
			return SummarizeRSS(samples, elapsed)
		case <-ticker.C:
			sample()
		}
	}
}

// rss samples every target and reports them as {"native": ..., "wasm":
// {"<runtime>": ...}}.
func (r *Runner) rss(ctx context.Context, app string, level int) (any, error) {
	result := newTargetResults()

	for _, t := range r.targets(app, level) {
		r.printf("Monitoring %s...\n", t.name)

		var entry any
		s, err := r.sampleRSS(ctx, t.argv)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			r.printf("Error executing %s: %v\n", t.name, err)
			entry = errorResult(err)
		} else {
			r.printf("Average RSS: %.2f KB, maximum RSS: %.2f KB\n", s.AvgRSS, s.MaxRSS)
			entry = s
		}

		result.set(t.name, entry)
	}

	return result, nil
}
