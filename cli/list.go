package cli

// This file contains the list command for displaying previous profiling runs.

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/wasmprof/wasmprof/history"
)

func (a *App) list(ctx *cli.Context) error {
	filterApp := ctx.String("app")
	limit := ctx.Int("limit")

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.ResultsRoot); os.IsNotExist(err) {
		fmt.Println("No profiling runs found")
		fmt.Printf("Runs are saved to %s/<application>_<timestamp>/\n", cfg.ResultsRoot)
		return nil
	}

	historyEntries, err := history.LoadEntries(a.logger, cfg.ResultsRoot)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	filteredEntries := lo.Filter(historyEntries, func(entry history.Entry, _ int) bool {
		return filterApp == "" || entry.Report.Application == filterApp
	})

	if len(filteredEntries) == 0 {
		if filterApp != "" {
			fmt.Printf("No profiling runs found for application: %s\n", filterApp)
		} else {
			fmt.Println("No profiling runs found")
		}
		return nil
	}

	displayRuns := filteredEntries
	if limit > 0 && limit < len(displayRuns) {
		displayRuns = displayRuns[:limit]
	}

	fmt.Printf("\n=== History (%d total) ===\n\n", len(filteredEntries))

	for _, entry := range displayRuns {
		fmt.Print(formatEntry(entry))
		fmt.Println()
	}

	fmt.Println("\nView results: wasmprof view <ID>")

	return nil
}

// formatEntry renders one run as a status line followed by details.
func formatEntry(entry history.Entry) string {
	var b strings.Builder
	r := entry.Report

	status := "✓"
	failures := 0
	levels := []int{}
	if r.Results != nil {
		failures = r.Results.Failures()
		levels = r.Results.Levels()
	}
	if failures > 0 {
		status = "✗"
	}

	duration := time.Duration(r.TotalTime * float64(time.Second)).Round(time.Millisecond)

	fmt.Fprintf(&b, "%s  %s  [%s]  app=%s  id=%s\n",
		status, entry.Timestamp.Format("2006-01-02 15:04:05"), duration, r.Application, shortID(r.RunID))
	fmt.Fprintf(&b, "   Levels: %s\n", strings.Join(lo.Map(levels, func(l int, _ int) string {
		return fmt.Sprintf("O%d", l)
	}), " "))
	if failures > 0 {
		fmt.Fprintf(&b, "   Failed: %d\n", failures)
	}
	fmt.Fprintf(&b, "   %s\n", entry.FullPath)

	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
