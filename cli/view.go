package cli

// This file contains the view command for displaying the results of a
// previous profiling run.

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/wasmprof/wasmprof/history"
)

// selectEntry resolves arg against entries ordered newest first. Zero or a
// negative integer counts back from the newest run; anything else is a run
// ID prefix.
func selectEntry(entries []history.Entry, arg string) (*history.Entry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no history entries found")
	}

	if parsed, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if parsed > 0 {
			return nil, fmt.Errorf("invalid index: %s (use 0 for last, -1 for second-to-last, etc.)", arg)
		}
		index := int(-parsed)
		if index >= len(entries) {
			return nil, fmt.Errorf("index %s out of range (only %d history entries)", arg, len(entries))
		}
		return &entries[index], nil
	}

	for i := range entries {
		if strings.HasPrefix(entries[i].Report.RunID, arg) {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("no history entry found matching ID: %s", arg)
}

func (a *App) view(ctx *cli.Context) error {
	arg := ctx.Args().First()
	if arg == "" {
		arg = "0"
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	historyEntries, err := history.LoadEntries(a.logger, cfg.ResultsRoot)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	entry, err := selectEntry(historyEntries, arg)
	if err != nil {
		return err
	}

	return displayEntry(entry)
}

func displayEntry(entry *history.Entry) error {
	r := entry.Report

	fmt.Printf("=== Profiling Run: %s ===\n", shortID(r.RunID))
	fmt.Printf("Application: %s\n", r.Application)
	fmt.Printf("Time: %s\n", entry.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Printf("Total Time: %.3fs\n", r.TotalTime)
	fmt.Printf("Directory: %s\n", entry.FullPath)
	fmt.Println()

	data, err := json.MarshalIndent(r.Results, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
