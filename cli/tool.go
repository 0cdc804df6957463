package cli

// This file contains the tool command, the entry point of the built-in
// measurement tools invoked by profiling runs.

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/wasmprof/wasmprof/tools"
)

func (a *App) tool(ctx *cli.Context) error {
	args := ctx.Args().Slice()
	if len(args) != 3 {
		return fmt.Errorf("expected <tool> <application> <level>, got %d arguments", len(args))
	}

	level, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid optimization level %q: %w", args[2], err)
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := signalContext(ctx)
	defer cancel()

	_, err = tools.New(a.logger, cfg, os.Stdout).Run(runCtx, args[0], args[1], level)
	return err
}
