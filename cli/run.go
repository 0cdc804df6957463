package cli

// This file contains the serve and run commands, which drive profiling runs
// through the HTTP API or directly from the terminal.

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/wasmprof/wasmprof/config"
	"github.com/wasmprof/wasmprof/coordinator"
	"github.com/wasmprof/wasmprof/gateway"
	"github.com/wasmprof/wasmprof/measure"
	"github.com/wasmprof/wasmprof/model"
	"github.com/wasmprof/wasmprof/tools"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(ctx *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx.Context, os.Interrupt, unix.SIGTERM)
}

// newCoordinator creates a coordinator that runs the built-in tools through
// this executable.
func (a *App) newCoordinator() (*coordinator.Coordinator, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return coordinator.New(a.logger,
		coordinator.WithAdapterOptions(measure.WithBuiltinTools(exe, tools.Names...)),
	), nil
}

func (a *App) serve(ctx *cli.Context) error {
	runCtx, cancel := signalContext(ctx)
	defer cancel()

	coord, err := a.newCoordinator()
	if err != nil {
		return err
	}

	handler := gateway.NewHandler(gateway.Config{
		Logger: a.logger,
		Runner: coord,
	})

	return gateway.Serve(runCtx, a.logger, ctx.String("listen"), handler)
}

func (a *App) run(ctx *cli.Context) error {
	runCtx, cancel := signalContext(ctx)
	defer cancel()

	req := model.RunRequest{
		Application: ctx.String("app"),
		OptLevels:   ctx.IntSlice("opt"),
		ConfigFile:  ctx.String("config"),
	}
	for _, level := range req.OptLevels {
		if level < 0 {
			return fmt.Errorf("invalid optimization level %d", level)
		}
	}

	cfg, err := config.Load(req.ConfigPath())
	if err != nil {
		return err
	}

	coord, err := a.newCoordinator()
	if err != nil {
		return err
	}

	var final coordinator.Chunk
	for chunk := range coord.Run(runCtx, cfg, req) {
		if chunk.Final() {
			final = chunk
			continue
		}
		fmt.Print(chunk.Text)
	}

	data, err := json.MarshalIndent(final.Report, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	fmt.Print(gateway.FinalResultsHeader)
	fmt.Println(string(data))

	if final.PersistErr != nil {
		return final.PersistErr
	}
	return runCtx.Err()
}
