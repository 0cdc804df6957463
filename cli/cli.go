package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/wasmprof/wasmprof/config"
	"github.com/wasmprof/wasmprof/model"
	"github.com/wasmprof/wasmprof/tools"
)

const AppName = "wasmprof"

const defaultListen = ":5000"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Benchmark native and WebAssembly builds of PolyBench kernels",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "serve",
		Usage:  "Serve the profiling API",
		Action: app.serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Address to listen on",
				Value:   defaultListen,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "run",
		Usage:  "Run a profiling run and print its narration and results",
		Action: app.run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "app",
				Aliases:  []string{"a"},
				Usage:    "PolyBench application name (e.g., gemm)",
				Required: true,
			},
			&cli.IntSliceFlag{
				Name:    "opt",
				Aliases: []string{"O"},
				Usage:   "Optimization levels to run (default: levels from the configuration)",
			},
			configFlag(),
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "tool",
		Usage:     "Run a built-in measurement tool",
		ArgsUsage: "<tool> <application> <level>",
		Action:    app.tool,
		Flags: []cli.Flag{
			configFlag(),
		},
		Description: fmt.Sprintf(`Run a built-in measurement tool against the compiled binaries of an
application at one optimization level. The result is written to
<results_root>/<tool>/<application>_<level>_<tool>.json.

Tools: %v`, tools.Names),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List previous profiling runs",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "app",
				Aliases: []string{"a"},
				Usage:   "Filter by application name",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
			configFlag(),
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "view",
		Usage:     "View the results of a previous profiling run",
		ArgsUsage: "[INDEX|RUN-ID]",
		Action:    app.view,
		Flags: []cli.Flag{
			configFlag(),
		},
		Description: `View the results of a previous profiling run.

Arguments:
  0           View last run (default)
  -1          View 2nd last run
  <run-id>    View run matching the run ID prefix`,
	})
	return app
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Profiling configuration file",
		Value:   model.DefaultConfigFile,
	}
}

// loadConfig loads the configuration named by the --config flag.
func (a *App) loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Str("config", cfg.Path).Str("results_root", cfg.ResultsRoot).Msg("Loaded configuration")
	return cfg, nil
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && commit != "" {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:min(8, len(commit))], date)
	}
}
