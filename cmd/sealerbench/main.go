// Command sealerbench starts and stops a PoA test fleet, injects transaction
// load into it and analyzes which validator sealed each slot.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/gateway-fm/sealerbench/internal/analyzer"
	"github.com/gateway-fm/sealerbench/internal/config"
	"github.com/gateway-fm/sealerbench/internal/fleet"
	"github.com/gateway-fm/sealerbench/internal/report"
	"github.com/gateway-fm/sealerbench/internal/rpc"
)

// Exit codes, one per error kind.
const (
	exitOK           = 0
	exitFailure      = 1
	exitConfig       = 2
	exitRPC          = 3
	exitInsufficient = 4
	exitLaunch       = 5
	exitStateInUse   = 6
	exitBusy         = 7
	exitNotFound     = 8
	exitReportWrite  = 9
	exitUsage        = 64
	exitInterrupted  = 130
)

// usageError marks bad arguments or flags.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newApp().RunContext(ctx, os.Args)
	stop()
	if err != nil {
		kind, code := classify(err)
		fmt.Fprintf(os.Stderr, "error kind=%s msg=%q\n", kind, err.Error())
		os.Exit(code)
	}
}

func newApp() *cli.App {
	onUsage := func(_ *cli.Context, err error, _ bool) error {
		return &usageError{msg: err.Error()}
	}
	app := &cli.App{
		Name:  "sealerbench",
		Usage: "PoA sealing fairness harness",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "harness TOML file",
				EnvVars: []string{"SEALERBENCH_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides LOG_LEVEL and the file)",
			},
		},
		Commands: []*cli.Command{
			startFleetCommand(),
			stopFleetCommand(),
			cleanFleetCommand(),
			statusFleetCommand(),
			injectLoadCommand(),
			analyzeCommand(),
			serveCommand(),
		},
		OnUsageError: onUsage,
		// Errors are reported by main with their exit code.
		ExitErrHandler: func(*cli.Context, error) {},
	}
	for _, cmd := range app.Commands {
		cmd.OnUsageError = onUsage
	}
	return app
}

// classify maps an error to its kind and process exit code.
func classify(err error) (string, int) {
	var (
		cfgErr   *config.Error
		rpcErr   *rpc.EndpointError
		launch   *fleet.LaunchError
		inUse    *fleet.StateInUseError
		busy     *fleet.BusyError
		writeErr *report.WriteError
		usage    *usageError
	)
	switch {
	case err == nil:
		return "none", exitOK
	case errors.As(err, &usage):
		return "usage", exitUsage
	case errors.Is(err, context.Canceled):
		return "interrupted", exitInterrupted
	case errors.As(err, &cfgErr):
		return "config", exitConfig
	case errors.As(err, &launch):
		return "launch", exitLaunch
	case errors.As(err, &inUse):
		return "state_in_use", exitStateInUse
	case errors.As(err, &busy):
		return "busy", exitBusy
	case errors.As(err, &writeErr):
		return "report_write", exitReportWrite
	case errors.Is(err, analyzer.ErrInsufficientData):
		return "insufficient_data", exitInsufficient
	case errors.Is(err, rpc.ErrNotFound):
		return "not_found", exitNotFound
	case errors.As(err, &rpcErr):
		return "rpc", exitRPC
	default:
		return "internal", exitFailure
	}
}

// loadConfig applies the file, the environment and the --log-level flag,
// then validates.
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

func newLogger(lvl string) *slog.Logger {
	var level slog.Level
	switch lvl {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// stdout carries command output
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
