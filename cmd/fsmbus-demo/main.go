// fsmbus-demo hosts a small viewer state machine in a worker and drives it
// from the parent over the bus.
//
//	fsmbus-demo                      # worker is a child process on stdio
//	fsmbus-demo --native             # worker is a goroutine on a shared hub
//	fsmbus-demo --path /r/go --path /r/rust
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/librescoot/fsmbus/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fsmbus-demo: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	logLevel   string
	worker     bool
	native     bool
	paths      []string
}

func run() error {
	var f flags
	fs := pflag.NewFlagSet("fsmbus-demo", pflag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to a YAML or TOML config file (or set "+config.EnvVar+")")
	fs.StringVar(&f.logLevel, "log-level", "", "override the configured log level")
	fs.BoolVar(&f.worker, "worker", false, "run as the worker side on stdin/stdout")
	fs.BoolVar(&f.native, "native", false, "run the worker in-process on a shared hub")
	fs.StringArrayVar(&f.paths, "path", []string{"/r/golang", "/r/rust"}, "listing to navigate to (repeatable)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.native {
		cfg.Bus.Mode = config.ModeNative
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	// stdout carries the bus in a worker, so logs always go to stderr
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if f.worker {
		logger = logger.With("side", "worker")
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.worker {
		return runWorkerProcess(ctx, cfg, logger)
	}
	return runParent(ctx, cfg, f, logger)
}
