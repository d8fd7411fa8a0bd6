package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/librescoot/fsmbus"
	"github.com/librescoot/fsmbus/bridge"
	"github.com/librescoot/fsmbus/bus"
	"github.com/librescoot/fsmbus/internal/config"
)

func runParent(ctx context.Context, cfg *config.Config, f flags, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	busOpts := []bus.Option{
		bus.WithSeenCacheSize(cfg.Bus.SeenCacheSize),
		bus.WithLogger(logger),
	}

	var b bus.Bus
	var shutdown func() error

	switch cfg.Bus.Mode {
	case config.ModeNative:
		hub := bus.NewHub()
		workerLogger := logger.With("side", "worker")
		workerBus := bus.New(append(busOpts, bus.WithNativeBroadcast(hub), bus.WithLogger(workerLogger))...)
		b = bus.New(append(busOpts, bus.WithNativeBroadcast(hub))...)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveViewer(ctx, cfg, workerBus, workerLogger); err != nil {
				logger.Error("worker failed", "error", err)
			}
		}()
		shutdown = func() error {
			cancel()
			wg.Wait()
			return errors.Join(workerBus.Close(), b.Close())
		}

	default:
		relay := bus.NewRelay(busOpts...)
		b = relay

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		args := []string{"--worker", "--log-level", cfg.LogLevel}
		if f.configPath != "" {
			args = append(args, "--config", f.configPath)
		}
		worker, err := bus.SpawnWorker(relay, exec.CommandContext(ctx, exe, args...))
		if err != nil {
			return err
		}
		logger.Debug("worker started", "pid", worker.Pid())
		shutdown = func() error {
			err := worker.Close()
			return errors.Join(err, relay.Close())
		}
	}

	err := drive(ctx, cfg, b, f.paths)
	return errors.Join(err, shutdown())
}

// drive connects to the viewer, navigates through paths and prints every
// change it observes.
func drive(ctx context.Context, cfg *config.Config, b bus.Bus, paths []string) error {
	remote, err := bridge.Connect[node, viewState](ctx, b,
		bridge.WithName(viewerName),
		bridge.WithTimeout(cfg.RPC.RequestTimeout),
	)
	if err != nil {
		return err
	}
	defer remote.Close()

	remote.OnChange(func(s fsmbus.Snapshot[node, viewState]) {
		fmt.Printf("change: %-8s %s\n", s.Node, describe(s.Value))
	})

	for _, p := range paths {
		if err := remote.EmitTrigger(ctx, Navigate{Path: p}); err != nil {
			return fmt.Errorf("navigate %s: %w", p, err)
		}
	}
	if err := remote.EmitTrigger(ctx, trRefresh); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	snap, err := remote.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	fmt.Printf("final:  %-8s %s\n", snap.Node, describe(snap.Value))
	return nil
}

func describe(v viewState) string {
	if v.Path == "" {
		return fmt.Sprintf("(empty) refreshes=%d", v.Refreshes)
	}
	return fmt.Sprintf("%s [%s] refreshes=%d", v.Path, strings.Join(v.Items, ", "), v.Refreshes)
}
