package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/librescoot/fsmbus"
	"github.com/librescoot/fsmbus/bridge"
	"github.com/librescoot/fsmbus/bus"
	"github.com/librescoot/fsmbus/internal/config"
)

// serveViewer runs the viewer machine and exposes it on b until ctx ends.
func serveViewer(ctx context.Context, cfg *config.Config, b bus.Bus, logger *slog.Logger) error {
	m, err := newViewer(
		fsmbus.WithLogger(logger),
		fsmbus.WithMaxCascade(cfg.Machine.MaxCascade),
	)
	if err != nil {
		return fmt.Errorf("build viewer: %w", err)
	}
	if logger.Enabled(ctx, slog.LevelDebug) {
		fsmbus.Debug(m, logger)
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop()

	host, err := bridge.Expose(m, b, viewerTriggers(),
		bridge.WithName(viewerName),
		bridge.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer host.Close()

	logger.Info("viewer ready", "node", m.Node())
	<-ctx.Done()
	return nil
}

// runWorkerProcess serves the viewer over stdin/stdout until the parent
// closes the pipe.
func runWorkerProcess(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	relay := bus.NewRelay(
		bus.WithSeenCacheSize(cfg.Bus.SeenCacheSize),
		bus.WithLogger(logger),
	)
	defer relay.Close()

	detached, err := relay.Attach(bus.ParentPort())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-detached
		logger.Debug("parent went away")
		cancel()
	}()

	return serveViewer(ctx, cfg, relay, logger)
}
