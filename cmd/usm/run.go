// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/agent"
	"github.com/mbeema/usm/pkg/config"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Monitor connections until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runAgent(cmd.Context(), f, cfg)
		},
	}
}

// runAgent runs an agent for cfg until a signal arrives or a finite source
// is exhausted. SIGHUP and watched config changes reload it.
func runAgent(ctx context.Context, f *globalFlags, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, level, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting usm",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	a, err := agent.New(cfg, agent.Options{Version: version, Level: &level}, logger)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	reload := func(newCfg *config.Config, source string) {
		f.override(newCfg)
		if err := a.Reload(newCfg); err != nil {
			logger.Error("failed to apply config", zap.String("source", source), zap.Error(err))
		}
	}

	var watcher *config.Watcher
	if path := f.watchPath(); path != "" {
		watcher = config.NewWatcher(path, reload, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher not started", zap.Error(err))
			watcher = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	defer signal.Stop(hupCh)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		case <-a.Done():
			logger.Info("event source exhausted")
		case <-ctx.Done():
		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := f.load()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			reload(newCfg, "SIGHUP")
			continue
		}
		break
	}

	if watcher != nil {
		watcher.Stop()
	}
	return shutdown(a, logger, shutdownTimeout)
}

// shutdown stops a, giving up after timeout.
func shutdown(a *agent.Agent, logger *zap.Logger, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- a.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("error during shutdown", zap.Error(err))
			return err
		}
		logger.Info("usm stopped")
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timed out")
	}
}
