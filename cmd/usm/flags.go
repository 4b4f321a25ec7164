// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/usm/pkg/config"
)

// defaultConfigPaths are tried in order when no --config is given.
var defaultConfigPaths = []string{
	"configs/usm.yaml",
	"/etc/usm/usm.yaml",
	"/etc/usm.yaml",
}

type globalFlags struct {
	configPath string
	configDir  string
	logLevel   string
}

// load reads the configuration the flags point at and applies the flag
// overrides.
func (f *globalFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configDir != "" {
		cfg, err = config.LoadDir(f.configDir)
	} else {
		cfg, err = loadConfig(f.configPath)
	}
	if err != nil {
		return nil, err
	}
	f.override(cfg)
	return cfg, nil
}

func (f *globalFlags) override(cfg *config.Config) {
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
}

// watchPath is what the config watcher follows, or "" when the defaults
// are in use.
func (f *globalFlags) watchPath() string {
	if f.configDir != "" {
		return f.configDir
	}
	return f.configPath
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, cfg.Validate()
}

// newLogger builds the console logger. The returned level can be changed
// at runtime.
func newLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	atom := zap.NewAtomicLevelAt(lvl)

	cfg := zap.Config{
		Level:            atom,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := cfg.Build()
	return logger, atom, err
}
