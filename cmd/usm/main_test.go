// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/config"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "usm dev")
}

func TestReplayNeedsAFile(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"replay"})
	assert.Error(t, root.Execute())
}

func TestFlagsLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service_name: gateway\nlog_level: warn\n"), 0o644))

	f := &globalFlags{configPath: path, logLevel: "debug"}
	cfg, err := f.load()
	require.NoError(t, err)
	assert.Equal(t, "gateway", cfg.ServiceName)
	assert.Equal(t, "debug", cfg.LogLevel, "the flag wins over the file")
	assert.Equal(t, path, f.watchPath())

	f = &globalFlags{configPath: filepath.Join(t.TempDir(), "missing.yaml")}
	_, err = f.load()
	assert.Error(t, err)
}

func TestReplayConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Capture.Interface = "eth0"
	cfg.EBPF.Enabled = true
	cfg.Exporters.Stdout.Enabled = false

	replayConfig(cfg, "/tmp/trace.pcap", 7, "json")
	assert.True(t, cfg.Capture.Enabled)
	assert.Equal(t, "/tmp/trace.pcap", cfg.Capture.PcapFile)
	assert.Empty(t, cfg.Capture.Interface)
	assert.Equal(t, uint32(7), cfg.Capture.Netns)
	assert.False(t, cfg.Hook.Enabled)
	assert.False(t, cfg.EBPF.Enabled)
	assert.False(t, cfg.Health.Enabled)
	assert.True(t, cfg.Exporters.Stdout.Enabled)
	assert.Equal(t, "json", cfg.Exporters.Stdout.Format)
	assert.NoError(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	logger, level, err := newLogger("warn")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, zap.WarnLevel, level.Level())

	_, level, err = newLogger("chatty")
	require.NoError(t, err)
	assert.Equal(t, zap.InfoLevel, level.Level())
}
