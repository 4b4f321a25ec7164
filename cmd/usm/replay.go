// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbeema/usm/pkg/config"
)

func newReplayCmd(f *globalFlags) *cobra.Command {
	var (
		netns  uint32
		format string
	)
	cmd := &cobra.Command{
		Use:   "replay <pcap>",
		Short: "Classify and parse the connections of a pcap or pcapng file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			replayConfig(cfg, args[0], netns, format)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runAgent(cmd.Context(), f, cfg)
		},
	}
	cmd.Flags().Uint32Var(&netns, "netns", 0, "network namespace reported for every connection")
	cmd.Flags().StringVar(&format, "format", "", "stdout format (text or json); defaults to the configured one")
	return cmd
}

// replayConfig turns cfg into a one-shot run over path: packet capture is
// the only source and nothing listens.
func replayConfig(cfg *config.Config, path string, netns uint32, format string) {
	cfg.Capture.Enabled = true
	cfg.Capture.PcapFile = path
	cfg.Capture.Interface = ""
	cfg.Capture.Netns = netns
	cfg.Hook.Enabled = false
	cfg.EBPF.Enabled = false
	cfg.Health.Enabled = false
	if !cfg.Exporters.OTLP.Enabled {
		cfg.Exporters.Stdout.Enabled = true
	}
	if format != "" {
		cfg.Exporters.Stdout.Format = format
	}
}
