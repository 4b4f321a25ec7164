// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &globalFlags{}
	root := &cobra.Command{
		Use:          "usm",
		Short:        "usm classifies and parses application protocols on observed connections",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&f.configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd(f), newReplayCmd(f), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "usm %s (commit: %s, built: %s, %s/%s)\n",
				version, commit, buildDate, runtime.GOOS, runtime.GOARCH)
		},
	}
}
