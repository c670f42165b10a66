// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Jake Morgan

package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "canmaster",
	Short: "CAN bus master controller and management plane",
	Long: `Canmaster - master controller for a CAN network of addressable nodes.

It discovers nodes and their sub-modules through the two-phase
introduction protocol, keeps an authoritative inventory with CRC-based
drift detection and history, pushes operator edits back onto the bus,
and serves a live websocket view to browser operators.

Run the daemon with 'canmaster serve', watch a running instance with
'canmaster monitor', or import a message definition export with
'canmaster definitions'.`,
	Version: "1.2.0",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Force debug logging regardless of config")
}

// newLogger builds the process logger. Colour output is reserved for
// interactive terminals; pipes get plain text.
func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch {
	case verbose:
		lvl = slog.LevelDebug
	case level == "debug":
		lvl = slog.LevelDebug
	case level == "warn":
		lvl = slog.LevelWarn
	case level == "error":
		lvl = slog.LevelError
	}

	w := os.Stderr
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(w.Fd()),
	}))
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
