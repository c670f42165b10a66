// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Jake Morgan

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmorgan-eng/canmaster/internal/config"
	"github.com/jmorgan-eng/canmaster/pkg/defs"
	"github.com/jmorgan-eng/canmaster/pkg/store"
)

var definitionsCmd = &cobra.Command{
	Use:   "definitions <export.csv>",
	Short: "Import a message definition export into the database",
	Long: `Definitions parses a spreadsheet CSV export of the message map and
inserts or replaces its rows, by id, in the definition table of the
configured database. Rows for ids not in the export are kept. The daemon
picks the updated table up on its next start.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDefinitions(args[0])
	},
}

func init() {
	rootCmd.AddCommand(definitionsCmd)
}

func runDefinitions(csvPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)

	list, err := defs.LoadCSV(csvPath, log)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.ReplaceDefinitions(list); err != nil {
		return err
	}

	reg := defs.NewRegistry(list)
	fmt.Printf("imported %d definitions into %s\n", reg.Len(), cfg.DatabasePath)
	for _, d := range reg.InRange(0x100, 0x1FF) {
		fmt.Printf("  master 0x%03X %-24s dlc %d\n", d.IDDec, d.Name, d.Dlc)
	}
	return nil
}
