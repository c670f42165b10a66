// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Jake Morgan

package main

import (
	"os"

	"github.com/jmorgan-eng/canmaster/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
