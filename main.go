// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// kmstat - KM003C USB Power Meter Analyzer
//
// A CLI tool for polling, streaming and decoding ChargerLAB KM003C
// measurements in human-readable format.

package main

import (
	"fmt"
	"os"

	"github.com/Thermoquad/kmstat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if !cmd.Reported(err) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cmd.ExitCode(err))
	}
}
