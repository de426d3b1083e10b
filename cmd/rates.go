// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/pkg/km003c"
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "List the sample rates supported by graph mode",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-5s %-10s %8s  %s\n", "CODE", "NAME", "HZ", "PERIOD")
		for _, r := range km003c.SampleRates() {
			fmt.Fprintf(out, "%-5d %-10s %8d  %d µs\n", r.RawCode, r.Name, r.Hz, r.PeriodMicros())
		}
	},
}

func init() {
	rootCmd.AddCommand(ratesCmd)
}
