// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	pingCount int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure round-trip time to the meter with SYNC requests",
	Long: `Send SYNC requests to the meter and wait for each echo.

This command tests bidirectional communication through the bridge. It is
useful for verifying:
  - The serial port or WebSocket connection is established
  - HTTP Basic authentication works
  - The bridge forwards transfers in both directions
  - The meter accepts the session

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dev, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer closeDevice(dev)

	fmt.Printf("kmstat - Ping Test\n")
	fmt.Printf("Connection: %s\n", dev.String())
	fmt.Printf("Timeout: %s per ping\n", requestTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	successCount := 0
	failCount := 0
	var total, min, max time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		rtt, err := dev.Sync(ctx)
		if err != nil {
			fmt.Printf("FAILED: %v\n", err)
			failCount++
		} else {
			fmt.Printf("SYNC echoed, rtt=%v\n", rtt.Round(time.Microsecond))
			successCount++
			total += rtt
			if min == 0 || rtt < min {
				min = rtt
			}
			if rtt > max {
				max = rtt
			}
		}

		// Small delay between pings
		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d responses received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		avg := total / time.Duration(successCount)
		fmt.Printf("rtt min/avg/max = %v/%v/%v\n",
			min.Round(time.Microsecond), avg.Round(time.Microsecond), max.Round(time.Microsecond))
	}
	if dev.Stale > 0 {
		fmt.Printf("%d stale responses dropped\n", dev.Stale)
	}

	if failCount > 0 {
		return exitCode(1)
	}
	return nil
}
