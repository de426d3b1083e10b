// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/internal/transport"
)

var linkTestCmd = &cobra.Command{
	Use:   "link_test",
	Short: "Test bridge connection stability",
	Long: `Keep a session open and exchange SYNC requests once per second.

Every exchange is logged with its round-trip time. The test fails when the
bridge closes, and reports how many exchanges timed out. Useful for
debugging connection stability issues.

Exit codes:
  0 - Test completed normally
  1 - Test failed
  2 - Connection error`,
	RunE: runLinkTest,
}

var linkTestDuration int

func init() {
	rootCmd.AddCommand(linkTestCmd)
	linkTestCmd.Flags().IntVar(&linkTestDuration, "duration", 30, "Test duration in seconds")
}

func runLinkTest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dev, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer closeDevice(dev)

	fmt.Printf("Bridge Connection Stability Test\n")
	fmt.Printf("Connection: %s\n", dev.String())
	fmt.Printf("Duration: %d seconds\n\n", linkTestDuration)

	start := time.Now()
	endTime := start.Add(time.Duration(linkTestDuration) * time.Second)
	exchanges := 0
	timeouts := 0

	results := func(result string) {
		fmt.Printf("\n--- Test Results ---\n")
		fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Second))
		fmt.Printf("Exchanges: %d\n", exchanges)
		fmt.Printf("Timeouts: %d\n", timeouts)
		fmt.Printf("Stale responses: %d\n", dev.Stale)
		fmt.Printf("Result: %s\n", result)
	}

	for time.Now().Before(endTime) {
		rtt, err := dev.Sync(ctx)
		now := time.Now().Format("15:04:05.000")
		switch {
		case errors.Is(err, transport.ErrClosed):
			fmt.Printf("\n[%s] Connection error: %v\n", now, err)
			results("FAILED (connection error)")
			return exitCode(1)
		case err != nil:
			timeouts++
			fmt.Printf("[%s] No response: %v\n", now, err)
		default:
			exchanges++
			remaining := time.Until(endTime).Seconds()
			fmt.Printf("[%s] Still connected, rtt=%v (%.0fs remaining)\n",
				now, rtt.Round(time.Microsecond), remaining)
		}
		time.Sleep(time.Second)
	}

	if timeouts > 0 {
		results("FAILED (timeouts)")
		return exitCode(1)
	}
	results("PASSED (connection stable)")
	return nil
}
