// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/internal/device"
	"github.com/Thermoquad/kmstat/internal/transport"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

var (
	packetTestWait int
)

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Test connection by waiting for a valid KM003C response",
	Long: `Request ADC data until a valid KM003C response arrives or the wait ends.

This command opens the serial or WebSocket bridge, sends GET_DATA requests
and waits for a response that decodes cleanly. Timeouts and malformed
responses are counted and retried until --wait expires.

Exit codes:
  0 - Valid response received before timeout
  1 - Timeout reached without receiving a valid response
  2 - Connection error

Useful for testing connectivity to a meter bridge.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().IntVar(&packetTestWait, "wait", 10, "Seconds to wait for a valid response")
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	conn, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		return exitCode(2)
	}
	dev := device.New(conn, device.WithTimeout(requestTimeout))
	defer dev.Close()

	fmt.Printf("kmstat - Packet Test\n")
	fmt.Printf("Connection: %s\n", dev.String())
	fmt.Printf("Timeout: %d seconds\n", packetTestWait)
	fmt.Printf("Waiting for valid KM003C response...\n\n")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(packetTestWait)*time.Second)
	defer cancel()

	attempts := 0
	for {
		attempts++
		m, err := dev.GetData(ctx, km003c.AttAdc)
		if err == nil && m.Adc != nil {
			if attempts > 1 {
				fmt.Printf("(%d requests before a valid response)\n", attempts)
			}
			fmt.Printf("SUCCESS: Received valid response\n")
			fmt.Printf("  Command: %s (0x%02X)\n", m.Packet.Command(), uint8(m.Packet.Command()))
			fmt.Printf("  ID: %d\n", m.Packet.ID())
			fmt.Printf("  Length: %d bytes\n", m.Packet.Length())
			fmt.Printf("  Reading: %s\n", m.Adc)
			if dev.Stale > 0 {
				fmt.Printf("  Stale responses dropped: %d\n", dev.Stale)
			}
			return nil
		}

		if errors.Is(err, transport.ErrClosed) {
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			return exitCode(2)
		}
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "TIMEOUT: No valid response received within %d seconds\n", packetTestWait)
			return exitCode(1)
		}
	}
}
