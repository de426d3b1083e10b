// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/internal/device"
	"github.com/Thermoquad/kmstat/pkg/capture"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

var (
	rawLogInterval time.Duration
	rawLogPd       bool
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display every transfer of a polling session",
	Long: `Poll the meter and print every transfer in both directions.

Each transfer is shown with its timestamp, direction, hex bytes and decoded
framing. Response payloads are decoded in full.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().DurationVar(&rawLogInterval, "interval", time.Second, "Polling interval")
	rawLogCmd.Flags().BoolVar(&rawLogPd, "pd", false, "Also request PD packets")
}

// printTransfer prints one transfer with its decoded framing
func printTransfer(t capture.Transfer) {
	fmt.Printf("[%s] %-3s %s\n", t.Time.Format("15:04:05.000"), t.Direction, km003c.FormatHex(t.Data))

	if t.Direction == capture.HostToDevice {
		pkt, err := km003c.ParseRawPacket(t.Data)
		if err != nil {
			fmt.Printf("[ERROR] %v\n\n", err)
			return
		}
		fmt.Print(km003c.FormatPacket(pkt))
		fmt.Println()
		return
	}

	m, err := km003c.ParsePacket(t.Data)
	if m != nil {
		fmt.Print(km003c.FormatMessage(m))
	}
	if err != nil {
		fmt.Printf("[ERROR] %v\n", err)
	}
	fmt.Println()
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dev, err := openDevice(ctx, device.WithObserver(printTransfer))
	if err != nil {
		return err
	}
	defer closeDevice(dev)

	fmt.Printf("kmstat - Raw Transfer Log\n")
	fmt.Printf("Connection: %s\n", dev.String())
	fmt.Printf("Press Ctrl+C to exit\n\n")

	attrs := []km003c.Attribute{km003c.AttAdc}
	if rawLogPd {
		attrs = append(attrs, km003c.AttPdPacket)
	}
	return poll(ctx, dev, rawLogInterval, attrs, func(pollResult) {})
}
