// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/internal/device"
)

var infoAuth bool

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Read the meter's identity from its info memory",
	Long: `Read the hardware id and the device, firmware and calibration info
blocks with encrypted MEMORY_READ requests.

With --auth the hardware id is then used for STREAMING_AUTH and the
result is printed.

Exit codes:
  0 - Identity read (and authentication granted when requested)
  1 - Read failed or authentication denied
  2 - Connection error`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&infoAuth, "auth", false, "Also run STREAMING_AUTH")
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	dev, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer closeDevice(dev)

	id, err := dev.ReadIdentity(ctx)
	if err != nil {
		fmt.Printf("Identity read failed: %v\n", err)
		return exitCode(1)
	}

	fmt.Printf("Connection:   %s\n", dev.String())
	fmt.Printf("Hardware ID:  %s\n", id.HardwareID)
	if prefix, ok := id.HardwareID.SerialPrefix(); ok {
		fmt.Printf("Serial:       %s (device %d)\n", prefix, id.HardwareID.DeviceID())
	}
	printField("Model", id.Info.Model)
	printField("Hardware", id.Info.HWVersion)
	printField("Made", id.Info.MfgDate)
	printField("Firmware", id.Info.FWVersion)
	printField("Built", id.Info.FWDate)
	printField("Serial ID", id.Info.SerialID)
	printField("UUID", id.Info.UUID)

	if !infoAuth {
		return nil
	}
	res, err := dev.Authenticate(ctx, id.HardwareID)
	switch {
	case errors.Is(err, device.ErrAuthDenied):
		fmt.Printf("Streaming:    denied (0x%04X)\n", res.Word)
		return exitCode(1)
	case err != nil:
		fmt.Printf("Streaming:    %v\n", err)
		return exitCode(1)
	}
	fmt.Printf("Streaming:    granted (level %d)\n", res.Level)
	return nil
}

func printField(name, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-13s %s\n", name+":", value)
}
