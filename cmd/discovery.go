// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"

	"github.com/Thermoquad/kmstat/internal/device"
	"github.com/Thermoquad/kmstat/internal/logging"
	"github.com/Thermoquad/kmstat/internal/transport"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

var (
	discoveryCheck bool
	discoveryAll   bool
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Find serial bridges connected to a KM003C",
	Long: `List USB serial ports and look for meter bridges.

Ports reporting the KM003C vendor and product id (5FC9:0063) are marked.
With --check, each USB serial port is opened and sent a SYNC request; ports
that answer are reported as bridges.

Examples:
  kmstat discovery
  kmstat discovery --check --timeout 500ms

Exit codes:
  0 - At least one candidate port found
  1 - No candidate ports found`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().BoolVar(&discoveryCheck, "check", false, "Send SYNC to each USB serial port")
	discoveryCmd.Flags().BoolVar(&discoveryAll, "all", false, "List ports that are not USB")
}

// isMeterPort reports whether an enumerated port carries the meter's ids
func isMeterPort(p *enumerator.PortDetails) bool {
	if !p.IsUSB {
		return false
	}
	vid, err1 := strconv.ParseUint(p.VID, 16, 16)
	pid, err2 := strconv.ParseUint(p.PID, 16, 16)
	return err1 == nil && err2 == nil && vid == km003c.VendorID && pid == km003c.ProductID
}

// checkPort opens name and checks whether something answers SYNC
func checkPort(name string) error {
	conn, err := transport.OpenSerial(name, baudRate)
	if err != nil {
		return err
	}
	dev := device.New(conn, device.WithTimeout(requestTimeout))
	defer dev.Close()

	_, err = dev.Sync(context.Background())
	return err
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fmt.Errorf("listing serial ports: %w", err)
	}

	fmt.Printf("kmstat - Bridge Discovery\n")
	if discoveryCheck {
		fmt.Printf("Probing at %d baud, %s per port\n", baudRate, requestTimeout)
	}
	fmt.Println()

	found := 0
	for _, p := range ports {
		if !p.IsUSB && !discoveryAll {
			continue
		}

		tags := []string{}
		if isMeterPort(p) {
			tags = append(tags, "KM003C")
		}
		if discoveryCheck && p.IsUSB {
			if err := checkPort(p.Name); err != nil {
				logging.Debug(logging.ComponentDevice, "check failed", "port", p.Name, "error", err)
			} else {
				tags = append(tags, "bridge")
			}
		}
		if len(tags) > 0 {
			found++
		}

		fmt.Printf("%s\n", p.Name)
		if p.IsUSB {
			fmt.Printf("  USB ID: %s:%s\n", strings.ToUpper(p.VID), strings.ToUpper(p.PID))
			if p.Product != "" {
				fmt.Printf("  Product: %s\n", p.Product)
			}
			if p.SerialNumber != "" {
				fmt.Printf("  Serial: %s\n", p.SerialNumber)
			}
		}
		if len(tags) > 0 {
			fmt.Printf("  \033[1;32m%s\033[0m\n", strings.Join(tags, ", "))
		}
	}

	// Summary
	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Ports: %d, candidates: %d\n", len(ports), found)

	if found == 0 {
		fmt.Printf("No meter bridges found. Check the connection or try --check.\n")
		return exitCode(1)
	}
	return nil
}
