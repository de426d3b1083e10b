// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	decodeOutput string
	decodeRaw    bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode [hex...]",
	Short: "Decode hex-encoded KM003C transfers",
	Long: `Decode one or more KM003C bulk transfers given as hex.

Each argument is one transfer. Without arguments, transfers are read from
stdin, one per line. Whitespace, colons and a leading 0x are ignored.

  kmstat decode 0c050200
  kmstat decode "41 05 80 02 01 00 00 0b ..."
  xxd -p -c 256 dump.bin | kmstat decode --output jsonl`,
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().StringVarP(&decodeOutput, "output", "o", outputFormatText, "Output format (text, jsonl, cbor)")
	decodeCmd.Flags().BoolVar(&decodeRaw, "raw", false, "Print the raw bytes after each decoded packet")
}

func runDecode(cmd *cobra.Command, args []string) error {
	format := resolveOutputFormat(decodeOutput, cmd.Flags().Changed("output"))
	p, err := newPrinter(cmd.OutOrStdout(), format)
	if err != nil {
		return err
	}
	p.raw = decodeRaw

	inputs := args
	if len(inputs) == 0 {
		inputs, err = readHexLines(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	failed := 0
	for i, s := range inputs {
		raw, err := parseHex(s)
		if err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		if _, err := p.decode(i, time.Time{}, "", raw); err != nil {
			failed++
		}
	}

	if len(inputs) > 1 {
		p.summary()
	}
	if failed > 0 {
		return exitCode(1)
	}
	return nil
}

// readHexLines returns the non-empty, non-comment lines of r
func readHexLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no input")
	}
	return lines, nil
}

// parseHex accepts "0c050200", "0c 05 02 00", "0c:05:02:00" and "0x0c050200"
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "\t", "", ",", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}
