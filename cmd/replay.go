// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/internal/logging"
	"github.com/Thermoquad/kmstat/pkg/capture"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

var (
	replayBus      uint16
	replayDevice   uint8
	replayOutput   string
	replayRequests bool
	replayOnlyErr  bool
	replayRaw      bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture.pcap|capture.pcapng>",
	Short: "Decode KM003C traffic from a usbmon capture",
	Long: `Decode every KM003C bulk transfer in a Linux usbmon capture.

The capture may be pcap or pcapng with link type LINUX_USB or
LINUX_USB_MMAPPED, as written by Wireshark, tcpdump -i usbmonN or
'kmstat monitor --record'.

Without --bus and --device the meter is found from its device descriptor
(VID 0x5FC9, PID 0x0063), falling back to every vendor bulk transfer.

Responses are paired with requests by transaction id, and each response is
checked against the attributes its GET_DATA request asked for.

Use --output jsonl or --output cbor to export decoded records.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Uint16Var(&replayBus, "bus", 0, "Only decode this USB bus")
	replayCmd.Flags().Uint8Var(&replayDevice, "device", 0, "Only decode this USB device address")
	replayCmd.Flags().StringVarP(&replayOutput, "output", "o", outputFormatText, "Output format (text, jsonl, cbor)")
	replayCmd.Flags().BoolVar(&replayRequests, "requests", false, "Also print host-to-device requests")
	replayCmd.Flags().BoolVar(&replayOnlyErr, "errors-only", false, "Only print transfers that failed to decode or carry anomalies")
	replayCmd.Flags().BoolVar(&replayRaw, "raw", false, "Print the raw bytes after each decoded packet")
}

func runReplay(cmd *cobra.Command, args []string) error {
	filter := capture.Filter{
		Bus:        replayBus,
		Device:     replayDevice,
		AutoDetect: replayBus == 0 && replayDevice == 0,
	}

	r, err := capture.Open(args[0], filter)
	if err != nil {
		return err
	}
	defer r.Close()

	transfers, err := r.ReadAll()
	if err != nil {
		// keep what was read before a truncated record
		logging.Warn(logging.ComponentCapture, "capture ended early", "file", args[0], "error", err)
	}
	logging.Info(logging.ComponentCapture, "read capture",
		"file", args[0], "link", r.LinkType(), "transfers", len(transfers),
		"bus", r.Filter().Bus, "device", r.Filter().Device)

	format := resolveOutputFormat(replayOutput, cmd.Flags().Changed("output"))
	p, err := newPrinter(cmd.OutOrStdout(), format)
	if err != nil {
		return err
	}
	p.showAll = !replayOnlyErr
	p.raw = replayRaw

	unanswered := 0
	for _, ex := range capture.Pair(transfers) {
		if ex.Request != nil && replayRequests && p.records == nil {
			printRequest(p, ex.Request)
		}
		if ex.Response == nil {
			unanswered++
			continue
		}

		t := ex.Response
		m, err := p.decode(t.Index, t.Time, t.Direction.String(), t.Data)
		if err != nil || m == nil {
			continue
		}

		if mask, ok := ex.RequestedAttributes(); ok && m.Packet.Command() == km003c.CmdPutData {
			if err := m.Packet.ValidateCorrelation(mask); err != nil {
				p.stats.Update(m, err, nil)
				if p.records == nil {
					fmt.Fprintf(p.out, "#%d \033[1;33mCORRELATION:\033[0m %v\n\n", t.Index, err)
				}
			}
		}
		if latency, ok := ex.Latency(); ok {
			logging.Debug(logging.ComponentCapture, "exchange", "id", m.Packet.ID(), "latency", latency)
		}
	}

	if unanswered > 0 {
		logging.Info(logging.ComponentCapture, "requests without response", "count", unanswered)
	}
	p.summary()
	return nil
}

// printRequest prints a host-to-device transfer on one line
func printRequest(p *printer, t *capture.Transfer) {
	ts := t.Time.Format("15:04:05.000")
	pkt, err := km003c.ParseRawPacket(t.Data)
	if err != nil {
		fmt.Fprintf(p.out, "[%s] OUT %s (%v)\n\n", ts, km003c.FormatHex(t.Data), err)
		return
	}
	fmt.Fprintf(p.out, "[%s] OUT %s\n", ts, km003c.FormatPacket(pkt))
}
