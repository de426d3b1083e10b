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

	"github.com/Thermoquad/kmstat/internal/logging"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

var (
	pdInterval time.Duration
	pdOutput   string
	pdRecord   string
	pdStatus   bool
)

var pdCmd = &cobra.Command{
	Use:   "pd",
	Short: "Watch USB Power Delivery traffic",
	Long: `Poll the meter for captured USB PD traffic and print each event.

Connection events (attach, detach) and PD messages are printed as they
arrive, with Source Capabilities expanded into their PDOs. Use --status to
also print the PD status block the meter returns when no events are pending.`,
	RunE: runPd,
}

func init() {
	rootCmd.AddCommand(pdCmd)
	pdCmd.Flags().DurationVar(&pdInterval, "interval", 0, "Polling interval (default from config, 200ms)")
	pdCmd.Flags().StringVarP(&pdOutput, "output", "o", outputFormatText, "Output format (text, jsonl, cbor)")
	pdCmd.Flags().StringVar(&pdRecord, "record", "", "Record the session to a usbmon pcap file")
	pdCmd.Flags().BoolVar(&pdStatus, "status", false, "Print PD status blocks")
}

func runPd(cmd *cobra.Command, args []string) error {
	format := resolveOutputFormat(pdOutput, cmd.Flags().Changed("output"))
	p, err := newPrinter(cmd.OutOrStdout(), format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts, closeRecording, err := sessionOptions(pdRecord)
	if err != nil {
		return err
	}
	defer closeRecording()

	dev, err := openDevice(ctx, opts...)
	if err != nil {
		return err
	}
	defer closeDevice(dev)

	index := 0
	err = poll(ctx, dev, interval(pdInterval), []km003c.Attribute{km003c.AttPdPacket}, func(r pollResult) {
		p.stats.Update(r.msg, r.err, r.anomalies)
		if r.msg == nil {
			logging.Warn(logging.ComponentDevice, "PD read failed", "error", r.err)
			return
		}

		interesting := len(r.msg.PdEvents) > 0 || r.err != nil || len(r.anomalies) > 0 ||
			(pdStatus && r.msg.PdStatus != nil)
		if !interesting {
			return
		}
		if p.records != nil {
			p.emit(index, r.at, "IN", r.msg.Packet.Bytes(), r.msg, r.err, r.anomalies)
		} else {
			printPd(p, r)
		}
		index++
	})

	p.summary()
	return err
}

// printPd prints the events of one PD response
func printPd(p *printer, r pollResult) {
	ts := r.at.Format("15:04:05.000")

	if s := r.msg.PdStatus; s != nil {
		fmt.Fprintf(p.out, "[%s] status ts=%d ms VBUS=%.3f V IBUS=%.3f A CC1=%.3f V CC2=%.3f V\n",
			ts, s.Timestamp, s.VbusV(), s.IbusA(), s.CC1V(), s.CC2V())
	}
	if st := r.msg.PdStream; st != nil {
		pre := st.Preamble
		for _, ev := range r.msg.PdEvents {
			fmt.Fprintf(p.out, "[%s] %s (VBUS %.2f V)\n", ts, km003c.FormatPdEvent(ev), pre.VbusV())
		}
	}
	if r.err != nil {
		fmt.Fprintf(p.out, "[%s] \033[1;31mPD STREAM ERROR:\033[0m %v\n", ts, r.err)
	}
	if len(r.anomalies) > 0 {
		fmt.Fprintf(p.out, "\033[1;33m%s\033[0m", km003c.FormatValidationErrors(r.anomalies))
	}
}
