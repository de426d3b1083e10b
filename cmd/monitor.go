// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/internal/config"
	"github.com/Thermoquad/kmstat/internal/device"
	"github.com/Thermoquad/kmstat/internal/logging"
	"github.com/Thermoquad/kmstat/internal/transport"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
	pollInterval  time.Duration
	monitorPd     bool
	monitorOutput string
	recordPath    string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll live ADC readings and detect anomalies",
	Long: `Poll the meter for ADC readings and validate every response.

This command detects:
  - Malformed responses (bad headers, length mismatches, truncation)
  - Responses that do not match the requested attributes
  - Anomalous values (temperature out of range, VBUS or IBUS over limits)
  - Statistics and trends (packet rate, error rate, success rate)

By default the terminal UI shows the latest reading, statistics and recent
events. With --tui=false, only errors are printed unless --show-all is set,
and statistics are printed every --stats-interval seconds.

Use --pd to request PD packets alongside ADC data, and --record to save the
session as a usbmon pcap for 'kmstat replay'.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all readings (not just errors)")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
	monitorCmd.Flags().DurationVar(&pollInterval, "interval", 0, "Polling interval (default from config, 200ms)")
	monitorCmd.Flags().BoolVar(&monitorPd, "pd", false, "Also request PD packets")
	monitorCmd.Flags().StringVarP(&monitorOutput, "output", "o", outputFormatText, "Text mode output format (text, jsonl, cbor)")
	monitorCmd.Flags().StringVar(&recordPath, "record", "", "Record the session to a usbmon pcap file")
}

// pollResult is one GET_DATA exchange
type pollResult struct {
	at        time.Time
	msg       *km003c.Message
	err       error
	anomalies []km003c.ValidationError
}

// interval returns the polling interval from the flag or the config file
func interval(flag time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	if cfg != nil && cfg.Polling.Interval > 0 {
		return cfg.Polling.Interval.Std()
	}
	return config.DefaultPollInterval
}

func monitorAttributes() []km003c.Attribute {
	if monitorPd {
		return []km003c.Attribute{km003c.AttAdc, km003c.AttPdPacket}
	}
	return []km003c.Attribute{km003c.AttAdc}
}

// poll requests attrs every period until ctx ends or the bridge closes.
// Response errors are reported and polling continues.
func poll(ctx context.Context, dev *device.Device, period time.Duration, attrs []km003c.Attribute, handle func(pollResult)) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		m, err := dev.GetData(ctx, attrs...)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, transport.ErrClosed) {
			return err
		}

		r := pollResult{at: time.Now(), msg: m, err: err}
		if m != nil {
			r.anomalies = km003c.ValidateMessage(m)
		}
		handle(r)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts, closeRecording, err := sessionOptions(recordPath)
	if err != nil {
		return err
	}
	defer closeRecording()

	dev, err := openDevice(ctx, opts...)
	if err != nil {
		return err
	}
	defer closeDevice(dev)

	period := interval(pollInterval)
	if useTUI {
		return runTUIMode(ctx, dev, period)
	}
	return runTextMode(ctx, cmd, dev, period)
}

// runTUIMode polls in the background and feeds the dashboard
func runTUIMode(ctx context.Context, dev *device.Device, period time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := initialModel(dev.String(), period, statsInterval, showAll)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	go func() {
		err := poll(ctx, dev, period, monitorAttributes(), func(r pollResult) {
			p.Send(pollMsg(r))
		})
		if err != nil {
			p.Send(linkLostMsg{err: err})
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// runTextMode prints errors as they happen and statistics periodically
func runTextMode(ctx context.Context, cmd *cobra.Command, dev *device.Device, period time.Duration) error {
	format := resolveOutputFormat(monitorOutput, cmd.Flags().Changed("output"))
	p, err := newPrinter(cmd.OutOrStdout(), format)
	if err != nil {
		return err
	}
	p.showAll = showAll

	if p.format == outputFormatText {
		fmt.Fprintf(p.out, "kmstat - Monitor Mode\n")
		fmt.Fprintf(p.out, "Connection: %s\n", dev.String())
		fmt.Fprintf(p.out, "Polling every %s, statistics every %d seconds\n", period, statsInterval)
		if showAll {
			fmt.Fprintf(p.out, "Mode: All readings\n")
		} else {
			fmt.Fprintf(p.out, "Mode: Errors only\n")
		}
		fmt.Fprintf(p.out, "Press Ctrl+C to exit\n\n")
	}

	nextStats := time.Now().Add(time.Duration(statsInterval) * time.Second)
	index := 0

	err = poll(ctx, dev, period, monitorAttributes(), func(r pollResult) {
		if r.msg == nil && r.err != nil && !isDecodeError(r.err) {
			// no response at all: rejected or timed out
			logging.Warn(logging.ComponentDevice, "poll failed", "error", r.err)
			p.stats.Update(nil, r.err, nil)
		} else {
			p.stats.Update(r.msg, r.err, r.anomalies)
			var raw []byte
			if r.msg != nil {
				raw = r.msg.Packet.Bytes()
			}
			p.emit(index, r.at, "IN", raw, r.msg, r.err, r.anomalies)
		}
		index++

		if statsInterval > 0 && time.Now().After(nextStats) {
			nextStats = time.Now().Add(time.Duration(statsInterval) * time.Second)
			if p.format == outputFormatText {
				fmt.Fprintln(p.out)
			}
			p.summary()
			if p.format == outputFormatText {
				fmt.Fprintln(p.out)
			}
		}
	})

	if dev.Stale > 0 {
		logging.Info(logging.ComponentDevice, "dropped stale responses", "count", dev.Stale)
	}
	p.summary()
	return err
}

// isDecodeError reports whether err came from decoding a response rather
// than from the exchange itself
func isDecodeError(err error) bool {
	return !errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, device.ErrRejected) &&
		!errors.Is(err, device.ErrUnexpectedResponse)
}
