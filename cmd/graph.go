// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/internal/logging"
	"github.com/Thermoquad/kmstat/internal/transport"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

var (
	graphRate     string
	graphVariant  string
	graphDuration time.Duration
	graphOutput   string
	graphRecord   string
	graphNoAuth   bool
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Stream buffered ADC samples in graph mode",
	Long: `Start graph mode and stream AdcQueue samples until interrupted.

The meter buffers samples at the selected rate and returns them in batches.
Each batch is checked for gaps in the sample sequence.

The meter only streams after STREAMING_AUTH, so graph reads the hardware id
and authenticates first unless --no-auth is given.

Rates: 1, 10, 50, 1000 or 10000 samples per second. The 10k variant uses a
compact sample without CC line voltages and is meant for 10000 SPS.

  kmstat graph --rate 1000
  kmstat graph --rate 10000 --variant 10k --duration 5s -o cbor > burst.cbor`,
	RunE: runGraph,
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringVar(&graphRate, "rate", "", "Sample rate in SPS (default from config, 50)")
	graphCmd.Flags().StringVar(&graphVariant, "variant", "", "Queue variant: standard or 10k (default from config)")
	graphCmd.Flags().DurationVar(&graphDuration, "duration", 0, "Stop after this long (0 runs until Ctrl+C)")
	graphCmd.Flags().StringVarP(&graphOutput, "output", "o", outputFormatText, "Output format (text, jsonl, cbor)")
	graphCmd.Flags().StringVar(&graphRecord, "record", "", "Record the session to a usbmon pcap file")
	graphCmd.Flags().BoolVar(&graphNoAuth, "no-auth", false, "Skip streaming authentication")
}

// parseRate accepts "50", "50sps" or "50 SPS"
func parseRate(s string) (km003c.SampleRate, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimSpace(strings.TrimSuffix(s, "sps"))
	hz, err := strconv.Atoi(s)
	if err != nil {
		return km003c.SampleRate{}, fmt.Errorf("invalid rate %q", s)
	}
	return km003c.SampleRateForHz(hz)
}

// parseVariant maps the --variant flag to a queue variant
func parseVariant(s string) (km003c.QueueVariant, error) {
	switch strings.ToLower(s) {
	case "", "standard":
		return km003c.QueueStandard, nil
	case "10k", "10000":
		return km003c.Queue10K, nil
	}
	return 0, fmt.Errorf("invalid variant %q (standard, 10k)", s)
}

// graphSettings resolves flags against the config file
func graphSettings() (km003c.SampleRate, km003c.QueueVariant, error) {
	rate, variant := graphRate, graphVariant
	if rate == "" && cfg != nil {
		rate = cfg.Graph.Rate
	}
	if variant == "" && cfg != nil {
		variant = cfg.Graph.Variant
	}

	r, err := parseRate(rate)
	if err != nil {
		return km003c.SampleRate{}, 0, err
	}
	v, err := parseVariant(variant)
	if err != nil {
		return km003c.SampleRate{}, 0, err
	}
	return r, v, nil
}

func runGraph(cmd *cobra.Command, args []string) error {
	rate, variant, err := graphSettings()
	if err != nil {
		return err
	}

	format := resolveOutputFormat(graphOutput, cmd.Flags().Changed("output"))
	p, err := newPrinter(cmd.OutOrStdout(), format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if graphDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, graphDuration)
		defer cancel()
	}

	opts, closeRecording, err := sessionOptions(graphRecord)
	if err != nil {
		return err
	}
	defer closeRecording()

	dev, err := openDevice(ctx, opts...)
	if err != nil {
		return err
	}
	defer closeDevice(dev)

	if !graphNoAuth {
		id, err := dev.Unlock(ctx)
		if err != nil {
			return fmt.Errorf("streaming auth: %w", err)
		}
		logging.Info(logging.ComponentDevice, "authenticated", "hardware_id", id.HardwareID, "model", id.Info.Model)
	}

	if err := dev.StartGraph(ctx, variant, rate.RawCode); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := dev.StopGraph(stopCtx); err != nil {
			logging.Warn(logging.ComponentDevice, "stop graph failed", "error", err)
		}
	}()
	logging.Info(logging.ComponentDevice, "graph started", "rate", rate, "variant", variant)

	// poll at four times the batch fill rate so the device buffer never fills
	period := 50 * time.Millisecond
	if rate.Hz <= 10 {
		period = 250 * time.Millisecond
	}

	var lastSeq uint16
	haveSeq := false
	lost := 0
	index := 0

	err = poll(ctx, dev, period, []km003c.Attribute{variant.Attribute()}, func(r pollResult) {
		if r.err != nil {
			p.stats.Update(r.msg, r.err, r.anomalies)
			logging.Warn(logging.ComponentDevice, "queue read failed", "error", r.err)
			return
		}
		q := r.msg.AdcQueue
		if q == nil || len(q.Samples) == 0 {
			return
		}

		// gaps between batches
		first, last, _ := q.SequenceRange()
		if haveSeq && first != lastSeq+1 {
			gap := int(first - lastSeq - 1)
			lost += gap
			r.anomalies = append(r.anomalies, km003c.ValidationError{
				Type:    km003c.AnomalyDroppedSamples,
				Message: fmt.Sprintf("%d samples lost between batches (seq %d -> %d)", gap, lastSeq, first),
				Details: map[string]interface{}{"dropped": gap},
			})
		}
		lastSeq, haveSeq = last, true
		q.Rate = rate

		p.stats.Update(r.msg, nil, r.anomalies)
		if p.records != nil {
			p.emit(index, r.at, "IN", r.msg.Packet.Bytes(), r.msg, nil, r.anomalies)
		} else {
			printQueue(p, r.at, q, r.anomalies)
		}
		index++
	})
	if err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}

	if lost > 0 {
		logging.Warn(logging.ComponentDevice, "samples lost between batches", "count", lost)
	}
	p.summary()
	return err
}

// printQueue prints one line per sample
func printQueue(p *printer, at time.Time, q *km003c.AdcQueueData, anomalies []km003c.ValidationError) {
	ts := at.Format("15:04:05.000")
	for _, s := range q.Samples {
		if s.HasCC {
			fmt.Fprintf(p.out, "%s %5d %9.5f V %9.5f A %9.4f W %6.3f %6.3f\n",
				ts, s.Sequence, s.VbusV, s.IbusA, s.PowerW, s.CC1V, s.CC2V)
		} else {
			fmt.Fprintf(p.out, "%s %5d %9.5f V %9.5f A %9.4f W\n",
				ts, s.Sequence, s.VbusV, s.IbusA, s.PowerW)
		}
	}
	if len(anomalies) > 0 {
		fmt.Fprintf(p.out, "\033[1;33m%s\033[0m", km003c.FormatValidationErrors(anomalies))
	}
}
