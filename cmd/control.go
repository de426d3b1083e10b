// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/internal/device"
	"github.com/Thermoquad/kmstat/internal/logging"
	"github.com/Thermoquad/kmstat/internal/transport"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for driving the meter",
	Long: `Drive the meter from an interactive terminal UI.

Features:
  - One-shot ADC and PD reads
  - SYNC round-trip measurement
  - Graph mode start and stop at a chosen sample rate
  - Live sample display while graphing
  - Statistics tracking
  - Event logging
  - Automatic reconnection on connection loss

Tab switches between the action list and the rate input. Arrow keys
navigate the action list and Enter runs the selected action.

Supports both serial and WebSocket connections.`,
	RunE: runControl,
}

var controlRecord string

func init() {
	rootCmd.AddCommand(controlCmd)
	controlCmd.Flags().StringVar(&controlRecord, "record", "", "Record the session to a usbmon pcap file")
}

// controlAction is one entry of the action list
type controlAction int

const (
	actionReadAdc controlAction = iota
	actionReadPd
	actionSync
	actionStartGraph
	actionStopGraph
)

func (a controlAction) String() string {
	switch a {
	case actionReadAdc:
		return "Read ADC"
	case actionReadPd:
		return "Read PD"
	case actionSync:
		return "Sync"
	case actionStartGraph:
		return "Start graph"
	case actionStopGraph:
		return "Stop graph"
	}
	return "unknown"
}

// controlRequest asks the session goroutine to run an action
type controlRequest struct {
	action  controlAction
	rate    km003c.SampleRate
	variant km003c.QueueVariant
}

// queueInterval is how often buffered samples are drained while graphing
const queueInterval = 100 * time.Millisecond

// connectionManager owns the device session, runs requests one at a time
// and reconnects when the bridge closes
type connectionManager struct {
	dev      *device.Device
	opts     []device.Option
	p        *tea.Program
	requests chan controlRequest
	done     chan struct{}
	stopped  chan struct{}

	graphing bool
	variant  km003c.QueueVariant
	rate     km003c.SampleRate
	// unlocked is set once STREAMING_AUTH succeeded on the current device
	unlocked bool
}

func runControl(cmd *cobra.Command, args []string) error {
	opts, closeRecording, err := sessionOptions(controlRecord)
	if err != nil {
		return err
	}
	defer closeRecording()

	dev, err := openDevice(context.Background(), opts...)
	if err != nil {
		return err
	}

	cm := &connectionManager{
		dev:      dev,
		opts:     opts,
		requests: make(chan controlRequest, 8),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	m := initialControlModel(cm.requests, dev.String())

	// Create TUI program with alt screen and mouse support
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	cm.p = p

	go cm.sessionLoop()

	_, runErr := p.Run()
	close(cm.done)
	<-cm.stopped
	cm.shutdown()

	if runErr != nil {
		return fmt.Errorf("TUI error: %v", runErr)
	}
	return nil
}

// sessionLoop serves requests and drains the sample queue while graphing
func (cm *connectionManager) sessionLoop() {
	defer close(cm.stopped)
	ticker := time.NewTicker(queueInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-cm.done:
			return
		case req := <-cm.requests:
			err = cm.serve(req)
		case <-ticker.C:
			if cm.graphing {
				err = cm.drainQueue()
			}
		}

		if errors.Is(err, transport.ErrClosed) {
			cm.p.Send(connectionLostMsg{})
			if !cm.reconnect() {
				return // Shutdown requested during reconnect
			}
		}
	}
}

// serve runs one request and reports the result to the TUI
func (cm *connectionManager) serve(req controlRequest) error {
	ctx := context.Background()
	res := controlResultMsg{action: req.action}

	switch req.action {
	case actionReadAdc:
		res.msg, res.err = cm.dev.GetData(ctx, km003c.AttAdc)
	case actionReadPd:
		res.msg, res.err = cm.dev.ReadPd(ctx)
	case actionSync:
		res.rtt, res.err = cm.dev.Sync(ctx)
	case actionStartGraph:
		if !cm.unlocked {
			if _, res.err = cm.dev.Unlock(ctx); res.err != nil {
				res.err = fmt.Errorf("streaming auth: %w", res.err)
				break
			}
			cm.unlocked = true
		}
		res.err = cm.dev.StartGraph(ctx, req.variant, req.rate.RawCode)
		if res.err == nil {
			cm.graphing = true
			cm.variant = req.variant
			cm.rate = req.rate
			res.detail = fmt.Sprintf("%s, %s", req.rate, req.variant)
		}
	case actionStopGraph:
		res.err = cm.dev.StopGraph(ctx)
		if res.err == nil {
			cm.graphing = false
		}
	}

	if res.msg != nil {
		res.anomalies = km003c.ValidateMessage(res.msg)
	}
	cm.p.Send(res)
	return res.err
}

// drainQueue reads the samples buffered since the last drain
func (cm *connectionManager) drainQueue() error {
	q, err := cm.dev.ReadQueue(context.Background(), cm.variant)
	msg := controlQueueMsg{queue: q, err: err}
	if q != nil {
		q.Rate = cm.rate
		msg.anomalies = km003c.ValidateAdcQueue(q)
	}
	cm.p.Send(msg)
	return err
}

// stopGraph leaves graph mode before the session ends
func (cm *connectionManager) stopGraph() {
	if !cm.graphing {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := cm.dev.StopGraph(ctx); err != nil {
		logging.Warn(logging.ComponentDevice, "stop graph failed", "error", err)
	}
}

// shutdown stops graphing and closes the device. A reconnect cut short by
// shutdown has already closed it.
func (cm *connectionManager) shutdown() {
	if cm.dev == nil {
		return
	}
	cm.stopGraph()
	closeDevice(cm.dev)
	cm.dev = nil
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (cm *connectionManager) reconnect() bool {
	cm.dev.Close()
	cm.dev = nil
	cm.graphing = false
	cm.unlocked = false

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		dev, err := connectDevice(context.Background(), cm.opts...)
		if err == nil {
			cm.dev = dev
			cm.p.Send(reconnectedMsg{connInfo: dev.String()})
			return true
		}
		logging.Debug(logging.ComponentDevice, "reconnect failed", "error", err, "backoff", backoff)

		// Exponential backoff
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
