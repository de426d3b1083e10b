// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/Thermoquad/kmstat/internal/device"
	"github.com/Thermoquad/kmstat/internal/logging"
	"github.com/Thermoquad/kmstat/pkg/capture"
)

// Bus and address written to recordings. Bridge sessions have no real USB
// topology, and replay finds the meter through the recorded descriptor.
const (
	recordBus    = 1
	recordDevice = 1
)

// recorder writes every transfer of a session to a usbmon pcap
type recorder struct {
	f *os.File
	w *capture.Writer
}

// openRecorder creates path and writes the file header plus a device
// descriptor naming the meter
func openRecorder(path string) (*recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating recording: %w", err)
	}
	w, err := capture.NewWriter(f, recordBus, recordDevice)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := w.WriteDeviceDescriptor(capture.Transfer{Time: time.Now()}); err != nil {
		f.Close()
		return nil, err
	}
	logging.Info(logging.ComponentCapture, "recording", "file", path)
	return &recorder{f: f, w: w}, nil
}

// option returns a device option that records each observed transfer
func (r *recorder) option() device.Option {
	return device.WithObserver(func(t capture.Transfer) {
		if err := r.w.WriteTransfer(t); err != nil {
			logging.Error(logging.ComponentCapture, "recording failed", "error", err)
		}
	})
}

func (r *recorder) Close() error {
	return r.f.Close()
}

// sessionOptions opens a recorder when path is set. The returned close
// function is always safe to call.
func sessionOptions(path string) ([]device.Option, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	rec, err := openRecorder(path)
	if err != nil {
		return nil, nil, err
	}
	return []device.Option{rec.option()}, func() { rec.Close() }, nil
}
