// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Thermoquad/kmstat/internal/export"
	"github.com/Thermoquad/kmstat/internal/logging"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

// outputFormatText prints decoded packets for humans
const outputFormatText = "text"

// printer writes decoded transfers as text or export records and keeps the
// session statistics
type printer struct {
	out     io.Writer
	format  string
	records export.Writer
	stats   *km003c.Statistics
	showAll bool
	raw     bool
}

// newPrinter creates a printer for format, one of text, jsonl or cbor
func newPrinter(out io.Writer, format string) (*printer, error) {
	p := &printer{out: out, format: format, stats: km003c.NewStatistics(), showAll: true}
	if format == "" || format == outputFormatText {
		p.format = outputFormatText
		return p, nil
	}

	w, err := export.NewWriter(out, format)
	if err != nil {
		return nil, err
	}
	p.records = w
	return p, nil
}

// resolveOutputFormat applies the config default when the flag was not set
func resolveOutputFormat(flag string, changed bool) string {
	if !changed && cfg != nil && cfg.Output.Format != "" {
		return cfg.Output.Format
	}
	return flag
}

// decode parses one transfer, validates it and emits it. It returns the
// decoded message, which may be partial or nil on error.
func (p *printer) decode(index int, ts time.Time, dir string, raw []byte) (*km003c.Message, error) {
	m, err := km003c.ParsePacket(raw)

	var anomalies []km003c.ValidationError
	if m != nil {
		anomalies = km003c.ValidateMessage(m)
	}
	p.stats.Update(m, err, anomalies)
	p.emit(index, ts, dir, raw, m, err, anomalies)
	return m, err
}

// emit writes one decoded transfer
func (p *printer) emit(index int, ts time.Time, dir string, raw []byte, m *km003c.Message, decodeErr error, anomalies []km003c.ValidationError) {
	if p.records != nil {
		r := export.FromMessage(m, decodeErr, anomalies)
		r.Index = index
		r.Time = ts
		r.Direction = dir
		r.Raw = raw
		if err := p.records.Write(r); err != nil {
			logging.Error(logging.ComponentExport, "write failed", "format", p.records.Format(), "error", err)
		}
		return
	}

	if decodeErr == nil && len(anomalies) == 0 && !p.showAll {
		return
	}

	prefix := fmt.Sprintf("#%d", index)
	if !ts.IsZero() {
		prefix = fmt.Sprintf("[%s]", ts.Format("15:04:05.000"))
	}
	if dir != "" {
		prefix += " " + dir
	}

	switch {
	case m == nil:
		fmt.Fprintf(p.out, "%s \033[1;31mDECODE ERROR:\033[0m %v\n", prefix, decodeErr)
		fmt.Fprintf(p.out, "  raw: %s\n", km003c.FormatHex(raw))
	default:
		fmt.Fprintf(p.out, "%s %s", prefix, km003c.FormatMessage(m))
		if decodeErr != nil {
			fmt.Fprintf(p.out, "  \033[1;31merror:\033[0m %v\n", decodeErr)
		}
		if len(anomalies) > 0 {
			fmt.Fprintf(p.out, "\033[1;33m%s\033[0m", km003c.FormatValidationErrors(anomalies))
		}
		if p.raw {
			fmt.Fprintf(p.out, "  raw: %s\n", km003c.FormatHex(raw))
		}
	}
	fmt.Fprintln(p.out)
}

// summary prints the statistics in text mode, or to stderr otherwise
func (p *printer) summary() {
	p.stats.CalculateRates()
	if p.format == outputFormatText {
		fmt.Fprint(p.out, p.stats.String())
		return
	}
	fmt.Fprint(os.Stderr, p.stats.String())
}
