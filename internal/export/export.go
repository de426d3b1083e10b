// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package export writes decoded KM003C messages as JSON lines or as a CBOR
// sequence
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/kmstat/pkg/km003c"
)

// Output formats
const (
	FormatJSONL = "jsonl"
	FormatCBOR  = "cbor"
)

var ErrUnknownFormat = errors.New("unknown export format")

// Record is one decoded transfer
type Record struct {
	Index     int       `json:"index" cbor:"1,keyasint"`
	Time      time.Time `json:"time,omitempty" cbor:"2,keyasint,omitempty"`
	Direction string    `json:"direction,omitempty" cbor:"3,keyasint,omitempty"`
	ID        uint8     `json:"id" cbor:"4,keyasint"`
	Command   string    `json:"command" cbor:"5,keyasint"`
	Kind      string    `json:"kind,omitempty" cbor:"6,keyasint,omitempty"`
	Raw       []byte    `json:"raw,omitempty" cbor:"7,keyasint,omitempty"`
	Error     string    `json:"error,omitempty" cbor:"8,keyasint,omitempty"`

	Adc       *Adc          `json:"adc,omitempty" cbor:"9,keyasint,omitempty"`
	Queue     []QueueSample `json:"queue,omitempty" cbor:"10,keyasint,omitempty"`
	PdEvents  []PdEvent     `json:"pdEvents,omitempty" cbor:"11,keyasint,omitempty"`
	Anomalies []string      `json:"anomalies,omitempty" cbor:"12,keyasint,omitempty"`

	QueueRateHz int `json:"queueRateHz,omitempty" cbor:"13,keyasint,omitempty"`
}

type Adc struct {
	VbusV    float64 `json:"vbusV" cbor:"1,keyasint"`
	IbusA    float64 `json:"ibusA" cbor:"2,keyasint"`
	PowerW   float64 `json:"powerW" cbor:"3,keyasint"`
	VbusAvgV float64 `json:"vbusAvgV" cbor:"4,keyasint"`
	IbusAvgA float64 `json:"ibusAvgA" cbor:"5,keyasint"`
	TempC    float64 `json:"tempC" cbor:"6,keyasint"`
	Vcc1V    float64 `json:"cc1V" cbor:"7,keyasint"`
	Vcc2V    float64 `json:"cc2V" cbor:"8,keyasint"`
	VdpV     float64 `json:"vdpV" cbor:"9,keyasint"`
	VdmV     float64 `json:"vdmV" cbor:"10,keyasint"`
	RateHz   int     `json:"rateHz" cbor:"11,keyasint"`
}

type QueueSample struct {
	Sequence uint16   `json:"seq" cbor:"1,keyasint"`
	VbusV    float64  `json:"vbusV" cbor:"2,keyasint"`
	IbusA    float64  `json:"ibusA" cbor:"3,keyasint"`
	CC1V     *float64 `json:"cc1V,omitempty" cbor:"4,keyasint,omitempty"`
	CC2V     *float64 `json:"cc2V,omitempty" cbor:"5,keyasint,omitempty"`
}

type PdEvent struct {
	Kind      string `json:"kind" cbor:"1,keyasint"`
	Timestamp uint32 `json:"timestampMs" cbor:"2,keyasint"`
	OffsetMs  int64  `json:"offsetMs" cbor:"3,keyasint"`
	Action    string `json:"action,omitempty" cbor:"4,keyasint,omitempty"`
	CCPin     uint8  `json:"ccPin,omitempty" cbor:"5,keyasint,omitempty"`
	SOP       uint8  `json:"sop,omitempty" cbor:"6,keyasint,omitempty"`
	Direction string `json:"direction,omitempty" cbor:"7,keyasint,omitempty"`
	Message   string `json:"message,omitempty" cbor:"8,keyasint,omitempty"`
	Wire      []byte `json:"wire,omitempty" cbor:"9,keyasint,omitempty"`
}

// FromMessage fills a record from a decoded message. m may be nil when
// decoding failed; decodeErr is recorded either way.
func FromMessage(m *km003c.Message, decodeErr error, anomalies []km003c.ValidationError) Record {
	r := Record{}
	if decodeErr != nil {
		r.Error = decodeErr.Error()
	}
	for _, a := range anomalies {
		r.Anomalies = append(r.Anomalies, a.Error())
	}
	if m == nil {
		return r
	}

	r.ID = m.Packet.ID()
	r.Command = m.Packet.Command().String()
	r.Kind = m.Kind()

	if a := m.Adc; a != nil {
		r.Adc = &Adc{
			VbusV:    a.VbusV,
			IbusA:    a.IbusA,
			PowerW:   a.PowerW,
			VbusAvgV: a.VbusAvgV,
			IbusAvgA: a.IbusAvgA,
			TempC:    a.TempC,
			Vcc1V:    a.Vcc1V,
			Vcc2V:    a.Vcc2V,
			VdpV:     a.VdpV,
			VdmV:     a.VdmV,
			RateHz:   a.SampleRate.Hz,
		}
	}

	if q := m.AdcQueue; q != nil {
		r.QueueRateHz = q.Rate.Hz
		for _, s := range q.Samples {
			qs := QueueSample{Sequence: s.Sequence, VbusV: s.VbusV, IbusA: s.IbusA}
			if s.HasCC {
				cc1, cc2 := s.CC1V, s.CC2V
				qs.CC1V, qs.CC2V = &cc1, &cc2
			}
			r.Queue = append(r.Queue, qs)
		}
	}

	for _, e := range m.PdEvents {
		r.PdEvents = append(r.PdEvents, pdEvent(e))
	}
	return r
}

func pdEvent(e km003c.PdEvent) PdEvent {
	out := PdEvent{
		Kind:      e.Kind.String(),
		Timestamp: e.Timestamp,
		OffsetMs:  e.Offset,
	}
	if e.Kind == km003c.PdEventConnection {
		out.Action = e.Action.String()
		out.CCPin = e.CCPin
		return out
	}
	out.SOP = e.SOP
	out.Direction = e.Direction.String()
	out.Wire = e.WireData
	if msg, err := km003c.ParsePdMessage(e.WireData); err == nil {
		out.Message = msg.Name()
	}
	return out
}

// Writer emits records in one format
type Writer interface {
	Write(r Record) error
	Format() string
}

// NewWriter returns a writer for "jsonl" or "cbor"
func NewWriter(w io.Writer, format string) (Writer, error) {
	switch format {
	case FormatJSONL:
		return &jsonlWriter{enc: json.NewEncoder(w)}, nil
	case FormatCBOR:
		em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
		if err != nil {
			return nil, err
		}
		return &cborWriter{enc: em.NewEncoder(w)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

type jsonlWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *jsonlWriter) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(r)
}

func (w *jsonlWriter) Format() string { return FormatJSONL }

// cborWriter writes an RFC 8742 CBOR sequence, one data item per record
type cborWriter struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

func (w *cborWriter) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(r)
}

func (w *cborWriter) Format() string { return FormatCBOR }

// ReadCBOR decodes every record of a CBOR sequence
func ReadCBOR(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
