// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"encoding/binary"
	"fmt"
)

// QueueVariant selects the AdcQueue sample encoding
type QueueVariant int

const (
	// QueueStandard is the 20-byte sample used by graph mode up to 1000 SPS
	QueueStandard QueueVariant = iota
	// Queue10K is the 12-byte sample used at 10000 SPS. It drops the CC lines.
	Queue10K
)

// Per-sample widths
const (
	AdcQueueSampleSize    = 20
	AdcQueue10KSampleSize = 12

	// AdcQueueMarker is the constant observed in the marker field
	AdcQueueMarker = 0x3C
)

// SampleSize returns the encoded width of one sample
func (v QueueVariant) SampleSize() int {
	if v == Queue10K {
		return AdcQueue10KSampleSize
	}
	return AdcQueueSampleSize
}

// Attribute returns the attribute that carries this variant
func (v QueueVariant) Attribute() Attribute {
	if v == Queue10K {
		return AttAdcQueue10K
	}
	return AttAdcQueue
}

// NominalRate returns the rate shared by every sample of the variant
func (v QueueVariant) NominalRate() SampleRate {
	if v == Queue10K {
		return sampleRates[Rate10000SPS]
	}
	return sampleRates[Rate1000SPS]
}

func (v QueueVariant) String() string {
	if v == Queue10K {
		return "10k"
	}
	return "standard"
}

// QueueVariantForAttribute maps a segment attribute to its queue variant
func QueueVariantForAttribute(attr Attribute) (QueueVariant, error) {
	switch attr {
	case AttAdcQueue:
		return QueueStandard, nil
	case AttAdcQueue10K:
		return Queue10K, nil
	}
	return 0, fmt.Errorf("attribute %s is not a queue: %w", attr, ErrInvalidAttributeForCommand)
}

// AdcQueueSample is one compact queue sample
type AdcQueueSample struct {
	Sequence uint16
	Marker   uint16
	VbusV    float64
	IbusA    float64
	PowerW   float64
	CC1V     float64
	CC2V     float64
	// HasCC is false for the 10K variant
	HasCC bool
}

// AdcQueueData is a decoded queue payload
type AdcQueueData struct {
	Variant QueueVariant
	// Rate is the variant's nominal rate. Queue payloads do not carry the
	// rate passed to START_GRAPH, so a caller that knows it overwrites this.
	Rate    SampleRate
	Samples []AdcQueueSample
}

// ParseAdcQueue splits a queue payload into samples
func ParseAdcQueue(b []byte, variant QueueVariant) (*AdcQueueData, error) {
	width := variant.SampleSize()
	if len(b)%width != 0 {
		return nil, fmt.Errorf("%d bytes is not a multiple of the %d-byte %s sample: %w",
			len(b), width, variant, ErrLengthMismatch)
	}

	le := binary.LittleEndian
	count := len(b) / width
	q := &AdcQueueData{
		Variant: variant,
		Rate:    variant.NominalRate(),
		Samples: make([]AdcQueueSample, 0, count),
	}

	for i := 0; i < count; i++ {
		chunk := b[i*width : (i+1)*width]
		vbus := float64(int32(le.Uint32(chunk[4:8]))) / microDivisor
		ibus := float64(int32(le.Uint32(chunk[8:12]))) / microDivisor
		s := AdcQueueSample{
			Sequence: le.Uint16(chunk[0:2]),
			Marker:   le.Uint16(chunk[2:4]),
			VbusV:    vbus,
			IbusA:    ibus,
			PowerW:   vbus * ibus,
		}
		if variant == QueueStandard {
			s.CC1V = float64(le.Uint16(chunk[12:14])) / milliVoltDivisor
			s.CC2V = float64(le.Uint16(chunk[14:16])) / milliVoltDivisor
			s.HasCC = true
		}
		q.Samples = append(q.Samples, s)
	}
	return q, nil
}

// EncodeAdcQueue encodes samples in the given variant. Reserved bytes are zero.
func EncodeAdcQueue(variant QueueVariant, samples []AdcQueueSample) []byte {
	le := binary.LittleEndian
	b := make([]byte, 0, len(samples)*variant.SampleSize())
	for _, s := range samples {
		b = le.AppendUint16(b, s.Sequence)
		b = le.AppendUint16(b, s.Marker)
		b = le.AppendUint32(b, uint32(roundInt32(s.VbusV*microDivisor)))
		b = le.AppendUint32(b, uint32(roundInt32(s.IbusA*microDivisor)))
		if variant == QueueStandard {
			b = le.AppendUint16(b, uint16(roundInt32(s.CC1V*milliVoltDivisor)))
			b = le.AppendUint16(b, uint16(roundInt32(s.CC2V*milliVoltDivisor)))
			b = append(b, 0, 0, 0, 0)
		}
	}
	return b
}

func roundInt32(f float64) int32 {
	if f < 0 {
		return int32(f - 0.5)
	}
	return int32(f + 0.5)
}

// SequenceRange returns the first and last sequence numbers
func (q *AdcQueueData) SequenceRange() (first, last uint16, ok bool) {
	if len(q.Samples) == 0 {
		return 0, 0, false
	}
	return q.Samples[0].Sequence, q.Samples[len(q.Samples)-1].Sequence, true
}

// HasDroppedSamples reports any break in consecutive sequence numbers.
// Sequence numbers wrap at 16 bits.
func (q *AdcQueueData) HasDroppedSamples() bool {
	for i := 1; i < len(q.Samples); i++ {
		if q.Samples[i].Sequence != q.Samples[i-1].Sequence+1 {
			return true
		}
	}
	return false
}

// DroppedSamples counts the sequence numbers skipped between entries
func (q *AdcQueueData) DroppedSamples() int {
	dropped := 0
	for i := 1; i < len(q.Samples); i++ {
		gap := q.Samples[i].Sequence - q.Samples[i-1].Sequence
		if gap > 1 {
			dropped += int(gap - 1)
		}
	}
	return dropped
}
