// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"encoding/binary"
	"fmt"
)

// vSafe0VMax is the VBUS level below which a port counts as unpowered
const vSafe0VMax = 0.8

// PdMeasurements is the 8-byte measurement block shared by the preamble and
// the status block
type PdMeasurements struct {
	VbusMV   uint16
	IbusMA   int16
	CC1Tenth uint16 // 0.1 mV
	CC2Tenth uint16 // 0.1 mV
}

func decodePdMeasurements(b []byte) PdMeasurements {
	le := binary.LittleEndian
	return PdMeasurements{
		VbusMV:   le.Uint16(b[0:2]),
		IbusMA:   int16(le.Uint16(b[2:4])),
		CC1Tenth: le.Uint16(b[4:6]),
		CC2Tenth: le.Uint16(b[6:8]),
	}
}

func (m PdMeasurements) appendTo(b []byte) []byte {
	le := binary.LittleEndian
	b = le.AppendUint16(b, m.VbusMV)
	b = le.AppendUint16(b, uint16(m.IbusMA))
	b = le.AppendUint16(b, m.CC1Tenth)
	return le.AppendUint16(b, m.CC2Tenth)
}

// VbusV returns VBUS in volts
func (m PdMeasurements) VbusV() float64 { return float64(m.VbusMV) / milliVoltDivisor }

// IbusA returns IBUS in amps
func (m PdMeasurements) IbusA() float64 { return float64(m.IbusMA) / milliVoltDivisor }

// CC1V returns the CC1 line voltage in volts
func (m PdMeasurements) CC1V() float64 { return float64(m.CC1Tenth) / tenthMVDivisor }

// CC2V returns the CC2 line voltage in volts
func (m PdMeasurements) CC2V() float64 { return float64(m.CC2Tenth) / tenthMVDivisor }

// PdPreamble opens every PD event stream. Its timestamp seeds the stream clock.
type PdPreamble struct {
	Timestamp uint32 // ms
	PdMeasurements
}

// Connected reports whether VBUS is above vSafe0V
func (p PdPreamble) Connected() bool {
	return p.VbusV() >= vSafe0VMax
}

// Bytes encodes the preamble
func (p PdPreamble) Bytes() []byte {
	b := binary.LittleEndian.AppendUint32(make([]byte, 0, PdPreambleSize), p.Timestamp)
	return p.PdMeasurements.appendTo(b)
}

// NewPdPreamble builds a preamble from raw readings
func NewPdPreamble(timestamp uint32, vbusMV uint16, ibusMA int16, cc1Tenth, cc2Tenth uint16) PdPreamble {
	return PdPreamble{
		Timestamp:      timestamp,
		PdMeasurements: PdMeasurements{VbusMV: vbusMV, IbusMA: ibusMA, CC1Tenth: cc1Tenth, CC2Tenth: cc2Tenth},
	}
}

// PdStatus is the 12-byte status block returned when no events are pending
type PdStatus struct {
	TypeID    uint8
	Timestamp uint32 // ms, 24 bits
	PdMeasurements
}

// ParsePdStatus decodes a 12-byte status block
func ParsePdStatus(b []byte) (*PdStatus, error) {
	if len(b) != PdStatusSize {
		return nil, fmt.Errorf("PD status is %d bytes, want %d: %w", len(b), PdStatusSize, ErrTruncatedPayload)
	}
	return &PdStatus{
		TypeID:         b[0],
		Timestamp:      uint24(b[1:4]),
		PdMeasurements: decodePdMeasurements(b[4:12]),
	}, nil
}

// Bytes encodes the status block
func (s PdStatus) Bytes() []byte {
	b := []byte{s.TypeID, byte(s.Timestamp), byte(s.Timestamp >> 8), byte(s.Timestamp >> 16)}
	return s.PdMeasurements.appendTo(b)
}

func uint24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// PdEventKind identifies the shape of a PD event
type PdEventKind int

const (
	PdEventConnection PdEventKind = iota
	PdEventMessage
)

func (k PdEventKind) String() string {
	switch k {
	case PdEventConnection:
		return "CONNECTION"
	case PdEventMessage:
		return "PD_MESSAGE"
	default:
		return "UNKNOWN"
	}
}

// ConnectionAction is the low nibble of a connection event
type ConnectionAction uint8

const (
	ConnectionAttach ConnectionAction = 1
	ConnectionDetach ConnectionAction = 2
)

func (a ConnectionAction) String() string {
	switch a {
	case ConnectionAttach:
		return "ATTACH"
	case ConnectionDetach:
		return "DETACH"
	default:
		return fmt.Sprintf("ACTION(%d)", uint8(a))
	}
}

// PdDirection is the flow of a captured PD message
type PdDirection uint8

const (
	SnkToSrc PdDirection = iota
	SrcToSnk
)

func (d PdDirection) String() string {
	if d == SrcToSnk {
		return "SRC->SNK"
	}
	return "SNK->SRC"
}

// PdEvent is one entry of a PD event stream
type PdEvent struct {
	Kind PdEventKind
	Tag  uint8
	// Timestamp is the device clock in ms
	Timestamp uint32
	// Offset is Timestamp relative to the preamble clock, in ms
	Offset int64
	// Size is the number of stream bytes the event occupied
	Size int

	// Connection events
	CCPin  uint8
	Action ConnectionAction

	// PD message events. Direction comes from the power role bit of the
	// message header.
	SOP       uint8
	Direction PdDirection
	WireData  []byte
}

// Attached reports whether a connection event is an attach
func (e PdEvent) Attached() bool {
	return e.Kind == PdEventConnection && e.Action == ConnectionAttach
}

// PdEventStream is a preamble followed by lazily decoded events
type PdEventStream struct {
	Preamble PdPreamble
	events   []byte
}

// ParsePdStream reads the preamble and keeps a private copy of the event bytes
func ParsePdStream(b []byte) (*PdEventStream, error) {
	if len(b) < PdPreambleSize {
		return nil, fmt.Errorf("PD stream is %d bytes, preamble needs %d: %w", len(b), PdPreambleSize, ErrMalformedPreamble)
	}
	return &PdEventStream{
		Preamble: PdPreamble{
			Timestamp:      binary.LittleEndian.Uint32(b[0:4]),
			PdMeasurements: decodePdMeasurements(b[4:12]),
		},
		events: append([]byte(nil), b[PdPreambleSize:]...),
	}, nil
}

// EventBytes returns the number of bytes following the preamble
func (s *PdEventStream) EventBytes() int {
	return len(s.events)
}

// Iter returns an iterator positioned at the first event. Each call starts
// over, so the same stream always yields the same sequence.
func (s *PdEventStream) Iter() *PdEventIterator {
	return &PdEventIterator{data: s.events, base: s.Preamble.Timestamp}
}

// Events decodes the whole stream. On a bad event it returns the events
// decoded before it together with the error.
func (s *PdEventStream) Events() ([]PdEvent, error) {
	events := []PdEvent{}
	it := s.Iter()
	for it.Next() {
		events = append(events, it.Event())
	}
	return events, it.Err()
}

// ParsePdEvents parses a stream and collects its events
func ParsePdEvents(b []byte) (*PdEventStream, []PdEvent, error) {
	stream, err := ParsePdStream(b)
	if err != nil {
		return nil, nil, err
	}
	events, err := stream.Events()
	return stream, events, err
}

// PdEventIterator walks a PD event stream one event at a time
type PdEventIterator struct {
	data   []byte
	base   uint32
	offset int
	event  PdEvent
	err    error
}

// Next decodes the next event. It returns false at the end of the stream or
// on the first error.
func (it *PdEventIterator) Next() bool {
	if it.err != nil || it.offset >= len(it.data) {
		return false
	}
	ev, err := decodePdEvent(it.data[it.offset:], it.base)
	if err != nil {
		it.err = fmt.Errorf("event at offset %d: %w", it.offset, err)
		return false
	}
	it.event = ev
	it.offset += ev.Size
	return true
}

// Event returns the event decoded by the last call to Next
func (it *PdEventIterator) Event() PdEvent {
	return it.event
}

// Err returns the error that stopped the iteration, if any
func (it *PdEventIterator) Err() error {
	return it.err
}

// Offset returns the number of event bytes consumed so far
func (it *PdEventIterator) Offset() int {
	return it.offset
}

func decodePdEvent(b []byte, base uint32) (PdEvent, error) {
	tag := b[0]

	switch {
	case tag == PdEventTypeConnection:
		if len(b) < PdEventHeaderSize {
			return PdEvent{}, fmt.Errorf("connection event needs %d bytes, have %d: %w",
				PdEventHeaderSize, len(b), ErrTruncatedPayload)
		}
		// 24-bit timestamps take their high byte from the preamble clock
		ts := uint24(b[1:4]) | base&^0xFFFFFF
		return PdEvent{
			Kind:      PdEventConnection,
			Tag:       tag,
			Timestamp: ts,
			Offset:    int64(ts) - int64(base),
			Size:      PdEventHeaderSize,
			CCPin:     b[5] >> 4,
			Action:    ConnectionAction(b[5] & 0x0F),
		}, nil

	case tag >= PdMessageFlagMin && tag <= PdMessageFlagMax:
		if len(b) < PdEventHeaderSize {
			return PdEvent{}, fmt.Errorf("PD message header needs %d bytes, have %d: %w",
				PdEventHeaderSize, len(b), ErrTruncatedPayload)
		}
		wireLen := int(tag&PdEventSizeMask) - PdEventSizeOffset
		if wireLen < 0 {
			return PdEvent{}, fmt.Errorf("PD message flag 0x%02X declares negative length: %w", tag, ErrLengthMismatch)
		}
		size := PdEventHeaderSize + wireLen
		if len(b) < size {
			return PdEvent{}, fmt.Errorf("PD message needs %d bytes, have %d: %w", size, len(b), ErrTruncatedPayload)
		}

		ts := binary.LittleEndian.Uint32(b[1:5])
		wire := append([]byte(nil), b[PdEventHeaderSize:size]...)
		return PdEvent{
			Kind:      PdEventMessage,
			Tag:       tag,
			Timestamp: ts,
			Offset:    int64(ts) - int64(base),
			Size:      size,
			SOP:       b[5],
			Direction: wireDirection(wire),
			WireData:  wire,
		}, nil
	}

	return PdEvent{}, fmt.Errorf("tag 0x%02X: %w", tag, ErrUnknownEventType)
}

// EncodeConnectionEvent encodes a connection event
func EncodeConnectionEvent(timestamp uint32, ccPin uint8, action ConnectionAction) []byte {
	return []byte{
		PdEventTypeConnection,
		byte(timestamp), byte(timestamp >> 8), byte(timestamp >> 16),
		0,
		ccPin<<4 | uint8(action)&0x0F,
	}
}

// wireDirection reads the port power role bit of the PD message header
func wireDirection(wire []byte) PdDirection {
	if len(wire) >= 2 && wire[1]&0x01 != 0 {
		return SrcToSnk
	}
	return SnkToSrc
}

// EncodePdMessageEvent encodes a PD message event. The flag byte must stay in
// 0x80..0x9F, which limits wire data to 26 bytes.
func EncodePdMessageEvent(timestamp uint32, sop uint8, wire []byte) ([]byte, error) {
	sizeField := len(wire) + PdEventSizeOffset
	if sizeField > PdMessageFlagMax-PdMessageFlagMin {
		return nil, fmt.Errorf("PD message wire data %d bytes: %w", len(wire), ErrPayloadTooLarge)
	}
	b := []byte{uint8(PdMessageFlagMin) | uint8(sizeField)}
	b = binary.LittleEndian.AppendUint32(b, timestamp)
	b = append(b, sop)
	return append(b, wire...), nil
}
