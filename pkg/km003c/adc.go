// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Unit divisors for the ADC payload
const (
	microDivisor     = 1_000_000.0
	tempDivisor      = 100.0
	tenthMVDivisor   = 10_000.0
	milliVoltDivisor = 1_000.0
)

// AdcRaw is the 44-byte ADC payload as it appears on the wire
type AdcRaw struct {
	VbusUV         int32
	IbusUA         int32
	VbusAvgUV      int32
	IbusAvgUA      int32
	VbusOriAvgRaw  int32
	IbusOriAvgRaw  int32
	TempRaw        int16
	Vcc1TenthMV    uint16
	Vcc2Raw        uint16
	VdpMV          uint16
	VdmMV          uint16
	InternalVddRaw uint16
	RateRaw        uint8
	Reserved       uint8
	Vcc2AvgRaw     uint16
	VdpAvgMV       uint16
	VdmAvgMV       uint16
}

// AdcData is an ADC reading in physical units
type AdcData struct {
	VbusV       float64
	IbusA       float64
	PowerW      float64
	VbusAvgV    float64
	IbusAvgA    float64
	VbusOriAvgV float64
	IbusOriAvgA float64
	TempC       float64
	Vcc1V       float64
	Vcc2V       float64
	Vcc2AvgV    float64
	VdpV        float64
	VdmV        float64
	VdpAvgV     float64
	VdmAvgV     float64
	InternalVdd float64
	SampleRate  SampleRate

	Raw AdcRaw
}

// DecodeAdcRaw reads the wire layout without unit conversion
func DecodeAdcRaw(b []byte) (AdcRaw, error) {
	if len(b) != AdcDataSize {
		return AdcRaw{}, fmt.Errorf("ADC payload is %d bytes, want %d: %w", len(b), AdcDataSize, ErrTruncatedPayload)
	}

	le := binary.LittleEndian
	return AdcRaw{
		VbusUV:         int32(le.Uint32(b[0:4])),
		IbusUA:         int32(le.Uint32(b[4:8])),
		VbusAvgUV:      int32(le.Uint32(b[8:12])),
		IbusAvgUA:      int32(le.Uint32(b[12:16])),
		VbusOriAvgRaw:  int32(le.Uint32(b[16:20])),
		IbusOriAvgRaw:  int32(le.Uint32(b[20:24])),
		TempRaw:        int16(le.Uint16(b[24:26])),
		Vcc1TenthMV:    le.Uint16(b[26:28]),
		Vcc2Raw:        le.Uint16(b[28:30]),
		VdpMV:          le.Uint16(b[30:32]),
		VdmMV:          le.Uint16(b[32:34]),
		InternalVddRaw: le.Uint16(b[34:36]),
		RateRaw:        b[36],
		Reserved:       b[37],
		Vcc2AvgRaw:     le.Uint16(b[38:40]),
		VdpAvgMV:       le.Uint16(b[40:42]),
		VdmAvgMV:       le.Uint16(b[42:44]),
	}, nil
}

// Bytes encodes the raw layout
func (r AdcRaw) Bytes() []byte {
	le := binary.LittleEndian
	b := make([]byte, 0, AdcDataSize)
	b = le.AppendUint32(b, uint32(r.VbusUV))
	b = le.AppendUint32(b, uint32(r.IbusUA))
	b = le.AppendUint32(b, uint32(r.VbusAvgUV))
	b = le.AppendUint32(b, uint32(r.IbusAvgUA))
	b = le.AppendUint32(b, uint32(r.VbusOriAvgRaw))
	b = le.AppendUint32(b, uint32(r.IbusOriAvgRaw))
	b = le.AppendUint16(b, uint16(r.TempRaw))
	b = le.AppendUint16(b, r.Vcc1TenthMV)
	b = le.AppendUint16(b, r.Vcc2Raw)
	b = le.AppendUint16(b, r.VdpMV)
	b = le.AppendUint16(b, r.VdmMV)
	b = le.AppendUint16(b, r.InternalVddRaw)
	b = append(b, r.RateRaw, r.Reserved)
	b = le.AppendUint16(b, r.Vcc2AvgRaw)
	b = le.AppendUint16(b, r.VdpAvgMV)
	b = le.AppendUint16(b, r.VdmAvgMV)
	return b
}

// ParseRawAdcData decodes a 44-byte ADC payload into physical units
func ParseRawAdcData(b []byte) (*AdcData, error) {
	raw, err := DecodeAdcRaw(b)
	if err != nil {
		return nil, err
	}
	return raw.Convert()
}

// Convert scales raw readings. It fails only when the rate code is unknown.
func (r AdcRaw) Convert() (*AdcData, error) {
	rate, err := ResolveSampleRate(r.RateRaw)
	if err != nil {
		return nil, fmt.Errorf("ADC payload: %w", err)
	}

	vbus := float64(r.VbusUV) / microDivisor
	ibus := float64(r.IbusUA) / microDivisor

	return &AdcData{
		VbusV:       vbus,
		IbusA:       ibus,
		PowerW:      vbus * ibus,
		VbusAvgV:    float64(r.VbusAvgUV) / microDivisor,
		IbusAvgA:    float64(r.IbusAvgUA) / microDivisor,
		VbusOriAvgV: float64(r.VbusOriAvgRaw) / microDivisor,
		IbusOriAvgA: float64(r.IbusOriAvgRaw) / microDivisor,
		TempC:       float64(r.TempRaw) / tempDivisor,
		Vcc1V:       float64(r.Vcc1TenthMV) / tenthMVDivisor,
		Vcc2V:       float64(r.Vcc2Raw) / tenthMVDivisor,
		Vcc2AvgV:    float64(r.Vcc2AvgRaw) / milliVoltDivisor,
		VdpV:        float64(r.VdpMV) / milliVoltDivisor,
		VdmV:        float64(r.VdmMV) / milliVoltDivisor,
		VdpAvgV:     float64(r.VdpAvgMV) / milliVoltDivisor,
		VdmAvgV:     float64(r.VdmAvgMV) / milliVoltDivisor,
		InternalVdd: float64(r.InternalVddRaw) / tenthMVDivisor,
		SampleRate:  rate,
		Raw:         r,
	}, nil
}

// EncodeAdcData converts physical units back to the wire layout. Fields
// without a physical counterpart (reserved byte) are taken from a.Raw.
func EncodeAdcData(a *AdcData) []byte {
	r := a.Raw
	r.VbusUV = int32(math.Round(a.VbusV * microDivisor))
	r.IbusUA = int32(math.Round(a.IbusA * microDivisor))
	r.VbusAvgUV = int32(math.Round(a.VbusAvgV * microDivisor))
	r.IbusAvgUA = int32(math.Round(a.IbusAvgA * microDivisor))
	r.VbusOriAvgRaw = int32(math.Round(a.VbusOriAvgV * microDivisor))
	r.IbusOriAvgRaw = int32(math.Round(a.IbusOriAvgA * microDivisor))
	r.TempRaw = int16(math.Round(a.TempC * tempDivisor))
	r.Vcc1TenthMV = uint16(math.Round(a.Vcc1V * tenthMVDivisor))
	r.Vcc2Raw = uint16(math.Round(a.Vcc2V * tenthMVDivisor))
	r.Vcc2AvgRaw = uint16(math.Round(a.Vcc2AvgV * milliVoltDivisor))
	r.VdpMV = uint16(math.Round(a.VdpV * milliVoltDivisor))
	r.VdmMV = uint16(math.Round(a.VdmV * milliVoltDivisor))
	r.VdpAvgMV = uint16(math.Round(a.VdpAvgV * milliVoltDivisor))
	r.VdmAvgMV = uint16(math.Round(a.VdmAvgV * milliVoltDivisor))
	r.InternalVddRaw = uint16(math.Round(a.InternalVdd * tenthMVDivisor))
	r.RateRaw = a.SampleRate.RawCode
	return r.Bytes()
}

// CurrentAbs returns the magnitude of IBUS
func (a *AdcData) CurrentAbs() float64 {
	return math.Abs(a.IbusA)
}

// PowerAbs returns the magnitude of the bus power
func (a *AdcData) PowerAbs() float64 {
	return math.Abs(a.PowerW)
}

// String returns a one-line summary of the reading
func (a *AdcData) String() string {
	return fmt.Sprintf("VBUS: %.3f V, IBUS: %.3f A, Power: %.3f W, Temp: %.1f°C, CC1: %.3f V, CC2: %.3f V, Rate: %s",
		a.VbusV, a.IbusA, a.PowerW, a.TempC, a.Vcc1V, a.Vcc2V, a.SampleRate)
}
