// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math"
	"strings"
	"testing"
)

// ============================================================
// Test Helpers
// ============================================================

// Captured from a KM003C answering GET_DATA(ADC)
const (
	adcResponseHex     = "410c82020100000be08d4d001e000000218e4d00eaffffff278e4d00480000001c0c9502737e000001007b7e0080a40c00000000"
	adcResponseLoadHex = "410080020100000b451c4d00ae9efeffdb1c4d00239ffeffe11c4d00819ffeffc90c8a100e0000000000787e0080020000000000"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func approxEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

// ============================================================
// Command / Attribute Tests
// ============================================================

func TestCommand_IsCtrl(t *testing.T) {
	tests := []struct {
		cmd  Command
		ctrl bool
	}{
		{CmdSync, true},
		{CmdGetData, true},
		{CmdStopGraph, true},
		{CmdHead, false},
		{CmdPutData, false},
		{CmdStreamingAuth, false},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			if got := tt.cmd.IsCtrl(); got != tt.ctrl {
				t.Errorf("IsCtrl() = %v, want %v", got, tt.ctrl)
			}
		})
	}
}

func TestUSBIdentity(t *testing.T) {
	tests := []struct {
		name string
		got  uint16
		want uint16
	}{
		{"VendorID", VendorID, 0x5FC9},
		{"ProductID", ProductID, 0x0063},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = 0x%04X, want 0x%04X", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestCommand_String(t *testing.T) {
	if got := CmdGetData.String(); got != "GET_DATA" {
		t.Errorf("String() = %q, want %q", got, "GET_DATA")
	}
	if got := Command(0x30).String(); got != "UNKNOWN(0x30)" {
		t.Errorf("String() = %q, want %q", got, "UNKNOWN(0x30)")
	}
	if Command(0x30).Valid() {
		t.Error("0x30 should not be a valid command")
	}
}

func TestAttribute_Valid(t *testing.T) {
	tests := []struct {
		attr  Attribute
		valid bool
	}{
		{AttNone, true},
		{AttAdc, true},
		{AttQcPacket, true},
		{AttAdc | AttPdPacket, false},
		{Attribute(0x0080), false},
		{Attribute(0x0100), false},
	}

	for _, tt := range tests {
		t.Run(tt.attr.String(), func(t *testing.T) {
			if got := tt.attr.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestAttributeSet(t *testing.T) {
	s := NewAttributeSet(AttAdc, AttPdPacket)

	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if !s.Contains(AttAdc) || !s.Contains(AttPdPacket) {
		t.Error("set should contain ADC and PD_PACKET")
	}
	if s.Contains(AttSettings) {
		t.Error("set should not contain SETTINGS")
	}
	if s.Contains(AttNone) {
		t.Error("no set contains NONE")
	}
	if got := s.String(); got != "ADC|PD_PACKET" {
		t.Errorf("String() = %q, want %q", got, "ADC|PD_PACKET")
	}

	s = s.Without(AttAdc)
	if s != AttributeSet(AttPdPacket) {
		t.Errorf("Without(ADC) = %s, want PD_PACKET", s)
	}
	if !AttributeSet(0).IsEmpty() || AttributeSet(0).String() != "NONE" {
		t.Error("empty set should be NONE")
	}
	if AttributeSet(0x0100).Known() {
		t.Error("bit 8 is not a known attribute")
	}
}

// ============================================================
// Sample Rate Tests
// ============================================================

func TestResolveSampleRate(t *testing.T) {
	tests := []struct {
		code uint8
		hz   int
		name string
	}{
		{0, 1, "1 SPS"},
		{1, 10, "10 SPS"},
		{2, 50, "50 SPS"},
		{3, 1000, "1000 SPS"},
		{4, 10000, "10000 SPS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ResolveSampleRate(tt.code)
			if err != nil {
				t.Fatalf("ResolveSampleRate(%d) error: %v", tt.code, err)
			}
			if r.Hz != tt.hz || r.Name != tt.name || r.RawCode != tt.code {
				t.Errorf("ResolveSampleRate(%d) = %+v", tt.code, r)
			}
		})
	}
}

func TestResolveSampleRate_Unknown(t *testing.T) {
	for _, code := range []uint8{5, 0x7F, 0xFF} {
		if _, err := ResolveSampleRate(code); !errors.Is(err, ErrUnknownSampleRate) {
			t.Errorf("ResolveSampleRate(%d) error = %v, want ErrUnknownSampleRate", code, err)
		}
	}
}

func TestSampleRates_AscendingCopy(t *testing.T) {
	rates := SampleRates()
	if len(rates) != 5 {
		t.Fatalf("len = %d, want 5", len(rates))
	}
	for i := 1; i < len(rates); i++ {
		if rates[i].Hz <= rates[i-1].Hz {
			t.Errorf("rates not ascending at %d", i)
		}
	}

	rates[0].Hz = 999
	if again := SampleRates(); again[0].Hz != 1 {
		t.Error("SampleRates() should return a copy")
	}
}

func TestSampleRateForHz(t *testing.T) {
	r, err := SampleRateForHz(50)
	if err != nil || r.RawCode != Rate50SPS {
		t.Errorf("SampleRateForHz(50) = %+v, %v", r, err)
	}
	if r.PeriodMicros() != 20000 {
		t.Errorf("PeriodMicros() = %d, want 20000", r.PeriodMicros())
	}
	if _, err := SampleRateForHz(100); !errors.Is(err, ErrUnknownSampleRate) {
		t.Errorf("SampleRateForHz(100) error = %v", err)
	}
}

// ============================================================
// Header Tests
// ============================================================

func TestDecodeHeader_Control(t *testing.T) {
	tests := []struct {
		name string
		hex  string
		cmd  Command
		id   uint8
		attr AttributeSet
	}{
		{"connect", "02010000", CmdConnect, 1, 0},
		{"get adc", "0c000200", CmdGetData, 0, AttributeSet(AttAdc)},
		{"get adc+pd", "0c052200", CmdGetData, 5, NewAttributeSet(AttAdc, AttPdPacket)},
		{"start graph", "0e030400", CmdStartGraph, 3, AttributeSet(AttAdcQueue)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := DecodeHeader(mustHex(t, tt.hex))
			if err != nil {
				t.Fatalf("DecodeHeader() error: %v", err)
			}
			if h.Command != tt.cmd || h.ID != tt.id || h.Attributes != tt.attr {
				t.Errorf("DecodeHeader() = %+v", h)
			}
			if !bytes.Equal(h.Bytes(), mustHex(t, tt.hex)) {
				t.Errorf("Bytes() = %x, want %s", h.Bytes(), tt.hex)
			}
		})
	}
}

func TestDecodeHeader_Data(t *testing.T) {
	h, err := DecodeHeader(mustHex(t, adcResponseHex))
	if err != nil {
		t.Fatalf("DecodeHeader() error: %v", err)
	}
	if h.Command != CmdPutData || h.ID != 0x0c || h.ObjCountWords != 10 {
		t.Errorf("DecodeHeader() = %+v", h)
	}
	if h.Attributes != 0 {
		t.Errorf("data header should not carry attributes, got %s", h.Attributes)
	}
}

func TestDecodeHeader_Reserved(t *testing.T) {
	h, err := DecodeHeader([]byte{0x82, 0x07, 0x00, 0x00})
	if err != nil {
		t.Fatalf("DecodeHeader() error: %v", err)
	}
	if !h.Reserved || h.Command != CmdConnect {
		t.Errorf("DecodeHeader() = %+v", h)
	}
	if got := h.Bytes(); got[0] != 0x82 {
		t.Errorf("reserved bit lost: 0x%02X", got[0])
	}
}

func TestDecodeHeader_Short(t *testing.T) {
	for n := 0; n < MainHeaderSize; n++ {
		if _, err := DecodeHeader(make([]byte, n)); !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("DecodeHeader(%d bytes) error = %v, want ErrMalformedHeader", n, err)
		}
	}
}

func TestExtendedHeader_RoundTrip(t *testing.T) {
	tests := []ExtendedHeader{
		{Attribute: AttAdc, Size: 44},
		{Attribute: AttPdPacket, Next: true, Chunk: 3, Size: 12},
		{Attribute: AttAdcQueue, Chunk: 0x3F, Size: MaxSegmentSize},
	}

	for _, want := range tests {
		t.Run(want.Attribute.String(), func(t *testing.T) {
			got, err := DecodeExtendedHeader(want.AppendTo(nil))
			if err != nil {
				t.Fatalf("DecodeExtendedHeader() error: %v", err)
			}
			if got != want {
				t.Errorf("DecodeExtendedHeader() = %+v, want %+v", got, want)
			}
		})
	}
}

func TestDecodeExtendedHeader_Vector(t *testing.T) {
	ext, err := DecodeExtendedHeader(mustHex(t, "0100000b"))
	if err != nil {
		t.Fatalf("DecodeExtendedHeader() error: %v", err)
	}
	if ext.Attribute != AttAdc || ext.Next || ext.Chunk != 0 || ext.Size != 44 {
		t.Errorf("DecodeExtendedHeader() = %+v", ext)
	}
}

// ============================================================
// Packet Framing Tests
// ============================================================

func TestParseRawPacket_Control(t *testing.T) {
	p, err := ParseRawPacket(mustHex(t, "0c000200"))
	if err != nil {
		t.Fatalf("ParseRawPacket() error: %v", err)
	}
	if p.Command() != CmdGetData || p.ID() != 0 || p.Attribute() != AttAdc {
		t.Errorf("ParseRawPacket() = %s %d %s", p.Command(), p.ID(), p.Attribute())
	}
	if !p.IsCtrl() || len(p.Payload()) != 0 || p.Length() != 4 {
		t.Errorf("unexpected control packet shape: ctrl=%v payload=%d len=%d", p.IsCtrl(), len(p.Payload()), p.Length())
	}
}

func TestParseRawPacket_AdcResponse(t *testing.T) {
	raw := mustHex(t, adcResponseHex)
	p, err := ParseRawPacket(raw)
	if err != nil {
		t.Fatalf("ParseRawPacket() error: %v", err)
	}

	if p.Command() != CmdPutData || p.ID() != 0x0c {
		t.Errorf("header = %s id=%d", p.Command(), p.ID())
	}
	segs := p.Segments()
	if len(segs) != 1 {
		t.Fatalf("len(Segments()) = %d, want 1", len(segs))
	}
	if segs[0].Attribute != AttAdc || segs[0].Size != 44 || segs[0].Next {
		t.Errorf("segment = %+v", segs[0])
	}
	if len(p.Payload()) != AdcDataSize {
		t.Errorf("len(Payload()) = %d, want %d", len(p.Payload()), AdcDataSize)
	}
	if p.Attribute() != AttAdc {
		t.Errorf("Attribute() = %s, want ADC", p.Attribute())
	}
	// The low six bits of the data header word are not part of the count
	if got := p.Bytes(); !bytes.Equal(got[4:], raw[4:]) || got[3] != raw[3] {
		t.Errorf("Bytes() = %x, want %x", got, raw)
	}

	load := mustHex(t, adcResponseLoadHex)
	p, err = ParseRawPacket(load)
	if err != nil {
		t.Fatalf("ParseRawPacket() error: %v", err)
	}
	if !bytes.Equal(p.Bytes(), load) {
		t.Errorf("Bytes() = %x, want %x", p.Bytes(), load)
	}
}

func TestParseRawPacket_DoesNotAlias(t *testing.T) {
	raw := mustHex(t, adcResponseHex)
	p, err := ParseRawPacket(raw)
	if err != nil {
		t.Fatalf("ParseRawPacket() error: %v", err)
	}
	before := append([]byte(nil), p.Payload()...)
	for i := range raw {
		raw[i] = 0xFF
	}
	if !bytes.Equal(p.Payload(), before) {
		t.Error("packet payload changed after caller buffer was overwritten")
	}
}

func TestParseRawPacket_EmptyResponse(t *testing.T) {
	tests := []string{
		"41050000", // zero words
		"41054000", // one word, no bytes
	}

	for _, h := range tests {
		t.Run(h, func(t *testing.T) {
			p, err := ParseRawPacket(mustHex(t, h))
			if err != nil {
				t.Fatalf("ParseRawPacket() error: %v", err)
			}
			if !p.IsEmptyResponse() {
				t.Error("IsEmptyResponse() = false, want true")
			}
			if p.Payload() != nil || p.Attribute() != AttNone {
				t.Errorf("empty response carries data: %x %s", p.Payload(), p.Attribute())
			}
		})
	}
}

func TestParseRawPacket_Errors(t *testing.T) {
	tests := []struct {
		name string
		hex  string
		want error
	}{
		{"short header", "0c00", ErrMalformedHeader},
		{"unknown command", "30000000", ErrUnknownCommand},
		{"unknown ctrl attribute", "0c000001", ErrUnknownAttribute},
		{"short extended header", "410040000100", ErrMalformedHeader},
		{"segment overruns", "41008002" + "0100000b" + "00000000", ErrLengthMismatch},
		{"bytes after last segment", "41008000" + "01000001" + "11223344" + "5566", ErrLengthMismatch},
		{"unknown segment attribute", "41004000" + "80000001" + "00000000", ErrUnknownAttribute},
		{"multi-bit segment attribute", "41004000" + "03000001" + "00000000", ErrUnknownAttribute},
		{"chained header missing", "41008000" + "01800001" + "11223344", ErrMalformedHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRawPacket(mustHex(t, tt.hex))
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseRawPacket() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseRawPacket_QueueRunsToEnd(t *testing.T) {
	samples := []AdcQueueSample{
		{Sequence: 10, Marker: AdcQueueMarker, VbusV: 5.0, IbusA: 1.0},
		{Sequence: 11, Marker: AdcQueueMarker, VbusV: 5.1, IbusA: 1.1},
		{Sequence: 12, Marker: AdcQueueMarker, VbusV: 5.2, IbusA: 1.2},
	}
	raw, err := CreatePutData(1, Segment{
		Attribute: AttAdcQueue,
		Size:      AdcQueueSampleSize,
		Payload:   EncodeAdcQueue(QueueStandard, samples),
	})
	if err != nil {
		t.Fatalf("CreatePutData() error: %v", err)
	}

	p, err := ParseRawPacket(raw)
	if err != nil {
		t.Fatalf("ParseRawPacket() error: %v", err)
	}
	seg, ok := p.Segment(AttAdcQueue)
	if !ok {
		t.Fatal("Segment(ADC_QUEUE) not found")
	}
	if seg.Size != AdcQueueSampleSize {
		t.Errorf("declared Size = %d, want %d", seg.Size, AdcQueueSampleSize)
	}
	if len(seg.Payload) != 3*AdcQueueSampleSize {
		t.Errorf("len(Payload) = %d, want %d", len(seg.Payload), 3*AdcQueueSampleSize)
	}
}

func TestCreatePutData_MultiSegment(t *testing.T) {
	adc := mustHex(t, adcResponseHex)[8:]
	pd := NewPdPreamble(1000, 5000, 0, 0, 0).Bytes()

	raw, err := CreatePutData(7,
		Segment{Attribute: AttAdc, Payload: adc},
		Segment{Attribute: AttPdPacket, Payload: pd},
	)
	if err != nil {
		t.Fatalf("CreatePutData() error: %v", err)
	}

	p, err := ParseRawPacket(raw)
	if err != nil {
		t.Fatalf("ParseRawPacket() error: %v", err)
	}
	segs := p.Segments()
	if len(segs) != 2 {
		t.Fatalf("len(Segments()) = %d, want 2", len(segs))
	}
	if !segs[0].Next || segs[1].Next {
		t.Errorf("next flags = %v,%v want true,false", segs[0].Next, segs[1].Next)
	}
	if p.Attributes() != NewAttributeSet(AttAdc, AttPdPacket) {
		t.Errorf("Attributes() = %s", p.Attributes())
	}
	if p.Header().ObjCountWords != uint16((len(raw)-MainHeaderSize+3)/4) {
		t.Errorf("ObjCountWords = %d for %d bytes", p.Header().ObjCountWords, len(raw)-MainHeaderSize)
	}
	if !bytes.Equal(segs[1].Payload, pd) {
		t.Errorf("PD payload = %x, want %x", segs[1].Payload, pd)
	}
}

func TestValidateCorrelation(t *testing.T) {
	adc := mustHex(t, adcResponseHex)

	p, err := ParseRawPacket(adc)
	if err != nil {
		t.Fatalf("ParseRawPacket() error: %v", err)
	}
	if err := p.ValidateCorrelation(NewAttributeSet(AttAdc, AttPdPacket)); err != nil {
		t.Errorf("ValidateCorrelation(ADC|PD_PACKET) = %v, want nil", err)
	}
	if err := p.ValidateCorrelation(AttributeSet(AttPdPacket)); !errors.Is(err, ErrCorrelationMismatch) {
		t.Errorf("ValidateCorrelation(PD_PACKET) = %v, want ErrCorrelationMismatch", err)
	}

	empty, _ := ParseRawPacket(mustHex(t, "41000000"))
	if err := empty.ValidateCorrelation(AttributeSet(AttAdc)); err != nil {
		t.Errorf("empty response should correlate, got %v", err)
	}
}

// ============================================================
// CreatePacket Tests
// ============================================================

func TestCreatePacket(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		attr    Attribute
		id      uint8
		payload []byte
		want    string
	}{
		{"connect", CmdConnect, AttNone, 1, nil, "02010000"},
		{"get adc", CmdGetData, AttAdc, 0, nil, "0c000200"},
		{"ctrl payload verbatim", CmdGetFile, AttNone, 2, []byte{0xAA, 0xBB}, "0d020000aabb"},
		{"empty put data", CmdPutData, AttNone, 9, nil, "41090000"},
		{"put data segment", CmdPutData, AttSettings, 1, []byte{1, 2, 3, 4}, "41018000" + "08000001" + "01020304"},
		{"head", CmdHead, AttNone, 4, []byte{1, 2, 3, 4, 5}, "40048000" + "0102030405"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CreatePacket(tt.cmd, tt.attr, tt.id, tt.payload)
			if err != nil {
				t.Fatalf("CreatePacket() error: %v", err)
			}
			if want := mustHex(t, tt.want); !bytes.Equal(got, want) {
				t.Errorf("CreatePacket() = %x, want %x", got, want)
			}
		})
	}
}

func TestCreatePacket_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		attr    Attribute
		payload []byte
		want    error
	}{
		{"unknown command", Command(0x30), AttNone, nil, ErrUnknownCommand},
		{"attribute over 15 bits", CmdGetData, Attribute(0x8000), nil, ErrPayloadTooLarge},
		{"payload over 1023", CmdHead, AttNone, make([]byte, MaxSegmentSize+1), ErrPayloadTooLarge},
		{"unknown ctrl attribute", CmdGetData, Attribute(0x0100), nil, ErrUnknownAttribute},
		{"put data without attribute", CmdPutData, AttNone, []byte{1}, ErrUnknownAttribute},
		{"attribute on head", CmdHead, AttAdc, []byte{1, 2, 3, 4}, ErrInvalidAttributeForCommand},
		{"attribute on memory read", CmdMemoryRead, AttSettings, nil, ErrInvalidAttributeForCommand},
		{"attribute on empty put data", CmdPutData, AttAdc, nil, ErrInvalidAttributeForCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CreatePacket(tt.cmd, tt.attr, 0, tt.payload)
			if !errors.Is(err, tt.want) {
				t.Errorf("CreatePacket() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreatePacket_RoundTrip(t *testing.T) {
	ids := []uint8{0, 1, 0x7F, 0xFF}
	cmds := []Command{CmdSync, CmdConnect, CmdGetData, CmdStopGraph, CmdHead, CmdMemoryRead}

	for _, cmd := range cmds {
		for _, id := range ids {
			attr := AttNone
			if cmd == CmdGetData {
				attr = AttAdc
			}
			raw, err := CreatePacket(cmd, attr, id, nil)
			if err != nil {
				t.Fatalf("CreatePacket(%s) error: %v", cmd, err)
			}
			p, err := ParseRawPacket(raw)
			if err != nil {
				t.Fatalf("ParseRawPacket(%x) error: %v", raw, err)
			}
			if p.Command() != cmd || p.ID() != id {
				t.Errorf("round trip %s/%d = %s/%d", cmd, id, p.Command(), p.ID())
			}
			if cmd.IsCtrl() && p.Attribute() != attr {
				t.Errorf("round trip %s attribute = %s, want %s", cmd, p.Attribute(), attr)
			}
		}
	}
}
