// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// ============================================================
// Message Tests
// ============================================================

func TestParsePacket_Adc(t *testing.T) {
	m, err := ParsePacket(mustHex(t, adcResponseHex))
	if err != nil {
		t.Fatalf("ParsePacket() error: %v", err)
	}
	if m.Adc == nil || m.Kind() != "ADC" {
		t.Fatalf("Kind() = %s, want ADC", m.Kind())
	}
	if !approxEqual(m.Adc.VbusV, 5.082592, 1e-9) {
		t.Errorf("VbusV = %v", m.Adc.VbusV)
	}
}

func TestParsePacket_AdcAndPd(t *testing.T) {
	stream := buildStream(t, NewPdPreamble(1000, 5000, 0, 0, 0),
		EncodeConnectionEvent(1100, 1, ConnectionAttach),
		mustMessageEvent(t, 1200, 0, buildWire(srcCapsHeader, pdo5V3A, pdo9V3A)),
	)
	raw, err := CreatePutData(3,
		Segment{Attribute: AttAdc, Payload: mustHex(t, adcResponseHex)[8:]},
		Segment{Attribute: AttPdPacket, Payload: stream},
	)
	if err != nil {
		t.Fatalf("CreatePutData() error: %v", err)
	}

	m, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("ParsePacket() error: %v", err)
	}
	if m.Kind() != "ADC+PD" {
		t.Errorf("Kind() = %s, want ADC+PD", m.Kind())
	}
	if len(m.PdEvents) != 2 {
		t.Fatalf("len(PdEvents) = %d, want 2", len(m.PdEvents))
	}
	if m.PdEvents[1].Offset != 200 {
		t.Errorf("offset = %d, want 200", m.PdEvents[1].Offset)
	}
}

func TestParsePacket_PdStatus(t *testing.T) {
	status := PdStatus{TypeID: 1, Timestamp: 500, PdMeasurements: PdMeasurements{VbusMV: 5000}}

	for _, attr := range []Attribute{AttPdPacket, AttPdStatus} {
		t.Run(attr.String(), func(t *testing.T) {
			raw, err := CreatePutData(1, Segment{Attribute: attr, Payload: status.Bytes()})
			if err != nil {
				t.Fatalf("CreatePutData() error: %v", err)
			}
			m, err := ParsePacket(raw)
			if err != nil {
				t.Fatalf("ParsePacket() error: %v", err)
			}
			if m.PdStatus == nil || m.PdStream != nil || m.Kind() != "PD_STATUS" {
				t.Errorf("Kind() = %s", m.Kind())
			}
		})
	}
}

func TestParsePacket_PdStreamError(t *testing.T) {
	stream := buildStream(t, NewPdPreamble(0, 5000, 0, 0, 0),
		EncodeConnectionEvent(5, 2, ConnectionAttach),
		[]byte{0x50, 1, 2, 3, 4, 5},
	)
	raw, err := CreatePutData(1, Segment{Attribute: AttPdPacket, Payload: stream})
	if err != nil {
		t.Fatalf("CreatePutData() error: %v", err)
	}

	m, err := ParsePacket(raw)
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("ParsePacket() error = %v, want ErrUnknownEventType", err)
	}
	if m == nil || len(m.PdEvents) != 1 {
		t.Fatalf("message should keep the decoded prefix, got %+v", m)
	}
}

func TestParsePacket_SegmentError(t *testing.T) {
	raw, err := CreatePutData(1, Segment{Attribute: AttAdc, Payload: make([]byte, 40)})
	if err != nil {
		t.Fatalf("CreatePutData() error: %v", err)
	}
	m, err := ParsePacket(raw)
	if !errors.Is(err, ErrTruncatedPayload) || m != nil {
		t.Errorf("ParsePacket() = %v, %v; want nil, ErrTruncatedPayload", m, err)
	}
	if !strings.Contains(err.Error(), "segment 0 (ADC)") {
		t.Errorf("error %q should name the segment", err)
	}
}

func TestParsePacket_Kinds(t *testing.T) {
	settings, _ := CreatePutData(1, Segment{Attribute: AttSettings, Payload: []byte{1, 2, 3, 4}})
	qc, _ := CreatePutData(1, Segment{Attribute: AttQcPacket, Payload: []byte{9}})
	queue, _ := CreatePutData(1, Segment{Attribute: AttAdcQueue10K, Size: AdcQueue10KSampleSize,
		Payload: EncodeAdcQueue(Queue10K, []AdcQueueSample{{Sequence: 1}})})

	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{"settings", settings, "SETTINGS"},
		{"qc", qc, "QC"},
		{"queue", queue, "ADC_QUEUE"},
		{"empty", mustHex(t, "41000000"), "EMPTY"},
		{"control", NewConnect(0), "CONNECT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParsePacket(tt.raw)
			if err != nil {
				t.Fatalf("ParsePacket() error: %v", err)
			}
			if m.Kind() != tt.want {
				t.Errorf("Kind() = %s, want %s", m.Kind(), tt.want)
			}
		})
	}
}

// ============================================================
// Validator Tests
// ============================================================

func TestValidateAdcData(t *testing.T) {
	tests := []struct {
		name  string
		adc   AdcData
		types []AnomalyType
	}{
		{"normal", AdcData{VbusV: 5, IbusA: 1, TempC: 30}, nil},
		{"hot", AdcData{VbusV: 5, TempC: 100}, []AnomalyType{AnomalyInvalidTemp}},
		{"zero temp", AdcData{VbusV: 5, TempC: 0}, []AnomalyType{AnomalyInvalidTemp}},
		{"overvoltage", AdcData{VbusV: 48.5, TempC: 30}, []AnomalyType{AnomalyHighVoltage}},
		{"reverse overvoltage", AdcData{VbusV: -50, TempC: 30}, []AnomalyType{AnomalyHighVoltage}},
		{"overcurrent", AdcData{VbusV: 20, IbusA: -7, TempC: 30}, []AnomalyType{AnomalyHighCurrent}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateAdcData(&tt.adc)
			if len(errs) != len(tt.types) {
				t.Fatalf("ValidateAdcData() = %v, want %v", errs, tt.types)
			}
			for i, e := range errs {
				if e.Type != tt.types[i] {
					t.Errorf("error %d type = %s, want %s", i, e.Type, tt.types[i])
				}
			}
		})
	}
}

func TestValidateAdcQueue(t *testing.T) {
	q := &AdcQueueData{Samples: []AdcQueueSample{
		{Sequence: 1, Marker: AdcQueueMarker, VbusV: 5},
		{Sequence: 4, Marker: 0x00, VbusV: 5},
		{Sequence: 5, Marker: AdcQueueMarker, VbusV: 60},
	}}

	errs := ValidateAdcQueue(q)
	want := []AnomalyType{AnomalyDroppedSamples, AnomalyQueueMarker, AnomalyHighVoltage}
	if len(errs) != len(want) {
		t.Fatalf("ValidateAdcQueue() = %v", errs)
	}
	for i, e := range errs {
		if e.Type != want[i] {
			t.Errorf("error %d type = %s, want %s", i, e.Type, want[i])
		}
	}
	if errs[0].Details["dropped"] != 2 {
		t.Errorf("dropped = %v, want 2", errs[0].Details["dropped"])
	}
}

func TestValidatePdEvents(t *testing.T) {
	events := []PdEvent{
		{Kind: PdEventConnection, Action: ConnectionAttach, Offset: 10},
		{Kind: PdEventMessage, Offset: 5},
		{Kind: PdEventConnection, Action: ConnectionAction(7), Offset: 20},
	}

	errs := ValidatePdEvents(PdPreamble{}, events)
	if len(errs) != 2 {
		t.Fatalf("ValidatePdEvents() = %v", errs)
	}
	if errs[0].Type != AnomalyTimestampOrder || errs[1].Type != AnomalyUnknownAction {
		t.Errorf("types = %s, %s", errs[0].Type, errs[1].Type)
	}
	if errs[0].Error() == "" {
		t.Error("Error() should return the message")
	}
}

func TestValidateMessage_RealCapture(t *testing.T) {
	m, err := ParsePacket(mustHex(t, adcResponseLoadHex))
	if err != nil {
		t.Fatalf("ParsePacket() error: %v", err)
	}
	if errs := ValidateMessage(m); len(errs) != 0 {
		t.Errorf("ValidateMessage() = %v, want none", errs)
	}
}

// ============================================================
// Statistics Tests
// ============================================================

func TestStatistics_Update(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	stats := newStatisticsWithClock(func() time.Time { return now })

	good, _ := ParsePacket(mustHex(t, adcResponseHex))
	empty, _ := ParsePacket(mustHex(t, "41000000"))

	stats.Update(good, nil, nil)
	stats.Update(empty, nil, nil)
	stats.Update(nil, ErrLengthMismatch, nil)
	stats.Update(nil, ErrMalformedHeader, nil)
	stats.Update(nil, ErrUnknownCommand, nil)
	stats.Update(good, nil, []ValidationError{{Type: AnomalyInvalidTemp}, {Type: AnomalyDroppedSamples, Details: map[string]interface{}{"dropped": 3}}})

	if stats.TotalPackets != 6 || stats.ValidPackets != 2 || stats.EmptyResponses != 1 {
		t.Errorf("total=%d valid=%d empty=%d", stats.TotalPackets, stats.ValidPackets, stats.EmptyResponses)
	}
	if stats.LengthMismatches != 1 || stats.HeaderErrors != 1 || stats.UnknownCodes != 1 || stats.Errors() != 3 {
		t.Errorf("errors: length=%d header=%d unknown=%d total=%d",
			stats.LengthMismatches, stats.HeaderErrors, stats.UnknownCodes, stats.Errors())
	}
	if stats.AnomalousValues != 2 || stats.InvalidTemp != 1 || stats.DroppedSamples != 3 {
		t.Errorf("anomalies=%d temp=%d dropped=%d", stats.AnomalousValues, stats.InvalidTemp, stats.DroppedSamples)
	}

	now = now.Add(2 * time.Second)
	stats.CalculateRates()
	if stats.PacketRate != 3.0 {
		t.Errorf("PacketRate = %v, want 3", stats.PacketRate)
	}
	if stats.ErrorRate != 2.5 {
		t.Errorf("ErrorRate = %v, want 2.5", stats.ErrorRate)
	}

	s := stats.String()
	for _, want := range []string{"Total Packets:          6", "Length Mismatch:      1", "Invalid Temp:         1"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q:\n%s", want, s)
		}
	}

	stats.Reset()
	if stats.TotalPackets != 0 || !stats.StartTime.Equal(now) {
		t.Errorf("Reset() left total=%d start=%v", stats.TotalPackets, stats.StartTime)
	}
}

func TestStatistics_PdStreamError(t *testing.T) {
	stats := NewStatistics()
	stream := buildStream(t, NewPdPreamble(0, 0, 0, 0, 0), []byte{0x01})
	raw, _ := CreatePutData(1, Segment{Attribute: AttPdPacket, Payload: stream})

	m, err := ParsePacket(raw)
	stats.Update(m, err, nil)
	if stats.PdStreamErrors != 1 {
		t.Errorf("PdStreamErrors = %d, want 1", stats.PdStreamErrors)
	}
}

// ============================================================
// Formatter Tests
// ============================================================

func TestFormatMessage(t *testing.T) {
	m, _ := ParsePacket(mustHex(t, adcResponseLoadHex))
	s := FormatMessage(m)

	for _, want := range []string{"PUT_DATA (0x41) id=0", "segment 0: ADC size=44", "Temp: 32.73°C", "IBUS: -0.090450 A"} {
		if !strings.Contains(s, want) {
			t.Errorf("FormatMessage() missing %q:\n%s", want, s)
		}
	}
}

func TestFormatPacket_Control(t *testing.T) {
	p, _ := ParseRawPacket(mustHex(t, "0c052200"))
	want := "GET_DATA (0x0C) id=5 attr=ADC|PD_PACKET len=4\n"
	if got := FormatPacket(p); got != want {
		t.Errorf("FormatPacket() = %q, want %q", got, want)
	}
}

func TestFormatPdEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   PdEvent
		want string
	}{
		{"attach", PdEvent{Kind: PdEventConnection, Action: ConnectionAttach, CCPin: 1, Offset: 1234}, "[+1.234s] ATTACH CC1"},
		{"detach before base", PdEvent{Kind: PdEventConnection, Action: ConnectionDetach, CCPin: 2, Offset: -5}, "[-0.005s] DETACH CC2"},
		{"goodcrc", PdEvent{Kind: PdEventMessage, Direction: SrcToSnk, WireData: buildWire(0x0101)}, "[+0.000s] SRC->SNK SOP0 GoodCRC id=0"},
		{"bad wire", PdEvent{Kind: PdEventMessage, WireData: []byte{0xAB}}, "[+0.000s] SNK->SRC SOP0 AB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatPdEvent(tt.ev); got != tt.want {
				t.Errorf("FormatPdEvent() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatHex(t *testing.T) {
	if got := FormatHex([]byte{0x02, 0x01, 0xAB}); got != "02 01 AB" {
		t.Errorf("FormatHex() = %q", got)
	}
	if got := FormatHex(nil); got != "" {
		t.Errorf("FormatHex(nil) = %q", got)
	}
}
