// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"fmt"
	"strings"
)

// FormatPacket formats the framing of a packet on one line
func FormatPacket(p *Packet) string {
	h := p.Header()
	result := fmt.Sprintf("%s (0x%02X) id=%d", h.Command, uint8(h.Command), h.ID)

	if p.IsCtrl() {
		result += fmt.Sprintf(" attr=%s", h.Attributes)
	} else {
		result += fmt.Sprintf(" words=%d", h.ObjCountWords)
	}
	if h.Reserved {
		result += " reserved"
	}
	result += fmt.Sprintf(" len=%d\n", p.Length())

	for i, seg := range p.Segments() {
		next := ""
		if seg.Next {
			next = " next"
		}
		result += fmt.Sprintf("  segment %d: %s size=%d chunk=%d%s (%d bytes)\n",
			i, seg.Attribute, seg.Size, seg.Chunk, next, len(seg.Payload))
	}
	if p.IsCtrl() && len(p.RawPayload()) > 0 {
		result += fmt.Sprintf("  payload: %s\n", FormatHex(p.RawPayload()))
	}
	return result
}

// FormatMessage formats a packet and every decoded value it carries
func FormatMessage(m *Message) string {
	result := FormatPacket(m.Packet)

	if m.Packet.IsEmptyResponse() {
		return result + "  (no data)\n"
	}

	if m.Adc != nil {
		result += FormatAdcData(m.Adc)
	}
	if m.AdcQueue != nil {
		result += FormatAdcQueue(m.AdcQueue)
	}
	if m.PdStatus != nil {
		s := m.PdStatus
		result += fmt.Sprintf("  PD Status: type=0x%02X ts=%d ms VBUS=%.3f V IBUS=%.3f A CC1=%.3f V CC2=%.3f V\n",
			s.TypeID, s.Timestamp, s.VbusV(), s.IbusA(), s.CC1V(), s.CC2V())
	}
	if m.PdStream != nil {
		p := m.PdStream.Preamble
		state := "disconnected"
		if p.Connected() {
			state = "connected"
		}
		result += fmt.Sprintf("  PD Preamble: ts=%d ms VBUS=%.3f V IBUS=%.3f A CC1=%.3f V CC2=%.3f V (%s)\n",
			p.Timestamp, p.VbusV(), p.IbusA(), p.CC1V(), p.CC2V(), state)
		for _, ev := range m.PdEvents {
			result += "    " + FormatPdEvent(ev) + "\n"
		}
	}
	if m.Settings != nil {
		result += fmt.Sprintf("  Settings: %d bytes\n", len(m.Settings))
	}
	if m.Qc != nil {
		result += fmt.Sprintf("  QC: %s\n", FormatHex(m.Qc))
	}
	return result
}

// FormatAdcData formats an ADC reading, one quantity group per line
func FormatAdcData(a *AdcData) string {
	result := fmt.Sprintf("  VBUS: %.6f V (avg %.6f V), IBUS: %.6f A (avg %.6f A)\n",
		a.VbusV, a.VbusAvgV, a.IbusA, a.IbusAvgA)
	result += fmt.Sprintf("  Power: %.3f W, Temp: %.2f°C, Rate: %s\n", a.PowerW, a.TempC, a.SampleRate)
	result += fmt.Sprintf("  CC1: %.4f V, CC2: %.4f V (avg %.4f V)\n", a.Vcc1V, a.Vcc2V, a.Vcc2AvgV)
	result += fmt.Sprintf("  D+: %.3f V, D-: %.3f V, Vdd: %.4f V\n", a.VdpV, a.VdmV, a.InternalVdd)
	return result
}

// FormatAdcQueue summarizes a queue payload
func FormatAdcQueue(q *AdcQueueData) string {
	first, last, ok := q.SequenceRange()
	if !ok {
		return fmt.Sprintf("  ADC Queue (%s): no samples\n", q.Variant)
	}
	result := fmt.Sprintf("  ADC Queue (%s, %s): %d samples, seq %d..%d",
		q.Variant, q.Rate, len(q.Samples), first, last)
	if dropped := q.DroppedSamples(); dropped > 0 {
		result += fmt.Sprintf(", %d dropped", dropped)
	}
	result += "\n"

	for _, s := range q.Samples {
		if s.HasCC {
			result += fmt.Sprintf("    #%-5d %8.4f V %8.4f A %8.4f W  CC1 %.3f V CC2 %.3f V\n",
				s.Sequence, s.VbusV, s.IbusA, s.PowerW, s.CC1V, s.CC2V)
		} else {
			result += fmt.Sprintf("    #%-5d %8.4f V %8.4f A %8.4f W\n", s.Sequence, s.VbusV, s.IbusA, s.PowerW)
		}
	}
	return result
}

// FormatPdEvent formats one PD event on a single line
func FormatPdEvent(ev PdEvent) string {
	ts := formatOffset(ev.Offset)

	switch ev.Kind {
	case PdEventConnection:
		return fmt.Sprintf("[%s] %s CC%d", ts, ev.Action, ev.CCPin)

	case PdEventMessage:
		result := fmt.Sprintf("[%s] %s SOP%d", ts, ev.Direction, ev.SOP)
		msg, err := ParsePdMessage(ev.WireData)
		if err != nil {
			return result + " " + FormatHex(ev.WireData)
		}
		if msg.IsSourceCapabilities() {
			return result + " " + strings.TrimRight(msg.String(), "\n")
		}
		return result + " " + msg.String()
	}
	return fmt.Sprintf("[%s] tag=0x%02X", ts, ev.Tag)
}

// formatOffset renders a millisecond offset as signed seconds
func formatOffset(ms int64) string {
	sign := "+"
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	return fmt.Sprintf("%s%d.%03ds", sign, ms/1000, ms%1000)
}

// FormatHex formats bytes as space-separated hex pairs
func FormatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var s strings.Builder
	s.Grow(len(b) * 3)
	for i, c := range b {
		if i > 0 {
			s.WriteByte(' ')
		}
		fmt.Fprintf(&s, "%02X", c)
	}
	return s.String()
}

// FormatValidationErrors lists anomalies, one per line
func FormatValidationErrors(errs []ValidationError) string {
	result := ""
	for _, e := range errs {
		result += fmt.Sprintf("  ! %s: %s\n", e.Type, e.Message)
	}
	return result
}
