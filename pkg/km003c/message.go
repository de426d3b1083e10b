// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"fmt"
)

// Message is a framed packet with its segments decoded into typed values
type Message struct {
	Packet *Packet

	Adc      *AdcData
	AdcQueue *AdcQueueData
	PdStatus *PdStatus
	PdStream *PdEventStream
	PdEvents []PdEvent
	Settings []byte
	Qc       []byte
}

// ParsePacket frames b and decodes every segment it carries.
//
// A PD event stream that stops at a bad event is still attached to the
// message with the events decoded before it; the error is returned alongside
// the message in that one case. Every other failure returns a nil message.
func ParsePacket(b []byte) (*Message, error) {
	p, err := ParseRawPacket(b)
	if err != nil {
		return nil, err
	}

	m := &Message{Packet: p}
	var streamErr error

	for i, seg := range p.Segments() {
		switch seg.Attribute {
		case AttAdc:
			m.Adc, err = ParseRawAdcData(seg.Payload)

		case AttAdcQueue, AttAdcQueue10K:
			variant, _ := QueueVariantForAttribute(seg.Attribute)
			m.AdcQueue, err = ParseAdcQueue(seg.Payload, variant)

		case AttPdStatus:
			m.PdStatus, err = ParsePdStatus(seg.Payload)

		case AttPdPacket:
			if len(seg.Payload) == PdStatusSize {
				m.PdStatus, err = ParsePdStatus(seg.Payload)
				break
			}
			m.PdStream, err = ParsePdStream(seg.Payload)
			if err == nil {
				m.PdEvents, streamErr = m.PdStream.Events()
			}

		case AttSettings:
			m.Settings = seg.Payload

		case AttQcPacket:
			m.Qc = seg.Payload
		}

		if err != nil {
			return nil, fmt.Errorf("segment %d (%s): %w", i, seg.Attribute, err)
		}
	}

	if streamErr != nil {
		return m, fmt.Errorf("PD stream: %w", streamErr)
	}
	return m, nil
}

// Kind names the most specific content of the message
func (m *Message) Kind() string {
	switch {
	case m.Adc != nil && m.PdStream != nil:
		return "ADC+PD"
	case m.Adc != nil:
		return "ADC"
	case m.AdcQueue != nil:
		return "ADC_QUEUE"
	case m.PdStream != nil:
		return "PD_EVENTS"
	case m.PdStatus != nil:
		return "PD_STATUS"
	case m.Settings != nil:
		return "SETTINGS"
	case m.Qc != nil:
		return "QC"
	case m.Packet.IsEmptyResponse():
		return "EMPTY"
	}
	return m.Packet.Command().String()
}
