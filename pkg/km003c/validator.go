// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import "fmt"

// AnomalyType represents different kinds of suspicious decoded values
type AnomalyType int

const (
	AnomalyInvalidTemp AnomalyType = iota
	AnomalyHighVoltage
	AnomalyHighCurrent
	AnomalyDroppedSamples
	AnomalyQueueMarker
	AnomalyTimestampOrder
	AnomalyUnknownAction
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyInvalidTemp:
		return "invalid temperature"
	case AnomalyHighVoltage:
		return "high voltage"
	case AnomalyHighCurrent:
		return "high current"
	case AnomalyDroppedSamples:
		return "dropped samples"
	case AnomalyQueueMarker:
		return "queue marker"
	case AnomalyTimestampOrder:
		return "timestamp order"
	case AnomalyUnknownAction:
		return "unknown action"
	default:
		return "unknown"
	}
}

// Operating limits of the meter
const (
	MinTempC = 0.0
	MaxTempC = 100.0
	MaxVbusV = 48.0
	MaxIbusA = 6.0
)

// ValidationError represents a decoded value outside the meter's
// operating range. These never fail a parse.
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateMessage checks every decoded value in m.
// Returns a slice of validation errors (empty if nothing looks wrong).
func ValidateMessage(m *Message) []ValidationError {
	errors := []ValidationError{}

	if m.Adc != nil {
		errors = append(errors, ValidateAdcData(m.Adc)...)
	}
	if m.AdcQueue != nil {
		errors = append(errors, ValidateAdcQueue(m.AdcQueue)...)
	}
	if m.PdStream != nil {
		errors = append(errors, ValidatePdEvents(m.PdStream.Preamble, m.PdEvents)...)
	}

	return errors
}

// ValidateAdcData checks an ADC reading against the meter's limits
func ValidateAdcData(a *AdcData) []ValidationError {
	errors := []ValidationError{}

	if a.TempC <= MinTempC || a.TempC >= MaxTempC {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidTemp,
			Message: fmt.Sprintf("Temperature %.2f°C outside (%.0f, %.0f)", a.TempC, MinTempC, MaxTempC),
			Details: map[string]interface{}{"temp_c": a.TempC, "raw": a.Raw.TempRaw},
		})
	}

	if a.VbusV > MaxVbusV || a.VbusV < -MaxVbusV {
		errors = append(errors, ValidationError{
			Type:    AnomalyHighVoltage,
			Message: fmt.Sprintf("VBUS %.3f V exceeds %.0f V", a.VbusV, MaxVbusV),
			Details: map[string]interface{}{"vbus_v": a.VbusV, "max": MaxVbusV},
		})
	}

	if a.CurrentAbs() > MaxIbusA {
		errors = append(errors, ValidationError{
			Type:    AnomalyHighCurrent,
			Message: fmt.Sprintf("IBUS %.3f A exceeds %.0f A", a.IbusA, MaxIbusA),
			Details: map[string]interface{}{"ibus_a": a.IbusA, "max": MaxIbusA},
		})
	}

	return errors
}

// ValidateAdcQueue checks sequence continuity and sample values
func ValidateAdcQueue(q *AdcQueueData) []ValidationError {
	errors := []ValidationError{}

	if q.HasDroppedSamples() {
		first, last, _ := q.SequenceRange()
		errors = append(errors, ValidationError{
			Type:    AnomalyDroppedSamples,
			Message: fmt.Sprintf("Dropped %d samples in sequence %d..%d", q.DroppedSamples(), first, last),
			Details: map[string]interface{}{"dropped": q.DroppedSamples(), "first": first, "last": last},
		})
	}

	for i, s := range q.Samples {
		if s.Marker != AdcQueueMarker {
			errors = append(errors, ValidationError{
				Type:    AnomalyQueueMarker,
				Message: fmt.Sprintf("Sample %d marker=0x%04X (expected 0x%04X)", i, s.Marker, AdcQueueMarker),
				Details: map[string]interface{}{"index": i, "marker": s.Marker},
			})
		}
		if s.VbusV > MaxVbusV {
			errors = append(errors, ValidationError{
				Type:    AnomalyHighVoltage,
				Message: fmt.Sprintf("Sample %d VBUS %.3f V exceeds %.0f V", i, s.VbusV, MaxVbusV),
				Details: map[string]interface{}{"index": i, "vbus_v": s.VbusV},
			})
		}
	}

	return errors
}

// ValidatePdEvents checks that event timestamps do not run backwards and
// that connection events carry a known action
func ValidatePdEvents(preamble PdPreamble, events []PdEvent) []ValidationError {
	errors := []ValidationError{}

	var last int64
	for i, ev := range events {
		if ev.Offset < last {
			errors = append(errors, ValidationError{
				Type:    AnomalyTimestampOrder,
				Message: fmt.Sprintf("Event %d at %+d ms precedes previous event at %+d ms", i, ev.Offset, last),
				Details: map[string]interface{}{"index": i, "offset": ev.Offset, "previous": last, "base": preamble.Timestamp},
			})
		}
		last = ev.Offset

		if ev.Kind == PdEventConnection && ev.Action != ConnectionAttach && ev.Action != ConnectionDetach {
			errors = append(errors, ValidationError{
				Type:    AnomalyUnknownAction,
				Message: fmt.Sprintf("Event %d has connection action %d", i, ev.Action),
				Details: map[string]interface{}{"index": i, "action": uint8(ev.Action)},
			})
		}
	}

	return errors
}
