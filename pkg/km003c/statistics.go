// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks decode results and anomaly counts over a session
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalPackets     uint64
	ValidPackets     uint64
	EmptyResponses   uint64
	HeaderErrors     uint64
	LengthMismatches uint64
	Truncated        uint64
	UnknownCodes     uint64
	PdStreamErrors   uint64
	DecodeErrors     uint64
	AnomalousValues  uint64
	InvalidTemp      uint64
	HighVoltage      uint64
	HighCurrent      uint64
	DroppedSamples   uint64
	QueueSamples     uint64
	PdEvents         uint64

	// Rates (calculated)
	PacketRate float64 // packets/sec
	ErrorRate  float64 // errors/sec

	clock func() time.Time
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return newStatisticsWithClock(time.Now)
}

func newStatisticsWithClock(clock func() time.Time) *Statistics {
	now := clock()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
		clock:          clock,
	}
}

// Update records one decoded message. m may be nil when decodeErr is set.
func (s *Statistics) Update(m *Message, decodeErr error, validationErrors []ValidationError) {
	s.TotalPackets++
	s.LastUpdateTime = s.clock()

	if m != nil {
		if m.Packet.IsEmptyResponse() {
			s.EmptyResponses++
		}
		if m.AdcQueue != nil {
			s.QueueSamples += uint64(len(m.AdcQueue.Samples))
		}
		s.PdEvents += uint64(len(m.PdEvents))
	}

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrUnknownEventType), m != nil && m.PdStream != nil:
			// A stream error still yields a message with the decoded prefix
			s.PdStreamErrors++
		case errors.Is(decodeErr, ErrMalformedHeader), errors.Is(decodeErr, ErrMalformedPreamble):
			s.HeaderErrors++
		case errors.Is(decodeErr, ErrLengthMismatch):
			s.LengthMismatches++
		case errors.Is(decodeErr, ErrTruncatedPayload):
			s.Truncated++
		case errors.Is(decodeErr, ErrUnknownCommand), errors.Is(decodeErr, ErrUnknownAttribute),
			errors.Is(decodeErr, ErrUnknownSampleRate):
			s.UnknownCodes++
		default:
			s.DecodeErrors++
		}
		return
	}

	if len(validationErrors) == 0 {
		s.ValidPackets++
		return
	}

	for _, err := range validationErrors {
		s.AnomalousValues++
		switch err.Type {
		case AnomalyInvalidTemp:
			s.InvalidTemp++
		case AnomalyHighVoltage:
			s.HighVoltage++
		case AnomalyHighCurrent:
			s.HighCurrent++
		case AnomalyDroppedSamples:
			if n, ok := err.Details["dropped"].(int); ok {
				s.DroppedSamples += uint64(n)
			}
		}
	}
}

// Errors returns the number of packets that failed to decode
func (s *Statistics) Errors() uint64 {
	return s.HeaderErrors + s.LengthMismatches + s.Truncated + s.UnknownCodes + s.PdStreamErrors + s.DecodeErrors
}

// CalculateRates calculates packet and error rates
func (s *Statistics) CalculateRates() {
	elapsed := s.clock().Sub(s.StartTime).Seconds()
	if elapsed > 0 {
		s.PacketRate = float64(s.TotalPackets) / elapsed
		s.ErrorRate = float64(s.Errors()+s.AnomalousValues) / elapsed
	}
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100.0 / float64(total)
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()
	elapsed := s.clock().Sub(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Packets:   %8d\n", s.TotalPackets)
	result += fmt.Sprintf("Valid Packets:   %8d (%.1f%%)\n", s.ValidPackets, percent(s.ValidPackets, s.TotalPackets))

	if s.EmptyResponses > 0 {
		result += fmt.Sprintf("Empty Responses: %8d\n", s.EmptyResponses)
	}
	if errs := s.Errors(); errs > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", errs, percent(errs, s.TotalPackets))
		if s.HeaderErrors > 0 {
			result += fmt.Sprintf("  Bad Header:       %5d\n", s.HeaderErrors)
		}
		if s.LengthMismatches > 0 {
			result += fmt.Sprintf("  Length Mismatch:  %5d\n", s.LengthMismatches)
		}
		if s.Truncated > 0 {
			result += fmt.Sprintf("  Truncated:        %5d\n", s.Truncated)
		}
		if s.UnknownCodes > 0 {
			result += fmt.Sprintf("  Unknown Code:     %5d\n", s.UnknownCodes)
		}
		if s.PdStreamErrors > 0 {
			result += fmt.Sprintf("  PD Stream:        %5d\n", s.PdStreamErrors)
		}
	}
	if s.AnomalousValues > 0 {
		result += fmt.Sprintf("Anomalous Values:%8d\n", s.AnomalousValues)
		if s.InvalidTemp > 0 {
			result += fmt.Sprintf("  Invalid Temp:     %5d\n", s.InvalidTemp)
		}
		if s.HighVoltage > 0 {
			result += fmt.Sprintf("  VBUS > %.0f V:      %5d\n", MaxVbusV, s.HighVoltage)
		}
		if s.HighCurrent > 0 {
			result += fmt.Sprintf("  IBUS > %.0f A:       %5d\n", MaxIbusA, s.HighCurrent)
		}
	}
	if s.QueueSamples > 0 {
		result += fmt.Sprintf("Queue Samples:   %8d (%d dropped)\n", s.QueueSamples, s.DroppedSamples)
	}
	if s.PdEvents > 0 {
		result += fmt.Sprintf("PD Events:       %8d\n", s.PdEvents)
	}

	result += fmt.Sprintf("Packet Rate:     %8.1f pkts/sec\n", s.PacketRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *newStatisticsWithClock(s.clock)
}
