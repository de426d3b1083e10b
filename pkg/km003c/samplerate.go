// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import "fmt"

// SampleRate is one entry of the device sample-rate table
type SampleRate struct {
	Name    string
	Hz      int
	RawCode uint8
}

func (r SampleRate) String() string {
	return r.Name
}

// PeriodMicros returns the nominal interval between samples in microseconds
func (r SampleRate) PeriodMicros() int {
	return 1_000_000 / r.Hz
}

// Sample rate codes
const (
	Rate1SPS     uint8 = 0
	Rate10SPS    uint8 = 1
	Rate50SPS    uint8 = 2
	Rate1000SPS  uint8 = 3
	Rate10000SPS uint8 = 4
)

// sampleRates is ordered ascending by Hz and indexed by raw code
var sampleRates = [...]SampleRate{
	{Name: "1 SPS", Hz: 1, RawCode: Rate1SPS},
	{Name: "10 SPS", Hz: 10, RawCode: Rate10SPS},
	{Name: "50 SPS", Hz: 50, RawCode: Rate50SPS},
	{Name: "1000 SPS", Hz: 1000, RawCode: Rate1000SPS},
	{Name: "10000 SPS", Hz: 10000, RawCode: Rate10000SPS},
}

// SampleRates returns the sample-rate table, ascending by Hz
func SampleRates() []SampleRate {
	rates := make([]SampleRate, len(sampleRates))
	copy(rates, sampleRates[:])
	return rates
}

// ResolveSampleRate maps a raw rate code to its table entry
func ResolveSampleRate(code uint8) (SampleRate, error) {
	if int(code) >= len(sampleRates) {
		return SampleRate{}, fmt.Errorf("rate code %d: %w", code, ErrUnknownSampleRate)
	}
	return sampleRates[code], nil
}

// SampleRateForHz finds the table entry with the given frequency
func SampleRateForHz(hz int) (SampleRate, error) {
	for _, r := range sampleRates {
		if r.Hz == hz {
			return r, nil
		}
	}
	return SampleRate{}, fmt.Errorf("%d Hz: %w", hz, ErrUnknownSampleRate)
}
