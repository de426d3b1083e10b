// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func randomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func randomAdcRaw(rng *rand.Rand) AdcRaw {
	return AdcRaw{
		VbusUV:         int32(rng.Uint32()),
		IbusUA:         int32(rng.Uint32()),
		VbusAvgUV:      int32(rng.Uint32()),
		IbusAvgUA:      int32(rng.Uint32()),
		VbusOriAvgRaw:  int32(rng.Uint32()),
		IbusOriAvgRaw:  int32(rng.Uint32()),
		TempRaw:        int16(rng.Intn(1 << 16)),
		Vcc1TenthMV:    uint16(rng.Intn(1 << 16)),
		Vcc2Raw:        uint16(rng.Intn(1 << 16)),
		VdpMV:          uint16(rng.Intn(1 << 16)),
		VdmMV:          uint16(rng.Intn(1 << 16)),
		InternalVddRaw: uint16(rng.Intn(1 << 16)),
		RateRaw:        uint8(rng.Intn(len(sampleRates))),
		Reserved:       uint8(rng.Intn(256)),
		Vcc2AvgRaw:     uint16(rng.Intn(1 << 16)),
		VdpAvgMV:       uint16(rng.Intn(1 << 16)),
		VdmAvgMV:       uint16(rng.Intn(1 << 16)),
	}
}

// ============================================================
// Parser Fuzz Tests
// ============================================================

// TestFuzzParsePacket_RandomBytes feeds random transfers to the parser and
// verifies it never panics
func TestFuzzParsePacket_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		data := randomBytes(rng, rng.Intn(128))
		ParsePacket(data)
	}
}

// TestFuzzParsePacket_PutDataHeader biases the first byte towards PUT_DATA so
// the segment walker sees random extended headers
func TestFuzzParsePacket_PutDataHeader(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		data := randomBytes(rng, MainHeaderSize+rng.Intn(256))
		data[0] = uint8(CmdPutData)
		m, err := ParsePacket(data)
		if err == nil && m == nil {
			t.Fatalf("ParsePacket(%x) returned nil message without error", data)
		}
		if err == nil {
			total := 0
			for _, seg := range m.Packet.Segments() {
				total += ExtendedHeaderSize + len(seg.Payload)
			}
			if len(m.Packet.Segments()) > 0 && total != len(data)-MainHeaderSize {
				t.Fatalf("segments cover %d of %d bytes in %x", total, len(data)-MainHeaderSize, data)
			}
		}
	}
}

// TestFuzzPdStream_RandomEvents checks that random event bytes always yield a
// prefix whose sizes add up to the iterator offset
func TestFuzzPdStream_RandomEvents(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		data := append(NewPdPreamble(rng.Uint32(), 5000, 0, 0, 0).Bytes(), randomBytes(rng, rng.Intn(96))...)
		s, err := ParsePdStream(data)
		if err != nil {
			t.Fatalf("ParsePdStream() error: %v", err)
		}

		it := s.Iter()
		consumed := 0
		for it.Next() {
			consumed += it.Event().Size
		}
		if consumed != it.Offset() {
			t.Fatalf("consumed %d, iterator at %d", consumed, it.Offset())
		}
		if it.Err() == nil && it.Offset() != s.EventBytes() {
			t.Fatalf("clean end at %d of %d bytes", it.Offset(), s.EventBytes())
		}
	}
}

// ============================================================
// Round Trip Fuzz Tests
// ============================================================

func TestFuzzAdc_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		payload := randomAdcRaw(rng).Bytes()
		a, err := ParseRawAdcData(payload)
		if err != nil {
			t.Fatalf("ParseRawAdcData(%x) error: %v", payload, err)
		}
		if got := EncodeAdcData(a); !bytes.Equal(got, payload) {
			t.Fatalf("round trip:\n got %x\nwant %x", got, payload)
		}
	}
}

func TestFuzzAdcQueue_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		variant := QueueVariant(rng.Intn(2))
		samples := make([]AdcQueueSample, rng.Intn(10))
		for j := range samples {
			samples[j] = AdcQueueSample{
				Sequence: uint16(rng.Intn(1 << 16)),
				Marker:   AdcQueueMarker,
				VbusV:    float64(int32(rng.Uint32())) / microDivisor,
				IbusA:    float64(int32(rng.Uint32())) / microDivisor,
			}
			if variant == QueueStandard {
				samples[j].CC1V = float64(rng.Intn(1<<16)) / milliVoltDivisor
				samples[j].CC2V = float64(rng.Intn(1<<16)) / milliVoltDivisor
			}
		}

		encoded := EncodeAdcQueue(variant, samples)
		q, err := ParseAdcQueue(encoded, variant)
		if err != nil {
			t.Fatalf("ParseAdcQueue() error: %v", err)
		}
		if again := EncodeAdcQueue(variant, q.Samples); !bytes.Equal(again, encoded) {
			t.Fatalf("round trip:\n got %x\nwant %x", again, encoded)
		}
	}
}

func TestFuzzCreatePacket_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	attrs := []Attribute{AttAdc, AttSettings, AttPdPacket, AttQcPacket}

	for i := 0; i < rounds; i++ {
		id := uint8(rng.Intn(256))
		segments := make([]Segment, 1+rng.Intn(3))
		for j := range segments {
			segments[j] = Segment{
				Attribute: attrs[rng.Intn(len(attrs))],
				Chunk:     uint8(rng.Intn(64)),
				Payload:   randomBytes(rng, rng.Intn(64)),
			}
		}

		raw, err := CreatePutData(id, segments...)
		if err != nil {
			t.Fatalf("CreatePutData() error: %v", err)
		}
		p, err := ParseRawPacket(raw)
		if err != nil {
			t.Fatalf("ParseRawPacket(%x) error: %v", raw, err)
		}
		if p.ID() != id || len(p.Segments()) != len(segments) {
			t.Fatalf("round trip id=%d segments=%d, want %d/%d", p.ID(), len(p.Segments()), id, len(segments))
		}
		for j, seg := range p.Segments() {
			if seg.Attribute != segments[j].Attribute || seg.Chunk != segments[j].Chunk ||
				!bytes.Equal(seg.Payload, segments[j].Payload) {
				t.Fatalf("segment %d = %+v, want %+v", j, seg, segments[j])
			}
		}
		if !bytes.Equal(p.Bytes(), raw) {
			t.Fatalf("Bytes() = %x, want %x", p.Bytes(), raw)
		}
	}
}
