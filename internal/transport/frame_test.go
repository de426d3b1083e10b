// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"errors"
	"testing"
)

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"empty", nil, 0xFFFF},
		{"check string", []byte("123456789"), 0x29B1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateCRC(tt.data); got != tt.want {
				t.Errorf("CalculateCRC() = 0x%04X, want 0x%04X", got, tt.want)
			}
		})
	}
}

// ============================================================
// Framing Tests
// ============================================================

func decodeAll(t *testing.T, d *FrameDecoder, stream []byte) ([][]byte, []error) {
	t.Helper()
	var frames [][]byte
	var errs []error
	for _, b := range stream {
		f, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
	return frames, errs
}

func TestFrame_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		transfer []byte
	}{
		{"connect", []byte{0x02, 0x01, 0x00, 0x00}},
		{"special bytes", []byte{0x7E, 0x7F, 0x7D, 0x00, 0x7E}},
		{"long", bytes.Repeat([]byte{0x41, 0x7D}, 600)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeFrame(tt.transfer)
			if err != nil {
				t.Fatalf("EncodeFrame() error: %v", err)
			}
			if frame[0] != StartByte || frame[len(frame)-1] != EndByte {
				t.Errorf("frame delimiters = %02X..%02X", frame[0], frame[len(frame)-1])
			}
			if bytes.Contains(frame[1:len(frame)-1], []byte{StartByte}) {
				t.Error("unescaped START inside frame")
			}

			frames, errs := decodeAll(t, NewFrameDecoder(), frame)
			if len(errs) != 0 {
				t.Fatalf("decode errors: %v", errs)
			}
			if len(frames) != 1 || !bytes.Equal(frames[0], tt.transfer) {
				t.Errorf("decoded %x, want %x", frames, tt.transfer)
			}
		})
	}
}

func TestFrame_SkipsNoiseAndResyncs(t *testing.T) {
	a, _ := EncodeFrame([]byte{0x0C, 0x00, 0x02, 0x00})
	b, _ := EncodeFrame([]byte{0x05, 0x00, 0x00, 0x00})

	// noise, then a frame cut short by a new START, then two good frames
	stream := append([]byte{0x11, 0x22, 0x33}, a[:3]...)
	stream = append(stream, a...)
	stream = append(stream, b...)

	d := NewFrameDecoder()
	frames, errs := decodeAll(t, d, stream)
	if len(errs) != 0 {
		t.Errorf("errors = %v", errs)
	}
	if len(frames) != 2 || frames[1][0] != 0x05 {
		t.Errorf("frames = %x", frames)
	}
	if d.Skipped() != 3 {
		t.Errorf("Skipped() = %d, want 3", d.Skipped())
	}
}

func TestFrame_Errors(t *testing.T) {
	good, _ := EncodeFrame([]byte{0x01, 0x02, 0x03, 0x04})
	corrupt := append([]byte(nil), good...)
	corrupt[2] ^= 0x01

	tests := []struct {
		name   string
		stream []byte
		want   error
	}{
		{"crc", corrupt, ErrFrameCRC},
		{"short", []byte{StartByte, 0x01, EndByte}, ErrFrameShort},
		{"dangling escape", []byte{StartByte, 0x01, 0x02, EscByte, EndByte}, ErrFrameShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := decodeAll(t, NewFrameDecoder(), tt.stream)
			if len(errs) != 1 || !errors.Is(errs[0], tt.want) {
				t.Errorf("errors = %v, want %v", errs, tt.want)
			}
		})
	}
}

func TestFrame_TooLarge(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxFrameSize)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("EncodeFrame() error = %v, want ErrFrameTooLarge", err)
	}

	d := NewFrameDecoder()
	stream := append([]byte{StartByte}, make([]byte, MaxFrameSize+1)...)
	_, errs := decodeAll(t, d, stream)
	if len(errs) != 1 || !errors.Is(errs[0], ErrFrameTooLarge) {
		t.Errorf("errors = %v, want ErrFrameTooLarge", errs)
	}
}
