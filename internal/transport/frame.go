// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"errors"
	"fmt"
)

// Serial bridges forward each USB bulk transfer as one frame:
//
//	START | stuffed(transfer | CRC-16 big-endian) | END
//
// START, END and ESC inside the frame are sent as ESC followed by the byte
// XOR 0x20.
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20

	// MaxFrameSize bounds an unstuffed frame: a full PutData transfer plus CRC
	MaxFrameSize = 4096 + 2

	crcInitial    = 0xFFFF
	crcPolynomial = 0x1021
)

var (
	ErrFrameCRC      = errors.New("frame CRC mismatch")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrFrameShort    = errors.New("frame shorter than CRC")
)

// CalculateCRC computes the CRC-16-CCITT of data
func CalculateCRC(data []byte) uint16 {
	crc := uint16(crcInitial)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crcPolynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// EncodeFrame wraps one transfer for the serial bridge
func EncodeFrame(transfer []byte) ([]byte, error) {
	if len(transfer)+2 > MaxFrameSize {
		return nil, fmt.Errorf("%d byte transfer: %w", len(transfer), ErrFrameTooLarge)
	}
	crc := CalculateCRC(transfer)

	out := make([]byte, 0, len(transfer)*2+4)
	out = append(out, StartByte)
	out = stuff(out, transfer)
	out = stuff(out, []byte{byte(crc >> 8), byte(crc)})
	return append(out, EndByte), nil
}

func stuff(dst, data []byte) []byte {
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			dst = append(dst, EscByte, b^EscXor)
		} else {
			dst = append(dst, b)
		}
	}
	return dst
}

// FrameDecoder reassembles transfers from a serial byte stream. Bytes before
// the first START are discarded.
type FrameDecoder struct {
	inFrame    bool
	escapeNext bool
	buf        []byte
	skipped    int
}

// NewFrameDecoder creates a decoder waiting for a START byte
func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{buf: make([]byte, 0, 256)}
}

// Reset drops any partial frame
func (d *FrameDecoder) Reset() {
	d.inFrame = false
	d.escapeNext = false
	d.buf = d.buf[:0]
}

// Skipped returns the number of bytes seen outside a frame
func (d *FrameDecoder) Skipped() int {
	return d.skipped
}

// DecodeByte feeds one byte. It returns the transfer when b completes a valid
// frame, nil while a frame is incomplete, and an error for a bad frame.
func (d *FrameDecoder) DecodeByte(b byte) ([]byte, error) {
	switch {
	case b == StartByte:
		d.Reset()
		d.inFrame = true
		return nil, nil

	case !d.inFrame:
		d.skipped++
		return nil, nil

	case b == EndByte:
		defer d.Reset()
		if d.escapeNext || len(d.buf) < 2 {
			return nil, ErrFrameShort
		}
		n := len(d.buf) - 2
		got := uint16(d.buf[n])<<8 | uint16(d.buf[n+1])
		if want := CalculateCRC(d.buf[:n]); got != want {
			return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrFrameCRC, want, got)
		}
		out := make([]byte, n)
		copy(out, d.buf[:n])
		return out, nil

	case b == EscByte:
		d.escapeNext = true
		return nil, nil
	}

	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}
	if len(d.buf) >= MaxFrameSize {
		d.Reset()
		return nil, ErrFrameTooLarge
	}
	d.buf = append(d.buf, b)
	return nil, nil
}
