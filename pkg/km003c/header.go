// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"encoding/binary"
	"fmt"
)

// Header is the 4-byte main header at the start of every transfer.
//
// Control packets use Attributes; data packets use ObjCountWords. The other
// field is zero.
type Header struct {
	Command       Command
	Reserved      bool
	ID            uint8
	Attributes    AttributeSet
	ObjCountWords uint16
}

// DecodeHeader reads the main header from the first 4 bytes of b.
// It does not check the command or attribute codes.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < MainHeaderSize {
		return Header{}, fmt.Errorf("need %d header bytes, have %d: %w", MainHeaderSize, len(b), ErrMalformedHeader)
	}

	h := Header{
		Command:  Command(b[0] & 0x7F),
		Reserved: b[0]&0x80 != 0,
		ID:       b[1],
	}

	word := binary.LittleEndian.Uint16(b[2:4])
	if h.Command.IsCtrl() {
		h.Attributes = AttributeSet(word >> 1)
	} else {
		h.ObjCountWords = word >> 6
	}
	return h, nil
}

// AppendTo appends the encoded header to dst
func (h Header) AppendTo(dst []byte) []byte {
	b0 := uint8(h.Command) & 0x7F
	if h.Reserved {
		b0 |= 0x80
	}

	var word uint16
	if h.Command.IsCtrl() {
		word = (uint16(h.Attributes) & MaxAttributeValue) << 1
	} else {
		word = (h.ObjCountWords & MaxObjCountWords) << 6
	}

	return binary.LittleEndian.AppendUint16(append(dst, b0, h.ID), word)
}

// Bytes returns the encoded header
func (h Header) Bytes() []byte {
	return h.AppendTo(make([]byte, 0, MainHeaderSize))
}

// ExtendedHeader prefixes every logical segment of a PutData packet
type ExtendedHeader struct {
	Attribute Attribute
	Next      bool
	Chunk     uint8
	Size      uint16
}

// DecodeExtendedHeader reads an extended header from the first 4 bytes of b
func DecodeExtendedHeader(b []byte) (ExtendedHeader, error) {
	if len(b) < ExtendedHeaderSize {
		return ExtendedHeader{}, fmt.Errorf("need %d extended header bytes, have %d: %w",
			ExtendedHeaderSize, len(b), ErrMalformedHeader)
	}

	v := binary.LittleEndian.Uint32(b[0:4])
	return ExtendedHeader{
		Attribute: Attribute(v & MaxAttributeValue),
		Next:      v&(1<<15) != 0,
		Chunk:     uint8((v >> 16) & 0x3F),
		Size:      uint16((v >> 22) & MaxSegmentSize),
	}, nil
}

// AppendTo appends the encoded extended header to dst
func (e ExtendedHeader) AppendTo(dst []byte) []byte {
	v := uint32(e.Attribute) & MaxAttributeValue
	if e.Next {
		v |= 1 << 15
	}
	v |= uint32(e.Chunk&0x3F) << 16
	v |= uint32(e.Size&MaxSegmentSize) << 22
	return binary.LittleEndian.AppendUint32(dst, v)
}
