// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"fmt"
)

// Segment is one logical packet inside a PutData transfer
type Segment struct {
	Attribute Attribute
	Next      bool
	Chunk     uint8
	// Size is the declared size from the extended header. For a trailing
	// AdcQueue segment it is the per-sample width, not the payload length.
	Size    uint16
	Payload []byte
}

// Packet is a framed KM003C transfer
type Packet struct {
	header   Header
	segments []Segment
	payload  []byte // everything after the main header
}

// Command returns the packet type
func (p *Packet) Command() Command {
	return p.header.Command
}

// ID returns the transaction id
func (p *Packet) ID() uint8 {
	return p.header.ID
}

// Header returns the main header
func (p *Packet) Header() Header {
	return p.header
}

// IsCtrl reports whether this is a control packet
func (p *Packet) IsCtrl() bool {
	return p.header.Command.IsCtrl()
}

// Attribute returns the packet attribute: the header attribute for control
// packets, or the first segment's attribute for PutData.
func (p *Packet) Attribute() Attribute {
	if p.IsCtrl() {
		return Attribute(p.header.Attributes)
	}
	if len(p.segments) > 0 {
		return p.segments[0].Attribute
	}
	return AttNone
}

// Attributes returns every attribute the packet carries
func (p *Packet) Attributes() AttributeSet {
	if p.IsCtrl() {
		return p.header.Attributes
	}
	var s AttributeSet
	for _, seg := range p.segments {
		s = s.With(seg.Attribute)
	}
	return s
}

// Payload returns the logical payload: the bytes after the header, or the
// first segment's payload for PutData.
func (p *Packet) Payload() []byte {
	if p.header.Command == CmdPutData {
		if len(p.segments) == 0 {
			return nil
		}
		return p.segments[0].Payload
	}
	return p.payload
}

// RawPayload returns every byte after the main header
func (p *Packet) RawPayload() []byte {
	return p.payload
}

// Segments returns the logical segments of a PutData packet
func (p *Packet) Segments() []Segment {
	return p.segments
}

// Segment returns the first segment with the given attribute
func (p *Packet) Segment(attr Attribute) (Segment, bool) {
	for _, seg := range p.segments {
		if seg.Attribute == attr {
			return seg, true
		}
	}
	return Segment{}, false
}

// IsEmptyResponse reports whether this is a PutData carrying no data
func (p *Packet) IsEmptyResponse() bool {
	return p.header.Command == CmdPutData && len(p.segments) == 0
}

// Length returns the encoded length in bytes
func (p *Packet) Length() int {
	return MainHeaderSize + len(p.payload)
}

// Bytes re-encodes the packet
func (p *Packet) Bytes() []byte {
	return append(p.header.Bytes(), p.payload...)
}

// ValidateCorrelation checks that every segment of a response was asked for
// by a GetData with the given attribute mask. An empty response always
// correlates.
func (p *Packet) ValidateCorrelation(request AttributeSet) error {
	for _, seg := range p.segments {
		if !request.Contains(seg.Attribute) {
			return fmt.Errorf("segment %s not in request %s: %w", seg.Attribute, request, ErrCorrelationMismatch)
		}
	}
	return nil
}

// ParseRawPacket frames a transfer. The returned packet owns copies of all
// payload bytes.
func ParseRawPacket(b []byte) (*Packet, error) {
	header, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	if !header.Command.Valid() {
		return nil, fmt.Errorf("packet type 0x%02X: %w", uint8(header.Command), ErrUnknownCommand)
	}
	if header.Command.IsCtrl() && !header.Attributes.Known() {
		return nil, fmt.Errorf("attribute mask 0x%04X: %w", uint16(header.Attributes), ErrUnknownAttribute)
	}

	p := &Packet{
		header:  header,
		payload: append([]byte(nil), b[MainHeaderSize:]...),
	}

	if header.Command == CmdPutData && header.ObjCountWords != 0 && len(p.payload) > 0 {
		p.segments, err = parseSegments(p.payload)
		if err != nil {
			return nil, err
		}
	}
	return p, nil
}

// parseSegments walks the extended-header chain of a PutData payload.
// Segment payloads are subslices of data, which the caller already owns.
func parseSegments(data []byte) ([]Segment, error) {
	segments := []Segment{}
	offset := 0

	for {
		ext, err := DecodeExtendedHeader(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("segment %d at offset %d: %w", len(segments), offset, err)
		}
		if !ext.Attribute.Valid() || ext.Attribute == AttNone {
			return nil, fmt.Errorf("segment %d attribute 0x%04X: %w", len(segments), uint16(ext.Attribute), ErrUnknownAttribute)
		}
		offset += ExtendedHeaderSize
		remaining := len(data) - offset

		var size int
		switch {
		case !ext.Next && (ext.Attribute == AttAdcQueue || ext.Attribute == AttAdcQueue10K):
			// Queue segments declare the sample width and run to the end
			size = remaining
		case int(ext.Size) > remaining:
			return nil, fmt.Errorf("segment %d declares %d bytes, %d remain: %w",
				len(segments), ext.Size, remaining, ErrLengthMismatch)
		default:
			size = int(ext.Size)
		}

		segments = append(segments, Segment{
			Attribute: ext.Attribute,
			Next:      ext.Next,
			Chunk:     ext.Chunk,
			Size:      ext.Size,
			Payload:   data[offset : offset+size : offset+size],
		})
		offset += size

		if !ext.Next {
			break
		}
	}

	if offset != len(data) {
		return nil, fmt.Errorf("%d bytes after final segment: %w", len(data)-offset, ErrLengthMismatch)
	}
	return segments, nil
}

// objCountWords is the word count written into data headers
func objCountWords(payloadLen int) uint16 {
	words := (payloadLen + 3) / 4
	if words > MaxObjCountWords {
		words = MaxObjCountWords
	}
	return uint16(words)
}

// CreatePacket encodes a single packet.
//
// Control commands carry attr in the header and payload verbatim. PutData
// wraps a non-empty payload in one extended header. Other data commands
// carry payload verbatim and take no attribute.
func CreatePacket(cmd Command, attr Attribute, id uint8, payload []byte) ([]byte, error) {
	if !cmd.Valid() {
		return nil, fmt.Errorf("packet type 0x%02X: %w", uint8(cmd), ErrUnknownCommand)
	}
	if uint16(attr) > MaxAttributeValue {
		return nil, fmt.Errorf("attribute 0x%04X exceeds 15 bits: %w", uint16(attr), ErrPayloadTooLarge)
	}
	if len(payload) > MaxSegmentSize {
		return nil, fmt.Errorf("payload %d bytes exceeds %d: %w", len(payload), MaxSegmentSize, ErrPayloadTooLarge)
	}

	if cmd.IsCtrl() {
		if !AttributeSet(attr).Known() {
			return nil, fmt.Errorf("attribute mask 0x%04X: %w", uint16(attr), ErrUnknownAttribute)
		}
		h := Header{Command: cmd, ID: id, Attributes: AttributeSet(attr)}
		return append(h.Bytes(), payload...), nil
	}

	if cmd == CmdPutData && len(payload) > 0 {
		return CreatePutData(id, Segment{Attribute: attr, Payload: payload})
	}

	// Data headers have no attribute field; an empty PutData has no segment
	// to carry one.
	if attr != AttNone {
		return nil, fmt.Errorf("%s without payload segment cannot carry %s: %w", cmd, attr, ErrInvalidAttributeForCommand)
	}
	if cmd == CmdPutData {
		return Header{Command: cmd, ID: id}.Bytes(), nil
	}

	h := Header{Command: cmd, ID: id, ObjCountWords: objCountWords(len(payload))}
	return append(h.Bytes(), payload...), nil
}

// CreatePutData encodes a PutData packet with chained segments. Next flags and
// sizes are derived from the segment list; a trailing queue segment keeps its
// declared Size when set.
func CreatePutData(id uint8, segments ...Segment) ([]byte, error) {
	body := []byte{}
	for i, seg := range segments {
		if !seg.Attribute.Valid() || seg.Attribute == AttNone {
			return nil, fmt.Errorf("segment %d attribute 0x%04X: %w", i, uint16(seg.Attribute), ErrUnknownAttribute)
		}
		last := i == len(segments)-1
		size := len(seg.Payload)
		isQueue := seg.Attribute == AttAdcQueue || seg.Attribute == AttAdcQueue10K
		if last && isQueue && seg.Size != 0 {
			size = int(seg.Size)
		}
		if size > MaxSegmentSize {
			return nil, fmt.Errorf("segment %d is %d bytes, max %d: %w", i, size, MaxSegmentSize, ErrPayloadTooLarge)
		}

		ext := ExtendedHeader{
			Attribute: seg.Attribute,
			Next:      !last,
			Chunk:     seg.Chunk,
			Size:      uint16(size),
		}
		body = ext.AppendTo(body)
		body = append(body, seg.Payload...)
	}

	h := Header{Command: CmdPutData, ID: id, ObjCountWords: objCountWords(len(body))}
	return append(h.Bytes(), body...), nil
}
