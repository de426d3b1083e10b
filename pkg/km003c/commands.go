// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Command builders validate the payload each command accepts and then
// encode with CreatePacket.

// BuildCommand checks cmd-specific rules for attr and payload and encodes the
// packet.
//   - SYNC, CONNECT, DISCONNECT, ACCEPT, REJECTED, STOP_GRAPH: no payload
//   - GET_DATA: a non-empty mask of ADC, ADC_QUEUE, ADC_QUEUE_10K, SETTINGS, PD_PACKET
//   - START_GRAPH: ADC_QUEUE or ADC_QUEUE_10K with a 2-byte rate code payload
func BuildCommand(cmd Command, attr AttributeSet, id uint8, payload []byte) ([]byte, error) {
	switch cmd {
	case CmdSync, CmdConnect, CmdDisconnect, CmdAccept, CmdRejected, CmdStopGraph:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%s takes no payload, got %d bytes: %w", cmd, len(payload), ErrUnexpectedPayload)
		}

	case CmdGetData:
		if attr.IsEmpty() || uint16(attr)&^dataAttributeMask != 0 {
			return nil, fmt.Errorf("%s cannot request %s: %w", cmd, attr, ErrInvalidAttributeForCommand)
		}
		if len(payload) != 0 {
			return nil, fmt.Errorf("%s takes no payload, got %d bytes: %w", cmd, len(payload), ErrUnexpectedPayload)
		}

	case CmdStartGraph:
		if attr != AttributeSet(AttAdcQueue) && attr != AttributeSet(AttAdcQueue10K) {
			return nil, fmt.Errorf("%s needs ADC_QUEUE or ADC_QUEUE_10K, got %s: %w", cmd, attr, ErrInvalidAttributeForCommand)
		}
		if len(payload) != 2 {
			return nil, fmt.Errorf("%s needs a 2-byte rate code, got %d bytes: %w", cmd, len(payload), ErrInvalidSampleRate)
		}
		code := binary.LittleEndian.Uint16(payload)
		if code > 0xFF {
			return nil, fmt.Errorf("rate code %d: %w", code, ErrInvalidSampleRate)
		}
		if _, err := ResolveSampleRate(uint8(code)); err != nil {
			return nil, fmt.Errorf("rate code %d: %w", code, ErrInvalidSampleRate)
		}
	}

	return CreatePacket(cmd, Attribute(attr), id, payload)
}

// mustBuild is used by builders whose inputs cannot fail validation
func mustBuild(cmd Command, id uint8) []byte {
	b, err := BuildCommand(cmd, 0, id, nil)
	if err != nil {
		panic(err)
	}
	return b
}

// NewSync creates a SYNC packet
func NewSync(id uint8) []byte {
	return mustBuild(CmdSync, id)
}

// NewConnect creates a CONNECT packet, the first request of a session
func NewConnect(id uint8) []byte {
	return mustBuild(CmdConnect, id)
}

// NewDisconnect creates a DISCONNECT packet
func NewDisconnect(id uint8) []byte {
	return mustBuild(CmdDisconnect, id)
}

// NewAccept creates an ACCEPT packet
func NewAccept(id uint8) []byte {
	return mustBuild(CmdAccept, id)
}

// NewReject creates a REJECTED packet
func NewReject(id uint8) []byte {
	return mustBuild(CmdRejected, id)
}

// NewStopGraph creates a STOP_GRAPH packet, ending AdcQueue streaming
func NewStopGraph(id uint8) []byte {
	return mustBuild(CmdStopGraph, id)
}

// NewGetData creates a GET_DATA request for one or more attributes.
// The device answers with a PUT_DATA carrying one segment per attribute.
func NewGetData(id uint8, attrs ...Attribute) ([]byte, error) {
	return BuildCommand(CmdGetData, NewAttributeSet(attrs...), id, nil)
}

// NewStartGraph creates a START_GRAPH packet for the given queue variant and
// sample rate code.
func NewStartGraph(id uint8, variant QueueVariant, rateCode uint8) ([]byte, error) {
	payload := binary.LittleEndian.AppendUint16(nil, uint16(rateCode))
	return BuildCommand(CmdStartGraph, AttributeSet(variant.Attribute()), id, payload)
}

// PacketBuilder hands out transaction ids for a session. The id wraps at 255
// and only advances when a packet is built.
type PacketBuilder struct {
	mu   sync.Mutex
	next uint8
}

// NewPacketBuilder returns a builder whose first packet uses id start
func NewPacketBuilder(start uint8) *PacketBuilder {
	return &PacketBuilder{next: start}
}

// Build validates and encodes a packet with the next transaction id
func (b *PacketBuilder) Build(cmd Command, attr AttributeSet, payload []byte) ([]byte, uint8, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	pkt, err := BuildCommand(cmd, attr, id, payload)
	if err != nil {
		return nil, 0, err
	}
	b.next++
	return pkt, id, nil
}

// GetData builds a GET_DATA request for attrs
func (b *PacketBuilder) GetData(attrs ...Attribute) ([]byte, uint8, error) {
	return b.Build(CmdGetData, NewAttributeSet(attrs...), nil)
}

// StartGraph builds a START_GRAPH request
func (b *PacketBuilder) StartGraph(variant QueueVariant, rateCode uint8) ([]byte, uint8, error) {
	payload := binary.LittleEndian.AppendUint16(nil, uint16(rateCode))
	return b.Build(CmdStartGraph, AttributeSet(variant.Attribute()), payload)
}

// Simple builds a command that carries neither attribute nor payload
func (b *PacketBuilder) Simple(cmd Command) ([]byte, uint8, error) {
	return b.Build(cmd, 0, nil)
}

// MemoryRead builds a MEMORY_READ request for size bytes at address
func (b *PacketBuilder) MemoryRead(address, size uint32) ([]byte, uint8) {
	id := b.take()
	return BuildMemoryReadPacket(id, address, size), id
}

// StreamingAuth builds a STREAMING_AUTH request for hw
func (b *PacketBuilder) StreamingAuth(hw HardwareID, now time.Time) ([]byte, uint8) {
	id := b.take()
	return BuildStreamingAuthPacket(id, hw, now), id
}

func (b *PacketBuilder) take() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	return id
}
