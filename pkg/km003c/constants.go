// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package km003c implements the ChargerLAB KM003C USB protocol codec.
//
// The KM003C is a USB-C power meter. Every USB transfer starts with a 4-byte
// header carrying the packet type and a transaction id. Control packets
// (type < 0x40) carry an attribute mask in the header. Data packets carry a
// chain of logical segments, each prefixed by a 4-byte extended header.
//
// All functions in this package are pure transforms between byte slices and
// typed values. Decoded values never alias the caller's buffer.
package km003c

import (
	"fmt"
	"math/bits"
	"strings"
	"time"
)

// USB identity and endpoints
const (
	VendorID  = 0x5FC9
	ProductID = 0x0063

	// Vendor bulk interface
	InterfaceVendor = 0
	EndpointBulkOut = 0x01
	EndpointBulkIn  = 0x81

	// HID interface
	InterfaceHID   = 3
	EndpointHIDOut = 0x05
	EndpointHIDIn  = 0x85

	MaxUSBPacketSize = 64

	DefaultTimeout = 2 * time.Second
)

// Wire sizes
const (
	MainHeaderSize     = 4
	ExtendedHeaderSize = 4
	AdcDataSize        = 44
	PdPreambleSize     = 12
	PdStatusSize       = 12
	PdEventHeaderSize  = 6

	// MaxSegmentSize is the capacity of the 10-bit extended header size field
	MaxSegmentSize = 0x3FF
	// MaxAttributeValue is the capacity of the 15-bit attribute field
	MaxAttributeValue = 0x7FFF
	// MaxObjCountWords is the capacity of the 10-bit data header count field
	MaxObjCountWords = 0x3FF
)

// PD event stream constants
const (
	PdEventTypeConnection  = 0x45
	PdConnectionConnect    = 0x11
	PdConnectionDisconnect = 0x12
	PdEventSizeMask        = 0x3F
	PdEventSizeOffset      = 5
	PdMessageFlagMin       = 0x80
	PdMessageFlagMax       = 0x9F
)

// Command is the 7-bit packet type carried in byte 0 of every transfer
type Command uint8

const (
	CmdSync          Command = 0x01
	CmdConnect       Command = 0x02
	CmdDisconnect    Command = 0x03
	CmdReset         Command = 0x04
	CmdAccept        Command = 0x05
	CmdRejected      Command = 0x06
	CmdFinished      Command = 0x07
	CmdJumpAprom     Command = 0x08
	CmdJumpDfu       Command = 0x09
	CmdGetStatus     Command = 0x0A
	CmdError         Command = 0x0B
	CmdGetData       Command = 0x0C
	CmdGetFile       Command = 0x0D
	CmdStartGraph    Command = 0x0E
	CmdStopGraph     Command = 0x0F
	CmdHead          Command = 0x40
	CmdPutData       Command = 0x41
	CmdMemoryRead    Command = 0x44
	CmdStreamingAuth Command = 0x4C
)

// IsCtrl reports whether the command uses the control header layout
func (c Command) IsCtrl() bool {
	return c < 0x40
}

// Valid reports whether c is a known packet type
func (c Command) Valid() bool {
	switch c {
	case CmdSync, CmdConnect, CmdDisconnect, CmdReset, CmdAccept, CmdRejected,
		CmdFinished, CmdJumpAprom, CmdJumpDfu, CmdGetStatus, CmdError, CmdGetData,
		CmdGetFile, CmdStartGraph, CmdStopGraph, CmdHead, CmdPutData,
		CmdMemoryRead, CmdStreamingAuth:
		return true
	}
	return false
}

func (c Command) String() string {
	switch c {
	case CmdSync:
		return "SYNC"
	case CmdConnect:
		return "CONNECT"
	case CmdDisconnect:
		return "DISCONNECT"
	case CmdReset:
		return "RESET"
	case CmdAccept:
		return "ACCEPT"
	case CmdRejected:
		return "REJECTED"
	case CmdFinished:
		return "FINISHED"
	case CmdJumpAprom:
		return "JUMP_APROM"
	case CmdJumpDfu:
		return "JUMP_DFU"
	case CmdGetStatus:
		return "GET_STATUS"
	case CmdError:
		return "ERROR"
	case CmdGetData:
		return "GET_DATA"
	case CmdGetFile:
		return "GET_FILE"
	case CmdStartGraph:
		return "START_GRAPH"
	case CmdStopGraph:
		return "STOP_GRAPH"
	case CmdHead:
		return "HEAD"
	case CmdPutData:
		return "PUT_DATA"
	case CmdMemoryRead:
		return "MEMORY_READ"
	case CmdStreamingAuth:
		return "STREAMING_AUTH"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(c))
	}
}

// Attribute selects a data kind. Attributes are single bits so a request can
// ask for several kinds at once (see AttributeSet).
type Attribute uint16

const (
	AttNone        Attribute = 0x0000
	AttAdc         Attribute = 0x0001
	AttAdcQueue    Attribute = 0x0002
	AttAdcQueue10K Attribute = 0x0004
	AttSettings    Attribute = 0x0008
	AttPdPacket    Attribute = 0x0010
	AttPdStatus    Attribute = 0x0020
	AttQcPacket    Attribute = 0x0040
)

// knownAttributeMask has every defined attribute bit set
const knownAttributeMask = uint16(AttAdc | AttAdcQueue | AttAdcQueue10K | AttSettings |
	AttPdPacket | AttPdStatus | AttQcPacket)

// dataAttributeMask lists the kinds GetData may request
const dataAttributeMask = uint16(AttAdc | AttAdcQueue | AttAdcQueue10K | AttSettings | AttPdPacket)

// Valid reports whether a is AttNone or exactly one known attribute bit
func (a Attribute) Valid() bool {
	return a == AttNone || (bits.OnesCount16(uint16(a)) == 1 && uint16(a)&^knownAttributeMask == 0)
}

func (a Attribute) String() string {
	switch a {
	case AttNone:
		return "NONE"
	case AttAdc:
		return "ADC"
	case AttAdcQueue:
		return "ADC_QUEUE"
	case AttAdcQueue10K:
		return "ADC_QUEUE_10K"
	case AttSettings:
		return "SETTINGS"
	case AttPdPacket:
		return "PD_PACKET"
	case AttPdStatus:
		return "PD_STATUS"
	case AttQcPacket:
		return "QC_PACKET"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04X)", uint16(a))
	}
}

// AttributeSet is a bitmask of attributes, as carried by GetData requests
type AttributeSet uint16

// NewAttributeSet builds a set from individual attributes
func NewAttributeSet(attrs ...Attribute) AttributeSet {
	var s AttributeSet
	for _, a := range attrs {
		s = s.With(a)
	}
	return s
}

// With returns s with a added
func (s AttributeSet) With(a Attribute) AttributeSet {
	return s | AttributeSet(a)
}

// Without returns s with a removed
func (s AttributeSet) Without(a Attribute) AttributeSet {
	return s &^ AttributeSet(a)
}

// Contains reports whether every bit of a is in s
func (s AttributeSet) Contains(a Attribute) bool {
	return a != AttNone && s&AttributeSet(a) == AttributeSet(a)
}

// Len returns the number of attributes in the set
func (s AttributeSet) Len() int {
	return bits.OnesCount16(uint16(s))
}

// IsEmpty reports whether the set has no attributes
func (s AttributeSet) IsEmpty() bool {
	return s == 0
}

// Known reports whether every bit of s is a defined attribute
func (s AttributeSet) Known() bool {
	return uint16(s)&^knownAttributeMask == 0
}

// Attributes returns the members of s in ascending bit order
func (s AttributeSet) Attributes() []Attribute {
	attrs := make([]Attribute, 0, s.Len())
	for i := 0; i < 16; i++ {
		bit := Attribute(1 << i)
		if s.Contains(bit) {
			attrs = append(attrs, bit)
		}
	}
	return attrs
}

func (s AttributeSet) String() string {
	if s.IsEmpty() {
		return AttNone.String()
	}
	names := []string{}
	for _, a := range s.Attributes() {
		names = append(names, a.String())
	}
	return strings.Join(names, "|")
}
