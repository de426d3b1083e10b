// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture reads and writes Linux usbmon packet captures of KM003C
// traffic.
//
// Captures are decoded with gopacket: a usbmon layer carries the URB header
// and a KM003C layer carries the 4-byte protocol header of each bulk transfer.
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/Thermoquad/kmstat/pkg/km003c"
)

const (
	// USBMonLayerNum identifies the usbmon layer
	USBMonLayerNum = 1800
	// KM003CLayerNum identifies the KM003C layer
	KM003CLayerNum = 1801

	// LinkTypeLinuxUSBMmapped is DLT_USB_LINUX_MMAPPED
	LinkTypeLinuxUSBMmapped layers.LinkType = 220

	// usbmon header lengths per link type
	usbmonHeaderLen        = 48
	usbmonMmappedHeaderLen = 64
)

var (
	errIsochronous   = errors.New("isochronous URB")
	errShortURB      = errors.New("usbmon header too short")
	errUnsupportedLT = errors.New("unsupported link type")
)

// USBMon is a usbmon URB header. Field decoding is delegated to the gopacket
// USB layer; the header length depends on the capture link type.
type USBMon struct {
	layers.USB
	// EndpointAddress is the raw endpoint byte, direction bit included
	EndpointAddress uint8
	HeaderLen       int
}

var LayerTypeUSBMon = gopacket.RegisterLayerType(USBMonLayerNum,
	gopacket.LayerTypeMetadata{Name: "USBMon", Decoder: gopacket.DecodeFunc(decodeUSBMon)})

// LayerType returns LayerTypeUSBMon
func (u *USBMon) LayerType() gopacket.LayerType {
	return LayerTypeUSBMon
}

// CanDecode returns LayerTypeUSBMon
func (u *USBMon) CanDecode() gopacket.LayerClass {
	return LayerTypeUSBMon
}

// In reports whether the endpoint direction is device-to-host
func (u *USBMon) In() bool {
	return u.EndpointAddress&0x80 != 0
}

// DecodeFromBytes decodes a usbmon header of u.HeaderLen bytes
func (u *USBMon) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if u.HeaderLen == 0 {
		u.HeaderLen = usbmonHeaderLen
	}
	if len(data) < u.HeaderLen {
		df.SetTruncated()
		return fmt.Errorf("%w: %d bytes", errShortURB, len(data))
	}
	// The isochronous layout reads past the fixed header
	if layers.USBTransportType(data[9]) == layers.USBTransportTypeIsochronous {
		return errIsochronous
	}
	if err := u.USB.DecodeFromBytes(data[:u.HeaderLen], df); err != nil {
		return err
	}

	u.EndpointAddress = data[10]

	payload := data[u.HeaderLen:]
	if captured := int(u.UrbDataLength); captured < len(payload) {
		payload = payload[:captured]
	}
	u.Contents = data[:u.HeaderLen]
	u.Payload = payload
	return nil
}

// NextLayerType returns LayerTypeKM003C for bulk transfers carrying data
func (u *USBMon) NextLayerType() gopacket.LayerType {
	if u.TransferType == layers.USBTransportTypeBulk && len(u.Payload) >= km003c.MainHeaderSize {
		return LayerTypeKM003C
	}
	return gopacket.LayerTypePayload
}

// SerializeTo writes a usbmon header for the current payload
func (u *USBMon) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if u.HeaderLen == 0 {
		u.HeaderLen = usbmonHeaderLen
	}
	dataLen := len(b.Bytes())
	header, err := b.PrependBytes(u.HeaderLen)
	if err != nil {
		return err
	}
	for i := range header {
		header[i] = 0
	}

	if opts.FixLengths {
		u.UrbLength = uint32(dataLen)
		u.UrbDataLength = uint32(dataLen)
	}

	le := binary.LittleEndian
	le.PutUint64(header[0:8], u.ID)
	header[8] = byte(u.EventType)
	header[9] = byte(u.TransferType)
	header[10] = u.EndpointAddress
	header[11] = u.DeviceAddress
	le.PutUint16(header[12:14], u.BusID)
	header[14] = '-'
	if dataLen == 0 {
		header[15] = '<'
		if u.In() {
			header[15] = '>'
		}
	}
	le.PutUint64(header[16:24], uint64(u.TimestampSec))
	le.PutUint32(header[24:28], uint32(u.TimestampUsec))
	le.PutUint32(header[28:32], uint32(u.Status))
	le.PutUint32(header[32:36], u.UrbLength)
	le.PutUint32(header[36:40], u.UrbDataLength)
	return nil
}

func decodeUSBMon(data []byte, p gopacket.PacketBuilder) error {
	return decodeUSBMonWithHeader(data, p, usbmonHeaderLen)
}

func decodeUSBMonMmapped(data []byte, p gopacket.PacketBuilder) error {
	return decodeUSBMonWithHeader(data, p, usbmonMmappedHeaderLen)
}

func decodeUSBMonWithHeader(data []byte, p gopacket.PacketBuilder, headerLen int) error {
	u := &USBMon{HeaderLen: headerLen}
	if err := u.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(u)
	if len(u.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(u.NextLayerType())
}

// decoderForLinkType picks the usbmon decoder matching a capture link type
func decoderForLinkType(lt layers.LinkType) (gopacket.Decoder, error) {
	switch lt {
	case layers.LinkTypeLinuxUSB:
		return gopacket.DecodeFunc(decodeUSBMon), nil
	case LinkTypeLinuxUSBMmapped:
		return gopacket.DecodeFunc(decodeUSBMonMmapped), nil
	}
	return nil, fmt.Errorf("%w: %d", errUnsupportedLT, lt)
}

// KM003C is the protocol header of a bulk transfer
type KM003C struct {
	layers.BaseLayer
	km003c.Header
}

var LayerTypeKM003C = gopacket.RegisterLayerType(KM003CLayerNum,
	gopacket.LayerTypeMetadata{Name: "KM003C", Decoder: gopacket.DecodeFunc(decodeKM003C)})

// LayerType returns LayerTypeKM003C
func (k *KM003C) LayerType() gopacket.LayerType {
	return LayerTypeKM003C
}

// CanDecode returns LayerTypeKM003C
func (k *KM003C) CanDecode() gopacket.LayerClass {
	return LayerTypeKM003C
}

// NextLayerType returns the payload layer
func (k *KM003C) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypePayload
}

// DecodeFromBytes decodes the main header
func (k *KM003C) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	h, err := km003c.DecodeHeader(data)
	if err != nil {
		df.SetTruncated()
		return err
	}
	k.Header = h
	k.BaseLayer = layers.BaseLayer{
		Contents: data[:km003c.MainHeaderSize],
		Payload:  data[km003c.MainHeaderSize:],
	}
	return nil
}

// SerializeTo prepends the main header. With FixLengths the data header word
// count is derived from the payload.
func (k *KM003C) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	payloadLen := len(b.Bytes())
	if opts.FixLengths && !k.Command.IsCtrl() {
		words := (payloadLen + 3) / 4
		if words > km003c.MaxObjCountWords {
			words = km003c.MaxObjCountWords
		}
		k.ObjCountWords = uint16(words)
	}
	header, err := b.PrependBytes(km003c.MainHeaderSize)
	if err != nil {
		return err
	}
	copy(header, k.Header.Bytes())
	return nil
}

func decodeKM003C(data []byte, p gopacket.PacketBuilder) error {
	k := &KM003C{}
	if err := k.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(k)
	return p.NextDecoder(k.NextLayerType())
}
