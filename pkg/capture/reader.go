// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/Thermoquad/kmstat/pkg/km003c"
)

// pcapng section header block type
var pcapngMagic = []byte{0x0A, 0x0D, 0x0D, 0x0A}

// Direction is the flow of a bulk transfer
type Direction int

const (
	HostToDevice Direction = iota
	DeviceToHost
)

func (d Direction) String() string {
	if d == DeviceToHost {
		return "IN"
	}
	return "OUT"
}

// Transfer is one completed bulk transfer to or from the meter
type Transfer struct {
	// Index is the position of the record in the capture file
	Index     int
	Time      time.Time
	URBID     uint64
	Direction Direction
	Endpoint  uint8
	Bus       uint16
	Device    uint8
	// Header is the KM003C main header, nil when the transfer is shorter
	Header *km003c.Header
	Data   []byte
}

// NewTransfer describes a live transfer, such as one sent over a bridge, so
// it can be recorded or paired like a captured one
func NewTransfer(dir Direction, ts time.Time, data []byte) Transfer {
	t := Transfer{
		Time:      ts,
		Direction: dir,
		Endpoint:  km003c.EndpointBulkOut,
		Data:      append([]byte(nil), data...),
	}
	if dir == DeviceToHost {
		t.Endpoint = km003c.EndpointBulkIn
	}
	if h, err := km003c.DecodeHeader(data); err == nil {
		t.Header = &h
	}
	return t
}

// Filter selects which device's traffic a Reader returns. Zero fields match
// any value.
type Filter struct {
	Bus    uint16
	Device uint8
	// AutoDetect locks onto the first device whose descriptor reports the
	// KM003C vendor and product id
	AutoDetect bool
}

// Reader extracts KM003C bulk transfers from a pcap or pcapng capture
type Reader struct {
	source   *gopacket.PacketSource
	linkType layers.LinkType
	filter   Filter
	index    int
	closer   io.Closer
}

type packetDataSource interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// NewReader detects the capture format and prepares a reader
func NewReader(r io.Reader, filter Filter) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("reading capture magic: %w", err)
	}

	var src packetDataSource
	if bytes.Equal(magic, pcapngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("opening capture: %w", err)
	}

	decoder, err := decoderForLinkType(src.LinkType())
	if err != nil {
		return nil, err
	}

	source := gopacket.NewPacketSource(src, decoder)
	source.DecodeOptions = gopacket.DecodeOptions{NoCopy: true}

	return &Reader{
		source:   source,
		linkType: src.LinkType(),
		filter:   filter,
	}, nil
}

// Open opens a capture file. Close releases it.
func Open(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f, filter)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Close closes the underlying file when the reader was created by Open
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// LinkType returns the capture link type
func (r *Reader) LinkType() layers.LinkType {
	return r.linkType
}

// Filter returns the active device filter. After auto-detection it names the
// detected bus and device.
func (r *Reader) Filter() Filter {
	return r.filter
}

// Next returns the next KM003C bulk transfer, or io.EOF at the end of the
// capture. Records that are not bulk transfers on the vendor endpoints are
// skipped.
func (r *Reader) Next() (Transfer, error) {
	for {
		packet, err := r.source.NextPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Transfer{}, io.EOF
			}
			return Transfer{}, fmt.Errorf("record %d: %w", r.index, err)
		}
		index := r.index
		r.index++

		layer := packet.Layer(LayerTypeUSBMon)
		if layer == nil {
			continue
		}
		urb := layer.(*USBMon)

		if r.filter.AutoDetect {
			r.detect(urb)
		}
		if !r.matches(urb) {
			continue
		}

		t := Transfer{
			Index:    index,
			Time:     packet.Metadata().Timestamp,
			URBID:    urb.ID,
			Endpoint: urb.EndpointAddress,
			Bus:      urb.BusID,
			Device:   urb.DeviceAddress,
			Data:     append([]byte(nil), urb.Payload...),
		}
		if urb.In() {
			t.Direction = DeviceToHost
		}
		if k, ok := packet.Layer(LayerTypeKM003C).(*KM003C); ok {
			h := k.Header
			t.Header = &h
		}
		return t, nil
	}
}

// ReadAll returns every remaining transfer
func (r *Reader) ReadAll() ([]Transfer, error) {
	transfers := []Transfer{}
	for {
		t, err := r.Next()
		if errors.Is(err, io.EOF) {
			return transfers, nil
		}
		if err != nil {
			return transfers, err
		}
		transfers = append(transfers, t)
	}
}

// matches keeps data-carrying bulk URBs on the vendor endpoints: OUT data
// appears at submit, IN data at completion.
func (r *Reader) matches(urb *USBMon) bool {
	if urb.TransferType != layers.USBTransportTypeBulk || len(urb.Payload) == 0 {
		return false
	}
	if r.filter.Bus != 0 && urb.BusID != r.filter.Bus {
		return false
	}
	if r.filter.Device != 0 && urb.DeviceAddress != r.filter.Device {
		return false
	}

	switch urb.EndpointAddress {
	case km003c.EndpointBulkOut:
		return urb.EventType == layers.USBEventTypeSubmit
	case km003c.EndpointBulkIn:
		return urb.EventType == layers.USBEventTypeComplete
	}
	return false
}

// detect looks for a device descriptor completion naming the KM003C
func (r *Reader) detect(urb *USBMon) {
	if urb.TransferType != layers.USBTransportTypeControl || urb.EventType != layers.USBEventTypeComplete {
		return
	}
	d := urb.Payload
	// bLength 18, bDescriptorType DEVICE
	if len(d) < 12 || d[0] != 18 || d[1] != 0x01 {
		return
	}
	vid := binary.LittleEndian.Uint16(d[8:10])
	pid := binary.LittleEndian.Uint16(d[10:12])
	if vid == km003c.VendorID && pid == km003c.ProductID {
		r.filter.Bus = urb.BusID
		r.filter.Device = urb.DeviceAddress
		r.filter.AutoDetect = false
	}
}
