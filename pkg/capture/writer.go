// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/Thermoquad/kmstat/pkg/km003c"
)

// snapLen covers the largest KM003C transfer plus the usbmon header
const snapLen = 65535

// Writer records transfers as a usbmon pcap readable by Wireshark and Reader
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	bus    uint16
	device uint8
	nextID uint64
}

// NewWriter writes the pcap file header and returns a writer that tags every
// record with the given bus and device address
func NewWriter(w io.Writer, bus uint16, device uint8) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeLinuxUSB); err != nil {
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	return &Writer{w: pw, bus: bus, device: device, nextID: 1}, nil
}

// WriteTransfer records one bulk transfer. OUT transfers are written as URB
// submissions and IN transfers as completions, matching what usbmon records
// for data-carrying bulk URBs.
func (w *Writer) WriteTransfer(t Transfer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	urb := &USBMon{HeaderLen: usbmonHeaderLen}
	urb.ID = w.nextID
	w.nextID++
	urb.TransferType = layers.USBTransportTypeBulk
	urb.BusID = w.bus
	urb.DeviceAddress = w.device
	urb.TimestampSec = t.Time.Unix()
	urb.TimestampUsec = int32(t.Time.Nanosecond() / 1000)

	if t.Direction == DeviceToHost {
		urb.EventType = layers.USBEventTypeComplete
		urb.EndpointAddress = km003c.EndpointBulkIn
	} else {
		urb.EventType = layers.USBEventTypeSubmit
		urb.EndpointAddress = km003c.EndpointBulkOut
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, urb, gopacket.Payload(t.Data)); err != nil {
		return fmt.Errorf("serializing transfer: %w", err)
	}

	data := buf.Bytes()
	ci := gopacket.CaptureInfo{
		Timestamp:     t.Time,
		CaptureLength: len(data),
		Length:        len(data),
	}
	return w.w.WritePacket(ci, data)
}

// WritePacket records a KM003C packet built from its header and payload. The
// header word count is derived from the payload.
func (w *Writer) WritePacket(t Transfer, header km003c.Header, payload []byte) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	k := &KM003C{Header: header}
	if err := gopacket.SerializeLayers(buf, opts, k, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serializing packet: %w", err)
	}
	t.Data = buf.Bytes()
	return w.WriteTransfer(t)
}

// WriteDeviceDescriptor records the completion of a GET_DESCRIPTOR(DEVICE)
// control transfer naming the KM003C, so Reader auto-detection can find the
// device in the recording
func (w *Writer) WriteDeviceDescriptor(t Transfer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	desc := make([]byte, 18)
	desc[0] = 18   // bLength
	desc[1] = 0x01 // DEVICE
	binary.LittleEndian.PutUint16(desc[2:4], 0x0200)
	desc[7] = km003c.MaxUSBPacketSize
	binary.LittleEndian.PutUint16(desc[8:10], km003c.VendorID)
	binary.LittleEndian.PutUint16(desc[10:12], km003c.ProductID)
	desc[17] = 1

	urb := &USBMon{HeaderLen: usbmonHeaderLen, EndpointAddress: 0x80}
	urb.ID = w.nextID
	w.nextID++
	urb.EventType = layers.USBEventTypeComplete
	urb.TransferType = layers.USBTransportTypeControl
	urb.BusID = w.bus
	urb.DeviceAddress = w.device
	urb.TimestampSec = t.Time.Unix()
	urb.TimestampUsec = int32(t.Time.Nanosecond() / 1000)

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, urb, gopacket.Payload(desc)); err != nil {
		return fmt.Errorf("serializing descriptor: %w", err)
	}
	data := buf.Bytes()
	return w.w.WritePacket(gopacket.CaptureInfo{Timestamp: t.Time, CaptureLength: len(data), Length: len(data)}, data)
}
