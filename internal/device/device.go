// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package device runs request/response exchanges with a KM003C over a
// transport. It owns the transaction id counter and the per-request timeout.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Thermoquad/kmstat/internal/logging"
	"github.com/Thermoquad/kmstat/internal/transport"
	"github.com/Thermoquad/kmstat/pkg/capture"
	"github.com/Thermoquad/kmstat/pkg/km003c"
)

var (
	// ErrRejected is returned when the meter answers REJECTED
	ErrRejected = errors.New("request rejected by device")
	// ErrUnexpectedResponse is returned for a response of the wrong type
	ErrUnexpectedResponse = errors.New("unexpected response")
	// ErrAuthDenied is returned when STREAMING_AUTH does not grant AdcQueue access
	ErrAuthDenied = errors.New("streaming auth denied")
)

// Observer sees every transfer of the session in order
type Observer func(capture.Transfer)

// Device is one session with a meter
type Device struct {
	t        transport.Transport
	builder  *km003c.PacketBuilder
	timeout  time.Duration
	observer Observer
	clock    func() time.Time
	log      *slog.Logger

	// Stale counts responses discarded because their id did not match
	Stale int
}

// Option configures a Device
type Option func(*Device)

// WithTimeout sets how long each request waits for its response
func WithTimeout(d time.Duration) Option {
	return func(dev *Device) { dev.timeout = d }
}

// WithObserver registers a callback for every sent and received transfer
func WithObserver(o Observer) Option {
	return func(dev *Device) { dev.observer = o }
}

// WithStartID sets the first transaction id
func WithStartID(id uint8) Option {
	return func(dev *Device) { dev.builder = km003c.NewPacketBuilder(id) }
}

// New wraps a transport. The transport is closed by Close.
func New(t transport.Transport, opts ...Option) *Device {
	d := &Device{
		t:       t,
		builder: km003c.NewPacketBuilder(0),
		timeout: km003c.DefaultTimeout,
		clock:   time.Now,
		log:     logging.For(logging.ComponentDevice),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) String() string {
	return d.t.String()
}

// Close ends the session without a DISCONNECT
func (d *Device) Close() error {
	return d.t.Close()
}

func (d *Device) observe(dir capture.Direction, data []byte) {
	if d.observer != nil {
		d.observer(capture.NewTransfer(dir, d.clock(), data))
	}
}

// Exchange sends a built packet and waits for the response carrying id.
// Responses with another id are logged and dropped.
func (d *Device) Exchange(ctx context.Context, packet []byte, id uint8) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.log.Debug("send", "id", id, "bytes", len(packet), "data", fmt.Sprintf("%x", packet))
	d.observe(capture.HostToDevice, packet)
	if err := d.t.Send(ctx, packet); err != nil {
		return nil, fmt.Errorf("sending request %d: %w", id, err)
	}

	for {
		resp, err := d.t.Receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for response %d: %w", id, err)
		}
		d.observe(capture.DeviceToHost, resp)

		if len(resp) < km003c.MainHeaderSize {
			d.log.Warn("short response", "bytes", len(resp))
			return resp, nil
		}
		if resp[1] != id {
			d.Stale++
			d.log.Debug("dropping stale response", "want", id, "got", resp[1])
			continue
		}
		d.log.Debug("receive", "id", id, "bytes", len(resp))
		return resp, nil
	}
}

// control sends a command that the meter answers with ACCEPT
func (d *Device) control(ctx context.Context, packet []byte, id uint8) error {
	resp, err := d.Exchange(ctx, packet, id)
	if err != nil {
		return err
	}
	p, err := km003c.ParseRawPacket(resp)
	if err != nil {
		return err
	}
	switch p.Command() {
	case km003c.CmdAccept:
		return nil
	case km003c.CmdRejected:
		return ErrRejected
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedResponse, p.Command())
}

// Connect opens the session
func (d *Device) Connect(ctx context.Context) error {
	pkt, id, err := d.builder.Simple(km003c.CmdConnect)
	if err != nil {
		return err
	}
	if err := d.control(ctx, pkt, id); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	d.log.Info("connected", "transport", d.t.String())
	return nil
}

// Disconnect closes the session on the meter side
func (d *Device) Disconnect(ctx context.Context) error {
	pkt, id, err := d.builder.Simple(km003c.CmdDisconnect)
	if err != nil {
		return err
	}
	return d.control(ctx, pkt, id)
}

// Sync sends SYNC and returns the round trip time
func (d *Device) Sync(ctx context.Context) (time.Duration, error) {
	pkt, id, err := d.builder.Simple(km003c.CmdSync)
	if err != nil {
		return 0, err
	}
	start := d.clock()
	if _, err := d.Exchange(ctx, pkt, id); err != nil {
		return 0, err
	}
	return d.clock().Sub(start), nil
}

// GetData requests attrs and decodes the PUT_DATA answer. The response must
// only carry requested attributes. As with km003c.ParsePacket, a PD stream
// error returns the partial message together with the error.
func (d *Device) GetData(ctx context.Context, attrs ...km003c.Attribute) (*km003c.Message, error) {
	pkt, id, err := d.builder.GetData(attrs...)
	if err != nil {
		return nil, err
	}
	resp, err := d.Exchange(ctx, pkt, id)
	if err != nil {
		return nil, err
	}

	m, err := km003c.ParsePacket(resp)
	if m == nil {
		return nil, err
	}
	if m.Packet.Command() != km003c.CmdPutData {
		if m.Packet.Command() == km003c.CmdRejected {
			return nil, ErrRejected
		}
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, m.Packet.Command())
	}
	if cerr := m.Packet.ValidateCorrelation(km003c.NewAttributeSet(attrs...)); cerr != nil {
		return nil, cerr
	}
	return m, err
}

// ReadAdc fetches one ADC reading
func (d *Device) ReadAdc(ctx context.Context) (*km003c.AdcData, error) {
	m, err := d.GetData(ctx, km003c.AttAdc)
	if err != nil {
		return nil, err
	}
	if m.Adc == nil {
		return nil, fmt.Errorf("%w: no ADC segment", ErrUnexpectedResponse)
	}
	return m.Adc, nil
}

// ReadPd fetches pending PD events, or the PD status block when there are none
func (d *Device) ReadPd(ctx context.Context) (*km003c.Message, error) {
	return d.GetData(ctx, km003c.AttPdPacket)
}

// StartGraph starts AdcQueue streaming at the given rate code
func (d *Device) StartGraph(ctx context.Context, variant km003c.QueueVariant, rateCode uint8) error {
	pkt, id, err := d.builder.StartGraph(variant, rateCode)
	if err != nil {
		return err
	}
	if err := d.control(ctx, pkt, id); err != nil {
		return fmt.Errorf("start graph: %w", err)
	}
	return nil
}

// StopGraph ends AdcQueue streaming
func (d *Device) StopGraph(ctx context.Context) error {
	pkt, id, err := d.builder.Simple(km003c.CmdStopGraph)
	if err != nil {
		return err
	}
	return d.control(ctx, pkt, id)
}

// ReadQueue drains the samples buffered since the last call. An empty
// response yields an empty queue.
func (d *Device) ReadQueue(ctx context.Context, variant km003c.QueueVariant) (*km003c.AdcQueueData, error) {
	m, err := d.GetData(ctx, variant.Attribute())
	if err != nil {
		return nil, err
	}
	if m.AdcQueue == nil {
		return &km003c.AdcQueueData{Variant: variant, Rate: variant.NominalRate()}, nil
	}
	return m.AdcQueue, nil
}

// receive waits for the next transfer regardless of its id
func (d *Device) receive(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	b, err := d.t.Receive(ctx)
	if err != nil {
		return nil, err
	}
	d.observe(capture.DeviceToHost, b)
	return b, nil
}

// ReadMemory reads size bytes at address. The meter confirms the request and
// then sends the data as a bare encrypted transfer, padded to AES blocks.
func (d *Device) ReadMemory(ctx context.Context, address, size uint32) ([]byte, error) {
	pkt, id := d.builder.MemoryRead(address, size)
	resp, err := d.Exchange(ctx, pkt, id)
	if err != nil {
		return nil, err
	}
	if len(resp) < km003c.MainHeaderSize {
		return nil, fmt.Errorf("%w: %d-byte confirmation", ErrUnexpectedResponse, len(resp))
	}
	switch km003c.Command(resp[0] & 0x7F) {
	case km003c.CmdMemoryRead:
	case km003c.CmdRejected:
		return nil, ErrRejected
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, km003c.Command(resp[0]&0x7F))
	}

	data, err := d.receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for memory at 0x%08X: %w", address, err)
	}
	plain, err := km003c.DecryptMemoryRead(data)
	if err != nil {
		return nil, err
	}
	if int(size) < len(plain) {
		plain = plain[:size]
	}
	return plain, nil
}

// Identity is what the meter reports about itself before streaming auth
type Identity struct {
	Info       km003c.DeviceInfo
	HardwareID km003c.HardwareID
}

// ReadIdentity reads the info blocks and the hardware id. Info blocks are
// best effort; the hardware id is required.
func (d *Device) ReadIdentity(ctx context.Context) (*Identity, error) {
	id := &Identity{}
	blocks := []struct {
		address uint32
		parse   func([]byte)
	}{
		{km003c.DeviceInfoAddress, id.Info.ParseDeviceInfo},
		{km003c.FirmwareInfoAddress, id.Info.ParseFirmwareInfo},
		{km003c.CalibrationAddress, id.Info.ParseCalibration},
	}
	for _, b := range blocks {
		data, err := d.ReadMemory(ctx, b.address, km003c.InfoBlockSize)
		if errors.Is(err, transport.ErrClosed) {
			return nil, err
		}
		if err != nil {
			d.log.Debug("info block unreadable", "address", fmt.Sprintf("0x%08X", b.address), "error", err)
			continue
		}
		b.parse(data)
	}

	data, err := d.ReadMemory(ctx, km003c.HardwareIDAddress, km003c.HardwareIDSize)
	if err != nil {
		return nil, fmt.Errorf("reading hardware id: %w", err)
	}
	if id.HardwareID, err = km003c.ParseHardwareID(data); err != nil {
		return nil, err
	}
	return id, nil
}

// Authenticate sends STREAMING_AUTH for hw. It returns the result together
// with ErrAuthDenied when AdcQueue access was not granted.
func (d *Device) Authenticate(ctx context.Context, hw km003c.HardwareID) (*km003c.StreamingAuthResult, error) {
	pkt, id := d.builder.StreamingAuth(hw, d.clock())
	resp, err := d.Exchange(ctx, pkt, id)
	if err != nil {
		return nil, err
	}
	if len(resp) >= km003c.MainHeaderSize && km003c.Command(resp[0]&0x7F) == km003c.CmdRejected {
		return nil, ErrRejected
	}
	r, err := km003c.ParseStreamingAuthResponse(resp)
	if err != nil {
		return nil, err
	}
	if !r.Granted() {
		return r, ErrAuthDenied
	}
	d.log.Info("streaming auth granted", "level", r.Level)
	return r, nil
}

// Unlock reads the identity and authenticates so AdcQueue streaming works
func (d *Device) Unlock(ctx context.Context) (*Identity, error) {
	id, err := d.ReadIdentity(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := d.Authenticate(ctx, id.HardwareID); err != nil {
		return id, err
	}
	return id, nil
}
