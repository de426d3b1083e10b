// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport carries whole KM003C bulk transfers to and from a meter
// through a serial bridge or a WebSocket bridge
package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"

	"github.com/Thermoquad/kmstat/internal/logging"
)

// ErrClosed is returned after the bridge connection has gone away
var ErrClosed = errors.New("transport closed")

// Transport moves one bulk transfer per call
type Transport interface {
	// Send writes one OUT transfer
	Send(ctx context.Context, transfer []byte) error
	// Receive blocks for the next IN transfer
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	String() string
}

// ============================================================
// Serial
// ============================================================

// Port is the subset of serial.Port the serial transport uses
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// pollInterval bounds how long a serial read blocks before ctx is checked
const pollInterval = 50 * time.Millisecond

// Serial frames transfers over a byte stream
type Serial struct {
	port    Port
	name    string
	mu      sync.Mutex
	dec     *FrameDecoder
	buf     []byte
	pending []byte
}

// OpenSerial opens a serial bridge at the given baud rate
func OpenSerial(name string, baud int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return NewSerial(port, fmt.Sprintf("Serial: %s @ %d baud", name, baud))
}

// NewSerial wraps an already open port
func NewSerial(port Port, name string) (*Serial, error) {
	if err := port.SetReadTimeout(pollInterval); err != nil {
		return nil, fmt.Errorf("setting read timeout: %w", err)
	}
	return &Serial{port: port, name: name, dec: NewFrameDecoder(), buf: make([]byte, 512)}, nil
}

func (s *Serial) Send(ctx context.Context, transfer []byte) error {
	frame, err := EncodeFrame(transfer)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = s.port.Write(frame)
	return err
}

// Receive returns the next complete frame. A corrupt frame is reported as an
// error; the bytes after it stay buffered for the next call.
func (s *Serial) Receive(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		for len(s.pending) > 0 {
			b := s.pending[0]
			s.pending = s.pending[1:]
			transfer, err := s.dec.DecodeByte(b)
			if err != nil {
				return nil, err
			}
			if transfer != nil {
				return transfer, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := s.port.Read(s.buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		s.pending = append(s.pending[:0], s.buf[:n]...)
	}
}

// Skipped returns the number of bytes seen outside any frame
func (s *Serial) Skipped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec.Skipped()
}

func (s *Serial) Close() error   { return s.port.Close() }
func (s *Serial) String() string { return s.name }

// ============================================================
// WebSocket
// ============================================================

// WebSocket carries one transfer per binary message
type WebSocket struct {
	conn *websocket.Conn
	url  string

	writeMu  sync.Mutex
	messages chan []byte
	done     chan struct{}
	err      error
}

// DialWebSocket connects to a bridge with optional HTTP Basic auth
func DialWebSocket(ctx context.Context, wsURL, username, password string, skipSSLVerify bool) (*WebSocket, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipSSLVerify}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return NewWebSocket(conn, wsURL), nil
}

// NewWebSocket starts reading from an established connection
func NewWebSocket(conn *websocket.Conn, name string) *WebSocket {
	w := &WebSocket{
		conn:     conn,
		url:      name,
		messages: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	go w.readLoop()
	return w
}

func (w *WebSocket) readLoop() {
	defer close(w.done)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.err = err
			return
		}
		if messageType != websocket.BinaryMessage {
			logging.Debug(logging.ComponentDevice, "ignoring non-binary message", "type", messageType)
			continue
		}
		select {
		case w.messages <- data:
		default:
			logging.Warn(logging.ComponentDevice, "receive queue full, dropping transfer", "bytes", len(data))
		}
	}
}

func (w *WebSocket) Send(ctx context.Context, transfer []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := w.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, transfer)
}

func (w *WebSocket) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-w.messages:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		// drain transfers that arrived before the close
		select {
		case data := <-w.messages:
			return data, nil
		default:
		}
		return nil, fmt.Errorf("%w: %v", ErrClosed, w.err)
	}
}

func (w *WebSocket) Close() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return w.conn.Close()
}

func (w *WebSocket) String() string { return "WebSocket: " + w.url }
