// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakePort serves queued reads and records writes
type fakePort struct {
	mu      sync.Mutex
	reads   [][]byte
	written bytes.Buffer
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.EOF
	}
	if len(p.reads) == 0 {
		// behaves like a read timeout
		return 0, nil
	}
	n := copy(b, p.reads[0])
	p.reads[0] = p.reads[0][n:]
	if len(p.reads[0]) == 0 {
		p.reads = p.reads[1:]
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

// ============================================================
// Serial Tests
// ============================================================

func TestSerial_SendFrames(t *testing.T) {
	port := &fakePort{}
	s, err := NewSerial(port, "test")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Send(context.Background(), []byte{0x02, 0x01, 0x00, 0x00}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	want, _ := EncodeFrame([]byte{0x02, 0x01, 0x00, 0x00})
	if !bytes.Equal(port.written.Bytes(), want) {
		t.Errorf("written = %x, want %x", port.written.Bytes(), want)
	}
}

func TestSerial_ReceiveAcrossReads(t *testing.T) {
	a, _ := EncodeFrame([]byte{0x05, 0x01, 0x00, 0x00})
	b, _ := EncodeFrame([]byte{0x41, 0x02, 0x00, 0x00})
	stream := append(append([]byte{0xAA}, a...), b...)

	// split mid-frame, and deliver both frames' tails in one read
	port := &fakePort{reads: [][]byte{stream[:4], stream[4:]}}
	s, _ := NewSerial(port, "test")

	ctx := context.Background()
	got, err := s.Receive(ctx)
	if err != nil || got[0] != 0x05 {
		t.Fatalf("Receive() = %x, %v", got, err)
	}
	got, err = s.Receive(ctx)
	if err != nil || got[0] != 0x41 {
		t.Fatalf("Receive() = %x, %v", got, err)
	}
	if s.Skipped() != 1 {
		t.Errorf("Skipped() = %d, want 1", s.Skipped())
	}
}

func TestSerial_ReceiveContext(t *testing.T) {
	s, _ := NewSerial(&fakePort{}, "test")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := s.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want DeadlineExceeded", err)
	}
}

func TestSerial_ReceiveClosed(t *testing.T) {
	port := &fakePort{}
	s, _ := NewSerial(port, "test")
	s.Close()

	if _, err := s.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive() error = %v, want ErrClosed", err)
	}
}

// ============================================================
// WebSocket Tests
// ============================================================

// echoBridge answers every binary message with the same bytes and the
// command byte replaced by ACCEPT
func echoBridge(t *testing.T, wantAuth string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantAuth != "" && r.Header.Get("Authorization") != wantAuth {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			data[0] = 0x05
			conn.WriteMessage(websocket.BinaryMessage, data)
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_Exchange(t *testing.T) {
	srv := echoBridge(t, "")
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := DialWebSocket(ctx, wsURL(srv), "", "", false)
	if err != nil {
		t.Fatalf("DialWebSocket() error: %v", err)
	}
	defer ws.Close()

	if err := ws.Send(ctx, []byte{0x02, 0x07, 0x00, 0x00}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	got, err := ws.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error: %v", err)
	}
	if !bytes.Equal(got, []byte{0x05, 0x07, 0x00, 0x00}) {
		t.Errorf("Receive() = %x", got)
	}
	if !strings.HasPrefix(ws.String(), "WebSocket: ws://") {
		t.Errorf("String() = %q", ws.String())
	}
}

func TestWebSocket_BasicAuth(t *testing.T) {
	// admin:secret
	srv := echoBridge(t, "Basic YWRtaW46c2VjcmV0")
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := DialWebSocket(ctx, wsURL(srv), "admin", "wrong", false); err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Errorf("DialWebSocket() with bad password error = %v", err)
	}

	ws, err := DialWebSocket(ctx, wsURL(srv), "admin", "secret", false)
	if err != nil {
		t.Fatalf("DialWebSocket() error: %v", err)
	}
	ws.Close()
}

func TestWebSocket_ReceiveAfterClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x05, 0x00, 0x00, 0x00})
		conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := DialWebSocket(ctx, wsURL(srv), "", "", false)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	// the transfer sent before the close is still delivered
	if got, err := ws.Receive(ctx); err != nil || got[0] != 0x05 {
		t.Fatalf("Receive() = %x, %v", got, err)
	}
	if _, err := ws.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive() error = %v, want ErrClosed", err)
	}
}

func TestDialWebSocket_BadScheme(t *testing.T) {
	if _, err := DialWebSocket(context.Background(), "http://example.com", "", "", false); err == nil {
		t.Error("DialWebSocket(http://) should fail")
	}
}
