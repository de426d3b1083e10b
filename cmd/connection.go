// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Thermoquad/kmstat/internal/device"
	"github.com/Thermoquad/kmstat/internal/logging"
	"github.com/Thermoquad/kmstat/internal/transport"
)

// dialTimeout bounds the WebSocket handshake
const dialTimeout = 15 * time.Second

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("KMSTAT_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if stdin is not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// wsPassword is prompted for once so reconnects do not ask again
var wsPassword string

// OpenConnection opens either a serial or WebSocket bridge based on flags
func OpenConnection() (transport.Transport, error) {
	if wsURL != "" {
		if wsUsername != "" && wsPassword == "" {
			password, err := GetPassword()
			if err != nil {
				return nil, err
			}
			wsPassword = password
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		return transport.DialWebSocket(ctx, wsURL, wsUsername, wsPassword, wsNoSSLVerify)
	}

	if portName != "" {
		return transport.OpenSerial(portName, baudRate)
	}

	return nil, fmt.Errorf("either --port or --url must be specified")
}

// openDevice opens the bridge and sends CONNECT. Connection failures exit
// with status 2.
func openDevice(ctx context.Context, opts ...device.Option) (*device.Device, error) {
	dev, err := connectDevice(ctx, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		return nil, exitCode(2)
	}
	logging.Info(logging.ComponentDevice, "session open", "transport", dev.String())
	return dev, nil
}

// connectDevice opens the bridge with the default timeout ahead of opts
// and sends CONNECT
func connectDevice(ctx context.Context, opts ...device.Option) (*device.Device, error) {
	conn, err := OpenConnection()
	if err != nil {
		return nil, err
	}

	opts = append([]device.Option{device.WithTimeout(requestTimeout)}, opts...)
	dev := device.New(conn, opts...)
	if err := dev.Connect(ctx); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

// closeDevice sends DISCONNECT and closes the bridge
func closeDevice(dev *device.Device) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := dev.Disconnect(ctx); err != nil {
		logging.Warn(logging.ComponentDevice, "disconnect failed", "error", err)
	}
	dev.Close()
}
