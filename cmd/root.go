// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/internal/config"
	"github.com/Thermoquad/kmstat/internal/logging"
)

var (
	configPath string
	cfg        *config.Config

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	requestTimeout time.Duration
	logLevel       string
	logFormat      string
)

var rootCmd = &cobra.Command{
	Use:   "kmstat",
	Short: "KM003C USB Power Meter Analyzer",
	Long: `kmstat - A CLI tool for talking to and decoding the ChargerLAB KM003C
USB-C power meter.

Live commands reach the meter through a bridge that forwards its bulk
transfers. Offline commands decode hex dumps and usbmon captures.

Connection modes:
  Serial:    --port /dev/ttyACM0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the KMSTAT_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

Settings not given on the command line are read from the config file
(default ~/.config/kmstat/config.yaml, see 'kmstat config init').`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/kmstat/config.yaml)")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial bridge device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", config.DefaultBaud, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", config.DefaultTimeout, "Time to wait for each response")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", config.DefaultLogFormat, "Log format (text, json)")
}

// setup loads the config file, lets it fill in flags that were not given,
// and configures logging
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if !flags.Changed("port") && cfg.Connection.Port != "" {
		portName = cfg.Connection.Port
	}
	if !flags.Changed("baud") && cfg.Connection.Baud != 0 {
		baudRate = cfg.Connection.Baud
	}
	if !flags.Changed("url") && cfg.Connection.URL != "" {
		wsURL = cfg.Connection.URL
	}
	if !flags.Changed("username") && cfg.Connection.Username != "" {
		wsUsername = cfg.Connection.Username
	}
	if !flags.Changed("no-ssl-verify") {
		wsNoSSLVerify = cfg.Connection.NoSSLVerify
	}
	if !flags.Changed("timeout") && cfg.Polling.Timeout != 0 {
		requestTimeout = cfg.Polling.Timeout.Std()
	}
	if !flags.Changed("log-level") && cfg.Logging.Level != "" {
		logLevel = cfg.Logging.Level
	}
	if !flags.Changed("log-format") && cfg.Logging.Format != "" {
		logFormat = cfg.Logging.Format
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(logFormat)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	logging.Configure(os.Stderr, format)
	logging.Debug(logging.ComponentConfig, "loaded config", "path", cfg.Path())
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// exitCode lets a command pick the process exit status while still running
// deferred cleanup
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

// ExitCode maps an Execute error to a process exit status
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := err.(exitCode); ok {
		return int(code)
	}
	return 1
}

// Reported reports whether the command already printed its own failure
func Reported(err error) bool {
	_, ok := err.(exitCode)
	return ok
}
