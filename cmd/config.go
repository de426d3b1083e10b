// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/kmstat/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the kmstat config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Long: `Write a config file with the default settings.

Connection flags given on the command line are saved too, so

  kmstat config init --port /dev/ttyACM0

records the bridge for later commands.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := effectiveConfig().Marshal()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", cfg.Path(), data)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
}

// effectiveConfig merges the resolved flag values into the loaded config
func effectiveConfig() *config.Config {
	c := *cfg
	c.Connection.Port = portName
	c.Connection.Baud = baudRate
	c.Connection.URL = wsURL
	c.Connection.Username = wsUsername
	c.Connection.NoSSLVerify = wsNoSSLVerify
	c.Polling.Timeout = config.Duration(requestTimeout)
	c.Logging.Level = logLevel
	c.Logging.Format = logFormat
	return &c
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	c := effectiveConfig()
	err := c.Persist(configForce)

	var exists config.ErrConfigFileExists
	if errors.As(err, &exists) {
		return fmt.Errorf("%w (use --force to overwrite)", err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", c.Path())
	return nil
}
