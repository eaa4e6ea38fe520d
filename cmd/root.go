// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/otaflash/internal/config"
	"github.com/Thermoquad/otaflash/internal/logging"
)

var (
	configPath string

	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Logging flags
	logLevel  string
	logOutput string

	cfg       config.Config
	logger    = zerolog.Nop()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "otaflash",
	Short: "Firmware transfer tool for Thermoquad devices",
	Long: `otaflash - Send firmware images to devices over a serial or WebSocket link.

The image is negotiated, erased, sent in acknowledged chunks and verified by
the device against a whole-image digest before it is committed.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 115200]
  WebSocket: --url ws://host/path [--username user]

Settings are read from --config (YAML), then OTAFLASH_* environment variables,
then flags. For WebSocket authentication, the password is read from the
OTAFLASH_PASSWORD environment variable, or prompted interactively if not set.
The --password flag is intentionally not provided to avoid leaking credentials
in shell history.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")

	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error, disabled)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "", "Log output (stderr, stdout, file, multi)")
}

// setup loads the configuration, applies explicit flags on top and builds
// the logger
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Link.Port = portName
	}
	if flags.Changed("baud") {
		cfg.Link.Baud = baudRate
	}
	if flags.Changed("url") {
		cfg.Link.URL = wsURL
	}
	if flags.Changed("username") {
		cfg.Link.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		cfg.Link.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flags.Changed("log-output") {
		cfg.Logging.Output = logOutput
	}

	if err := applyCommandFlags(cmd); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logCloser, err = logging.Setup(cfg)
	return err
}

// commandFlagHooks let subcommands copy their own flags into cfg before it
// is validated
var commandFlagHooks = map[*cobra.Command]func(*cobra.Command) error{}

func applyCommandFlags(cmd *cobra.Command) error {
	if hook, ok := commandFlagHooks[cmd]; ok {
		return hook(cmd)
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
