// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/otaflash/pkg/otawire"
	"github.com/Thermoquad/otaflash/pkg/transfer"
)

var rawLogHex bool

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display OTA frames in human-readable format",
	Long: `Continuously decode and display OTA protocol frames as they arrive.

Each frame is shown with its timestamp, message type and decoded fields.
Use --hex to also dump the raw frame bytes. Useful for watching a device
or bench rig talk to another controller.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
	rawLogCmd.Flags().BoolVar(&rawLogHex, "hex", false, "Also print raw frame bytes")
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, connInfo, err := OpenConnection(ctx, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	context.AfterFunc(ctx, func() { conn.Close() })

	fmt.Printf("otaflash - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := otawire.NewDecoder()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// a read error on a WebSocket means the connection is gone
			if errors.Is(err, transfer.ErrConnectionClosed) {
				logger.Info().Msg("Connection closed")
				return nil
			}
			logger.Warn().Err(err).Msg("Read error")
			continue
		}

		for i := 0; i < n; i++ {
			msg, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Printf("[ERROR] %v\n", err)
				continue
			}
			if msg == nil {
				continue
			}
			fmt.Println(otawire.FormatMessage(msg))
			if rawLogHex {
				fmt.Printf("    %s\n", otawire.FormatFrame(otawire.MustEncode(msg)))
			}
		}
	}
}
