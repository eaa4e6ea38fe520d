// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/otaflash/pkg/otawire"
	"github.com/Thermoquad/otaflash/pkg/transfer"
)

var (
	showAll       bool
	statsInterval int
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze malformed frames and protocol errors",
	Long: `Watch an OTA link and track frame errors with statistics.

This command validates each frame and detects:
  - CRC errors and decode failures
  - Malformed message bodies
  - Field anomalies (chunk CRC mismatch, bad MTU, wrong digest length)
  - Sequence anomalies (chunk gaps, acks for chunks never sent)
  - Device errors reported by the target

By default, only errors are displayed. Use --show-all to display valid frames too.

Periodic statistics summaries are displayed at configurable intervals.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> DECODE FAILED <<<\n\n")
}

// printValidationErrors prints the anomalies found in a message
func printValidationErrors(m *otawire.Message, errs []otawire.ValidationError) {
	timestamp := m.Timestamp.Format("15:04:05.000")

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X)\n", timestamp, otawire.FormatMessageType(m.Type), m.Type)
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")
	for i, err := range errs {
		fmt.Printf("  Issue %d: \033[1;31m%s\033[0m (%s)\n", i+1, err.Message, err.Type)
	}
	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}

// printDeviceError prints a DEVICE_ERROR report
func printDeviceError(m *otawire.Message) {
	timestamp := m.Timestamp.Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDEVICE ERROR:\033[0m 0x%04X %s\n\n", timestamp, m.Code, otawire.FormatDeviceError(m.Code))
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, connInfo, err := OpenConnection(ctx, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("otaflash - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := otawire.NewDecoder()
	stats := otawire.NewLinkStatistics()
	var tracker otawire.Tracker

	// Sync tracking - ignore decode errors until first valid frame
	synchronized := false
	invalidBytesBeforeSync := 0

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	// Channel for non-blocking reads
	linkBuf := make(chan []byte, 10)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				if errors.Is(err, transfer.ErrConnectionClosed) {
					readErr <- err
					return
				}
				logger.Warn().Err(err).Msg("Read error")
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			linkBuf <- data
		}
	}()

	for {
		select {
		case data := <-linkBuf:
			for _, b := range data {
				msg, decodeErr := decoder.DecodeByte(b)

				if decodeErr != nil {
					if synchronized {
						stats.Update(nil, decodeErr, nil)
						printDecodeError(decodeErr)
					} else {
						invalidBytesBeforeSync++
					}
					continue
				}
				if msg == nil {
					continue
				}

				if !synchronized {
					synchronized = true
					if invalidBytesBeforeSync > 0 {
						fmt.Printf("[SYNC] Synchronized after skipping %d invalid bytes\n\n", invalidBytesBeforeSync)
					} else {
						fmt.Printf("[SYNC] Synchronized\n\n")
					}
				}

				anomalies := tracker.Observe(msg)
				stats.Update(msg, nil, anomalies)

				switch {
				case len(anomalies) > 0:
					printValidationErrors(msg, anomalies)
				case msg.Type == otawire.MsgDeviceError:
					// always shown
					printDeviceError(msg)
				case showAll:
					fmt.Println(otawire.FormatMessage(msg))
				}
			}

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()

		case <-readErr:
			logger.Info().Msg("Connection closed")
			fmt.Println()
			fmt.Print(stats.String())
			return nil

		case <-ctx.Done():
			fmt.Println()
			fmt.Print(stats.String())
			return nil
		}
	}
}
