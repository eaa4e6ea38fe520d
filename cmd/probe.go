// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/otaflash/pkg/otawire"
)

var (
	probeTimeout int
	probeSize    uint32
	probeMTU     uint32
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test the link by asking the device to accept an image size",
	Long: `Send a size proposal and wait for the device's answer until timeout.

Shows whether the device would accept an image of --size bytes and which MTU
it grants. An ABORT is sent right after the answer so the device returns to
idle; a device that accepted may already have started erasing its update
slot.

Invalid bytes are ignored while waiting for a complete, valid frame.

Exit codes:
  0 - Device answered before timeout
  1 - Timeout reached without an answer
  2 - Connection error`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().IntVar(&probeTimeout, "timeout", 10, "Timeout in seconds to wait for an answer")
	probeCmd.Flags().Uint32Var(&probeSize, "size", 4096, "Image size to propose")
	probeCmd.Flags().Uint32Var(&probeMTU, "mtu", 512, "MTU to propose")
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(probeTimeout)*time.Second)
	defer cancel()

	conn, connInfo, err := OpenConnection(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("otaflash - Device Probe\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", probeTimeout)
	fmt.Printf("Proposing %d bytes with MTU %d...\n\n", probeSize, probeMTU)

	if _, err := conn.Write(otawire.MustEncode(otawire.NewSizeProposal(probeSize, probeMTU))); err != nil {
		fmt.Fprintf(os.Stderr, "Write error: %v\n", err)
		os.Exit(2)
	}

	answer := make(chan *otawire.Message, 1)
	errChan := make(chan error, 1)

	// Reader goroutine
	go func() {
		decoder := otawire.NewDecoder()
		buf := make([]byte, 128)
		invalidBytes := 0
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			for i := 0; i < n; i++ {
				msg, decodeErr := decoder.DecodeByte(buf[i])
				if decodeErr != nil {
					invalidBytes++
					continue
				}
				if msg != nil && (msg.Type == otawire.MsgSizeAck || msg.Type == otawire.MsgDeviceError) {
					if invalidBytes > 0 {
						fmt.Printf("(skipped %d invalid bytes before sync)\n", invalidBytes)
					}
					answer <- msg
					return
				}
			}
		}
	}()

	select {
	case msg := <-answer:
		conn.Write(otawire.MustEncode(otawire.NewAbort()))

		if msg.Type == otawire.MsgDeviceError {
			fmt.Printf("Device reported error 0x%04X: %s\n", msg.Code, otawire.FormatDeviceError(msg.Code))
			os.Exit(0)
		}
		if msg.Accepted {
			fmt.Printf("ACCEPTED: device granted MTU %d\n", msg.MTU)
		} else {
			fmt.Printf("REJECTED: device refused an image of %d bytes\n", probeSize)
		}
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-ctx.Done():
		conn.Write(otawire.MustEncode(otawire.NewAbort()))
		fmt.Fprintf(os.Stderr, "TIMEOUT: No answer received within %d seconds\n", probeTimeout)
		os.Exit(1)
	}

	return nil
}
