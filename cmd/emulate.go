// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/otaflash/pkg/otatest"
)

var (
	emuListen          string
	emuRejectSize      bool
	emuMaxMTU          uint32
	emuMaxImage        uint32
	emuSilent          int
	emuEraseDelay      time.Duration
	emuNeverErase      bool
	emuNack            []string
	emuDropAck         []string
	emuDuplicateAcks   bool
	emuDisconnectAfter int
	emuDeviceError     uint16
	emuDeviceErrorAt   uint32
	emuNeverFinalize   bool
)

var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Act as an OTA target for testing controllers",
	Long: `Run a simulated device that accepts firmware over the configured link.

With --listen the emulator serves WebSocket connections instead, so a
transfer can be tried end to end on one machine:

  otaflash emulate --listen :8090 --nack 3:2 --erase-delay 2s
  otaflash flash --url ws://localhost:8090/ota firmware.bin

Fault flags make the device misbehave. --nack and --drop-ack take
INDEX[:COUNT] and may be repeated.`,
	RunE: runEmulate,
}

func init() {
	rootCmd.AddCommand(emulateCmd)
	f := emulateCmd.Flags()
	f.StringVar(&emuListen, "listen", "", "Serve WebSocket connections on this address")
	f.BoolVar(&emuRejectSize, "reject-size", false, "Reject every size proposal")
	f.Uint32Var(&emuMaxMTU, "max-mtu", 0, "Cap the negotiated MTU")
	f.Uint32Var(&emuMaxImage, "max-image", 0, "Reject images larger than this")
	f.IntVar(&emuSilent, "silent-proposals", 0, "Ignore this many size proposals")
	f.DurationVar(&emuEraseDelay, "erase-delay", 0, "How long erasing takes")
	f.BoolVar(&emuNeverErase, "never-erase", false, "Never report erase complete")
	f.StringSliceVar(&emuNack, "nack", nil, "Nack chunk INDEX[:COUNT]")
	f.StringSliceVar(&emuDropAck, "drop-ack", nil, "Swallow the ack of chunk INDEX[:COUNT]")
	f.BoolVar(&emuDuplicateAcks, "duplicate-acks", false, "Send every ack twice")
	f.IntVar(&emuDisconnectAfter, "disconnect-after", 0, "Hang up after this many chunks")
	f.Uint16Var(&emuDeviceError, "device-error", 0, "Report this error code instead of acking --device-error-at")
	f.Uint32Var(&emuDeviceErrorAt, "device-error-at", 0, "Chunk index for --device-error")
	f.BoolVar(&emuNeverFinalize, "never-finalize", false, "Never answer FINALIZE")
}

// parseChunkCounts parses INDEX[:COUNT] values; COUNT defaults to 1
func parseChunkCounts(values []string) (map[uint32]int, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[uint32]int, len(values))
	for _, v := range values {
		idx, count, found := strings.Cut(v, ":")
		i, err := strconv.ParseUint(idx, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid chunk index %q", v)
		}
		n := 1
		if found {
			n, err = strconv.Atoi(count)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid count in %q", v)
			}
		}
		out[uint32(i)] += n
	}
	return out, nil
}

func emulatorFaults() (otatest.Faults, error) {
	nack, err := parseChunkCounts(emuNack)
	if err != nil {
		return otatest.Faults{}, fmt.Errorf("--nack: %w", err)
	}
	drop, err := parseChunkCounts(emuDropAck)
	if err != nil {
		return otatest.Faults{}, fmt.Errorf("--drop-ack: %w", err)
	}
	return otatest.Faults{
		RejectSize:            emuRejectSize,
		MaxMTU:                emuMaxMTU,
		MaxImage:              emuMaxImage,
		SilentProposals:       emuSilent,
		EraseDelay:            emuEraseDelay,
		NeverErase:            emuNeverErase,
		NackChunk:             nack,
		DropAck:               drop,
		DuplicateAcks:         emuDuplicateAcks,
		DisconnectAfterChunks: emuDisconnectAfter,
		DeviceErrorCode:       emuDeviceError,
		DeviceErrorAt:         emuDeviceErrorAt,
		NeverFinalize:         emuNeverFinalize,
	}, nil
}

func runEmulate(cmd *cobra.Command, args []string) error {
	faults, err := emulatorFaults()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if emuListen != "" {
		return serveEmulatorWebSocket(ctx, faults)
	}

	conn, connInfo, err := OpenConnection(ctx, nil)
	if err != nil {
		return err
	}

	fmt.Printf("otaflash - Target Emulator\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	t := otatest.NewTarget(faults)
	t.SetLogger(logger.With().Str("link", connInfo).Logger())
	err = t.Serve(ctx, conn)
	reportTarget(t)
	return err
}

func serveEmulatorWebSocket(ctx context.Context, faults otatest.Faults) error {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
			return
		}

		t := otatest.NewTarget(faults)
		t.SetLogger(logger.With().Str("remote", r.RemoteAddr).Logger())
		logger.Info().Str("remote", r.RemoteAddr).Msg("Controller connected")

		if err := t.Serve(r.Context(), &WebSocketConnection{conn: ws}); err != nil {
			logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Session ended with error")
		}
		reportTarget(t)
	})

	ln, err := net.Listen("tcp", emuListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", emuListen, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	context.AfterFunc(ctx, func() { srv.Close() })

	fmt.Printf("otaflash - Target Emulator\n")
	fmt.Printf("Listening: ws://%s/\n", ln.Addr())
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func reportTarget(t *otatest.Target) {
	switch {
	case t.Completed():
		fmt.Printf("Image committed: %d bytes, %s\n", len(t.Image()), t.LastDigest())
	case t.Aborted():
		fmt.Printf("Transfer aborted after %d bytes\n", len(t.Image()))
	default:
		fmt.Printf("Link closed after %d bytes\n", len(t.Image()))
	}
}
