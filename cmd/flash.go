// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/otaflash/pkg/ota"
	"github.com/Thermoquad/otaflash/pkg/transfer"
)

var (
	flashMTU          uint32
	flashTarget       string
	flashDigest       string
	flashJournal      string
	flashMetrics      string
	flashMaxRetries   int
	flashAckTimeout   time.Duration
	flashEraseTimeout time.Duration
	flashTUI          bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <image>",
	Short: "Send a firmware image to the device",
	Long: `Transfer a firmware image to the device and wait until it is verified.

The device is asked to accept the image size, erases its update slot, then
receives the image in chunks of at most --mtu bytes. Every chunk is
acknowledged; lost or rejected chunks are sent again up to --max-retries
times. The whole-image digest is sent last so the device can verify the
image before committing it.

Press Ctrl+C (or 'q' in the TUI) to abort; the device is told to discard
the partial image.

Examples:
  otaflash flash --port /dev/ttyUSB0 firmware.bin
  otaflash flash --url wss://slate.local/ota --username admin --mtu 244 firmware.bin
  otaflash flash --port /dev/ttyACM0 --journal session.otaj --tui=false firmware.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().Uint32Var(&flashMTU, "mtu", 512, "Largest chunk payload to propose")
	flashCmd.Flags().StringVar(&flashTarget, "target", "", "Name of the device, used in logs and journals")
	flashCmd.Flags().StringVar(&flashDigest, "digest", "", "Whole-image digest (sha256, crc32)")
	flashCmd.Flags().StringVar(&flashJournal, "journal", "", "Record the session to this file")
	flashCmd.Flags().StringVar(&flashMetrics, "metrics-listen", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	flashCmd.Flags().IntVar(&flashMaxRetries, "max-retries", 0, "Attempts per chunk before giving up")
	flashCmd.Flags().DurationVar(&flashAckTimeout, "ack-timeout", 0, "How long to wait for each chunk ack")
	flashCmd.Flags().DurationVar(&flashEraseTimeout, "erase-timeout", 0, "How long the device may take to erase")
	flashCmd.Flags().BoolVar(&flashTUI, "tui", true, "Show the interactive progress view")

	commandFlagHooks[flashCmd] = func(cmd *cobra.Command) error {
		flags := cmd.Flags()
		if flags.Changed("mtu") {
			cfg.Transfer.MTU = flashMTU
		}
		if flags.Changed("target") {
			cfg.Transfer.Target = flashTarget
		}
		if flags.Changed("digest") {
			cfg.Transfer.Digest = flashDigest
		}
		if flags.Changed("journal") {
			cfg.Journal.Path = flashJournal
		}
		if flags.Changed("metrics-listen") {
			cfg.Metrics.Listen = flashMetrics
		}
		if flags.Changed("max-retries") {
			cfg.Policy.MaxRetriesPerChunk = flashMaxRetries
		}
		if flags.Changed("ack-timeout") {
			cfg.Policy.AckTimeout = flashAckTimeout
		}
		if flags.Changed("erase-timeout") {
			cfg.Policy.EraseTimeout = flashEraseTimeout
		}
		return nil
	}
}

// flashJob is everything a transfer needs besides the link
type flashJob struct {
	path    string
	img     *ota.Image
	digests ota.DigestPolicy
	metrics *transfer.Metrics
	journal io.WriteCloser
}

func loadFlashJob(path string) (*flashJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, err := ota.NewImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	digests, err := cfg.DigestPolicy()
	if err != nil {
		return nil, err
	}
	return &flashJob{path: path, img: img, digests: digests}, nil
}

// runner builds a runner for ch that reports status changes to onStatus
func (j *flashJob) runner(ch transfer.Channel, onStatus func(ota.StatusUpdate)) *transfer.Runner {
	opts := []transfer.Option{
		transfer.WithLogger(logger),
		transfer.WithRegistry(ota.NewRegistry(), cfg.Transfer.Target),
		transfer.WithSessionOptions(
			ota.WithPolicy(cfg.OTAPolicy()),
			ota.WithDigestPolicy(j.digests),
			ota.WithMaxMTU(cfg.Transfer.MaxMTU),
		),
		transfer.WithMetrics(j.metrics),
		transfer.WithStatusHandler(onStatus),
	}
	if j.journal != nil {
		opts = append(opts, transfer.WithJournal(j.journal))
	}
	return transfer.NewRunner(ch, opts...)
}

func (j *flashJob) close() {
	if j.journal != nil {
		j.journal.Close()
	}
}

func runFlash(cmd *cobra.Command, args []string) error {
	job, err := loadFlashJob(args[0])
	if err != nil {
		return err
	}
	defer job.close()

	if cfg.Journal.Path != "" {
		f, err := os.Create(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to create journal: %w", err)
		}
		job.journal = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		m, shutdown, err := startMetrics(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err != nil {
			return err
		}
		defer shutdown()
		job.metrics = m
	}

	if flashTUI {
		return runFlashTUI(ctx, job)
	}
	return runFlashText(ctx, job)
}

func runFlashText(ctx context.Context, job *flashJob) error {
	onStatus := func(u ota.StatusUpdate) {
		fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), u.Status)
	}

	ch, connInfo, err := OpenConnection(ctx, onStatus)
	if err != nil {
		return err
	}
	defer ch.Close()

	fmt.Printf("otaflash - Firmware Transfer\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Image: %s (%d bytes, %s)\n", job.path, job.img.Len(), job.img.Digest(job.digests))
	fmt.Printf("Press Ctrl+C to abort\n\n")

	r := job.runner(ch, onStatus)
	digest, err := r.Run(ctx, job.img, cfg.Transfer.MTU)

	fmt.Println()
	fmt.Print(r.Statistics().String())
	if err != nil {
		return err
	}

	fmt.Printf("Verified by device: %s\n", digest)
	return nil
}
