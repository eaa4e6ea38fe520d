// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/otaflash/pkg/ota"
)

var (
	planMTU     uint32
	planDigest  string
	planVerbose bool
)

var planCmd = &cobra.Command{
	Use:   "plan <image>",
	Short: "Show how an image would be split into chunks",
	Long: `Split a firmware image the way flash would and print the result.

Shows the chunk count, the size of the last chunk and the whole-image
digest. With --verbose every chunk is listed with its checksum. No device
is contacted.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
	planCmd.Flags().Uint32Var(&planMTU, "mtu", 512, "Chunk payload size")
	planCmd.Flags().StringVar(&planDigest, "digest", "", "Whole-image digest (sha256, crc32)")
	planCmd.Flags().BoolVarP(&planVerbose, "verbose", "v", false, "List every chunk")

	commandFlagHooks[planCmd] = func(cmd *cobra.Command) error {
		if cmd.Flags().Changed("digest") {
			cfg.Transfer.Digest = planDigest
		}
		return nil
	}
}

func runPlan(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	img, err := ota.NewImage(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	digests, err := cfg.DigestPolicy()
	if err != nil {
		return err
	}

	chunks, err := digests.Plan(img, planMTU, cfg.Transfer.MaxMTU)
	if err != nil {
		return err
	}

	last := chunks[len(chunks)-1]
	fmt.Printf("Image:   %s (%d bytes)\n", args[0], img.Len())
	fmt.Printf("Digest:  %s\n", img.Digest(digests))
	fmt.Printf("MTU:     %d\n", planMTU)
	fmt.Printf("Chunks:  %d (last chunk %d bytes)\n", len(chunks), len(last.Payload))

	if planVerbose {
		fmt.Println()
		fmt.Printf("%8s  %10s  %6s  %s\n", "INDEX", "OFFSET", "LEN", "CRC32")
		for _, c := range chunks {
			fmt.Printf("%8d  %10d  %6d  %08X\n", c.Index, uint64(c.Index)*uint64(planMTU), len(c.Payload), c.CRC)
		}
	}
	return nil
}
