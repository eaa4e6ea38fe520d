// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/otaflash/pkg/journal"
	"github.com/Thermoquad/otaflash/pkg/ota"
	"github.com/Thermoquad/otaflash/pkg/otawire"
)

var replayVerbose bool

// errDiverged is returned when a replay does not reproduce the recording
var errDiverged = errors.New("replay diverged from the recording")

var replayCmd = &cobra.Command{
	Use:   "replay <journal> <image>",
	Short: "Replay a recorded session against the protocol engine",
	Long: `Feed the inputs recorded by 'flash --journal' into a fresh session and
compare every message it sends with what was sent in the field.

The image must be the one that was flashed; its length and digest are
checked against the journal header. Exits non-zero if the replay diverges.`,
	Args: cobra.ExactArgs(2),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVarP(&replayVerbose, "verbose", "v", false, "Print every journal entry")
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	hdr, entries, err := journal.ReadAll(f)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}
	img, err := ota.NewImage(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[1], err)
	}

	fmt.Printf("Session: %s", hdr.SessionID)
	if hdr.Target != "" {
		fmt.Printf(" (target %s)", hdr.Target)
	}
	fmt.Println()
	fmt.Printf("Started: %s\n", hdr.Started.Format("2006-01-02 15:04:05.000"))
	fmt.Printf("Image:   %d bytes, %s\n", hdr.ImageLength, hdr.Digest())
	fmt.Printf("MTU:     %d\n", hdr.MTUHint)
	fmt.Printf("Entries: %d\n\n", len(entries))

	if replayVerbose {
		for _, e := range entries {
			fmt.Println(formatEntry(e))
		}
		fmt.Println()
	}

	report, err := journal.Replay(hdr, entries, img)
	if err != nil {
		return err
	}

	fmt.Printf("Final phase: %s\n", report.Phase)
	if report.Err != nil {
		fmt.Printf("Session error: %v\n", report.Err)
	}

	if len(report.Divergences) == 0 {
		fmt.Println("Replay matches the recording")
		return nil
	}

	fmt.Printf("\n%d divergence(s):\n", len(report.Divergences))
	for _, d := range report.Divergences {
		fmt.Printf("  %s\n", d)
	}
	return errDiverged
}

func formatEntry(e journal.Entry) string {
	line := fmt.Sprintf("%10s  %-10s", e.Offset.Truncate(time.Microsecond), e.Kind)
	switch e.Kind {
	case journal.KindOutbound, journal.KindInbound:
		if m, err := otawire.ParseMessage(e.Data); err == nil {
			line += "  " + otawire.FormatMessage(m)
		} else {
			line += fmt.Sprintf("  % X", e.Data)
		}
	}
	if e.Note != "" {
		line += "  " + e.Note
	}
	return line
}
