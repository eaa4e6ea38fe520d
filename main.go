// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// otaflash - Firmware transfer tool for Thermoquad devices
//
// Sends firmware images to a device over serial or WebSocket using the OTA
// chunked transfer protocol, and provides tools to inspect and replay
// transfers.

package main

import (
	"os"

	"github.com/Thermoquad/otaflash/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
