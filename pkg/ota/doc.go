// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ota implements the controller side of the OTA firmware transfer
// protocol used to flash Thermoquad appliances over low-bandwidth links.
//
// The package is transport agnostic. A Session consumes protocol events
// (acknowledgments, timeouts, disconnects) one at a time and returns the
// outbound messages and timer instructions the caller must carry out. It never
// blocks and reads time only through the clock passed with WithClock.
//
// A transfer moves through the phases
//
//	Idle -> NegotiatingSize -> Erasing -> Transferring -> Finalizing -> Completed
//
// and ends in Failed or Aborted when something goes wrong. Only one chunk is
// ever outstanding and chunks are acknowledged strictly in order.
//
// Wire encoding lives in pkg/otawire and the I/O driver in pkg/transfer.
package ota
