// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

// Phase is the lifecycle phase of a Session
type Phase int

// Session phases
const (
	PhaseIdle Phase = iota
	PhaseNegotiatingSize
	PhaseErasing
	PhaseTransferring
	PhaseFinalizing
	PhaseCompleted
	PhaseFailed
	PhaseAborted
)

// String returns the human-readable phase name
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseNegotiatingSize:
		return "NEGOTIATING_SIZE"
	case PhaseErasing:
		return "ERASING"
	case PhaseTransferring:
		return "TRANSFERRING"
	case PhaseFinalizing:
		return "FINALIZING"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseFailed:
		return "FAILED"
	case PhaseAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseAborted
}
