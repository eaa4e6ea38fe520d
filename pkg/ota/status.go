// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import "fmt"

// StatusKind is the user-facing lifecycle status
type StatusKind int

// Status kinds
const (
	StatusIdle StatusKind = iota
	StatusWaitingForConnection
	StatusPreparing
	StatusUploading
	StatusCompleted
	StatusError
)

func (k StatusKind) String() string {
	switch k {
	case StatusIdle:
		return "Idle"
	case StatusWaitingForConnection:
		return "Waiting for connection"
	case StatusPreparing:
		return "Preparing"
	case StatusUploading:
		return "Uploading"
	case StatusCompleted:
		return "Completed"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Status is the projection of a session onto what a user needs to see
type Status struct {
	Kind    StatusKind
	Percent int
	Message string
}

func (s Status) String() string {
	switch s.Kind {
	case StatusPreparing, StatusUploading, StatusCompleted:
		return fmt.Sprintf("%s %d%%", s.Kind, s.Percent)
	case StatusError:
		return fmt.Sprintf("%s: %s", s.Kind, s.Message)
	default:
		return s.Kind.String()
	}
}

// StatusUpdate is delivered to subscribers when the projected status changes
type StatusUpdate struct {
	Phase  Phase
	Status Status
	Err    error
}

// Project maps a session snapshot onto a Status
func Project(state SessionState) Status {
	switch state.Phase {
	case PhaseIdle:
		return Status{Kind: StatusIdle}
	case PhaseNegotiatingSize, PhaseErasing:
		return Status{Kind: StatusPreparing}
	case PhaseTransferring, PhaseFinalizing:
		return Status{Kind: StatusUploading, Percent: percent(state.NextIndex, state.TotalChunks)}
	case PhaseCompleted:
		return Status{Kind: StatusCompleted, Percent: 100}
	case PhaseFailed, PhaseAborted:
		msg := state.Phase.String()
		if state.LastErr != nil {
			msg = state.LastErr.Error()
		}
		return Status{Kind: StatusError, Message: msg}
	default:
		return Status{Kind: StatusError, Message: fmt.Sprintf("unknown phase %d", int(state.Phase))}
	}
}

func percent(next, total uint32) int {
	if total == 0 {
		return 0
	}
	p := uint64(next) * 100 / uint64(total)
	if p > 100 {
		p = 100
	}
	return int(p)
}
