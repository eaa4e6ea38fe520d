// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"fmt"
	"time"
)

// Decision is the policy's answer to a stall
type Decision int

// Decisions
const (
	Retry Decision = iota
	GiveUp
)

func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "give up"
}

// RetryContext describes a stall. Attempts counts failures so far for the
// current chunk or negotiation, including the one being decided.
type RetryContext struct {
	Phase    Phase
	Index    uint32
	Attempts int
}

// Policy decides whether to retry or give up. It never schedules timers;
// the driver arms them using TimeoutFor.
type Policy struct {
	MaxRetriesPerChunk    int
	MaxNegotiationRetries int

	AckTimeout         time.Duration
	NegotiationTimeout time.Duration
	EraseTimeout       time.Duration
	FinalizeTimeout    time.Duration
}

// DefaultPolicy returns the default retry and timeout budget
func DefaultPolicy() Policy {
	return Policy{
		MaxRetriesPerChunk:    3,
		MaxNegotiationRetries: 3,
		AckTimeout:            3 * time.Second,
		NegotiationTimeout:    5 * time.Second,
		EraseTimeout:          30 * time.Second,
		FinalizeTimeout:       10 * time.Second,
	}
}

// Validate checks that every budget is usable
func (p Policy) Validate() error {
	if p.MaxRetriesPerChunk < 1 {
		return fmt.Errorf("max retries per chunk must be at least 1, got %d", p.MaxRetriesPerChunk)
	}
	if p.MaxNegotiationRetries < 1 {
		return fmt.Errorf("max negotiation retries must be at least 1, got %d", p.MaxNegotiationRetries)
	}
	for name, d := range map[string]time.Duration{
		"ack timeout":         p.AckTimeout,
		"negotiation timeout": p.NegotiationTimeout,
		"erase timeout":       p.EraseTimeout,
		"finalize timeout":    p.FinalizeTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// OnTimeout decides what to do when the armed timer expires.
// Erase and finalize timeouts are never retried.
func (p Policy) OnTimeout(rc RetryContext) Decision {
	switch rc.Phase {
	case PhaseNegotiatingSize:
		return within(rc.Attempts, p.MaxNegotiationRetries)
	case PhaseTransferring:
		return within(rc.Attempts, p.MaxRetriesPerChunk)
	default:
		return GiveUp
	}
}

// OnNack decides what to do when the target rejects a chunk.
// Nacks and timeouts share the per-chunk budget.
func (p Policy) OnNack(rc RetryContext) Decision {
	if rc.Phase != PhaseTransferring {
		return GiveUp
	}
	return within(rc.Attempts, p.MaxRetriesPerChunk)
}

// TimeoutFor returns how long the driver should wait in phase, or 0 when no
// timer applies.
func (p Policy) TimeoutFor(phase Phase) time.Duration {
	switch phase {
	case PhaseNegotiatingSize:
		return p.NegotiationTimeout
	case PhaseErasing:
		return p.EraseTimeout
	case PhaseTransferring:
		return p.AckTimeout
	case PhaseFinalizing:
		return p.FinalizeTimeout
	default:
		return 0
	}
}

func within(attempts, limit int) Decision {
	if attempts < limit {
		return Retry
	}
	return GiveUp
}
