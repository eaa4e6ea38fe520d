// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// ============================================================
// Digest Tests
// ============================================================

func TestDigestPolicy_Image(t *testing.T) {
	data := []byte("123456789")

	sha := DigestPolicy{ImageAlgorithm: DigestSHA256}.Image(data)
	want := sha256.Sum256(data)
	if sha.Algorithm != DigestSHA256 || string(sha.Sum) != string(want[:]) {
		t.Errorf("unexpected sha256 digest: %s", sha)
	}

	crc := DigestPolicy{ImageAlgorithm: DigestCRC32}.Image(data)
	if crc.String() != "crc32:cbf43926" {
		t.Errorf("expected crc32:cbf43926, got %s", crc)
	}
}

func TestParseDigestAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    DigestAlgorithm
		wantErr bool
	}{
		{in: "crc32", want: DigestCRC32},
		{in: "SHA256", want: DigestSHA256},
		{in: "", want: DigestSHA256},
		{in: "md5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDigestAlgorithm(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("unexpected error state: %v", err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDigest_Equal(t *testing.T) {
	a := Digest{Algorithm: DigestCRC32, Sum: []byte{1, 2, 3, 4}}
	b := Digest{Algorithm: DigestSHA256, Sum: []byte{1, 2, 3, 4}}
	if a.Equal(b) {
		t.Error("digests with different algorithms compared equal")
	}
	if !a.Equal(Digest{Algorithm: DigestCRC32, Sum: []byte{1, 2, 3, 4}}) {
		t.Error("identical digests compared unequal")
	}
	if !(Digest{}).IsZero() || a.IsZero() {
		t.Error("IsZero mismatch")
	}
}

// ============================================================
// Policy Tests
// ============================================================

func TestPolicy_Decisions(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name string
		fn   func(RetryContext) Decision
		rc   RetryContext
		want Decision
	}{
		{"chunk timeout within budget", p.OnTimeout, RetryContext{Phase: PhaseTransferring, Attempts: 2}, Retry},
		{"chunk timeout exhausted", p.OnTimeout, RetryContext{Phase: PhaseTransferring, Attempts: 3}, GiveUp},
		{"negotiation within budget", p.OnTimeout, RetryContext{Phase: PhaseNegotiatingSize, Attempts: 1}, Retry},
		{"negotiation exhausted", p.OnTimeout, RetryContext{Phase: PhaseNegotiatingSize, Attempts: 3}, GiveUp},
		{"erase never retried", p.OnTimeout, RetryContext{Phase: PhaseErasing, Attempts: 1}, GiveUp},
		{"finalize never retried", p.OnTimeout, RetryContext{Phase: PhaseFinalizing, Attempts: 1}, GiveUp},
		{"nack within budget", p.OnNack, RetryContext{Phase: PhaseTransferring, Attempts: 2}, Retry},
		{"nack exhausted", p.OnNack, RetryContext{Phase: PhaseTransferring, Attempts: 3}, GiveUp},
		{"nack outside transfer", p.OnNack, RetryContext{Phase: PhaseErasing, Attempts: 1}, GiveUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.rc); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestPolicy_TimeoutFor(t *testing.T) {
	p := DefaultPolicy()
	if p.TimeoutFor(PhaseErasing) != 30*time.Second {
		t.Errorf("unexpected erase timeout %s", p.TimeoutFor(PhaseErasing))
	}
	if p.TimeoutFor(PhaseTransferring) != 3*time.Second {
		t.Errorf("unexpected ack timeout %s", p.TimeoutFor(PhaseTransferring))
	}
	for _, ph := range []Phase{PhaseIdle, PhaseCompleted, PhaseFailed, PhaseAborted} {
		if d := p.TimeoutFor(ph); d != 0 {
			t.Errorf("%s: expected no timeout, got %s", ph, d)
		}
	}
}

func TestPolicy_Validate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}

	p := DefaultPolicy()
	p.MaxRetriesPerChunk = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero retries")
	}

	p = DefaultPolicy()
	p.EraseTimeout = 0
	if err := p.Validate(); err == nil || !strings.Contains(err.Error(), "erase timeout") {
		t.Errorf("expected erase timeout error, got %v", err)
	}
}

// ============================================================
// Status Tests
// ============================================================

func TestProject(t *testing.T) {
	tests := []struct {
		name  string
		state SessionState
		want  Status
	}{
		{"idle", SessionState{Phase: PhaseIdle}, Status{Kind: StatusIdle}},
		{"negotiating", SessionState{Phase: PhaseNegotiatingSize}, Status{Kind: StatusPreparing}},
		{"erasing", SessionState{Phase: PhaseErasing, TotalChunks: 5}, Status{Kind: StatusPreparing}},
		{"transferring", SessionState{Phase: PhaseTransferring, NextIndex: 2, TotalChunks: 5}, Status{Kind: StatusUploading, Percent: 40}},
		{"rounds down", SessionState{Phase: PhaseTransferring, NextIndex: 1, TotalChunks: 3}, Status{Kind: StatusUploading, Percent: 33}},
		{"finalizing", SessionState{Phase: PhaseFinalizing, NextIndex: 4, TotalChunks: 5}, Status{Kind: StatusUploading, Percent: 80}},
		{"completed", SessionState{Phase: PhaseCompleted, NextIndex: 4, TotalChunks: 5}, Status{Kind: StatusCompleted, Percent: 100}},
		{"failed", SessionState{Phase: PhaseFailed, LastErr: ErrEraseTimeout}, Status{Kind: StatusError, Message: "ota: erase timeout"}},
		{"aborted without error", SessionState{Phase: PhaseAborted}, Status{Kind: StatusError, Message: "ABORTED"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Project(tt.state); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestStatus_String(t *testing.T) {
	if s := (Status{Kind: StatusUploading, Percent: 40}).String(); s != "Uploading 40%" {
		t.Errorf("unexpected %q", s)
	}
	if s := (Status{Kind: StatusError, Message: "boom"}).String(); s != "Error: boom" {
		t.Errorf("unexpected %q", s)
	}
}

// ============================================================
// Error Tests
// ============================================================

func TestError_IsMatchesKind(t *testing.T) {
	cause := errors.New("read: connection reset")
	err := fmt.Errorf("flashing heater: %w", &Error{Kind: KindLinkLost, Phase: PhaseTransferring, Err: cause})

	if !errors.Is(err, ErrLinkLost) {
		t.Error("wrapped error does not match its kind")
	}
	if errors.Is(err, ErrRejected) {
		t.Error("wrapped error matches a different kind")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if KindOf(err) != KindLinkLost {
		t.Errorf("KindOf: expected link lost, got %s", KindOf(err))
	}
	if KindOf(cause) != 0 {
		t.Error("KindOf should be 0 for foreign errors")
	}
}

func TestError_Message(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{&Error{Kind: KindDeviceReported, Code: 0x00AB}, "ota: device reported error (code 0x00AB)"},
		{&Error{Kind: KindChunkRetriesExhausted, Index: 7}, "ota: chunk retries exhausted (chunk 7)"},
		{newError(KindInvalidMTU, PhaseIdle, "mtu %d", 0), "ota: invalid MTU: mtu 0"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestPhase_Terminal(t *testing.T) {
	for _, p := range []Phase{PhaseIdle, PhaseNegotiatingSize, PhaseErasing, PhaseTransferring, PhaseFinalizing} {
		if p.Terminal() {
			t.Errorf("%s should not be terminal", p)
		}
	}
	for _, p := range []Phase{PhaseCompleted, PhaseFailed, PhaseAborted} {
		if !p.Terminal() {
			t.Errorf("%s should be terminal", p)
		}
	}
}
