// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// ============================================================
// Session Test Helpers
// ============================================================

// fakeClock advances by step on every call
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func testImage(t *testing.T, n int) *Image {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	img, err := NewImage(data)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	return img
}

// harness records every outbound message and status update of a session
type harness struct {
	t       *testing.T
	s       *Session
	sent    []Outbound
	updates []StatusUpdate
	last    Effects
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0), step: 10 * time.Millisecond}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	h := &harness{t: t, s: NewSession(opts...)}
	h.s.Subscribe(func(u StatusUpdate) { h.updates = append(h.updates, u) })
	return h
}

func (h *harness) start(img *Image, mtu uint32) {
	h.t.Helper()
	eff, err := h.s.Start(img, mtu)
	if err != nil {
		h.t.Fatalf("Start: %v", err)
	}
	h.apply(eff)
}

func (h *harness) event(ev Event) Effects {
	eff := h.s.HandleEvent(ev)
	h.apply(eff)
	return eff
}

func (h *harness) apply(eff Effects) {
	h.sent = append(h.sent, eff.Send...)
	h.last = eff
}

func (h *harness) expectPhase(want Phase) {
	h.t.Helper()
	if got := h.s.Phase(); got != want {
		h.t.Fatalf("phase: expected %s, got %s", want, got)
	}
}

func (h *harness) percents() []int {
	out := make([]int, 0, len(h.updates))
	for _, u := range h.updates {
		out = append(out, u.Status.Percent)
	}
	return out
}

// toTransferring drives a fresh session to Transferring with chunk 0 sent
func (h *harness) toTransferring(img *Image, mtu uint32) {
	h.t.Helper()
	h.start(img, mtu)
	h.event(SizeAck{Accepted: true, MTU: mtu})
	h.event(EraseComplete{})
	h.expectPhase(PhaseTransferring)
}

// ackThrough acknowledges chunks 0..last in order
func (h *harness) ackThrough(last uint32) {
	h.t.Helper()
	for i := uint32(0); i <= last; i++ {
		h.event(ChunkAck{Index: i, OK: true})
	}
}

func chunkSends(sent []Outbound) []SendChunk {
	var out []SendChunk
	for _, m := range sent {
		if c, ok := m.(SendChunk); ok {
			out = append(out, c)
		}
	}
	return out
}

// ============================================================
// Scenario Tests
// ============================================================

func TestSession_HappyPath(t *testing.T) {
	h := newHarness(t)
	img := testImage(t, 1000)

	h.start(img, 200)
	h.expectPhase(PhaseNegotiatingSize)
	if p, ok := h.sent[0].(SizeProposal); !ok || p.TotalLength != 1000 || p.MTU != 200 {
		t.Fatalf("expected SizeProposal{1000, 200}, got %#v", h.sent[0])
	}
	if h.last.Timer != TimerArm || h.last.Timeout != DefaultPolicy().NegotiationTimeout {
		t.Errorf("expected negotiation timer, got %+v", h.last)
	}

	h.event(SizeAck{Accepted: true, MTU: 200})
	h.expectPhase(PhaseErasing)
	if h.last.Timeout != DefaultPolicy().EraseTimeout {
		t.Errorf("expected erase timeout, got %s", h.last.Timeout)
	}

	h.event(EraseComplete{})
	h.expectPhase(PhaseTransferring)

	h.ackThrough(4)
	h.expectPhase(PhaseFinalizing)

	fin, ok := h.sent[len(h.sent)-1].(Finalize)
	if !ok {
		t.Fatalf("expected Finalize after last ack, got %#v", h.sent[len(h.sent)-1])
	}
	if !fin.Digest.Equal(img.Digest(DefaultDigestPolicy())) {
		t.Errorf("finalize digest mismatch: %s", fin.Digest)
	}

	eff := h.event(TransferComplete{})
	h.expectPhase(PhaseCompleted)
	if !eff.Done || eff.Timer != TimerStop {
		t.Errorf("expected terminal effects, got %+v", eff)
	}

	digest, err := h.s.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if !digest.Equal(fin.Digest) {
		t.Errorf("result digest %s != finalize digest %s", digest, fin.Digest)
	}

	sends := chunkSends(h.sent)
	if len(sends) != 5 {
		t.Fatalf("expected 5 chunk sends, got %d", len(sends))
	}
	var rebuilt []byte
	for i, c := range sends {
		if c.Chunk.Index != uint32(i) || c.Resend {
			t.Errorf("send %d: unexpected chunk %d resend=%t", i, c.Chunk.Index, c.Resend)
		}
		rebuilt = append(rebuilt, c.Chunk.Payload...)
	}
	if !bytes.Equal(rebuilt, img.Bytes()) {
		t.Error("sent payloads do not reproduce the image")
	}

	want := []int{0, 0, 20, 40, 60, 80, 100}
	got := h.percents()
	if len(got) != len(want) {
		t.Fatalf("percent sequence: expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("percent sequence: expected %v, got %v", want, got)
		}
	}
	if h.updates[0].Status.Kind != StatusPreparing || h.updates[1].Status.Kind != StatusUploading {
		t.Errorf("unexpected status kinds: %v, %v", h.updates[0].Status, h.updates[1].Status)
	}
	if h.updates[len(h.updates)-1].Status.Kind != StatusCompleted {
		t.Errorf("expected final Completed status, got %v", h.updates[len(h.updates)-1].Status)
	}
}

func TestSession_NackWithinBudget(t *testing.T) {
	h := newHarness(t)
	h.toTransferring(testImage(t, 1000), 200)
	h.ackThrough(1)

	h.event(ChunkAck{Index: 2, OK: false})
	h.event(ChunkAck{Index: 2, OK: false})
	if st := h.s.State(); st.Retries != 2 || st.NextIndex != 2 {
		t.Fatalf("expected 2 retries on chunk 2, got retries=%d next=%d", st.Retries, st.NextIndex)
	}

	h.event(ChunkAck{Index: 2, OK: true})
	h.expectPhase(PhaseTransferring)
	if st := h.s.State(); st.Retries != 0 || st.NextIndex != 3 {
		t.Errorf("expected retries reset and next=3, got retries=%d next=%d", st.Retries, st.NextIndex)
	}

	resends := 0
	for _, c := range chunkSends(h.sent) {
		if c.Resend {
			resends++
			if c.Chunk.Index != 2 {
				t.Errorf("unexpected resend of chunk %d", c.Chunk.Index)
			}
		}
	}
	if resends != 2 {
		t.Errorf("expected 2 resends, got %d", resends)
	}
}

func TestSession_NackBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.toTransferring(testImage(t, 1000), 200)
	h.ackThrough(1)

	for i := 0; i < 3; i++ {
		h.event(ChunkAck{Index: 2, OK: false})
	}

	h.expectPhase(PhaseFailed)
	_, err := h.s.Result()
	if !errors.Is(err, ErrChunkRetriesExhausted) {
		t.Fatalf("expected ErrChunkRetriesExhausted, got %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Index != 2 {
		t.Errorf("expected error for chunk 2, got %#v", err)
	}
}

func TestSession_AckAheadOfNext(t *testing.T) {
	for _, ok := range []bool{true, false} {
		h := newHarness(t)
		h.toTransferring(testImage(t, 1000), 200)
		h.ackThrough(0)

		h.event(ChunkAck{Index: 3, OK: ok})
		h.expectPhase(PhaseFailed)
		if _, err := h.s.Result(); !errors.Is(err, ErrProtocolViolation) {
			t.Errorf("ok=%t: expected ErrProtocolViolation, got %v", ok, err)
		}
	}
}

func TestSession_DisconnectDuringTransfer(t *testing.T) {
	h := newHarness(t)
	h.toTransferring(testImage(t, 1000), 200)
	h.ackThrough(1)

	cause := errors.New("serial port unplugged")
	sentBefore := len(h.sent)
	eff := h.event(ChannelDisconnected{Err: cause})

	h.expectPhase(PhaseFailed)
	if len(eff.Send) != 0 || len(h.sent) != sentBefore {
		t.Errorf("expected no sends after disconnect, got %v", eff.Send)
	}
	_, err := h.s.Result()
	if !errors.Is(err, ErrLinkLost) {
		t.Fatalf("expected ErrLinkLost, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be wrapped, got %v", err)
	}

	// further events are ignored
	h.event(ChunkAck{Index: 2, OK: true})
	if len(h.sent) != sentBefore {
		t.Error("terminal session produced sends")
	}
}

func TestSession_AbortDuringErase(t *testing.T) {
	h := newHarness(t)
	h.start(testImage(t, 1000), 200)
	h.event(SizeAck{Accepted: true, MTU: 200})
	h.expectPhase(PhaseErasing)

	eff := h.s.Abort()
	h.apply(eff)
	h.expectPhase(PhaseAborted)
	if !eff.Done || len(eff.Send) != 1 {
		t.Fatalf("expected one abort notice, got %+v", eff)
	}
	if _, ok := eff.Send[0].(AbortNotice); !ok {
		t.Errorf("expected AbortNotice, got %#v", eff.Send[0])
	}

	late := h.event(EraseComplete{})
	h.expectPhase(PhaseAborted)
	if len(late.Send) != 0 || late.Done {
		t.Errorf("late event produced effects: %+v", late)
	}
	if _, err := h.s.Result(); !errors.Is(err, ErrAborted) {
		t.Errorf("expected ErrAborted, got %v", err)
	}

	last := h.updates[len(h.updates)-1]
	if last.Status.Kind != StatusError || last.Phase != PhaseAborted {
		t.Errorf("expected Error status on abort, got %+v", last)
	}
}

// ============================================================
// Negotiation Tests
// ============================================================

func TestSession_SizeRejected(t *testing.T) {
	h := newHarness(t)
	h.start(testImage(t, 100), 50)
	h.event(SizeAck{Accepted: false})

	h.expectPhase(PhaseFailed)
	if _, err := h.s.Result(); !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected, got %v", err)
	}
}

func TestSession_NegotiatedMTUAboveHint(t *testing.T) {
	h := newHarness(t)
	h.start(testImage(t, 100), 50)
	h.event(SizeAck{Accepted: true, MTU: 64})

	h.expectPhase(PhaseFailed)
	if _, err := h.s.Result(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestSession_NegotiatedMTUZero(t *testing.T) {
	h := newHarness(t)
	h.start(testImage(t, 100), 50)
	h.event(SizeAck{Accepted: true, MTU: 0})

	h.expectPhase(PhaseFailed)
	if _, err := h.s.Result(); !errors.Is(err, ErrInvalidMTU) {
		t.Errorf("expected ErrInvalidMTU, got %v", err)
	}
}

func TestSession_SmallerNegotiatedMTU(t *testing.T) {
	h := newHarness(t)
	h.start(testImage(t, 100), 50)
	h.event(SizeAck{Accepted: true, MTU: 30})
	h.event(EraseComplete{})

	if st := h.s.State(); st.MTU != 30 || st.TotalChunks != 4 {
		t.Errorf("expected mtu 30 and 4 chunks, got mtu=%d chunks=%d", st.MTU, st.TotalChunks)
	}
	sends := chunkSends(h.sent)
	if len(sends) != 1 || len(sends[0].Chunk.Payload) != 30 {
		t.Errorf("expected first chunk of 30 bytes, got %+v", sends)
	}
}

func TestSession_NegotiationTimeouts(t *testing.T) {
	h := newHarness(t)
	h.start(testImage(t, 100), 50)

	h.event(Timeout{})
	h.event(Timeout{})
	h.expectPhase(PhaseNegotiatingSize)

	proposals := 0
	for _, m := range h.sent {
		if _, ok := m.(SizeProposal); ok {
			proposals++
		}
	}
	if proposals != 3 {
		t.Errorf("expected 3 proposals, got %d", proposals)
	}

	h.event(Timeout{})
	h.expectPhase(PhaseFailed)
	if _, err := h.s.Result(); !errors.Is(err, ErrNoResponse) {
		t.Errorf("expected ErrNoResponse, got %v", err)
	}
}

// ============================================================
// Timeout Tests
// ============================================================

func TestSession_EraseTimeoutNotRetried(t *testing.T) {
	h := newHarness(t)
	h.start(testImage(t, 100), 50)
	h.event(SizeAck{Accepted: true, MTU: 50})

	eff := h.event(Timeout{})
	h.expectPhase(PhaseFailed)
	if len(eff.Send) != 0 {
		t.Errorf("expected no resend on erase timeout, got %v", eff.Send)
	}
	if _, err := h.s.Result(); !errors.Is(err, ErrEraseTimeout) {
		t.Errorf("expected ErrEraseTimeout, got %v", err)
	}
}

func TestSession_ChunkTimeouts(t *testing.T) {
	h := newHarness(t)
	h.toTransferring(testImage(t, 100), 50)

	h.event(Timeout{})
	h.event(Timeout{})
	resends := chunkSends(h.sent)
	if len(resends) != 3 || !resends[1].Resend || !resends[2].Resend {
		t.Fatalf("expected chunk 0 sent then resent twice, got %+v", resends)
	}

	h.event(Timeout{})
	h.expectPhase(PhaseFailed)
	if _, err := h.s.Result(); !errors.Is(err, ErrChunkTimeoutExhausted) {
		t.Errorf("expected ErrChunkTimeoutExhausted, got %v", err)
	}
}

func TestSession_NackAndTimeoutShareBudget(t *testing.T) {
	h := newHarness(t)
	h.toTransferring(testImage(t, 100), 50)

	h.event(ChunkAck{Index: 0, OK: false})
	h.event(Timeout{})
	h.event(ChunkAck{Index: 0, OK: false})

	h.expectPhase(PhaseFailed)
	if _, err := h.s.Result(); !errors.Is(err, ErrChunkRetriesExhausted) {
		t.Errorf("expected ErrChunkRetriesExhausted, got %v", err)
	}
}

func TestSession_FinalizeTimeout(t *testing.T) {
	h := newHarness(t)
	h.toTransferring(testImage(t, 100), 50)
	h.ackThrough(1)
	h.expectPhase(PhaseFinalizing)

	if h.last.Timeout != DefaultPolicy().FinalizeTimeout {
		t.Errorf("expected finalize timeout, got %s", h.last.Timeout)
	}

	h.event(Timeout{})
	h.expectPhase(PhaseFailed)
	if _, err := h.s.Result(); !errors.Is(err, ErrFinalizeTimeout) {
		t.Errorf("expected ErrFinalizeTimeout, got %v", err)
	}
}

// ============================================================
// Stale Ack Tests
// ============================================================

func TestSession_StaleAckIgnored(t *testing.T) {
	tests := []struct {
		name string
		ack  ChunkAck
	}{
		{name: "duplicate ok", ack: ChunkAck{Index: 1, OK: true}},
		{name: "late nack", ack: ChunkAck{Index: 0, OK: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.toTransferring(testImage(t, 1000), 200)
			h.ackThrough(1)
			sentBefore := len(h.sent)

			eff := h.event(tt.ack)
			h.expectPhase(PhaseTransferring)
			if eff.Timer != TimerKeep || len(eff.Send) != 0 {
				t.Errorf("expected no effects for stale ack, got %+v", eff)
			}
			if len(h.sent) != sentBefore {
				t.Error("stale ack caused a send")
			}
			if st := h.s.State(); st.NextIndex != 2 || st.Retries != 0 {
				t.Errorf("stale ack changed state: next=%d retries=%d", st.NextIndex, st.Retries)
			}
		})
	}
}

func TestSession_StaleAckWhileFinalizing(t *testing.T) {
	h := newHarness(t)
	h.toTransferring(testImage(t, 100), 50)
	h.ackThrough(1)
	h.expectPhase(PhaseFinalizing)

	h.event(ChunkAck{Index: 1, OK: true})
	h.expectPhase(PhaseFinalizing)

	h.event(ChunkAck{Index: 2, OK: true})
	h.expectPhase(PhaseFailed)
	if _, err := h.s.Result(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}
}

// ============================================================
// Unexpected Event Tests
// ============================================================

func TestSession_UnexpectedEvents(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		ev    Event
		want  *Error
	}{
		{
			name:  "chunk ack while negotiating",
			setup: func(h *harness) { h.start(testImage(t, 100), 50) },
			ev:    ChunkAck{Index: 0, OK: true},
			want:  ErrProtocolViolation,
		},
		{
			name: "chunk ack while erasing",
			setup: func(h *harness) {
				h.start(testImage(t, 100), 50)
				h.event(SizeAck{Accepted: true, MTU: 50})
			},
			ev:   ChunkAck{Index: 0, OK: true},
			want: ErrProtocolViolation,
		},
		{
			name:  "transfer complete while transferring",
			setup: func(h *harness) { h.toTransferring(testImage(t, 100), 50) },
			ev:    TransferComplete{},
			want:  ErrProtocolViolation,
		},
		{
			name:  "second size ack",
			setup: func(h *harness) { h.toTransferring(testImage(t, 100), 50) },
			ev:    SizeAck{Accepted: true, MTU: 50},
			want:  ErrProtocolViolation,
		},
		{
			name:  "malformed message",
			setup: func(h *harness) { h.toTransferring(testImage(t, 100), 50) },
			ev:    Malformed{Err: errors.New("short body")},
			want:  ErrProtocolViolation,
		},
		{
			name:  "nil event",
			setup: func(h *harness) { h.toTransferring(testImage(t, 100), 50) },
			ev:    nil,
			want:  ErrProtocolViolation,
		},
		{
			name:  "device error",
			setup: func(h *harness) { h.toTransferring(testImage(t, 100), 50) },
			ev:    DeviceError{Code: 0x0102},
			want:  ErrDeviceReported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)
			h.event(tt.ev)
			h.expectPhase(PhaseFailed)
			if _, err := h.s.Result(); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSession_DeviceErrorCode(t *testing.T) {
	h := newHarness(t)
	h.toTransferring(testImage(t, 100), 50)
	h.event(DeviceError{Code: 0x0102})

	_, err := h.s.Result()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if e.Code != 0x0102 || e.Phase != PhaseTransferring {
		t.Errorf("unexpected error fields: %+v", e)
	}
	if got := h.s.Status().Message; got != err.Error() {
		t.Errorf("status message %q does not match error %q", got, err.Error())
	}
}

// ============================================================
// Lifecycle Tests
// ============================================================

func TestSession_StartValidation(t *testing.T) {
	tests := []struct {
		name string
		img  *Image
		mtu  uint32
		want *Error
	}{
		{name: "nil image", img: nil, mtu: 100, want: ErrEmptyImage},
		{name: "zero mtu", img: testImage(t, 10), mtu: 0, want: ErrInvalidMTU},
		{name: "mtu above max", img: testImage(t, 10), mtu: DefaultMaxMTU + 1, want: ErrInvalidMTU},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession()
			_, err := s.Start(tt.img, tt.mtu)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if s.Phase() != PhaseIdle {
				t.Errorf("expected session to stay idle, got %s", s.Phase())
			}
		})
	}
}

func TestSession_StartTwice(t *testing.T) {
	s := NewSession()
	if _, err := s.Start(testImage(t, 10), 5); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Start(testImage(t, 10), 5); !errors.Is(err, ErrSessionAlreadyActive) {
		t.Errorf("expected ErrSessionAlreadyActive, got %v", err)
	}

	s.Abort()
	if _, err := s.Start(testImage(t, 10), 5); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestSession_AbortIdle(t *testing.T) {
	s := NewSession()
	eff := s.Abort()
	if !eff.Done || len(eff.Send) != 0 {
		t.Errorf("expected silent abort from idle, got %+v", eff)
	}
	if s.Phase() != PhaseAborted {
		t.Errorf("expected Aborted, got %s", s.Phase())
	}

	if again := s.Abort(); again.Done {
		t.Error("second abort should be a no-op")
	}
}

func TestSession_EventsBeforeStartIgnored(t *testing.T) {
	s := NewSession()
	eff := s.HandleEvent(SizeAck{Accepted: true, MTU: 10})
	if eff.Done || len(eff.Send) != 0 || s.Phase() != PhaseIdle {
		t.Errorf("expected idle session to ignore events, got %+v in %s", eff, s.Phase())
	}
}

func TestSession_ResultBeforeDone(t *testing.T) {
	s := NewSession()
	if _, err := s.Result(); !errors.Is(err, ErrSessionNotFinished) {
		t.Errorf("expected ErrSessionNotFinished, got %v", err)
	}
}

func TestSession_ReleasesImage(t *testing.T) {
	h := newHarness(t)
	h.toTransferring(testImage(t, 100), 50)
	h.event(ChannelDisconnected{})

	if h.s.image != nil || h.s.chunks != nil {
		t.Error("terminal session still references image or plan")
	}
}

func TestSession_Elapsed(t *testing.T) {
	h := newHarness(t)
	h.toTransferring(testImage(t, 100), 50)
	h.ackThrough(1)
	h.event(TransferComplete{})

	first := h.s.State().Elapsed
	if first <= 0 {
		t.Fatalf("expected positive elapsed time, got %s", first)
	}
	if second := h.s.State().Elapsed; second != first {
		t.Errorf("elapsed changed after completion: %s -> %s", first, second)
	}
}

func TestSession_Unsubscribe(t *testing.T) {
	h := newHarness(t)
	calls := 0
	unsubscribe := h.s.Subscribe(func(StatusUpdate) { calls++ })
	h.start(testImage(t, 100), 50)
	unsubscribe()
	h.event(SizeAck{Accepted: true, MTU: 50})
	h.event(EraseComplete{})

	if calls != 1 {
		t.Errorf("expected 1 call before unsubscribe, got %d", calls)
	}
	if len(h.updates) != 2 {
		t.Errorf("remaining subscriber should see 2 updates, got %d", len(h.updates))
	}
}

func TestSession_UnsubscribeDuringNotify(t *testing.T) {
	s := NewSession()

	var first, second, third int
	var unsubscribe func()
	unsubscribe = s.Subscribe(func(StatusUpdate) {
		first++
		unsubscribe()
	})
	s.Subscribe(func(StatusUpdate) { second++ })
	s.Subscribe(func(StatusUpdate) { third++ })

	if _, err := s.Start(testImage(t, 100), 50); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.HandleEvent(SizeAck{Accepted: true, MTU: 50})
	s.HandleEvent(EraseComplete{})

	if first != 1 {
		t.Errorf("self-removing subscriber called %d times, want 1", first)
	}
	if second != 2 || third != 2 {
		t.Errorf("remaining subscribers saw %d and %d updates, want 2 each", second, third)
	}
}

func TestSession_MaxMTUCappedToChunkPayload(t *testing.T) {
	s := NewSession(WithMaxMTU(4 * MaxChunkPayload))
	if _, err := s.Start(testImage(t, 4000), 2*MaxChunkPayload); !errors.Is(err, ErrInvalidMTU) {
		t.Fatalf("expected ErrInvalidMTU for a hint above %d, got %v", MaxChunkPayload, err)
	}

	if _, err := Plan(testImage(t, 4000), 2*MaxChunkPayload, 4*MaxChunkPayload); !errors.Is(err, ErrInvalidMTU) {
		t.Errorf("expected Plan to reject mtu above %d, got %v", MaxChunkPayload, err)
	}

	if _, err := s.Start(testImage(t, 4000), MaxChunkPayload); err != nil {
		t.Errorf("Start at the limit: %v", err)
	}
}

// TestSession_SameIndexSamePayload checks that every send of an index carries
// identical bytes across retries
func TestSession_SameIndexSamePayload(t *testing.T) {
	h := newHarness(t, WithPolicy(Policy{
		MaxRetriesPerChunk:    10,
		MaxNegotiationRetries: 1,
		AckTimeout:            time.Second,
		NegotiationTimeout:    time.Second,
		EraseTimeout:          time.Second,
		FinalizeTimeout:       time.Second,
	}))
	h.toTransferring(testImage(t, 500), 64)

	for i := uint32(0); i < 8; i++ {
		h.event(ChunkAck{Index: i, OK: false})
		h.event(Timeout{})
		h.event(ChunkAck{Index: i, OK: true})
	}
	h.expectPhase(PhaseFinalizing)

	seen := map[uint32][]byte{}
	for _, c := range chunkSends(h.sent) {
		if prev, ok := seen[c.Chunk.Index]; ok && !bytes.Equal(prev, c.Chunk.Payload) {
			t.Fatalf("chunk %d sent with two different payloads", c.Chunk.Index)
		}
		seen[c.Chunk.Index] = c.Chunk.Payload
	}
}
