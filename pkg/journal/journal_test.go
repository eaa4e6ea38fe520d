// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package journal

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/otaflash/pkg/ota"
	"github.com/Thermoquad/otaflash/pkg/otawire"
)

// ============================================================
// Test Helpers
// ============================================================

func testImage(t *testing.T, n int) *ota.Image {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i ^ 0x5A)
	}
	img, err := ota.NewImage(data)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	return img
}

func headerFor(img *ota.Image, mtu uint32) Header {
	d := img.Digest(ota.DefaultDigestPolicy())
	return Header{
		SessionID:       "01J0000000000000000000TEST",
		Target:          "heater-1",
		Started:         time.Unix(1700000000, 0),
		ImageLength:     uint32(img.Len()),
		DigestAlgorithm: uint8(d.Algorithm),
		ImageDigest:     d.Sum,
		MTUHint:         mtu,
		Policy:          NewPolicyRecord(ota.DefaultPolicy()),
	}
}

func body(t *testing.T, m *otawire.Message) []byte {
	t.Helper()
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return b
}

// recording builds the entries of a clean two-chunk transfer of img
func recording(t *testing.T, img *ota.Image, mtu uint32) []Entry {
	t.Helper()
	chunks, err := ota.Plan(img, mtu, mtu)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	d := img.Digest(ota.DefaultDigestPolicy())

	entries := []Entry{
		{Kind: KindOutbound, Data: body(t, otawire.NewSizeProposal(uint32(img.Len()), mtu))},
		{Kind: KindInbound, Data: body(t, otawire.NewSizeAck(true, mtu))},
		{Kind: KindInbound, Data: body(t, otawire.NewEraseComplete())},
	}
	for _, c := range chunks {
		entries = append(entries,
			Entry{Kind: KindOutbound, Data: body(t, otawire.NewChunk(c.Index, c.CRC, c.Payload))},
			Entry{Kind: KindStatus, Note: "Uploading"},
			Entry{Kind: KindInbound, Data: body(t, otawire.NewChunkAck(c.Index, true))},
		)
	}
	entries = append(entries,
		Entry{Kind: KindOutbound, Data: body(t, otawire.NewFinalize(uint8(d.Algorithm), d.Sum))},
		Entry{Kind: KindInbound, Data: body(t, otawire.NewTransferComplete())},
	)
	return entries
}

// ============================================================
// Writer / Reader Tests
// ============================================================

func TestJournal_RoundTrip(t *testing.T) {
	img := testImage(t, 100)
	hdr := headerFor(img, 64)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, hdr)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	step := time.Unix(1700000000, 0)
	w.now = func() time.Time {
		step = step.Add(10 * time.Millisecond)
		return step
	}

	want := recording(t, img, 64)
	for _, e := range want {
		if err := w.Record(e.Kind, e.Data, e.Note); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, entries, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got.Version != Version || got.SessionID != hdr.SessionID || got.Target != hdr.Target {
		t.Errorf("header mismatch: %+v", got)
	}
	if !got.Started.Equal(hdr.Started) {
		t.Errorf("started %s, want %s", got.Started, hdr.Started)
	}
	if !got.Digest().Equal(img.Digest(ota.DefaultDigestPolicy())) {
		t.Error("digest mismatch")
	}
	if got.Policy.Policy() != ota.DefaultPolicy() {
		t.Errorf("policy %+v, want %+v", got.Policy.Policy(), ota.DefaultPolicy())
	}

	if len(entries) != len(want) {
		t.Fatalf("read %d entries, wrote %d", len(entries), len(want))
	}
	for i := range want {
		if entries[i].Kind != want[i].Kind || !bytes.Equal(entries[i].Data, want[i].Data) || entries[i].Note != want[i].Note {
			t.Errorf("entry %d: got %+v, want %+v", i, entries[i], want[i])
		}
		if entries[i].Offset != time.Duration(i+1)*10*time.Millisecond {
			t.Errorf("entry %d: offset %s", i, entries[i].Offset)
		}
	}
}

func TestJournal_CreateAndClose(t *testing.T) {
	img := testImage(t, 10)
	path := filepath.Join(t.TempDir(), "session.otaj")

	w, err := Create(path, headerFor(img, 10))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := w.Record(KindTimeout, nil, ""); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	r, err := NewReader(f)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	e, err := r.Next()
	if err != nil || e.Kind != KindTimeout {
		t.Fatalf("Next: %+v, %v", e, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestJournal_RejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := cbor.NewEncoder(&buf).Encode(Header{Version: Version + 1}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := NewReader(&buf); err == nil || !strings.Contains(err.Error(), "unsupported journal version") {
		t.Errorf("expected version error, got %v", err)
	}
}

type failingWriter struct{ n int }

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.n == 0 {
		return 0, errors.New("disk full")
	}
	f.n--
	return len(p), nil
}

func TestWriter_StickyError(t *testing.T) {
	w, err := NewWriter(&failingWriter{n: 1}, Header{})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	first := w.Record(KindTimeout, nil, "")
	if first == nil {
		t.Fatal("expected write error")
	}
	if second := w.Record(KindTimeout, nil, ""); second != first {
		t.Errorf("expected sticky error %v, got %v", first, second)
	}
}

func TestKind_String(t *testing.T) {
	if KindOutbound.String() != "OUT" || KindStatus.String() != "STATUS" {
		t.Error("unexpected kind names")
	}
	if Kind(99).String() != "KIND(99)" {
		t.Errorf("unexpected unknown kind name %q", Kind(99).String())
	}
}

// ============================================================
// Replay Tests
// ============================================================

func TestReplay_CleanRecording(t *testing.T) {
	img := testImage(t, 100)
	hdr := headerFor(img, 64)

	report, err := Replay(hdr, recording(t, img, 64), img)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Divergences) != 0 {
		t.Errorf("unexpected divergences: %v", report.Divergences)
	}
	if report.Phase != ota.PhaseCompleted || report.Err != nil {
		t.Errorf("replay ended in %s: %v", report.Phase, report.Err)
	}
}

func TestReplay_DetectsDivergence(t *testing.T) {
	img := testImage(t, 100)
	hdr := headerFor(img, 64)
	entries := recording(t, img, 64)

	// the recorded controller claimed a different MTU
	entries[0].Data = body(t, otawire.NewSizeProposal(100, 32))

	report, err := Replay(hdr, entries, img)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Divergences) != 1 {
		t.Fatalf("expected 1 divergence, got %v", report.Divergences)
	}
	d := report.Divergences[0]
	if d.Entry != 0 {
		t.Errorf("divergence at entry %d, want 0", d.Entry)
	}
	if !strings.Contains(d.String(), "entry 0") {
		t.Errorf("unexpected description %q", d.String())
	}
}

func TestReplay_ReportsUnsentMessages(t *testing.T) {
	img := testImage(t, 100)
	hdr := headerFor(img, 64)
	entries := recording(t, img, 64)

	// drop the recorded FINALIZE; the replay still produces it
	var trimmed []Entry
	for _, e := range entries {
		if e.Kind == KindOutbound {
			if m, err := otawire.ParseMessage(e.Data); err == nil && m.Type == otawire.MsgFinalize {
				continue
			}
		}
		trimmed = append(trimmed, e)
	}

	report, err := Replay(hdr, trimmed, img)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Divergences) != 1 || report.Divergences[0].Recorded != nil {
		t.Fatalf("expected one unrecorded message, got %v", report.Divergences)
	}
}

func TestReplay_FailureInputs(t *testing.T) {
	img := testImage(t, 100)
	hdr := headerFor(img, 64)
	base := recording(t, img, 64)[:3] // proposal, size ack, erase complete

	tests := []struct {
		name  string
		entry Entry
		phase ota.Phase
		want  error
	}{
		{"disconnect", Entry{Kind: KindDisconnect, Note: "EOF"}, ota.PhaseFailed, ota.ErrLinkLost},
		{"abort", Entry{Kind: KindAbort}, ota.PhaseAborted, ota.ErrAborted},
		{"malformed", Entry{Kind: KindMalformed, Note: "short body"}, ota.PhaseFailed, ota.ErrProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := append(append([]Entry(nil), base...), tt.entry)
			report, err := Replay(hdr, entries, img)
			if err != nil {
				t.Fatalf("Replay: %v", err)
			}
			if report.Phase != tt.phase {
				t.Errorf("phase %s, want %s", report.Phase, tt.phase)
			}
			if !errors.Is(report.Err, tt.want) {
				t.Errorf("error %v, want %v", report.Err, tt.want)
			}
		})
	}
}

func TestReplay_AbortNeverSent(t *testing.T) {
	img := testImage(t, 100)
	hdr := headerFor(img, 64)

	// the ABORT could not be written, so only the disconnect was recorded
	entries := append(recording(t, img, 64)[:3],
		Entry{Kind: KindAbort, Note: "context canceled"},
		Entry{Kind: KindDisconnect, Note: "io: read/write on closed pipe"},
	)

	report, err := Replay(hdr, entries, img)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Divergences) != 0 {
		t.Errorf("unexpected divergences: %v", report.Divergences)
	}
	if report.Phase != ota.PhaseAborted || !errors.Is(report.Err, ota.ErrAborted) {
		t.Errorf("replay ended in %s: %v", report.Phase, report.Err)
	}
}

func TestReplay_ImageMismatch(t *testing.T) {
	img := testImage(t, 100)
	hdr := headerFor(img, 64)

	if _, err := Replay(hdr, nil, testImage(t, 99)); err == nil {
		t.Error("expected length mismatch error")
	}

	other, _ := ota.NewImage(bytes.Repeat([]byte{1}, 100))
	if _, err := Replay(hdr, nil, other); err == nil {
		t.Error("expected digest mismatch error")
	}
}
