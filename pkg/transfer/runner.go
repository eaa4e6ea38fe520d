// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/otaflash/pkg/journal"
	"github.com/Thermoquad/otaflash/pkg/ota"
	"github.com/Thermoquad/otaflash/pkg/otawire"
)

// DefaultTarget names the registry slot used when no target is configured
const DefaultTarget = "default"

// Option configures a Runner
type Option func(*Runner)

// WithSessionOptions passes options to every session the runner creates
func WithSessionOptions(opts ...ota.Option) Option {
	return func(r *Runner) { r.sessionOpts = append(r.sessionOpts, opts...) }
}

// WithRegistry shares a registry so transfers to target are exclusive
// across runners
func WithRegistry(reg *ota.Registry, target string) Option {
	return func(r *Runner) {
		r.registry = reg
		r.target = target
	}
}

// WithLogger sets the runner's logger
func WithLogger(l zerolog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithMetrics exports counters to m
func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithStatistics records traffic into s instead of a private tracker
func WithStatistics(s *Statistics) Option {
	return func(r *Runner) { r.stats = s }
}

// WithStatusHandler receives every status change of the session
func WithStatusHandler(fn func(ota.StatusUpdate)) Option {
	return func(r *Runner) { r.onStatus = fn }
}

// WithJournal records the session to w
func WithJournal(w io.Writer) Option {
	return func(r *Runner) { r.journalOut = w }
}

// Runner executes transfers over a Channel, one at a time.
//
// All session inputs (decoded frames, timer expiry, disconnects and aborts)
// are serialized through the goroutine that called Run. A single reader
// goroutine, started by the first Run, owns the channel's read side for the
// runner's lifetime. Frames that arrive while no transfer is running are
// dropped.
type Runner struct {
	ch          Channel
	sessionOpts []ota.Option
	registry    *ota.Registry
	target      string
	log         zerolog.Logger
	metrics     *Metrics
	stats       *Statistics
	onStatus    func(ota.StatusUpdate)
	journalOut  io.Writer

	abort   chan struct{}
	journal *journal.Writer

	readOnce sync.Once
	events   chan inbound
	readDone chan struct{}
	readErr  error // valid once readDone is closed

	mu      sync.Mutex
	gen     uint64
	running chan struct{} // closed when the current transfer ends
}

// NewRunner creates a runner over ch. The caller keeps ownership of ch and
// must close it after the last Run returns; closing ch stops the reader.
// Run must not be called concurrently.
func NewRunner(ch Channel, opts ...Option) *Runner {
	r := &Runner{
		ch:       ch,
		target:   DefaultTarget,
		log:      zerolog.Nop(),
		abort:    make(chan struct{}, 1),
		events:   make(chan inbound, 16),
		readDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry == nil {
		r.registry = ota.NewRegistry()
	}
	if r.stats == nil {
		r.stats = NewStatistics()
	}
	return r
}

// Statistics returns the runner's traffic statistics
func (r *Runner) Statistics() *Statistics {
	return r.stats
}

// Abort asks a running transfer to stop. It does not block. If no transfer
// is running, the next Run aborts as soon as it starts.
func (r *Runner) Abort() {
	select {
	case r.abort <- struct{}{}:
	default:
	}
}

// inbound is one decoded input from the read loop, tagged with the
// transfer it was read during
type inbound struct {
	gen   uint64
	event ota.Event
	body  []byte
}

// Run transfers img and blocks until the session is terminal. Cancelling
// ctx aborts the transfer. A runner may run any number of transfers in
// sequence over the same channel.
func (r *Runner) Run(ctx context.Context, img *ota.Image, mtuHint uint32) (ota.Digest, error) {
	opts := append([]ota.Option{ota.WithLogger(r.log)}, r.sessionOpts...)

	h, err := r.registry.Start(r.target, img, mtuHint, opts...)
	if err != nil {
		return ota.Digest{}, err
	}
	defer r.registry.Release(h)

	log := r.log.With().Str("session", h.ID.String()).Str("target", r.target).Logger()

	if r.journalOut != nil {
		r.journal, err = r.openJournal(h, img, mtuHint)
		if err != nil {
			h.Session.Abort()
			return ota.Digest{}, err
		}
		defer func() { r.journal = nil }()
	}

	// subscribe once the journal is open so the first STATUS entry follows
	// the header
	h.Session.Subscribe(r.statusChanged)
	r.statusChanged(ota.StatusUpdate{Phase: h.Session.Phase(), Status: h.Session.Status()})

	r.stats.Reset()
	gen := r.begin()
	defer r.end()
	r.readOnce.Do(func() { go r.readLoop() })

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	eff := h.Initial
loop:
	for {
		eff = r.apply(h, eff, log)

		switch eff.Timer {
		case ota.TimerArm:
			timer.Reset(eff.Timeout)
		case ota.TimerStop:
			timer.Stop()
		}

		if eff.Done {
			break loop
		}

		select {
		case <-ctx.Done():
			log.Info().Err(ctx.Err()).Msg("Context done, aborting transfer")
			r.record(journal.KindAbort, nil, ctx.Err().Error())
			eff = h.Session.Abort()

		case <-r.abort:
			log.Info().Msg("Abort requested")
			r.record(journal.KindAbort, nil, "")
			eff = h.Session.Abort()

		case in := <-r.events:
			eff = r.handleInbound(h, gen, in)

		case <-r.readDone:
			// deliver frames read before the failure first
			select {
			case in := <-r.events:
				eff = r.handleInbound(h, gen, in)
			default:
				log.Warn().Err(r.readErr).Msg("Link lost")
				r.record(journal.KindDisconnect, nil, r.readErr.Error())
				eff = h.HandleEvent(ota.ChannelDisconnected{Err: r.readErr})
			}

		case <-timer.C:
			r.stats.RecordTimeout()
			r.metrics.observeTimeout()
			r.record(journal.KindTimeout, nil, "")
			eff = h.HandleEvent(ota.Timeout{})
		}
	}

	state := h.Session.State()
	digest, err := h.Session.Result()
	r.metrics.observeFinished(state.Phase, err, state.Elapsed)

	if err != nil {
		log.Warn().Err(err).Str("phase", state.Phase.String()).Msg("Transfer did not complete")
		return ota.Digest{}, err
	}

	c := r.stats.Snapshot()
	log.Info().
		Str("digest", digest.String()).
		Dur("elapsed", state.Elapsed).
		Float64("kbps", c.Throughput).
		Uint64("resends", c.Resends).
		Msg("Transfer complete")
	return digest, nil
}

// apply sends eff's messages. A write failure is fed back to the session as
// a disconnect and the resulting effects are applied instead.
func (r *Runner) apply(h *ota.Handle, eff ota.Effects, log zerolog.Logger) ota.Effects {
	for {
		var writeErr error
		for _, out := range eff.Send {
			if err := r.send(out); err != nil {
				writeErr = err
				break
			}
		}
		if writeErr == nil {
			return eff
		}
		if eff.Done {
			// best-effort abort notice on a dead link
			log.Debug().Err(writeErr).Msg("Failed to send final message")
			r.record(journal.KindDisconnect, nil, writeErr.Error())
			return eff
		}

		log.Warn().Err(writeErr).Msg("Write failed")
		r.record(journal.KindDisconnect, nil, writeErr.Error())
		eff = h.HandleEvent(ota.ChannelDisconnected{Err: writeErr})
	}
}

func (r *Runner) send(out ota.Outbound) error {
	msg, err := otawire.FromOutbound(out)
	if err != nil {
		return err
	}
	body, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	frame, err := otawire.EncodeFrame(body)
	if err != nil {
		return err
	}

	if _, err := r.ch.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s: %w", otawire.FormatMessageType(msg.Type), err)
	}

	r.stats.RecordSent(out, len(frame))
	r.metrics.observeSent(msg, out, len(frame))
	r.record(journal.KindOutbound, body, "")
	return nil
}

// begin opens a new transfer generation for the reader
func (r *Runner) begin() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.running = make(chan struct{})
	return r.gen
}

func (r *Runner) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	close(r.running)
	r.running = nil
}

// handleInbound feeds in to the session unless it was read during an
// earlier transfer
func (r *Runner) handleInbound(h *ota.Handle, gen uint64, in inbound) ota.Effects {
	if in.gen != gen {
		return ota.Effects{}
	}
	r.recordInbound(in)
	return h.HandleEvent(in.event)
}

// deliver hands in to the running transfer. It drops in when no transfer is
// running or the transfer ends before taking it.
func (r *Runner) deliver(in inbound) {
	r.mu.Lock()
	in.gen = r.gen
	running := r.running
	r.mu.Unlock()

	if running == nil {
		r.log.Debug().Msg("Dropped frame outside a transfer")
		return
	}
	select {
	case r.events <- in:
	case <-running:
	}
}

// readLoop decodes frames until the channel fails. The failure is left in
// readErr for every later transfer to see.
func (r *Runner) readLoop() {
	defer close(r.readDone)

	dec := otawire.NewDecoder()
	buf := make([]byte, 1024)

	for {
		n, err := r.ch.Read(buf)

		for _, b := range buf[:n] {
			msg, decodeErr := dec.DecodeByte(b)
			if decodeErr != nil {
				r.stats.RecordDecodeError(decodeErr)
				r.metrics.observeFrameError(decodeErr)
				if errors.Is(decodeErr, otawire.ErrMalformed) {
					r.deliver(inbound{event: ota.Malformed{Err: decodeErr}})
					continue
				}
				r.log.Debug().Err(decodeErr).Msg("Dropped frame")
				continue
			}
			if msg == nil {
				continue
			}

			r.stats.RecordReceived()
			body, _ := msg.MarshalBinary()
			r.deliver(inbound{event: msg.Event(), body: body})
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrConnectionClosed
			}
			r.readErr = err
			return
		}
	}
}

func (r *Runner) statusChanged(u ota.StatusUpdate) {
	r.metrics.observeStatus(u)
	r.record(journal.KindStatus, nil, u.Status.String())
	if r.onStatus != nil {
		r.onStatus(u)
	}
}

func (r *Runner) openJournal(h *ota.Handle, img *ota.Image, mtuHint uint32) (*journal.Writer, error) {
	digest := h.Session.ImageDigest()
	return journal.NewWriter(r.journalOut, journal.Header{
		SessionID:       h.ID.String(),
		Target:          h.Target,
		Started:         time.Now(),
		ImageLength:     uint32(img.Len()),
		DigestAlgorithm: uint8(digest.Algorithm),
		ImageDigest:     digest.Sum,
		MTUHint:         mtuHint,
		Policy:          journal.NewPolicyRecord(h.Session.Policy()),
	})
}

func (r *Runner) recordInbound(in inbound) {
	switch ev := in.event.(type) {
	case ota.Malformed:
		note := ""
		if ev.Err != nil {
			note = ev.Err.Error()
		}
		r.record(journal.KindMalformed, nil, note)
	default:
		r.record(journal.KindInbound, in.body, "")
	}
}

func (r *Runner) record(kind journal.Kind, data []byte, note string) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Record(kind, data, note); err != nil {
		r.log.Warn().Err(err).Msg("Journal write failed")
		r.journal = nil
	}
}
