// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Outbound is a message the session asks the driver to send to the target.
//
// Implementations: SizeProposal, SendChunk, Finalize, AbortNotice.
type Outbound interface {
	isOutbound()
}

// SizeProposal announces the image length and the largest chunk the
// controller wants to send
type SizeProposal struct {
	TotalLength uint32
	MTU         uint32
}

// SendChunk carries one chunk. Resend is set when the chunk was sent before.
type SendChunk struct {
	Chunk  Chunk
	Resend bool
}

// Finalize asks the target to verify and commit the image
type Finalize struct {
	Digest Digest
}

// AbortNotice tells the target to discard the transfer
type AbortNotice struct{}

func (SizeProposal) isOutbound() {}
func (SendChunk) isOutbound()    {}
func (Finalize) isOutbound()     {}
func (AbortNotice) isOutbound()  {}

// TimerAction tells the driver what to do with its single timer
type TimerAction int

// Timer actions
const (
	// TimerKeep leaves any running timer untouched
	TimerKeep TimerAction = iota
	// TimerArm (re)starts the timer with Effects.Timeout
	TimerArm
	// TimerStop cancels the timer
	TimerStop
)

// Effects are the side effects of one transition. The driver must send the
// messages in order and then apply the timer action.
type Effects struct {
	Send    []Outbound
	Timer   TimerAction
	Timeout time.Duration
	Done    bool
}

// SessionState is a snapshot of a session's progress
type SessionState struct {
	Phase       Phase
	MTUHint     uint32
	MTU         uint32
	TotalLength uint32
	TotalChunks uint32
	NextIndex   uint32

	// Retries counts failures of the current chunk
	Retries int

	// NegotiationRetries counts unanswered size proposals
	NegotiationRetries int

	Elapsed time.Duration
	LastErr error
}

// Option configures a Session
type Option func(*options)

type options struct {
	policy  Policy
	digests DigestPolicy
	maxMTU  uint32
	logger  zerolog.Logger
	now     func() time.Time
	id      string
	subs    []func(StatusUpdate)
}

func defaultOptions() options {
	return options{
		policy:  DefaultPolicy(),
		digests: DefaultDigestPolicy(),
		maxMTU:  DefaultMaxMTU,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
}

// WithPolicy sets the retry and timeout policy
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithDigestPolicy sets the digest algorithms
func WithDigestPolicy(d DigestPolicy) Option {
	return func(o *options) { o.digests = d }
}

// WithMaxMTU sets the largest MTU the controller will propose or accept.
// Values above MaxChunkPayload are capped to it.
func WithMaxMTU(mtu uint32) Option {
	return func(o *options) { o.maxMTU = min(mtu, MaxChunkPayload) }
}

// WithLogger sets the logger used for transition traces
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now for elapsed time accounting
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSubscriber registers fn before Start so it also sees the first update
func WithSubscriber(fn func(StatusUpdate)) Option {
	return func(o *options) { o.subs = append(o.subs, fn) }
}

// WithID tags the session's log lines with id
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// Session drives one firmware transfer.
//
// A Session is not safe for concurrent use. The driver must serialize Start,
// HandleEvent and Abort.
type Session struct {
	opts options
	log  zerolog.Logger

	state     SessionState
	startedAt time.Time
	endedAt   time.Time

	image  *Image
	chunks []Chunk
	digest Digest

	status      Status
	subscribers []subscriber
	nextSubID   int
}

type subscriber struct {
	id int
	fn func(StatusUpdate)
}

// NewSession creates an idle session
func NewSession(opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if o.id != "" {
		log = log.With().Str("session", o.id).Logger()
	}

	s := &Session{
		opts:   o,
		log:    log,
		status: Status{Kind: StatusIdle},
	}
	for _, fn := range o.subs {
		s.Subscribe(fn)
	}
	return s
}

// ID returns the identifier set with WithID
func (s *Session) ID() string {
	return s.opts.id
}

// Policy returns the session's retry and timeout policy
func (s *Session) Policy() Policy {
	return s.opts.policy
}

// Subscribe registers fn for status changes and returns a function that
// removes it. fn runs synchronously inside the transition.
func (s *Session) Subscribe(fn func(StatusUpdate)) (unsubscribe func()) {
	id := s.nextSubID
	s.nextSubID++
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})
	return func() {
		for i, sub := range s.subscribers {
			if sub.id == id {
				s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
				return
			}
		}
	}
}

// State returns a snapshot of the session
func (s *Session) State() SessionState {
	st := s.state
	switch {
	case s.startedAt.IsZero():
	case s.endedAt.IsZero():
		st.Elapsed = s.opts.now().Sub(s.startedAt)
	default:
		st.Elapsed = s.endedAt.Sub(s.startedAt)
	}
	return st
}

// ImageDigest returns the whole-image digest computed at Start
func (s *Session) ImageDigest() Digest {
	return s.digest
}

// Phase returns the current phase
func (s *Session) Phase() Phase {
	return s.state.Phase
}

// Status returns the last projected status
func (s *Session) Status() Status {
	return s.status
}

// Done reports whether the session reached a terminal phase
func (s *Session) Done() bool {
	return s.state.Phase.Terminal()
}

// Result returns the whole-image digest once the transfer completed, or the
// failure. Before a terminal phase it returns ErrSessionNotFinished.
func (s *Session) Result() (Digest, error) {
	switch s.state.Phase {
	case PhaseCompleted:
		return s.digest, nil
	case PhaseFailed, PhaseAborted:
		return Digest{}, s.state.LastErr
	default:
		return Digest{}, ErrSessionNotFinished
	}
}

// Start begins negotiation for img, proposing chunks of at most mtuHint bytes.
// Validation errors leave the session idle.
func (s *Session) Start(img *Image, mtuHint uint32) (Effects, error) {
	if s.state.Phase.Terminal() {
		return Effects{}, ErrSessionClosed
	}
	if s.state.Phase != PhaseIdle {
		return Effects{}, newError(KindSessionAlreadyActive, s.state.Phase, "session is in %s", s.state.Phase)
	}
	if img.Len() == 0 {
		return Effects{}, &Error{Kind: KindEmptyImage, Phase: PhaseIdle}
	}
	if mtuHint == 0 || mtuHint > s.opts.maxMTU {
		return Effects{}, newError(KindInvalidMTU, PhaseIdle, "mtu hint %d outside 1..%d", mtuHint, s.opts.maxMTU)
	}

	s.image = img
	s.digest = img.Digest(s.opts.digests)
	s.startedAt = s.opts.now()
	s.state = SessionState{
		Phase:       PhaseNegotiatingSize,
		MTUHint:     mtuHint,
		TotalLength: uint32(img.Len()),
	}

	s.log.Info().
		Int("bytes", img.Len()).
		Uint32("mtu_hint", mtuHint).
		Str("digest", s.digest.String()).
		Msg("Starting firmware transfer")

	s.publish()
	return s.arm(s.proposal()), nil
}

// HandleEvent advances the session by one event. Events arriving before
// Start or after a terminal phase are ignored.
func (s *Session) HandleEvent(ev Event) Effects {
	if s.state.Phase == PhaseIdle || s.state.Phase.Terminal() {
		s.log.Debug().Str("event", eventName(ev)).Str("phase", s.state.Phase.String()).Msg("Ignoring event outside active transfer")
		return Effects{}
	}

	s.log.Debug().Str("event", eventName(ev)).Str("phase", s.state.Phase.String()).Msg("Handling event")

	switch ev := ev.(type) {
	case ChannelDisconnected:
		return s.fail(&Error{Kind: KindLinkLost, Phase: s.state.Phase, Index: s.state.NextIndex, Err: ev.Err})
	case DeviceError:
		return s.fail(&Error{Kind: KindDeviceReported, Phase: s.state.Phase, Code: ev.Code})
	case Malformed:
		return s.fail(&Error{Kind: KindProtocolViolation, Phase: s.state.Phase, Err: ev.Err})
	case SizeAck:
		return s.onSizeAck(ev)
	case EraseComplete:
		return s.onEraseComplete()
	case ChunkAck:
		return s.onChunkAck(ev)
	case TransferComplete:
		return s.onTransferComplete()
	case Timeout:
		return s.onTimeout()
	default:
		return s.fail(newError(KindProtocolViolation, s.state.Phase, "unknown event %T", ev))
	}
}

// Abort ends the session immediately. Outside Idle it asks the target to
// discard the transfer. Abort on a terminal session does nothing.
func (s *Session) Abort() Effects {
	if s.state.Phase.Terminal() {
		return Effects{}
	}

	notify := s.state.Phase != PhaseIdle
	if s.startedAt.IsZero() {
		s.startedAt = s.opts.now()
	}
	s.state.LastErr = &Error{Kind: KindAborted, Phase: s.state.Phase, Index: s.state.NextIndex}
	s.state.Phase = PhaseAborted
	s.finish()

	s.log.Warn().Uint32("next_index", s.state.NextIndex).Msg("Firmware transfer aborted")
	s.publish()

	eff := Effects{Timer: TimerStop, Done: true}
	if notify {
		eff.Send = []Outbound{AbortNotice{}}
	}
	return eff
}

func (s *Session) onSizeAck(ack SizeAck) Effects {
	if s.state.Phase != PhaseNegotiatingSize {
		return s.violation("unexpected %s", ack)
	}
	if !ack.Accepted {
		return s.fail(&Error{Kind: KindRejected, Phase: s.state.Phase})
	}
	if ack.MTU > s.state.MTUHint {
		return s.violation("target negotiated mtu %d above proposed %d", ack.MTU, s.state.MTUHint)
	}

	chunks, err := s.opts.digests.Plan(s.image, ack.MTU, s.opts.maxMTU)
	if err != nil {
		if e, ok := err.(*Error); ok {
			e.Phase = s.state.Phase
		}
		return s.fail(err)
	}

	s.chunks = chunks
	s.state.MTU = ack.MTU
	s.state.TotalChunks = uint32(len(chunks))
	s.state.Phase = PhaseErasing

	s.log.Debug().Uint32("mtu", ack.MTU).Uint32("chunks", s.state.TotalChunks).Msg("Size accepted, waiting for erase")
	s.publish()
	return s.arm()
}

func (s *Session) onEraseComplete() Effects {
	if s.state.Phase != PhaseErasing {
		return s.violation("unexpected EraseComplete")
	}

	s.state.Phase = PhaseTransferring
	s.state.NextIndex = 0
	s.state.Retries = 0

	s.publish()
	return s.arm(SendChunk{Chunk: s.chunks[0]})
}

func (s *Session) onChunkAck(ack ChunkAck) Effects {
	switch s.state.Phase {
	case PhaseTransferring:
	case PhaseFinalizing:
		if ack.Index < s.state.TotalChunks {
			return s.stale(ack)
		}
		return s.violation("ack for chunk %d beyond last chunk %d", ack.Index, s.state.TotalChunks-1)
	default:
		return s.violation("unexpected %s", ack)
	}

	next := s.state.NextIndex
	switch {
	case ack.Index < next:
		return s.stale(ack)
	case ack.Index > next:
		return s.fail(&Error{
			Kind:   KindProtocolViolation,
			Phase:  s.state.Phase,
			Index:  ack.Index,
			detail: fmt.Sprintf("ack for chunk %d while waiting for %d", ack.Index, next),
		})
	case !ack.OK:
		s.state.Retries++
		rc := RetryContext{Phase: s.state.Phase, Index: next, Attempts: s.state.Retries}
		if s.opts.policy.OnNack(rc) == GiveUp {
			return s.fail(&Error{Kind: KindChunkRetriesExhausted, Phase: s.state.Phase, Index: next})
		}
		s.log.Debug().Uint32("index", next).Int("attempt", s.state.Retries).Msg("Chunk rejected, resending")
		return s.arm(SendChunk{Chunk: s.chunks[next], Resend: true})
	}

	if s.chunks[next].Last {
		s.state.Phase = PhaseFinalizing
		s.state.Retries = 0
		s.publish()
		return s.arm(Finalize{Digest: s.digest})
	}

	s.state.NextIndex++
	s.state.Retries = 0
	s.publish()
	return s.arm(SendChunk{Chunk: s.chunks[s.state.NextIndex]})
}

func (s *Session) onTransferComplete() Effects {
	if s.state.Phase != PhaseFinalizing {
		return s.violation("unexpected TransferComplete")
	}

	s.state.Phase = PhaseCompleted
	s.finish()

	s.log.Info().
		Uint32("bytes", s.state.TotalLength).
		Uint32("chunks", s.state.TotalChunks).
		Dur("elapsed", s.endedAt.Sub(s.startedAt)).
		Msg("Firmware transfer completed")

	s.publish()
	return Effects{Timer: TimerStop, Done: true}
}

func (s *Session) onTimeout() Effects {
	phase := s.state.Phase

	switch phase {
	case PhaseNegotiatingSize:
		s.state.NegotiationRetries++
		rc := RetryContext{Phase: phase, Attempts: s.state.NegotiationRetries}
		if s.opts.policy.OnTimeout(rc) == GiveUp {
			return s.fail(&Error{Kind: KindNoResponse, Phase: phase})
		}
		s.log.Debug().Int("attempt", s.state.NegotiationRetries).Msg("No size ack, re-proposing")
		return s.arm(s.proposal())

	case PhaseErasing:
		return s.fail(&Error{Kind: KindEraseTimeout, Phase: phase})

	case PhaseTransferring:
		next := s.state.NextIndex
		s.state.Retries++
		rc := RetryContext{Phase: phase, Index: next, Attempts: s.state.Retries}
		if s.opts.policy.OnTimeout(rc) == GiveUp {
			return s.fail(&Error{Kind: KindChunkTimeoutExhausted, Phase: phase, Index: next})
		}
		s.log.Debug().Uint32("index", next).Int("attempt", s.state.Retries).Msg("Chunk ack timed out, resending")
		return s.arm(SendChunk{Chunk: s.chunks[next], Resend: true})

	case PhaseFinalizing:
		return s.fail(&Error{Kind: KindFinalizeTimeout, Phase: phase})

	default:
		return s.violation("timeout in %s", phase)
	}
}

func eventName(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	return ev.String()
}

func (s *Session) proposal() SizeProposal {
	return SizeProposal{TotalLength: s.state.TotalLength, MTU: s.state.MTUHint}
}

// arm returns effects that send msgs and restart the timer for the current phase
func (s *Session) arm(msgs ...Outbound) Effects {
	return Effects{
		Send:    msgs,
		Timer:   TimerArm,
		Timeout: s.opts.policy.TimeoutFor(s.state.Phase),
	}
}

func (s *Session) stale(ack ChunkAck) Effects {
	s.log.Debug().Uint32("index", ack.Index).Uint32("next_index", s.state.NextIndex).Msg("Ignoring stale chunk ack")
	return Effects{Timer: TimerKeep}
}

func (s *Session) violation(format string, args ...interface{}) Effects {
	e := newError(KindProtocolViolation, s.state.Phase, format, args...)
	e.Index = s.state.NextIndex
	return s.fail(e)
}

func (s *Session) fail(err error) Effects {
	s.state.LastErr = err
	s.state.Phase = PhaseFailed
	s.finish()

	s.log.Warn().Err(err).Uint32("next_index", s.state.NextIndex).Msg("Firmware transfer failed")
	s.publish()
	return Effects{Timer: TimerStop, Done: true}
}

// finish releases the image and plan once the session is terminal
func (s *Session) finish() {
	s.endedAt = s.opts.now()
	s.image = nil
	s.chunks = nil
}

func (s *Session) publish() {
	status := Project(s.state)
	if status == s.status {
		return
	}
	s.status = status

	update := StatusUpdate{Phase: s.state.Phase, Status: status, Err: s.state.LastErr}
	// a subscriber may unsubscribe itself or others while being notified
	subs := append([]subscriber(nil), s.subscribers...)
	for _, sub := range subs {
		sub.fn(update)
	}
}
