// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package otatest provides a simulated OTA target for tests and bench rigs.
//
// A Target speaks the device side of the protocol over any byte stream and
// can be told to misbehave: reject the size, stay silent, nack or drop acks
// for particular chunks, report a device error or hang up mid-transfer.
package otatest

import (
	"bytes"
	"context"
	"errors"
	"hash/crc32"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/otaflash/pkg/ota"
	"github.com/Thermoquad/otaflash/pkg/otawire"
)

// Faults selects how a Target deviates from a well-behaved device.
// The zero value is a well-behaved device.
type Faults struct {
	// RejectSize answers every size proposal with accepted=false
	RejectSize bool

	// MaxMTU caps the negotiated MTU; 0 accepts the proposed MTU
	MaxMTU uint32

	// MaxImage rejects images larger than this; 0 accepts any size
	MaxImage uint32

	// SilentProposals ignores this many size proposals before answering
	SilentProposals int

	// EraseDelay is how long erasing takes
	EraseDelay time.Duration

	// NeverErase never sends ERASE_COMPLETE
	NeverErase bool

	// NackChunk nacks chunk index the given number of times
	NackChunk map[uint32]int

	// DropAck stores the chunk but swallows its ack the given number of times
	DropAck map[uint32]int

	// DuplicateAcks sends every positive ack twice
	DuplicateAcks bool

	// DisconnectAfterChunks hangs up after receiving this many chunk
	// messages; 0 never hangs up
	DisconnectAfterChunks int

	// DeviceErrorCode, when non-zero, is reported instead of acking chunk
	// DeviceErrorAt
	DeviceErrorCode uint16
	DeviceErrorAt   uint32

	// NeverFinalize never answers FINALIZE
	NeverFinalize bool
}

// Reply is a message the target sends after Delay
type Reply struct {
	Msg   *otawire.Message
	Delay time.Duration
}

// Target is a simulated device. It is safe for concurrent use.
type Target struct {
	mu     sync.Mutex
	faults Faults
	log    zerolog.Logger

	total      uint32
	mtu        uint32
	image      []byte
	next       uint32
	chunks     int
	completed  bool
	aborted    bool
	proposals  int
	received   []*otawire.Message
	nackLeft   map[uint32]int
	dropLeft   map[uint32]int
	lastDigest ota.Digest
}

// NewTarget creates a simulated target
func NewTarget(f Faults) *Target {
	t := &Target{
		faults:   f,
		log:      zerolog.Nop(),
		nackLeft: make(map[uint32]int),
		dropLeft: make(map[uint32]int),
	}
	for k, v := range f.NackChunk {
		t.nackLeft[k] = v
	}
	for k, v := range f.DropAck {
		t.dropLeft[k] = v
	}
	return t
}

// SetLogger sets the logger used to trace handled messages
func (t *Target) SetLogger(l zerolog.Logger) {
	t.mu.Lock()
	t.log = l
	t.mu.Unlock()
}

// Handle processes one controller message and returns the replies. hangup
// is true when the target should drop the link after sending them.
func (t *Target) Handle(m *otawire.Message) (replies []Reply, hangup bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.received = append(t.received, m)
	t.log.Debug().Str("msg", otawire.FormatMessage(m)).Msg("Target received")

	switch m.Type {
	case otawire.MsgSizeProposal:
		return t.onSizeProposal(m), false
	case otawire.MsgChunk:
		return t.onChunk(m)
	case otawire.MsgFinalize:
		return t.onFinalize(m), false
	case otawire.MsgAbort:
		t.aborted = true
		t.image = nil
		return nil, false
	default:
		return []Reply{{Msg: otawire.NewDeviceError(otawire.ErrCodeUnexpectedMsg)}}, false
	}
}

func (t *Target) onSizeProposal(m *otawire.Message) []Reply {
	t.proposals++
	if t.proposals <= t.faults.SilentProposals {
		return nil
	}
	if t.faults.RejectSize || (t.faults.MaxImage > 0 && m.TotalLength > t.faults.MaxImage) {
		return []Reply{{Msg: otawire.NewSizeAck(false, 0)}}
	}

	mtu := m.MTU
	if t.faults.MaxMTU > 0 && mtu > t.faults.MaxMTU {
		mtu = t.faults.MaxMTU
	}

	t.total = m.TotalLength
	t.mtu = mtu
	t.image = make([]byte, 0, m.TotalLength)
	t.next = 0
	t.completed = false
	t.aborted = false

	replies := []Reply{{Msg: otawire.NewSizeAck(true, mtu)}}
	if !t.faults.NeverErase {
		replies = append(replies, Reply{Msg: otawire.NewEraseComplete(), Delay: t.faults.EraseDelay})
	}
	return replies
}

func (t *Target) onChunk(m *otawire.Message) ([]Reply, bool) {
	t.chunks++
	if n := t.faults.DisconnectAfterChunks; n > 0 && t.chunks >= n {
		return nil, true
	}

	if m.Index < t.next {
		// retransmission of a chunk already stored
		return t.ack(m.Index), false
	}
	if m.Index > t.next || uint32(len(m.Payload)) > t.mtu {
		return []Reply{{Msg: otawire.NewDeviceError(otawire.ErrCodeUnexpectedMsg)}}, false
	}
	if t.faults.DeviceErrorCode != 0 && m.Index == t.faults.DeviceErrorAt {
		return []Reply{{Msg: otawire.NewDeviceError(t.faults.DeviceErrorCode)}}, false
	}
	if crc32.ChecksumIEEE(m.Payload) != m.CRC {
		return []Reply{{Msg: otawire.NewChunkAck(m.Index, false)}}, false
	}
	if t.nackLeft[m.Index] > 0 {
		t.nackLeft[m.Index]--
		return []Reply{{Msg: otawire.NewChunkAck(m.Index, false)}}, false
	}
	if uint32(len(t.image)+len(m.Payload)) > t.total {
		return []Reply{{Msg: otawire.NewDeviceError(otawire.ErrCodeImageTooLarge)}}, false
	}

	t.image = append(t.image, m.Payload...)
	t.next++

	if t.dropLeft[m.Index] > 0 {
		t.dropLeft[m.Index]--
		return nil, false
	}
	return t.ack(m.Index), false
}

func (t *Target) ack(index uint32) []Reply {
	replies := []Reply{{Msg: otawire.NewChunkAck(index, true)}}
	if t.faults.DuplicateAcks {
		replies = append(replies, Reply{Msg: otawire.NewChunkAck(index, true)})
	}
	return replies
}

func (t *Target) onFinalize(m *otawire.Message) []Reply {
	digest := ota.Digest{Algorithm: ota.DigestAlgorithm(m.DigestAlgorithm), Sum: m.Digest}
	t.lastDigest = digest

	if uint32(len(t.image)) != t.total {
		return []Reply{{Msg: otawire.NewDeviceError(otawire.ErrCodeFlashWrite)}}
	}
	local := ota.DigestPolicy{ImageAlgorithm: digest.Algorithm}.Image(t.image)
	if !bytes.Equal(local.Sum, digest.Sum) {
		return []Reply{{Msg: otawire.NewDeviceError(otawire.ErrCodeDigestMismatch)}}
	}
	if t.faults.NeverFinalize {
		return nil
	}

	t.completed = true
	return []Reply{{Msg: otawire.NewTransferComplete()}}
}

// Serve runs the target on conn until the peer hangs up, ctx is done or a
// fault closes the link. conn is closed on return.
func (t *Target) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	dec := otawire.NewDecoder()
	buf := make([]byte, 512)

	for {
		n, err := conn.Read(buf)
		for _, b := range buf[:n] {
			msg, decodeErr := dec.DecodeByte(b)
			if decodeErr != nil || msg == nil {
				continue
			}

			replies, hangup := t.Handle(msg)
			for _, r := range replies {
				if r.Delay > 0 {
					select {
					case <-time.After(r.Delay):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				if _, err := conn.Write(otawire.MustEncode(r.Msg)); err != nil {
					return err
				}
			}
			if hangup {
				return nil
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Pipe starts the target on one end of an in-memory connection and returns
// the other end. The returned channel yields Serve's result.
func (t *Target) Pipe(ctx context.Context) (net.Conn, <-chan error) {
	controller, device := net.Pipe()
	errc := make(chan error, 1)
	go func() { errc <- t.Serve(ctx, device) }()
	return controller, errc
}

// Image returns a copy of the bytes stored so far
func (t *Target) Image() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.image...)
}

// Completed reports whether the target verified and committed an image
func (t *Target) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Aborted reports whether the controller sent ABORT
func (t *Target) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// LastDigest returns the digest carried by the most recent FINALIZE
func (t *Target) LastDigest() ota.Digest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastDigest
}

// Received returns every message handled so far
func (t *Target) Received() []*otawire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*otawire.Message(nil), t.received...)
}

// Count returns how many messages of msgType were handled
func (t *Target) Count(msgType uint8) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, m := range t.received {
		if m.Type == msgType {
			n++
		}
	}
	return n
}
