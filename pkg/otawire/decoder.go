// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package otawire

import (
	"errors"
	"fmt"
	"time"
)

// Framing errors. A frame that fails with one of these is dropped; a frame
// that passes the CRC but fails ParseMessage wraps ErrMalformed instead.
var (
	ErrCRCMismatch   = errors.New("CRC mismatch")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrBadFrame      = errors.New("bad frame")
)

type decoderState int

const (
	stateIdle decoderState = iota
	stateLength1
	stateLength2
	stateBody
	stateCRC1
	stateCRC2
	stateEnd
)

func (s decoderState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLength1, stateLength2:
		return "length"
	case stateBody:
		return "body"
	case stateCRC1, stateCRC2:
		return "crc"
	case stateEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Decoder reassembles frames from a byte stream
type Decoder struct {
	state      decoderState
	escapeNext bool
	length     int
	buffer     []byte // length + body, CRC'd
	crc        uint16
	rawBuffer  []byte
	now        func() time.Time
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:     stateIdle,
		buffer:    make([]byte, 0, lengthFieldSize+MaxMessageSize),
		rawBuffer: make([]byte, 0, maxUnstuffedSize*2+2),
		now:       time.Now,
	}
}

// Reset returns the decoder to idle and discards any partial frame
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.escapeNext = false
	d.length = 0
	d.crc = 0
	d.buffer = d.buffer[:0]
	d.rawBuffer = d.rawBuffer[:0]
}

// RawBytes returns the raw bytes accumulated since the last START
func (d *Decoder) RawBytes() []byte {
	return d.rawBuffer
}

// Decode feeds data through DecodeByte and returns every completed message.
// Framing errors are passed to onError, if set, and decoding continues.
func (d *Decoder) Decode(data []byte, onError func(error)) []*Message {
	var out []*Message
	for _, b := range data {
		msg, err := d.DecodeByte(b)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			continue
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out
}

// DecodeByte processes a single byte through the decoder state machine.
// It returns a completed message, or nil while the frame is incomplete.
func (d *Decoder) DecodeByte(b byte) (*Message, error) {
	if len(d.rawBuffer) < cap(d.rawBuffer) {
		d.rawBuffer = append(d.rawBuffer, b)
	}

	// Framing bytes are never escaped, so they resync the decoder
	// even in the middle of an escape sequence.
	switch b {
	case StartByte:
		d.Reset()
		d.rawBuffer = append(d.rawBuffer, b)
		d.state = stateLength1
		return nil, nil

	case EndByte:
		return d.finish()

	case EscByte:
		if d.state == stateIdle {
			return nil, nil
		}
		if d.escapeNext {
			d.Reset()
			return nil, fmt.Errorf("%w: double escape", ErrBadFrame)
		}
		d.escapeNext = true
		return nil, nil
	}

	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}

	switch d.state {
	case stateIdle:
		// Waiting for START byte
		return nil, nil

	case stateLength1:
		d.buffer = append(d.buffer, b)
		d.length = int(b) << 8
		d.state = stateLength2
		return nil, nil

	case stateLength2:
		d.buffer = append(d.buffer, b)
		d.length |= int(b)
		if d.length == 0 || d.length > MaxMessageSize {
			n := d.length
			d.Reset()
			return nil, fmt.Errorf("%w: length %d (max %d)", ErrFrameTooLarge, n, MaxMessageSize)
		}
		d.state = stateBody
		return nil, nil

	case stateBody:
		d.buffer = append(d.buffer, b)
		if len(d.buffer)-lengthFieldSize >= d.length {
			d.state = stateCRC1
		}
		return nil, nil

	case stateCRC1:
		d.crc = uint16(b) << 8
		d.state = stateCRC2
		return nil, nil

	case stateCRC2:
		d.crc |= uint16(b)
		d.state = stateEnd
		return nil, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("%w: data after CRC", ErrBadFrame)
	}
}

func (d *Decoder) finish() (*Message, error) {
	if d.state == stateIdle {
		return nil, nil
	}
	if d.state != stateEnd || d.escapeNext {
		state := d.state
		d.Reset()
		return nil, fmt.Errorf("%w: unexpected END in %s state", ErrBadFrame, state)
	}

	calculated := CalculateCRC(d.buffer)
	if calculated != d.crc {
		received := d.crc
		d.Reset()
		return nil, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, calculated, received)
	}

	msg, err := ParseMessage(d.buffer[lengthFieldSize:])
	d.Reset()
	if err != nil {
		return nil, err
	}
	msg.Timestamp = d.now()
	return msg, nil
}
