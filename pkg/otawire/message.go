// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package otawire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is wrapped by every error returned for a message body that
// cannot be parsed
var ErrMalformed = errors.New("malformed message")

// Message is a decoded OTA message. Only the fields of its Type are meaningful.
type Message struct {
	Type uint8

	// SIZE_PROPOSAL, SIZE_ACK
	TotalLength uint32
	MTU         uint32
	Accepted    bool

	// CHUNK, CHUNK_ACK
	Index   uint32
	CRC     uint32
	Payload []byte
	OK      bool

	// FINALIZE
	DigestAlgorithm uint8
	Digest          []byte

	// DEVICE_ERROR
	Code uint16

	// Timestamp is set by the Decoder when the frame completed
	Timestamp time.Time
}

// MarshalBinary encodes the message body (without framing)
func (m *Message) MarshalBinary() ([]byte, error) {
	var buf []byte

	switch m.Type {
	case MsgSizeProposal:
		buf = make([]byte, 9)
		binary.BigEndian.PutUint32(buf[1:5], m.TotalLength)
		binary.BigEndian.PutUint32(buf[5:9], m.MTU)

	case MsgChunk:
		if len(m.Payload) == 0 || len(m.Payload) > MaxPayloadSize {
			return nil, fmt.Errorf("chunk payload of %d bytes outside 1..%d", len(m.Payload), MaxPayloadSize)
		}
		buf = make([]byte, chunkHeaderSize+len(m.Payload))
		binary.BigEndian.PutUint32(buf[1:5], m.Index)
		binary.BigEndian.PutUint32(buf[5:9], m.CRC)
		copy(buf[chunkHeaderSize:], m.Payload)

	case MsgFinalize:
		if len(m.Digest) == 0 || len(m.Digest) > 64 {
			return nil, fmt.Errorf("digest of %d bytes outside 1..64", len(m.Digest))
		}
		buf = make([]byte, 2+len(m.Digest))
		buf[1] = m.DigestAlgorithm
		copy(buf[2:], m.Digest)

	case MsgAbort, MsgEraseComplete, MsgTransferComplete:
		buf = make([]byte, 1)

	case MsgSizeAck:
		buf = make([]byte, 6)
		buf[1] = boolByte(m.Accepted)
		binary.BigEndian.PutUint32(buf[2:6], m.MTU)

	case MsgChunkAck:
		buf = make([]byte, 6)
		binary.BigEndian.PutUint32(buf[1:5], m.Index)
		buf[5] = boolByte(m.OK)

	case MsgDeviceError:
		buf = make([]byte, 3)
		binary.BigEndian.PutUint16(buf[1:3], m.Code)

	default:
		return nil, fmt.Errorf("unknown message type 0x%02X", m.Type)
	}

	buf[0] = m.Type
	return buf, nil
}

// ParseMessage decodes a message body (without framing)
func ParseMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	m := &Message{Type: data[0]}
	body := data[1:]

	need := func(n int) error {
		if len(body) != n {
			return fmt.Errorf("%w: %s body is %d bytes, expected %d", ErrMalformed, FormatMessageType(m.Type), len(body), n)
		}
		return nil
	}

	switch m.Type {
	case MsgSizeProposal:
		if err := need(8); err != nil {
			return nil, err
		}
		m.TotalLength = binary.BigEndian.Uint32(body[0:4])
		m.MTU = binary.BigEndian.Uint32(body[4:8])

	case MsgChunk:
		if len(body) <= chunkHeaderSize-1 || len(body) > MaxMessageSize-1 {
			return nil, fmt.Errorf("%w: CHUNK body is %d bytes", ErrMalformed, len(body))
		}
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.CRC = binary.BigEndian.Uint32(body[4:8])
		m.Payload = append([]byte(nil), body[8:]...)

	case MsgFinalize:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: FINALIZE body is %d bytes", ErrMalformed, len(body))
		}
		m.DigestAlgorithm = body[0]
		m.Digest = append([]byte(nil), body[1:]...)

	case MsgAbort, MsgEraseComplete, MsgTransferComplete:
		if err := need(0); err != nil {
			return nil, err
		}

	case MsgSizeAck:
		if err := need(5); err != nil {
			return nil, err
		}
		m.Accepted = body[0] != 0
		m.MTU = binary.BigEndian.Uint32(body[1:5])

	case MsgChunkAck:
		if err := need(5); err != nil {
			return nil, err
		}
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.OK = body[4] != 0

	case MsgDeviceError:
		if err := need(2); err != nil {
			return nil, err
		}
		m.Code = binary.BigEndian.Uint16(body[0:2])

	default:
		return nil, fmt.Errorf("%w: unknown message type 0x%02X", ErrMalformed, m.Type)
	}

	return m, nil
}

// FromController reports whether the message type is sent by the controller
func (m *Message) FromController() bool {
	return m.Type < 0x80
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
