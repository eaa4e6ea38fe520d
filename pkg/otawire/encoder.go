// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package otawire

import (
	"encoding/binary"
	"fmt"
)

// EncodeMessage creates a complete wire-formatted frame for m, including
// framing and byte stuffing.
func EncodeMessage(m *Message) ([]byte, error) {
	body, err := m.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", FormatMessageType(m.Type), err)
	}
	return EncodeFrame(body)
}

// EncodeFrame wraps an already-encoded message body in a frame
func EncodeFrame(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty message body")
	}
	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes (max %d)", len(body), MaxMessageSize)
	}

	// length + body + crc is what gets CRC'd and byte-stuffed
	data := make([]byte, lengthFieldSize, lengthFieldSize+len(body)+crcFieldSize)
	binary.BigEndian.PutUint16(data, uint16(len(body)))
	data = append(data, body...)

	crc := CalculateCRC(data)
	data = append(data, byte(crc>>8), byte(crc&0xFF))

	stuffed := stuffBytes(data)

	frame := make([]byte, 0, len(stuffed)+2)
	frame = append(frame, StartByte)
	frame = append(frame, stuffed...)
	frame = append(frame, EndByte)

	return frame, nil
}

// MustEncode encodes m and panics on error. Intended for tests and constants.
func MustEncode(m *Message) []byte {
	frame, err := EncodeMessage(m)
	if err != nil {
		panic(fmt.Sprintf("otawire: encode error: %v", err))
	}
	return frame
}

// stuffBytes replaces START, END and ESC with ESC + (byte XOR EscXor)
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)+len(data)/8)

	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}

	return result
}

// UnstuffBytes removes byte stuffing from escaped data.
// This is the inverse of stuffBytes.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscXor)
			escapeNext = false
		} else if b == EscByte {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}

	return result, nil
}
