// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package otawire

import (
	"fmt"

	"github.com/Thermoquad/otaflash/pkg/ota"
)

// AnomalyType classifies a message that parsed but makes no sense
type AnomalyType int

const (
	AnomalyInvalidValue AnomalyType = iota
	AnomalyInvalidMTU
	AnomalyChunkCRC
	AnomalyDigestLength
	AnomalyUnknownCode
	AnomalyChunkGap
	AnomalyUnexpected
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyInvalidValue:
		return "invalid value"
	case AnomalyInvalidMTU:
		return "invalid MTU"
	case AnomalyChunkCRC:
		return "chunk CRC"
	case AnomalyDigestLength:
		return "digest length"
	case AnomalyUnknownCode:
		return "unknown error code"
	case AnomalyChunkGap:
		return "chunk gap"
	case AnomalyUnexpected:
		return "unexpected message"
	default:
		return fmt.Sprintf("anomaly %d", int(a))
	}
}

// ValidationError describes one anomaly found in a message
type ValidationError struct {
	Type    AnomalyType
	Message string
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateMessage checks the fields of a single message.
// Returns a slice of validation errors (empty if the message is valid).
func ValidateMessage(m *Message) []ValidationError {
	var errs []ValidationError
	add := func(t AnomalyType, format string, args ...any) {
		errs = append(errs, ValidationError{Type: t, Message: fmt.Sprintf(format, args...)})
	}

	switch m.Type {
	case MsgSizeProposal:
		if m.TotalLength == 0 {
			add(AnomalyInvalidValue, "Size proposal for an empty image")
		}
		if m.MTU == 0 || m.MTU > MaxPayloadSize {
			add(AnomalyInvalidMTU, "Proposed MTU %d outside 1..%d", m.MTU, MaxPayloadSize)
		}

	case MsgChunk:
		if crc := ota.DefaultDigestPolicy().Chunk(m.Payload); crc != m.CRC {
			add(AnomalyChunkCRC, "Chunk %d CRC %08X does not match payload (%08X)", m.Index, m.CRC, crc)
		}

	case MsgFinalize:
		alg := ota.DigestAlgorithm(m.DigestAlgorithm)
		if size := alg.Size(); size == 0 {
			add(AnomalyInvalidValue, "Unknown digest algorithm %d", m.DigestAlgorithm)
		} else if len(m.Digest) != size {
			add(AnomalyDigestLength, "%s digest is %d bytes, expected %d", alg, len(m.Digest), size)
		}

	case MsgSizeAck:
		if m.Accepted && (m.MTU == 0 || m.MTU > MaxPayloadSize) {
			add(AnomalyInvalidMTU, "Accepted MTU %d outside 1..%d", m.MTU, MaxPayloadSize)
		}

	case MsgDeviceError:
		if FormatDeviceError(m.Code) == "unknown" {
			add(AnomalyUnknownCode, "Unknown device error code 0x%04X", m.Code)
		}
	}

	return errs
}

// Tracker follows the messages of both directions on a link and flags
// ones that are out of sequence. The zero value is ready to use.
type Tracker struct {
	proposed   bool
	nextChunk  uint32
	chunksSeen map[uint32]bool
}

// Observe validates m and checks it against the messages seen before it
func (t *Tracker) Observe(m *Message) []ValidationError {
	errs := ValidateMessage(m)
	add := func(at AnomalyType, format string, args ...any) {
		errs = append(errs, ValidationError{Type: at, Message: fmt.Sprintf(format, args...)})
	}

	switch m.Type {
	case MsgSizeProposal:
		t.proposed = true
		t.nextChunk = 0
		t.chunksSeen = make(map[uint32]bool)

	case MsgSizeAck, MsgEraseComplete:
		if !t.proposed {
			add(AnomalyUnexpected, "%s without a size proposal", FormatMessageType(m.Type))
		}

	case MsgChunk:
		if !t.proposed {
			add(AnomalyUnexpected, "Chunk %d without a size proposal", m.Index)
			break
		}
		if m.Index > t.nextChunk {
			add(AnomalyChunkGap, "Chunk %d sent, expected %d", m.Index, t.nextChunk)
		}
		t.chunksSeen[m.Index] = true
		if m.Index >= t.nextChunk {
			t.nextChunk = m.Index + 1
		}

	case MsgChunkAck:
		if !t.chunksSeen[m.Index] {
			add(AnomalyUnexpected, "Ack for chunk %d that was never sent", m.Index)
		}

	case MsgAbort, MsgTransferComplete:
		t.proposed = false
		t.chunksSeen = nil
	}

	return errs
}
