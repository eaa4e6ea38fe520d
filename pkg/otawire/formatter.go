// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package otawire

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Thermoquad/otaflash/pkg/ota"
)

// FormatMessage formats a message into a human-readable line
func FormatMessage(m *Message) string {
	var b strings.Builder

	if !m.Timestamp.IsZero() {
		fmt.Fprintf(&b, "[%s] ", m.Timestamp.Format("15:04:05.000"))
	}
	fmt.Fprintf(&b, "%s (0x%02X)", FormatMessageType(m.Type), m.Type)

	switch m.Type {
	case MsgSizeProposal:
		fmt.Fprintf(&b, " total=%d mtu=%d", m.TotalLength, m.MTU)
	case MsgChunk:
		fmt.Fprintf(&b, " index=%d len=%d crc=%08X", m.Index, len(m.Payload), m.CRC)
	case MsgFinalize:
		fmt.Fprintf(&b, " alg=%s digest=%s", ota.DigestAlgorithm(m.DigestAlgorithm), hex.EncodeToString(m.Digest))
	case MsgSizeAck:
		fmt.Fprintf(&b, " accepted=%t mtu=%d", m.Accepted, m.MTU)
	case MsgChunkAck:
		fmt.Fprintf(&b, " index=%d ok=%t", m.Index, m.OK)
	case MsgDeviceError:
		fmt.Fprintf(&b, " code=0x%04X (%s)", m.Code, FormatDeviceError(m.Code))
	}

	return b.String()
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(msgType uint8) string {
	switch msgType {
	// Controller → Target
	case MsgSizeProposal:
		return "SIZE_PROPOSAL"
	case MsgChunk:
		return "CHUNK"
	case MsgFinalize:
		return "FINALIZE"
	case MsgAbort:
		return "ABORT"

	// Target → Controller
	case MsgSizeAck:
		return "SIZE_ACK"
	case MsgEraseComplete:
		return "ERASE_COMPLETE"
	case MsgChunkAck:
		return "CHUNK_ACK"
	case MsgTransferComplete:
		return "TRANSFER_COMPLETE"

	case MsgDeviceError:
		return "DEVICE_ERROR"

	default:
		return "UNKNOWN"
	}
}

// FormatDeviceError returns the human-readable name for a device error code
func FormatDeviceError(code uint16) string {
	switch code {
	case ErrCodeFlashWrite:
		return "flash write failed"
	case ErrCodeDigestMismatch:
		return "digest mismatch"
	case ErrCodeImageTooLarge:
		return "image too large"
	case ErrCodeEraseFailed:
		return "erase failed"
	case ErrCodeUnexpectedMsg:
		return "unexpected message"
	case ErrCodeLowBattery:
		return "battery too low"
	default:
		return "unknown"
	}
}

// FormatFrame returns a hex dump of raw frame bytes, as shown by raw_log
func FormatFrame(raw []byte) string {
	parts := make([]string, len(raw))
	for i, b := range raw {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, " ")
}
