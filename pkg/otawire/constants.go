// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package otawire implements the byte-level encoding of the OTA firmware
// transfer protocol.
//
// Every message travels in its own frame:
//
//	START | stuffed(length u16 BE | message | CRC-16-CCITT BE) | END
//
// The CRC covers the length and message bytes. START, END and ESC bytes
// inside the frame are escaped as ESC followed by the byte XOR 0x20.
// Message bodies use big-endian integers and start with a one-byte type.
package otawire

import "github.com/Thermoquad/otaflash/pkg/ota"

// Protocol framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Message size limits
const (
	MaxPayloadSize   = ota.MaxChunkPayload // largest chunk payload
	chunkHeaderSize  = 9    // type + index + crc32
	MaxMessageSize   = chunkHeaderSize + MaxPayloadSize
	lengthFieldSize  = 2
	crcFieldSize     = 2
	maxUnstuffedSize = lengthFieldSize + MaxMessageSize + crcFieldSize
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Message types - Controller → Target 0x01-0x0F
const (
	MsgSizeProposal = 0x01
	MsgChunk        = 0x02
	MsgFinalize     = 0x03
	MsgAbort        = 0x04
)

// Message types - Target → Controller 0x81-0x8F
const (
	MsgSizeAck          = 0x81
	MsgEraseComplete    = 0x82
	MsgChunkAck         = 0x83
	MsgTransferComplete = 0x84
)

// Message types - Errors (Target → Controller) 0xE0
const (
	MsgDeviceError = 0xE0
)

// Device error codes carried by DEVICE_ERROR
const (
	ErrCodeFlashWrite     = 0x0001
	ErrCodeDigestMismatch = 0x0002
	ErrCodeImageTooLarge  = 0x0003
	ErrCodeEraseFailed    = 0x0004
	ErrCodeUnexpectedMsg  = 0x0005
	ErrCodeLowBattery     = 0x0010
)
