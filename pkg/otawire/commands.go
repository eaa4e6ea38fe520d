// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package otawire

// Controller → Target

// NewSizeProposal creates a SIZE_PROPOSAL message
func NewSizeProposal(totalLength, mtu uint32) *Message {
	return &Message{Type: MsgSizeProposal, TotalLength: totalLength, MTU: mtu}
}

// NewChunk creates a CHUNK message
func NewChunk(index, crc uint32, payload []byte) *Message {
	return &Message{Type: MsgChunk, Index: index, CRC: crc, Payload: payload}
}

// NewFinalize creates a FINALIZE message
func NewFinalize(algorithm uint8, digest []byte) *Message {
	return &Message{Type: MsgFinalize, DigestAlgorithm: algorithm, Digest: digest}
}

// NewAbort creates an ABORT message
func NewAbort() *Message {
	return &Message{Type: MsgAbort}
}

// Target → Controller

// NewSizeAck creates a SIZE_ACK message
func NewSizeAck(accepted bool, mtu uint32) *Message {
	return &Message{Type: MsgSizeAck, Accepted: accepted, MTU: mtu}
}

// NewEraseComplete creates an ERASE_COMPLETE message
func NewEraseComplete() *Message {
	return &Message{Type: MsgEraseComplete}
}

// NewChunkAck creates a CHUNK_ACK message
func NewChunkAck(index uint32, ok bool) *Message {
	return &Message{Type: MsgChunkAck, Index: index, OK: ok}
}

// NewTransferComplete creates a TRANSFER_COMPLETE message
func NewTransferComplete() *Message {
	return &Message{Type: MsgTransferComplete}
}

// NewDeviceError creates a DEVICE_ERROR message
func NewDeviceError(code uint16) *Message {
	return &Message{Type: MsgDeviceError, Code: code}
}
