// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package otawire

import (
	"fmt"

	"github.com/Thermoquad/otaflash/pkg/ota"
)

// FromOutbound converts a session's outbound message to its wire form
func FromOutbound(out ota.Outbound) (*Message, error) {
	switch o := out.(type) {
	case ota.SizeProposal:
		return NewSizeProposal(o.TotalLength, o.MTU), nil
	case ota.SendChunk:
		return NewChunk(o.Chunk.Index, o.Chunk.CRC, o.Chunk.Payload), nil
	case ota.Finalize:
		return NewFinalize(uint8(o.Digest.Algorithm), o.Digest.Sum), nil
	case ota.AbortNotice:
		return NewAbort(), nil
	default:
		return nil, fmt.Errorf("unsupported outbound message %T", out)
	}
}

// Event converts a target message to a session event. Controller messages
// are reported as ota.Malformed since a controller never receives them.
func (m *Message) Event() ota.Event {
	switch m.Type {
	case MsgSizeAck:
		return ota.SizeAck{Accepted: m.Accepted, MTU: m.MTU}
	case MsgEraseComplete:
		return ota.EraseComplete{}
	case MsgChunkAck:
		return ota.ChunkAck{Index: m.Index, OK: m.OK}
	case MsgTransferComplete:
		return ota.TransferComplete{}
	case MsgDeviceError:
		return ota.DeviceError{Code: m.Code}
	default:
		return ota.Malformed{Err: fmt.Errorf("%w: %s is not a target message", ErrMalformed, FormatMessageType(m.Type))}
	}
}
