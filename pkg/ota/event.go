// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import "fmt"

// Event is an inbound signal consumed by Session.HandleEvent.
//
// The set of implementations is closed: SizeAck, EraseComplete, ChunkAck,
// TransferComplete, DeviceError, ChannelDisconnected, Timeout and Malformed.
type Event interface {
	isEvent()
	fmt.Stringer
}

// SizeAck is the target's answer to a size proposal
type SizeAck struct {
	Accepted bool
	MTU      uint32
}

// EraseComplete signals that the target finished erasing its update slot
type EraseComplete struct{}

// ChunkAck acknowledges (OK) or rejects (!OK) the chunk at Index
type ChunkAck struct {
	Index uint32
	OK    bool
}

// TransferComplete signals that the target verified and committed the image
type TransferComplete struct{}

// DeviceError carries a fault code reported by the target
type DeviceError struct {
	Code uint16
}

// ChannelDisconnected reports loss of the underlying link
type ChannelDisconnected struct {
	Err error
}

// Timeout is synthesized by the driver when an armed timer expires
type Timeout struct{}

// Malformed is synthesized by the driver for a well-framed message that could
// not be decoded into any other event.
type Malformed struct {
	Err error
}

func (SizeAck) isEvent()             {}
func (EraseComplete) isEvent()       {}
func (ChunkAck) isEvent()            {}
func (TransferComplete) isEvent()    {}
func (DeviceError) isEvent()         {}
func (ChannelDisconnected) isEvent() {}
func (Timeout) isEvent()             {}
func (Malformed) isEvent()           {}

func (e SizeAck) String() string {
	return fmt.Sprintf("SizeAck(accepted=%t, mtu=%d)", e.Accepted, e.MTU)
}

func (EraseComplete) String() string { return "EraseComplete" }

func (e ChunkAck) String() string {
	return fmt.Sprintf("ChunkAck(index=%d, ok=%t)", e.Index, e.OK)
}

func (TransferComplete) String() string { return "TransferComplete" }

func (e DeviceError) String() string {
	return fmt.Sprintf("DeviceError(code=0x%04X)", e.Code)
}

func (e ChannelDisconnected) String() string {
	if e.Err != nil {
		return fmt.Sprintf("ChannelDisconnected(%v)", e.Err)
	}
	return "ChannelDisconnected"
}

func (Timeout) String() string { return "Timeout" }

func (e Malformed) String() string {
	return fmt.Sprintf("Malformed(%v)", e.Err)
}
