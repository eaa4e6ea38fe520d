// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Thermoquad/otaflash/pkg/ota"
	"github.com/Thermoquad/otaflash/pkg/otawire"
)

// Counters is a point-in-time copy of Statistics
type Counters struct {
	StartTime time.Time
	Elapsed   time.Duration

	// Sent
	FramesSent   uint64
	BytesSent    uint64
	ChunksSent   uint64
	PayloadBytes uint64
	Resends      uint64

	// Received
	FramesReceived uint64
	CRCErrors      uint64
	DecodeErrors   uint64
	Malformed      uint64
	Timeouts       uint64

	// Rates (calculated)
	Throughput float64 // payload kB/s
	FrameRate  float64 // frames/sec, both directions
}

// Statistics tracks link traffic and throughput for one transfer.
// It is safe for concurrent use.
type Statistics struct {
	mu  sync.Mutex
	c   Counters
	now func() time.Time
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	s := &Statistics{now: time.Now}
	s.c.StartTime = s.now()
	return s
}

// RecordSent counts one outbound frame of frameLen bytes
func (s *Statistics) RecordSent(out ota.Outbound, frameLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.c.FramesSent++
	s.c.BytesSent += uint64(frameLen)
	if c, ok := out.(ota.SendChunk); ok {
		s.c.ChunksSent++
		s.c.PayloadBytes += uint64(len(c.Chunk.Payload))
		if c.Resend {
			s.c.Resends++
		}
	}
}

// RecordReceived counts one decoded inbound frame
func (s *Statistics) RecordReceived() {
	s.mu.Lock()
	s.c.FramesReceived++
	s.mu.Unlock()
}

// RecordDecodeError classifies a decoder error
func (s *Statistics) RecordDecodeError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case errors.Is(err, otawire.ErrCRCMismatch):
		s.c.CRCErrors++
	case errors.Is(err, otawire.ErrMalformed):
		s.c.Malformed++
	default:
		s.c.DecodeErrors++
	}
}

// RecordTimeout counts one expired timer
func (s *Statistics) RecordTimeout() {
	s.mu.Lock()
	s.c.Timeouts++
	s.mu.Unlock()
}

// Snapshot returns the counters with rates calculated
func (s *Statistics) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.c
	c.Elapsed = s.now().Sub(c.StartTime)
	if secs := c.Elapsed.Seconds(); secs > 0 {
		c.Throughput = float64(c.PayloadBytes) / 1024 / secs
		c.FrameRate = float64(c.FramesSent+c.FramesReceived) / secs
	}
	return c
}

// Reset zeroes all counters and restarts the clock
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.c = Counters{StartTime: s.now()}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	c := s.Snapshot()

	result := fmt.Sprintf("=== Transfer Statistics (%.1f seconds) ===\n", c.Elapsed.Seconds())
	result += fmt.Sprintf("Frames Sent:     %8d (%d bytes)\n", c.FramesSent, c.BytesSent)
	result += fmt.Sprintf("Chunks Sent:     %8d (%d payload bytes)\n", c.ChunksSent, c.PayloadBytes)
	if c.Resends > 0 {
		result += fmt.Sprintf("  Resends:         %6d\n", c.Resends)
	}
	result += fmt.Sprintf("Frames Received: %8d\n", c.FramesReceived)
	if c.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d\n", c.CRCErrors)
	}
	if c.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d\n", c.DecodeErrors)
	}
	if c.Malformed > 0 {
		result += fmt.Sprintf("Malformed:       %8d\n", c.Malformed)
	}
	if c.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d\n", c.Timeouts)
	}
	result += fmt.Sprintf("Throughput:      %8.2f kB/s\n", c.Throughput)
	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", c.FrameRate)
	result += "=========================================\n"

	return result
}
