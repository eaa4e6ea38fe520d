// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package otawire

import (
	"errors"
	"fmt"
	"time"
)

// LinkStatistics tracks frame and error rates seen by a passive observer
type LinkStatistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames      uint64
	ValidFrames      uint64
	ControllerFrames uint64
	TargetFrames     uint64
	CRCErrors        uint64
	DecodeErrors     uint64
	Malformed        uint64
	Anomalies        map[AnomalyType]uint64
	DeviceErrors     uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec

	now func() time.Time
}

// NewLinkStatistics creates a new statistics tracker
func NewLinkStatistics() *LinkStatistics {
	s := &LinkStatistics{now: time.Now}
	s.Reset()
	return s
}

// Update counts one decoded message or one decode error
func (s *LinkStatistics) Update(m *Message, decodeErr error, anomalies []ValidationError) {
	s.TotalFrames++
	s.LastUpdateTime = s.now()

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrCRCMismatch):
			s.CRCErrors++
		case errors.Is(decodeErr, ErrMalformed):
			s.Malformed++
		default:
			s.DecodeErrors++
		}
		return
	}

	if m.FromController() {
		s.ControllerFrames++
	} else {
		s.TargetFrames++
	}
	if m.Type == MsgDeviceError {
		s.DeviceErrors++
	}

	if len(anomalies) == 0 {
		s.ValidFrames++
		return
	}
	for _, a := range anomalies {
		s.Anomalies[a.Type]++
	}
}

func (s *LinkStatistics) anomalyCount() uint64 {
	var n uint64
	for _, c := range s.Anomalies {
		n += c
	}
	return n
}

// CalculateRates calculates frame and error rates
func (s *LinkStatistics) CalculateRates() {
	elapsed := s.now().Sub(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		errorCount := s.CRCErrors + s.DecodeErrors + s.Malformed + s.anomalyCount()
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *LinkStatistics) String() string {
	s.CalculateRates()

	pct := func(n uint64) float64 {
		if s.TotalFrames == 0 {
			return 0
		}
		return float64(n) * 100.0 / float64(s.TotalFrames)
	}

	elapsed := s.now().Sub(s.StartTime)

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, pct(s.ValidFrames))
	result += fmt.Sprintf("  Controller:      %6d\n", s.ControllerFrames)
	result += fmt.Sprintf("  Target:          %6d\n", s.TargetFrames)

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d (%.1f%%)\n", s.CRCErrors, pct(s.CRCErrors))
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, pct(s.DecodeErrors))
	}
	if s.Malformed > 0 {
		result += fmt.Sprintf("Malformed:       %8d (%.1f%%)\n", s.Malformed, pct(s.Malformed))
	}
	if n := s.anomalyCount(); n > 0 {
		result += fmt.Sprintf("Anomalies:       %8d\n", n)
		for t := AnomalyInvalidValue; t <= AnomalyUnexpected; t++ {
			if c := s.Anomalies[t]; c > 0 {
				result += fmt.Sprintf("  %-18s %5d\n", t.String()+":", c)
			}
		}
	}
	if s.DeviceErrors > 0 {
		result += fmt.Sprintf("Device Errors:   %8d\n", s.DeviceErrors)
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "=====================================\n"

	return result
}

// Reset resets all statistics counters
func (s *LinkStatistics) Reset() {
	now := s.now()
	*s = LinkStatistics{
		StartTime:      now,
		LastUpdateTime: now,
		Anomalies:      make(map[AnomalyType]uint64),
		now:            s.now,
	}
}
