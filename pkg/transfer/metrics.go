// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transfer

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Thermoquad/otaflash/pkg/ota"
	"github.com/Thermoquad/otaflash/pkg/otawire"
)

// Metrics exports transfer counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	sessions    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	framesSent  *prometheus.CounterVec
	bytesSent   prometheus.Counter
	resends     prometheus.Counter
	frameErrors *prometheus.CounterVec
	timeouts    prometheus.Counter
	progress    prometheus.Gauge
}

// NewMetrics registers the transfer metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otaflash",
			Name:      "sessions_total",
			Help:      "Finished firmware transfer sessions by outcome.",
		}, []string{"outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "otaflash",
			Name:      "session_duration_seconds",
			Help:      "Wall time of firmware transfer sessions.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"outcome"}),
		framesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otaflash",
			Name:      "frames_sent_total",
			Help:      "Frames written to the link by message type.",
		}, []string{"type"}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "otaflash",
			Name:      "bytes_sent_total",
			Help:      "Framed bytes written to the link.",
		}),
		resends: f.NewCounter(prometheus.CounterOpts{
			Namespace: "otaflash",
			Name:      "chunk_resends_total",
			Help:      "Chunks sent again after a nack or timeout.",
		}),
		frameErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otaflash",
			Name:      "frame_errors_total",
			Help:      "Inbound frames dropped or rejected by reason.",
		}, []string{"reason"}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "otaflash",
			Name:      "timeouts_total",
			Help:      "Expired protocol timers.",
		}),
		progress: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "otaflash",
			Name:      "transfer_progress_percent",
			Help:      "Progress of the running transfer.",
		}),
	}
}

func (m *Metrics) observeSent(msg *otawire.Message, out ota.Outbound, frameLen int) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(otawire.FormatMessageType(msg.Type)).Inc()
	m.bytesSent.Add(float64(frameLen))
	if c, ok := out.(ota.SendChunk); ok && c.Resend {
		m.resends.Inc()
	}
}

func (m *Metrics) observeFrameError(err error) {
	if m == nil {
		return
	}
	reason := "framing"
	switch {
	case errors.Is(err, otawire.ErrCRCMismatch):
		reason = "crc"
	case errors.Is(err, otawire.ErrMalformed):
		reason = "malformed"
	}
	m.frameErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeTimeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *Metrics) observeStatus(u ota.StatusUpdate) {
	if m == nil {
		return
	}
	m.progress.Set(float64(u.Status.Percent))
}

func (m *Metrics) observeFinished(phase ota.Phase, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := outcomeLabel(phase, err)
	m.sessions.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func outcomeLabel(phase ota.Phase, err error) string {
	switch phase {
	case ota.PhaseCompleted:
		return "completed"
	case ota.PhaseAborted:
		return "aborted"
	}
	if k := ota.KindOf(err); k != 0 {
		return k.String()
	}
	return "failed"
}
