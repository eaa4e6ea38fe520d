// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transfer drives an ota.Session over a byte channel: it frames
// outbound messages, decodes inbound frames, runs the protocol timer and
// collects statistics.
package transfer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/otaflash/pkg/ota"
)

// Channel is a duplex byte stream to the target, such as a serial port or a
// WebSocket bridge
type Channel interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrConnectionClosed is returned by channels that were closed by the peer
var ErrConnectionClosed = errors.New("connection closed")

// ErrNoLink is returned by an OpenFunc when no link is configured. It is
// never retried.
var ErrNoLink = errors.New("no link configured")

// OpenFunc opens a channel and returns a human-readable description of it
type OpenFunc func() (Channel, string, error)

// RetryConfig bounds how long OpenWithRetry keeps trying
type RetryConfig struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig retries five times, backing off from 1s up to 30s
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:        5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// OpenWithRetry calls open until it succeeds, ctx is done or the attempts
// are used up. onStatus, if set, receives a WaitingForConnection update
// before the first attempt.
func OpenWithRetry(ctx context.Context, open OpenFunc, cfg RetryConfig, log zerolog.Logger, onStatus func(ota.StatusUpdate)) (Channel, string, error) {
	if onStatus != nil {
		onStatus(ota.StatusUpdate{
			Phase:  ota.PhaseIdle,
			Status: ota.Status{Kind: ota.StatusWaitingForConnection},
		})
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = 0

	var retries uint64
	if cfg.Attempts > 1 {
		retries = uint64(cfg.Attempts - 1)
	}

	var (
		ch   Channel
		desc string
	)
	op := func() error {
		c, d, err := open()
		if err != nil {
			if errors.Is(err, ErrNoLink) {
				return backoff.Permanent(err)
			}
			return err
		}
		ch, desc = c, d
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("Failed to open link")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx), notify)
	if err != nil {
		return nil, "", err
	}
	return ch, desc, nil
}
