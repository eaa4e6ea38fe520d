// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package journal

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Thermoquad/otaflash/pkg/ota"
	"github.com/Thermoquad/otaflash/pkg/otawire"
)

// Divergence is a point where the replayed session sent something other
// than what was recorded
type Divergence struct {
	Entry    int
	Recorded []byte
	Replayed []byte
}

func (d Divergence) String() string {
	describe := func(body []byte) string {
		if body == nil {
			return "nothing"
		}
		m, err := otawire.ParseMessage(body)
		if err != nil {
			return fmt.Sprintf("% X", body)
		}
		return otawire.FormatMessage(m)
	}
	return fmt.Sprintf("entry %d: recorded %s, replayed %s", d.Entry, describe(d.Recorded), describe(d.Replayed))
}

// Report summarizes a replay
type Report struct {
	Entries     int
	Phase       ota.Phase
	Err         error
	Divergences []Divergence
}

// Replay feeds the recorded inputs into a fresh session for img and compares
// every outbound message with the recording. opts are applied after the
// recorded policy.
func Replay(hdr Header, entries []Entry, img *ota.Image, opts ...ota.Option) (*Report, error) {
	digests := ota.DigestPolicy{ImageAlgorithm: ota.DigestAlgorithm(hdr.DigestAlgorithm)}
	if uint32(img.Len()) != hdr.ImageLength {
		return nil, fmt.Errorf("image is %d bytes, journal recorded %d", img.Len(), hdr.ImageLength)
	}
	if got := img.Digest(digests); !got.Equal(hdr.Digest()) {
		return nil, fmt.Errorf("image digest %s does not match journal %s", got, hdr.Digest())
	}

	all := []ota.Option{
		ota.WithPolicy(hdr.Policy.Policy()),
		ota.WithDigestPolicy(digests),
		ota.WithMaxMTU(hdr.MTUHint),
		ota.WithID(hdr.SessionID),
	}
	s := ota.NewSession(append(all, opts...)...)

	eff, err := s.Start(img, hdr.MTUHint)
	if err != nil {
		return nil, fmt.Errorf("failed to start replay session: %w", err)
	}

	report := &Report{Entries: len(entries)}
	var pending [][]byte
	queue := func(eff ota.Effects) error {
		for _, out := range eff.Send {
			msg, err := otawire.FromOutbound(out)
			if err != nil {
				return err
			}
			body, err := msg.MarshalBinary()
			if err != nil {
				return err
			}
			pending = append(pending, body)
		}
		return nil
	}
	if err := queue(eff); err != nil {
		return nil, err
	}

	for i, e := range entries {
		switch e.Kind {
		case KindOutbound:
			var replayed []byte
			if len(pending) > 0 {
				replayed, pending = pending[0], pending[1:]
			}
			if !bytes.Equal(replayed, e.Data) {
				report.Divergences = append(report.Divergences, Divergence{Entry: i, Recorded: e.Data, Replayed: replayed})
			}
			continue

		case KindInbound:
			msg, err := otawire.ParseMessage(e.Data)
			if err != nil {
				eff = s.HandleEvent(ota.Malformed{Err: err})
			} else {
				eff = s.HandleEvent(msg.Event())
			}

		case KindTimeout:
			eff = s.HandleEvent(ota.Timeout{})

		case KindDisconnect:
			// messages the recorder could not write never reached the journal
			pending = nil
			eff = s.HandleEvent(ota.ChannelDisconnected{Err: errors.New(e.Note)})

		case KindAbort:
			eff = s.Abort()

		case KindMalformed:
			eff = s.HandleEvent(ota.Malformed{Err: errors.New(e.Note)})

		default:
			continue
		}

		if err := queue(eff); err != nil {
			return nil, err
		}
	}

	for _, body := range pending {
		report.Divergences = append(report.Divergences, Divergence{Entry: len(entries), Replayed: body})
	}

	report.Phase = s.Phase()
	_, report.Err = s.Result()
	return report, nil
}
