// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package journal records the inputs and outputs of an OTA session as a CBOR
// sequence so a field failure can be replayed against a fresh session.
//
// A journal is one Header followed by any number of Entry values. Message
// bodies are stored in their otawire encoding without framing.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/otaflash/pkg/ota"
)

// Version is the journal format version written by this package
const Version = 1

// Kind identifies what an Entry records
type Kind uint8

// Entry kinds
const (
	KindOutbound   Kind = 1 // message sent to the target
	KindInbound    Kind = 2 // message received from the target
	KindTimeout    Kind = 3
	KindDisconnect Kind = 4
	KindAbort      Kind = 5
	KindMalformed  Kind = 6
	KindStatus     Kind = 7 // informational, ignored by replay
)

func (k Kind) String() string {
	switch k {
	case KindOutbound:
		return "OUT"
	case KindInbound:
		return "IN"
	case KindTimeout:
		return "TIMEOUT"
	case KindDisconnect:
		return "DISCONNECT"
	case KindAbort:
		return "ABORT"
	case KindMalformed:
		return "MALFORMED"
	case KindStatus:
		return "STATUS"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// PolicyRecord is the retry policy a session ran with
type PolicyRecord struct {
	MaxRetriesPerChunk    int           `cbor:"1,keyasint"`
	MaxNegotiationRetries int           `cbor:"2,keyasint"`
	AckTimeout            time.Duration `cbor:"3,keyasint"`
	NegotiationTimeout    time.Duration `cbor:"4,keyasint"`
	EraseTimeout          time.Duration `cbor:"5,keyasint"`
	FinalizeTimeout       time.Duration `cbor:"6,keyasint"`
}

// NewPolicyRecord captures p
func NewPolicyRecord(p ota.Policy) PolicyRecord {
	return PolicyRecord{
		MaxRetriesPerChunk:    p.MaxRetriesPerChunk,
		MaxNegotiationRetries: p.MaxNegotiationRetries,
		AckTimeout:            p.AckTimeout,
		NegotiationTimeout:    p.NegotiationTimeout,
		EraseTimeout:          p.EraseTimeout,
		FinalizeTimeout:       p.FinalizeTimeout,
	}
}

// Policy converts the record back to an ota.Policy
func (r PolicyRecord) Policy() ota.Policy {
	return ota.Policy{
		MaxRetriesPerChunk:    r.MaxRetriesPerChunk,
		MaxNegotiationRetries: r.MaxNegotiationRetries,
		AckTimeout:            r.AckTimeout,
		NegotiationTimeout:    r.NegotiationTimeout,
		EraseTimeout:          r.EraseTimeout,
		FinalizeTimeout:       r.FinalizeTimeout,
	}
}

// Header describes the recorded session
type Header struct {
	Version         int          `cbor:"1,keyasint"`
	SessionID       string       `cbor:"2,keyasint"`
	Target          string       `cbor:"3,keyasint,omitempty"`
	Started         time.Time    `cbor:"4,keyasint"`
	ImageLength     uint32       `cbor:"5,keyasint"`
	DigestAlgorithm uint8        `cbor:"6,keyasint"`
	ImageDigest     []byte       `cbor:"7,keyasint"`
	MTUHint         uint32       `cbor:"8,keyasint"`
	Policy          PolicyRecord `cbor:"9,keyasint"`
}

// Digest returns the recorded whole-image digest
func (h Header) Digest() ota.Digest {
	return ota.Digest{Algorithm: ota.DigestAlgorithm(h.DigestAlgorithm), Sum: h.ImageDigest}
}

// Entry is one recorded input or output
type Entry struct {
	Offset time.Duration `cbor:"1,keyasint"`
	Kind   Kind          `cbor:"2,keyasint"`
	Data   []byte        `cbor:"3,keyasint,omitempty"`
	Note   string        `cbor:"4,keyasint,omitempty"`
}

// Writer appends entries to a journal. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	start  time.Time
	now    func() time.Time
	err    error
}

// NewWriter writes hdr to w and returns a Writer for the entries
func NewWriter(w io.Writer, hdr Header) (*Writer, error) {
	if hdr.Version == 0 {
		hdr.Version = Version
	}
	if hdr.Started.IsZero() {
		hdr.Started = time.Now()
	}

	enc := cbor.NewEncoder(w)
	if err := enc.Encode(hdr); err != nil {
		return nil, fmt.Errorf("failed to write journal header: %w", err)
	}

	jw := &Writer{enc: enc, start: hdr.Started, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		jw.closer = c
	}
	return jw, nil
}

// Create creates the file at path and writes hdr to it
func Create(path string, hdr Header) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}
	w, err := NewWriter(f, hdr)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Record appends one entry. After the first write error every call returns
// that error.
func (w *Writer) Record(kind Kind, data []byte, note string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	e := Entry{Offset: w.now().Sub(w.start), Kind: kind, Data: data, Note: note}
	if err := w.enc.Encode(e); err != nil {
		w.err = fmt.Errorf("failed to write journal entry: %w", err)
	}
	return w.err
}

// Close closes the underlying writer if it is an io.Closer
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closer == nil {
		return w.err
	}
	err := w.closer.Close()
	w.closer = nil
	if w.err != nil {
		return w.err
	}
	return err
}

// Reader reads a journal
type Reader struct {
	Header Header
	dec    *cbor.Decoder
}

// NewReader reads the header from r
func NewReader(r io.Reader) (*Reader, error) {
	dec := cbor.NewDecoder(r)
	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		return nil, fmt.Errorf("failed to read journal header: %w", err)
	}
	if hdr.Version != Version {
		return nil, fmt.Errorf("unsupported journal version %d (want %d)", hdr.Version, Version)
	}
	return &Reader{Header: hdr, dec: dec}, nil
}

// Next returns the next entry, or io.EOF at the end of the journal
func (r *Reader) Next() (Entry, error) {
	var e Entry
	if err := r.dec.Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("failed to read journal entry: %w", err)
	}
	return e, nil
}

// ReadAll reads a complete journal
func ReadAll(r io.Reader) (Header, []Entry, error) {
	jr, err := NewReader(r)
	if err != nil {
		return Header{}, nil, err
	}

	var entries []Entry
	for {
		e, err := jr.Next()
		if err == io.EOF {
			return jr.Header, entries, nil
		}
		if err != nil {
			return jr.Header, entries, err
		}
		entries = append(entries, e)
	}
}
