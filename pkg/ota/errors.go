// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ota

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why a session did not complete
type ErrorKind int

// Error kinds
const (
	KindRejected ErrorKind = iota + 1
	KindNoResponse
	KindEraseTimeout
	KindFinalizeTimeout
	KindProtocolViolation
	KindChunkRetriesExhausted
	KindChunkTimeoutExhausted
	KindLinkLost
	KindDeviceReported
	KindSessionAlreadyActive
	KindInvalidMTU
	KindEmptyImage
	KindAborted
)

// String returns the human-readable error kind
func (k ErrorKind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindNoResponse:
		return "no response"
	case KindEraseTimeout:
		return "erase timeout"
	case KindFinalizeTimeout:
		return "finalize timeout"
	case KindProtocolViolation:
		return "protocol violation"
	case KindChunkRetriesExhausted:
		return "chunk retries exhausted"
	case KindChunkTimeoutExhausted:
		return "chunk timeout exhausted"
	case KindLinkLost:
		return "link lost"
	case KindDeviceReported:
		return "device reported error"
	case KindSessionAlreadyActive:
		return "session already active"
	case KindInvalidMTU:
		return "invalid MTU"
	case KindEmptyImage:
		return "empty image"
	case KindAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Error is the error type returned for every session failure.
// Match on the kind with errors.Is against the Err* sentinels below.
type Error struct {
	Kind  ErrorKind
	Phase Phase

	// Index is the chunk concerned, valid for chunk and ack failures
	Index uint32

	// Code is the target fault code for KindDeviceReported
	Code uint16

	// Err is the underlying cause, if any
	Err error

	detail string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ota: ")
	b.WriteString(e.Kind.String())

	switch e.Kind {
	case KindDeviceReported:
		fmt.Fprintf(&b, " (code 0x%04X)", e.Code)
	case KindChunkRetriesExhausted, KindChunkTimeoutExhausted:
		fmt.Fprintf(&b, " (chunk %d)", e.Index)
	}

	if e.detail != "" {
		b.WriteString(": ")
		b.WriteString(e.detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrRejected              = &Error{Kind: KindRejected}
	ErrNoResponse            = &Error{Kind: KindNoResponse}
	ErrEraseTimeout          = &Error{Kind: KindEraseTimeout}
	ErrFinalizeTimeout       = &Error{Kind: KindFinalizeTimeout}
	ErrProtocolViolation     = &Error{Kind: KindProtocolViolation}
	ErrChunkRetriesExhausted = &Error{Kind: KindChunkRetriesExhausted}
	ErrChunkTimeoutExhausted = &Error{Kind: KindChunkTimeoutExhausted}
	ErrLinkLost              = &Error{Kind: KindLinkLost}
	ErrDeviceReported        = &Error{Kind: KindDeviceReported}
	ErrSessionAlreadyActive  = &Error{Kind: KindSessionAlreadyActive}
	ErrInvalidMTU            = &Error{Kind: KindInvalidMTU}
	ErrEmptyImage            = &Error{Kind: KindEmptyImage}
	ErrAborted               = &Error{Kind: KindAborted}
)

// ErrSessionNotFinished is returned by Session.Result before a terminal phase
var ErrSessionNotFinished = errors.New("ota: session not finished")

// ErrSessionClosed is returned when Start is called on a session that already ran
var ErrSessionClosed = errors.New("ota: session already ran, create a new one")

func newError(kind ErrorKind, phase Phase, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   kind,
		Phase:  phase,
		detail: fmt.Sprintf(format, args...),
	}
}

// KindOf returns the ErrorKind of err, or 0 if err is not an *Error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
