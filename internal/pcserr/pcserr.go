// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package pcserr defines the typed error kinds that appear on the wire as
// a Response's errorType string (spec §7). Every kind is carried by the
// single Error type's Kind field, so callers discriminate with Is or
// KindOf (errors.As underneath) instead of string comparison.
package pcserr

import (
	"errors"
	"fmt"
)

// Kind is one of the wire errorType strings.
type Kind string

const (
	KindProtocolError        Kind = "ProtocolError"
	KindDeserializationError Kind = "DeserializationError"
	KindUnknownCommand       Kind = "UnknownCommand"
	KindWrongMode            Kind = "WrongMode"
	KindPermissionDenied     Kind = "PermissionDenied"
	KindInvalidArgument      Kind = "InvalidArgument"
	KindNotFound             Kind = "NotFound"
	KindAlreadyExists        Kind = "AlreadyExists"
	KindAlreadyHeld          Kind = "AlreadyHeld"
	KindNotHeld              Kind = "NotHeld"
	KindCancelled            Kind = "Cancelled"
	KindIoError              Kind = "IoError"
)

// Error is a wire-typed domain error. It wraps an optional underlying
// cause and carries the Kind that the command processor serializes into
// the response's errorType field.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to IoError for untyped
// errors — an un-typed failure reaching the wire is treated as an
// unrecoverable daemon-side fault per spec §7.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindIoError
}

func Fatal(kind Kind) bool {
	return kind == KindProtocolError
}
