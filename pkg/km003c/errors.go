// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import "errors"

// Codec errors. Functions wrap these with context; match them with errors.Is.
var (
	// ErrMalformedHeader is returned when a buffer is shorter than a main or
	// extended header.
	ErrMalformedHeader = errors.New("km003c: malformed header")

	// ErrLengthMismatch is returned when a declared length disagrees with the
	// bytes actually present.
	ErrLengthMismatch = errors.New("km003c: length mismatch")

	// ErrTruncatedPayload is returned when a fixed-size payload is short.
	ErrTruncatedPayload = errors.New("km003c: truncated payload")

	// ErrUnknownCommand is returned for a packet type outside the known set.
	ErrUnknownCommand = errors.New("km003c: unknown command")

	// ErrUnknownAttribute is returned for an attribute outside the known set.
	ErrUnknownAttribute = errors.New("km003c: unknown attribute")

	// ErrUnknownSampleRate is returned when a rate code is not in the table.
	ErrUnknownSampleRate = errors.New("km003c: unknown sample rate")

	// ErrMalformedPreamble is returned when a PD stream is shorter than its preamble.
	ErrMalformedPreamble = errors.New("km003c: malformed PD preamble")

	// ErrUnknownEventType terminates a PD event stream at an unrecognized tag.
	ErrUnknownEventType = errors.New("km003c: unknown PD event type")

	// ErrUnexpectedPayload is returned when a command that takes no payload is given one.
	ErrUnexpectedPayload = errors.New("km003c: unexpected payload")

	// ErrInvalidAttributeForCommand is returned when a command does not accept an attribute.
	ErrInvalidAttributeForCommand = errors.New("km003c: invalid attribute for command")

	// ErrInvalidSampleRate is returned when a requested rate does not resolve.
	ErrInvalidSampleRate = errors.New("km003c: invalid sample rate")

	// ErrPayloadTooLarge is returned when a payload does not fit the size field.
	ErrPayloadTooLarge = errors.New("km003c: payload too large")

	// ErrCorrelationMismatch is returned when a response carries an attribute
	// the request did not ask for.
	ErrCorrelationMismatch = errors.New("km003c: response does not match request")

	// ErrUnexpectedCommand is returned when a packet has the wrong type for
	// the decoder it was given to.
	ErrUnexpectedCommand = errors.New("km003c: unexpected packet type")
)
