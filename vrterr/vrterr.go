// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package vrterr defines the tagged error kinds surfaced by the runtime.
//
// Every fallible operation in this module returns one of these kinds wrapped
// around an underlying cause, so callers can branch on errors.Is/errors.As
// instead of parsing strings.
package vrterr

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure.
type Kind int

// The kinds enumerated here mirror the error table in the specification:
// one Kind per row, each tied to the operation that can surface it.
const (
	// BundleInvalid: archive missing or extraction failed.
	BundleInvalid Kind = iota
	// UuidUnreadable: version.json missing or malformed. Non-fatal: callers
	// treat this as an empty UUID rather than aborting.
	UuidUnreadable
	// PlatformUnknown: system_map Platform tag not in {Hardware,Emulation,Simulation}.
	PlatformUnknown
	// DeviceBusy: per-BDF lock already held by another process.
	DeviceBusy
	// HardwareNotFound: AMI lookup by BDF failed.
	HardwareNotFound
	// AccessDenied: elevated access request failed.
	AccessDenied
	// ProgramFailed: PDI download or JTAG script returned non-zero.
	ProgramFailed
	// BootFailed: boot sequence returned non-OK.
	BootFailed
	// ClockNotLocked: ClkWiz poll exhausted without observing lock.
	ClockNotLocked
	// OutOfMemory: region or superblock exhausted.
	OutOfMemory
	// TooManyArguments: kernel argument count exceeds the register budget.
	TooManyArguments
	// OutOfRange: buffer index beyond size.
	OutOfRange
	// IoError: short read/write or seek failure on a DMA device.
	IoError
	// TransportFailed: messenger send or receive failed.
	TransportFailed
	// Unsupported: operation has no implementation on the active backend.
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case BundleInvalid:
		return "BundleInvalid"
	case UuidUnreadable:
		return "UuidUnreadable"
	case PlatformUnknown:
		return "PlatformUnknown"
	case DeviceBusy:
		return "DeviceBusy"
	case HardwareNotFound:
		return "HardwareNotFound"
	case AccessDenied:
		return "AccessDenied"
	case ProgramFailed:
		return "ProgramFailed"
	case BootFailed:
		return "BootFailed"
	case ClockNotLocked:
		return "ClockNotLocked"
	case OutOfMemory:
		return "OutOfMemory"
	case TooManyArguments:
		return "TooManyArguments"
	case OutOfRange:
		return "OutOfRange"
	case IoError:
		return "IoError"
	case TransportFailed:
		return "TransportFailed"
	case Unsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Error is a classified runtime error: a Kind plus context and an optional
// wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error carrying the same Kind, so
// errors.Is(err, vrterr.New(OutOfRange, "", "")) style checks work without
// pulling in the message text.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New builds an Error with no wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an Error that carries an underlying cause.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Sentinel values for errors.Is comparisons that don't need an Op/Msg.
var (
	ErrOutOfRange  = New(OutOfRange, "", "")
	ErrUnsupported = New(Unsupported, "", "")
)

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
