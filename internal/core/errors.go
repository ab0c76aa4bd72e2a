// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package core holds types shared across capsule's components: the
// error kind taxonomy used for both synchronous RPC errors and
// task-internal failures (spec §7), and the stable integer error-code
// domain exposed over the RPC surface (spec §6).
package core

import (
	"errors"
	"fmt"
)

// Kind classifies an Error without tying it to a concrete Go type,
// the way messaging.MatrixError classifies errors by an ErrCode
// string. Callers branch on Kind via [KindOf] or [errors.Is] against
// the sentinel values below.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgs
	KindNotFound
	KindAlreadyInstalled
	KindNotInstalled
	KindBusy
	KindLockContended
	KindIOError
	KindArchMismatch
	KindDependencyMissing
	KindRemoteUnavailable
	KindInteractionDeclined
	KindCanceled
	KindVerification
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgs:
		return "InvalidArgs"
	case KindNotFound:
		return "NotFound"
	case KindAlreadyInstalled:
		return "AlreadyInstalled"
	case KindNotInstalled:
		return "NotInstalled"
	case KindBusy:
		return "Busy"
	case KindLockContended:
		return "LockContended"
	case KindIOError:
		return "IoError"
	case KindArchMismatch:
		return "ArchMismatch"
	case KindDependencyMissing:
		return "DependencyMissing"
	case KindRemoteUnavailable:
		return "RemoteUnavailable"
	case KindInteractionDeclined:
		return "InteractionDeclined"
	case KindCanceled:
		return "Canceled"
	case KindVerification:
		return "Verification"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// MessageType selects how the RPC boundary should surface an error to
// the user: inline in the calling UI ("display", the default) or as
// an OS-level notification ("notification"), per spec §7.
type MessageType int

const (
	MessageDisplay MessageType = iota
	MessageNotification
)

// Error is capsule's structured error type. It is returned from
// synchronous RPC methods (fuzzy resolution, already-installed checks,
// architecture mismatches, running-container conflicts) and used
// internally to fail a task with a classified reason. Use [errors.As]
// to recover the Kind and MessageType from a wrapped error, the same
// way messaging.IsMatrixError recovers a *MatrixError.
type Error struct {
	Kind    Kind
	Message string
	Type    MessageType
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind with a message, defaulting
// to MessageDisplay.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Type: MessageDisplay}
}

// Newf creates an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Type: MessageDisplay}
}

// Wrap creates an Error of the given kind that wraps cause; cause is
// reachable via errors.Unwrap/errors.Is but is not repeated in
// Message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Type: MessageDisplay, cause: cause}
}

// Wrapf creates an Error of the given kind with a formatted message
// that wraps cause.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Type: MessageDisplay, cause: cause}
}

// AsNotification returns a copy of e with Type set to
// MessageNotification, for errors the RPC boundary should surface via
// an OS notification rather than inline display (spec §8 scenario 5).
func (e *Error) AsNotification() *Error {
	copied := *e
	copied.Type = MessageNotification
	return &copied
}

// Is reports whether err is an *Error with the given kind. This is
// the primary way application code should branch on error kind:
//
//	if core.Is(err, core.KindBusy) { ... }
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and
// KindUnknown otherwise.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Code is the stable integer error-code domain exposed over the RPC
// surface (spec §6). Codes are independent of Kind: several Kinds can
// map to the same legacy Code where spec.md's code table is coarser
// than the internal Kind taxonomy (e.g. every Kind that leads to a
// failed uninstall maps to CodeUninstallFailed).
type Code int

const (
	CodeOK                    Code = 0
	CodeAlreadyInstalled      Code = 1
	CodeNotInstalled          Code = 2
	CodeNotSupported          Code = 3
	CodeInvalidArgs           Code = 4
	CodeInstallRuntimeFailed  Code = 5
	CodeLoadDataFailed        Code = 6
	CodeUninstallFailed       Code = 7
	CodeUpdateFailed          Code = 8
	CodeUpdateSuccess         Code = 9
	CodeInstallSuccess        Code = 10
	CodeUninstallSuccess      Code = 11
	CodeQuerySuccess          Code = 12
	CodeQueryFailed           Code = 13
	CodeKillFailed            Code = 14
)

// CodeForKind maps an error Kind onto the stable RPC error-code
// domain. Kinds with no specific code of their own fall back to a
// reasonable general failure code for the operation family; callers
// that need a more specific code (e.g. distinguishing install failure
// from uninstall failure) should set it explicitly rather than rely
// on this default.
func CodeForKind(kind Kind) Code {
	switch kind {
	case KindAlreadyInstalled:
		return CodeAlreadyInstalled
	case KindNotInstalled:
		return CodeNotInstalled
	case KindInvalidArgs:
		return CodeInvalidArgs
	case KindDependencyMissing:
		return CodeInstallRuntimeFailed
	default:
		return CodeLoadDataFailed
	}
}
