/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package dispatcherr holds the stable, typed error codes shared across the
// client, pool and agent packages.
package dispatcherr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one of the stable UND_ERR_* identifiers a caller can match on.
type Code string

const (
	InvalidArg            Code = "UND_ERR_INVALID_ARG"
	Timeout               Code = "UND_ERR_TIMEOUT"
	Aborted               Code = "UND_ERR_ABORTED"
	Destroyed             Code = "UND_ERR_DESTROYED"
	Closed                Code = "UND_ERR_CLOSED"
	Socket                Code = "UND_ERR_SOCKET"
	Info                  Code = "UND_ERR_INFO"
	HeadersTimeout        Code = "UND_ERR_HEADERS_TIMEOUT"
	BodyTimeout           Code = "UND_ERR_BODY_TIMEOUT"
	HeadersOverflow       Code = "UND_ERR_HEADERS_OVERFLOW"
	ConnectTimeout         Code = "UND_ERR_CONNECT_TIMEOUT"
	TrailerMismatch       Code = "UND_ERR_TRAILER_MISMATCH"
	ContentLengthMismatch Code = "UND_ERR_CONTENT_LENGTH_MISMATCH"
	NotSupported          Code = "UND_ERR_NOT_SUPPORTED"
	ParseError            Code = "HPE_INVALID"
)

// Error is the typed error carried through every terminal Handler.OnError
// call. It never loses its Code, even after being wrapped with additional
// context via Wrap.
type Error struct {
	Code Code
	msg  string
	Err  error // optional wrapped cause, inspected with errors.Cause / errors.Unwrap
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause implements github.com/pkg/errors' Causer interface so callers using
// errors.Cause(err) see through to the original socket/parser failure.
func (e *Error) Cause() error { return e.Err }

// New builds a fresh typed error with no wrapped cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

// Wrap attaches a stable code to an arbitrary lower-level error (a net.Error,
// a parser error, ...), preserving it as the Cause.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, msg: err.Error(), Err: errors.WithStack(err)}
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Common reusable sentinel instances, mirroring the teacher's package-level
// error values (errKeepAlivesDisabled, errConnBroken, ...) instead of
// allocating a fresh *Error at every call site for conditions with no extra
// context to carry.
var (
	ErrClientClosed      = New(Closed, "client is closed")
	ErrClientDestroyed   = New(Destroyed, "client is destroyed")
	ErrRequestAborted    = New(Aborted, "request aborted")
	ErrNotSupported      = New(NotSupported, "feature not supported")
	ErrConnectTimeout     = New(ConnectTimeout, "connect timed out")
	ErrHeadersTimeout    = New(HeadersTimeout, "timed out waiting for response headers")
	ErrBodyTimeout       = New(BodyTimeout, "timed out waiting for response body")
	ErrHeadersOverflow   = New(HeadersOverflow, "response header section exceeded maxHeaderSize")
	ErrTrailerMismatch   = New(TrailerMismatch, "trailer header set did not match declared Trailer names")
)
