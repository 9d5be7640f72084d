/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package dispatcherr

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNew_NoCause(t *testing.T) {
	err := New(InvalidArg, "bad path")
	require.Equal(t, "UND_ERR_INVALID_ARG: bad path", err.Error())
	require.Nil(t, err.Unwrap())
	require.True(t, Is(err, InvalidArg))
	require.False(t, Is(err, Socket))
}

func TestWrap_PreservesCauseAndCode(t *testing.T) {
	wrapped := Wrap(Socket, io.ErrClosedPipe)
	require.True(t, Is(wrapped, Socket))
	require.Equal(t, io.ErrClosedPipe, errors.Cause(wrapped))
	require.ErrorIs(t, wrapped, io.ErrClosedPipe)
}

func TestWrap_NilErrorYieldsNil(t *testing.T) {
	require.Nil(t, Wrap(Socket, nil))
}

func TestIs_SeesThroughGenericWrapping(t *testing.T) {
	inner := New(Timeout, "headers took too long")
	outer := errors.Wrap(inner, "dispatch failed")
	require.True(t, Is(outer, Timeout))
}

func TestSentinels_CarryExpectedCodes(t *testing.T) {
	cases := map[*Error]Code{
		ErrClientClosed:    Closed,
		ErrClientDestroyed: Destroyed,
		ErrRequestAborted:  Aborted,
		ErrNotSupported:    NotSupported,
		ErrConnectTimeout:  ConnectTimeout,
		ErrHeadersTimeout:  HeadersTimeout,
		ErrBodyTimeout:     BodyTimeout,
		ErrHeadersOverflow: HeadersOverflow,
		ErrTrailerMismatch: TrailerMismatch,
	}
	for sentinel, code := range cases {
		require.Equal(t, code, sentinel.Code)
		require.True(t, Is(sentinel, code))
	}
}
