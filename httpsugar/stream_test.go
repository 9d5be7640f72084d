/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package httpsugar

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/badu/dispatch/client"
	"github.com/badu/dispatch/internal/hdr"
)

func TestStream_WritesBodyToFactoryDestination(t *testing.T) {
	origin := newTestServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if drainRequestLine(r) != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 11\r\n\r\nhello world"))
	})

	c := client.New(origin, &client.Options{}, client.Events{})
	defer c.Destroy(nil, nil)

	var buf bytes.Buffer
	factory := func(statusCode int, headers hdr.Header) (io.Writer, error) {
		require.Equal(t, 200, statusCode)
		return &buf, nil
	}
	err := Stream(c.Dispatch, client.RequestOptions{Method: "GET", Path: "/"}, factory)
	require.NoError(t, err)
	require.Equal(t, "hello world", buf.String())
}

func TestStream_FactoryErrorAbortsWithoutWriting(t *testing.T) {
	origin := newTestServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if drainRequestLine(r) != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	})

	c := client.New(origin, &client.Options{}, client.Events{})
	defer c.Destroy(nil, nil)

	boom := errStub("factory refused destination")
	factory := func(statusCode int, headers hdr.Header) (io.Writer, error) {
		return nil, boom
	}
	err := Stream(c.Dispatch, client.RequestOptions{Method: "GET", Path: "/"}, factory)
	require.Equal(t, boom, err)
}

type errStub string

func (e errStub) Error() string { return string(e) }
