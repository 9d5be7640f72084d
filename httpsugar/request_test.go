/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package httpsugar

import (
	"bufio"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/badu/dispatch/client"
)

func newTestServer(t *testing.T, handle func(net.Conn)) client.Origin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return client.Origin{Scheme: "http", Host: host, Port: port}
}

func drainRequestLine(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if line == "\r\n" {
			return nil
		}
	}
}

func TestRequest_BuffersFullResponse(t *testing.T) {
	origin := newTestServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if drainRequestLine(r) != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nX-Trailer-Source: none\r\n\r\nhello"))
	})

	c := client.New(origin, &client.Options{}, client.Events{})
	defer c.Destroy(nil, nil)

	resp, err := Request(c.Dispatch, client.RequestOptions{Method: "GET", Path: "/"})
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "hello", string(resp.Body))
}

func TestRequest_SurfacesHandlerError(t *testing.T) {
	origin := newTestServer(t, func(conn net.Conn) { conn.Close() })
	c := client.New(origin, &client.Options{}, client.Events{})
	c.Destroy(nil, nil)

	_, err := Request(c.Dispatch, client.RequestOptions{Method: "GET", Path: "/"})
	require.Error(t, err)
}
