/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pool

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/badu/dispatch/client"
	"github.com/badu/dispatch/internal/hdr"
)

// echoServer accepts any number of connections and replies to every request
// line with a small fixed 200 OK, letting tests drive Dispatch without
// caring about response content.
func echoServer(t *testing.T) client.Origin {
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
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" {
						c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
					}
				}
			}(conn)
		}
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return client.Origin{Scheme: "http", Host: host, Port: port}
}

// recordingHandler implements client.Handler, buffering just enough of the
// response for these pool-routing assertions.
type recordingHandler struct {
	done   chan struct{}
	once   sync.Once
	status int
	err    error
}

func newRecordingHandler() *recordingHandler { return &recordingHandler{done: make(chan struct{})} }
func (h *recordingHandler) finish()          { h.once.Do(func() { close(h.done) }) }

func (h *recordingHandler) OnConnect(abort func()) {}
func (h *recordingHandler) OnHeaders(statusCode int, headers hdr.Header, resume func()) bool {
	h.status = statusCode
	return true
}
func (h *recordingHandler) OnData(chunk []byte) bool { return true }
func (h *recordingHandler) OnComplete(trailers map[string][]string) {
	h.finish()
}
func (h *recordingHandler) OnUpgrade(statusCode int, headers hdr.Header, conn net.Conn, head []byte) {
	conn.Close()
	h.finish()
}
func (h *recordingHandler) OnError(err error) {
	h.err = err
	h.finish()
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestPool_SizeReflectsConstructorArg(t *testing.T) {
	origin := echoServer(t)
	p := New(origin, 3, &client.Options{}, client.Events{})
	defer p.Destroy(nil)
	require.Equal(t, 3, p.Size())
}

func TestPool_SizeFloorsAtOne(t *testing.T) {
	origin := echoServer(t)
	p := New(origin, 0, &client.Options{}, client.Events{})
	defer p.Destroy(nil)
	require.Equal(t, 1, p.Size())
}

// With Pipelining: 1 per client and a 2-client pool, two concurrent
// dispatches both complete with a 200; which client each one lands on is
// not asserted.
func TestPool_DispatchRoutesToLeastBusyClient(t *testing.T) {
	origin := echoServer(t)
	p := New(origin, 2, &client.Options{Pipelining: 1}, client.Events{})
	defer p.Destroy(nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var handlers []*recordingHandler
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := newRecordingHandler()
			mu.Lock()
			handlers = append(handlers, h)
			mu.Unlock()
			p.Dispatch(client.RequestOptions{Method: "GET", Path: "/"}, h)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, h := range handlers {
		h.wait(t)
		require.NoError(t, h.err)
		require.Equal(t, 200, h.status)
	}
}

func TestPool_DestroyIsIdempotentAndFailsFurtherDispatch(t *testing.T) {
	origin := echoServer(t)
	p := New(origin, 2, &client.Options{}, client.Events{})
	require.NoError(t, p.Destroy(nil))
	require.NoError(t, p.Destroy(nil))

	h := newRecordingHandler()
	p.Dispatch(client.RequestOptions{Method: "GET", Path: "/"}, h)
	h.wait(t)
	require.Error(t, h.err)
}

func TestPool_PendingAndRunningSumAcrossClients(t *testing.T) {
	origin := echoServer(t)
	p := New(origin, 2, &client.Options{}, client.Events{})
	defer p.Destroy(nil)

	h := newRecordingHandler()
	p.Dispatch(client.RequestOptions{Method: "GET", Path: "/"}, h)
	h.wait(t)
	require.NoError(t, h.err)
	require.Equal(t, 0, p.Pending())
	require.Equal(t, 0, p.Running())
}
