/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package client

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/badu/dispatch/dispatcherr"
	"github.com/badu/dispatch/internal/hdr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Goroutines parked in a socket read (test-server connection
		// handlers and client read loops whose peer has not closed yet) are
		// ignored.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// testServer is a minimal single-listener TCP fixture: each accepted
// connection is handed to handle, which reads/writes raw HTTP/1.1 bytes.
// It stands in for the dummy "reply with canned bytes" servers spec.md §8's
// literal end-to-end scenarios describe.
type testServer struct {
	ln net.Listener
}

func newTestServer(t *testing.T, handle func(net.Conn)) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &testServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *testServer) origin(scheme string) Origin {
	host, portStr, _ := net.SplitHostPort(s.ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return Origin{Scheme: scheme, Host: host, Port: port}
}

// readRequestLine drains one request (request line + headers, no body)
// assuming a GET/HEAD with no body, which is all these fixtures send.
func readRequestLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(line)
		if line == "\r\n" {
			return sb.String(), nil
		}
	}
}

// recordingHandler implements client.Handler, buffering the whole response
// and counting callback invocations so tests can assert exactly-once/
// never-after-error properties (spec.md §8).
type recordingHandler struct {
	mu sync.Mutex

	connects   int32
	statusCode int
	headers    hdr.Header
	body       []byte
	trailers   map[string][]string
	err        error
	completed  bool
	done       chan struct{}

	postErrorCalls int32
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{})}
}

func (h *recordingHandler) OnConnect(abort func()) { atomic.AddInt32(&h.connects, 1) }

func (h *recordingHandler) OnHeaders(statusCode int, headers hdr.Header, resume func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		atomic.AddInt32(&h.postErrorCalls, 1)
		return true
	}
	h.statusCode = statusCode
	h.headers = headers
	return true
}

func (h *recordingHandler) OnData(chunk []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		atomic.AddInt32(&h.postErrorCalls, 1)
		return true
	}
	h.body = append(h.body, chunk...)
	return true
}

func (h *recordingHandler) OnComplete(trailers map[string][]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		atomic.AddInt32(&h.postErrorCalls, 1)
		return
	}
	h.trailers = trailers
	h.completed = true
	close(h.done)
}

func (h *recordingHandler) OnUpgrade(statusCode int, headers hdr.Header, conn net.Conn, head []byte) {
	conn.Close()
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		atomic.AddInt32(&h.postErrorCalls, 1)
		return
	}
	h.err = err
	close(h.done)
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler completion")
	}
}

// Scenario 1 (spec.md §8): keep-alive pipelined GET×3 over a single socket.
func TestClient_PipelinedKeepAliveThreeGETs(t *testing.T) {
	var connCount int32
	srv := newTestServer(t, func(conn net.Conn) {
		defer conn.Close()
		atomic.AddInt32(&connCount, 1)
		r := bufio.NewReader(conn)
		for i := 0; i < 3; i++ {
			if _, err := readRequestLine(r); err != nil {
				return
			}
			conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
		}
	})

	var connectEvents, disconnectEvents int32
	c := New(srv.origin("http"), &Options{Pipelining: 3}, Events{
		OnConnect:    func() { atomic.AddInt32(&connectEvents, 1) },
		OnDisconnect: func(error) { atomic.AddInt32(&disconnectEvents, 1) },
	})
	defer c.Destroy(nil, nil)

	handlers := make([]*recordingHandler, 3)
	for i := range handlers {
		h := newRecordingHandler()
		handlers[i] = h
		c.Dispatch(RequestOptions{Method: "GET", Path: "/"}, h)
	}

	for _, h := range handlers {
		h.wait(t)
		require.NoError(t, h.err)
		require.Equal(t, 200, h.statusCode)
		require.Equal(t, "hello", string(h.body))
	}

	require.Equal(t, int32(1), atomic.LoadInt32(&connectEvents))
	require.Equal(t, int32(0), atomic.LoadInt32(&disconnectEvents))
	require.Equal(t, int32(1), atomic.LoadInt32(&connCount))
}

// Scenario 3 (spec.md §8): a non-idempotent POST must not be written until
// a running GET's response is fully consumed.
func TestClient_NonIdempotentWaitsForRunningGET(t *testing.T) {
	var order []string
	var mu sync.Mutex
	firstReqDone := make(chan struct{})

	srv := newTestServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, err := readRequestLine(r)
		if err != nil {
			return
		}
		mu.Lock()
		order = append(order, strings.Fields(line)[0])
		mu.Unlock()
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		close(firstReqDone)

		line, err = readRequestLine(r)
		if err != nil {
			return
		}
		mu.Lock()
		order = append(order, strings.Fields(line)[0])
		mu.Unlock()
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})

	c := New(srv.origin("http"), &Options{Pipelining: 2}, Events{})
	defer c.Destroy(nil, nil)

	getH := newRecordingHandler()
	postH := newRecordingHandler()

	c.Dispatch(RequestOptions{Method: "GET", Path: "/"}, getH)
	c.Dispatch(RequestOptions{Method: "POST", Path: "/", Idempotent: boolPtr(false)}, postH)

	getH.wait(t)
	postH.wait(t)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"GET", "POST"}, order)
}

func boolPtr(b bool) *bool { return &b }

// Scenario: a dispatch against a destroyed client fails synchronously via
// OnError, never via a panic or a hang (spec.md §4.1).
func TestClient_DispatchAfterDestroy(t *testing.T) {
	srv := newTestServer(t, func(conn net.Conn) { conn.Close() })
	c := New(srv.origin("http"), &Options{}, Events{})
	done := make(chan struct{})
	c.Destroy(nil, func(error) { close(done) })
	<-done

	h := newRecordingHandler()
	c.Dispatch(RequestOptions{Method: "GET", Path: "/"}, h)
	h.wait(t)
	require.True(t, dispatcherr.Is(h.err, dispatcherr.Destroyed))
}

// Queue integrity invariant (spec.md §8): after every Dispatch,
// 0 <= runIdx <= pendIdx <= len(queue) and running <= pipelining.
func TestClient_QueueInvariant(t *testing.T) {
	srv := newTestServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			if _, err := readRequestLine(r); err != nil {
				return
			}
			conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		}
	})

	c := New(srv.origin("http"), &Options{Pipelining: 2}, Events{})
	defer c.Destroy(nil, nil)

	var handlers []*recordingHandler
	for i := 0; i < 5; i++ {
		h := newRecordingHandler()
		handlers = append(handlers, h)
		c.Dispatch(RequestOptions{Method: "GET", Path: "/"}, h)

		c.mu.Lock()
		require.GreaterOrEqual(t, c.runIdx, 0)
		require.LessOrEqual(t, c.runIdx, c.pendIdx)
		require.LessOrEqual(t, c.pendIdx, len(c.queue))
		require.LessOrEqual(t, c.pendIdx-c.runIdx, c.opts.Pipelining)
		c.mu.Unlock()
	}

	for _, h := range handlers {
		h.wait(t)
		require.NoError(t, h.err)
	}
}

// Amortized compaction (spec.md §3/§4.2 step 3): the completed prefix of
// the queue must not grow without bound on a long-lived connection, or
// every Request ever dispatched (and the Headers/Body/Handler it pins)
// stays reachable for the Client's whole lifetime.
func TestClient_QueueCompactionKeepsBackingArrayBounded(t *testing.T) {
	srv := newTestServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			if _, err := readRequestLine(r); err != nil {
				return
			}
			conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		}
	})

	c := New(srv.origin("http"), &Options{Pipelining: 1}, Events{})
	defer c.Destroy(nil, nil)

	const n = queueCompactionThreshold + 50
	for i := 0; i < n; i++ {
		h := newRecordingHandler()
		c.Dispatch(RequestOptions{Method: "GET", Path: "/"}, h)
		h.wait(t)
		require.NoError(t, h.err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Less(t, len(c.queue), n, "completed prefix was never compacted away")
	require.Less(t, c.runIdx, queueCompactionThreshold)
}

// spec.md §8 scenario 2: "retry_delay progression observable: 0 -> 1000ms".
func TestClient_RetryDelayStartsImmediateThenOneSecond(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close()) // nothing listens here: dials fail fast

	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	first := make(chan struct{})
	var once sync.Once
	c := New(Origin{Scheme: "http", Host: host, Port: port}, &Options{ConnectTimeout: 200 * time.Millisecond}, Events{
		OnConnectionError: func(error) { once.Do(func() { close(first) }) },
	})
	defer c.Destroy(nil, nil)

	h := newRecordingHandler()
	c.Dispatch(RequestOptions{Method: "GET", Path: "/"}, h)

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first connect attempt never failed")
	}

	c.mu.Lock()
	delay := c.retryDelay
	c.mu.Unlock()
	require.Equal(t, time.Second, delay)
}

// abortingHandler cancels a request from inside OnConnect, before anything
// is written to the socket (spec.md §2 "on_connect(abort)").
type abortingHandler struct {
	*recordingHandler
}

func (h *abortingHandler) OnConnect(abort func()) { abort() }

func TestClient_OnConnectAbortCancelsBeforeWrite(t *testing.T) {
	var requestsSeen int32
	srv := newTestServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := readRequestLine(r); err == nil {
			atomic.AddInt32(&requestsSeen, 1)
			conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		}
	})

	c := New(srv.origin("http"), &Options{}, Events{})
	defer c.Destroy(nil, nil)

	h := &abortingHandler{recordingHandler: newRecordingHandler()}
	c.Dispatch(RequestOptions{Method: "GET", Path: "/"}, h)
	h.wait(t)

	require.True(t, dispatcherr.Is(h.err, dispatcherr.Aborted))
	require.Equal(t, int32(0), atomic.LoadInt32(&requestsSeen))
}

// spec.md §6 "maxAbortedPayload": aborting a running request drains its
// response off the wire instead of tearing down the socket, so a sibling
// request queued behind it still completes over the same connection.
func TestClient_AbortDrainsBodyWithoutKillingConnection(t *testing.T) {
	reqReceived := make(chan struct{})
	release := make(chan struct{})
	srv := newTestServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := readRequestLine(r); err != nil {
			return
		}
		close(reqReceived)
		<-release
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

		if _, err := readRequestLine(r); err != nil {
			return
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	})

	c := New(srv.origin("http"), &Options{Pipelining: 1}, Events{})
	defer c.Destroy(nil, nil)

	abortCh := make(chan struct{})
	h1 := newRecordingHandler()
	c.Dispatch(RequestOptions{Method: "GET", Path: "/", Abort: abortCh}, h1)

	<-reqReceived
	close(abortCh)
	h1.wait(t)
	require.True(t, dispatcherr.Is(h1.err, dispatcherr.Aborted))
	close(release)

	h2 := newRecordingHandler()
	c.Dispatch(RequestOptions{Method: "GET", Path: "/"}, h2)
	h2.wait(t)
	require.NoError(t, h2.err)
	require.Equal(t, "ok", string(h2.body))
}
