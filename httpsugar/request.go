/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package httpsugar provides the thin, synchronous-friendly Handler
// implementations spec.md §1 describes only as collaborators ("request",
// "stream", "pipeline", "upgrade") built on top of the raw
// OnConnect/OnHeaders/OnData/OnComplete/OnError contract in package client.
// None of this is part of the dispatcher itself — it's the sugar a caller
// reaches for instead of implementing client.Handler by hand for the
// common case of "buffer the whole response and hand it back".
package httpsugar

import (
	"bytes"
	"net"
	"sync"

	"github.com/badu/dispatch/client"
	"github.com/badu/dispatch/internal/hdr"
)

// DispatchFunc adapts whichever concrete dispatcher (client.Client,
// pool.Pool, agent.Agent/RedirectAgent) a caller is using to the shape
// httpsugar needs; callers pass e.g. myClient.Dispatch or a closure
// capturing an Origin for an Agent.
type DispatchFunc func(opts client.RequestOptions, h client.Handler) bool

// Response is a fully-buffered response, the shape most callers actually
// want instead of raw callbacks.
type Response struct {
	StatusCode int
	Headers    hdr.Header
	Body       []byte
	Trailers   map[string][]string
}

// Request dispatches opts through d and blocks until the response is fully
// buffered (spec.md §1's "request" collaborator).
func Request(d DispatchFunc, opts client.RequestOptions) (*Response, error) {
	done := make(chan struct{})
	h := &bufferingHandler{done: done}
	d(opts, h)
	<-done
	if h.err != nil {
		return nil, h.err
	}
	return &h.resp, nil
}

type bufferingHandler struct {
	done chan struct{}
	once sync.Once

	resp Response
	buf  bytes.Buffer
	err  error
}

func (h *bufferingHandler) finish() { h.once.Do(func() { close(h.done) }) }

func (h *bufferingHandler) OnConnect(abort func()) {}

func (h *bufferingHandler) OnHeaders(statusCode int, headers hdr.Header, resume func()) bool {
	h.resp.StatusCode = statusCode
	h.resp.Headers = headers
	return true
}

func (h *bufferingHandler) OnData(chunk []byte) bool {
	h.buf.Write(chunk)
	return true
}

func (h *bufferingHandler) OnComplete(trailers map[string][]string) {
	h.resp.Body = h.buf.Bytes()
	h.resp.Trailers = trailers
	h.finish()
}

func (h *bufferingHandler) OnUpgrade(statusCode int, headers hdr.Header, conn net.Conn, head []byte) {
	conn.Close()
	h.finish()
}

func (h *bufferingHandler) OnError(err error) {
	h.err = err
	h.finish()
}
