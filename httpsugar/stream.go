/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package httpsugar

import (
	"io"
	"net"
	"sync"

	"github.com/badu/dispatch/client"
	"github.com/badu/dispatch/internal/hdr"
)

// StreamFactory is invoked once OnHeaders fires, letting the caller pick a
// destination writer based on the response (spec.md §1's "stream"
// collaborator: "factory-driven writable"). Returning a nil writer is
// equivalent to discarding the body.
type StreamFactory func(statusCode int, headers hdr.Header) (io.Writer, error)

// streamHandler pipes response body chunks directly into a writer produced
// by a StreamFactory instead of buffering the whole response in memory —
// the shape a caller reaches for to stream a response to disk or to an
// io.Pipe consumer.
type streamHandler struct {
	factory StreamFactory
	done    chan error
	once    sync.Once

	dst io.Writer
}

// Stream dispatches opts through d, writing the response body into whatever
// writer factory produces once headers arrive. It blocks until the body is
// fully written (or the request errors) and returns the final error, if
// any.
func Stream(d DispatchFunc, opts client.RequestOptions, factory StreamFactory) error {
	h := &streamHandler{factory: factory, done: make(chan error, 1)}
	d(opts, h)
	return <-h.done
}

func (h *streamHandler) finish(err error) {
	h.once.Do(func() { h.done <- err })
}

func (h *streamHandler) OnConnect(abort func()) {}

func (h *streamHandler) OnHeaders(statusCode int, headers hdr.Header, resume func()) bool {
	dst, err := h.factory(statusCode, headers)
	if err != nil {
		h.finish(err)
		return false
	}
	h.dst = dst
	return true
}

func (h *streamHandler) OnData(chunk []byte) bool {
	if h.dst == nil {
		return true
	}
	if _, err := h.dst.Write(chunk); err != nil {
		h.finish(err)
		return false
	}
	return true
}

func (h *streamHandler) OnComplete(trailers map[string][]string) {
	h.finish(nil)
}

func (h *streamHandler) OnUpgrade(statusCode int, headers hdr.Header, conn net.Conn, head []byte) {
	conn.Close()
	h.finish(nil)
}

func (h *streamHandler) OnError(err error) {
	h.finish(err)
}
