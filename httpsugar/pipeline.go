/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package httpsugar

import (
	"net"

	"github.com/badu/dispatch/client"
	"github.com/badu/dispatch/internal/hdr"
)

// PipelineResult carries one response's headers and a channel of body
// chunks for callers that want to start consuming a response before it has
// fully arrived (spec.md §1's "pipeline" collaborator: "duplex").
type PipelineResult struct {
	StatusCode int
	Headers    hdr.Header

	// Chunks yields each body chunk as it is parsed off the wire; it is
	// closed after the final chunk (or immediately, on error — check Err
	// after Chunks closes).
	Chunks <-chan []byte

	// Err is set once Chunks has closed, after the caller has drained it.
	Err *error
}

// pipelineHandler is a duplex handler: the caller receives response chunks
// as they arrive via a channel instead of either blocking for the full body
// (httpsugar.Request) or supplying a destination writer up front
// (httpsugar.Stream).
type pipelineHandler struct {
	headersCh chan *PipelineResult
	chunks    chan []byte
	err       error
}

// Pipeline dispatches opts through d and returns as soon as headers arrive,
// handing back a PipelineResult whose Chunks channel streams the body
// concurrently with the caller reading it.
func Pipeline(d DispatchFunc, opts client.RequestOptions) (*PipelineResult, error) {
	h := &pipelineHandler{
		headersCh: make(chan *PipelineResult, 1),
		chunks:    make(chan []byte, 16),
	}
	d(opts, h)
	res, ok := <-h.headersCh
	if !ok {
		return nil, h.err
	}
	return res, nil
}

func (h *pipelineHandler) OnConnect(abort func()) {}

func (h *pipelineHandler) OnHeaders(statusCode int, headers hdr.Header, resume func()) bool {
	h.headersCh <- &PipelineResult{
		StatusCode: statusCode,
		Headers:    headers,
		Chunks:     h.chunks,
		Err:        &h.err,
	}
	close(h.headersCh)
	return true
}

func (h *pipelineHandler) OnData(chunk []byte) bool {
	cp := append([]byte(nil), chunk...)
	h.chunks <- cp
	return true
}

func (h *pipelineHandler) OnComplete(trailers map[string][]string) {
	close(h.chunks)
}

func (h *pipelineHandler) OnUpgrade(statusCode int, headers hdr.Header, conn net.Conn, head []byte) {
	conn.Close()
	close(h.chunks)
}

func (h *pipelineHandler) OnError(err error) {
	h.err = err
	select {
	case <-h.headersCh:
		// headers already delivered; surface the error by closing chunks
	default:
		close(h.headersCh)
	}
	close(h.chunks)
}
