/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package httpsugar

import (
	"net"
	"sync"

	"github.com/badu/dispatch/client"
	"github.com/badu/dispatch/dispatcherr"
	"github.com/badu/dispatch/internal/hdr"
)

// UpgradeResult hands the caller the raw, now handler-owned socket once a
// 101 Switching Protocols (or CONNECT 2xx) response arrives (spec.md §4.5).
type UpgradeResult struct {
	StatusCode int
	Headers    hdr.Header
	Conn       net.Conn
	Head       []byte // bytes the parser had already buffered past the headers
}

// upgradeHandler blocks Upgrade until either the socket is handed over or
// the request errors before an upgrade happens (a non-101/CONNECT response,
// a protocol error, a timeout).
type upgradeHandler struct {
	done chan struct{}
	once sync.Once
	res  *UpgradeResult
	err  error
}

func (h *upgradeHandler) finish() { h.once.Do(func() { close(h.done) }) }

// Upgrade dispatches opts through d expecting a protocol switch and blocks
// until the raw connection is handed over (spec.md §1's "upgrade"
// collaborator).
func Upgrade(d DispatchFunc, opts client.RequestOptions) (*UpgradeResult, error) {
	h := &upgradeHandler{done: make(chan struct{})}
	d(opts, h)
	<-h.done
	if h.err != nil {
		return nil, h.err
	}
	return h.res, nil
}

func (h *upgradeHandler) OnConnect(abort func()) {}

func (h *upgradeHandler) OnHeaders(statusCode int, headers hdr.Header, resume func()) bool {
	// A non-upgrading response for a request that asked for one is a
	// protocol error from this sugar layer's point of view; the client
	// core itself never reaches here in that case unless the server
	// replied without switching (e.g. a 4xx before the upgrade negotiates).
	h.err = dispatcherr.New(dispatcherr.NotSupported, "server did not switch protocols")
	h.finish()
	return false
}

func (h *upgradeHandler) OnData(chunk []byte) bool { return true }

func (h *upgradeHandler) OnComplete(trailers map[string][]string) {}

func (h *upgradeHandler) OnUpgrade(statusCode int, headers hdr.Header, conn net.Conn, head []byte) {
	h.res = &UpgradeResult{StatusCode: statusCode, Headers: headers, Conn: conn, Head: head}
	h.finish()
}

func (h *upgradeHandler) OnError(err error) {
	h.err = err
	h.finish()
}
