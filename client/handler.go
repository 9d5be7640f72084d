/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package client

import (
	"net"

	"github.com/badu/dispatch/internal/hdr"
)

// Handler is the capability set every dispatched request is bound to
// (spec.md §2.3). Implemented as a Go interface rather than a tagged
// variant, per spec.md §9's "implement Handler as ... an interface with the
// six operations" alternative — the five concrete shapes the spec
// describes (request/stream/pipeline/upgrade/redirect) live in package
// httpsugar and package agent as five distinct implementations instead of
// one struct switching on a kind field.
//
// Exactly one of OnComplete or OnError fires terminally for a given
// request; no method is called again afterward (spec.md §7).
type Handler interface {
	// OnConnect is invoked once the socket the request will be written on
	// is connected (or immediately, if already connected), just before the
	// request is written. Calling abort synchronously from inside
	// OnConnect cancels the request: it is spliced out of the queue
	// unwritten and OnError(ErrRequestAborted) fires instead. Calling
	// abort after OnConnect returns has no effect.
	OnConnect(abort func())

	// OnHeaders delivers the response status and headers. Returning false
	// requests back-pressure: the parser pauses until Resume is called on
	// the handler-provided function.
	OnHeaders(statusCode int, headers hdr.Header, resume func()) bool

	// OnData delivers one body chunk. Returning false requests
	// back-pressure the same way OnHeaders does.
	OnData(chunk []byte) bool

	// OnComplete fires once after the final body chunk, carrying any
	// trailers (nil if none were received).
	OnComplete(trailers map[string][]string)

	// OnUpgrade transfers ownership of the raw socket to the handler
	// after a 101 or a CONNECT 2xx (spec.md §4.5). head is any bytes the
	// parser had already buffered past the header block.
	OnUpgrade(statusCode int, headers hdr.Header, conn net.Conn, head []byte)

	// OnError is terminal: no further callback fires for this request
	// afterward.
	OnError(err error)
}
