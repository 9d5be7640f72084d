/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package client

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/badu/dispatch/dispatcherr"
	"github.com/badu/dispatch/internal/hdr"
)

// Origin identifies the fixed target a Client dispatches against
// (spec.md §3 "Client state: origin").
type Origin struct {
	Scheme string // "http" or "https"
	Host   string
	Port   int
}

func (o Origin) hostport() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Servername is the host used for SNI/certificate verification: the
// origin's host unless that host is an IP literal (spec.md §3).
func (o Origin) Servername() string {
	if net.ParseIP(o.Host) != nil {
		return ""
	}
	return o.Host
}

// BodyKind tags which of the three shapes a Request's body takes.
type BodyKind int

const (
	NoBody BodyKind = iota
	BufferBody
	StreamBody
)

var idempotentMethods = map[string]bool{"GET": true, "HEAD": true}

var methodsExpectingPayload = map[string]bool{"PUT": true, "POST": true, "PATCH": true}

// RequestOptions is the caller-facing, pre-validation shape of a dispatched
// request. Client.Dispatch normalizes this into the internal *Request held
// in the queue (spec.md §3 "Request invariants").
type RequestOptions struct {
	Method  string
	Path    string
	Headers hdr.Header
	Body    io.Reader // nil, or a reader; Buffered below pins its length

	// Buffered, when true, declares that Body (if any) is fully
	// in-memory with a known length — the writer takes the identity,
	// known-Content-Length path instead of chunked streaming.
	Buffered bool

	Idempotent     *bool // nil defers to the GET/HEAD default
	Upgrade        string
	ExpectContinue bool // rejected with ErrNotSupported, see SPEC_FULL.md §6

	HeadersTimeout time.Duration
	BodyTimeout    time.Duration
	Servername     string

	Abort <-chan struct{} // closed to request cancellation
}

// Request is the normalized, frozen record the queue holds. It is built
// once at Dispatch time; headers/body may be released after write
// (spec.md §3).
type Request struct {
	Method       string
	Path         string
	Headers      hdr.Header
	BodyKind     BodyKind
	Body         io.Reader
	ContentLen   int64 // -1 when unknown (stream body without declared length)
	Idempotent   bool
	Upgrade      string
	HeadersTimeout time.Duration
	BodyTimeout  time.Duration
	Servername   string
	Abort        <-chan struct{}

	handler Handler

	// aborted marks a request that already received its terminal OnError
	// via cancellation (Abort closed before or after the write, or a
	// handler-invoked OnConnect abort). Once set, the response is still read
	// off the wire to keep the connection framing intact, but never
	// delivered to the handler, and the request is never retried.
	aborted      bool
	drainedBytes int64 // body bytes discarded while draining an aborted request

	// abortDone, when non-nil, is closed exactly once (via finishOnce) to
	// stop the goroutine watching Abort once the request reaches a
	// terminal state — otherwise that goroutine would leak for the life
	// of the process on every request that completes normally.
	abortDone  chan struct{}
	finishOnce sync.Once

	// terminalOnce guards the "exactly one of OnComplete/OnError fires"
	// invariant (spec.md §7) across the normal completion path, a
	// head-of-line socket error, and an abort firing concurrently with
	// either.
	terminalOnce sync.Once
}

// isUpgrade reports whether this request asks for a protocol switch.
func (r *Request) isUpgrade() bool { return r.Upgrade != "" }

// fireTerminal invokes fn at most once for this request.
func (r *Request) fireTerminal(fn func()) {
	r.terminalOnce.Do(fn)
}

// finish releases the Abort watcher goroutine, if one was started.
func (r *Request) finish() {
	if r.abortDone != nil {
		r.finishOnce.Do(func() { close(r.abortDone) })
	}
}

func validateAndBuildRequest(opts RequestOptions, origin Origin, h Handler) (*Request, error) {
	if opts.Method == "" {
		return nil, dispatcherr.New(dispatcherr.InvalidArg, "method must not be empty")
	}
	if opts.Path == "" || opts.Path[0] != '/' {
		return nil, dispatcherr.New(dispatcherr.InvalidArg, "path must start with '/'")
	}
	if opts.ExpectContinue {
		return nil, dispatcherr.ErrNotSupported
	}
	headers := opts.Headers
	if headers == nil {
		headers = make(hdr.Header)
	} else {
		headers = headers.Clone()
	}
	for k, vv := range headers {
		if hdr.IsForbidden(k) {
			return nil, dispatcherr.New(dispatcherr.InvalidArg, fmt.Sprintf("header %q may not be set directly", k))
		}
		for _, v := range vv {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, dispatcherr.New(dispatcherr.InvalidArg, fmt.Sprintf("invalid header value for %q", k))
			}
		}
		if !httpguts.ValidHeaderFieldName(k) {
			return nil, dispatcherr.New(dispatcherr.InvalidArg, fmt.Sprintf("invalid header name %q", k))
		}
	}

	method := strings.ToUpper(opts.Method)
	if method == "CONNECT" {
		return nil, dispatcherr.New(dispatcherr.InvalidArg, "CONNECT is rejected by the writer, see spec.md §4.3")
	}

	idempotent := idempotentMethods[method]
	if opts.Idempotent != nil {
		idempotent = *opts.Idempotent
	}

	servername := opts.Servername
	if servername == "" {
		servername = origin.Servername()
	}

	req := &Request{
		Method:         method,
		Path:           opts.Path,
		Headers:        headers,
		Upgrade:        opts.Upgrade,
		Idempotent:     idempotent,
		HeadersTimeout: opts.HeadersTimeout,
		BodyTimeout:    opts.BodyTimeout,
		Servername:     servername,
		Abort:          opts.Abort,
		handler:        h,
		ContentLen:     -1,
	}

	switch {
	case opts.Body == nil:
		req.BodyKind = NoBody
	case opts.Buffered:
		req.BodyKind = BufferBody
		req.Body = opts.Body
		if cl := headers.Get(hdr.CanonicalKey("Content-Length")); cl != "" {
			n, err := strconv.ParseInt(cl, 10, 64)
			if err != nil {
				return nil, dispatcherr.New(dispatcherr.InvalidArg, "invalid Content-Length")
			}
			req.ContentLen = n
		} else {
			b, err := io.ReadAll(opts.Body)
			if err != nil {
				return nil, dispatcherr.Wrap(dispatcherr.InvalidArg, err)
			}
			req.Body = bytes.NewReader(b)
			req.ContentLen = int64(len(b))
		}
	default:
		req.BodyKind = StreamBody
		req.Body = opts.Body
		if cl := headers.Get(hdr.CanonicalKey("Content-Length")); cl != "" {
			n, err := strconv.ParseInt(cl, 10, 64)
			if err != nil {
				return nil, dispatcherr.New(dispatcherr.InvalidArg, "invalid Content-Length")
			}
			req.ContentLen = n
		}
	}

	return req, nil
}
