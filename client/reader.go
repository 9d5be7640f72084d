/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package client

import (
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/badu/dispatch/dispatcherr"
	"github.com/badu/dispatch/internal/hdr"
	"github.com/badu/dispatch/internal/parser"
)

type pendingUpgrade struct {
	statusCode int
	headers    hdr.Header
	req        *Request
}

// readLoop owns conn exclusively until either the connection errors/closes
// or an upgrade hands ownership to a Handler (spec.md §4.5). gen pins this
// goroutine to the socket generation it was started for so a stale reader
// racing a reconnect is a silent no-op instead of cross-talk.
func (c *Client) readLoop(conn net.Conn, gen uint64) {
	buf := make([]byte, 64*1024)
	for {
		n, rerr := conn.Read(buf)
		c.mu.Lock()
		stale := c.socketGen != gen
		p := c.parserInst
		c.mu.Unlock()
		if stale {
			return
		}

		if n > 0 {
			res, perr := p.Execute(buf[:n])
			if perr != nil {
				switch perr {
				case parser.ErrHeadersOverflow:
					c.failConnection(gen, dispatcherr.ErrHeadersOverflow)
				case parser.ErrTrailerMismatch:
					c.failConnection(gen, dispatcherr.ErrTrailerMismatch)
				default:
					c.failConnection(gen, dispatcherr.Wrap(dispatcherr.ParseError, perr))
				}
				return
			}
			if res == parser.ResultPausedUpgrade {
				c.completeUpgrade(gen, conn, p.Leftover())
				return
			}
		}

		if rerr != nil {
			c.handleReadError(gen, conn, p, rerr)
			return
		}
	}
}

func (c *Client) handleReadError(gen uint64, conn net.Conn, p *parser.Parser, rerr error) {
	if rerr == io.EOF {
		if eerr := p.EOF(); eerr == nil {
			// a well-framed EOF-terminated body just completed; treat the
			// rest like any other orderly close.
			c.onSocketClosed(gen, nil)
			return
		}
	}
	c.onSocketClosed(gen, rerr)
}

func (c *Client) failConnection(gen uint64, err error) {
	c.onSocketClosed(gen, err)
}

// onSocketClosed runs head-of-line failure handling (spec.md §4.7): the
// request actively being parsed errors out; already-completed requests keep
// their result; idempotent, non-streaming requests still in the running
// window are re-queued at the front for retry on reconnect.
func (c *Client) onSocketClosed(gen uint64, cause error) {
	c.mu.Lock()
	if c.socketGen != gen {
		c.mu.Unlock()
		return
	}
	c.closeSocketLocked(gen)

	running := append([]*Request(nil), c.queue[c.runIdx:c.pendIdx]...)
	rest := append([]*Request(nil), c.queue[c.pendIdx:]...)
	c.queue = c.queue[:c.runIdx]
	c.pendIdx = c.runIdx

	var retry []*Request
	var head *Request
	if len(running) > 0 {
		head = running[0]
		for _, r := range running[1:] {
			r.finish()
			if r.aborted {
				// already got its terminal OnError via the abort path;
				// never retry a request that's already terminal.
				continue
			}
			if r.Idempotent && r.BodyKind != StreamBody {
				r.abortDone = nil
				retry = append(retry, r)
			} else {
				r.fireTerminal(func() {
					r.handler.OnError(dispatcherr.New(dispatcherr.Socket, "connection closed with requests in flight"))
				})
			}
		}
	}
	destroyed := c.destroyed
	c.mu.Unlock()

	if c.events.OnDisconnect != nil {
		c.events.OnDisconnect(cause)
	}
	if head != nil {
		head.finish()
		if !head.aborted {
			if err := cause; err != nil {
				head.fireTerminal(func() { head.handler.OnError(dispatcherr.Wrap(dispatcherr.Socket, err)) })
			} else {
				head.fireTerminal(func() { head.handler.OnError(dispatcherr.New(dispatcherr.Socket, "connection closed")) })
			}
		}
	}
	if destroyed {
		for _, r := range append(retry, rest...) {
			r.fireTerminal(func() { r.handler.OnError(dispatcherr.ErrClientDestroyed) })
		}
		return
	}

	c.mu.Lock()
	newQueue := append([]*Request(nil), c.queue...) // completed prefix, [0:runIdx)
	newQueue = append(newQueue, retry...)
	newQueue = append(newQueue, rest...)
	c.queue = newQueue
	c.mu.Unlock()

	c.kick()
}

func (c *Client) completeUpgrade(gen uint64, conn net.Conn, head []byte) {
	c.mu.Lock()
	if c.socketGen != gen {
		c.mu.Unlock()
		return
	}
	pu := c.pendUpgrade
	c.pendUpgrade = nil
	// the socket now belongs to the handler; detach it from the client
	// without closing it.
	c.socket = nil
	c.socketGen++
	if pu != nil && pu.req != nil {
		c.runIdx++
	}
	c.mu.Unlock()

	if pu == nil {
		conn.Close()
		return
	}
	pu.req.handler.OnUpgrade(pu.statusCode, pu.headers, conn, head)
	c.kick()
}

func splitTrailerNames(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, hdr.CanonicalKey(p))
		}
	}
	return out
}

// readerCallbacks wires internal/parser's push-style Callbacks to the
// request currently at the front of the running window (spec.md §4.4).
func (c *Client) readerCallbacks() parser.Callbacks {
	var headers hdr.Header
	var pendingField string
	reset := func() {
		headers = make(hdr.Header)
		pendingField = ""
	}
	reset()

	return parser.Callbacks{
		OnHeaderField: func(b []byte) {
			pendingField = hdr.CanonicalKey(string(b))
		},
		OnHeaderValue: func(b []byte) {
			headers.Add(pendingField, string(b))
		},
		OnHeadersComplete: func(statusCode int, upgrade, keepAlive bool) parser.HeadersAction {
			req, ok := c.currentRunningRequest()
			hdrs := headers
			reset()
			if !ok {
				return parser.ActionSkipBody
			}

			if names := hdrs.Get("Trailer"); names != "" {
				c.mu.Lock()
				if c.parserInst != nil {
					c.parserInst.SetTrailerNames(splitTrailerNames(names))
				}
				c.mu.Unlock()
			}

			if req.aborted {
				// Already delivered its terminal OnError; keep reading the
				// response off the wire (OnBody enforces MaxAbortedPayload)
				// instead of forwarding it, so the connection framing stays
				// intact for whatever is queued behind it.
				c.noteKeepAlive(keepAlive, hdrs.Get("Keep-Alive"))
				if req.Method == "HEAD" {
					return parser.ActionSkipBody
				}
				return parser.ActionContinue
			}

			isConnect := req.Method == "CONNECT" && statusCode >= 200 && statusCode < 300
			if (upgrade && req.isUpgrade()) || isConnect {
				c.mu.Lock()
				c.pendUpgrade = &pendingUpgrade{statusCode: statusCode, headers: hdrs, req: req}
				c.mu.Unlock()
				return parser.ActionStopAfterHeaders
			}

			c.noteKeepAlive(keepAlive, hdrs.Get("Keep-Alive"))

			if req.Method == "HEAD" {
				req.handler.OnHeaders(statusCode, hdrs, func() {})
				return parser.ActionSkipBody
			}

			resumeFn := func() {
				c.mu.Lock()
				p := c.parserInst
				c.mu.Unlock()
				if p == nil {
					return
				}
				if _, err := p.Resume(); err != nil {
					c.failConnection(c.currentGen(), dispatcherr.Wrap(dispatcherr.ParseError, err))
				}
			}
			if !req.handler.OnHeaders(statusCode, hdrs, resumeFn) {
				return parser.ActionPause
			}
			return parser.ActionContinue
		},
		OnBody: func(chunk []byte) bool {
			req, ok := c.currentRunningRequest()
			if !ok {
				return false
			}
			if req.aborted {
				// Drain instead of deliver, up to opts.MaxAbortedPayload
				// bytes (spec.md §6); past that, the connection isn't worth
				// keeping alive just to finish draining one abandoned
				// response, so it's torn down like any other failure.
				req.drainedBytes += int64(len(chunk))
				if req.drainedBytes > c.opts.MaxAbortedPayload {
					gen := c.currentGen()
					go c.failConnection(gen, dispatcherr.New(dispatcherr.Aborted, "aborted request exceeded maxAbortedPayload while draining"))
				}
				return false
			}
			bTimeout := req.BodyTimeout
			if bTimeout <= 0 {
				bTimeout = c.opts.BodyTimeout
			}
			c.armTimer(phaseBody, bTimeout)
			return !req.handler.OnData(chunk)
		},
		OnMessageComplete: func(trailers map[string][]string) {
			req, ok := c.currentRunningRequest()
			if !ok {
				return
			}
			if len(trailers) == 0 {
				trailers = nil
			}
			if !req.aborted {
				req.fireTerminal(func() { req.handler.OnComplete(trailers) })
			}
			req.finish()
			c.advanceAfterComplete()
		},
	}
}

func (c *Client) currentRunningRequest() (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runIdx >= len(c.queue) {
		return nil, false
	}
	return c.queue[c.runIdx], true
}

func (c *Client) currentGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketGen
}

// noteKeepAlive computes the idle timeout to arm once this response
// finishes, parsing any "Keep-Alive: timeout=N" the server advertised and
// clamping it by keepAliveMaxTimeout / keepAliveTimeoutThreshold
// (spec.md §4.4). A timeout that clamps to zero or below forces reset, the
// same as an explicit Connection: close.
func (c *Client) noteKeepAlive(keepAlive bool, keepAliveHeader string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !keepAlive {
		c.reset = true
		return
	}
	idle := c.opts.KeepAliveTimeout
	if n, ok := parseKeepAliveTimeoutSeconds(keepAliveHeader); ok {
		idle = time.Duration(n)*time.Second - c.opts.KeepAliveTimeoutThreshold
		if idle > c.opts.KeepAliveMaxTimeout {
			idle = c.opts.KeepAliveMaxTimeout
		}
	}
	if idle <= 0 {
		c.reset = true
		return
	}
	c.idleTimeout = idle
}

// parseKeepAliveTimeoutSeconds extracts the "timeout=N" parameter from a
// Keep-Alive header value such as "timeout=5, max=1000".
func parseKeepAliveTimeoutSeconds(v string) (int64, bool) {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(strings.ToLower(part), "timeout=") {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(part[len("timeout="):]), 10, 64)
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

func (c *Client) advanceAfterComplete() {
	c.mu.Lock()
	c.runIdx++
	drained := c.runIdx >= len(c.queue)
	mustReset := c.reset
	idle := c.idleTimeout
	if idle <= 0 {
		idle = c.opts.KeepAliveTimeout
	}
	c.mu.Unlock()

	if mustReset {
		c.teardownForReset()
	} else if drained {
		c.armIdleTimer(idle)
	}
	c.checkDrain()
	c.kick()
}

// teardownForReset closes a socket marked reset once nothing is running on
// it any more; queued requests are then written on a fresh connection.
func (c *Client) teardownForReset() {
	c.mu.Lock()
	if !c.reset || c.runIdx < c.pendIdx {
		c.mu.Unlock()
		return
	}
	sock := c.socket
	c.socket = nil
	c.socketGen++
	c.reset = false
	c.mu.Unlock()
	if sock != nil {
		sock.Close()
	}
}
