/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package client

import (
	"bufio"
	"net"

	"github.com/badu/dispatch/dispatcherr"
)

// kick schedules a resume pass. If one is already running, it just asks
// that pass to loop once more instead of spawning a second one — the Go
// translation of spec.md §4.2's "resuming" reentrancy guard: Dispatch,
// a completed read, a write result and a timer firing may all call kick
// concurrently, but only ever one goroutine is actually walking the queue
// at a time.
func (c *Client) kick() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	if c.resuming {
		c.again = true
		c.mu.Unlock()
		return
	}
	c.resuming = true
	c.mu.Unlock()
	go c.runScheduler()
}

func (c *Client) runScheduler() {
	for {
		c.resumeOnce()
		c.mu.Lock()
		if c.again {
			c.again = false
			c.mu.Unlock()
			continue
		}
		c.resuming = false
		c.mu.Unlock()
		return
	}
}

// resumeOnce walks the pending window of the queue, writing requests to
// the socket until a stop condition is reached (spec.md §4.2): the queue
// is empty, the pipelining limit is hit, the next request can't safely be
// pipelined behind what's already running, or no socket is available yet.
func (c *Client) resumeOnce() {
	for {
		c.mu.Lock()
		if c.destroyed {
			c.mu.Unlock()
			return
		}

		// Step 2 (spec.md §4.2): queue fully drained.
		if c.runIdx >= len(c.queue) {
			closed := c.closed
			c.queue = c.queue[:0]
			c.runIdx = 0
			c.pendIdx = 0
			c.mu.Unlock()
			if closed {
				c.Destroy(nil, nil)
			}
			return
		}

		// Step 3: amortized head compaction once run_idx crosses the
		// documented threshold, so a long-lived pipelined connection doesn't
		// keep every completed Request reachable forever.
		c.compactQueueLocked()

		if c.pendIdx >= len(c.queue) {
			c.mu.Unlock()
			return
		}

		if c.socket == nil {
			pending := c.connecting || c.retrying
			c.mu.Unlock()
			if !pending {
				c.startConnect()
			}
			return
		}

		if c.writing {
			c.mu.Unlock()
			return
		}

		req := c.queue[c.pendIdx]
		running := c.pendIdx - c.runIdx

		if req.Abort != nil && abortRequested(req.Abort) {
			c.spliceOutLocked(c.pendIdx)
			c.mu.Unlock()
			req.aborted = true
			req.fireTerminal(func() { req.handler.OnError(dispatcherr.ErrRequestAborted) })
			req.finish()
			continue
		}

		// Step 7: a servername/SNI override only takes effect once nothing
		// else is running on the socket — otherwise a request already in
		// flight was written under the old identity.
		if req.Servername != c.servername {
			if running > 0 {
				c.mu.Unlock()
				return
			}
			c.servername = req.Servername
			if c.socket != nil {
				c.closeSocketLocked(c.socketGen)
			}
			c.mu.Unlock()
			continue
		}

		if running > 0 && (req.isUpgrade() || !req.Idempotent || c.queue[c.runIdx].isUpgrade()) {
			c.mu.Unlock()
			return
		}
		if running >= c.opts.Pipelining {
			c.mu.Unlock()
			return
		}

		sock := c.socket
		gen := c.socketGen
		keepAliveAllowed := c.opts.Pipelining > 1 || req.Idempotent

		if req.BodyKind == StreamBody {
			c.writing = true
			c.mu.Unlock()
			go c.writeStreamAndAdvance(sock, gen, req, keepAliveAllowed)
			return
		}
		c.mu.Unlock()

		aborted := false
		req.handler.OnConnect(func() { aborted = true })
		if aborted {
			c.mu.Lock()
			if c.pendIdx < len(c.queue) && c.queue[c.pendIdx] == req {
				c.spliceOutLocked(c.pendIdx)
			}
			c.mu.Unlock()
			req.aborted = true
			req.fireTerminal(func() { req.handler.OnError(dispatcherr.ErrRequestAborted) })
			req.finish()
			continue
		}
		w := bufio.NewWriter(sock)
		shouldClose, err := c.writeRequest(w, req, keepAliveAllowed)
		if err != nil {
			c.onWriteError(gen, req, err)
			return
		}

		c.mu.Lock()
		c.pendIdx++
		if shouldClose {
			c.reset = true
		}
		headOfLine := c.runIdx == c.pendIdx-1
		hTimeout := req.HeadersTimeout
		if hTimeout <= 0 {
			hTimeout = c.opts.HeadersTimeout
		}
		c.mu.Unlock()

		if headOfLine {
			c.armTimer(phaseHeaders, hTimeout)
		}
		c.watchAbort(req, gen)
		c.checkDrain()
	}
}

func abortRequested(abort <-chan struct{}) bool {
	select {
	case <-abort:
		return true
	default:
		return false
	}
}

func (c *Client) writeStreamAndAdvance(sock net.Conn, gen uint64, req *Request, keepAliveAllowed bool) {
	aborted := false
	req.handler.OnConnect(func() { aborted = true })
	if aborted {
		c.mu.Lock()
		c.writing = false
		if c.pendIdx < len(c.queue) && c.queue[c.pendIdx] == req {
			c.spliceOutLocked(c.pendIdx)
		}
		c.mu.Unlock()
		req.aborted = true
		req.fireTerminal(func() { req.handler.OnError(dispatcherr.ErrRequestAborted) })
		req.finish()
		c.checkDrain()
		c.kick()
		return
	}
	w := bufio.NewWriter(sock)
	shouldClose, err := c.writeRequest(w, req, keepAliveAllowed)

	c.mu.Lock()
	c.writing = false
	c.mu.Unlock()

	if err != nil {
		c.onWriteError(gen, req, err)
		return
	}

	c.mu.Lock()
	c.pendIdx++
	if shouldClose {
		c.reset = true
	}
	headOfLine := c.runIdx == c.pendIdx-1
	hTimeout := req.HeadersTimeout
	if hTimeout <= 0 {
		hTimeout = c.opts.HeadersTimeout
	}
	c.mu.Unlock()

	if headOfLine {
		c.armTimer(phaseHeaders, hTimeout)
	}
	c.watchAbort(req, gen)
	c.checkDrain()
	c.kick()
}

// onWriteError handles a failed write the same way a dropped read does:
// the request that failed to go out gets its own error, everything else
// still queued goes through head-of-line retry/failure handling
// (spec.md §4.7).
func (c *Client) onWriteError(gen uint64, req *Request, err error) {
	c.mu.Lock()
	if c.pendIdx < len(c.queue) && c.queue[c.pendIdx] == req {
		c.spliceOutLocked(c.pendIdx)
	}
	c.mu.Unlock()
	req.fireTerminal(func() { req.handler.OnError(dispatcherr.Wrap(dispatcherr.Socket, err)) })
	req.finish()
	c.onSocketClosed(gen, err)
}

// watchAbort starts a watcher goroutine for req.Abort once the request has
// actually been written — before that point resumeOnce's own abort check
// (above) is enough and cheaper than a goroutine per queued request. An
// abort no longer tears down the whole socket: it fires req's terminal
// OnError and flags it so the reader drains (rather than delivers) the
// rest of its response, up to opts.MaxAbortedPayload bytes (spec.md §6),
// keeping sibling pipelined requests unaffected.
func (c *Client) watchAbort(req *Request, gen uint64) {
	if req.Abort == nil {
		return
	}
	req.abortDone = make(chan struct{})
	go func() {
		select {
		case <-req.Abort:
			c.mu.Lock()
			stale := c.socketGen != gen
			c.mu.Unlock()
			if stale {
				return
			}
			req.aborted = true
			req.fireTerminal(func() { req.handler.OnError(dispatcherr.ErrRequestAborted) })
		case <-req.abortDone:
		}
	}()
}
