/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package client implements the pipelined HTTP/1.1 dispatcher at the heart
// of this module (spec.md §4). A Client owns exactly one logical
// connection (one net.Conn at a time) to a fixed Origin, a tri-partite
// request queue, one incremental response parser, and one reusable phase
// timer. It is the Go translation of the teacher's persistConn
// (src/http/tport/persist_conn.go) collapsed from "one goroutine pair per
// connection, one request in flight via channels" to "one queue, many
// pipelined requests in flight at once" — the actual hard problem this
// module exists to solve.
package client

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/badu/dispatch/dispatcherr"
	"github.com/badu/dispatch/internal/parser"
)

// Events are the optional lifecycle callbacks spec.md §4.1 lists. Set them
// before the Client starts dispatching; they are not safe to change
// concurrently with Dispatch calls, the same restriction the teacher
// places on Transport fields.
type Events struct {
	OnConnect         func()
	OnDisconnect      func(err error)
	OnConnectionError func(err error)
	OnDrain           func()
}

// Client is the single-origin pipelined dispatcher (spec.md §3 "Client
// state"). The zero value is not usable; construct with New.
type Client struct {
	origin Origin
	opts   Options
	events Events
	log    *logrus.Entry

	mu sync.Mutex

	servername string
	queue      []*Request
	runIdx     int
	pendIdx    int

	socket     net.Conn
	socketGen  uint64 // bumped every time c.socket changes, guards stale readers
	connecting bool
	retrying   bool // a reconnect backoff timer is pending; see nextRetryDelayLocked
	parserInst  *parser.Parser
	pendUpgrade *pendingUpgrade

	reset   bool
	writing bool

	resuming bool
	again    bool

	needDrain  bool
	retryDelay time.Duration

	// idleTimeout is the keep-alive duration to arm once the queue drains,
	// recomputed from each response's own Keep-Alive header (spec.md §4.4);
	// it falls back to opts.KeepAliveTimeout when the server advertises
	// nothing.
	idleTimeout time.Duration

	timer      *time.Timer
	timerPhase timerPhase

	closed     bool
	destroyed  bool
	onDestroy  []func(error)
	destroyErr error
}

// queueCompactionThreshold is spec.md §3's "amortized compaction when
// run_idx>256": past this many completed slots at the head of the queue,
// resumeOnce reslices them away instead of letting the completed region
// grow unbounded for the life of the Client.
const queueCompactionThreshold = 256

type timerPhase int

const (
	phaseNone timerPhase = iota
	phaseConnect
	phaseHeaders
	phaseBody
	phaseIdle
)

// New constructs a Client bound to origin. events may be the zero value if
// the caller doesn't care to observe lifecycle transitions.
func New(origin Origin, opts *Options, events Events) *Client {
	o := opts.withDefaults()
	c := &Client{
		origin:     origin,
		opts:       o,
		events:     events,
		servername: origin.Servername(),
		log:        logrus.WithField("origin", origin.Scheme+"://"+origin.hostport()),
	}
	c.timer = time.AfterFunc(time.Hour, c.onTimerFire)
	c.timer.Stop()
	return c
}

// Pending returns the count of requests not yet written.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) - c.pendIdx
}

// Running returns the count of requests written but not yet completed.
func (c *Client) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendIdx - c.runIdx
}

// Size returns the total outstanding request count (running + pending).
func (c *Client) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) - c.runIdx
}

// Connected reports whether the socket is currently connected.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket != nil && !c.connecting
}

// Busy reports whether Dispatch would currently report needing drain.
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isBusyLocked()
}

// checkDrain fires OnDrain the moment a previously-busy client becomes free
// to accept more work again (spec.md §4.1 "drain event").
func (c *Client) checkDrain() {
	c.mu.Lock()
	was := c.needDrain
	now := c.isBusyLocked()
	c.needDrain = now
	c.mu.Unlock()
	if was && !now && c.events.OnDrain != nil {
		c.events.OnDrain()
	}
}

func (c *Client) isBusyLocked() bool {
	running := c.pendIdx - c.runIdx
	if running >= c.opts.Pipelining {
		return true
	}
	if c.writing {
		return true
	}
	return false
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Destroyed reports whether Destroy has been called.
func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// compactQueueLocked implements spec.md §4.2 step 3: once the completed
// prefix [0, runIdx) grows past queueCompactionThreshold, reslice it away
// and null the vacated tail so a long-lived pipelined connection doesn't
// keep every Request (its Headers, Body reader, bound Handler closure) it
// has ever dispatched reachable for the Client's whole lifetime. Callers
// must hold c.mu.
func (c *Client) compactQueueLocked() {
	if c.runIdx < queueCompactionThreshold {
		return
	}
	kept := copy(c.queue, c.queue[c.runIdx:])
	for i := kept; i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = c.queue[:kept]
	c.pendIdx -= c.runIdx
	c.runIdx = 0
}

// spliceOutLocked removes the request at index i from the queue, keeping
// the remaining order, and nils the vacated tail slot so the backing
// array doesn't keep a removed request's Headers/Body/Handler referenced
// (spec.md §3 "slots ... nulled; must never be re-read"). Callers must
// hold c.mu.
func (c *Client) spliceOutLocked(i int) {
	copy(c.queue[i:], c.queue[i+1:])
	c.queue[len(c.queue)-1] = nil
	c.queue = c.queue[:len(c.queue)-1]
}

// Dispatch validates opts, enqueues a Request bound to h, and kicks the
// scheduler. It returns false iff the client is now busy and the caller
// should wait for OnDrain before dispatching more (spec.md §4.1).
func (c *Client) Dispatch(opts RequestOptions, h Handler) bool {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		h.OnError(dispatcherr.ErrClientDestroyed)
		return true
	}
	if c.closed {
		c.mu.Unlock()
		h.OnError(dispatcherr.ErrClientClosed)
		return true
	}
	req, err := validateAndBuildRequest(opts, c.origin, h)
	if err != nil {
		c.mu.Unlock()
		h.OnError(err)
		return true
	}
	c.queue = append(c.queue, req)
	busy := c.isBusyLocked()
	c.needDrain = busy
	c.mu.Unlock()

	if req.BodyKind == StreamBody {
		go func() {
			time.Sleep(0)
			c.kick()
		}()
	} else {
		c.kick()
	}
	return !busy
}

// Close marks the client closed: no further Dispatch succeeds, but already
// queued requests complete normally (spec.md §4.1).
func (c *Client) Close(cb func(error)) {
	c.mu.Lock()
	c.closed = true
	empty := len(c.queue)-c.runIdx == 0
	if empty {
		c.mu.Unlock()
		c.Destroy(nil, cb)
		return
	}
	if cb != nil {
		c.onDestroy = append(c.onDestroy, cb)
	}
	c.mu.Unlock()
	c.kick()
}

// Destroy marks the client closed and destroyed, aborts every pending
// request with err (defaulting to ErrClientDestroyed), and tears down the
// socket (spec.md §4.1).
func (c *Client) Destroy(err error, cb func(error)) {
	reason := err
	if err == nil {
		err = dispatcherr.ErrClientDestroyed
	}
	c.mu.Lock()
	c.closed = true
	if c.destroyed {
		derr := c.destroyErr
		c.mu.Unlock()
		if cb != nil {
			cb(derr)
		}
		return
	}
	c.destroyed = true
	c.destroyErr = reason
	if cb != nil {
		c.onDestroy = append(c.onDestroy, cb)
	}

	pending := make([]*Request, 0, len(c.queue)-c.pendIdx)
	pending = append(pending, c.queue[c.pendIdx:]...)
	c.queue = c.queue[:c.pendIdx]

	sock := c.socket
	c.socket = nil
	c.socketGen++
	c.mu.Unlock()

	for _, r := range pending {
		r.finish()
		r.fireTerminal(func() { r.handler.OnError(err) })
	}
	if sock != nil {
		sock.Close()
	}
	c.fireOnDestroyed()
}

func (c *Client) fireOnDestroyed() {
	c.mu.Lock()
	cbs := c.onDestroy
	c.onDestroy = nil
	derr := c.destroyErr
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(derr)
	}
}
