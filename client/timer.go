/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package client

import (
	"time"

	"github.com/badu/dispatch/dispatcherr"
)

// armTimer re-arms the client's single reusable timer for the named phase.
// Only one phase's deadline is ever tracked at a time, mirroring the
// teacher's persistConn which multiplexes one timer across dial/header/body
// deadlines rather than allocating one per concern.
func (c *Client) armTimer(phase timerPhase, d time.Duration) {
	c.mu.Lock()
	c.timerPhase = phase
	c.mu.Unlock()
	c.timer.Stop()
	c.timer.Reset(d)
}

// onTimerFire runs whenever the client's single reusable timer expires.
// phaseConnect is advisory only (net.Dialer/tls handshake already carry
// their own deadline); phaseHeaders/phaseBody tear the connection down the
// same way a dropped socket does, so head-of-line retry logic in
// onSocketClosed applies uniformly (spec.md §4.4 timeouts).
func (c *Client) onTimerFire() {
	c.mu.Lock()
	phase := c.timerPhase
	gen := c.socketGen
	c.mu.Unlock()

	switch phase {
	case phaseHeaders:
		c.onSocketClosed(gen, dispatcherr.ErrHeadersTimeout)
	case phaseBody:
		c.onSocketClosed(gen, dispatcherr.ErrBodyTimeout)
	}
}

func (c *Client) disarmTimer() {
	c.mu.Lock()
	c.timerPhase = phaseNone
	c.mu.Unlock()
	c.timer.Stop()
}

// armIdleTimer starts (or restarts) the keep-alive idle timer once the
// queue fully drains, closing the socket if nothing new arrives before the
// origin's advertised (or configured) keep-alive window elapses
// (spec.md §4.4 "Keep-Alive timeout").
func (c *Client) armIdleTimer(d time.Duration) {
	c.mu.Lock()
	c.timerPhase = phaseIdle
	gen := c.socketGen
	c.mu.Unlock()
	c.timer.Stop()
	c.timer.Reset(d)
	// A fresh AfterFunc per idle arm keeps this decoupled from the timer
	// reuse above: idle timeout is purely advisory and racing with a kick
	// is harmless (closeIdleIfStale rechecks state under the lock).
	time.AfterFunc(d, func() { c.closeIdleIfStale(gen) })
}

func (c *Client) closeIdleIfStale(gen uint64) {
	c.mu.Lock()
	if c.socketGen != gen || c.socket == nil {
		c.mu.Unlock()
		return
	}
	if len(c.queue)-c.runIdx != 0 {
		c.mu.Unlock()
		return
	}
	sock := c.socket
	c.socket = nil
	c.socketGen++
	c.mu.Unlock()
	sock.Close()
	if c.events.OnDisconnect != nil {
		c.events.OnDisconnect(nil)
	}
}
