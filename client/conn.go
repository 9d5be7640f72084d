/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"github.com/badu/dispatch/dispatcherr"
	"github.com/badu/dispatch/internal/parser"
)

// startConnect dials a fresh socket in the background (spec.md §4.6). Only
// the scheduler goroutine calls this, and only when it holds no socket and
// isn't already connecting.
func (c *Client) startConnect() {
	c.mu.Lock()
	if c.socket != nil || c.connecting || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	c.mu.Unlock()

	c.armTimer(phaseConnect, c.opts.ConnectTimeout)

	go func() {
		conn, err := c.dial()
		c.disarmTimer()
		c.mu.Lock()
		c.connecting = false
		if c.destroyed {
			c.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			delay := c.nextRetryDelayLocked()
			c.retrying = true
			c.mu.Unlock()
			if c.events.OnConnectionError != nil {
				c.events.OnConnectionError(err)
			}
			c.log.WithError(err).Warn("connect failed, retrying")
			time.AfterFunc(delay, func() {
				c.mu.Lock()
				c.retrying = false
				c.mu.Unlock()
				c.kick()
			})
			return
		}
		c.retryDelay = 0
		c.socketGen++
		gen := c.socketGen
		c.socket = conn
		p := parser.New(c.readerCallbacks(), c.opts.MaxHeaderSize)
		c.parserInst = p
		c.mu.Unlock()

		if c.events.OnConnect != nil {
			c.events.OnConnect()
		}
		go c.readLoop(conn, gen)
		c.kick()
	}()
}

// nextRetryDelayLocked returns the delay to wait before the next reconnect
// attempt and advances the state for the one after that (spec.md §3
// "retry_delay_ms: 0 initially; doubles on each failed reconnect up to
// socket_timeout"; §8 scenario 2: "retry_delay progression observable:
// 0 -> 1000ms"). The first failure after a fresh connect (or after a
// success, which resets retryDelay to 0) reconnects immediately and arms
// 1s for the next; every failure after that doubles the previous delay,
// capped at ConnectTimeout — the one configured duration that stands in
// for spec.md's "socket_timeout" in this option set.
func (c *Client) nextRetryDelayLocked() time.Duration {
	delay := c.retryDelay
	if delay <= 0 {
		c.retryDelay = time.Second
		return 0
	}
	next := delay * 2
	if cap := c.opts.ConnectTimeout; cap > 0 && next > cap {
		next = cap
	}
	c.retryDelay = next
	return delay
}

func (c *Client) dial() (net.Conn, error) {
	network := "tcp"
	addr := c.origin.hostport()
	if c.opts.SocketPath != "" {
		network = "unix"
		addr = c.opts.SocketPath
	}

	dialFn := c.opts.DialContext
	if dialFn == nil {
		if c.opts.ProxyURL != "" {
			dialFn = c.socksDialer()
		} else {
			d := &net.Dialer{Timeout: c.opts.ConnectTimeout}
			dialFn = func(network, addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}
		}
	}

	conn, err := dialFn(network, addr)
	if err != nil {
		return nil, dispatcherr.Wrap(dispatcherr.ConnectTimeout, err)
	}

	if c.origin.Scheme == "https" {
		tlsConf := &tls.Config{}
		if c.opts.TLS != nil && c.opts.TLS.Config != nil {
			tlsConf = c.opts.TLS.Config.Clone()
		}
		if tlsConf.ServerName == "" {
			if c.opts.TLS != nil && c.opts.TLS.ServerName != "" {
				tlsConf.ServerName = c.opts.TLS.ServerName
			} else {
				tlsConf.ServerName = c.servername
			}
		}
		if c.opts.TLS != nil && !c.opts.TLS.RejectUnauthorized {
			tlsConf.InsecureSkipVerify = true
		}
		tlsConn := tls.Client(conn, tlsConf)
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, dispatcherr.Wrap(dispatcherr.ConnectTimeout, err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// socksDialer grounds SOCKS5 proxy support in golang.org/x/net/proxy, the
// same package the teacher's Transport reaches for (src/http/transport.go)
// when ProxyURL names a socks5:// endpoint — restored here per
// SPEC_FULL.md §6.
func (c *Client) socksDialer() func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		u, err := url.Parse(c.opts.ProxyURL)
		if err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.InvalidArg, err)
		}
		dialer, err := proxy.FromURL(u, &net.Dialer{Timeout: c.opts.ConnectTimeout})
		if err != nil {
			return nil, dispatcherr.Wrap(dispatcherr.ConnectTimeout, err)
		}
		return dialer.Dial(network, addr)
	}
}

func (c *Client) closeSocketLocked(gen uint64) {
	if c.socketGen != gen {
		return
	}
	if c.socket != nil {
		c.socket.Close()
		c.socket = nil
	}
	c.socketGen++
}
