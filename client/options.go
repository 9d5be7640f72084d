/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package client

import (
	"crypto/tls"
	"net"
	"time"
)

// Defaults mirror spec.md §6's configuration table, the same way the
// teacher's DefaultTransport struct literal documents its own defaults
// (src/http/types_transport.go).
const (
	DefaultPipelining                = 1
	DefaultMaxHeaderSize             = 16384
	DefaultHeadersTimeout            = 30 * time.Second
	DefaultBodyTimeout               = 30 * time.Second
	DefaultConnectTimeout            = 10 * time.Second
	DefaultKeepAliveTimeout          = 4 * time.Second
	DefaultKeepAliveMaxTimeout       = 600 * time.Second
	DefaultKeepAliveTimeoutThreshold = 1 * time.Second
	DefaultMaxAbortedPayload         = 1 << 20 // 1 MiB
)

// TLSOptions bundles the handshake knobs spec.md §6 lists under "tls".
type TLSOptions struct {
	Config             *tls.Config
	ServerName         string
	RejectUnauthorized bool
	MaxCachedSessions  int
	ReuseSessions      bool
}

// Options configures a Client. Zero values fall back to the defaults above,
// the way the teacher's Transport treats a zero time.Duration as "no
// timeout" or "use the package default".
type Options struct {
	Pipelining                int
	MaxHeaderSize             int
	HeadersTimeout            time.Duration
	BodyTimeout               time.Duration
	ConnectTimeout            time.Duration
	KeepAliveTimeout          time.Duration
	KeepAliveMaxTimeout       time.Duration
	KeepAliveTimeoutThreshold time.Duration
	SocketPath                string
	TLS                       *TLSOptions
	// StrictContentLength defaults to true (spec.md §6) when left nil: a
	// request body that writes fewer or more bytes than its declared
	// Content-Length fails with UND_ERR_CONTENT_LENGTH_MISMATCH instead of
	// just logging a warning.
	StrictContentLength *bool
	MaxAbortedPayload   int64

	// ProxyURL, when set, is dialed through golang.org/x/net/proxy as a
	// SOCKS5 hop before the origin connection is established — a
	// supplement restored from the original per SPEC_FULL.md §6, not part
	// of spec.md's literal option table.
	ProxyURL string

	// DialContext overrides the default net.Dialer.DialContext, mirroring
	// the teacher's Transport.DialContext hook.
	DialContext func(network, addr string) (net.Conn, error)
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Pipelining <= 0 {
		out.Pipelining = DefaultPipelining
	}
	if out.MaxHeaderSize <= 0 {
		out.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if out.HeadersTimeout <= 0 {
		out.HeadersTimeout = DefaultHeadersTimeout
	}
	if out.BodyTimeout <= 0 {
		out.BodyTimeout = DefaultBodyTimeout
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.KeepAliveMaxTimeout <= 0 {
		out.KeepAliveMaxTimeout = DefaultKeepAliveMaxTimeout
	}
	if out.KeepAliveTimeoutThreshold <= 0 {
		out.KeepAliveTimeoutThreshold = DefaultKeepAliveTimeoutThreshold
	}
	if out.MaxAbortedPayload <= 0 {
		out.MaxAbortedPayload = DefaultMaxAbortedPayload
	}
	if out.StrictContentLength == nil {
		strict := true
		out.StrictContentLength = &strict
	}
	return out
}
