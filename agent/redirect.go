/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package agent

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/badu/dispatch/client"
	"github.com/badu/dispatch/dispatcherr"
	"github.com/badu/dispatch/internal/hdr"
)

// RedirectAgent wraps an Agent to follow 3xx responses automatically
// (spec.md §5.1 "RedirectAgent" / grounded in the teacher's Client.Do
// redirect loop, src/http/cli/client.go). Every redirect chain gets its own
// google/uuid-tagged logger so a multi-hop chain's log lines can be
// correlated, and a visited-URL set detects circular redirects instead of
// only bounding by hop count.
type RedirectAgent struct {
	agent        *Agent
	maxRedirects int
}

// NewRedirectAgent wraps agent with redirect-following; maxRedirects <= 0
// defaults to 10, matching the teacher's client.go default.
func NewRedirectAgent(agent *Agent, maxRedirects int) *RedirectAgent {
	if maxRedirects <= 0 {
		maxRedirects = 10
	}
	return &RedirectAgent{agent: agent, maxRedirects: maxRedirects}
}

// Dispatch follows redirects transparently, surfacing only the terminal
// response (or a redirect-chain failure) to h.
func (ra *RedirectAgent) Dispatch(origin client.Origin, opts client.RequestOptions, h client.Handler) bool {
	chainID := uuid.New().String()
	log := logrus.WithField("redirect_chain", chainID)
	rh := &redirectHandler{
		ra:      ra,
		inner:   h,
		origin:  origin,
		opts:    opts,
		log:     log,
		visited: map[string]bool{visitKey(origin, opts): true},
	}
	return ra.agent.Dispatch(origin, opts, rh)
}

func visitKey(o client.Origin, opts client.RequestOptions) string {
	return opts.Method + " " + o.Scheme + "://" + o.Host + ":" + strconv.Itoa(o.Port) + opts.Path
}

// redirectHandler sits between the socket-level client.Handler contract and
// a caller's Handler, swallowing 3xx responses and re-dispatching instead
// of forwarding them.
type redirectHandler struct {
	ra      *RedirectAgent
	inner   client.Handler
	origin  client.Origin
	opts    client.RequestOptions
	log     *logrus.Entry
	visited map[string]bool
	hops    int

	redirecting bool
	location    string
	lastStatus  int
}

func (h *redirectHandler) OnConnect(abort func()) { h.inner.OnConnect(abort) }

func (h *redirectHandler) OnHeaders(statusCode int, headers hdr.Header, resume func()) bool {
	if !isRedirectStatus(statusCode) {
		return h.inner.OnHeaders(statusCode, headers, resume)
	}
	loc := headers.Get("Location")
	if loc == "" {
		return h.inner.OnHeaders(statusCode, headers, resume)
	}
	h.redirecting = true
	h.location = loc
	h.lastStatus = statusCode
	// Drain the (usually empty) redirect body ourselves; the caller never
	// sees this intermediate response.
	return true
}

func (h *redirectHandler) OnData(chunk []byte) bool {
	if h.redirecting {
		return true
	}
	return h.inner.OnData(chunk)
}

func (h *redirectHandler) OnComplete(trailers map[string][]string) {
	if !h.redirecting {
		h.inner.OnComplete(trailers)
		return
	}
	h.followRedirect()
}

func (h *redirectHandler) OnUpgrade(statusCode int, headers hdr.Header, conn net.Conn, head []byte) {
	h.inner.OnUpgrade(statusCode, headers, conn, head)
}

func (h *redirectHandler) OnError(err error) { h.inner.OnError(err) }

func (h *redirectHandler) followRedirect() {
	h.hops++
	if h.hops > h.ra.maxRedirects {
		h.inner.OnError(dispatcherr.New(dispatcherr.Aborted, "too many redirects"))
		return
	}

	target, err := url.Parse(h.location)
	if err != nil {
		h.inner.OnError(dispatcherr.Wrap(dispatcherr.InvalidArg, err))
		return
	}
	base := &url.URL{Scheme: h.origin.Scheme, Host: h.origin.Host}
	resolved := base.ResolveReference(target)

	newOrigin := client.Origin{Scheme: resolved.Scheme, Host: resolved.Hostname(), Port: portOf(resolved)}
	newOpts := h.opts
	newOpts.Path = resolved.RequestURI()
	if newOpts.Headers != nil {
		newOpts.Headers = newOpts.Headers.Clone()
		newOpts.Headers.Del("Host")
	}

	method := strings.ToUpper(h.opts.Method)
	statusForcesGet := h.lastStatus == 303 || ((h.lastStatus == 301 || h.lastStatus == 302) && method == "POST")
	if statusForcesGet && method != "GET" && method != "HEAD" {
		newOpts.Method = "GET"
		newOpts.Body = nil
		newOpts.Buffered = false
	}
	if h.lastStatus == 303 && newOpts.Headers != nil {
		for k := range newOpts.Headers {
			if strings.HasPrefix(strings.ToLower(k), "content-") {
				newOpts.Headers.Del(k)
			}
		}
	}

	key := visitKey(newOrigin, newOpts)
	if h.visited[key] {
		h.inner.OnError(dispatcherr.New(dispatcherr.Aborted, "circular redirect detected: "+key))
		return
	}
	h.visited[key] = true

	h.log.WithField("location", h.location).WithField("hop", h.hops).Debug("following redirect")

	next := &redirectHandler{
		ra:      h.ra,
		inner:   h.inner,
		origin:  newOrigin,
		opts:    newOpts,
		log:     h.log,
		visited: h.visited,
		hops:    h.hops,
	}
	h.ra.agent.Dispatch(newOrigin, newOpts, next)
}

func isRedirectStatus(code int) bool {
	switch code {
	case 300, 301, 302, 303, 307, 308:
		return true
	default:
		return false
	}
}

func portOf(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}
