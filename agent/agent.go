/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package agent implements the origin-keyed dispatch table spec.md §5.1
// describes as "Agent": a lazily-populated map from Origin to pool.Pool,
// plus idle eviction so an Agent used against many hosts over a long
// process lifetime doesn't accumulate dead pools (spec.md §5.9). The
// teacher doesn't need this — Transport keeps one idle-conn map for the
// whole process — but the shape (map keyed by a canonical host string,
// guarded against duplicate concurrent creation) is the same move the
// teacher's getConn/queueForIdleConn dance makes for a single conn.
package agent

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/badu/dispatch/client"
	"github.com/badu/dispatch/pool"
)

// Agent routes a Dispatch call to the Pool for its Origin, creating that
// Pool on first use.
type Agent struct {
	mu       sync.Mutex
	pools    map[string]*trackedPool
	opts     *client.Options
	events   client.Events
	poolSize int

	sf singleflight.Group

	idleTimeout time.Duration
	stopSweep   chan struct{}
}

type trackedPool struct {
	pool     *pool.Pool
	idleSince time.Time
}

// Options configures an Agent's pool sizing and idle eviction policy.
type Options struct {
	PoolSize    int           // connections per origin; default 1
	IdleTimeout time.Duration // 0 disables eviction
}

// New constructs an Agent. opts/events are forwarded to every pool.Pool (and
// so every client.Client) the Agent creates.
func New(o Options, clientOpts *client.Options, events client.Events) *Agent {
	if o.PoolSize < 1 {
		o.PoolSize = 1
	}
	a := &Agent{
		pools:       make(map[string]*trackedPool),
		opts:        clientOpts,
		events:      events,
		poolSize:    o.PoolSize,
		idleTimeout: o.IdleTimeout,
	}
	if a.idleTimeout > 0 {
		a.stopSweep = make(chan struct{})
		go a.sweepLoop()
	}
	return a
}

func originKey(o client.Origin) string {
	return o.Scheme + "://" + o.Host + ":" + strconv.Itoa(o.Port)
}

// poolFor returns (creating if necessary) the Pool for origin. Concurrent
// first-dispatches to the same origin are collapsed via singleflight so
// only one Pool (and its poolSize client.Clients) is ever constructed per
// origin, matching SPEC_FULL.md §5.9's replacement for the original's
// weak-reference-based lazy map.
func (a *Agent) poolFor(origin client.Origin) *pool.Pool {
	k := originKey(origin)

	a.mu.Lock()
	if tp, ok := a.pools[k]; ok {
		a.mu.Unlock()
		return tp.pool
	}
	a.mu.Unlock()

	v, _, _ := a.sf.Do(k, func() (interface{}, error) {
		a.mu.Lock()
		if tp, ok := a.pools[k]; ok {
			a.mu.Unlock()
			return tp.pool, nil
		}
		p := pool.New(origin, a.poolSize, a.opts, a.events)
		a.pools[k] = &trackedPool{pool: p}
		a.mu.Unlock()
		return p, nil
	})
	return v.(*pool.Pool)
}

// Dispatch routes opts/h to origin's Pool.
func (a *Agent) Dispatch(origin client.Origin, opts client.RequestOptions, h client.Handler) bool {
	return a.poolFor(origin).Dispatch(opts, h)
}

func (a *Agent) sweepLoop() {
	t := time.NewTicker(a.idleTimeout / 2)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.sweep()
		case <-a.stopSweep:
			return
		}
	}
}

// sweep evicts pools that have had zero pending/running requests for at
// least idleTimeout (spec.md §5.9 "idle eviction").
func (a *Agent) sweep() {
	now := time.Now()
	var evicted []*pool.Pool

	a.mu.Lock()
	for k, tp := range a.pools {
		if tp.pool.Pending() == 0 && tp.pool.Running() == 0 {
			if tp.idleSince.IsZero() {
				tp.idleSince = now
				continue
			}
			if now.Sub(tp.idleSince) >= a.idleTimeout {
				evicted = append(evicted, tp.pool)
				delete(a.pools, k)
			}
		} else {
			tp.idleSince = time.Time{}
		}
	}
	a.mu.Unlock()

	for _, p := range evicted {
		go p.Close()
	}
}

// Close closes every pool the Agent has created and stops idle eviction.
func (a *Agent) Close() error {
	if a.stopSweep != nil {
		close(a.stopSweep)
	}
	a.mu.Lock()
	pools := make([]*pool.Pool, 0, len(a.pools))
	for _, tp := range a.pools {
		pools = append(pools, tp.pool)
	}
	a.pools = make(map[string]*trackedPool)
	a.mu.Unlock()

	var firstErr error
	for _, p := range pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
