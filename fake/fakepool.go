// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-rpc/pool"
)

// PoolConn is an in-memory pool.Conn.
type PoolConn struct {
	Name   string
	Dest   pool.Key
	closes atomic.Int32
	dead   atomic.Bool
}

// Close counts invocations.
func (c *PoolConn) Close() error {
	c.closes.Add(1)
	return nil
}

// Closes returns how many times Close ran.
func (c *PoolConn) Closes() int { return int(c.closes.Load()) }

// Kill makes Closed report true, as after a remote close.
func (c *PoolConn) Kill() { c.dead.Store(true) }

// Closed implements the pool's liveness probe.
func (c *PoolConn) Closed() bool { return c.dead.Load() || c.closes.Load() > 0 }

func (c *PoolConn) String() string { return c.Name }

// Owner is a pool.Owner producing PoolConns.
type Owner struct {
	Key     pool.Key
	OpenErr error
	// OpenDelay blocks Open, honouring the context.
	OpenDelay time.Duration

	mu     sync.Mutex
	opened []*PoolConn
}

// NewOwner returns an owner for host:port over http.
func NewOwner(host string, port int) *Owner {
	return &Owner{Key: pool.Key{Scheme: "http", Host: host, Port: port}}
}

// Destination implements pool.Owner.
func (o *Owner) Destination() pool.Key { return o.Key }

// Open implements pool.Owner.
func (o *Owner) Open(ctx context.Context) (pool.Conn, error) {
	if o.OpenDelay > 0 {
		t := time.NewTimer(o.OpenDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	c := &PoolConn{Name: fmt.Sprintf("%s#%d", o.Key.Host, len(o.opened)+1), Dest: o.Key}
	o.opened = append(o.opened, c)
	return c, nil
}

// Opened returns every connection this owner dialled.
func (o *Owner) Opened() []*PoolConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*PoolConn(nil), o.opened...)
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
