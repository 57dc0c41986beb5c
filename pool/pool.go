// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT
//
// Client connection pool shared by every client of an engine.
//
// Connections are grouped by destination. Each destination keeps an idle
// stack (most recently returned on top) and an active set; a global heap
// orders all idle entries by last access. With a cap configured, leased
// connections are counted by a FIFO semaphore, and when active+idle reaches
// the cap the globally least recently used idle connection is evicted to
// make room, whatever its destination.

package pool

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Key identifies a destination.
type Key struct {
	Scheme string
	Host   string
	Port   int
}

func (k Key) String() string {
	return k.Scheme + "://" + net.JoinHostPort(k.Host, strconv.Itoa(k.Port))
}

// Conn is a pooled physical connection. Implementations must be comparable.
type Conn interface {
	Close() error
}

// Owner is a logical client leasing connections. Implementations must be
// comparable (pointers in practice).
type Owner interface {
	Destination() Key
	// Open dials a new physical connection to the destination.
	Open(ctx context.Context) (Conn, error)
}

// closedReporter is implemented by connections that learn about remote
// closes; dead idle connections are skipped on reuse.
type closedReporter interface {
	Closed() bool
}

// Config tunes a Pool.
type Config struct {
	// MaxConnections caps active+idle connections; 0 means unlimited.
	MaxConnections int
	// WaitTimeout bounds how long Acquire waits for capacity; 0 waits until
	// the context is done.
	WaitTimeout time.Duration
	// IdleExpiry closes idle connections not reused for this long. Checked
	// on every Release; 0 disables expiry.
	IdleExpiry time.Duration
	// Now is the clock; defaults to time.Now.
	Now func() time.Time

	Log     *logrus.Entry
	Metrics *control.Metrics
}

// DefaultConfig returns an uncapped pool with a 30s idle expiry.
func DefaultConfig() Config {
	return Config{IdleExpiry: 30 * time.Second}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Active       int
	Idle         int
	Opening      int
	Waiting      int
	Destinations int
}

type entry struct {
	conn       Conn
	key        Key
	created    time.Time
	lastAccess time.Time
	seq        uint64
	owner      Owner // nil while idle
	heapIdx    int
}

type destination struct {
	owners map[Owner]struct{}
	idle   []*entry
	active map[*entry]struct{}
}

func (d *destination) removeIdle(e *entry) {
	for i := len(d.idle) - 1; i >= 0; i-- {
		if d.idle[i] == e {
			copy(d.idle[i:], d.idle[i+1:])
			d.idle[len(d.idle)-1] = nil
			d.idle = d.idle[:len(d.idle)-1]
			return
		}
	}
}

func (d *destination) empty() bool {
	return len(d.owners) == 0 && len(d.idle) == 0 && len(d.active) == 0
}

// Pool is safe for concurrent use.
type Pool struct {
	cfg     Config
	log     *logrus.Entry
	metrics *control.Metrics
	sem     *semaphore.Weighted // units are leased connections

	mu      sync.Mutex
	dests   map[Key]*destination
	byConn  map[Conn]*entry
	lru     lruHeap
	active  int
	idle    int
	opening int
	waiting int
	seq     uint64
	closed  bool

	closeCtx context.Context
	closeFn  context.CancelFunc
}

// New creates a pool.
func New(cfg Config) *Pool {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		cfg:     cfg,
		log:     cfg.Log.WithField("component", "pool"),
		metrics: cfg.Metrics,
		dests:   make(map[Key]*destination),
		byConn:  make(map[Conn]*entry),
	}
	if cfg.MaxConnections > 0 {
		p.sem = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	p.closeCtx, p.closeFn = context.WithCancel(context.Background())
	return p
}

func (p *Pool) destLocked(k Key) *destination {
	d := p.dests[k]
	if d == nil {
		d = &destination{owners: make(map[Owner]struct{}), active: make(map[*entry]struct{})}
		p.dests[k] = d
	}
	return d
}

// Acquire leases a connection to o's destination, reusing the most recently
// returned idle one when possible.
func (p *Pool) Acquire(ctx context.Context, o Owner) (Conn, error) {
	key := o.Destination()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, api.ErrPoolClosed
	}
	p.destLocked(key).owners[o] = struct{}{}
	p.mu.Unlock()

	if p.sem != nil {
		if err := p.waitSlot(ctx); err != nil {
			return nil, err
		}
	}

	var stale []Conn
	defer func() { closeAll(stale) }()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.releaseSlot()
		return nil, api.ErrPoolClosed
	}
	d := p.destLocked(key)
	d.owners[o] = struct{}{}
	for len(d.idle) > 0 {
		e := d.idle[len(d.idle)-1]
		if cr, ok := e.conn.(closedReporter); ok && cr.Closed() {
			p.dropIdleLocked(e)
			stale = append(stale, e.conn)
			continue
		}
		d.idle = d.idle[:len(d.idle)-1]
		p.lru.remove(e)
		p.idle--
		p.activateLocked(d, e, o)
		p.publishLocked()
		p.mu.Unlock()
		return e.conn, nil
	}

	if p.sem != nil && p.active+p.opening+p.idle >= p.cfg.MaxConnections {
		if victim := p.evictLocked(); victim != nil {
			stale = append(stale, victim)
		}
	}
	p.opening++
	p.publishLocked()
	p.mu.Unlock()

	c, err := o.Open(ctx)

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.publishLocked()
		p.mu.Unlock()
		p.releaseSlot()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		c.Close()
		p.releaseSlot()
		return nil, api.ErrPoolClosed
	}
	now := p.cfg.Now()
	e := &entry{conn: c, key: key, created: now, lastAccess: now, heapIdx: -1}
	p.byConn[c] = e
	p.activateLocked(p.destLocked(key), e, o)
	p.publishLocked()
	p.mu.Unlock()
	return c, nil
}

func (p *Pool) waitSlot(ctx context.Context) error {
	if p.sem.TryAcquire(1) {
		return nil
	}
	p.metrics.PoolWaited()
	p.mu.Lock()
	p.waiting++
	timeout := p.cfg.WaitTimeout
	p.mu.Unlock()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout > 0 {
		wctx, cancel = context.WithTimeout(wctx, timeout)
		defer cancel()
	}
	stop := context.AfterFunc(p.closeCtx, cancel)
	defer stop()

	err := p.sem.Acquire(wctx, 1)
	p.mu.Lock()
	p.waiting--
	closed := p.closed
	p.mu.Unlock()

	if err == nil {
		return nil
	}
	switch {
	case closed:
		return api.ErrPoolClosed
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		p.metrics.PoolTimedOut()
		return fmt.Errorf("%w after %v", api.ErrPoolTimeout, timeout)
	}
}

func (p *Pool) releaseSlot() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

func (p *Pool) activateLocked(d *destination, e *entry, o Owner) {
	e.owner = o
	e.lastAccess = p.cfg.Now()
	d.active[e] = struct{}{}
	p.active++
}

// evictLocked drops the globally least recently used idle entry.
func (p *Pool) evictLocked() Conn {
	e := p.lru.oldest()
	if e == nil {
		return nil
	}
	p.dropIdleLocked(e)
	p.metrics.PoolEvicted()
	p.log.WithField("dest", e.key).Debug("evicted idle connection")
	return e.conn
}

func (p *Pool) dropIdleLocked(e *entry) {
	p.lru.remove(e)
	d := p.dests[e.key]
	if d != nil {
		d.removeIdle(e)
		if d.empty() {
			delete(p.dests, e.key)
		}
	}
	delete(p.byConn, e.conn)
	p.idle--
}

// Release returns c to its destination's idle stack and wakes one waiter.
// Idle connections past IdleExpiry are closed first.
func (p *Pool) Release(o Owner, c Conn) {
	p.mu.Lock()
	expired := p.expireLocked()
	e, ok := p.byConn[c]
	if !ok || e.owner == nil {
		// already removed or already idle
		p.mu.Unlock()
		closeAll(expired)
		if !ok {
			c.Close()
		}
		return
	}
	d := p.dests[e.key]
	delete(d.active, e)
	p.active--
	if p.closed {
		delete(p.byConn, c)
		if d.empty() {
			delete(p.dests, e.key)
		}
		p.publishLocked()
		p.mu.Unlock()
		p.releaseSlot()
		closeAll(expired)
		c.Close()
		return
	}
	e.owner = nil
	e.lastAccess = p.cfg.Now()
	p.seq++
	e.seq = p.seq
	d.idle = append(d.idle, e)
	p.lru.add(e)
	p.idle++
	p.publishLocked()
	p.mu.Unlock()

	p.releaseSlot()
	closeAll(expired)
}

func (p *Pool) expireLocked() []Conn {
	if p.cfg.IdleExpiry <= 0 {
		return nil
	}
	cutoff := p.cfg.Now().Add(-p.cfg.IdleExpiry)
	var out []Conn
	for {
		e := p.lru.oldest()
		if e == nil || !e.lastAccess.Before(cutoff) {
			return out
		}
		p.dropIdleLocked(e)
		out = append(out, e.conn)
	}
}

// Remove forgets c and closes it. Safe to call more than once and for
// connections in either state.
func (p *Pool) Remove(o Owner, c Conn) {
	p.mu.Lock()
	e, ok := p.byConn[c]
	if !ok {
		p.mu.Unlock()
		c.Close()
		return
	}
	leased := e.owner != nil
	if leased {
		d := p.dests[e.key]
		delete(d.active, e)
		delete(p.byConn, c)
		p.active--
		if d.empty() {
			delete(p.dests, e.key)
		}
	} else {
		p.dropIdleLocked(e)
	}
	p.publishLocked()
	p.mu.Unlock()

	if leased {
		p.releaseSlot()
	}
	c.Close()
}

// DropIdle forgets c if it sits idle, for connections the peer closed while
// pooled. Leased and unknown connections are left alone. c is not closed.
func (p *Pool) DropIdle(c Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byConn[c]
	if !ok || e.owner != nil {
		return false
	}
	p.dropIdleLocked(e)
	p.publishLocked()
	return true
}

// Detach unregisters o. Idle connections of its destination are closed only
// if no other owner still uses it; o's own leased connections are always
// closed and reclaimed.
func (p *Pool) Detach(o Owner) {
	key := o.Destination()
	var victims []Conn
	leased := 0

	p.mu.Lock()
	d := p.dests[key]
	if d == nil {
		p.mu.Unlock()
		return
	}
	delete(d.owners, o)
	if len(d.owners) == 0 {
		for _, e := range d.idle {
			p.lru.remove(e)
			delete(p.byConn, e.conn)
			p.idle--
			victims = append(victims, e.conn)
		}
		d.idle = nil
	}
	for e := range d.active {
		if e.owner != o {
			continue
		}
		delete(d.active, e)
		delete(p.byConn, e.conn)
		p.active--
		leased++
		victims = append(victims, e.conn)
	}
	if d.empty() {
		delete(p.dests, key)
	}
	p.publishLocked()
	p.mu.Unlock()

	for i := 0; i < leased; i++ {
		p.releaseSlot()
	}
	closeAll(victims)
}

// SetWaitTimeout changes WaitTimeout for acquisitions that start waiting
// afterwards.
func (p *Pool) SetWaitTimeout(d time.Duration) {
	p.mu.Lock()
	p.cfg.WaitTimeout = d
	p.mu.Unlock()
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:       p.active,
		Idle:         p.idle,
		Opening:      p.opening,
		Waiting:      p.waiting,
		Destinations: len(p.dests),
	}
}

// Close closes idle connections, fails waiters with api.ErrPoolClosed and
// makes later leases close on Release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var victims []Conn
	for p.lru.Len() > 0 {
		e := p.lru.oldest()
		p.dropIdleLocked(e)
		victims = append(victims, e.conn)
	}
	p.publishLocked()
	p.mu.Unlock()

	p.closeFn()
	closeAll(victims)
}

func (p *Pool) publishLocked() {
	p.metrics.PoolSize(p.active, p.idle)
}

func closeAll(conns []Conn) {
	for _, c := range conns {
		c.Close()
	}
}
