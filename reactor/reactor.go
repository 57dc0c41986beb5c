// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Single goroutine event loop. Each iteration drains the registration,
// interest and cancellation queues, then blocks in the poller until a
// socket is ready or another goroutine wakes it.

package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/handshake"
	"github.com/momentics/hioload-rpc/internal/concurrency"
	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"
)

// Config tunes a Reactor.
type Config struct {
	// MaxEvents bounds the readiness events handled per poll.
	MaxEvents int
	// ReadBufferSize is the per-read socket chunk.
	ReadBufferSize int
	// AcceptBatch bounds accepts per readiness event of a listener.
	AcceptBatch int
	// OffloadHandshakeTasks runs TLS delegated tasks on the executor
	// instead of the reactor goroutine.
	OffloadHandshakeTasks bool

	Log     *logrus.Entry
	Metrics *control.Metrics
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MaxEvents:      256,
		ReadBufferSize: 64 * 1024,
		AcceptBatch:    64,
	}
}

type registration struct {
	conn     *Conn
	listener *Listener
}

type cancelRequest struct {
	conn          *Conn
	err           error
	force         bool
	handshakeOnly bool
}

// Reactor multiplexes non-blocking sockets on one goroutine.
type Reactor struct {
	cfg     Config
	p       *poller
	exec    api.Executor
	sched   api.Scheduler
	log     *logrus.Entry
	metrics *control.Metrics

	regs      *concurrency.PendingQueue[registration]
	interests *concurrency.PendingQueue[*Conn]
	cancels   *concurrency.PendingQueue[cancelRequest]
	tasks     *concurrency.PendingQueue[func()]

	// reactor goroutine only
	conns     map[int]*Conn
	listeners map[int]*Listener
	scratch   []byte

	nextID      atomic.Uint64
	wakePending atomic.Bool
	stopping    atomic.Bool

	lifeMu  sync.Mutex
	running bool
	stopped bool
	done    chan struct{}
}

// New creates a reactor. Callbacks run on exec; timeouts use sched.
func New(cfg Config, exec api.Executor, sched api.Scheduler) (*Reactor, error) {
	def := DefaultConfig()
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = def.MaxEvents
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.AcceptBatch <= 0 {
		cfg.AcceptBatch = def.AcceptBatch
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if exec == nil || sched == nil {
		return nil, fmt.Errorf("%w: reactor needs an executor and a scheduler", api.ErrInvalidArgument)
	}
	p, err := newPoller(cfg.MaxEvents)
	if err != nil {
		return nil, err
	}
	return &Reactor{
		cfg:       cfg,
		p:         p,
		exec:      exec,
		sched:     sched,
		log:       cfg.Log.WithField("component", "reactor"),
		metrics:   cfg.Metrics,
		regs:      concurrency.NewPendingQueue[registration](),
		interests: concurrency.NewPendingQueue[*Conn](),
		cancels:   concurrency.NewPendingQueue[cancelRequest](),
		tasks:     concurrency.NewPendingQueue[func()](),
		conns:     make(map[int]*Conn),
		listeners: make(map[int]*Listener),
		scratch:   make([]byte, cfg.ReadBufferSize),
		done:      make(chan struct{}),
	}, nil
}

// Run executes the loop until ctx is cancelled or Close is called. Every
// connection still open at that point is torn down with api.ErrEngineClosed.
// Run on a reactor closed before it started returns nil at once.
func (r *Reactor) Run(ctx context.Context) error {
	r.lifeMu.Lock()
	if r.running {
		r.lifeMu.Unlock()
		return errors.New("reactor: Run called twice")
	}
	if r.stopped {
		r.lifeMu.Unlock()
		return nil
	}
	r.running = true
	r.lifeMu.Unlock()
	defer close(r.done)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.Close()
		case <-stop:
		}
	}()

	r.log.Debug("reactor started")
	var runErr error
	for !r.stopping.Load() {
		r.wakePending.Store(false)
		r.regs.Drain(r.register)
		r.interests.Drain(r.applyWriteInterest)
		r.cancels.Drain(r.applyCancel)
		r.tasks.Drain(func(fn func()) { fn() })
		if r.stopping.Load() {
			break
		}

		events, err := r.p.wait(-1)
		if err != nil {
			runErr = err
			r.log.WithError(err).Error("poller failed")
			r.broadcastError(err)
			break
		}
		for _, ev := range events {
			r.handle(ev)
		}
	}
	r.shutdown(runErr)
	r.log.Debug("reactor stopped")
	return runErr
}

// Close asks the loop to stop. It does not wait; see Done.
func (r *Reactor) Close() {
	if !r.stopping.CompareAndSwap(false, true) {
		return
	}
	r.lifeMu.Lock()
	running := r.running
	if !running {
		r.stopped = true
	}
	r.lifeMu.Unlock()
	if running {
		r.p.wake()
		return
	}
	r.shutdown(nil)
	close(r.done)
}

// Done is closed once the loop exited and every connection was torn down.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Dial starts a non-blocking connect. The returned Conn is usable for
// writes immediately; bytes are flushed once the connection is open.
func (r *Reactor) Dial(ep Endpoint, addr *net.TCPAddr, cfg DialConfig) (*Conn, error) {
	fd, _, err := dialSocket(addr)
	if err != nil {
		return nil, api.NewConnError(0, "dial", err)
	}
	c := r.newConn(fd, ep, addr, true)
	c.attach = cfg.Attachment
	c.tlsCfg = cfg.TLS
	c.state = stateConnecting
	if !r.enqueueRegistration(registration{conn: c}) {
		closeSocket(fd)
		return nil, api.ErrEngineClosed
	}
	return c, nil
}

// Listen binds address and accepts connections for ep.
func (r *Reactor) Listen(ep Endpoint, address string, cfg ListenConfig) (*Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 1024
	}
	fd, bound, err := listenSocket(addr, cfg.Backlog)
	if err != nil {
		return nil, err
	}
	l := &Listener{fd: fd, addr: bound, r: r, ep: ep, cfg: cfg, done: make(chan struct{})}
	if !r.enqueueRegistration(registration{listener: l}) {
		closeSocket(fd)
		return nil, api.ErrEngineClosed
	}
	return l, nil
}

// Execute runs fn on the reactor goroutine during the next iteration.
func (r *Reactor) Execute(fn func()) {
	r.tasks.Push(fn)
	r.wake()
}

func (r *Reactor) newConn(fd int, ep Endpoint, remote *net.TCPAddr, client bool) *Conn {
	return &Conn{
		id:     r.nextID.Add(1),
		fd:     fd,
		r:      r,
		ep:     ep,
		remote: remote,
		client: client,
		done:   make(chan struct{}),
	}
}

func (r *Reactor) enqueueRegistration(reg registration) bool {
	r.lifeMu.Lock()
	if r.stopped {
		r.lifeMu.Unlock()
		return false
	}
	r.regs.Push(reg)
	r.lifeMu.Unlock()
	r.wake()
	return true
}

func (r *Reactor) wake() {
	if r.wakePending.CompareAndSwap(false, true) {
		if err := r.p.wake(); err != nil {
			r.log.WithError(err).Warn("wakeup failed")
		}
	}
}

func (r *Reactor) requestWrite(c *Conn) {
	r.interests.Push(c)
	r.wake()
}

func (r *Reactor) cancel(c *Conn, err error, force, handshakeOnly bool) {
	r.cancels.Push(cancelRequest{conn: c, err: err, force: force, handshakeOnly: handshakeOnly})
	r.wake()
}

func (r *Reactor) register(reg registration) {
	if l := reg.listener; l != nil {
		if err := r.p.add(l.fd, opRead); err != nil {
			r.log.WithError(err).Error("listener registration failed")
			l.closed = true
			closeSocket(l.fd)
			close(l.done)
			return
		}
		r.listeners[l.fd] = l
		r.log.WithField("addr", l.addr).Info("listening")
		return
	}
	c := reg.conn
	if c.state == stateClosed {
		return
	}
	if err := r.p.add(c.fd, opWrite); err != nil {
		r.fail(c, "register", err)
		return
	}
	c.registered = true
	c.interest = opWrite
	r.conns[c.fd] = c
}

func (r *Reactor) applyWriteInterest(c *Conn) {
	if c.state != stateOpen {
		return
	}
	r.setInterest(c, c.interest|opWrite)
}

func (r *Reactor) applyCancel(req cancelRequest) {
	c := req.conn
	if c.state == stateClosed {
		return
	}
	if req.handshakeOnly && c.state != stateHandshaking {
		return
	}
	if req.force {
		var err error
		if req.err != nil {
			err = api.NewConnError(c.id, "cancel", req.err)
		}
		r.teardown(c, err)
		return
	}
	if c.state == stateConnecting || c.state == stateHandshaking {
		c.closePending = true
		return
	}
	r.closeGracefully(c)
}

func (r *Reactor) closeGracefully(c *Conn) {
	c.mu.Lock()
	c.closing = true
	c.closeAfterWrite = true
	more := c.pending != nil && c.pending.Len() > 0
	c.mu.Unlock()
	if !more && len(c.outbound) == 0 {
		r.teardown(c, nil)
		return
	}
	r.setInterest(c, opRead|opWrite)
}

func (r *Reactor) setInterest(c *Conn, ops interest) {
	if c.state == stateClosed || !c.registered || c.interest == ops {
		return
	}
	if err := r.p.mod(c.fd, ops); err != nil {
		r.fail(c, "interest", err)
		return
	}
	c.interest = ops
}

func (r *Reactor) handle(ev readyEvent) {
	if l, ok := r.listeners[ev.fd]; ok {
		r.accept(l)
		return
	}
	c, ok := r.conns[ev.fd]
	if !ok {
		return
	}
	switch c.state {
	case stateConnecting:
		r.finishConnect(c)
	case stateHandshaking:
		r.driveHandshake(c)
	case stateOpen:
		if ev.read || ev.err {
			r.handleRead(c)
		}
		if ev.write && c.state == stateOpen {
			r.handleWrite(c)
		}
	}
}

func (r *Reactor) finishConnect(c *Conn) {
	if err := connectResult(c.fd); err != nil {
		r.fail(c, "connect", err)
		return
	}
	if c.tlsCfg != nil {
		r.startHandshake(c)
		return
	}
	r.opened(c)
}

// opened marks c usable and notifies its endpoint.
func (r *Reactor) opened(c *Conn) {
	c.state = stateOpen
	c.mu.Lock()
	c.local = localAddr(c.fd)
	c.mu.Unlock()
	r.metrics.ConnOpened(c.role())
	r.log.WithFields(logrus.Fields{"conn": c.id, "remote": c.remote}).Debug("connection open")
	r.callback(c, func() { c.ep.HandleOpen(c) })

	if c.closePending {
		r.closeGracefully(c)
		return
	}
	ops := opRead
	if more, closeAfter := c.hasPending(); more || closeAfter {
		ops |= opWrite
	}
	r.setInterest(c, ops)
}

func (r *Reactor) handleRead(c *Conn) {
	n, err := readSocket(c.fd, r.scratch)
	if err == errWouldBlock {
		return
	}
	if err != nil {
		r.fail(c, "read", err)
		return
	}
	if n == 0 {
		r.fail(c, "read", api.ErrRemoteClosed)
		return
	}
	r.metrics.BytesRead(n)
	data := r.scratch[:n]
	if c.engine != nil {
		plain, err := c.engine.Unwrap(data)
		if len(plain) > 0 && !r.deliver(c, plain) {
			return
		}
		if err == io.EOF {
			r.fail(c, "read", api.ErrRemoteClosed)
		} else if err != nil {
			r.fail(c, "decrypt", err)
		}
		return
	}
	r.deliver(c, data)
}

// deliver feeds data into the framing buffer and dispatches every message it
// completes. It reports false if the connection was torn down.
func (r *Reactor) deliver(c *Conn, data []byte) bool {
	for len(data) > 0 {
		if c.msg == nil {
			c.msg = c.ep.NewMessageBuffer(c)
		}
		excess, err := c.msg.Write(data)
		if err != nil {
			r.fail(c, "frame", err)
			return false
		}
		if !c.msg.Complete() {
			return true
		}
		msg := c.msg
		c.msg = nil
		r.metrics.MessageDispatched(c.role())
		if err := r.dispatch(c, msg); err != nil {
			r.fail(c, "dispatch", err)
			return false
		}
		if c.state == stateClosed {
			return false
		}
		data = data[len(data)-excess:]
	}
	return true
}

func (r *Reactor) dispatch(c *Conn, msg api.MessageBuffer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if _, fatal := p.(*api.InvariantViolation); fatal {
				panic(p)
			}
			err = fmt.Errorf("dispatch panicked: %v", p)
		}
	}()
	c.ep.Dispatch(c, msg)
	return nil
}

func (r *Reactor) handleWrite(c *Conn) {
	if len(c.outbound) == 0 {
		buf, closeAfter := c.takePending()
		if buf == nil || buf.Len() == 0 {
			if buf != nil {
				bytebufferpool.Put(buf)
			}
			if closeAfter {
				r.teardown(c, nil)
				return
			}
			// a writer raced with the previous flush; nothing left
			r.setInterest(c, opRead)
			return
		}
		if c.engine != nil {
			cipher, err := c.engine.Wrap(buf.B)
			bytebufferpool.Put(buf)
			if err != nil {
				r.fail(c, "encrypt", err)
				return
			}
			c.outbound = cipher
		} else {
			c.outBuf = buf
			c.outbound = buf.B
		}
	}

	n, err := writeSocket(c.fd, c.outbound)
	if err == errWouldBlock {
		return
	}
	if err != nil {
		r.fail(c, "write", err)
		return
	}
	r.metrics.BytesWritten(n)
	c.outbound = c.outbound[n:]
	if len(c.outbound) > 0 {
		return
	}
	c.outbound = nil
	if c.outBuf != nil {
		bytebufferpool.Put(c.outBuf)
		c.outBuf = nil
	}
	more, closeAfter := c.hasPending()
	if more {
		return
	}
	if closeAfter {
		r.teardown(c, nil)
		return
	}
	r.setInterest(c, opRead)
}

func (r *Reactor) fail(c *Conn, op string, err error) {
	r.teardown(c, api.NewConnError(c.id, op, err))
}

// teardown closes c and releases everything it holds. Idempotent; the
// endpoint hears about it exactly once.
func (r *Reactor) teardown(c *Conn, err error) {
	if c.state == stateClosed {
		return
	}
	prev := c.state
	c.state = stateClosed
	if c.registered {
		if derr := r.p.del(c.fd); derr != nil {
			r.log.WithError(derr).Debug("deregister failed")
		}
		delete(r.conns, c.fd)
		c.registered = false
	}
	closeSocket(c.fd)

	if c.hs != nil {
		c.hs.Abort()
		c.hs = nil
	}
	if c.engine != nil {
		c.engine.Close()
		c.engine = nil
	}
	if c.msg != nil {
		c.msg.Release()
		c.msg = nil
	}
	if c.outBuf != nil {
		bytebufferpool.Put(c.outBuf)
		c.outBuf = nil
	}
	c.outbound = nil
	c.mu.Lock()
	c.closing = true
	if c.pending != nil {
		bytebufferpool.Put(c.pending)
		c.pending = nil
	}
	c.mu.Unlock()

	c.err = err
	c.closed.Store(true)
	close(c.done)

	if prev == stateHandshaking && err != nil {
		r.metrics.HandshakeDone(c.role(), 0, err)
	}
	r.metrics.ConnClosed(c.role(), err)
	entry := r.log.WithFields(logrus.Fields{"conn": c.id, "remote": c.remote})
	if err != nil && !api.IsRemoteClosed(err) {
		entry.WithError(err).Debug("connection failed")
	} else {
		entry.Debug("connection closed")
	}
	r.callback(c, func() { c.ep.HandleClose(c, err) })
}

func (r *Reactor) broadcastError(err error) {
	seen := make(map[Endpoint]struct{})
	notify := func(ep Endpoint) {
		if _, ok := seen[ep]; ok {
			return
		}
		seen[ep] = struct{}{}
		if h, ok := ep.(ErrorHandler); ok {
			r.submit(func() { h.HandleError(err) })
		}
	}
	for _, l := range r.listeners {
		notify(l.ep)
	}
	for _, c := range r.conns {
		notify(c.ep)
	}
}

func (r *Reactor) shutdown(runErr error) {
	r.lifeMu.Lock()
	r.stopped = true
	r.lifeMu.Unlock()

	var reason error = api.ErrEngineClosed
	if runErr != nil {
		reason = runErr
	}
	r.regs.Drain(func(reg registration) {
		if reg.listener != nil {
			r.closeListener(reg.listener)
			return
		}
		r.fail(reg.conn, "shutdown", reason)
	})
	for _, c := range r.conns {
		r.fail(c, "shutdown", reason)
	}
	for _, l := range r.listeners {
		r.closeListener(l)
	}
	r.interests.Drain(func(*Conn) {})
	r.cancels.Drain(func(cancelRequest) {})
	r.tasks.Drain(func(func()) {})
	r.p.close()
}

// submit hands fn to the executor, running it inline once the executor is
// gone so shutdown notifications are never lost.
func (r *Reactor) submit(fn func()) {
	if err := r.exec.Submit(fn); err != nil {
		fn()
	}
}

// callback queues fn behind earlier callbacks of the same connection so
// HandleOpen always precedes HandleClose.
func (r *Reactor) callback(c *Conn, fn func()) {
	c.cbMu.Lock()
	c.cbs = append(c.cbs, fn)
	if c.cbRunning {
		c.cbMu.Unlock()
		return
	}
	c.cbRunning = true
	c.cbMu.Unlock()
	r.submit(func() { r.runCallbacks(c) })
}

func (r *Reactor) runCallbacks(c *Conn) {
	for {
		c.cbMu.Lock()
		if len(c.cbs) == 0 {
			c.cbRunning = false
			c.cbMu.Unlock()
			return
		}
		fn := c.cbs[0]
		c.cbs[0] = nil
		c.cbs = c.cbs[1:]
		c.cbMu.Unlock()
		r.safeCall(c, fn)
	}
}

func (r *Reactor) safeCall(c *Conn, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			if _, fatal := p.(*api.InvariantViolation); fatal {
				panic(p)
			}
			r.log.WithField("conn", c.id).Errorf("endpoint callback panicked: %v", p)
		}
	}()
	fn()
}

// startHandshake switches c to TLS negotiation.
func (r *Reactor) startHandshake(c *Conn) {
	cfg := c.tlsCfg
	var eng handshake.Engine
	switch {
	case cfg.Engine != nil:
		eng = cfg.Engine()
	case c.client:
		eng = handshake.NewClientEngine(cfg.Config)
	default:
		eng = handshake.NewServerEngine(cfg.Config)
	}
	c.state = stateHandshaking
	c.hs = handshake.NewDriver(eng, fdTransport{c: c, r: r}, handshake.Config{
		Policy:       cfg.Policy,
		OffloadTasks: r.cfg.OffloadHandshakeTasks,
	})
	if cfg.Timeout > 0 {
		c.hs.SetDeadline(r.sched.AfterFunc(cfg.Timeout, func() {
			r.cancel(c, api.ErrHandshakeTimeout, true, true)
		}))
	}
	r.driveHandshake(c)
}

func (r *Reactor) driveHandshake(c *Conn) {
	for c.state == stateHandshaking {
		hs := c.hs
		act, err := hs.Step()
		if err != nil {
			r.fail(c, "handshake", err)
			return
		}
		switch act {
		case handshake.Continue:
		case handshake.WantRead:
			r.setInterest(c, opRead)
			return
		case handshake.WantWrite:
			r.setInterest(c, opWrite)
			return
		case handshake.RunTask:
			r.setInterest(c, 0)
			r.offloadTask(c, hs)
			return
		case handshake.Done:
			r.finishHandshake(c)
			return
		}
	}
}

func (r *Reactor) offloadTask(c *Conn, hs *handshake.Driver) {
	task := hs.PendingTask()
	if task == nil {
		return
	}
	err := r.exec.Submit(func() {
		terr := task()
		r.Execute(func() {
			if c.state != stateHandshaking || c.hs != hs {
				return
			}
			hs.TaskDone(terr)
			r.driveHandshake(c)
		})
	})
	if err != nil {
		hs.TaskDone(task())
		r.driveHandshake(c)
	}
}

func (r *Reactor) finishHandshake(c *Conn) {
	eng := c.hs.Engine()
	started := c.hs.Started()
	c.hs = nil
	c.engine = eng
	cs := eng.ConnectionState()
	c.mu.Lock()
	c.tlsState = &cs
	c.mu.Unlock()
	r.metrics.HandshakeDone(c.role(), r.sched.Now().Sub(started), nil)

	r.opened(c)
	if c.state != stateOpen {
		return
	}
	// records that arrived with the final handshake flight
	plain, err := eng.Unwrap(nil)
	if len(plain) > 0 && !r.deliver(c, plain) {
		return
	}
	if err == io.EOF {
		r.fail(c, "read", api.ErrRemoteClosed)
	} else if err != nil {
		r.fail(c, "decrypt", err)
	}
}

// fdTransport adapts the socket to handshake.Transport.
type fdTransport struct {
	c *Conn
	r *Reactor
}

func (t fdTransport) Read(p []byte) (int, error) {
	n, err := readSocket(t.c.fd, p)
	if err == errWouldBlock {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	t.r.metrics.BytesRead(n)
	return n, nil
}

func (t fdTransport) Write(p []byte) (int, error) {
	n, err := writeSocket(t.c.fd, p)
	if err == errWouldBlock {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	t.r.metrics.BytesWritten(n)
	return n, nil
}

// Executor is the pool running endpoint callbacks.
func (r *Reactor) Executor() api.Executor { return r.exec }

// Scheduler is the deadline scheduler shared with endpoints.
func (r *Reactor) Scheduler() api.Scheduler { return r.sched }

// Metrics returns the collectors given in Config, possibly nil.
func (r *Reactor) Metrics() *control.Metrics { return r.metrics }

// Logger returns the base logger given in Config.
func (r *Reactor) Logger() *logrus.Entry { return r.cfg.Log }
