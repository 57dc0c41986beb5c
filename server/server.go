// File: server/server.go
// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server is the reactor endpoint for inbound HTTP/1.1 RPC connections.

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/time/rate"
)

var ErrServerClosed = errors.New("server closed")

// serverConn is the per-connection bookkeeping of a Server.
type serverConn struct {
	c        *reactor.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	lastSeen atomic.Int64
	inflight atomic.Int32
	draining bool // reactor goroutine only
}

func (sc *serverConn) touch(now time.Time) { sc.lastSeen.Store(now.UnixNano()) }

// Server serves a Handler on any number of listeners of one reactor.
type Server struct {
	cfg        *Config
	r          *reactor.Reactor
	handler    Handler
	middleware []Middleware
	log        *logrus.Entry
	metrics    *control.Metrics
	exec       api.Executor
	sched      api.Scheduler
	pipeline   *pipeline
	limiter    *rate.Limiter
	idle       atomic.Int64 // idle timeout in nanoseconds

	mu        sync.Mutex
	conns     map[*reactor.Conn]*serverConn
	listeners []*reactor.Listener
	sweep     api.Timer
	sweepIn   time.Duration // period of the armed sweep
	closing   bool
	drained   chan struct{}
}

var _ reactor.Endpoint = (*Server)(nil)

// New builds a Server on r. A nil cfg uses DefaultConfig.
func New(r *reactor.Reactor, cfg *Config, h Handler, opts ...Option) (*Server, error) {
	if r == nil || h == nil {
		return nil, fmt.Errorf("%w: server needs a reactor and a handler", api.ErrInvalidArgument)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cp := *cfg
		cfg = &cp
	}
	if cfg.TLS != nil {
		tc := *cfg.TLS
		cfg.TLS = &tc
	}
	s := &Server{
		cfg:     cfg,
		r:       r,
		log:     r.Logger().WithField("component", "server"),
		metrics: r.Metrics(),
		exec:    r.Executor(),
		sched:   r.Scheduler(),
		conns:   make(map[*reactor.Conn]*serverConn),
		drained: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.Limits.MaxHeaderBytes <= 0 || s.cfg.Limits.MaxBodyBytes <= 0 {
		s.cfg.Limits = protocol.DefaultLimits()
	}
	if s.cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(s.cfg.AcceptRate, max(1, s.cfg.AcceptBurst))
	}
	s.idle.Store(int64(s.cfg.IdleTimeout))
	s.handler = NewHandlerChain(h, s.middleware...)
	s.pipeline = newPipeline(s.metrics)
	return s, nil
}

// Listen starts accepting on address and returns the bound address.
func (s *Server) Listen(address string) (net.Addr, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	s.mu.Unlock()

	l, err := s.r.Listen(s, address, reactor.ListenConfig{
		TLS:     s.cfg.TLS,
		Filter:  s.admit,
		Backlog: s.cfg.Backlog,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		l.Close()
		return nil, ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	if s.idle.Load() > 0 && s.sweep == nil {
		s.armSweep()
	}
	s.log.WithField("addr", l.Addr()).Info("serving")
	return l.Addr(), nil
}

// Addr is the address of the first listener, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Connections reports open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops the listeners, lets in-flight requests finish and closes every
// connection. When ctx expires first the remaining connections are aborted
// and ctx.Err() is returned.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return s.wait(ctx)
	}
	s.closing = true
	if s.sweep != nil {
		s.sweep.Stop()
	}
	ls := s.listeners
	s.listeners = nil
	for _, sc := range s.conns {
		if sc.inflight.Load() == 0 {
			sc.c.Close()
		}
	}
	if len(s.conns) == 0 {
		close(s.drained)
	}
	s.mu.Unlock()

	for _, l := range ls {
		l.Close()
	}
	return s.wait(ctx)
}

func (s *Server) wait(ctx context.Context) error {
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
	}
	s.mu.Lock()
	for _, sc := range s.conns {
		sc.c.Abort(api.ErrEngineClosed)
	}
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Server) admit(remote net.Addr) bool {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return false
	}
	return s.limiter == nil || s.limiter.Allow()
}

// track returns the state of c, creating it on first sight.
func (s *Server) track(c *reactor.Conn) *serverConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc := s.conns[c]; sc != nil {
		return sc
	}
	ctx, cancel := context.WithCancel(context.Background())
	sc := &serverConn{c: c, ctx: ctx, cancel: cancel}
	sc.touch(s.sched.Now())
	s.conns[c] = sc
	return sc
}

// NewMessageBuffer implements reactor.Endpoint.
func (s *Server) NewMessageBuffer(c *reactor.Conn) api.MessageBuffer {
	return protocol.NewRequestMessage(s.cfg.Limits)
}

// HandleOpen implements reactor.Endpoint.
func (s *Server) HandleOpen(c *reactor.Conn) {
	sc := s.track(c)
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing && sc.inflight.Load() == 0 {
		c.Close()
	}
	s.log.WithFields(logrus.Fields{"conn": c.ID(), "remote": c.RemoteAddr()}).Debug("client connected")
}

// Dispatch implements reactor.Endpoint. It runs on the reactor goroutine and
// only assigns the pipeline sequence before handing the request to a worker.
func (s *Server) Dispatch(c *reactor.Conn, msg api.MessageBuffer) {
	sc := s.track(c)
	m := msg.(*protocol.Message)
	if sc.draining {
		// the peer asked to close; anything after that request is ignored
		m.Release()
		return
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	closeAfter := closing || !m.KeepAlive()
	if closeAfter {
		sc.draining = true
	}

	sc.touch(s.sched.Now())
	sc.inflight.Add(1)
	w := &responseWriter{
		s:          s,
		sc:         sc,
		seq:        s.pipeline.nextSequence(c),
		head:       m.Method() == http.MethodHead,
		closeAfter: closeAfter,
		header:     make(http.Header),
	}
	if d := s.cfg.RequestTimeout; d > 0 {
		w.timer = s.sched.AfterFunc(d, w.expire)
	}
	if err := s.exec.Submit(func() { s.serve(w, m) }); err != nil {
		m.Release()
		c.Abort(err)
	}
}

// HandleClose implements reactor.Endpoint.
func (s *Server) HandleClose(c *reactor.Conn, err error) {
	s.pipeline.drop(c)
	s.mu.Lock()
	sc := s.conns[c]
	delete(s.conns, c)
	if s.closing && len(s.conns) == 0 {
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
	}
	s.mu.Unlock()
	if sc != nil {
		sc.cancel()
	}

	entry := s.log.WithFields(logrus.Fields{"conn": c.ID(), "remote": c.RemoteAddr()})
	switch {
	case err == nil, api.IsRemoteClosed(err):
		entry.Debug("client disconnected")
	case api.KindOf(err) == api.KindIdleTimeout:
		entry.Debug("idle connection closed")
	default:
		entry.WithError(err).Warn("connection failed")
	}
}

// HandleError implements reactor.ErrorHandler.
func (s *Server) HandleError(err error) {
	s.log.WithError(err).Error("reactor failure")
}

func (s *Server) serve(w *responseWriter, m *protocol.Message) {
	req, err := protocol.ParseRequest(m)
	m.Release()
	if err != nil {
		w.Respond(http.StatusBadRequest, []byte(err.Error()+"\n"))
		return
	}
	c := w.sc.c
	req = req.WithContext(w.sc.ctx)
	req.RemoteAddr = c.RemoteAddr().String()
	if cs, ok := c.ConnectionState(); ok {
		req.TLS = &cs
	}

	defer func() {
		if p := recover(); p != nil {
			if _, fatal := p.(*api.InvariantViolation); fatal {
				panic(p)
			}
			s.log.WithField("conn", c.ID()).Errorf("handler panicked: %v", p)
			w.Respond(http.StatusInternalServerError, nil)
		}
	}()
	s.handler.ServeRPC(req, w)
}

// finished runs after a request's response or timeout.
func (s *Server) finished(sc *serverConn) {
	sc.touch(s.sched.Now())
	if sc.inflight.Add(-1) > 0 {
		return
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		sc.c.Close()
	}
}

// SetIdleTimeout changes the idle timeout of a running server; 0 disables
// it. A shorter timeout reschedules the pending sweep.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idle.Store(int64(d))
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 || s.closing || len(s.listeners) == 0 {
		return
	}
	switch {
	case s.sweep == nil:
		s.armSweep()
	case s.sweepPeriod() < s.sweepIn:
		// a failed Stop means the sweep is already running and re-arms itself
		if s.sweep.Stop() {
			s.armSweep()
		}
	}
}

func (s *Server) sweepPeriod() time.Duration {
	if s.cfg.IdleSweep > 0 {
		return s.cfg.IdleSweep
	}
	return max(time.Duration(s.idle.Load())/2, 10*time.Millisecond)
}

// armSweep schedules the next idle check; caller holds s.mu.
func (s *Server) armSweep() {
	s.sweepIn = s.sweepPeriod()
	s.sweep = s.sched.AfterFunc(s.sweepIn, s.sweepIdle)
}

// sweepIdle closes connections without traffic for the idle timeout.
func (s *Server) sweepIdle() {
	now := s.sched.Now().UnixNano()
	limit := s.idle.Load()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return
	}
	if limit <= 0 {
		s.sweep = nil
		return
	}
	for _, sc := range s.conns {
		if sc.inflight.Load() == 0 && now-sc.lastSeen.Load() >= limit {
			sc.c.Abort(api.ErrIdleTimeout)
		}
	}
	s.armSweep()
}

const (
	pending int32 = iota
	responded
	timedOut
)

type responseWriter struct {
	s          *Server
	sc         *serverConn
	seq        uint64
	head       bool
	closeAfter bool
	header     http.Header
	timer      api.Timer
	state      atomic.Int32
}

func (w *responseWriter) Header() http.Header { return w.header }

func (w *responseWriter) Respond(status int, body []byte) error {
	if !w.state.CompareAndSwap(pending, responded) {
		if w.state.Load() == timedOut {
			return api.ErrRequestTimeout
		}
		return ErrAlreadyResponded
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	buf := bytebufferpool.Get()
	protocol.AppendResponse(buf, status, w.header, body, w.closeAfter)
	if w.head {
		buf.B = buf.B[:len(buf.B)-len(body)]
	}
	err := w.s.pipeline.respond(w.sc.c, w.seq, buf, w.closeAfter)
	w.s.finished(w.sc)
	return err
}

func (w *responseWriter) expire() {
	if !w.state.CompareAndSwap(pending, timedOut) {
		return
	}
	w.s.log.WithFields(logrus.Fields{"conn": w.sc.c.ID(), "seq": w.seq}).Warn("handler timed out")
	w.sc.c.Abort(api.ErrRequestTimeout)
	w.s.finished(w.sc)
}
