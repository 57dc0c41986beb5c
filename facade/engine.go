// File: facade/engine.go
// Unified facade for hioload-rpc.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine aggregates the reactor, executor, scheduler, client pool, metrics
// and runtime control behind a single object. Any number of servers and
// clients share one engine and therefore one reactor goroutine.

package facade

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/momentics/hioload-rpc/affinity"
	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/client"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/internal/concurrency"
	"github.com/momentics/hioload-rpc/pool"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/momentics/hioload-rpc/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config holds parameters fixed for the lifetime of an Engine. Workers,
// PoolWaitTimeout and server idle timeouts may later change through the
// engine's ConfigStore.
type Config struct {
	Workers int // executor goroutines; 0 means runtime.NumCPU()

	Reactor reactor.Config

	MaxConnections  int           // client pool cap; 0 means unlimited
	PoolWaitTimeout time.Duration // 0 waits until the request context ends
	IdleExpiry      time.Duration // idle client connections older than this are closed

	// LockOSThread pins the reactor goroutine to its OS thread.
	LockOSThread bool
	// PinReactor additionally binds that thread to ReactorCPU.
	PinReactor bool
	ReactorCPU int

	// Registerer receives the engine's collectors; nil keeps them private.
	Registerer prometheus.Registerer
	Log        *logrus.Entry
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		Workers:    runtime.NumCPU(),
		Reactor:    reactor.DefaultConfig(),
		IdleExpiry: pool.DefaultConfig().IdleExpiry,
	}
}

// Option customizes engine initialization.
type Option func(*Config)

// WithWorkers sets the executor size.
func WithWorkers(n int) Option { return func(c *Config) { c.Workers = n } }

// WithPoolLimits caps the client pool and bounds waits for a slot.
func WithPoolLimits(maxConns int, wait time.Duration) Option {
	return func(c *Config) {
		c.MaxConnections = maxConns
		c.PoolWaitTimeout = wait
	}
}

// WithRegisterer registers the engine metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = reg }
}

// WithLogger sets the base log entry.
func WithLogger(log *logrus.Entry) Option { return func(c *Config) { c.Log = log } }

// WithOffloadedHandshakes runs TLS delegated tasks on the executor.
func WithOffloadedHandshakes() Option {
	return func(c *Config) { c.Reactor.OffloadHandshakeTasks = true }
}

// WithLockedReactorThread pins the reactor goroutine to an OS thread.
func WithLockedReactorThread() Option { return func(c *Config) { c.LockOSThread = true } }

// WithReactorCPU binds the reactor thread to cpu.
func WithReactorCPU(cpu int) Option {
	return func(c *Config) {
		c.PinReactor = true
		c.ReactorCPU = cpu
	}
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Pool    pool.Stats
	Workers int
	Queued  int
	Timers  int
	Servers int
	Clients int
}

// ErrNotStarted is returned by Wait before Start.
var ErrNotStarted = errors.New("engine not started")

// Engine is the main facade type.
type Engine struct {
	cfg     Config
	log     *logrus.Entry
	exec    *concurrency.Executor
	sched   *concurrency.Scheduler
	r       *reactor.Reactor
	pool    *pool.Pool
	metrics *control.Metrics
	control *control.ConfigStore
	probes  *control.Probes

	mu      sync.Mutex
	servers []*server.Server
	clients []*client.Client
	group   *errgroup.Group
	started bool
	closed  bool
}

// New builds an engine. Nothing runs until Start.
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	for _, o := range opts {
		o(&c)
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.MaxConnections < 0 {
		return nil, fmt.Errorf("%w: negative MaxConnections", api.ErrInvalidArgument)
	}

	e := &Engine{
		cfg:     c,
		log:     c.Log.WithField("component", "engine"),
		metrics: control.NewMetrics(c.Registerer),
		probes:  control.NewProbes(),
	}
	e.exec = concurrency.NewExecutor(c.Workers, c.Log)
	e.sched = concurrency.NewScheduler(c.Log)

	rc := c.Reactor
	rc.Log = c.Log
	rc.Metrics = e.metrics
	r, err := reactor.New(rc, e.exec, e.sched)
	if err != nil {
		e.exec.Close()
		e.sched.Close()
		return nil, fmt.Errorf("reactor: %w", err)
	}
	e.r = r

	e.pool = pool.New(pool.Config{
		MaxConnections: c.MaxConnections,
		WaitTimeout:    c.PoolWaitTimeout,
		IdleExpiry:     c.IdleExpiry,
		Log:            c.Log,
		Metrics:        e.metrics,
	})

	e.control = control.NewConfigStore(map[string]any{
		control.KeyWorkers:         c.Workers,
		control.KeyPoolWaitTimeout: c.PoolWaitTimeout,
	})
	e.control.OnReload(e.reload)

	e.probes.Register("pool", func() any { return e.pool.Stats() })
	e.probes.Register("executor", func() any { return e.exec.Stats() })
	e.probes.Register("scheduler.timers", func() any { return e.sched.Len() })
	return e, nil
}

// reload applies runtime settings from the config store.
func (e *Engine) reload(snap map[string]any) {
	if n := control.IntValue(snap, control.KeyWorkers, 0); n > 0 && n != e.exec.NumWorkers() {
		e.exec.Resize(n)
		e.log.WithField("workers", n).Info("executor resized")
	}
	e.pool.SetWaitTimeout(control.DurationValue(snap, control.KeyPoolWaitTimeout, e.cfg.PoolWaitTimeout))
	if _, ok := snap[control.KeyIdleTimeout]; ok {
		d := control.DurationValue(snap, control.KeyIdleTimeout, 0)
		e.mu.Lock()
		servers := append([]*server.Server(nil), e.servers...)
		e.mu.Unlock()
		for _, s := range servers {
			s.SetIdleTimeout(d)
		}
	}
}

// Start runs the reactor. The engine stops when ctx ends or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return api.ErrEngineClosed
	}
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if e.cfg.LockOSThread || e.cfg.PinReactor {
			runtime.LockOSThread()
			if e.cfg.PinReactor {
				// a pinned thread is not returned to the runtime
				if err := affinity.SetAffinity(e.cfg.ReactorCPU); err != nil {
					e.log.WithError(err).Warn("reactor affinity not applied")
				}
			} else {
				defer runtime.UnlockOSThread()
			}
		}
		return e.r.Run(gctx)
	})
	e.group = g
	e.log.WithField("workers", e.cfg.Workers).Info("engine started")
	return nil
}

// Wait blocks until the reactor exits and returns its error.
func (e *Engine) Wait() error {
	e.mu.Lock()
	g := e.group
	e.mu.Unlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

// NewServer creates a server on the engine's reactor. Call Listen on it to
// accept connections.
func (e *Engine) NewServer(h server.Handler, opts ...server.Option) (*server.Server, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, api.ErrEngineClosed
	}
	s, err := server.New(e.r, nil, h, opts...)
	if err != nil {
		return nil, err
	}
	if d := e.control.Duration(control.KeyIdleTimeout, -1); d >= 0 {
		s.SetIdleTimeout(d)
	}
	e.servers = append(e.servers, s)
	return s, nil
}

// NewClient creates a client for addr backed by the engine's pool.
func (e *Engine) NewClient(addr string, opts ...client.Option) (*client.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, api.ErrEngineClosed
	}
	opts = append([]client.Option{client.WithAddress(addr)}, opts...)
	cl, err := client.New(e.r, e.pool, nil, opts...)
	if err != nil {
		return nil, err
	}
	e.clients = append(e.clients, cl)
	return cl, nil
}

// Close stops servers gracefully, detaches clients, closes the pool and the
// reactor and waits for every goroutine the engine started. ctx bounds the
// graceful part; the rest always runs.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	servers, clients, g := e.servers, e.clients, e.group
	e.servers, e.clients = nil, nil
	e.mu.Unlock()

	var errs []error
	for _, s := range servers {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server %v: %w", s.Addr(), err))
		}
	}
	for _, cl := range clients {
		cl.Close()
	}
	e.pool.Close()
	e.r.Close()
	if g != nil {
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	e.exec.Close()
	e.sched.Close()
	e.log.Info("engine stopped")
	return errors.Join(errs...)
}

// Stats reports pool and worker state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	servers, clients := len(e.servers), len(e.clients)
	e.mu.Unlock()
	return Stats{
		Pool:    e.pool.Stats(),
		Workers: e.exec.NumWorkers(),
		Queued:  e.exec.Queued(),
		Timers:  e.sched.Len(),
		Servers: servers,
		Clients: clients,
	}
}

// Submit runs task on the executor.
func (e *Engine) Submit(task func()) error { return e.exec.Submit(task) }

// Control returns the runtime config store.
func (e *Engine) Control() *control.ConfigStore { return e.control }

// Probes returns the debug probes.
func (e *Engine) Probes() *control.Probes { return e.probes }

// Metrics returns the engine collectors.
func (e *Engine) Metrics() *control.Metrics { return e.metrics }

// Pool returns the client connection pool.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Reactor returns the event loop.
func (e *Engine) Reactor() *reactor.Reactor { return e.r }

// Scheduler returns the timer scheduler.
func (e *Engine) Scheduler() api.Scheduler { return e.sched }
