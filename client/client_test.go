//go:build linux

package client_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/client"
	"github.com/momentics/hioload-rpc/fake"
	"github.com/momentics/hioload-rpc/handshake"
	"github.com/momentics/hioload-rpc/pool"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/momentics/hioload-rpc/server"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.PanicLevel)
	goleak.VerifyTestMain(m)
}

type env struct {
	r    *fake.Reactor
	pool *pool.Pool
	srv  *server.Server
	addr string
}

func setup(t *testing.T, maxConns int, h server.Handler, opts ...server.Option) *env {
	t.Helper()
	return serve(t, fake.StartReactor(t, reactor.DefaultConfig()), maxConns, h, opts...)
}

func serve(t *testing.T, r *fake.Reactor, maxConns int, h server.Handler, opts ...server.Option) *env {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.MaxConnections = maxConns
	p := pool.New(cfg)
	t.Cleanup(p.Close)

	srv, err := server.New(r.Reactor, nil, h, opts...)
	require.NoError(t, err)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Close(ctx)
	})
	return &env{r: r, pool: p, srv: srv, addr: addr.String()}
}

func (e *env) client(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()
	cl, err := client.New(e.r.Reactor, e.pool, nil, append([]client.Option{client.WithAddress(e.addr)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

var echo = server.HandlerFunc(func(req *http.Request, w server.ResponseWriter) {
	body, _ := io.ReadAll(req.Body)
	w.Respond(http.StatusOK, body)
})

func TestCallReusesConnection(t *testing.T) {
	e := setup(t, 0, echo)
	cl := e.client(t)

	for i := 0; i < 5; i++ {
		out, err := cl.Call(context.Background(), "/echo", []byte(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(out))
	}
	assert.Equal(t, pool.Stats{Idle: 1, Destinations: 1}, e.pool.Stats())
	assert.Equal(t, 1, e.srv.Connections())
}

func TestDoWithRequest(t *testing.T) {
	e := setup(t, 0, server.HandlerFunc(func(req *http.Request, w server.ResponseWriter) {
		w.Header().Set("X-Method", req.Method)
		w.Respond(http.StatusOK, []byte(req.URL.RawQuery))
	}))
	cl := e.client(t)

	req, err := http.NewRequest(http.MethodGet, "http://"+e.addr+"/q?a=1", nil)
	require.NoError(t, err)
	resp, err := cl.Do(context.Background(), req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "a=1", string(body))
	assert.Equal(t, "GET", resp.Header.Get("X-Method"))
}

func TestConcurrentCallsRespectPoolCap(t *testing.T) {
	var inflight, peak atomic.Int32
	h := server.HandlerFunc(func(req *http.Request, w server.ResponseWriter) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		w.Respond(http.StatusOK, nil)
	})
	e := setup(t, 2, h)
	cl := e.client(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cl.Call(context.Background(), "/", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	st := e.pool.Stats()
	assert.LessOrEqual(t, st.Idle, 2)
	assert.Zero(t, st.Active)
}

func TestStatusError(t *testing.T) {
	e := setup(t, 0, server.HandlerFunc(func(req *http.Request, w server.ResponseWriter) {
		w.Respond(http.StatusNotFound, []byte("no such method"))
	}))
	cl := e.client(t)

	_, err := cl.Call(context.Background(), "/missing", nil)
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "no such method", string(se.Body))
}

func TestRequestTimeoutClosesConnection(t *testing.T) {
	e := setup(t, 0, server.HandlerFunc(func(req *http.Request, w server.ResponseWriter) {
		go func() {
			<-req.Context().Done()
			w.Respond(http.StatusOK, nil)
		}()
	}))
	cl := e.client(t, client.WithRequestTimeout(40*time.Millisecond))

	_, err := cl.Call(context.Background(), "/slow", nil)
	require.ErrorIs(t, err, api.ErrRequestTimeout)
	assert.Equal(t, api.KindRequestTimeout, api.KindOf(err))
	assert.Equal(t, pool.Stats{Destinations: 1}, e.pool.Stats())
}

func TestLateRequestTimerSparesReusedConnection(t *testing.T) {
	sched := fake.NewManualScheduler()
	r := fake.StartReactorWithScheduler(t, reactor.DefaultConfig(), sched)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var calls atomic.Int32
	e := serve(t, r, 1, server.HandlerFunc(func(req *http.Request, w server.ResponseWriter) {
		if calls.Add(1) == 2 {
			close(entered)
			<-unblock
		}
		body, _ := io.ReadAll(req.Body)
		w.Respond(http.StatusOK, body)
	}))
	cl := e.client(t, client.WithRequestTimeout(time.Second))

	out, err := cl.Call(context.Background(), "/", []byte("first"))
	require.NoError(t, err)
	require.Equal(t, "first", string(out))
	timers := sched.Timers()
	var first *fake.ManualTimer
	for _, tm := range timers {
		if tm.Delay == time.Second {
			first = tm
		}
	}
	require.NotNil(t, first)
	require.False(t, first.Armed(), "answered request stops its timer")

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := cl.Call(context.Background(), "/", []byte("second"))
		done <- result{out, err}
	}()
	<-entered
	// the first request's callback was already dequeued when Stop ran
	first.FireLate()
	close(unblock)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "second", string(res.out))
	assert.Equal(t, pool.Stats{Idle: 1, Destinations: 1}, e.pool.Stats())
}

func TestRequestTimerWinsOverLateResponse(t *testing.T) {
	sched := fake.NewManualScheduler()
	r := fake.StartReactorWithScheduler(t, reactor.DefaultConfig(), sched)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	e := serve(t, r, 0, server.HandlerFunc(func(req *http.Request, w server.ResponseWriter) {
		close(entered)
		<-unblock
		w.Respond(http.StatusOK, nil)
	}))
	cl := e.client(t, client.WithRequestTimeout(time.Second))

	errc := make(chan error, 1)
	go func() {
		_, err := cl.Call(context.Background(), "/", nil)
		errc <- err
	}()
	<-entered
	pending := sched.Pending(time.Second)
	require.Len(t, pending, 1)
	require.True(t, pending[0].Fire())
	close(unblock)

	err := <-errc
	require.ErrorIs(t, err, api.ErrRequestTimeout)
	assert.Equal(t, pool.Stats{Destinations: 1}, e.pool.Stats())
}

func TestContextCancelAbortsRequest(t *testing.T) {
	e := setup(t, 0, server.HandlerFunc(func(req *http.Request, w server.ResponseWriter) {
		go func() {
			<-req.Context().Done()
			w.Respond(http.StatusOK, nil)
		}()
	}))
	cl := e.client(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := cl.Call(ctx, "/slow", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStaleIdleConnectionIsReplaced(t *testing.T) {
	e := setup(t, 0, echo, server.WithIdleTimeout(30*time.Millisecond))
	cl := e.client(t)

	_, err := cl.Call(context.Background(), "/", []byte("1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.srv.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)

	out, err := cl.Call(context.Background(), "/", []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(out))
}

func TestPeerClosedIdleConnectionLeavesPool(t *testing.T) {
	e := setup(t, 1, echo, server.WithIdleTimeout(30*time.Millisecond))
	cl := e.client(t)

	_, err := cl.Call(context.Background(), "/", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return e.pool.Stats() == pool.Stats{Destinations: 1}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDialFailsAfterRetries(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	p := pool.New(pool.DefaultConfig())
	defer p.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	cl, err := client.New(r.Reactor, p, nil,
		client.WithAddress(addr),
		client.WithDialRetries(2, time.Millisecond, 2*time.Millisecond))
	require.NoError(t, err)
	defer cl.Close()

	_, err = cl.Call(context.Background(), "/", nil)
	require.Error(t, err)
	var ce *api.ConnError
	assert.True(t, errors.As(err, &ce))
	assert.Zero(t, p.Stats().Active, "failed open releases capacity")
}

func TestInvalidAddress(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	p := pool.New(pool.DefaultConfig())
	defer p.Close()
	_, err := client.New(r.Reactor, p, nil, client.WithAddress("nonsense"))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestCloseDetachesFromPool(t *testing.T) {
	e := setup(t, 0, echo)
	cl := e.client(t)
	_, err := cl.Call(context.Background(), "/", nil)
	require.NoError(t, err)

	require.NoError(t, cl.Close())
	assert.Equal(t, pool.Stats{}, e.pool.Stats())
	_, err = cl.Call(context.Background(), "/", nil)
	assert.ErrorIs(t, err, client.ErrClientClosed)
}

func TestCallOverTLS(t *testing.T) {
	serverTLS, clientTLS, err := fake.TLSConfigs("rpc/1")
	require.NoError(t, err)
	e := setup(t, 0, echo, server.WithTLS(serverTLS, time.Second))
	cl := e.client(t,
		client.WithTLS(clientTLS, time.Second),
		client.WithSessionPolicy(handshake.RequireALPN("rpc/1")))

	out, err := cl.Call(context.Background(), "/", []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "secret", string(out))
}

func TestTLSPolicyRejection(t *testing.T) {
	serverTLS, clientTLS, err := fake.TLSConfigs("rpc/1")
	require.NoError(t, err)
	e := setup(t, 0, echo, server.WithTLS(serverTLS, time.Second))
	cl := e.client(t,
		client.WithTLS(clientTLS, time.Second),
		client.WithSessionPolicy(handshake.RequireALPN("rpc/2")))

	_, err = cl.Call(context.Background(), "/", nil)
	require.ErrorIs(t, err, api.ErrHandshakeFailed)
	assert.Equal(t, api.KindHandshakeFailure, api.KindOf(err))
}
