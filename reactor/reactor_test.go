//go:build linux

package reactor_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/control"
	"github.com/momentics/hioload-rpc/fake"
	"github.com/momentics/hioload-rpc/handshake"
	"github.com/momentics/hioload-rpc/internal/concurrency"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.PanicLevel)
	goleak.VerifyTestMain(m)
}

const wait = 2 * time.Second

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(wait):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func listen(t *testing.T, r *fake.Reactor, ep reactor.Endpoint, cfg reactor.ListenConfig) *reactor.Listener {
	t.Helper()
	l, err := r.Listen(ep, "127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func echoEndpoint() *fake.Endpoint {
	ep := fake.NewEndpoint(64)
	ep.OnMessage = func(c *reactor.Conn, line string) { c.Write([]byte(line)) }
	return ep
}

func TestEchoAndRemoteClose(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	ep := echoEndpoint()
	l := listen(t, r, ep, reactor.ListenConfig{})

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	c := recv(t, ep.Opened)
	assert.False(t, c.IsClient())

	_, err = nc.Write([]byte("hello\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(nc).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)

	nc.Close()
	closed := recv(t, ep.ClosedCh)
	assert.Same(t, c, closed.Conn)
	assert.True(t, api.IsRemoteClosed(closed.Err))
	assert.Equal(t, api.KindRemoteClosed, api.KindOf(closed.Err))
	assert.True(t, c.Closed())
	assert.Equal(t, []string{"open", "message", "close"}, ep.Events(c))
}

func TestPipelinedMessagesKeepOrder(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	ep := echoEndpoint()
	l := listen(t, r, ep, reactor.ListenConfig{})

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	_, err = nc.Write([]byte("a\nb\nc"))
	require.NoError(t, err)
	_, err = nc.Write([]byte("\nd\n"))
	require.NoError(t, err)
	for _, want := range []string{"a\n", "b\n", "c\n", "d\n"} {
		assert.Equal(t, want, recv(t, ep.Messages))
	}
}

func TestWriteAndCloseFlushesFirst(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	ep := fake.NewEndpoint(8)
	ep.OnMessage = func(c *reactor.Conn, line string) {
		c.WriteAndClose([]byte("bye\n"))
	}
	l := listen(t, r, ep, reactor.ListenConfig{})

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	_, err = nc.Write([]byte("quit\n"))
	require.NoError(t, err)

	out, err := io.ReadAll(nc)
	require.NoError(t, err)
	assert.Equal(t, "bye\n", string(out))
	closed := recv(t, ep.ClosedCh)
	assert.NoError(t, closed.Err)
	assert.ErrorIs(t, closed.Conn.Write([]byte("late")), api.ErrConnClosed)
}

func TestTeardownIsIdempotent(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	ep := fake.NewEndpoint(8)
	l := listen(t, r, ep, reactor.ListenConfig{})

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	c := recv(t, ep.Opened)

	boom := errors.New("boom")
	c.Abort(boom)
	c.Abort(errors.New("again"))
	c.Close()

	closed := recv(t, ep.ClosedCh)
	assert.ErrorIs(t, closed.Err, boom)
	var ce *api.ConnError
	require.ErrorAs(t, closed.Err, &ce)
	assert.Equal(t, c.ID(), ce.ConnID)
	<-c.Done()
	assert.ErrorIs(t, c.Err(), boom)

	select {
	case extra := <-ep.ClosedCh:
		t.Fatalf("second close notification: %v", extra.Err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDialAndAttachment(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ep := fake.NewEndpoint(8)
	c, err := r.Dial(ep, ln.Addr().(*net.TCPAddr), reactor.DialConfig{Attachment: "tag"})
	require.NoError(t, err)
	assert.Equal(t, "tag", c.Attachment())
	require.NoError(t, c.Write([]byte("queued before connect\n")))

	peer, err := ln.Accept()
	require.NoError(t, err)
	defer peer.Close()
	assert.Same(t, c, recv(t, ep.Opened))
	assert.True(t, c.IsClient())
	assert.Equal(t, peer.RemoteAddr().String(), c.LocalAddr().String())

	line, err := bufio.NewReader(peer).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "queued before connect\n", line)

	_, err = peer.Write([]byte("reply\n"))
	require.NoError(t, err)
	assert.Equal(t, "reply\n", recv(t, ep.Messages))
}

func TestDialRefused(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	ep := fake.NewEndpoint(8)
	c, err := r.Dial(ep, addr, reactor.DialConfig{})
	require.NoError(t, err)
	closed := recv(t, ep.ClosedCh)
	assert.Error(t, closed.Err)
	assert.Equal(t, []string{"close"}, ep.Events(c))
	<-c.Done()
}

func TestCloseWhileConnectingIsDeferred(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ep := fake.NewEndpoint(8)
	c, err := r.Dial(ep, ln.Addr().(*net.TCPAddr), reactor.DialConfig{})
	require.NoError(t, err)
	c.Write([]byte("last words\n"))
	c.Close()

	peer, err := ln.Accept()
	require.NoError(t, err)
	defer peer.Close()
	out, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, "last words\n", string(out))
	closed := recv(t, ep.ClosedCh)
	assert.NoError(t, closed.Err)
	assert.Equal(t, []string{"open", "close"}, ep.Events(c))
}

func TestHandshakeTimeout(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	ep := fake.NewEndpoint(8)
	tlsCfg := &reactor.TLSConfig{
		Timeout: 30 * time.Millisecond,
		Engine: func() handshake.Engine {
			return fake.NewEngine(fake.Step{Status: handshake.NeedUnwrap})
		},
	}
	l := listen(t, r, ep, reactor.ListenConfig{TLS: tlsCfg})

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	closed := recv(t, ep.ClosedCh)
	assert.ErrorIs(t, closed.Err, api.ErrHandshakeTimeout)
	assert.Equal(t, api.KindHandshakeTimeout, api.KindOf(closed.Err))
	assert.Equal(t, []string{"close"}, ep.Events(closed.Conn))
}

func TestScriptedHandshakeOpens(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	ep := echoEndpoint()
	eng := fake.NewEngine(
		fake.Step{Status: handshake.NeedUnwrap},
		fake.Step{Status: handshake.NeedWrap, Out: []byte("ok\n")},
	)
	tlsCfg := &reactor.TLSConfig{
		Timeout: wait,
		Engine:  func() handshake.Engine { return eng },
	}
	l := listen(t, r, ep, reactor.ListenConfig{TLS: tlsCfg})

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	_, err = nc.Write([]byte("hi"))
	require.NoError(t, err)

	rd := bufio.NewReader(nc)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ok\n", line)
	c := recv(t, ep.Opened)
	_, isTLS := c.ConnectionState()
	assert.True(t, isTLS)

	// the exhausted script passes data through unchanged
	_, err = nc.Write([]byte("echo\n"))
	require.NoError(t, err)
	line, err = rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo\n", line)
}

func TestTLSEcho(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	serverCfg, clientCfg, err := fake.TLSConfigs("rpc/1")
	require.NoError(t, err)
	ep := echoEndpoint()
	l := listen(t, r, ep, reactor.ListenConfig{TLS: &reactor.TLSConfig{Config: serverCfg, Timeout: wait}})

	nc, err := tls.Dial("tcp", l.Addr().String(), clientCfg)
	require.NoError(t, err)
	defer nc.Close()
	assert.Equal(t, "rpc/1", nc.ConnectionState().NegotiatedProtocol)

	_, err = nc.Write([]byte("secret\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(nc).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "secret\n", line)

	c := recv(t, ep.Opened)
	cs, ok := c.ConnectionState()
	require.True(t, ok)
	assert.Equal(t, "rpc/1", cs.NegotiatedProtocol)
}

func TestTLSDialBothSides(t *testing.T) {
	for _, offload := range []bool{false, true} {
		cfg := reactor.DefaultConfig()
		cfg.OffloadHandshakeTasks = offload
		r := fake.StartReactor(t, cfg)
		serverCfg, clientCfg, err := fake.TLSConfigs("rpc/1")
		require.NoError(t, err)

		srv := echoEndpoint()
		l := listen(t, r, srv, reactor.ListenConfig{TLS: &reactor.TLSConfig{Config: serverCfg, Timeout: wait}})
		cli := fake.NewEndpoint(8)
		c, err := r.Dial(cli, l.Addr().(*net.TCPAddr), reactor.DialConfig{TLS: &reactor.TLSConfig{
			Config:  clientCfg,
			Timeout: wait,
			Policy:  handshake.RequireALPN("rpc/1"),
		}})
		require.NoError(t, err)
		require.NoError(t, c.Write([]byte("round trip\n")))
		assert.Equal(t, "round trip\n", recv(t, cli.Messages), "offload=%v", offload)
		c.Close()
		assert.NoError(t, recv(t, cli.ClosedCh).Err)
	}
}

func TestAcceptFilter(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	ep := fake.NewEndpoint(8)
	l := listen(t, r, ep, reactor.ListenConfig{Filter: func(net.Addr) bool { return false }})

	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	nc.SetReadDeadline(time.Now().Add(wait))
	_, err = nc.Read(make([]byte, 1))
	assert.Error(t, err)
	select {
	case <-ep.Opened:
		t.Fatal("filtered connection reached the endpoint")
	default:
	}
}

func TestListenerClose(t *testing.T) {
	r := fake.StartReactor(t, reactor.DefaultConfig())
	l, err := r.Listen(fake.NewEndpoint(1), "127.0.0.1:0", reactor.ListenConfig{})
	require.NoError(t, err)
	l.Close()
	recv(t, l.Done())
	_, err = net.DialTimeout("tcp", l.Addr().String(), time.Second)
	assert.Error(t, err)
}

func TestShutdownClosesConnections(t *testing.T) {
	log := logrus.NewEntry(logrus.StandardLogger())
	exec := concurrency.NewExecutor(2, log)
	defer exec.Close()
	sched := concurrency.NewScheduler(log)
	defer sched.Close()
	reg := prometheus.NewRegistry()
	m := control.NewMetrics(reg)
	cfg := reactor.DefaultConfig()
	cfg.Metrics = m
	r, err := reactor.New(cfg, exec, sched)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	ep := fake.NewEndpoint(8)
	l, err := r.Listen(ep, "127.0.0.1:0", reactor.ListenConfig{})
	require.NoError(t, err)
	nc, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	c := recv(t, ep.Opened)

	cancel()
	require.NoError(t, <-errc)
	recv(t, r.Done())
	recv(t, l.Done())
	closed := recv(t, ep.ClosedCh)
	assert.Same(t, c, closed.Conn)
	assert.ErrorIs(t, closed.Err, api.ErrEngineClosed)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP hioload_rpc_connections_opened_total Connections that became usable
# TYPE hioload_rpc_connections_opened_total counter
hioload_rpc_connections_opened_total{role="server"} 1
`), "hioload_rpc_connections_opened_total"))

	_, err = r.Listen(ep, "127.0.0.1:0", reactor.ListenConfig{})
	assert.ErrorIs(t, err, api.ErrEngineClosed)
	assert.Error(t, r.Run(context.Background()), "Run twice")
}

func TestCloseBeforeRun(t *testing.T) {
	log := logrus.NewEntry(logrus.StandardLogger())
	exec := concurrency.NewExecutor(1, log)
	defer exec.Close()
	sched := concurrency.NewScheduler(log)
	defer sched.Close()
	r, err := reactor.New(reactor.DefaultConfig(), exec, sched)
	require.NoError(t, err)

	ep := fake.NewEndpoint(8)
	l, err := r.Listen(ep, "127.0.0.1:0", reactor.ListenConfig{})
	require.NoError(t, err)
	r.Close()
	recv(t, r.Done())
	recv(t, l.Done())
	assert.NoError(t, r.Run(context.Background()))
}

func TestNewRequiresExecutorAndScheduler(t *testing.T) {
	_, err := reactor.New(reactor.DefaultConfig(), nil, nil)
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}
