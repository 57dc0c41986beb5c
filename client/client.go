// File: client/client.go
// Package client issues HTTP/1.1 RPC requests over pooled reactor
// connections.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Client is bound to one destination and leases a connection from the
// shared pool for every request. One request is outstanding per connection;
// the connection goes back to the pool once the response has been read.

package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/handshake"
	"github.com/momentics/hioload-rpc/pool"
	"github.com/momentics/hioload-rpc/protocol"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"
)

var ErrClientClosed = errors.New("client closed")

// request states
const (
	requestPending int32 = iota
	requestSettled
	requestTimedOut
)

// StatusError is returned by Call for non-2xx responses.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc: server answered %d %s", e.Code, http.StatusText(e.Code))
}

// Config holds all configurable parameters of a Client.
type Config struct {
	Address          string        // host:port of the server
	TLS              *tls.Config   // nil speaks plaintext
	Policy           handshake.Policy
	HandshakeTimeout time.Duration // TLS handshake deadline
	ConnectTimeout   time.Duration // connect plus handshake, per attempt sequence
	RequestTimeout   time.Duration // request to response, 0 = none
	DialAttempts     int           // connection attempts per Open
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	Limits           protocol.Limits
	ContentType      string // used by Call
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 10 * time.Second,
		ConnectTimeout:   30 * time.Second,
		DialAttempts:     3,
		BackoffMin:       50 * time.Millisecond,
		BackoffMax:       time.Second,
		Limits:           protocol.DefaultLimits(),
		ContentType:      "application/json",
	}
}

// Client sends requests to one destination.
type Client struct {
	cfg   *Config
	r     *reactor.Reactor
	pool  *pool.Pool
	key   pool.Key
	tls   *reactor.TLSConfig
	sched api.Scheduler
	log   *logrus.Entry

	closed atomic.Bool
}

var (
	_ pool.Owner      = (*Client)(nil)
	_ reactor.Endpoint = (*Client)(nil)
)

// New builds a Client. A nil cfg uses DefaultConfig; Address must be set
// through cfg or WithAddress.
func New(r *reactor.Reactor, p *pool.Pool, cfg *Config, opts ...Option) (*Client, error) {
	if r == nil || p == nil {
		return nil, fmt.Errorf("%w: client needs a reactor and a pool", api.ErrInvalidArgument)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		cp := *cfg
		cfg = &cp
	}
	cl := &Client{
		cfg:   cfg,
		r:     r,
		pool:  p,
		sched: r.Scheduler(),
	}
	for _, o := range opts {
		o(cl)
	}
	if cl.cfg.Limits.MaxHeaderBytes <= 0 || cl.cfg.Limits.MaxBodyBytes <= 0 {
		cl.cfg.Limits = protocol.DefaultLimits()
	}
	host, portStr, err := net.SplitHostPort(cl.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: address %q: %v", api.ErrInvalidArgument, cl.cfg.Address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %q", api.ErrInvalidArgument, portStr)
	}
	cl.key = pool.Key{Scheme: "http", Host: host, Port: port}
	if cl.cfg.TLS != nil {
		tc := cl.cfg.TLS.Clone()
		if tc.ServerName == "" && net.ParseIP(host) == nil {
			tc.ServerName = host
		}
		cl.key.Scheme = "https"
		cl.tls = &reactor.TLSConfig{Config: tc, Policy: cl.cfg.Policy, Timeout: cl.cfg.HandshakeTimeout}
	}
	cl.log = r.Logger().WithFields(logrus.Fields{"component": "client", "dest": cl.key.String()})
	return cl, nil
}

// Destination implements pool.Owner.
func (cl *Client) Destination() pool.Key { return cl.key }

// Do sends req and returns the buffered response. The request body is read
// fully before sending. A connection failing before any response byte
// arrived on a reused connection is retried once on a fresh one.
func (cl *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Host == "" && req.URL.Host == "" {
		req.Host = net.JoinHostPort(cl.key.Host, strconv.Itoa(cl.key.Port))
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	protocol.AppendRequest(buf, req, body)

	for attempt := 0; ; attempt++ {
		resp, retry, err := cl.roundTrip(ctx, req, buf.B)
		if err == nil || !retry || attempt > 0 {
			return resp, err
		}
		cl.log.WithError(err).Debug("stale pooled connection, retrying")
	}
}

func (cl *Client) roundTrip(ctx context.Context, req *http.Request, wire []byte) (*http.Response, bool, error) {
	pc, err := cl.pool.Acquire(ctx, cl)
	if err != nil {
		return nil, false, err
	}
	cc := pc.(*clientConn)
	reused := cc.uses.Add(1) > 1
	results := cc.expect(req.Method)

	if err := cc.c.Write(wire); err != nil {
		cl.pool.Remove(cl, cc)
		return nil, reused, err
	}

	// the timer and the response race for the request; the loser backs off
	var state atomic.Int32
	var timer api.Timer
	if d := cl.cfg.RequestTimeout; d > 0 {
		timer = cl.sched.AfterFunc(d, func() {
			if state.CompareAndSwap(requestPending, requestTimedOut) {
				cc.c.Abort(api.ErrRequestTimeout)
			}
		})
	}
	settle := func() bool {
		if timer != nil {
			timer.Stop()
		}
		return state.CompareAndSwap(requestPending, requestSettled)
	}

	select {
	case msg := <-results:
		if !settle() {
			msg.Release()
			return cl.timedOut(cc, results)
		}
		return cl.finish(cc, req, msg)
	case <-cc.c.Done():
		if !settle() {
			return cl.timedOut(cc, results)
		}
		select {
		case msg := <-results:
			return cl.finish(cc, req, msg)
		default:
		}
		cl.pool.Remove(cl, cc)
		err := cc.c.Err()
		if err == nil {
			err = api.ErrConnClosed
		}
		return nil, reused && !cc.answered() && api.IsRemoteClosed(err), err
	case <-ctx.Done():
		if !settle() {
			return cl.timedOut(cc, results)
		}
		cc.c.Abort(ctx.Err())
		cl.pool.Remove(cl, cc)
		return nil, false, ctx.Err()
	}
}

// timedOut reports a request whose timer won the race. The timer already
// aborted the connection.
func (cl *Client) timedOut(cc *clientConn, results <-chan *protocol.Message) (*http.Response, bool, error) {
	cl.pool.Remove(cl, cc)
	<-cc.c.Done()
	select {
	case msg := <-results:
		msg.Release()
	default:
	}
	err := cc.c.Err()
	if err == nil {
		err = api.ErrRequestTimeout
	}
	return nil, false, err
}

func (cl *Client) finish(cc *clientConn, req *http.Request, msg *protocol.Message) (*http.Response, bool, error) {
	keep := msg.KeepAlive()
	resp, err := protocol.ParseResponse(msg, req)
	msg.Release()
	if err != nil || !keep || resp.Close {
		cc.c.Close()
		cl.pool.Remove(cl, cc)
		return resp, false, err
	}
	cl.pool.Release(cl, cc)
	return resp, false, nil
}

// Call POSTs body to path and returns the response body. Non-2xx answers
// are reported as *StatusError.
func (cl *Client) Call(ctx context.Context, path string, body []byte) ([]byte, error) {
	u := &url.URL{Scheme: cl.key.Scheme, Host: net.JoinHostPort(cl.key.Host, strconv.Itoa(cl.key.Port)), Path: path}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if cl.cfg.ContentType != "" {
		req.Header.Set("Content-Type", cl.cfg.ContentType)
	}
	resp, err := cl.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Code: resp.StatusCode, Body: out}
	}
	return out, nil
}

// Close detaches the client from the pool. Connections only it used are
// closed; shared idle connections stay for other clients of the destination.
func (cl *Client) Close() error {
	if !cl.closed.CompareAndSwap(false, true) {
		return nil
	}
	cl.pool.Detach(cl)
	return nil
}
