// File: client/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/pool"
	"github.com/momentics/hioload-rpc/reactor"
)

// Open implements pool.Owner. It dials, handshakes when TLS is configured and
// retries failed attempts with jittered backoff.
func (cl *Client) Open(ctx context.Context) (pool.Conn, error) {
	if cl.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.cfg.ConnectTimeout)
		defer cancel()
	}
	b := &backoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    cl.cfg.BackoffMin,
		Max:    cl.cfg.BackoffMax,
	}
	attempts := max(1, cl.cfg.DialAttempts)
	for i := 0; ; i++ {
		cc, err := cl.dial(ctx)
		if err == nil {
			return cc, nil
		}
		if i+1 >= attempts || !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		d := b.Duration()
		cl.log.WithError(err).Debugf("dial failed, retrying in %s", d)
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

func (cl *Client) dial(ctx context.Context) (*clientConn, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, cl.key.Host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no address for %s", cl.key.Host)
	}
	addr := &net.TCPAddr{IP: ips[0].IP, Port: cl.key.Port, Zone: ips[0].Zone}

	cc := newClientConn()
	c, err := cl.r.Dial(cl, addr, reactor.DialConfig{TLS: cl.tls, Attachment: cc})
	if err != nil {
		return nil, err
	}
	cc.c = c

	select {
	case <-cc.ready:
		return cc, nil
	case <-c.Done():
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, api.ErrConnClosed
	case <-ctx.Done():
		c.Abort(ctx.Err())
		return nil, ctx.Err()
	}
}

// retryable reports whether another connection attempt may succeed.
func retryable(err error) bool {
	switch api.KindOf(err) {
	case api.KindHandshakeFailure, api.KindPoolTimeout:
		return false
	}
	return true
}
