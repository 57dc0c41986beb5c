// File: reactor/listener.go
// Author: momentics <momentics@gmail.com>
//
// Non-blocking accept loop driven by listener readiness.

package reactor

import (
	"net"

	"github.com/sirupsen/logrus"
)

// Listener accepts connections on behalf of an Endpoint.
type Listener struct {
	fd   int
	addr *net.TCPAddr
	r    *Reactor
	ep   Endpoint
	cfg  ListenConfig
	done chan struct{}

	closed bool // reactor goroutine only
}

// Addr is the bound address, with the port resolved when 0 was requested.
func (l *Listener) Addr() net.Addr { return l.addr }

// Close stops accepting. Existing connections are not affected.
func (l *Listener) Close() {
	l.r.Execute(func() { l.r.closeListener(l) })
}

// Done is closed once the listening socket is released.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (r *Reactor) closeListener(l *Listener) {
	if l.closed {
		return
	}
	l.closed = true
	if _, ok := r.listeners[l.fd]; ok {
		r.p.del(l.fd)
		delete(r.listeners, l.fd)
	}
	closeSocket(l.fd)
	close(l.done)
	r.log.WithField("addr", l.addr).Info("listener closed")
}

func (r *Reactor) accept(l *Listener) {
	for i := 0; i < r.cfg.AcceptBatch; i++ {
		fd, remote, err := acceptSocket(l.fd)
		if err == errWouldBlock {
			return
		}
		if err != nil {
			r.log.WithError(err).Warn("accept failed")
			return
		}
		if l.cfg.Filter != nil && !l.cfg.Filter(remote) {
			closeSocket(fd)
			r.metrics.ConnRejected()
			r.log.WithField("remote", remote).Debug("connection rejected by filter")
			continue
		}
		c := r.newConn(fd, l.ep, remote, false)
		c.tlsCfg = l.cfg.TLS
		if err := r.p.add(fd, opRead); err != nil {
			closeSocket(fd)
			r.log.WithError(err).Warn("registering accepted socket failed")
			continue
		}
		c.registered = true
		c.interest = opRead
		r.conns[fd] = c
		r.log.WithFields(logrus.Fields{"conn": c.id, "remote": remote}).Debug("accepted")
		if c.tlsCfg != nil {
			r.startHandshake(c)
		} else {
			r.opened(c)
		}
	}
}
