//go:build linux
// +build linux

// File: reactor/poller_linux.go
// Author: momentics <momentics@gmail.com>
//
// Level-triggered epoll(7) poller with an eventfd used to interrupt Wait.

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type poller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
	ready  []readyEvent
	wbuf   [8]byte

	mu     sync.Mutex // orders wake against close
	closed bool
}

func newPoller(maxEvents int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &poller{
		epfd:   epfd,
		wakefd: wakefd,
		raw:    make([]unix.EpollEvent, maxEvents),
		ready:  make([]readyEvent, 0, maxEvents),
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wakefd, opRead); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	binary.LittleEndian.PutUint64(p.wbuf[:], 1)
	return p, nil
}

func toEpoll(ops interest) uint32 {
	var ev uint32
	if ops&opRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ops&opWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *poller) ctl(op, fd int, ops interest) error {
	ev := unix.EpollEvent{Events: toEpoll(ops), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) add(fd int, ops interest) error { return p.ctl(unix.EPOLL_CTL_ADD, fd, ops) }

func (p *poller) mod(fd int, ops interest) error { return p.ctl(unix.EPOLL_CTL_MOD, fd, ops) }

func (p *poller) del(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll del fd %d: %w", fd, err)
	}
	return nil
}

// wait blocks until at least one descriptor is ready or wake is called.
// The returned slice is reused by the next call.
func (p *poller) wait(msec int) ([]readyEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.raw, msec)
	if err == unix.EINTR {
		return p.ready[:0], nil
	}
	if err != nil {
		return nil, fmt.Errorf("epoll wait: %w", err)
	}
	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		e := p.raw[i]
		fd := int(e.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		p.ready = append(p.ready, readyEvent{
			fd:    fd,
			read:  e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0,
			write: e.Events&unix.EPOLLOUT != 0,
			err:   e.Events&unix.EPOLLERR != 0,
		})
	}
	return p.ready, nil
}

func (p *poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// wake interrupts a blocked wait. Safe from any goroutine.
func (p *poller) wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	_, err := unix.Write(p.wakefd, p.wbuf[:])
	if err == unix.EAGAIN {
		// counter saturated; a wakeup is already pending
		return nil
	}
	return err
}

func (p *poller) close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
