//go:build !linux
// +build !linux

// File: reactor/platform_stub.go
// Author: momentics <momentics@gmail.com>
//
// Placeholder for platforms without an epoll backend. New fails with
// api.ErrNotSupported, so nothing below is reached at runtime.

package reactor

import (
	"net"

	"github.com/momentics/hioload-rpc/api"
)

type poller struct{}

func newPoller(int) (*poller, error) { return nil, api.ErrNotSupported }

func (p *poller) add(int, interest) error              { return api.ErrNotSupported }
func (p *poller) mod(int, interest) error              { return api.ErrNotSupported }
func (p *poller) del(int) error                        { return api.ErrNotSupported }
func (p *poller) wait(int) ([]readyEvent, error)       { return nil, api.ErrNotSupported }
func (p *poller) wake() error                          { return api.ErrNotSupported }
func (p *poller) close() error                         { return nil }
func dialSocket(*net.TCPAddr) (int, bool, error)       { return -1, false, api.ErrNotSupported }
func connectResult(int) error                          { return api.ErrNotSupported }
func listenSocket(*net.TCPAddr, int) (int, *net.TCPAddr, error) {
	return -1, nil, api.ErrNotSupported
}
func acceptSocket(int) (int, *net.TCPAddr, error) { return -1, nil, api.ErrNotSupported }
func localAddr(int) *net.TCPAddr                  { return nil }
func readSocket(int, []byte) (int, error)         { return 0, api.ErrNotSupported }
func writeSocket(int, []byte) (int, error)        { return 0, api.ErrNotSupported }
func closeSocket(int) error                       { return nil }
