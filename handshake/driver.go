// File: handshake/driver.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Driver advances an Engine one step at a time against a non-blocking
// transport. The caller loops while Step returns Continue and re-arms socket
// interest for WantRead/WantWrite; nothing here blocks or recurses.

package handshake

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/momentics/hioload-rpc/api"
)

// Action tells the caller what to do after a Step.
type Action int

const (
	// Continue means call Step again immediately.
	Continue Action = iota
	// WantRead means wait for the socket to become readable.
	WantRead
	// WantWrite means wait for the socket to become writable.
	WantWrite
	// RunTask means run PendingTask elsewhere and report through TaskDone.
	RunTask
	// Done means the handshake completed and the policy accepted it.
	Done
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case WantRead:
		return "want-read"
	case WantWrite:
		return "want-write"
	case RunTask:
		return "run-task"
	case Done:
		return "done"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Transport is the non-blocking socket side. Read and Write return (0, nil)
// when they would block; Read returns io.EOF when the peer closed.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Config tunes a Driver.
type Config struct {
	// Policy is consulted exactly once, when the engine reports Finished.
	Policy Policy
	// OffloadTasks returns RunTask instead of running delegated tasks inline.
	OffloadTasks bool
	// BufferSize is the ciphertext read chunk. Defaults to 16 KiB + overhead.
	BufferSize int
}

const defaultBufferSize = 16*1024 + 512

// Driver is owned by a single goroutine, except TaskDone which must be
// delivered back to that goroutine by the caller.
type Driver struct {
	engine   Engine
	tr       Transport
	cfg      Config
	scratch  []byte
	out      []byte
	task     func() error
	taskBusy bool
	taskErr  error
	deadline api.Timer
	started  time.Time
	done     bool
}

// NewDriver binds engine to tr.
func NewDriver(engine Engine, tr Transport, cfg Config) *Driver {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	return &Driver{
		engine:  engine,
		tr:      tr,
		cfg:     cfg,
		scratch: make([]byte, cfg.BufferSize),
		started: time.Now(),
	}
}

// Engine returns the bound engine, used for application data after Done.
func (d *Driver) Engine() Engine { return d.engine }

// Started is when the driver was created.
func (d *Driver) Started() time.Time { return d.started }

// SetDeadline attaches the handshake timeout timer; the driver stops it when
// the handshake concludes either way.
func (d *Driver) SetDeadline(t api.Timer) { d.deadline = t }

// Concluded reports whether Step already returned Done or an error.
func (d *Driver) Concluded() bool { return d.done }

// PendingTask returns the task announced by the last RunTask.
func (d *Driver) PendingTask() func() error { return d.task }

// TaskDone records the outcome of an offloaded task.
func (d *Driver) TaskDone(err error) {
	d.taskBusy = false
	d.task = nil
	d.taskErr = err
}

// Step performs one transition.
func (d *Driver) Step() (Action, error) {
	if d.done {
		return Done, nil
	}
	if d.taskErr != nil {
		return d.fail(d.taskErr)
	}
	if d.taskBusy {
		return RunTask, nil
	}
	if len(d.out) > 0 {
		return d.flush()
	}

	switch st := d.engine.Status(); st {
	case NeedTask:
		task := d.engine.Task()
		if task == nil {
			return Continue, nil
		}
		if d.cfg.OffloadTasks {
			d.task = task
			d.taskBusy = true
			return RunTask, nil
		}
		if err := task(); err != nil {
			return d.fail(err)
		}
		return Continue, nil

	case NeedUnwrap:
		n, err := d.tr.Read(d.scratch)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = api.ErrRemoteClosed
			}
			return d.fail(err)
		}
		if n == 0 {
			return WantRead, nil
		}
		if _, err := d.engine.Unwrap(d.scratch[:n]); err != nil {
			return d.fail(err)
		}
		return Continue, nil

	case NeedWrap:
		chunk, err := d.engine.Wrap(nil)
		if err != nil {
			return d.fail(err)
		}
		d.out = chunk
		return d.flush()

	case Finished, NotHandshaking:
		return d.finish()

	default:
		return d.fail(fmt.Errorf("unexpected engine status %v", st))
	}
}

// flush writes the pending chunk. A partial write leaves the remainder for
// the next writable event.
func (d *Driver) flush() (Action, error) {
	for len(d.out) > 0 {
		n, err := d.tr.Write(d.out)
		if err != nil {
			return d.fail(err)
		}
		if n == 0 {
			return WantWrite, nil
		}
		d.out = d.out[n:]
	}
	d.out = nil
	if d.engine.Status() == NeedUnwrap {
		return WantRead, nil
	}
	return Continue, nil
}

func (d *Driver) finish() (Action, error) {
	d.conclude()
	if d.cfg.Policy != nil {
		if err := d.cfg.Policy(d.engine.ConnectionState()); err != nil {
			return Done, fmt.Errorf("%w: rejected by policy: %v", api.ErrHandshakeFailed, err)
		}
	}
	return Done, nil
}

func (d *Driver) fail(err error) (Action, error) {
	d.conclude()
	if errors.Is(err, api.ErrHandshakeFailed) || errors.Is(err, api.ErrHandshakeTimeout) {
		return Done, err
	}
	return Done, fmt.Errorf("%w: %w", api.ErrHandshakeFailed, err)
}

func (d *Driver) conclude() {
	d.done = true
	d.out = nil
	if d.deadline != nil {
		d.deadline.Stop()
		d.deadline = nil
	}
}

// Abort stops the deadline and closes the engine. Used on teardown while the
// handshake is still running.
func (d *Driver) Abort() {
	d.conclude()
	d.engine.Close()
}
