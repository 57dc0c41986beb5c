// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"context"
	"testing"

	"github.com/momentics/hioload-rpc/api"
	"github.com/momentics/hioload-rpc/internal/concurrency"
	"github.com/momentics/hioload-rpc/reactor"
	"github.com/sirupsen/logrus"
)

// Reactor is a running reactor with its executor and scheduler.
type Reactor struct {
	*reactor.Reactor
	Exec  *concurrency.Executor
	Sched *concurrency.Scheduler
}

// StartReactor runs a reactor for the duration of the test. Cleanup stops
// it and waits for every goroutine it started. Cleanups registered later run
// first, so servers and clients created afterwards are closed before it.
func StartReactor(t testing.TB, cfg reactor.Config) *Reactor {
	t.Helper()
	sched := concurrency.NewScheduler(logrus.NewEntry(logrus.StandardLogger()))
	t.Cleanup(sched.Close)
	r := startReactor(t, cfg, sched)
	r.Sched = sched
	return r
}

// StartReactorWithScheduler is StartReactor driven by a caller supplied
// scheduler, typically a *ManualScheduler.
func StartReactorWithScheduler(t testing.TB, cfg reactor.Config, sched api.Scheduler) *Reactor {
	t.Helper()
	return startReactor(t, cfg, sched)
}

func startReactor(t testing.TB, cfg reactor.Config, sched api.Scheduler) *Reactor {
	log := logrus.NewEntry(logrus.StandardLogger())
	if cfg.Log == nil {
		cfg.Log = log
	}
	exec := concurrency.NewExecutor(4, log)
	r, err := reactor.New(cfg, exec, sched)
	if err != nil {
		exec.Close()
		t.Fatalf("reactor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("reactor run: %v", err)
		}
		exec.Close()
	})
	return &Reactor{Reactor: r, Exec: exec}
}
