// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Named state probes for runtime inspection.

package control

import (
	"runtime"
	"sort"
	"sync"
)

// Probes holds named functions returning a point-in-time view of a component.
type Probes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewProbes creates a registry with the process level probes installed.
func NewProbes() *Probes {
	p := &Probes{probes: make(map[string]func() any)}
	p.Register("runtime.goroutines", func() any { return runtime.NumGoroutine() })
	p.Register("runtime.cpus", func() any { return runtime.NumCPU() })
	return p
}

// Register installs or replaces a probe.
func (p *Probes) Register(name string, fn func() any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes[name] = fn
}

// Names lists registered probes in sorted order.
func (p *Probes) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.probes))
	for k := range p.probes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Dump evaluates every probe.
func (p *Probes) Dump() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]any, len(p.probes))
	for k, fn := range p.probes {
		out[k] = fn()
	}
	return out
}
