// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Runtime-tunable settings with snapshot reads and reload listeners.

package control

import (
	"sync"
	"time"
)

// Keys understood by the engine.
const (
	KeyWorkers         = "executor.workers"
	KeyPoolWaitTimeout = "pool.wait_timeout"
	KeyIdleTimeout     = "server.idle_timeout"
)

// ConfigStore is a key/value map with snapshot reads and reload listeners.
// Listeners run synchronously, in registration order, after every update.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func(snapshot map[string]any)
}

// NewConfigStore initializes a store seeded with initial.
func NewConfigStore(initial map[string]any) *ConfigStore {
	cs := &ConfigStore{config: make(map[string]any, len(initial))}
	for k, v := range initial {
		cs.config[k] = v
	}
	return cs
}

// Snapshot returns a copy of all values.
func (cs *ConfigStore) Snapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.snapshotLocked()
}

func (cs *ConfigStore) snapshotLocked() map[string]any {
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// Update merges values and notifies listeners with the resulting snapshot.
func (cs *ConfigStore) Update(values map[string]any) {
	cs.mu.Lock()
	for k, v := range values {
		cs.config[k] = v
	}
	snap := cs.snapshotLocked()
	listeners := append([]func(map[string]any){}, cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

// OnReload registers fn to be called after each Update.
func (cs *ConfigStore) OnReload(fn func(snapshot map[string]any)) {
	cs.mu.Lock()
	cs.listeners = append(cs.listeners, fn)
	cs.mu.Unlock()
}

// Int reads an integer value, falling back to def when absent or mistyped.
func (cs *ConfigStore) Int(key string, def int) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return IntValue(cs.config, key, def)
}

// Duration reads a duration value, falling back to def.
func (cs *ConfigStore) Duration(key string, def time.Duration) time.Duration {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return DurationValue(cs.config, key, def)
}

// IntValue extracts an int from a snapshot.
func IntValue(snap map[string]any, key string, def int) int {
	switch v := snap[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// DurationValue extracts a duration from a snapshot. Strings are parsed with
// time.ParseDuration.
func DurationValue(snap map[string]any, key string, def time.Duration) time.Duration {
	switch v := snap[key].(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
