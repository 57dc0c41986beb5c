// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics, tunable configuration and debug introspection for the
// transport engine.
//
//   - Metrics wraps the Prometheus collectors; a nil *Metrics is a no-op.
//   - ConfigStore holds settings that may change while the engine runs.
//   - Probes exposes named state snapshots (pool, executor, runtime).
package control
