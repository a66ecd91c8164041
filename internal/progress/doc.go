// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that export pipelines use to report job milestones and per-item
// results. It batches events on a background goroutine and fans them out to
// pluggable sinks such as Prometheus metrics or the run history store.
package progress
