// Package sinks implements concrete progress consumers: Prometheus
// collectors, the durable run history, and structured logging. Each sink
// satisfies progress.Sink.
package sinks
