// Package fetch retrieves a job's starred items from the remote service.
//
// Engine fans item ids out to a bounded worker pool. Every remote call first
// takes a token from the shared limiter, attachments are downloaded only when
// the dedup cache lacks them, and an item that cannot be retrieved becomes a
// placeholder instead of failing the job. Enumerate walks the starred list
// that feeds the engine.
package fetch
