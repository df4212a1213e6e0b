// Package progress carries run progress out of the orchestrator. Events are
// queued on a Hub without blocking the caller, batched on a background
// goroutine and handed to sinks such as Prometheus collectors or a logger.
package progress
