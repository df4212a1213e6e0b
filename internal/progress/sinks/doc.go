// Package sinks implements progress consumers: Prometheus run metrics and
// structured logging.
package sinks
