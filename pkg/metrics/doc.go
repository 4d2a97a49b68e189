// Package metrics defines the engine's Prometheus metrics and the HTTP
// handler that serves them.
package metrics
