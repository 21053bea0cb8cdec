// Package metrics exports tail controller activity as Prometheus metrics.
package metrics
