// Package metrics exposes receiver and engine activity as Prometheus metrics.
//
// Counters are driven by engine hooks (see Attach); connection state and
// pending query depth are read at scrape time through Source.
package metrics
