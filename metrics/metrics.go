// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or go out of the system: files, packets, rules.
//   - the success or error status of any of the above.
//   - the distribution of processing latency.
package metrics

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FileCount counts the capture files processed, labeled by final status.
	//
	// Provides metrics:
	//   pktmask_files_total{status}
	// Example usage:
	//   metrics.FileCount.WithLabelValues("ok").Inc()
	FileCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktmask_files_total",
			Help: "Number of capture files processed.",
		},
		[]string{"status"},
	)

	// PacketCount measures the distribution of per-file packet counts,
	// labeled by capture format.
	//
	// Provides metrics:
	//   pktmask_packet_count
	// Example usage:
	//   metrics.PacketCount.WithLabelValues("pcap").Observe(float64(n))
	PacketCount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pktmask_packet_count",
			Help: "Distribution of per-file packet counts.",
			Buckets: []float64{
				1, 2, 3, 5,
				10, 18, 32, 56,
				100, 178, 316, 562,
				1000, 1780, 3160, 5620,
				10000, 17800, 31600, 56200, math.Inf(1),
			},
		},
		[]string{"format"},
	)

	// MaskedBytes counts the TCP payload bytes overwritten with the mask
	// byte, and PreservedBytes the bytes copied through unchanged.
	//
	// Provides metrics:
	//   pktmask_masked_bytes_total
	//   pktmask_preserved_bytes_total
	// Example usage:
	//   metrics.MaskedBytes.Add(float64(n))
	MaskedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pktmask_masked_bytes_total",
			Help: "TCP payload bytes replaced by the mask byte.",
		},
	)
	PreservedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pktmask_preserved_bytes_total",
			Help: "TCP payload bytes preserved by keep rules.",
		},
	)

	// RuleCount measures the distribution of keep rules per analysis,
	// labeled by analyzer.
	//
	// Provides metrics:
	//   pktmask_rule_count{analyzer}
	// Example usage:
	//   metrics.RuleCount.WithLabelValues("tls").Observe(float64(n))
	RuleCount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pktmask_rule_count",
			Help: "Distribution of keep rules emitted per analysis.",
			Buckets: []float64{
				1, 3, 10, 32,
				100, 316, 1000, 3160,
				10000, 31600, 100000, math.Inf(1),
			},
		},
		[]string{"analyzer"},
	)

	// WarningCount counts non-fatal anomalies, labeled by component and kind.
	//
	// Provides metrics:
	//   pktmask_warnings_total{component, kind}
	// Example usage:
	//   metrics.WarningCount.WithLabelValues("masker", "passthrough").Inc()
	WarningCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktmask_warnings_total",
			Help: "Number of non-fatal anomalies.",
		},
		[]string{"component", "kind"},
	)

	// ErrorCount counts fatal errors, labeled by category.
	//
	// Provides metrics:
	//   pktmask_errors_total{category}
	// Example usage:
	//   metrics.ErrorCount.WithLabelValues("output").Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktmask_errors_total",
			Help: "Number of fatal processing errors.",
		},
		[]string{"category"},
	)

	// DurationHistogram measures per-file wall time, labeled by stage.
	//
	// Provides metrics:
	//   pktmask_duration_seconds{stage}
	// Example usage:
	//   metrics.DurationHistogram.WithLabelValues("mask").Observe(elapsed.Seconds())
	DurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pktmask_duration_seconds",
			Help: "Per-file processing time distribution.",
			Buckets: []float64{
				.1, .2, .3, .5,
				1, 1.8, 3.2, 5.6,
				10, 18, 32, 56,
				100, 178, 316, 562, math.Inf(1),
			},
		},
		[]string{"stage"},
	)

	// DissectorFailures counts dissector subprocess timeouts and failures.
	//
	// Provides metrics:
	//   pktmask_dissector_failures_total{kind}
	// Example usage:
	//   metrics.DissectorFailures.WithLabelValues("timeout").Inc()
	DissectorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pktmask_dissector_failures_total",
			Help: "Number of dissector invocation failures.",
		},
		[]string{"kind"},
	)
)
