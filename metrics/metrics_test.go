package metrics_test

import (
	"testing"

	"github.com/m-lab/go/prometheusx/promtest"

	"github.com/pktmask/pktmask/metrics"
)

func TestLintMetrics(t *testing.T) {
	// Touch every vector so the linter sees concrete children.
	metrics.FileCount.WithLabelValues("ok").Inc()
	metrics.PacketCount.WithLabelValues("pcap").Observe(1)
	metrics.MaskedBytes.Add(1)
	metrics.PreservedBytes.Add(1)
	metrics.RuleCount.WithLabelValues("tls").Observe(1)
	metrics.WarningCount.WithLabelValues("masker", "passthrough").Inc()
	metrics.ErrorCount.WithLabelValues("input").Inc()
	metrics.DurationHistogram.WithLabelValues("mask").Observe(0.1)
	metrics.DissectorFailures.WithLabelValues("timeout").Inc()

	promtest.LintMetrics(t)
}
