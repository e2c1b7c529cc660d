package monitor_test

import (
	"testing"

	"github.com/pktmask/pktmask/internal/monitor"
)

func TestDisabledMonitor(t *testing.T) {
	m := monitor.New(0, 0.8)
	if m.Pressure() != 0 || m.ShouldFlush() || m.Exceeded() {
		t.Error("zero-limit monitor must report no pressure")
	}
}

func TestPressureAndPeak(t *testing.T) {
	// A tiny ceiling: any live heap is above threshold.
	m := monitor.New(1, 0.5)
	if !m.ShouldFlush() {
		t.Error("1-byte ceiling should always flush")
	}
	if !m.Exceeded() {
		t.Error("1-byte ceiling should always be exceeded")
	}
	if m.Peak() == 0 {
		t.Error("peak never sampled")
	}

	// A huge ceiling is never under pressure.
	big := monitor.New(1<<62, 0.8)
	if big.ShouldFlush() || big.Exceeded() {
		t.Error("enormous ceiling reports pressure")
	}
	if big.Peak() == 0 {
		t.Error("peak not tracked")
	}
}
