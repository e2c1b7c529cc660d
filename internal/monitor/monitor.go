// Package monitor tracks process memory against a configured ceiling and
// reports pressure, so the masker can flush buffers before hitting the limit.
package monitor

import (
	"runtime"
	"runtime/debug"
)

// Monitor compares live heap usage to a ceiling.  A zero Limit disables it.
type Monitor struct {
	Limit     uint64
	Threshold float64 // pressure fraction above which buffers should flush

	peak uint64
}

// New returns a monitor for the given ceiling and pressure threshold.
func New(limit uint64, threshold float64) *Monitor {
	return &Monitor{Limit: limit, Threshold: threshold}
}

func (m *Monitor) sample() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > m.peak {
		m.peak = ms.HeapAlloc
	}
	return ms.HeapAlloc
}

// Pressure returns the fraction of the ceiling currently in use.
func (m *Monitor) Pressure() float64 {
	if m.Limit == 0 {
		return 0
	}
	return float64(m.sample()) / float64(m.Limit)
}

// ShouldFlush reports whether usage is above the pressure threshold.
func (m *Monitor) ShouldFlush() bool {
	return m.Limit != 0 && m.Pressure() >= m.Threshold
}

// Exceeded reports whether usage is above the ceiling itself.  Sustained
// exceedance should abort processing rather than OOM.
func (m *Monitor) Exceeded() bool {
	return m.Limit != 0 && m.sample() > m.Limit
}

// Peak returns the highest heap usage observed by this monitor.
func (m *Monitor) Peak() uint64 {
	m.sample()
	return m.peak
}

// ForceGC runs a collection pass; the masker calls it when usage is above the
// ceiling.
func ForceGC() {
	debug.FreeOSMemory()
}
