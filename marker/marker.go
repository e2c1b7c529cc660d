// Package marker implements the analyzer side of the pipeline: protocol-aware
// Markers that consume a capture and emit the keep-rule set the Masker
// applies.  Markers are composed by explicit registration, never reflection.
package marker

import (
	"context"
	"fmt"

	"github.com/pktmask/pktmask/dissector"
	"github.com/pktmask/pktmask/mask"
	"github.com/pktmask/pktmask/metrics"
)

// New returns the Marker selected by cfg.Protocol.  The dissector is injected
// so tests can substitute a fake.
func New(cfg *mask.Config, d dissector.Dissector) (mask.Marker, error) {
	switch cfg.Protocol {
	case mask.ProtocolTLS:
		return NewTLS(d), nil
	case mask.ProtocolHTTP:
		return NewHTTP(), nil
	case mask.ProtocolAuto:
		return NewAuto(NewTLS(d), NewHTTP()), nil
	default:
		return nil, fmt.Errorf("unknown protocol selector %q", cfg.Protocol)
	}
}

// Auto runs its component markers in order on the same input and
// concatenates their rule sets.  Overlap between outputs is resolved by the
// Masker's byte-level policy.
type Auto struct {
	markers []mask.Marker
}

// NewAuto composes markers; order is preserved.
func NewAuto(markers ...mask.Marker) *Auto {
	return &Auto{markers: markers}
}

func (a *Auto) Name() string { return "auto" }

// Analyze runs every component.  The combined set is failed only when every
// component failed.
func (a *Auto) Analyze(ctx context.Context, pcapPath string, cfg *mask.Config) *mask.KeepRuleSet {
	ks := mask.NewKeepRuleSet(a.Name(), pcapPath)
	failed := 0
	for _, m := range a.markers {
		sub := m.Analyze(ctx, pcapPath, cfg)
		if sub.Metadata.AnalysisFailed {
			failed++
			if sub.Metadata.Error != "" {
				ks.Metadata.Error = sub.Metadata.Error
			}
			continue
		}
		ks.Concat(sub)
	}
	if len(a.markers) > 0 && failed == len(a.markers) {
		ks.Metadata.AnalysisFailed = true
	}
	metrics.RuleCount.WithLabelValues(a.Name()).Observe(float64(len(ks.Rules)))
	return ks
}
