package marker

import (
	"context"
	"log"

	"github.com/pktmask/pktmask/dissector"
	"github.com/pktmask/pktmask/mask"
	"github.com/pktmask/pktmask/metrics"
)

// TLS preserves TLS record headers and entire non-application-data records.
// TCP reassembly and record framing are delegated to the external dissector;
// this marker only turns record descriptors into keep rules, expressed in the
// same absolute-sequence coordinates the Masker applies per packet.  No
// reassembly happens downstream.
type TLS struct {
	d dissector.Dissector
}

// NewTLS returns a TLS marker backed by the given dissector.
func NewTLS(d dissector.Dissector) *TLS {
	return &TLS{d: d}
}

func (m *TLS) Name() string { return "tls" }

// ruleTypeFor names the rule after the record's content type.
func ruleTypeFor(contentType uint8) string {
	switch contentType {
	case mask.TLSChangeCipherSpec:
		return "tls_change_cipher_spec"
	case mask.TLSAlert:
		return "tls_alert"
	case mask.TLSHandshake:
		return "tls_handshake"
	case mask.TLSApplicationData:
		return "tls_application_data"
	case mask.TLSHeartbeat:
		return "tls_heartbeat"
	default:
		return "tls_unknown"
	}
}

// Analyze emits, for every record [R0, R0+5+L):
//   - the header range [R0, R0+5) with strategy header_only, always;
//   - the body range [R0+5, R0+5+L) with strategy full_preserve, when the
//     content-type policy says keep-all (unknown types fall back to keep-all).
//
// Application-data bodies are omitted and so masked by default.  Dissector
// absence or failure yields an empty, failed set; the Masker then masks all
// TCP payload (fail-closed).
func (m *TLS) Analyze(ctx context.Context, pcapPath string, cfg *mask.Config) *mask.KeepRuleSet {
	ks := mask.NewKeepRuleSet(m.Name(), pcapPath)

	if !m.d.Available() {
		log.Printf("dissector unavailable; masking all payload of %s", pcapPath)
		metrics.DissectorFailures.WithLabelValues("unavailable").Inc()
		return ks.Fail(dissector.ErrDissectorUnavailable)
	}
	records, err := m.d.Records(ctx, pcapPath)
	if err != nil {
		log.Printf("dissector failed on %s: %v", pcapPath, err)
		metrics.DissectorFailures.WithLabelValues("failed").Inc()
		return ks.Fail(err)
	}

	for _, r := range records {
		headerEnd := r.Seq + mask.TLSRecordHeaderLen
		if err := ks.Add(mask.KeepRule{
			StreamID:  r.Stream,
			TupleKey:  r.TupleKey,
			Direction: r.Direction,
			SeqStart:  r.Seq,
			SeqEnd:    headerEnd,
			RuleType:  "tls_header",
			Strategy:  mask.HeaderOnly,
		}); err != nil {
			ks.Metadata.Stats["bad_rules"]++
			continue
		}
		if cfg.TLSActionFor(r.ContentType) != mask.KeepAll || r.Length == 0 {
			continue
		}
		if err := ks.Add(mask.KeepRule{
			StreamID:  r.Stream,
			TupleKey:  r.TupleKey,
			Direction: r.Direction,
			SeqStart:  headerEnd,
			SeqEnd:    headerEnd + uint32(r.Length),
			RuleType:  ruleTypeFor(r.ContentType),
			Strategy:  mask.FullPreserve,
		}); err != nil {
			ks.Metadata.Stats["bad_rules"]++
		}
	}

	ks.Metadata.Stats["tls_records"] = len(records)
	ks.Metadata.Stats["rules"] = len(ks.Rules)
	metrics.RuleCount.WithLabelValues(m.Name()).Observe(float64(len(ks.Rules)))
	return ks
}
