package mask

import "time"

// Protocol selects which Marker(s) to run.
type Protocol string

const (
	ProtocolTLS  Protocol = "tls"
	ProtocolHTTP Protocol = "http"
	ProtocolAuto Protocol = "auto"
)

// TLSAction is the per-content-type preservation policy.
type TLSAction string

const (
	KeepAll        TLSAction = "keep_all"
	HeaderOnlyOnly TLSAction = "header_only"
)

// TLS record content types.
const (
	TLSChangeCipherSpec = 20
	TLSAlert            = 21
	TLSHandshake        = 22
	TLSApplicationData  = 23
	TLSHeartbeat        = 24
)

// TLSRecordHeaderLen is the type/version/length prefix of every TLS record.
const TLSRecordHeaderLen = 5

// Config carries every knob of the pipeline.  Zero value is not usable;
// construct with DefaultConfig and override.
type Config struct {
	// Protocol selects the marker: tls, http, or auto (both).
	Protocol Protocol

	// TLSPreserve maps a TLS content type to its action.  Content types not
	// present fall back to keep_all as a safety default.
	TLSPreserve map[uint8]TLSAction

	// HTTPPorts is the port set used by the HTTP candidate heuristic.
	HTTPPorts map[uint16]bool
	// HTTPSensitiveHeaders holds lower-cased header names whose values are
	// suppressed from keep ranges.
	HTTPSensitiveHeaders map[string]bool
	// HTTPMaxScanBytes caps per-message header accumulation.
	HTTPMaxScanBytes int

	// MaskByte replaces every payload byte outside all keep ranges.
	MaskByte byte
	// VerifyChecksums enables a post-run re-decode of every output frame
	// down to its innermost TCP layer.  Checksum values are not verified;
	// rewritten frames always get recomputed checksums, whatever this is set to.
	VerifyChecksums bool
	// ChunkSize is the buffered-output flush interval in packets.
	ChunkSize int
	// MemoryLimitBytes is the ceiling enforced by the memory monitor.
	MemoryLimitBytes uint64
	// PressureThreshold is the fraction of MemoryLimitBytes above which
	// buffers are flushed.
	PressureThreshold float64

	// MaxNestingDepth bounds tunnel encapsulation traversal.
	MaxNestingDepth int

	// DissectorPath locates the external dissector executable.  Empty means
	// look up "tshark" on PATH.
	DissectorPath string
	// DissectorTimeout bounds the dissector subprocess wall clock.
	DissectorTimeout time.Duration

	// RetryAttempts bounds retries of recoverable operations.
	RetryAttempts uint
	// RetryBaseDelay is the exponential backoff base.
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Protocol: ProtocolAuto,
		TLSPreserve: map[uint8]TLSAction{
			TLSChangeCipherSpec: KeepAll,
			TLSAlert:            KeepAll,
			TLSHandshake:        KeepAll,
			TLSApplicationData:  HeaderOnlyOnly,
			TLSHeartbeat:        KeepAll,
		},
		HTTPPorts: map[uint16]bool{80: true, 8080: true, 8000: true, 8888: true},
		HTTPSensitiveHeaders: map[string]bool{
			"cookie":        true,
			"authorization": true,
			"referer":       true,
		},
		HTTPMaxScanBytes:  16 * 1024,
		MaskByte:          0x00,
		VerifyChecksums:   true,
		ChunkSize:         1000,
		MemoryLimitBytes:  2 << 30,
		PressureThreshold: 0.8,
		MaxNestingDepth:   10,
		DissectorTimeout:  300 * time.Second,
		RetryAttempts:     3,
		RetryBaseDelay:    time.Second,
	}
}

// TLSActionFor returns the action for a content type, defaulting unknown
// types to keep_all.
func (c *Config) TLSActionFor(contentType uint8) TLSAction {
	if a, ok := c.TLSPreserve[contentType]; ok {
		return a
	}
	return KeepAll
}
