// Package mask provides the major interfaces and shared types used across
// packages: keep rules, rule sets, masking statistics, and configuration.
package mask

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Direction labels one side of a TCP flow relative to the canonical tuple
// ordering: forward if the packet source is the lexicographically smaller
// endpoint, reverse otherwise.
type Direction string

const (
	DirForward Direction = "forward"
	DirReverse Direction = "reverse"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirForward {
		return DirReverse
	}
	return DirForward
}

// PreserveStrategy describes whether a rule keeps a protocol framing prefix
// only, or an entire semantic unit.  header_only ranges must never be merged
// with, or swallowed by, full_preserve ranges.
type PreserveStrategy string

const (
	FullPreserve PreserveStrategy = "full_preserve"
	HeaderOnly   PreserveStrategy = "header_only"
)

var (
	// ErrBadKeepRule is returned for rules with an empty or inverted range.
	ErrBadKeepRule = errors.New("keep rule has empty or inverted range")

	// ErrBadDataType is returned when a path does not have a valid capture type.
	ErrBadDataType = errors.New("unknown capture type")
)

// KeepRule is a closed-half-open byte range [SeqStart, SeqEnd) on the
// absolute TCP sequence axis of one (TupleKey, Direction).  Sequence numbers
// are 32-bit absolute values; wraparound is not modeled, so flows longer than
// 4 GiB are not supported.
type KeepRule struct {
	StreamID  int64            `json:"stream_id"`
	TupleKey  string           `json:"tuple_key,omitempty"`
	Direction Direction        `json:"direction"`
	SeqStart  uint32           `json:"seq_start"`
	SeqEnd    uint32           `json:"seq_end"`
	RuleType  string           `json:"rule_type"`
	Strategy  PreserveStrategy `json:"preserve_strategy"`
}

// Valid reports whether the rule satisfies SeqStart < SeqEnd.
func (r KeepRule) Valid() bool {
	return r.SeqStart < r.SeqEnd
}

// RuleSetMetadata describes the analyzer that produced a rule set.
type RuleSetMetadata struct {
	Analyzer       string         `json:"analyzer"`
	PcapPath       string         `json:"pcap_path"`
	AnalysisFailed bool           `json:"analysis_failed,omitempty"`
	Error          string         `json:"error,omitempty"`
	Stats          map[string]int `json:"statistics,omitempty"`
}

// KeepRuleSet is the sole contract between Marker and Masker.  It is produced
// once by a Marker and immutable thereafter; the Masker owns it for the
// duration of a single file's processing.
type KeepRuleSet struct {
	Rules    []KeepRule      `json:"rules"`
	Metadata RuleSetMetadata `json:"metadata"`
}

// NewKeepRuleSet returns an empty rule set for the named analyzer.
func NewKeepRuleSet(analyzer, pcapPath string) *KeepRuleSet {
	return &KeepRuleSet{
		Metadata: RuleSetMetadata{
			Analyzer: analyzer,
			PcapPath: pcapPath,
			Stats:    make(map[string]int),
		},
	}
}

// Add appends a rule, rejecting empty or inverted ranges.
func (ks *KeepRuleSet) Add(r KeepRule) error {
	if !r.Valid() {
		return fmt.Errorf("%w: [%d,%d)", ErrBadKeepRule, r.SeqStart, r.SeqEnd)
	}
	ks.Rules = append(ks.Rules, r)
	return nil
}

// Fail marks the rule set as produced by a failed analysis.  The Masker
// treats such a set as empty and masks all TCP payload (fail-closed).
func (ks *KeepRuleSet) Fail(err error) *KeepRuleSet {
	ks.Metadata.AnalysisFailed = true
	if err != nil {
		ks.Metadata.Error = err.Error()
	}
	return ks
}

// Concat appends the rules of other and adds its statistics.  It does not
// change the AnalysisFailed flag of either set.
func (ks *KeepRuleSet) Concat(other *KeepRuleSet) {
	if other == nil {
		return
	}
	ks.Rules = append(ks.Rules, other.Rules...)
	for k, v := range other.Metadata.Stats {
		ks.Metadata.Stats[k] += v
	}
}

// Marker is the analyzer side of the pipeline.  Analyze reads the capture and
// emits keep rules; it never mutates the input.  Failures are reported through
// Metadata.AnalysisFailed rather than an error so that the Masker always has a
// rule set to apply (empty rules mean full masking).
type Marker interface {
	// Name is used in rule set metadata and logs.
	Name() string
	// Analyze reads the capture at pcapPath and returns the keep rules.
	Analyze(ctx context.Context, pcapPath string, cfg *Config) *KeepRuleSet
}

// MaskingStats is the Masker's per-file result record.
type MaskingStats struct {
	Success          bool          `json:"success"`
	InputFile        string        `json:"input_file"`
	OutputFile       string        `json:"output_file"`
	ProcessedPackets int64         `json:"processed_packets"`
	ModifiedPackets  int64         `json:"modified_packets"`
	MaskedBytes      int64         `json:"masked_bytes"`
	PreservedBytes   int64         `json:"preserved_bytes"`
	ExecutionTime    time.Duration `json:"execution_time"`
	PeakMemoryBytes  uint64        `json:"peak_memory_bytes"`
	Errors           []string      `json:"errors,omitempty"`
	ValidationPassed bool          `json:"validation_passed"`
}

// AddError records a non-fatal error.
func (s *MaskingStats) AddError(err error) {
	if err != nil {
		s.Errors = append(s.Errors, err.Error())
	}
}
