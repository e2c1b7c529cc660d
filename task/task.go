// Package task provides the per-file processing pipeline: run the Marker,
// hand its rule set to the Masker, and validate the result.  A single file is
// processed by a single goroutine; parallelism across files belongs to the
// caller.
package task

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pktmask/pktmask/mask"
	"github.com/pktmask/pktmask/masker"
	"github.com/pktmask/pktmask/metrics"
	"github.com/pktmask/pktmask/storage"
)

// sizeTolerance is the acceptable relative difference between input and
// output file sizes during post-run validation.  The input side is the
// decompressed work file.  pcapng output is re-encoded by the writer and can
// differ in size; masked pcap output matches exactly.
const sizeTolerance = 0.25

// Task processes one capture file end to end.  Marker and Masker never share
// mutable state; the KeepRuleSet is the sole contract between them.
type Task struct {
	cfg      *mask.Config
	marker   mask.Marker
	recovery *mask.Recovery
}

// New returns a Task running the given marker.
func New(cfg *mask.Config, m mask.Marker) *Task {
	return &Task{
		cfg:      cfg,
		marker:   m,
		recovery: mask.NewRecovery(cfg),
	}
}

// ProcessFile analyzes inPath, rewrites it to outPath, and returns the stats
// together with the rule set that was applied (for debugging dumps).  Input
// and output errors are fatal; analysis failures downgrade to full masking.
func (t *Task) ProcessFile(ctx context.Context, inPath, outPath string) (*mask.MaskingStats, *mask.KeepRuleSet, error) {
	if err := t.validateInput(inPath); err != nil {
		metrics.FileCount.WithLabelValues("input_error").Inc()
		metrics.ErrorCount.WithLabelValues(string(mask.CategoryInput)).Inc()
		return nil, nil, err
	}

	// The dissector needs a plain local file; compressed or remote inputs
	// are materialized once and shared by both phases.
	workPath, cleanup, err := storage.Materialize(ctx, inPath)
	if err != nil {
		metrics.FileCount.WithLabelValues("input_error").Inc()
		metrics.ErrorCount.WithLabelValues(string(mask.CategoryInput)).Inc()
		return nil, nil, mask.NewError(mask.CategoryInput, inPath, 1, err)
	}
	defer cleanup()

	markStart := time.Now()
	rules := t.marker.Analyze(ctx, workPath, t.cfg)
	metrics.DurationHistogram.WithLabelValues("mark").Observe(time.Since(markStart).Seconds())
	if rules.Metadata.AnalysisFailed {
		log.Printf("%s analysis failed for %s; output will be fully masked", t.marker.Name(), inPath)
	}

	var stats *mask.MaskingStats
	err = t.recovery.Retry(mask.CategoryOutput, t.cfg, func() error {
		var applyErr error
		stats, applyErr = masker.New(t.cfg).Apply(ctx, workPath, outPath, rules)
		return applyErr
	})
	if err != nil {
		metrics.FileCount.WithLabelValues("failed").Inc()
		if pe, ok := err.(mask.ProcessingError); ok {
			metrics.ErrorCount.WithLabelValues(string(pe.Category())).Inc()
		}
		return stats, rules, err
	}

	if ok := t.validateSizes(workPath, outPath); !ok {
		stats.ValidationPassed = false
		stats.AddError(fmt.Errorf("output size outside tolerance of input"))
	}

	metrics.FileCount.WithLabelValues("ok").Inc()
	return stats, rules, nil
}

// validateInput rejects unreadable or empty inputs before any output is
// created.
func (t *Task) validateInput(inPath string) error {
	return t.recovery.Retry(mask.CategoryInput, t.cfg, func() error {
		fi, err := os.Stat(inPath)
		switch {
		case err != nil && isRemote(inPath):
			return nil // remote objects are validated on open
		case err != nil:
			return mask.NewError(mask.CategoryInput, inPath, 1, err)
		case fi.Size() == 0:
			return mask.NewError(mask.CategoryInput, inPath, 1, storage.ErrEmptyFile)
		}
		return nil
	})
}

func isRemote(path string) bool {
	return len(path) > 5 && path[:5] == "gs://"
}

// validateSizes checks the output size against the input within tolerance.
func (t *Task) validateSizes(inPath, outPath string) bool {
	in, err1 := os.Stat(inPath)
	out, err2 := os.Stat(outPath)
	if err1 != nil || err2 != nil || in.Size() == 0 {
		return false
	}
	ratio := float64(out.Size()) / float64(in.Size())
	return ratio >= 1-sizeTolerance && ratio <= 1+sizeTolerance
}
