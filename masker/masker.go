// Package masker rewrites captures: every TCP payload byte outside the keep
// rules becomes the mask byte, while frame lengths, headers, ordering, and
// timestamps are preserved.  The masker performs no reassembly; keep rules
// arrive in the same absolute-sequence coordinates it computes per packet.
package masker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/pktmask/pktmask/flowid"
	"github.com/pktmask/pktmask/internal/monitor"
	"github.com/pktmask/pktmask/mask"
	"github.com/pktmask/pktmask/metrics"
	"github.com/pktmask/pktmask/storage"
	"github.com/pktmask/pktmask/tcpip"
)

var (
	ErrMemoryCeiling  = fmt.Errorf("memory usage sustained above ceiling")
	ErrPayloadResized = fmt.Errorf("payload length changed during rewrite")
)

// sustainedPressureLimit is how many consecutive over-ceiling observations
// abort processing instead of OOMing.
const sustainedPressureLimit = 3

// Masker applies a KeepRuleSet to a capture.  One Masker instance serves one
// file; it owns the rule set for that duration and shares nothing with the
// Marker that produced it.
type Masker struct {
	cfg *mask.Config
	mon *monitor.Monitor
}

// New returns a Masker for the given configuration.
func New(cfg *mask.Config) *Masker {
	return &Masker{
		cfg: cfg,
		mon: monitor.New(cfg.MemoryLimitBytes, cfg.PressureThreshold),
	}
}

// captureWriter is the common surface of the pcap and pcapng writers.
type captureWriter interface {
	WritePacket(ci gopacket.CaptureInfo, data []byte) error
	Flush() error
}

type pcapWriter struct {
	*pcapgo.Writer
	buf *bufio.Writer
}

func (w *pcapWriter) Flush() error { return w.buf.Flush() }

type ngWriter struct {
	*pcapgo.NgWriter
	buf *bufio.Writer
}

func (w *ngWriter) Flush() error {
	if err := w.NgWriter.Flush(); err != nil {
		return err
	}
	return w.buf.Flush()
}

// newWriter creates a writer of the same format family as the input.
func newWriter(f *os.File, c *tcpip.Capture, linkType layers.LinkType) (captureWriter, error) {
	buf := bufio.NewWriterSize(f, 1<<20)
	if c.Format == tcpip.FormatPcapNg {
		ng, err := pcapgo.NewNgWriter(buf, linkType)
		if err != nil {
			return nil, err
		}
		return &ngWriter{NgWriter: ng, buf: buf}, nil
	}
	var w *pcapgo.Writer
	if c.Nanos {
		w = pcapgo.NewWriterNanos(buf)
	} else {
		w = pcapgo.NewWriter(buf)
	}
	if err := w.WriteFileHeader(c.Snaplen, linkType); err != nil {
		return nil, err
	}
	return &pcapWriter{Writer: w, buf: buf}, nil
}

// Apply streams packets from inPath to outPath in wire order, masking payload
// bytes outside the keep ranges.  Output packet count and order equal input;
// every output frame has the length of its input frame.
func (m *Masker) Apply(ctx context.Context, inPath, outPath string, rules *mask.KeepRuleSet) (*mask.MaskingStats, error) {
	start := time.Now()
	stats := &mask.MaskingStats{
		InputFile:  inPath,
		OutputFile: outPath,
	}

	idx := NewIndex(rules)
	if rules != nil && rules.Metadata.AnalysisFailed {
		log.Printf("analysis failed upstream (%s); masking all TCP payload of %s",
			rules.Metadata.Error, inPath)
		stats.AddError(fmt.Errorf("analysis failed: %s", rules.Metadata.Error))
	}

	rc, err := storage.Open(ctx, inPath)
	if err != nil {
		return stats, mask.NewError(mask.CategoryInput, inPath, 1, err)
	}
	defer rc.Close()
	capture, err := tcpip.NewCapture(rc)
	if err != nil {
		return stats, mask.NewError(mask.CategoryInput, inPath, 1, err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return stats, mask.NewError(mask.CategoryOutput, outPath, 1, err)
	}
	defer out.Close()
	writer, err := newWriter(out, capture, capture.LinkType())
	if err != nil {
		return stats, mask.NewError(mask.CategoryOutput, outPath, 1, err)
	}

	reg := flowid.NewRegistry()
	pressureStreak := 0
	chunk := int64(m.cfg.ChunkSize)
	if chunk <= 0 {
		chunk = 1000
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, mask.NewError(mask.CategoryInput, inPath, 1, err)
		}
		data, ci, err := capture.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Truncated trailing frame; everything read so far is kept.
			stats.AddError(err)
			metrics.WarningCount.WithLabelValues("masker", "truncated_input").Inc()
			break
		}
		stats.ProcessedPackets++

		if err := m.processPacket(stats, idx, reg, &ci, data, capture.LinkType()); err != nil {
			// Per-packet errors pass the frame through unchanged.
			stats.AddError(err)
			metrics.WarningCount.WithLabelValues("masker", "passthrough").Inc()
		}

		if err := writer.WritePacket(ci, data); err != nil {
			return stats, mask.NewError(mask.CategoryOutput, outPath, 1, err)
		}

		// Flush and sample memory once per chunk; ReadMemStats stops the
		// world, so it must stay out of the per-packet path.
		if stats.ProcessedPackets%chunk == 0 {
			if err := writer.Flush(); err != nil {
				return stats, mask.NewError(mask.CategoryOutput, outPath, 1, err)
			}
			if m.mon.ShouldFlush() && m.mon.Exceeded() {
				pressureStreak++
				monitor.ForceGC()
				if pressureStreak >= sustainedPressureLimit {
					return stats, mask.NewError(mask.CategoryMemory, inPath, 1, ErrMemoryCeiling)
				}
			} else {
				pressureStreak = 0
			}
		}
	}

	if err := writer.Flush(); err != nil {
		return stats, mask.NewError(mask.CategoryOutput, outPath, 1, err)
	}
	if err := out.Sync(); err != nil {
		stats.AddError(err)
	}

	stats.ExecutionTime = time.Since(start)
	stats.PeakMemoryBytes = m.mon.Peak()
	stats.ValidationPassed = m.validate(ctx, stats)
	stats.Success = true

	metrics.MaskedBytes.Add(float64(stats.MaskedBytes))
	metrics.PreservedBytes.Add(float64(stats.PreservedBytes))
	metrics.PacketCount.WithLabelValues(capture.Format.String()).Observe(float64(stats.ProcessedPackets))
	metrics.DurationHistogram.WithLabelValues("mask").Observe(stats.ExecutionTime.Seconds())
	return stats, nil
}

// processPacket applies the keep rules to one frame in place.  Frames
// without a usable innermost TCP layer are left untouched; only the TCP
// payload bytes of decodable frames ever change.
func (m *Masker) processPacket(stats *mask.MaskingStats, idx *Index, reg *flowid.Registry, ci *gopacket.CaptureInfo, data []byte, firstDecoder gopacket.Decoder) error {
	p, err := tcpip.Wrap(ci, data, firstDecoder, m.cfg.MaxNestingDepth)
	if err != nil {
		if err == tcpip.ErrNoTCPLayer {
			return nil // non-TCP frames pass through silently
		}
		return err
	}
	payload := p.Payload()
	if len(payload) == 0 {
		return nil
	}

	tupleKey := p.TupleKey()
	streamID := reg.StreamID(tupleKey)
	g := idx.Lookup(tupleKey, streamID, p.Direction())

	before := len(payload)
	preserved, masked, modified := applyKeepRules(payload, p.Seq(), g, m.cfg.MaskByte)
	if len(p.Payload()) != before {
		return ErrPayloadResized
	}
	stats.PreservedBytes += int64(preserved)
	stats.MaskedBytes += int64(masked)
	if modified {
		stats.ModifiedPackets++
		p.FinalizeChecksums()
	}
	return nil
}

// validate re-reads the output and checks packet count equality.  Non-fatal;
// failures are reported through the stats record.
func (m *Masker) validate(ctx context.Context, stats *mask.MaskingStats) bool {
	rc, err := storage.Open(ctx, stats.OutputFile)
	if err != nil {
		stats.AddError(mask.NewError(mask.CategoryValidation, stats.OutputFile, 0, err))
		return false
	}
	defer rc.Close()
	capture, err := tcpip.NewCapture(rc)
	if err != nil {
		stats.AddError(mask.NewError(mask.CategoryValidation, stats.OutputFile, 0, err))
		return false
	}
	var count int64
	for {
		data, ci, err := capture.ReadPacketData()
		if err != nil {
			break
		}
		if m.cfg.VerifyChecksums {
			// Structural re-check: rewritten frames must still decode.
			if _, err := tcpip.Wrap(&ci, data, capture.LinkType(), m.cfg.MaxNestingDepth); err != nil &&
				err != tcpip.ErrNoTCPLayer && err != tcpip.ErrNoIPLayer {
				stats.AddError(mask.NewError(mask.CategoryValidation, stats.OutputFile, 0, err))
			}
		}
		count++
	}
	if count != stats.ProcessedPackets {
		stats.AddError(mask.NewError(mask.CategoryValidation, stats.OutputFile, 0,
			fmt.Errorf("output has %d packets, input had %d", count, stats.ProcessedPackets)))
		return false
	}
	return true
}
