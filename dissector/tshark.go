package dissector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	pipe "gopkg.in/m-lab/pipe.v3"

	"github.com/pktmask/pktmask/flowid"
	"github.com/pktmask/pktmask/mask"
)

var (
	ErrDissectorUnavailable = fmt.Errorf("dissector executable not found")
	ErrDissectorFailed      = fmt.Errorf("dissector exited with error")
)

// TShark shells out to tshark in field mode with TCP and TLS desegmentation
// enabled, so that records spanning several segments are reported once, on
// the frame where they complete, with their declared lengths.
type TShark struct {
	path    string
	timeout time.Duration
}

// NewTShark resolves the executable from the config path, falling back to a
// PATH lookup.  An unresolvable executable is not an error here; Available
// reports it and analysis downgrades to fail-closed.
func NewTShark(cfg *mask.Config) *TShark {
	path := cfg.DissectorPath
	if path == "" {
		path, _ = exec.LookPath("tshark")
	} else if _, err := os.Stat(path); err != nil {
		path = ""
	}
	return &TShark{path: path, timeout: cfg.DissectorTimeout}
}

// Available reports whether the executable was resolved.
func (t *TShark) Available() bool {
	return t.path != ""
}

func (t *TShark) args(pcapPath string) []string {
	return []string{
		"-r", pcapPath,
		"-Y", "tls.record.content_type or tls.record.opaque_type",
		"-T", "fields",
		"-E", "separator=/t",
		"-E", "occurrence=a",
		"-e", "frame.number",
		"-e", "tcp.stream",
		"-e", "tcp.seq_raw",
		"-e", "ip.src",
		"-e", "ipv6.src",
		"-e", "tcp.srcport",
		"-e", "ip.dst",
		"-e", "ipv6.dst",
		"-e", "tcp.dstport",
		"-e", "tls.record.content_type",
		"-e", "tls.record.opaque_type",
		"-e", "tls.record.length",
		"-o", "tcp.desegment_tcp_streams:TRUE",
		"-o", "tls.desegment_ssl_records:TRUE",
	}
}

// Records runs tshark and parses its output.  The subprocess is killed after
// the configured timeout.
func (t *TShark) Records(ctx context.Context, pcapPath string) ([]Record, error) {
	if !t.Available() {
		return nil, ErrDissectorUnavailable
	}
	p := pipe.Exec(t.path, t.args(pcapPath)...)
	out, err := pipe.OutputTimeout(p, t.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDissectorFailed, err)
	}
	return ParseFields(strings.NewReader(string(out)))
}

// cursor tracks the next record start per (stream, direction).  TLS records
// are contiguous on the byte stream, so each record starts where the previous
// one ended; the cursor is anchored at the raw sequence number of the first
// TLS-bearing segment of that direction.
type cursor struct {
	seq uint32
	set bool
}

type cursorKey struct {
	stream    int64
	direction mask.Direction
}

// ParseFields converts tshark field-mode output (one line per frame, tab
// separated, multi-occurrence fields comma separated) into absolute-sequence
// Records.  Lines that do not carry the expected fields are skipped.
func ParseFields(r io.Reader) ([]Record, error) {
	var records []Record
	cursors := make(map[cursorKey]cursor)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		f := strings.Split(line, "\t")
		if len(f) < 12 {
			continue
		}
		frame, err1 := strconv.ParseInt(f[0], 10, 64)
		stream, err2 := strconv.ParseInt(f[1], 10, 64)
		seqRaw, err3 := strconv.ParseUint(f[2], 10, 32)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		srcIP := firstNonEmpty(f[3], f[4])
		dstIP := firstNonEmpty(f[6], f[7])
		srcPort, err4 := strconv.ParseUint(f[5], 10, 16)
		dstPort, err5 := strconv.ParseUint(f[8], 10, 16)
		if srcIP == "" || dstIP == "" || err4 != nil || err5 != nil {
			continue
		}

		src := flowid.Endpoint{IP: net.ParseIP(srcIP), Port: uint16(srcPort)}
		dst := flowid.Endpoint{IP: net.ParseIP(dstIP), Port: uint16(dstPort)}
		tupleKey := flowid.TupleKey(src, dst)
		direction := flowid.DirectionOf(src, dst)

		contentTypes := splitInts(f[9])
		opaqueTypes := splitInts(f[10])
		lengths := splitInts(f[11])
		if len(lengths) == 0 {
			continue
		}
		// TLS 1.3 reports the outer type as opaque_type; prefer it when the
		// occurrence counts line up, or when content_type is absent.
		types := contentTypes
		if len(types) == 0 {
			types = opaqueTypes
		}

		key := cursorKey{stream, direction}
		c := cursors[key]
		if !c.set {
			c = cursor{seq: uint32(seqRaw), set: true}
		}
		for i, l := range lengths {
			ct := 0
			if i < len(types) {
				ct = types[i]
			}
			if len(opaqueTypes) == len(lengths) && opaqueTypes[i] != 0 {
				ct = opaqueTypes[i]
			}
			if l < 0 || l > 1<<16-1 || ct <= 0 || ct > 255 {
				// Undecodable record descriptor; the cursor cannot advance
				// reliably past it, so restart at the next anchored frame.
				c.set = false
				break
			}
			records = append(records, Record{
				Frame:       frame,
				Stream:      stream,
				TupleKey:    tupleKey,
				Direction:   direction,
				Seq:         c.seq,
				ContentType: uint8(ct),
				Length:      uint16(l),
			})
			c.seq += mask.TLSRecordHeaderLen + uint32(l)
		}
		cursors[key] = c
	}
	if err := sc.Err(); err != nil {
		return records, err
	}
	return records, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// splitInts parses a comma-separated occurrence list, tolerating empty
// entries and hex-formatted values.
func splitInts(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			out = append(out, 0)
			continue
		}
		v, err := strconv.ParseInt(p, 0, 32)
		if err != nil {
			out = append(out, 0)
			continue
		}
		out = append(out, int(v))
	}
	return out
}
