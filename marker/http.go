package marker

import (
	"bytes"
	"context"
	"io"
	"log"
	"os"
	"time"

	"github.com/m-lab/go/logx"

	"github.com/pktmask/pktmask/flowid"
	"github.com/pktmask/pktmask/mask"
	"github.com/pktmask/pktmask/metrics"
	"github.com/pktmask/pktmask/storage"
	"github.com/pktmask/pktmask/tcpip"
)

var (
	sparseLogger = log.New(os.Stdout, "sparse: ", log.LstdFlags|log.Lshortfile)
	sparse50     = logx.NewLogEvery(sparseLogger, 50*time.Millisecond)
)

var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("HEAD "),
	[]byte("OPTIONS "),
	[]byte("PATCH "),
	[]byte("TRACE "),
	[]byte("CONNECT "),
}

var httpVersionToken = []byte("HTTP/1.")

var crlf = []byte("\r\n")
var crlfcrlf = []byte("\r\n\r\n")

// HTTP preserves request/status lines and header blocks, best effort, and
// leaves bodies to be masked by default.  It streams packets in order and
// keeps a small per-(tuple key, direction) state machine; out-of-order
// segments are not reassembled.
type HTTP struct{}

// NewHTTP returns an HTTP marker.
func NewHTTP() *HTTP {
	return &HTTP{}
}

func (m *HTTP) Name() string { return "http" }

// msgState is the COLLECTING side of the per-direction state machine.
// collecting == false means IDLE.
type msgState struct {
	collecting bool
	startSeq   uint32
	buf        []byte
}

type stateKey struct {
	tupleKey  string
	direction mask.Direction
}

// Analyze scans every TCP payload for HTTP messages and emits header_only
// keep rules for the recognized header regions.  Per-packet failures abandon
// that packet only; other flows are unaffected.
func (m *HTTP) Analyze(ctx context.Context, pcapPath string, cfg *mask.Config) *mask.KeepRuleSet {
	ks := mask.NewKeepRuleSet(m.Name(), pcapPath)

	rc, err := storage.Open(ctx, pcapPath)
	if err != nil {
		return ks.Fail(err)
	}
	defer rc.Close()
	capture, err := tcpip.NewCapture(rc)
	if err != nil {
		return ks.Fail(err)
	}

	reg := flowid.NewRegistry()
	states := make(map[stateKey]*msgState)
	candidates := 0

	for {
		if err := ctx.Err(); err != nil {
			return ks.Fail(err)
		}
		data, ci, err := capture.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		ks.Metadata.Stats["packets"]++

		p, err := tcpip.Wrap(&ci, data, capture.LinkType(), cfg.MaxNestingDepth)
		if err != nil {
			if err != tcpip.ErrNoTCPLayer {
				sparse50.Printf("http marker: %v", err)
			}
			continue
		}
		payload := p.Payload()
		if len(payload) == 0 {
			continue
		}
		tupleKey := p.TupleKey()
		direction := p.Direction()
		streamID := reg.StreamID(tupleKey)

		src, dst := p.Endpoints()
		if !m.isCandidate(cfg, src.Port, dst.Port, payload) {
			continue
		}
		candidates++

		segStart := p.Seq()
		key := stateKey{tupleKey, direction}
		state := states[key]
		if state == nil {
			state = &msgState{}
			states[key] = state
		}

		if !state.collecting {
			off := startLineOffset(payload)
			if off < 0 {
				continue
			}
			state.collecting = true
			state.startSeq = segStart + uint32(off)
			state.buf = state.buf[:0]
			payload = payload[off:]
		}

		if len(state.buf) < cfg.HTTPMaxScanBytes {
			need := cfg.HTTPMaxScanBytes - len(state.buf)
			if need > len(payload) {
				need = len(payload)
			}
			state.buf = append(state.buf, payload[:need]...)
		}

		if idx := bytes.Index(state.buf, crlfcrlf); idx >= 0 {
			// Complete header block, including the terminating blank line.
			m.emit(ks, cfg, streamID, tupleKey, direction, state.buf[:idx+len(crlfcrlf)], state.startSeq)
			*state = msgState{buf: state.buf[:0]}
		} else if len(state.buf) >= cfg.HTTPMaxScanBytes {
			// Cap reached without a terminator: keep the start line only.
			if eol := bytes.Index(state.buf, crlf); eol > 0 {
				m.emit(ks, cfg, streamID, tupleKey, direction, state.buf[:eol+len(crlf)], state.startSeq)
			}
			*state = msgState{buf: state.buf[:0]}
		}
	}

	ks.Metadata.Stats["http_candidates"] = candidates
	ks.Metadata.Stats["rules"] = len(ks.Rules)
	metrics.RuleCount.WithLabelValues(m.Name()).Observe(float64(len(ks.Rules)))
	return ks
}

// isCandidate applies the detection heuristic: either port in the configured
// set, or a recognizable HTTP token anywhere in the payload.
func (m *HTTP) isCandidate(cfg *mask.Config, srcPort, dstPort uint16, payload []byte) bool {
	if cfg.HTTPPorts[srcPort] || cfg.HTTPPorts[dstPort] {
		return true
	}
	if bytes.Contains(payload, httpVersionToken) {
		return true
	}
	for _, method := range httpMethods {
		if bytes.Contains(payload, method) {
			return true
		}
	}
	return false
}

// startLineOffset locates a recognizable start line anywhere in the segment;
// segmentation may have chopped preceding body bytes off the previous
// message.  Returns -1 when nothing is found.
func startLineOffset(payload []byte) int {
	if looksLikeStart(payload) {
		return 0
	}
	best := bytes.Index(payload, httpVersionToken)
	for _, method := range httpMethods {
		if i := bytes.Index(payload, method); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

func looksLikeStart(payload []byte) bool {
	if bytes.HasPrefix(payload, httpVersionToken) {
		return true
	}
	for _, method := range httpMethods {
		if bytes.HasPrefix(payload, method) {
			return true
		}
	}
	return false
}

// emit converts a header region into keep rules and records them.
func (m *HTTP) emit(ks *mask.KeepRuleSet, cfg *mask.Config, streamID int64, tupleKey string, direction mask.Direction, header []byte, baseSeq uint32) {
	for _, rng := range headerKeepRanges(header, baseSeq, cfg.HTTPSensitiveHeaders) {
		if err := ks.Add(mask.KeepRule{
			StreamID:  streamID,
			TupleKey:  tupleKey,
			Direction: direction,
			SeqStart:  rng[0],
			SeqEnd:    rng[1],
			RuleType:  "http_header",
			Strategy:  mask.HeaderOnly,
		}); err != nil {
			ks.Metadata.Stats["bad_rules"]++
		}
	}
}

// headerKeepRanges splits a header region line by line.  Non-sensitive
// headers keep the whole line; sensitive headers keep the name, the colon,
// and the separating whitespace but not the value.  Continuation lines
// inherit the sensitivity of the preceding header.  Every line's CRLF is
// kept, including the blank-line CRLF terminating the block.
func headerKeepRanges(header []byte, baseSeq uint32, sensitive map[string]bool) [][2]uint32 {
	var ranges [][2]uint32
	pos := 0
	continuationSensitive := false

	for pos <= len(header) {
		eol := bytes.Index(header[pos:], crlf)
		var lineEnd, nextPos int
		hasCRLF := eol >= 0
		if hasCRLF {
			lineEnd = pos + eol
			nextPos = lineEnd + len(crlf)
		} else {
			lineEnd = len(header)
			nextPos = len(header) + 1
		}
		line := header[pos:lineEnd]

		prefixLen := len(line)
		switch {
		case len(line) == 0: // blank line terminating the block
			continuationSensitive = false
		case line[0] == ' ' || line[0] == '\t': // continuation line
			if continuationSensitive {
				prefixLen = 0
			}
		default:
			isSensitive := false
			if colon := bytes.IndexByte(line, ':'); colon >= 0 {
				name := string(bytes.ToLower(bytes.TrimSpace(line[:colon])))
				if sensitive[name] {
					isSensitive = true
					prefixLen = colon + 1
					for prefixLen < len(line) && (line[prefixLen] == ' ' || line[prefixLen] == '\t') {
						prefixLen++
					}
				}
			}
			continuationSensitive = isSensitive
		}

		if prefixLen > 0 {
			ranges = append(ranges, [2]uint32{baseSeq + uint32(pos), baseSeq + uint32(pos+prefixLen)})
		}
		if hasCRLF {
			ranges = append(ranges, [2]uint32{baseSeq + uint32(lineEnd), baseSeq + uint32(nextPos)})
		}
		pos = nextPos
		if pos > len(header) {
			break
		}
	}
	return ranges
}
