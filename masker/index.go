package masker

import (
	"sort"

	"github.com/pktmask/pktmask/mask"
)

// seqRange is a closed-half-open [start, end) interval on the absolute
// sequence axis.
type seqRange struct {
	start, end uint32
}

// group holds the pre-processed ranges of one (tuple key, direction).
// header_only ranges are kept as-is: they must not be merged with, or
// swallowed by, full_preserve ranges.  full_preserve ranges are merged.
// Both lists are sorted by start for binary-search overlap queries.
type group struct {
	headerOnly   []seqRange
	fullPreserve []seqRange
}

func (g *group) empty() bool {
	return g == nil || (len(g.headerOnly) == 0 && len(g.fullPreserve) == 0)
}

// Index is the per-flow lookup structure built from a KeepRuleSet before the
// packet loop starts.  Primary key is the tuple key; stream id is a secondary
// key tolerating numbering drift between analyzer and rewriter.
type Index struct {
	byTuple  map[string]map[mask.Direction]*group
	byStream map[int64]map[mask.Direction]*group
	// anyDir holds, per tuple key, the union of both directions, the
	// last-resort fallback when the observed direction has no rules.
	anyDir map[string]*group
}

// NewIndex groups, splits by strategy, merges, and sorts the rules.  A failed
// analysis contributes no rules, so every payload masks fully.
func NewIndex(ks *mask.KeepRuleSet) *Index {
	idx := &Index{
		byTuple:  make(map[string]map[mask.Direction]*group),
		byStream: make(map[int64]map[mask.Direction]*group),
		anyDir:   make(map[string]*group),
	}
	if ks == nil || ks.Metadata.AnalysisFailed {
		return idx
	}
	for _, r := range ks.Rules {
		if !r.Valid() {
			continue
		}
		rng := seqRange{r.SeqStart, r.SeqEnd}
		if r.TupleKey != "" {
			idx.add(idx.tupleGroup(r.TupleKey, r.Direction), r.Strategy, rng)
			idx.add(idx.anyGroup(r.TupleKey), r.Strategy, rng)
		}
		idx.add(idx.streamGroup(r.StreamID, r.Direction), r.Strategy, rng)
	}
	for _, dirs := range idx.byTuple {
		for _, g := range dirs {
			g.finalize()
		}
	}
	for _, dirs := range idx.byStream {
		for _, g := range dirs {
			g.finalize()
		}
	}
	for _, g := range idx.anyDir {
		g.finalize()
	}
	return idx
}

func (idx *Index) tupleGroup(key string, d mask.Direction) *group {
	dirs, ok := idx.byTuple[key]
	if !ok {
		dirs = make(map[mask.Direction]*group, 2)
		idx.byTuple[key] = dirs
	}
	g, ok := dirs[d]
	if !ok {
		g = &group{}
		dirs[d] = g
	}
	return g
}

func (idx *Index) streamGroup(id int64, d mask.Direction) *group {
	dirs, ok := idx.byStream[id]
	if !ok {
		dirs = make(map[mask.Direction]*group, 2)
		idx.byStream[id] = dirs
	}
	g, ok := dirs[d]
	if !ok {
		g = &group{}
		dirs[d] = g
	}
	return g
}

func (idx *Index) anyGroup(key string) *group {
	g, ok := idx.anyDir[key]
	if !ok {
		g = &group{}
		idx.anyDir[key] = g
	}
	return g
}

func (idx *Index) add(g *group, s mask.PreserveStrategy, rng seqRange) {
	if s == mask.HeaderOnly {
		g.headerOnly = append(g.headerOnly, rng)
	} else {
		g.fullPreserve = append(g.fullPreserve, rng)
	}
}

// finalize merges full_preserve ranges and sorts both lists.  Merging is
// idempotent: merging a merged list returns the same list.
func (g *group) finalize() {
	sort.Slice(g.headerOnly, func(i, j int) bool {
		return g.headerOnly[i].start < g.headerOnly[j].start
	})
	g.fullPreserve = mergeRanges(g.fullPreserve)
}

// mergeRanges merges overlapping or adjacent sorted ranges.
func mergeRanges(rs []seqRange) []seqRange {
	if len(rs) == 0 {
		return rs
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].start < rs[j].start })
	merged := rs[:1]
	for _, r := range rs[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
		} else {
			merged = append(merged, r)
		}
	}
	return merged
}

// Lookup resolves the rule group for a packet: by tuple key and direction
// first, then the direction-agnostic union under the same tuple key, then by
// stream id.  A nil result means no rules apply and the payload masks fully.
func (idx *Index) Lookup(tupleKey string, streamID int64, d mask.Direction) *group {
	if dirs, ok := idx.byTuple[tupleKey]; ok {
		if g, ok := dirs[d]; ok && !g.empty() {
			return g
		}
		if g, ok := idx.anyDir[tupleKey]; ok && !g.empty() {
			return g
		}
	}
	if dirs, ok := idx.byStream[streamID]; ok {
		if g, ok := dirs[d]; ok && !g.empty() {
			return g
		}
	}
	return nil
}

// overlapping returns the sorted ranges intersecting [segStart, segEnd).
// Binary search finds the first range with end > segStart; iteration stops at
// the first range with start >= segEnd.
func overlapping(rs []seqRange, segStart, segEnd uint32) []seqRange {
	lo := sort.Search(len(rs), func(i int) bool { return rs[i].end > segStart })
	hi := lo
	for hi < len(rs) && rs[hi].start < segEnd {
		hi++
	}
	return rs[lo:hi]
}

// applyKeepRules rewrites payload in place: every byte inside a keep range is
// preserved, everything else becomes maskByte.  header_only intersections
// apply first and lock their positions; full_preserve fills only unlocked
// positions.  The net effect is that a byte survives iff it falls in the
// union of all keep ranges.
func applyKeepRules(payload []byte, segStart uint32, g *group, maskByte byte) (preserved, masked int, modified bool) {
	segEnd := segStart + uint32(len(payload))
	out := make([]byte, len(payload))
	if maskByte != 0 {
		for i := range out {
			out[i] = maskByte
		}
	}

	if !g.empty() {
		locked := make([]bool, len(payload))
		for _, r := range overlapping(g.headerOnly, segStart, segEnd) {
			lo, hi := clamp(r, segStart, segEnd)
			copy(out[lo:hi], payload[lo:hi])
			for i := lo; i < hi; i++ {
				if !locked[i] {
					locked[i] = true
					preserved++
				}
			}
		}
		for _, r := range overlapping(g.fullPreserve, segStart, segEnd) {
			lo, hi := clamp(r, segStart, segEnd)
			for i := lo; i < hi; i++ {
				if !locked[i] {
					out[i] = payload[i]
					locked[i] = true
					preserved++
				}
			}
		}
	}

	masked = len(payload) - preserved
	for i := range payload {
		if payload[i] != out[i] {
			modified = true
			break
		}
	}
	copy(payload, out)
	return preserved, masked, modified
}

// clamp converts the intersection of a rule range with the segment into
// payload offsets.
func clamp(r seqRange, segStart, segEnd uint32) (int, int) {
	lo := r.start
	if lo < segStart {
		lo = segStart
	}
	hi := r.end
	if hi > segEnd {
		hi = segEnd
	}
	if hi < lo {
		hi = lo
	}
	return int(lo - segStart), int(hi - segStart)
}
