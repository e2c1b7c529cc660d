// Package flowid computes order-invariant TCP flow identity: the canonical
// tuple key, the flow direction of a packet, and encounter-order stream ids.
// Marker and Masker must both use this package so that rules emitted for a
// (tuple key, direction) match the packets seen for that same pair.
package flowid

import (
	"fmt"
	"net"

	"github.com/pktmask/pktmask/mask"
)

// Endpoint is one side of a TCP flow.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// less orders endpoints by the IP's string form, then by numeric port, which
// defines the lexicographically smaller endpoint of the canonical tuple key.
func (e Endpoint) less(o Endpoint) bool {
	a, b := e.IP.String(), o.IP.String()
	if a != b {
		return a < b
	}
	return e.Port < o.Port
}

// TupleKey returns the canonical "ip_lo:port_lo-ip_hi:port_hi" identifier of
// the flow containing a packet from src to dst.
func TupleKey(src, dst Endpoint) string {
	if src.less(dst) {
		return src.String() + "-" + dst.String()
	}
	return dst.String() + "-" + src.String()
}

// DirectionOf labels a packet from src to dst: forward when src is the
// lexicographically smaller endpoint of the canonical tuple.
func DirectionOf(src, dst Endpoint) mask.Direction {
	if src.less(dst) {
		return mask.DirForward
	}
	return mask.DirReverse
}

// Registry assigns numeric stream ids in encounter order (0, 1, 2, ...).
// Ids are a secondary lookup key only; they are not stable across runs.
// One Registry belongs to one Marker or Masker run.
type Registry struct {
	ids  map[string]int64
	next int64
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]int64)}
}

// StreamID returns the id for the tuple key, assigning the next id on first
// encounter.
func (r *Registry) StreamID(tupleKey string) int64 {
	if id, ok := r.ids[tupleKey]; ok {
		return id
	}
	id := r.next
	r.ids[tupleKey] = id
	r.next++
	return id
}

// Lookup returns the id for a tuple key without assigning one.
func (r *Registry) Lookup(tupleKey string) (int64, bool) {
	id, ok := r.ids[tupleKey]
	return id, ok
}

// Len returns the number of flows encountered.
func (r *Registry) Len() int {
	return len(r.ids)
}
