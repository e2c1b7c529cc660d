// Package dissector defines the external protocol dissector interface used by
// the TLS marker, and the tshark adapter that implements it.  The dissector
// reports, per TCP segment, every TLS record begun or continued; the adapter
// converts those reports into absolute-sequence record descriptors.
package dissector

import (
	"context"

	"github.com/pktmask/pktmask/mask"
)

// Record describes one TLS record located on the absolute TCP sequence axis
// of one (tuple key, direction).  Seq is the sequence number of the record's
// first header byte; the record occupies [Seq, Seq+5+Length).
type Record struct {
	Frame       int64
	Stream      int64
	TupleKey    string
	Direction   mask.Direction
	Seq         uint32
	ContentType uint8
	Length      uint16
}

// Dissector produces TLS record descriptors for a capture.  Implementations
// must not mutate the input file.
type Dissector interface {
	// Available reports whether the underlying tool can be invoked.
	Available() bool
	// Records analyzes the capture and returns all TLS records in frame
	// order.  The subprocess output is consumed fully before returning.
	Records(ctx context.Context, pcapPath string) ([]Record, error)
}
