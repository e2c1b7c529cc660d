package flowid_test

import (
	"net"
	"testing"

	"github.com/pktmask/pktmask/flowid"
	"github.com/pktmask/pktmask/mask"
)

func ep(ip string, port uint16) flowid.Endpoint {
	return flowid.Endpoint{IP: net.ParseIP(ip), Port: port}
}

func TestTupleKey(t *testing.T) {
	tests := []struct {
		name     string
		src, dst flowid.Endpoint
		want     string
	}{
		{"ordered", ep("10.0.0.1", 443), ep("10.0.0.2", 50000), "10.0.0.1:443-10.0.0.2:50000"},
		{"swapped", ep("10.0.0.2", 50000), ep("10.0.0.1", 443), "10.0.0.1:443-10.0.0.2:50000"},
		{"same ip port order", ep("10.0.0.1", 9000), ep("10.0.0.1", 80), "10.0.0.1:80-10.0.0.1:9000"},
		{"ipv6", ep("2001:db8::2", 443), ep("2001:db8::1", 1894), "2001:db8::1:1894-2001:db8::2:443"},
	}
	for _, tt := range tests {
		if got := flowid.TupleKey(tt.src, tt.dst); got != tt.want {
			t.Errorf("%s: TupleKey = %q, want %q", tt.name, got, tt.want)
		}
		// Identity must be order-independent.
		if got := flowid.TupleKey(tt.dst, tt.src); got != tt.want {
			t.Errorf("%s: reversed TupleKey = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestDirectionOf(t *testing.T) {
	a, b := ep("10.0.0.1", 443), ep("10.0.0.2", 50000)
	if d := flowid.DirectionOf(a, b); d != mask.DirForward {
		t.Errorf("DirectionOf(a,b) = %v, want forward", d)
	}
	if d := flowid.DirectionOf(b, a); d != mask.DirReverse {
		t.Errorf("DirectionOf(b,a) = %v, want reverse", d)
	}
	if mask.DirForward.Opposite() != mask.DirReverse || mask.DirReverse.Opposite() != mask.DirForward {
		t.Error("Opposite is not an involution")
	}
}

func TestRegistryEncounterOrder(t *testing.T) {
	r := flowid.NewRegistry()
	k1 := flowid.TupleKey(ep("10.0.0.1", 1), ep("10.0.0.2", 2))
	k2 := flowid.TupleKey(ep("10.0.0.3", 3), ep("10.0.0.4", 4))

	if id := r.StreamID(k1); id != 0 {
		t.Errorf("first stream id = %d, want 0", id)
	}
	if id := r.StreamID(k2); id != 1 {
		t.Errorf("second stream id = %d, want 1", id)
	}
	// Same flow seen from the other side keeps its id.
	if id := r.StreamID(flowid.TupleKey(ep("10.0.0.2", 2), ep("10.0.0.1", 1))); id != 0 {
		t.Errorf("reversed flow stream id = %d, want 0", id)
	}
	if _, ok := r.Lookup("no-such-flow"); ok {
		t.Error("Lookup invented a stream id")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}
