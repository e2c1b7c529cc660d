package dissector_test

import (
	"strings"
	"testing"

	"github.com/go-test/deep"

	"github.com/pktmask/pktmask/dissector"
	"github.com/pktmask/pktmask/mask"
)

func line(fields ...string) string {
	return strings.Join(fields, "\t")
}

func TestParseFieldsSingleRecord(t *testing.T) {
	out := line("4", "0", "1000", "10.0.0.2", "", "50000", "10.0.0.1", "", "443", "22", "", "4") + "\n"
	recs, err := dissector.ParseFields(strings.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	want := []dissector.Record{{
		Frame: 4, Stream: 0,
		TupleKey:  "10.0.0.1:443-10.0.0.2:50000",
		Direction: mask.DirReverse,
		Seq:       1000, ContentType: 22, Length: 4,
	}}
	if diff := deep.Equal(recs, want); diff != nil {
		t.Error(diff)
	}
}

func TestParseFieldsMultipleRecordsPerFrame(t *testing.T) {
	// Two records completing in one frame: a 2-byte handshake followed by a
	// 3-byte application-data record.
	out := line("7", "3", "1000", "10.0.0.2", "", "50000", "10.0.0.1", "", "443", "22,23", ",", "2,3") + "\n"
	recs, err := dissector.ParseFields(strings.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Seq != 1000 || recs[0].ContentType != 22 || recs[0].Length != 2 {
		t.Errorf("record 0 = %+v", recs[0])
	}
	// The second record starts right after the first: 1000 + 5 + 2.
	if recs[1].Seq != 1007 || recs[1].ContentType != 23 || recs[1].Length != 3 {
		t.Errorf("record 1 = %+v", recs[1])
	}
}

func TestParseFieldsCrossSegmentCursor(t *testing.T) {
	// Frame 1 carries the first record; a large second record spans several
	// segments and is reported on frame 5, where it completes.  Its start
	// is the cursor position, not frame 5's sequence number.
	out := line("1", "0", "1000", "10.0.0.2", "", "50000", "10.0.0.1", "", "443", "22", "", "10") + "\n" +
		line("5", "0", "2400", "10.0.0.2", "", "50000", "10.0.0.1", "", "443", "23", "", "4000") + "\n"
	recs, err := dissector.ParseFields(strings.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[1].Seq != 1015 {
		t.Errorf("cross-segment record starts at %d, want 1015", recs[1].Seq)
	}
}

func TestParseFieldsDirectionsIndependent(t *testing.T) {
	// Records flow in both directions of one stream; each direction keeps
	// its own cursor.
	out := line("1", "0", "1000", "10.0.0.2", "", "50000", "10.0.0.1", "", "443", "22", "", "4") + "\n" +
		line("2", "0", "9000", "10.0.0.1", "", "443", "10.0.0.2", "", "50000", "22", "", "8") + "\n" +
		line("3", "0", "1009", "10.0.0.2", "", "50000", "10.0.0.1", "", "443", "23", "", "6") + "\n"
	recs, err := dissector.ParseFields(strings.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].Direction != mask.DirReverse || recs[1].Direction != mask.DirForward {
		t.Errorf("directions = %v, %v", recs[0].Direction, recs[1].Direction)
	}
	if recs[2].Seq != 1009 {
		t.Errorf("client record 2 starts at %d, want 1009", recs[2].Seq)
	}
	if recs[1].Seq != 9000 {
		t.Errorf("server record starts at %d, want 9000", recs[1].Seq)
	}
}

func TestParseFieldsOpaqueTypeOverride(t *testing.T) {
	// TLS 1.3 wraps handshake records as application data; the outer
	// opaque_type wins when present.
	out := line("1", "0", "500", "10.0.0.2", "", "50000", "10.0.0.1", "", "443", "22", "23", "100") + "\n"
	recs, err := dissector.ParseFields(strings.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ContentType != 23 {
		t.Errorf("records = %+v, want one application-data record", recs)
	}
}

func TestParseFieldsIPv6(t *testing.T) {
	out := line("1", "2", "100", "", "2001:db8::2", "1894", "", "2001:db8::1", "443", "22", "", "4") + "\n"
	recs, err := dissector.ParseFields(strings.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].TupleKey != "2001:db8::1:443-2001:db8::2:1894" {
		t.Errorf("tuple key = %q", recs[0].TupleKey)
	}
}

func TestParseFieldsSkipsMalformed(t *testing.T) {
	out := "garbage line\n" +
		line("x", "y", "z", "", "", "", "", "", "", "", "", "") + "\n" +
		line("1", "0", "100", "10.0.0.1", "", "1", "10.0.0.2", "", "2", "22", "", "4") + "\n"
	recs, err := dissector.ParseFields(strings.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records, want 1", len(recs))
	}
}

func TestTSharkUnavailable(t *testing.T) {
	cfg := mask.DefaultConfig()
	cfg.DissectorPath = "/nonexistent/tshark"
	ts := dissector.NewTShark(cfg)
	if ts.Available() {
		t.Error("nonexistent configured path reported available")
	}
	if _, err := ts.Records(nil, "x.pcap"); err == nil {
		t.Error("Records succeeded without an executable")
	}
}

func TestTSharkEmptyPathLookup(t *testing.T) {
	cfg := mask.DefaultConfig()
	cfg.DissectorPath = ""
	// With no executable on PATH this must downgrade, not error fatally.
	ts := dissector.NewTShark(cfg)
	_ = ts.Available()
}
