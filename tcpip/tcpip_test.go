package tcpip_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/pktmask/pktmask/mask"
	"github.com/pktmask/pktmask/tcpip"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func tcpFrame(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, seq uint32, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.ParseIP(srcIP).To4(), DstIP: net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort),
		Seq: seq, ACK: true, Window: 1024,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
}

func ci(n int) *gopacket.CaptureInfo {
	return &gopacket.CaptureInfo{Timestamp: time.Unix(1, 0), CaptureLength: n, Length: n}
}

func TestWrapBasics(t *testing.T) {
	data := tcpFrame(t, "192.168.0.2", "192.168.0.1", 40337, 443, 5000, []byte("hello"))
	p, err := tcpip.Wrap(ci(len(data)), data, layers.LinkTypeEthernet, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.TupleKey(); got != "192.168.0.1:443-192.168.0.2:40337" {
		t.Errorf("tuple key = %q", got)
	}
	if p.Direction() != mask.DirReverse {
		t.Errorf("direction = %v, want reverse", p.Direction())
	}
	lo, hi := p.SeqRange()
	if lo != 5000 || hi != 5005 {
		t.Errorf("seq range = [%d,%d)", lo, hi)
	}
	if string(p.Payload()) != "hello" {
		t.Errorf("payload = %q", p.Payload())
	}
	// The payload must alias the frame so in-place rewrites stick.
	p.Payload()[0] = 'H'
	if !bytes.Contains(data, []byte("Hello")) {
		t.Error("payload does not alias the frame data")
	}
}

func TestWrapNonTCP(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2},
	}
	udp := &layers.UDP{SrcPort: 53, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)
	data := serialize(t, eth, ip, udp, gopacket.Payload([]byte("x")))

	_, err := tcpip.Wrap(ci(len(data)), data, layers.LinkTypeEthernet, 10)
	if err != tcpip.ErrNoTCPLayer {
		t.Errorf("err = %v, want ErrNoTCPLayer", err)
	}
}

func TestWrapVLAN(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeDot1Q,
	}
	vlan := &layers.Dot1Q{VLANIdentifier: 7, Type: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2},
	}
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 443, Seq: 99, Window: 512}
	tcp.SetNetworkLayerForChecksum(ip)
	data := serialize(t, eth, vlan, ip, tcp, gopacket.Payload([]byte("vlan payload")))

	p, err := tcpip.Wrap(ci(len(data)), data, layers.LinkTypeEthernet, 10)
	if err != nil {
		t.Fatal(err)
	}
	if p.Depth() != 1 {
		t.Errorf("depth = %d, want 1", p.Depth())
	}
	if string(p.Payload()) != "vlan payload" {
		t.Errorf("payload = %q", p.Payload())
	}

	// The same frame with a depth budget of zero must be rejected.
	if _, err := tcpip.Wrap(ci(len(data)), data, layers.LinkTypeEthernet, 0); err != tcpip.ErrNestingTooDeep {
		t.Errorf("err = %v, want ErrNestingTooDeep", err)
	}
}

func TestFinalizeChecksums(t *testing.T) {
	payload := []byte("sensitive payload bytes")
	data := tcpFrame(t, "10.1.1.1", "10.1.1.2", 5555, 443, 100, payload)
	p, err := tcpip.Wrap(ci(len(data)), data, layers.LinkTypeEthernet, 10)
	if err != nil {
		t.Fatal(err)
	}

	// Mask the payload in place, then repair the checksums.
	for i := range p.Payload() {
		p.Payload()[i] = 0
	}
	p.FinalizeChecksums()

	// An independently serialized packet with the same masked payload must
	// carry identical TCP and IP checksums.
	want := tcpFrame(t, "10.1.1.1", "10.1.1.2", 5555, 443, 100, make([]byte, len(payload)))
	if !bytes.Equal(data, want) {
		t.Errorf("rewritten frame differs from reference\n got %x\nwant %x", data, want)
	}
}

func TestFinalizeChecksumsIPv6(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv6,
	}
	mk := func(payload []byte) []byte {
		ip := &layers.IPv6{
			Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP,
			SrcIP: net.ParseIP("2001:db8::1"), DstIP: net.ParseIP("2001:db8::2"),
		}
		tcp := &layers.TCP{SrcPort: 1894, DstPort: 443, Seq: 77, Window: 256}
		tcp.SetNetworkLayerForChecksum(ip)
		return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
	}
	data := mk([]byte("abcdefg"))
	p, err := tcpip.Wrap(ci(len(data)), data, layers.LinkTypeEthernet, 10)
	if err != nil {
		t.Fatal(err)
	}
	for i := range p.Payload() {
		p.Payload()[i] = 0xAA
	}
	p.FinalizeChecksums()

	want := mk(bytes.Repeat([]byte{0xAA}, 7))
	if !bytes.Equal(data, want) {
		t.Errorf("rewritten frame differs from reference\n got %x\nwant %x", data, want)
	}
}

func TestNewCapture(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatal(err)
	}
	frame := tcpFrame(t, "10.0.0.1", "10.0.0.2", 1, 2, 0, []byte("x"))
	if err := w.WritePacket(*ci(len(frame)), frame); err != nil {
		t.Fatal(err)
	}

	c, err := tcpip.NewCapture(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if c.Format != tcpip.FormatPcap || c.Nanos {
		t.Errorf("format = %v nanos = %v", c.Format, c.Nanos)
	}
	if c.LinkType() != layers.LinkTypeEthernet {
		t.Errorf("link type = %v", c.LinkType())
	}
	data, _, err := c.ReadPacketData()
	if err != nil || len(data) != len(frame) {
		t.Errorf("read %d bytes, err %v", len(data), err)
	}
}

func TestNewCaptureGarbage(t *testing.T) {
	_, err := tcpip.NewCapture(bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8}))
	if err != tcpip.ErrUnknownMagic {
		t.Errorf("err = %v, want ErrUnknownMagic", err)
	}
}
