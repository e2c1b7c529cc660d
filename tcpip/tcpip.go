// Package tcpip wraps captured frames and locates the innermost TCP layer
// through tunnel encapsulations, exposing the payload for in-place rewriting
// and recomputing checksums afterwards.
package tcpip

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/pktmask/pktmask/flowid"
	"github.com/pktmask/pktmask/mask"
)

var (
	ErrNoTCPLayer     = fmt.Errorf("no TCP layer")
	ErrNoIPLayer      = fmt.Errorf("no IP layer below innermost TCP")
	ErrNestingTooDeep = fmt.Errorf("tunnel nesting exceeds maximum depth")
	ErrDecodeFailed   = fmt.Errorf("undecodable frame")
)

// Packet wraps one captured frame.  The decoded layers alias Data, so writes
// through Payload() mutate the frame bytes directly.
type Packet struct {
	// Ci is stored by value; gopacket NoCopy does not preserve the referent.
	Ci   gopacket.CaptureInfo
	Data []byte

	v4    *layers.IPv4
	v6    *layers.IPv6
	tcp   *layers.TCP
	outer []*layers.UDP // encapsulation UDP layers above the innermost TCP
	depth int
}

// tunnelLayer reports whether a decoded layer is an encapsulation that counts
// toward the nesting depth.
func tunnelLayer(t gopacket.LayerType) bool {
	switch t {
	case layers.LayerTypeDot1Q,
		layers.LayerTypeMPLS,
		layers.LayerTypeGRE,
		layers.LayerTypeVXLAN,
		layers.LayerTypeGeneve,
		layers.LayerTypeERSPANII:
		return true
	}
	return false
}

// Wrap decodes a frame down to its innermost TCP layer.  firstDecoder is the
// capture's link type (pcapgo readers provide it).  Frames without TCP return
// ErrNoTCPLayer and should be passed through unchanged by callers.
func Wrap(ci *gopacket.CaptureInfo, data []byte, firstDecoder gopacket.Decoder, maxDepth int) (Packet, error) {
	p := Packet{Ci: *ci, Data: data}
	pkt := gopacket.NewPacket(data, firstDecoder, gopacket.DecodeOptions{NoCopy: true})

	var lastV4 *layers.IPv4
	var lastV6 *layers.IPv6
	var pendingUDP []*layers.UDP
	for _, l := range pkt.Layers() {
		if tunnelLayer(l.LayerType()) {
			p.depth++
			if p.depth > maxDepth {
				return p, ErrNestingTooDeep
			}
		}
		switch v := l.(type) {
		case *layers.IPv4:
			lastV4, lastV6 = v, nil
		case *layers.IPv6:
			lastV6, lastV4 = v, nil
		case *layers.UDP:
			pendingUDP = append(pendingUDP, v)
		case *layers.TCP:
			// Innermost so far; UDP layers seen before it are encapsulation.
			p.tcp = v
			p.v4, p.v6 = lastV4, lastV6
			p.outer = append(p.outer[:0], pendingUDP...)
		}
	}
	if p.tcp == nil {
		if pkt.ErrorLayer() != nil && len(pkt.Layers()) <= 1 {
			return p, ErrDecodeFailed
		}
		return p, ErrNoTCPLayer
	}
	if p.v4 == nil && p.v6 == nil {
		return p, ErrNoIPLayer
	}
	return p, nil
}

// Endpoints returns the source and destination of the innermost TCP segment.
func (p *Packet) Endpoints() (src, dst flowid.Endpoint) {
	if p.v4 != nil {
		src.IP, dst.IP = p.v4.SrcIP, p.v4.DstIP
	} else {
		src.IP, dst.IP = p.v6.SrcIP, p.v6.DstIP
	}
	src.Port = uint16(p.tcp.SrcPort)
	dst.Port = uint16(p.tcp.DstPort)
	return
}

// TupleKey returns the canonical flow identifier of the innermost segment.
func (p *Packet) TupleKey() string {
	src, dst := p.Endpoints()
	return flowid.TupleKey(src, dst)
}

// Direction labels the innermost segment relative to the canonical tuple.
func (p *Packet) Direction() mask.Direction {
	src, dst := p.Endpoints()
	return flowid.DirectionOf(src, dst)
}

// Seq returns the absolute sequence number of the first payload byte.
func (p *Packet) Seq() uint32 {
	return p.tcp.Seq
}

// SeqRange returns [seq, seq+len(payload)) on the absolute sequence axis.
func (p *Packet) SeqRange() (uint32, uint32) {
	return p.tcp.Seq, p.tcp.Seq + uint32(len(p.tcp.Payload))
}

// Payload returns the innermost TCP payload.  The slice aliases Data.
func (p *Packet) Payload() []byte {
	return p.tcp.Payload
}

// Depth returns the number of tunnel encapsulations traversed.
func (p *Packet) Depth() int {
	return p.depth
}

// FinalizeChecksums recomputes the checksums invalidated by a payload
// rewrite: the innermost TCP checksum, the innermost IPv4 header checksum,
// and any encapsulating UDP checksums, which are cleared (checksum disabled)
// rather than recomputed over the tunneled bytes.
func (p *Packet) FinalizeChecksums() {
	for _, u := range p.outer {
		if len(u.Contents) >= 8 {
			u.Contents[6] = 0
			u.Contents[7] = 0
		}
	}
	if p.v4 != nil && len(p.v4.Contents) >= 20 {
		p.v4.Contents[10] = 0
		p.v4.Contents[11] = 0
		sum := finish(sum16(0, p.v4.Contents))
		p.v4.Contents[10] = byte(sum >> 8)
		p.v4.Contents[11] = byte(sum)
	}
	if len(p.tcp.Contents) >= 18 {
		p.tcp.Contents[16] = 0
		p.tcp.Contents[17] = 0
		sum := p.tcpChecksum()
		p.tcp.Contents[16] = byte(sum >> 8)
		p.tcp.Contents[17] = byte(sum)
	}
}

// tcpChecksum computes the TCP checksum over the pseudo header, the TCP
// header, and the payload.
func (p *Packet) tcpChecksum() uint16 {
	segLen := len(p.tcp.Contents) + len(p.tcp.Payload)
	var pseudo []byte
	if p.v4 != nil {
		pseudo = make([]byte, 0, 12)
		pseudo = append(pseudo, p.v4.SrcIP.To4()...)
		pseudo = append(pseudo, p.v4.DstIP.To4()...)
		pseudo = append(pseudo, 0, byte(layers.IPProtocolTCP))
		pseudo = append(pseudo, byte(segLen>>8), byte(segLen))
	} else {
		pseudo = make([]byte, 0, 40)
		pseudo = append(pseudo, p.v6.SrcIP.To16()...)
		pseudo = append(pseudo, p.v6.DstIP.To16()...)
		pseudo = append(pseudo, 0, 0, byte(segLen>>8), byte(segLen))
		pseudo = append(pseudo, 0, 0, 0, byte(layers.IPProtocolTCP))
	}
	s := sum16(0, pseudo)
	s = sum16(s, p.tcp.Contents)
	s = sum16(s, p.tcp.Payload)
	c := finish(s)
	// A transmitted TCP checksum of zero is reserved.
	if c == 0 {
		c = 0xffff
	}
	return c
}
