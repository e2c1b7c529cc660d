package tcpip

import (
	"bufio"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Format distinguishes the two capture file families.
type Format int

const (
	FormatPcap Format = iota
	FormatPcapNg
)

func (f Format) String() string {
	if f == FormatPcapNg {
		return "pcapng"
	}
	return "pcap"
}

var ErrUnknownMagic = fmt.Errorf("unrecognized capture magic number")

// pcap magic variants (both endiannesses, microsecond and nanosecond),
// and the pcapng section header block type.
var (
	pcapMagics = [][4]byte{
		{0xd4, 0xc3, 0xb2, 0xa1},
		{0xa1, 0xb2, 0xc3, 0xd4},
		{0x4d, 0x3c, 0xb2, 0xa1},
		{0xa1, 0xb2, 0x3c, 0x4d},
	}
	ngMagic = [4]byte{0x0a, 0x0d, 0x0d, 0x0a}
)

// packetReader is the common surface of pcapgo.Reader and pcapgo.NgReader.
type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Capture reads packets from either format behind one interface.
type Capture struct {
	packetReader
	Format  Format
	Snaplen uint32
	// Nanos reports nanosecond timestamp resolution for pcap inputs, so the
	// writer side can preserve it.
	Nanos bool
}

// NewCapture sniffs the magic number and returns the matching reader.
func NewCapture(r io.Reader) (*Capture, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	var magic [4]byte
	copy(magic[:], head)

	if magic == ngMagic {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, err
		}
		return &Capture{packetReader: ng, Format: FormatPcapNg, Snaplen: 65535}, nil
	}
	for i, m := range pcapMagics {
		if magic == m {
			pr, err := pcapgo.NewReader(br)
			if err != nil {
				return nil, err
			}
			return &Capture{
				packetReader: pr,
				Format:       FormatPcap,
				Snaplen:      pr.Snaplen(),
				Nanos:        i >= 2, // nanosecond magic variants
			}, nil
		}
	}
	return nil, ErrUnknownMagic
}
