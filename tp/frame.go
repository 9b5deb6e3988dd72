// Package tp implements the Transport layer state machine of spec
// section 4.3: reliable delivery with ack/repeated service, reminders,
// M_LIST group-ack bitmaps, one TX per priority lane.
package tp

import (
	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/wire"
)

// Frame is a logical outgoing NPDU: enough to drive and test the
// transport state machine without committing to a specific byte
// serialization the out-of-scope link driver owns. Encode produces the
// bit-exact header spec section 6 specifies, for embedders that do want
// raw bytes.
type Frame struct {
	Control   wire.Control
	VT        wire.VersionAndType
	Dest      domain.DestAddr
	DomainID  [6]byte
	DomainLen uint8
	SrcSubnet byte
	SrcNode   byte
	// FirstByte is the already-encoded first byte of the enclosed
	// TPDU/SPDU/AUTHPDU: a wire.TPSNFirstByte.Value() for TP/SN frames,
	// a wire.AuthFirstByte.Value() for AUTH frames. Kept as a raw byte
	// here because the two PDU kinds pack that byte differently.
	FirstByte byte
	TIDExtra  []byte
	APDU      []byte
}

// Encode serializes the frame into the bit-exact wire layout of spec
// section 6: NPDU header, then the enclosed PDU first byte (and its
// enhanced-mode extra TID byte), then the APDU.
func (f Frame) Encode() []byte {
	out := make([]byte, 0, 8+len(f.APDU))
	out = append(out, f.Control.Value(), f.VT.Value())
	out = append(out, f.SrcSubnet, f.SrcNode)
	out = append(out, encodeDestAddr(f.Dest)...)
	out = append(out, f.DomainID[:f.DomainLen]...)
	out = append(out, f.FirstByte)
	out = append(out, f.TIDExtra...)
	out = append(out, f.APDU...)
	return out
}

func encodeDestAddr(d domain.DestAddr) []byte {
	switch d.Format {
	case wire.AddrBroadcast:
		return []byte{d.Subnet}
	case wire.AddrMulticast:
		return []byte{d.Group}
	case wire.AddrSubnetNode:
		if d.IsMulticastAck() {
			return []byte{d.Subnet, d.Node, d.Group, d.Member}
		}
		return []byte{d.Subnet, d.Node}
	case wire.AddrUniqueID:
		return d.UniqueID[:]
	default:
		return nil
	}
}

// NetOut is the outgoing NPDU queue boundary TP drains into. Matching
// spec section 4.1, Available is checked before every send attempt
// (including the "2 free slots" reminder-pair case) and Push never
// blocks.
type NetOut interface {
	Available() int
	Push(Frame) bool
}
