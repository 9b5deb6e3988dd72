package tsa

import (
	"fmt"

	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/wire"
)

// npdu is a decoded incoming NPDU header plus everything after it,
// spec section 6's wire layout read back off the network instead of
// built for transmission.
type npdu struct {
	Control   wire.Control
	VT        wire.VersionAndType
	SrcSubnet byte
	SrcNode   byte
	Dest      domain.DestAddr
	DomainID  [6]byte
	DomainLen uint8
	FirstByte byte
	Rest      []byte
}

// decodeNPDU parses a raw incoming frame. The destination-address field
// is read with exactly the byte counts buildFrame/Frame.Encode write
// for each format, including the 2b multicast-ack extension flagged by
// the node byte's high bit — the same internal convention domain.Table
// and the tp/sn/auth builders already rely on, not a literal reproduction
// of any standardized bit layout.
func decodeNPDU(raw []byte) (npdu, error) {
	if len(raw) < 4 {
		return npdu{}, fmt.Errorf("tsa: frame too short (%d bytes)", len(raw))
	}
	var n npdu
	n.Control = wire.ParseControl(raw[0])
	n.VT = wire.ParseVersionAndType(raw[1])
	n.SrcSubnet, n.SrcNode = raw[2], raw[3]

	dest, consumed, err := decodeDestAddr(n.VT.AddrFormat, raw[4:])
	if err != nil {
		return npdu{}, err
	}
	n.Dest = dest
	off := 4 + consumed

	dlen := wire.DomainLength(n.VT.DomainLenCode)
	if len(raw) < off+dlen+1 {
		return npdu{}, fmt.Errorf("tsa: frame too short for domain id/first byte")
	}
	copy(n.DomainID[:], raw[off:off+dlen])
	n.DomainLen = uint8(dlen)
	off += dlen

	n.FirstByte = raw[off]
	n.Rest = raw[off+1:]
	return n, nil
}

// decodeDestAddr mirrors tp/frame.go's encodeDestAddr exactly; consumed
// is how many bytes of b the address used.
func decodeDestAddr(format wire.AddressFormat, b []byte) (domain.DestAddr, int, error) {
	switch format {
	case wire.AddrBroadcast:
		if len(b) < 1 {
			return domain.DestAddr{}, 0, fmt.Errorf("tsa: short broadcast address")
		}
		return domain.DestAddr{Format: wire.AddrBroadcast, Subnet: b[0]}, 1, nil
	case wire.AddrMulticast:
		if len(b) < 1 {
			return domain.DestAddr{}, 0, fmt.Errorf("tsa: short multicast address")
		}
		return domain.DestAddr{Format: wire.AddrMulticast, Group: b[0]}, 1, nil
	case wire.AddrSubnetNode:
		if len(b) < 2 {
			return domain.DestAddr{}, 0, fmt.Errorf("tsa: short subnet_node address")
		}
		if b[1]&0x80 != 0 {
			if len(b) < 4 {
				return domain.DestAddr{}, 0, fmt.Errorf("tsa: short 2b multicast-ack address")
			}
			return domain.DestAddr{Format: wire.AddrSubnetNode, Subnet: b[0], Node: b[1], Group: b[2], Member: b[3]}, 4, nil
		}
		return domain.DestAddr{Format: wire.AddrSubnetNode, Subnet: b[0], Node: b[1]}, 2, nil
	case wire.AddrUniqueID:
		if len(b) < 6 {
			return domain.DestAddr{}, 0, fmt.Errorf("tsa: short unique_id address")
		}
		var id [6]byte
		copy(id[:], b[:6])
		return domain.DestAddr{Format: wire.AddrUniqueID, UniqueID: id}, 6, nil
	default:
		return domain.DestAddr{}, 0, fmt.Errorf("tsa: unknown address format %v", format)
	}
}

// MatchDomain resolves incoming domain id bytes to a configured index,
// the lookup spec section 1's external collaborator performs on TSA's
// behalf before an RR can be allocated.
func MatchDomain(table *domain.Table, id [6]byte, length uint8) (domain.Index, bool) {
	if e, err := table.Lookup(domain.Index0); err == nil && e.Length == length && e.ID == id {
		return domain.Index0, true
	}
	if e, err := table.Lookup(domain.Index1); err == nil && e.Length == length && e.ID == id {
		return domain.Index1, true
	}
	return 0, false
}
