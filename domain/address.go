// Package domain holds the data model of spec section 3 that TSA reads
// but never mutates on its own: the domain table, and the tagged-union
// destination/source addresses. Per the design note in spec section 9,
// these are expressed as Go sum types (a Kind discriminator plus the
// fields relevant to that kind) rather than a C-style union, with wire
// encoding kept entirely in package wire.
package domain

import "github.com/lonstack/go-tsa/wire"

// Index selects which domain table entry a message uses: an explicit
// slot, the flex-domain pseudo-entry used for anonymous responses, or
// "derive from the destination address" (used when sending and the
// caller did not pin a domain).
type Index uint8

const (
	Index0    Index = 0
	Index1    Index = 1
	IndexFlex Index = 2
	IndexDerive Index = 3
)

func (i Index) String() string {
	switch i {
	case Index0:
		return "domain0"
	case Index1:
		return "domain1"
	case IndexFlex:
		return "flex"
	case IndexDerive:
		return "derive"
	default:
		return "domain<?>"
	}
}

// DestAddr is the tagged union over the five destination address kinds
// named in spec section 3, plus the domain reference to use when
// building the outgoing NPDU header.
type DestAddr struct {
	Format wire.AddressFormat
	Domain Index

	Subnet byte // broadcast, subnet_node, multicast_ack
	Node   byte // subnet_node, multicast_ack

	Group  byte // multicast, multicast_ack
	Member byte // multicast_ack: target group member index

	UniqueID [6]byte // unique_id
}

func Broadcast(domainIdx Index, subnet byte) DestAddr {
	return DestAddr{Format: wire.AddrBroadcast, Domain: domainIdx, Subnet: subnet}
}

func Multicast(domainIdx Index, group byte) DestAddr {
	return DestAddr{Format: wire.AddrMulticast, Domain: domainIdx, Group: group}
}

func SubnetNode(domainIdx Index, subnet, node byte) DestAddr {
	return DestAddr{Format: wire.AddrSubnetNode, Domain: domainIdx, Subnet: subnet, Node: node}
}

func MulticastAck(domainIdx Index, subnet, node, group, member byte) DestAddr {
	return DestAddr{Format: wire.AddrSubnetNode, Domain: domainIdx, Subnet: subnet, Node: node, Group: group, Member: member}
}

func UniqueID(domainIdx Index, id [6]byte) DestAddr {
	return DestAddr{Format: wire.AddrUniqueID, Domain: domainIdx, UniqueID: id}
}

// IsMulticastAck reports whether a subnet_node-formatted address is
// actually the 2b multicast-ack variant. This module flags 2b by the
// high bit of the address's own Node byte, which Frame.Encode writes as
// the destination node on the wire; the source node byte's high bit is
// not used for this.
func (d DestAddr) IsMulticastAck() bool {
	return d.Format == wire.AddrSubnetNode && d.Node&0x80 != 0
}

// Identity is the comparable identity tuple spec section 3 defines an
// RR (and the TCS past-destination table) by: everything needed to
// decide "is this the same logical peer/transaction stream", excluding
// the transaction number and APDU bytes which are compared separately.
// Being a plain comparable struct lets it serve directly as a map key.
type Identity struct {
	DomainID  [6]byte
	DomainLen uint8
	Mode      wire.AddressFormat
	Subnet    byte
	Node      byte
	Group     byte
	Member    byte
	UniqueID  [6]byte
}

// Identity derives the comparison identity for a destination, given
// the resolved domain id bytes/length it was sent under.
func (d DestAddr) Identity(domainID [6]byte, domainLen uint8) Identity {
	id := Identity{DomainID: domainID, DomainLen: domainLen, Mode: d.Format}
	switch d.Format {
	case wire.AddrBroadcast:
		id.Subnet = d.Subnet
	case wire.AddrMulticast:
		id.Group = d.Group
	case wire.AddrSubnetNode:
		id.Subnet, id.Node = d.Subnet, d.Node
		if d.IsMulticastAck() {
			id.Group, id.Member = d.Group, d.Member
		}
	case wire.AddrUniqueID:
		id.UniqueID = d.UniqueID
	}
	return id
}

// SrcAddr is the sender-side address described in spec section 3: the
// subnet/node of the sender, the domain it arrived on, the original
// address mode used (needed to pair a response with its request and to
// route an ack back to the correct group member), and, for multicast,
// the sender's own member index within the group.
type SrcAddr struct {
	Subnet byte
	Node   byte
	Domain Index
	Mode   wire.AddressFormat
	Group  byte
	Member byte
}

// Identity derives the comparison identity for a source address,
// mirroring DestAddr.Identity so an incoming RR and the TX waiting for
// its ack/response can be matched against each other.
func (s SrcAddr) Identity(domainID [6]byte, domainLen uint8) Identity {
	id := Identity{DomainID: domainID, DomainLen: domainLen, Mode: s.Mode, Subnet: s.Subnet, Node: s.Node}
	if s.Mode == wire.AddrMulticast || s.IsMulticastAck() {
		id.Group = s.Group
	}
	if s.IsMulticastAck() {
		id.Member = s.Member
	}
	return id
}

// IsMulticastAck reports the 2b variant for a source address the same
// way DestAddr does: subnet_node format with the source node's high
// bit set.
func (s SrcAddr) IsMulticastAck() bool {
	return s.Mode == wire.AddrSubnetNode && s.Node&0x80 != 0
}
