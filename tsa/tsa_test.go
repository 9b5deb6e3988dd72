package tsa_test

import (
	"testing"

	"github.com/lonstack/go-tsa/appio"
	"github.com/lonstack/go-tsa/auth"
	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/record"
	"github.com/lonstack/go-tsa/timer"
	"github.com/lonstack/go-tsa/tp"
	"github.com/lonstack/go-tsa/tsa"
	"github.com/lonstack/go-tsa/wire"
	"github.com/rs/xid"
	"gotest.tools/v3/assert"
)

const (
	localSubnet = byte(1)
	localNode   = byte(5)
	peerSubnet  = byte(2)
	peerNode    = byte(9)
)

func newTestTable(t *testing.T) *domain.Table {
	t.Helper()
	tbl := domain.NewTable()
	assert.NilError(t, tbl.Set(0, domain.Entry{ID: [6]byte{1, 2, 3}, Length: 3}))
	return tbl
}

func newTestContext(t *testing.T, tbl *domain.Table) *tsa.Context {
	t.Helper()
	cfg := tsa.DefaultConfig()
	cfg.LocalSubnet, cfg.LocalNode = localSubnet, localNode
	ctx, err := tsa.NewContext(cfg, tbl, "test")
	assert.NilError(t, err)
	return ctx
}

func domainID(t *testing.T, tbl *domain.Table) ([6]byte, uint8) {
	t.Helper()
	e, err := tbl.Lookup(domain.Index0)
	assert.NilError(t, err)
	return e.ID, e.Length
}

func nibbleFor(f tp.Frame) byte {
	return wire.ParseTPSNFirstByte(f.FirstByte).Nibble
}

func TestAcknowledgedUnicastRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	ctx := newTestContext(t, tbl)
	id, dlen := domainID(t, tbl)

	tag, err := ctx.Send(false, appio.SendRequest{
		Dest:    domain.SubnetNode(domain.Index0, peerSubnet, peerNode),
		Service: record.Acknowledged,
		APDU:    []byte{0xAA, 0xBB},
	})
	assert.NilError(t, err)

	ctx.Tick(timer.Time(0))
	frame, ok := ctx.NetOut.Pop()
	assert.Assert(t, ok)
	assert.Equal(t, frame.VT.PDUType, wire.PDUTypeTPDU)

	ack := tp.Frame{
		VT:        wire.VersionAndType{Version: wire.VersionLegacy, PDUType: wire.PDUTypeTPDU, AddrFormat: wire.AddrSubnetNode, DomainLenCode: 2},
		Dest:      domain.SubnetNode(domain.Index0, localSubnet, localNode),
		DomainID:  id,
		DomainLen: dlen,
		SrcSubnet: peerSubnet,
		SrcNode:   peerNode,
		FirstByte: wire.TPSNFirstByte{MsgType: wire.MsgAck, Nibble: nibbleFor(frame)}.Value(),
	}
	assert.NilError(t, ctx.Receive(timer.Time(1), ack.Encode()))

	completion, ok := ctx.Done.Pop()
	assert.Assert(t, ok)
	assert.Assert(t, completion.Success)
	assert.Equal(t, completion.Tag.(xid.ID), tag)
}

func TestRequestResponseUnicastRoundTrip(t *testing.T) {
	tbl := newTestTable(t)
	ctx := newTestContext(t, tbl)
	id, dlen := domainID(t, tbl)

	tag, err := ctx.Send(false, appio.SendRequest{
		Dest:    domain.SubnetNode(domain.Index0, peerSubnet, peerNode),
		Service: record.Request,
		APDU:    []byte{0x01},
	})
	assert.NilError(t, err)

	ctx.Tick(timer.Time(0))
	frame, ok := ctx.NetOut.Pop()
	assert.Assert(t, ok)
	assert.Equal(t, frame.VT.PDUType, wire.PDUTypeSPDU)

	resp := tp.Frame{
		VT:        wire.VersionAndType{Version: wire.VersionLegacy, PDUType: wire.PDUTypeSPDU, AddrFormat: wire.AddrSubnetNode, DomainLenCode: 2},
		Dest:      domain.SubnetNode(domain.Index0, localSubnet, localNode),
		DomainID:  id,
		DomainLen: dlen,
		SrcSubnet: peerSubnet,
		SrcNode:   peerNode,
		FirstByte: wire.TPSNFirstByte{MsgType: wire.MsgResponse, Nibble: nibbleFor(frame)}.Value(),
		APDU:      []byte{0x5A},
	}
	assert.NilError(t, ctx.Receive(timer.Time(1), resp.Encode()))

	delivery, ok := ctx.AppIn.Pop()
	assert.Assert(t, ok)
	assert.DeepEqual(t, delivery.APDU, []byte{0x5A})

	completion, ok := ctx.Done.Pop()
	assert.Assert(t, ok)
	assert.Assert(t, completion.Success)
	assert.Equal(t, completion.Tag.(xid.ID), tag)
}

func TestIncomingAcknowledgedRequestDeliversAndAcks(t *testing.T) {
	tbl := newTestTable(t)
	ctx := newTestContext(t, tbl)
	id, dlen := domainID(t, tbl)

	req := tp.Frame{
		VT:        wire.VersionAndType{Version: wire.VersionLegacy, PDUType: wire.PDUTypeTPDU, AddrFormat: wire.AddrSubnetNode, DomainLenCode: 2},
		Dest:      domain.SubnetNode(domain.Index0, localSubnet, localNode),
		DomainID:  id,
		DomainLen: dlen,
		SrcSubnet: peerSubnet,
		SrcNode:   peerNode,
		FirstByte: wire.TPSNFirstByte{MsgType: wire.MsgACKD, Nibble: 3}.Value(),
		APDU:      []byte{0x01, 0x02},
	}
	assert.NilError(t, ctx.Receive(timer.Time(0), req.Encode()))

	delivery, ok := ctx.AppIn.Pop()
	assert.Assert(t, ok)
	assert.DeepEqual(t, delivery.APDU, []byte{0x01, 0x02})
	assert.Equal(t, delivery.Source.Subnet, peerSubnet)
	assert.Equal(t, delivery.Source.Node, peerNode)

	ackOut, ok := ctx.NetOut.Pop()
	assert.Assert(t, ok)
	assert.Equal(t, wire.ParseTPSNFirstByte(ackOut.FirstByte).MsgType, wire.MsgAck)
	assert.Equal(t, ackOut.Dest.Subnet, peerSubnet)
	assert.Equal(t, ackOut.Dest.Node, peerNode)
}

func TestDuplicateRequestResendsAckWithoutRedelivery(t *testing.T) {
	tbl := newTestTable(t)
	ctx := newTestContext(t, tbl)
	id, dlen := domainID(t, tbl)

	req := tp.Frame{
		VT:        wire.VersionAndType{Version: wire.VersionLegacy, PDUType: wire.PDUTypeTPDU, AddrFormat: wire.AddrSubnetNode, DomainLenCode: 2},
		Dest:      domain.SubnetNode(domain.Index0, localSubnet, localNode),
		DomainID:  id,
		DomainLen: dlen,
		SrcSubnet: peerSubnet,
		SrcNode:   peerNode,
		FirstByte: wire.TPSNFirstByte{MsgType: wire.MsgACKD, Nibble: 7}.Value(),
		APDU:      []byte{0x9},
	}
	raw := req.Encode()

	assert.NilError(t, ctx.Receive(timer.Time(0), raw))
	_, ok := ctx.AppIn.Pop()
	assert.Assert(t, ok)
	_, ok = ctx.NetOut.Pop()
	assert.Assert(t, ok)

	assert.NilError(t, ctx.Receive(timer.Time(1), raw))
	_, ok = ctx.AppIn.Pop()
	assert.Assert(t, !ok, "a duplicate request must not be delivered a second time")

	resend, ok := ctx.NetOut.Pop()
	assert.Assert(t, ok, "a duplicate request must still have its ack resent")
	assert.Equal(t, wire.ParseTPSNFirstByte(resend.FirstByte).MsgType, wire.MsgAck)
}

func TestMulticastGroupPartialAcksThenComplete(t *testing.T) {
	tbl := newTestTable(t)
	ctx := newTestContext(t, tbl)
	id, dlen := domainID(t, tbl)

	tag, err := ctx.Send(false, appio.SendRequest{
		Dest:      domain.Multicast(domain.Index0, 2),
		Service:   record.Acknowledged,
		GroupSize: 4,
		APDU:      []byte{0x77},
	})
	assert.NilError(t, err)

	ctx.Tick(timer.Time(0))
	frame, ok := ctx.NetOut.Pop()
	assert.Assert(t, ok)
	assert.Equal(t, frame.VT.AddrFormat, wire.AddrMulticast)

	buildAck := func(member byte) []byte {
		f := tp.Frame{
			VT:        wire.VersionAndType{Version: wire.VersionLegacy, PDUType: wire.PDUTypeTPDU, AddrFormat: wire.AddrSubnetNode, DomainLenCode: 2},
			Dest:      domain.MulticastAck(domain.Index0, localSubnet, localNode|0x80, 2, member),
			DomainID:  id,
			DomainLen: dlen,
			SrcSubnet: peerSubnet,
			SrcNode:   member,
			FirstByte: wire.TPSNFirstByte{MsgType: wire.MsgAck, Nibble: nibbleFor(frame)}.Value(),
		}
		return f.Encode()
	}

	assert.NilError(t, ctx.Receive(timer.Time(1), buildAck(0)))
	assert.NilError(t, ctx.Receive(timer.Time(1), buildAck(1)))
	assert.Equal(t, ctx.Done.Size(), 0, "transaction must stay open until every member acks")

	assert.NilError(t, ctx.Receive(timer.Time(1), buildAck(2)))
	assert.NilError(t, ctx.Receive(timer.Time(1), buildAck(3)))

	completion, ok := ctx.Done.Pop()
	assert.Assert(t, ok)
	assert.Assert(t, completion.Success)
	assert.Equal(t, completion.Tag.(xid.ID), tag)
}

func TestAuthenticatedAcknowledgedRoundTrip(t *testing.T) {
	tbl := domain.NewTable()
	key := [12]byte{1, 2, 3, 4, 5, 6}
	assert.NilError(t, tbl.Set(0, domain.Entry{ID: [6]byte{1, 2, 3}, Length: 3, Key: key, KeyLen: 6}))
	ctx := newTestContext(t, tbl)
	id, dlen := domainID(t, tbl)

	req := tp.Frame{
		VT:        wire.VersionAndType{Version: wire.VersionLegacy, PDUType: wire.PDUTypeTPDU, AddrFormat: wire.AddrSubnetNode, DomainLenCode: 2},
		Dest:      domain.SubnetNode(domain.Index0, localSubnet, localNode),
		DomainID:  id,
		DomainLen: dlen,
		SrcSubnet: peerSubnet,
		SrcNode:   peerNode,
		FirstByte: wire.TPSNFirstByte{Auth: true, MsgType: wire.MsgACKD, Nibble: 4}.Value(),
		APDU:      []byte{0x11, 0x22},
	}
	assert.NilError(t, ctx.Receive(timer.Time(0), req.Encode()))

	challenge, ok := ctx.NetOut.Pop()
	assert.Assert(t, ok)
	assert.Equal(t, challenge.VT.PDUType, wire.PDUTypeAUTH)
	assert.Equal(t, wire.ParseAuthFirstByte(challenge.FirstByte).MsgType, wire.MsgChallenge)

	identity := domain.SrcAddr{Subnet: peerSubnet, Node: peerNode, Mode: wire.AddrSubnetNode}.Identity(id, dlen)
	_, rr, found := ctx.Pool.FindByIdentity(id, dlen, identity)
	assert.Assert(t, found)
	assert.Equal(t, rr.State, record.Authenticating)

	mac := auth.Encrypt(rr.Random, rr.APDUBytes(), key[:6], false, nil)

	reply := tp.Frame{
		VT:        wire.VersionAndType{Version: wire.VersionLegacy, PDUType: wire.PDUTypeAUTH, AddrFormat: wire.AddrSubnetNode, DomainLenCode: 2},
		Dest:      domain.SubnetNode(domain.Index0, localSubnet, localNode),
		DomainID:  id,
		DomainLen: dlen,
		SrcSubnet: peerSubnet,
		SrcNode:   peerNode,
		FirstByte: wire.AuthFirstByte{MsgType: wire.MsgReply, Nibble: 4}.Value(),
		APDU:      mac[:],
	}
	assert.NilError(t, ctx.Receive(timer.Time(1), reply.Encode()))

	delivery, ok := ctx.AppIn.Pop()
	assert.Assert(t, ok)
	assert.Assert(t, delivery.Authenticated)
	assert.DeepEqual(t, delivery.APDU, []byte{0x11, 0x22})

	ackOut, ok := ctx.NetOut.Pop()
	assert.Assert(t, ok)
	assert.Equal(t, wire.ParseTPSNFirstByte(ackOut.FirstByte).MsgType, wire.MsgAck)
}

func TestSweepPoolFreesExpiredDeliveredSlot(t *testing.T) {
	tbl := newTestTable(t)
	cfg := tsa.DefaultConfig()
	cfg.LocalSubnet, cfg.LocalNode = localSubnet, localNode
	cfg.RRPoolSize = 1
	cfg.ReceiveTimerValue = 10
	ctx, err := tsa.NewContext(cfg, tbl, "test_sweep")
	assert.NilError(t, err)
	id, dlen := domainID(t, tbl)

	first := tp.Frame{
		VT:        wire.VersionAndType{Version: wire.VersionLegacy, PDUType: wire.PDUTypeTPDU, AddrFormat: wire.AddrSubnetNode, DomainLenCode: 2},
		Dest:      domain.SubnetNode(domain.Index0, localSubnet, localNode),
		DomainID:  id,
		DomainLen: dlen,
		SrcSubnet: peerSubnet,
		SrcNode:   peerNode,
		FirstByte: wire.TPSNFirstByte{MsgType: wire.MsgACKD, Nibble: 1}.Value(),
		APDU:      []byte{0x1},
	}
	assert.NilError(t, ctx.Receive(timer.Time(0), first.Encode()))
	_, ok := ctx.AppIn.Pop()
	assert.Assert(t, ok)
	_, ok = ctx.NetOut.Pop()
	assert.Assert(t, ok)

	second := tp.Frame{
		VT:        wire.VersionAndType{Version: wire.VersionLegacy, PDUType: wire.PDUTypeTPDU, AddrFormat: wire.AddrSubnetNode, DomainLenCode: 2},
		Dest:      domain.SubnetNode(domain.Index0, localSubnet, localNode),
		DomainID:  id,
		DomainLen: dlen,
		SrcSubnet: peerSubnet,
		SrcNode:   0x42,
		FirstByte: wire.TPSNFirstByte{MsgType: wire.MsgACKD, Nibble: 1}.Value(),
		APDU:      []byte{0x2},
	}
	err = ctx.Receive(timer.Time(20), second.Encode())
	assert.Assert(t, err != nil, "the single-slot pool must refuse a second peer before its receive timer is swept")

	ctx.Tick(timer.Time(40))
	assert.NilError(t, ctx.Receive(timer.Time(41), second.Encode()))
	delivery, ok := ctx.AppIn.Pop()
	assert.Assert(t, ok)
	assert.Equal(t, delivery.Source.Node, byte(0x42))
}
