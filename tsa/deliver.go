package tsa

import (
	"fmt"

	"github.com/lonstack/go-tsa/appio"
	"github.com/lonstack/go-tsa/auth"
	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/record"
	"github.com/lonstack/go-tsa/timer"
	"github.com/lonstack/go-tsa/wire"
)

// Receive decodes one incoming NPDU and routes it to the transport,
// session, or authentication sublayer, implementing spec section 4.6's
// top-level Deliver dispatch. now is this stack's current tick.
func (c *Context) Receive(now timer.Time, raw []byte) error {
	n, err := decodeNPDU(raw)
	if err != nil {
		c.Metrics.ProtocolErrors.Inc()
		return err
	}
	idx, ok := MatchDomain(c.Domains, n.DomainID, n.DomainLen)
	if !ok {
		c.Metrics.AddressErrors.Inc()
		return nil
	}
	ln := c.laneByPriority(n.Control.Priority)

	switch n.VT.PDUType {
	case wire.PDUTypeTPDU:
		return c.receiveTPDU(ln, idx, now, n)
	case wire.PDUTypeSPDU:
		return c.receiveSPDU(ln, idx, now, n)
	case wire.PDUTypeAUTH:
		return c.receiveAuth(idx, now, n)
	default:
		c.Metrics.ProtocolErrors.Inc()
		return fmt.Errorf("tsa: unsupported pdu type %v", n.VT.PDUType)
	}
}

func (c *Context) laneByPriority(priority bool) *lane {
	if priority {
		return c.lanes[1]
	}
	return c.lanes[0]
}

// backAddrFrom reconstructs the SrcAddr an incoming ack or response
// frame's destination field describes: the far end addressed it back to
// us as a plain 2a subnet_node, or as the 2b extension carrying the
// group/member it is acking or responding for.
func backAddrFrom(n npdu) (domain.SrcAddr, int) {
	member := -1
	back := domain.SrcAddr{
		Subnet: n.Dest.Subnet,
		Node:   n.Dest.Node,
		Mode:   n.Dest.Format,
		Group:  n.Dest.Group,
	}
	if n.Dest.IsMulticastAck() {
		back.Member = n.Dest.Member
		member = int(n.Dest.Member)
	}
	return back, member
}

// sourceFrom builds the RR source address for a freshly arriving
// request: for a multicast-addressed message this promotes the source
// into the 2b shape BuildAck and InitiateChallenge expect, filling
// Member from this node's own recorded membership. When that
// membership is unknown the source keeps its plain multicast mode, so
// BuildAck omits the ack (spec section 4.3's "send ack").
func sourceFrom(n npdu, domains *domain.Table, idx domain.Index) domain.SrcAddr {
	if n.Dest.Format == wire.AddrMulticast {
		member, known := domains.GroupMember(idx, n.Dest.Group)
		if !known {
			return domain.SrcAddr{Subnet: n.SrcSubnet, Node: n.SrcNode, Domain: idx, Mode: wire.AddrMulticast, Group: n.Dest.Group}
		}
		return domain.SrcAddr{
			Subnet: n.SrcSubnet,
			Node:   n.SrcNode | 0x80,
			Domain: idx,
			Mode:   wire.AddrSubnetNode,
			Group:  n.Dest.Group,
			Member: member,
		}
	}
	return domain.SrcAddr{Subnet: n.SrcSubnet, Node: n.SrcNode, Domain: idx, Mode: wire.AddrSubnetNode}
}

func (c *Context) receiveTPDU(ln *lane, idx domain.Index, now timer.Time, n npdu) error {
	fb := wire.ParseTPSNFirstByte(n.FirstByte)
	tid, consumed, err := wire.DecodeTID(n.VT.Version, fb.Nibble, n.Rest)
	if err != nil {
		c.Metrics.ProtocolErrors.Inc()
		return err
	}
	payload := n.Rest[consumed:]

	switch fb.MsgType {
	case wire.MsgAck:
		ack, member := backAddrFrom(n)
		ln.TP.ReceiveAck(&ln.TX, now, tid, n.DomainID, n.DomainLen, ack, member)
		return nil
	case wire.MsgReminder:
		// Only the multicast originator acts on a reminder it receives
		// back (it never does; reminders only flow originator->members),
		// so a receiving member has nothing to do here.
		return nil
	case wire.MsgACKD, wire.MsgUnackRpt, wire.MsgRemMsg:
		apdu := payload
		if fb.MsgType == wire.MsgRemMsg {
			mlistLen := remMsgListLen(c.Cfg.MaxGroupNumber)
			if mlistLen > len(apdu) {
				mlistLen = len(apdu)
			}
			apdu = apdu[mlistLen:]
		}
		service := record.Acknowledged
		if fb.MsgType == wire.MsgUnackRpt {
			service = record.Repeated
		}
		src := sourceFrom(n, c.Domains, idx)
		return c.receiveMessage(ln, idx, now, n, tid, fb.Auth, service, src, apdu)
	default:
		c.Metrics.ProtocolErrors.Inc()
		return fmt.Errorf("tsa: unexpected tpdu msg type %v", fb.MsgType)
	}
}

// remMsgListLen approximates a REM_MSG's leading M_LIST length: the
// protocol carries no separate length field, so a receiving member
// sizes it the same way tp.BuildMList would for a group at the
// configured maximum size, capped at the 2-byte REM_MSG budget.
func remMsgListLen(maxGroupNumber int) int {
	n := (maxGroupNumber + 1 + 7) / 8
	if n > 2 {
		n = 2
	}
	if n < 0 {
		n = 0
	}
	return n
}

func (c *Context) receiveSPDU(ln *lane, idx domain.Index, now timer.Time, n npdu) error {
	fb := wire.ParseTPSNFirstByte(n.FirstByte)
	tid, consumed, err := wire.DecodeTID(n.VT.Version, fb.Nibble, n.Rest)
	if err != nil {
		c.Metrics.ProtocolErrors.Inc()
		return err
	}
	payload := n.Rest[consumed:]

	switch fb.MsgType {
	case wire.MsgRequest:
		src := sourceFrom(n, c.Domains, idx)
		return c.receiveMessage(ln, idx, now, n, tid, fb.Auth, record.Request, src, payload)
	case wire.MsgResponse:
		src, member := backAddrFrom(n)
		ln.SN.ReceiveResponse(&ln.TX, now, tid, n.DomainID, n.DomainLen, src, member, payload)
		return nil
	default:
		c.Metrics.ProtocolErrors.Inc()
		return fmt.Errorf("tsa: unexpected spdu msg type %v", fb.MsgType)
	}
}

// receiveMessage implements the receive-record half of spec section
// 4.3/4.4: find the RR a retry already owns, or allocate a fresh one,
// then run it through the authentication and delivery guards of spec
// section 4.5/4.6.
func (c *Context) receiveMessage(ln *lane, idx domain.Index, now timer.Time, n npdu, tid uint16, needsAuth bool, service record.Service, src domain.SrcAddr, apdu []byte) error {
	identity := src.Identity(n.DomainID, n.DomainLen)
	if _, rr, found := c.Pool.Find(n.DomainID, n.DomainLen, identity, tid); found {
		switch rr.State {
		case record.JustReceived, record.Authenticating:
			return nil // still in flight, nothing new to do
		case record.Authenticated:
			return c.advanceRR(rr, now) // queue was full last time; retry
		default: // Delivered, Responded, Done
			if service != record.Request {
				if f, ok := ln.TP.BuildAck(rr); ok {
					c.NetOut.Push(f)
				}
			}
			return nil
		}
	}

	_, rr, err := c.Pool.Alloc()
	if err != nil {
		c.Metrics.RRPoolExhausted.Inc()
		return err
	}
	rr.Reset()
	rr.Status = record.TransportOwned
	rr.Source = src
	rr.DomainID = n.DomainID
	rr.DomainLen = n.DomainLen
	rr.TID = tid
	rr.ReqID = c.Pool.NextReqID()
	rr.State = record.JustReceived
	rr.Priority = n.Control.Priority
	rr.AltPath = n.Control.AltPath
	rr.Version = n.VT.Version
	rr.NeedsAuth = needsAuth
	rr.Service = service
	if err := rr.SetAPDU(apdu); err != nil {
		rr.State = record.Done
		c.Metrics.OversizeAPDU.Inc()
		rr.RecvTimer.Set(now, c.Cfg.ReceiveTimerValue)
		return nil
	}
	rr.RecvTimer.Set(now, c.Cfg.ReceiveTimerValue)

	return c.advanceRR(rr, now)
}

// advanceRR runs the authentication guard of spec section 4.5 ahead of
// the Deliver guard of spec section 4.6: a message needing
// authentication is held at the challenge/reply exchange until
// Authenticated, then delivered exactly once.
func (c *Context) advanceRR(rr *record.RR, now timer.Time) error {
	if rr.NeedsAuth && rr.State == record.JustReceived {
		frame, err := c.Auth.InitiateChallenge(rr, int64(now))
		if err != nil {
			c.Metrics.AuthFailures.Inc()
			rr.State = record.Done
			return err
		}
		c.NetOut.Push(frame)
		return nil
	}
	if rr.NeedsAuth && !rr.AuthOK {
		return nil
	}
	return c.deliverRR(rr)
}

// deliverRR implements spec section 4.6's Deliver: drop on an app-queue
// that's full (counted, not retried here — the next duplicate or retry
// re-enters advanceRR and tries again), otherwise push to the
// application and, for transport-service messages, emit the ack.
func (c *Context) deliverRR(rr *record.RR) error {
	delivered := c.AppIn.Push(appio.Delivery{
		ReqID:         rr.ReqID,
		APDU:          append([]byte{}, rr.APDUBytes()...),
		Source:        rr.Source,
		Priority:      rr.Priority,
		AltPath:       rr.AltPath,
		Authenticated: rr.AuthOK,
	})
	if !delivered {
		c.Metrics.AppQueueFull.Inc()
		return nil
	}
	rr.State = record.Delivered
	if rr.Service == record.Request {
		return nil
	}
	ln := c.laneByPriority(rr.Priority)
	if f, ok := ln.TP.BuildAck(rr); ok {
		c.NetOut.Push(f)
	}
	return nil
}

func (c *Context) receiveAuth(idx domain.Index, now timer.Time, n npdu) error {
	fb := wire.ParseAuthFirstByte(n.FirstByte)
	tid, consumed, err := wire.DecodeTID(n.VT.Version, fb.Nibble, n.Rest)
	if err != nil {
		c.Metrics.ProtocolErrors.Inc()
		return err
	}
	payload := n.Rest[consumed:]

	switch {
	case fb.MsgType == wire.MsgChallenge || fb.MsgType == wire.MsgChallengeOMA:
		if len(payload) < 8 {
			c.Metrics.ProtocolErrors.Inc()
			return fmt.Errorf("tsa: short challenge")
		}
		var random [8]byte
		copy(random[:], payload[:8])
		isMulticast := n.Dest.Format == wire.AddrMulticast || n.Dest.IsMulticastAck()
		ln := c.laneByPriority(n.Control.Priority)
		frame, ok := c.Auth.SendReply(&ln.TX, now, tid, n.Dest.Group, isMulticast, random)
		if ok {
			c.NetOut.Push(frame)
		}
		return nil
	case fb.MsgType == wire.MsgReply || fb.MsgType == wire.MsgReplyOMA:
		if len(payload) < auth.MACSize {
			c.Metrics.ProtocolErrors.Inc()
			return fmt.Errorf("tsa: short reply")
		}
		var mac [8]byte
		copy(mac[:], payload[:auth.MACSize])
		src := sourceFrom(n, c.Domains, idx)
		identity := src.Identity(n.DomainID, n.DomainLen)
		_, rr, found := c.Pool.Find(n.DomainID, n.DomainLen, identity, tid)
		if !found || rr.State != record.Authenticating {
			c.Metrics.AuthFailures.Inc()
			return nil
		}
		if !c.Auth.ReceiveReply(rr, mac) {
			return nil
		}
		return c.deliverRR(rr)
	default:
		c.Metrics.ProtocolErrors.Inc()
		return fmt.Errorf("tsa: unexpected auth msg type %v", fb.MsgType)
	}
}
