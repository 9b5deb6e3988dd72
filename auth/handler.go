// Package auth also holds the authentication sublayer's state-machine
// glue (spec section 4.5): initiating a challenge against an incoming
// RR, verifying a reply, and answering a challenge against our own
// outgoing TX. The cryptographic core lives in mac.go/challenge.go;
// this file only sequences RR/TX field transitions and frame building.
package auth

import (
	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/metrics"
	"github.com/lonstack/go-tsa/record"
	"github.com/lonstack/go-tsa/tcs"
	"github.com/lonstack/go-tsa/timer"
	"github.com/lonstack/go-tsa/tlog"
	"github.com/lonstack/go-tsa/tp"
	"github.com/lonstack/go-tsa/wire"
)

// KeySource resolves the authentication key (and OMA flag/destination
// prefix) for a domain, the read side of the domain table's key
// material (spec section 4.5).
type KeySource interface {
	Key(domainIdx domain.Index, alt bool) (key []byte, oma bool, err error)
}

// Handler sequences the challenge/reply exchange on the receive side
// (RR-initiated challenges) and send side (replying to a challenge
// against our own TX). Its methods act on the RR or TX passed in and do
// not read Lane, so one Handler can serve both priority lanes.
type Handler struct {
	Lane      tcs.Lane
	LocalSub  byte
	LocalNode byte
	Keys      KeySource
	Gen       *ChallengeGenerator
	Metrics   *metrics.Set
	Log       tlog.Tlog
}

// NewHandler builds an auth Handler for one lane.
func NewHandler(lane tcs.Lane, localSubnet, localNode byte, keys KeySource, m *metrics.Set, log tlog.Tlog) *Handler {
	return &Handler{
		Lane: lane, LocalSub: localSubnet, LocalNode: localNode,
		Keys: keys, Gen: NewChallengeGenerator(), Metrics: m, Log: log,
	}
}

// InitiateChallenge implements spec section 4.5's "initiate challenge"
// for an RR in JustReceived or re-entered Authenticating. tick feeds
// the challenge generator's mixing step.
func (h *Handler) InitiateChallenge(rr *record.RR, tick int64) (tp.Frame, error) {
	if rr.State != record.JustReceived && rr.State != record.Authenticating {
		return tp.Frame{}, nil
	}
	if rr.State == record.JustReceived {
		rr.Random = h.Gen.Next(tick)
	}

	_, oma, err := h.Keys.Key(rr.Source.Domain, false)
	if err != nil {
		return tp.Frame{}, err
	}

	var dest domain.DestAddr
	if rr.Source.IsMulticastAck() {
		dest = domain.MulticastAck(rr.Source.Domain, rr.Source.Subnet, rr.Source.Node, rr.Source.Group, rr.Source.Member)
	} else {
		dest = domain.SubnetNode(rr.Source.Domain, rr.Source.Subnet, rr.Source.Node)
	}

	msgType := MsgTypeFor(oma, false)
	nibble, extra := wire.EncodeTID(rr.Version, rr.TID)
	code, _ := wire.DomainLengthCode(int(rr.DomainLen))
	frame := tp.Frame{
		Control:   wire.Control{AltPath: rr.AltPath},
		VT:        wire.VersionAndType{Version: rr.Version, PDUType: wire.PDUTypeAUTH, AddrFormat: dest.Format, DomainLenCode: code},
		Dest:      dest,
		DomainID:  rr.DomainID,
		DomainLen: rr.DomainLen,
		SrcSubnet: h.LocalSub,
		SrcNode:   h.LocalNode,
		FirstByte: wire.AuthFirstByte{AddrFormatBit: addrFormatBit(rr.Source), MsgType: msgType, Nibble: nibble}.Value(),
		TIDExtra:  extra,
		APDU:      rr.Random[:],
	}
	rr.State = record.Authenticating
	return frame, nil
}

// ReceiveReply implements spec section 4.5's "receive reply": the
// caller has already matched the RR (via the reply's source address
// and transaction number); this verifies the MAC. Returns whether
// authentication succeeded.
func (h *Handler) ReceiveReply(rr *record.RR, mac [8]byte) bool {
	key, oma, err := h.Keys.Key(rr.Source.Domain, false)
	if err != nil {
		h.Metrics.AuthFailures.Inc()
		return false
	}
	ok := Verify(rr.Random, rr.APDUBytes(), key, oma, nil, mac)
	if !ok {
		h.Metrics.AuthFailures.Inc()
		rr.State = record.Authenticating
		return false
	}
	rr.AuthOK = true
	rr.State = record.Authenticated
	return true
}

// SendReply implements spec section 4.5's "send reply" for a challenge
// that arrived against our own outgoing TX: verify ownership, compute
// the MAC over our stored APDU, and restart the transmit timer so the
// TX continues waiting for an ack/response.
func (h *Handler) SendReply(tx *record.TX, now timer.Time, tid uint16, group byte, isMulticast bool, random [8]byte) (tp.Frame, bool) {
	if tx.Status == record.Unused || tx.Terminating {
		return tp.Frame{}, false
	}
	if !tx.NeedsAuth || tx.TID != tid {
		return tp.Frame{}, false
	}
	if isMulticast && tx.Dest.Group != group {
		return tp.Frame{}, false
	}

	key, oma, err := h.Keys.Key(tx.Dest.Domain, tx.AltKey)
	if err != nil {
		return tp.Frame{}, false
	}
	var omaDest []byte
	if oma {
		omaDest = make([]byte, OMADestAddrSize)
	}
	mac := Encrypt(random, tx.APDUBytes(), key, oma, omaDest)
	tx.AuthRandom = random

	msgType := MsgTypeFor(oma, true)
	nibble, extra := wire.EncodeTID(tx.Version, tx.TID)
	code, _ := wire.DomainLengthCode(int(tx.DomainLen))
	frame := tp.Frame{
		Control:   wire.Control{AltPath: tx.AltPath},
		VT:        wire.VersionAndType{Version: tx.Version, PDUType: wire.PDUTypeAUTH, AddrFormat: tx.Dest.Format, DomainLenCode: code},
		Dest:      tx.Dest,
		DomainID:  tx.DomainID,
		DomainLen: tx.DomainLen,
		SrcSubnet: h.LocalSub,
		SrcNode:   h.LocalNode,
		FirstByte: wire.AuthFirstByte{AddrFormatBit: false, MsgType: msgType, Nibble: nibble}.Value(),
		TIDExtra:  extra,
		APDU:      mac[:],
	}
	tx.XmitTimer.Set(now, tx.XmitTimerValue)
	return frame, true
}

// MsgTypeFor picks the wire message type for a challenge or reply given
// the OMA flag.
func MsgTypeFor(oma, reply bool) wire.AuthMsgType {
	switch {
	case oma && reply:
		return wire.MsgReplyOMA
	case oma && !reply:
		return wire.MsgChallengeOMA
	case !oma && reply:
		return wire.MsgReply
	default:
		return wire.MsgChallenge
	}
}

func addrFormatBit(src domain.SrcAddr) bool {
	return src.Mode == wire.AddrMulticast || src.IsMulticastAck()
}
