package tp

import (
	"github.com/lonstack/go-tsa/appio"
	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/metrics"
	"github.com/lonstack/go-tsa/record"
	"github.com/lonstack/go-tsa/tcs"
	"github.com/lonstack/go-tsa/timer"
	"github.com/lonstack/go-tsa/tlog"
	"github.com/lonstack/go-tsa/wire"
)

// Config holds the per-lane constants spec section 4.3b reads off the
// running configuration: timer values, retry budget, group-size limits
// and the local node's own address (every outgoing NPDU carries it as
// the source).
type Config struct {
	Retries               int
	TransmitTimerValue    int64
	RepeatTimerValue      int64
	AltPathCount          int
	MaxGroupNumber        int
	BroadcastDeltaBacklog byte
	LocalSubnet           byte
	LocalNode             byte
}

// SendQueue is the application out-queue view TP drains: only items
// whose Service is Acknowledged or Repeated ever reach it, matching
// spec section 4.3's "start new" trigger. Session-service sends are
// routed to package sn's own queue by whatever wires the stack
// together.
type SendQueue interface {
	Peek() *appio.SendRequest
	Advance()
}

// CompletionSink is the application completion queue spec section 4.7
// enqueues into.
type CompletionSink interface {
	Push(appio.Completion) bool
}

// Handler runs one priority lane's transport state machine, spec
// section 4.3. One Handler per lane; both share the TCS, domain table,
// network out-queue and metrics but own independent send queues and
// completion sinks only in the sense that each lane pulls from its own
// SendQueue.
type Handler struct {
	Lane    tcs.Lane
	Version wire.Version
	Cfg     Config

	TCS     *tcs.TCS
	Domains *domain.Table
	Net     NetOut
	Sends   SendQueue
	Done    CompletionSink
	Metrics *metrics.Set
	Log     tlog.Tlog
}

// NewHandler builds a Handler for one lane.
func NewHandler(lane tcs.Lane, version wire.Version, cfg Config, t *tcs.TCS, domains *domain.Table, net NetOut, sends SendQueue, done CompletionSink, m *metrics.Set, log tlog.Tlog) *Handler {
	return &Handler{
		Lane: lane, Version: version, Cfg: cfg,
		TCS: t, Domains: domains, Net: net, Sends: sends, Done: done, Metrics: m, Log: log,
	}
}

// Tick runs one scheduler pass over this lane's TX, spec section 4.3's
// outer send algorithm.
func (h *Handler) Tick(tx *record.TX, now timer.Time) {
	if tx.Terminating {
		h.flushTermination(tx)
		return
	}
	if tx.Status == record.TransportOwned && tx.XmitTimer.Expired(now) {
		h.retryOrTerminate(tx, now)
		return
	}
	if tx.Status == record.Unused {
		h.startNew(tx, now)
	}
}

// ReceiveAck implements spec section 4.3's "receive ack". domainID and
// domainLen are the domain the ack NPDU actually arrived on, checked
// against the TX's own domain (after the TCS and TX-status checks) before
// the ack is counted. member is only
// meaningful when ack is a multicast-ack source; callers pass -1
// otherwise. It reports whether the ack was accepted as live.
func (h *Handler) ReceiveAck(tx *record.TX, now timer.Time, tid uint16, domainID [6]byte, domainLen uint8, ack domain.SrcAddr, member int) bool {
	if h.TCS.ValidateTrans(h.Lane, tid) != tcs.Current {
		return false
	}
	if tx.Status != record.TransportOwned || tx.Terminating {
		return false
	}
	if domainID != tx.DomainID || domainLen != tx.DomainLen {
		return false
	}
	if isMulticastDest(tx.Dest) {
		// An ack to a multicast send is always addressed back as a 2b
		// subnet_node carrying the group/member it acks, never as
		// multicast itself, so it cannot share tx.Dest's own address
		// mode; only the carried group is compared.
		if !ack.IsMulticastAck() {
			return false
		}
		if ack.Group != tx.Dest.Group {
			return false
		}
		if member < 0 || member > h.Cfg.MaxGroupNumber || member >= len(tx.AckReceived) {
			return false
		}
		if !tx.AckReceived[member] {
			tx.AckReceived[member] = true
			tx.AckCount++
		}
	} else {
		if tx.AckCount == 0 {
			tx.AckCount = 1
		}
	}

	if tx.AckCount >= tx.DestCount || (isBroadcastDest(tx.Dest) && tx.AckCount >= 1) {
		h.terminate(tx, true)
		return true
	}
	tx.XmitTimer.Set(now, tx.XmitTimerValue)
	return true
}

// BuildAck implements spec section 4.3's "send ack": the frame to
// re-emit for a Delivered acknowledged RR. ok is false when the ack
// must be omitted (multicast source with no group membership known).
func (h *Handler) BuildAck(rr *record.RR) (Frame, bool) {
	if rr.Service != record.Acknowledged {
		return Frame{}, false
	}
	if rr.Source.Mode == wire.AddrMulticast && !rr.Source.IsMulticastAck() {
		return Frame{}, false
	}

	var dest domain.DestAddr
	if rr.Source.IsMulticastAck() {
		dest = domain.MulticastAck(rr.Source.Domain, rr.Source.Subnet, rr.Source.Node, rr.Source.Group, rr.Source.Member)
	} else {
		dest = domain.SubnetNode(rr.Source.Domain, rr.Source.Subnet, rr.Source.Node)
	}

	nibble, extra := wire.EncodeTID(rr.Version, rr.TID)
	f := Frame{
		Control:   wire.Control{AltPath: rr.AltPath},
		VT:        wire.VersionAndType{Version: rr.Version, PDUType: wire.PDUTypeTPDU, AddrFormat: dest.Format, DomainLenCode: mustDomainLenCode(rr.DomainLen)},
		Dest:      dest,
		DomainID:  rr.DomainID,
		DomainLen: rr.DomainLen,
		SrcSubnet: h.Cfg.LocalSubnet,
		SrcNode:   h.Cfg.LocalNode,
		FirstByte: wire.TPSNFirstByte{Auth: false, MsgType: wire.MsgAck, Nibble: nibble}.Value(),
		TIDExtra:  extra,
	}
	return f, true
}

func (h *Handler) retryOrTerminate(tx *record.TX, now timer.Time) {
	allAcked := tx.AckCount >= tx.DestCount
	broadcastSuccess := isBroadcastDest(tx.Dest) && tx.AckCount >= 1
	if tx.RetriesLeft <= 0 || allAcked || broadcastSuccess {
		success := tx.Service == record.Repeated || allAcked || broadcastSuccess
		h.terminate(tx, success)
		return
	}

	if isMulticastDest(tx.Dest) {
		mlist := BuildMList(tx.AckReceived)
		if MListFits(mlist) {
			if h.Net.Available() < 1 {
				h.deferRetry(tx, now)
				return
			}
			h.Net.Push(h.buildRemMsg(tx, mlist))
		} else {
			if h.Net.Available() < 2 {
				h.deferRetry(tx, now)
				return
			}
			h.Net.Push(h.buildReminder(tx))
			h.Net.Push(h.buildOriginal(tx))
		}
	} else {
		if h.Net.Available() < 1 {
			h.deferRetry(tx, now)
			return
		}
		h.Net.Push(h.buildOriginal(tx))
	}

	tx.RetriesLeft--
	tx.XmitTimer.Set(now, tx.XmitTimerValue)
}

func (h *Handler) deferRetry(tx *record.TX, now timer.Time) {
	tx.RetriesLeft--
	tx.XmitTimer.Set(now, tx.XmitTimerValue)
	h.Metrics.LostRetries.Inc()
	h.Log.Warn("tp: lost retry, out queue full tid=%d", tx.TID)
}

func (h *Handler) startNew(tx *record.TX, now timer.Time) {
	req := h.Sends.Peek()
	if req == nil {
		return
	}
	if h.Net.Available() < 1 {
		return
	}

	groupSize := req.GroupSize
	if isMulticastDest(req.Dest) && groupSize > h.Cfg.MaxGroupNumber+1 && req.Service != record.Repeated {
		h.Sends.Advance()
		h.pushCompletion(req.Tag, false)
		h.Metrics.AddressErrors.Inc()
		return
	}
	if len(req.APDU) > record.MaxAPDU {
		h.Sends.Advance()
		h.pushCompletion(req.Tag, false)
		h.Metrics.OversizeAPDU.Inc()
		return
	}

	domainID, domainLen, err := ResolveDomain(h.Domains, req.Dest)
	if err != nil {
		h.Sends.Advance()
		h.pushCompletion(req.Tag, false)
		h.Metrics.AddressErrors.Inc()
		return
	}

	identity := req.Dest.Identity(domainID, domainLen)
	tid, err := h.TCS.NewTrans(h.Lane, now, identity, h.Version)
	if err != nil {
		h.Metrics.TCSBusy.Inc()
		return
	}

	tx.Reset()
	tx.Status = record.TransportOwned
	tx.Dest = req.Dest
	tx.DomainID = domainID
	tx.DomainLen = domainLen
	tx.TID = tid
	tx.Version = h.Version
	tx.Service = req.Service
	tx.NeedsAuth = req.NeedsAuth
	tx.AltKey = req.AltKey
	tx.Tag = req.Tag
	tx.MaxResponses = req.MaxResponses

	if isMulticastDest(req.Dest) {
		tx.DestCount = groupSize - req.MembershipOffset
		tx.AckReceived = make([]bool, groupSize)
	} else {
		tx.DestCount = 1
	}

	tx.RetriesLeft = h.Cfg.Retries
	if req.Service == record.Repeated {
		tx.XmitTimerValue = h.Cfg.RepeatTimerValue
	} else {
		tx.XmitTimerValue = h.Cfg.TransmitTimerValue
	}
	_ = tx.SetAPDU(req.APDU)
	tx.AltPath = req.AltPath || tx.RetriesLeft <= h.Cfg.AltPathCount

	msgType := wire.MsgACKD
	if req.Service == record.Repeated {
		msgType = wire.MsgUnackRpt
	}
	h.Net.Push(h.buildFrame(tx, msgType, tx.APDUBytes()))
	tx.XmitTimer.Set(now, tx.XmitTimerValue)
	h.Sends.Advance()
}

func (h *Handler) terminate(tx *record.TX, success bool) {
	h.TCS.TransDone(h.Lane)
	tx.Terminating = true
	tx.TerminateSuccess = success
	h.flushTermination(tx)
}

func (h *Handler) flushTermination(tx *record.TX) {
	if !h.pushCompletion(tx.Tag, tx.TerminateSuccess) {
		return
	}
	tx.Reset()
}

func (h *Handler) pushCompletion(tag interface{}, success bool) bool {
	if !h.Done.Push(appio.Completion{Tag: tag, Success: success}) {
		return false
	}
	if success {
		h.Metrics.CompletionsSuccess.Inc()
	} else {
		h.Metrics.CompletionsFailure.Inc()
	}
	return true
}

func (h *Handler) deltaBacklog(tx *record.TX) byte {
	switch {
	case tx.Service == record.Repeated:
		return byte(tx.RetriesLeft)
	case isBroadcastDest(tx.Dest):
		return h.Cfg.BroadcastDeltaBacklog
	case isMulticastDest(tx.Dest):
		return byte(tx.DestCount)
	default:
		return 1
	}
}

func (h *Handler) buildFrame(tx *record.TX, msgType wire.TPSNMsgType, apdu []byte) Frame {
	nibble, extra := wire.EncodeTID(tx.Version, tx.TID)
	return Frame{
		Control:   wire.Control{Priority: h.Lane == tcs.LanePriority, AltPath: tx.AltPath, DeltaBacklog: h.deltaBacklog(tx)},
		VT:        wire.VersionAndType{Version: tx.Version, PDUType: wire.PDUTypeTPDU, AddrFormat: tx.Dest.Format, DomainLenCode: mustDomainLenCode(tx.DomainLen)},
		Dest:      tx.Dest,
		DomainID:  tx.DomainID,
		DomainLen: tx.DomainLen,
		SrcSubnet: h.Cfg.LocalSubnet,
		SrcNode:   h.Cfg.LocalNode,
		FirstByte: wire.TPSNFirstByte{Auth: tx.NeedsAuth, MsgType: msgType, Nibble: nibble}.Value(),
		TIDExtra:  extra,
		APDU:      apdu,
	}
}

func (h *Handler) buildOriginal(tx *record.TX) Frame {
	msgType := wire.MsgACKD
	if tx.Service == record.Repeated {
		msgType = wire.MsgUnackRpt
	}
	return h.buildFrame(tx, msgType, tx.APDUBytes())
}

func (h *Handler) buildReminder(tx *record.TX) Frame {
	return h.buildFrame(tx, wire.MsgReminder, nil)
}

func (h *Handler) buildRemMsg(tx *record.TX, mlist []byte) Frame {
	payload := append(append([]byte{}, mlist...), tx.APDUBytes()...)
	return h.buildFrame(tx, wire.MsgRemMsg, payload)
}

func isMulticastDest(d domain.DestAddr) bool {
	return d.Format == wire.AddrMulticast || d.IsMulticastAck()
}

func isBroadcastDest(d domain.DestAddr) bool {
	return d.Format == wire.AddrBroadcast
}

func mustDomainLenCode(length uint8) byte {
	code, err := wire.DomainLengthCode(int(length))
	if err != nil {
		return 0
	}
	return code
}

// ResolveDomain turns a destination's domain reference into concrete id
// bytes/length, spec section 4.3b step 3. IndexDerive falls back to
// domain 0, then domain 1: the wire format has no field that encodes
// "which configured domain" independent of the destination address, so
// a sender that asks to derive gets whichever configured domain is
// available, preferring the primary one.
func ResolveDomain(table *domain.Table, dest domain.DestAddr) (id [6]byte, length uint8, err error) {
	idx := dest.Domain
	if idx == domain.IndexDerive {
		if e, err := table.Lookup(domain.Index0); err == nil {
			return e.ID, e.Length, nil
		}
		e, err := table.Lookup(domain.Index1)
		if err != nil {
			return id, 0, err
		}
		return e.ID, e.Length, nil
	}
	e, err := table.Lookup(idx)
	if err != nil {
		return id, 0, err
	}
	return e.ID, e.Length, nil
}
