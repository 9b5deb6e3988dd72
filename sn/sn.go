// Package sn implements the Session layer of spec section 4.4: request
// origination and response delivery on top of the same TX/RR shapes
// package tp uses, distinguished by Service = Request and by the TX's
// Status being SessionOwned rather than TransportOwned while this
// layer holds it.
package sn

import (
	"github.com/lonstack/go-tsa/appio"
	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/metrics"
	"github.com/lonstack/go-tsa/record"
	"github.com/lonstack/go-tsa/tcs"
	"github.com/lonstack/go-tsa/timer"
	"github.com/lonstack/go-tsa/tlog"
	"github.com/lonstack/go-tsa/tp"
	"github.com/lonstack/go-tsa/wire"
)

// BidirectionalSignalStrengthOpcode is the one opcode TSA itself
// inspects: a response carrying it gets the local transceiver
// parameters appended after delivery, spec section 4.4's "rsvd1"
// reinterpretation sibling.
const BidirectionalSignalStrengthOpcode = 0x6F

// Config mirrors tp.Config for the session layer's own timers and
// limits, plus the transceiver parameter block this node reports.
type Config struct {
	Retries            int
	TransmitTimerValue int64
	AltPathCount       int
	MaxGroupNumber     int
	LocalSubnet        byte
	LocalNode          byte
	TransceiverParams  []byte
}

// SendQueue serves Request-service appio.SendRequest items only.
type SendQueue interface {
	Peek() *appio.SendRequest
	Advance()
}

// ResponseQueue serves appio.ResponseItem items the application placed
// on the response-out queue; spec section 4.4 requires these be served
// ahead of anything else in the session layer's outer pass.
type ResponseQueue interface {
	Peek() *appio.ResponseItem
	Advance()
}

// CompletionSink and DeliverySink are the two application-facing
// queues the session layer writes into.
type CompletionSink interface {
	Push(appio.Completion) bool
}
type DeliverySink interface {
	Push(appio.Delivery) bool
}

// Handler runs one priority lane's session state machine.
type Handler struct {
	Lane    tcs.Lane
	Version wire.Version
	Cfg     Config

	TCS         *tcs.TCS
	Domains     *domain.Table
	Net         tp.NetOut
	Sends       SendQueue
	Responses   ResponseQueue
	Done        CompletionSink
	Deliveries  DeliverySink
	Metrics     *metrics.Set
	Log         tlog.Tlog
}

func NewHandler(lane tcs.Lane, version wire.Version, cfg Config, t *tcs.TCS, domains *domain.Table, net tp.NetOut, sends SendQueue, responses ResponseQueue, done CompletionSink, deliveries DeliverySink, m *metrics.Set, log tlog.Tlog) *Handler {
	return &Handler{
		Lane: lane, Version: version, Cfg: cfg,
		TCS: t, Domains: domains, Net: net, Sends: sends, Responses: responses,
		Done: done, Deliveries: deliveries, Metrics: m, Log: log,
	}
}

// Tick runs one scheduler pass: first drain a ready response (never
// retried, only emitted once the application has filled one in), then
// the request TX's retry-or-start-new pass mirroring package tp.
func (h *Handler) Tick(tx *record.TX, pool *record.Pool, now timer.Time) {
	if h.tickResponse(pool) {
		return
	}
	if tx.Terminating {
		h.flushTermination(tx)
		return
	}
	if tx.Status == record.SessionOwned && tx.XmitTimer.Expired(now) {
		h.retryOrTerminate(tx, now)
		return
	}
	if tx.Status == record.Unused {
		h.startNew(tx, now)
	}
}

func (h *Handler) tickResponse(pool *record.Pool) bool {
	item := h.Responses.Peek()
	if item == nil {
		return false
	}
	_, rr, ok := pool.FindByReqID(item.ReqID)
	if !ok {
		h.Responses.Advance()
		return true
	}
	frame, emit := h.buildResponseFrame(rr, *item)
	if emit {
		if h.Net.Available() < 1 {
			return true // leave on queue, retry next pass
		}
		h.Net.Push(frame)
	}
	rr.State = record.Responded
	if item.Null {
		rr.State = record.Done
	}
	h.Responses.Advance()
	return true
}

func (h *Handler) buildResponseFrame(rr *record.RR, item appio.ResponseItem) (tp.Frame, bool) {
	if item.Null {
		return tp.Frame{}, false
	}
	domainID, domainLen := rr.DomainID, rr.DomainLen
	srcSubnet, srcNode := h.Cfg.LocalSubnet, h.Cfg.LocalNode
	if item.FlexDomain {
		if e, err := h.Domains.Lookup(domain.IndexFlex); err == nil {
			domainID, domainLen = e.ID, e.Length
			srcSubnet, srcNode = 0, 0
		}
	}

	var dest domain.DestAddr
	if rr.Source.IsMulticastAck() {
		dest = domain.MulticastAck(rr.Source.Domain, rr.Source.Subnet, rr.Source.Node, rr.Source.Group, rr.Source.Member)
	} else {
		dest = domain.SubnetNode(rr.Source.Domain, rr.Source.Subnet, rr.Source.Node)
	}

	nibble, extra := wire.EncodeTID(rr.Version, rr.TID)
	code, _ := wire.DomainLengthCode(int(domainLen))
	f := tp.Frame{
		Control:   wire.Control{AltPath: rr.AltPath},
		VT:        wire.VersionAndType{Version: rr.Version, PDUType: wire.PDUTypeSPDU, AddrFormat: dest.Format, DomainLenCode: code},
		Dest:      dest,
		DomainID:  domainID,
		DomainLen: domainLen,
		SrcSubnet: srcSubnet,
		SrcNode:   srcNode,
		FirstByte: wire.TPSNFirstByte{Auth: false, MsgType: wire.MsgResponse, Nibble: nibble}.Value(),
		TIDExtra:  extra,
		APDU:      item.APDU,
	}
	return f, true
}

func (h *Handler) retryOrTerminate(tx *record.TX, now timer.Time) {
	allDone := tx.RespReceived >= tx.MaxResponses && tx.MaxResponses > 0
	if tx.RetriesLeft <= 0 || allDone {
		h.terminate(tx, tx.RespReceived > 0)
		return
	}
	if h.Net.Available() < 1 {
		tx.RetriesLeft--
		tx.XmitTimer.Set(now, tx.XmitTimerValue)
		h.Metrics.LostRetries.Inc()
		h.Log.Warn("sn: lost retry, out queue full tid=%d", tx.TID)
		return
	}
	h.Net.Push(h.buildRequestFrame(tx))
	tx.RetriesLeft--
	tx.XmitTimer.Set(now, tx.XmitTimerValue)
}

func (h *Handler) startNew(tx *record.TX, now timer.Time) {
	req := h.Sends.Peek()
	if req == nil {
		return
	}
	if h.Net.Available() < 1 {
		return
	}
	if len(req.APDU) > record.MaxAPDU {
		h.Sends.Advance()
		h.pushCompletion(req.Tag, false)
		h.Metrics.OversizeAPDU.Inc()
		return
	}

	domainID, domainLen, err := tp.ResolveDomain(h.Domains, req.Dest)
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
	tx.Status = record.SessionOwned
	tx.Dest = req.Dest
	tx.DomainID = domainID
	tx.DomainLen = domainLen
	tx.TID = tid
	tx.Version = h.Version
	tx.Service = record.Request
	tx.NeedsAuth = req.NeedsAuth
	tx.AltKey = req.AltKey
	tx.Tag = req.Tag
	tx.MaxResponses = req.MaxResponses
	if tx.MaxResponses == 0 {
		tx.MaxResponses = 1
	}

	if req.Dest.Format == wire.AddrMulticast {
		tx.DestCount = req.GroupSize - req.MembershipOffset
		tx.AckReceived = make([]bool, req.GroupSize)
	} else {
		tx.DestCount = 1
	}

	tx.RetriesLeft = h.Cfg.Retries
	tx.XmitTimerValue = h.Cfg.TransmitTimerValue
	_ = tx.SetAPDU(req.APDU)
	tx.AltPath = req.AltPath || tx.RetriesLeft <= h.Cfg.AltPathCount

	h.Net.Push(h.buildRequestFrame(tx))
	tx.XmitTimer.Set(now, tx.XmitTimerValue)
	h.Sends.Advance()
}

// ReceiveResponse implements spec section 4.4's "response reception".
// member is only meaningful for multicast-ack sources.
func (h *Handler) ReceiveResponse(tx *record.TX, now timer.Time, tid uint16, domainID [6]byte, domainLen uint8, src domain.SrcAddr, member int, apdu []byte) bool {
	if h.TCS.ValidateTrans(h.Lane, tid) != tcs.Current {
		return false
	}
	if tx.Status != record.SessionOwned || tx.Terminating {
		return false
	}
	if domainID != tx.DomainID || domainLen != tx.DomainLen {
		return false
	}

	switch {
	case src.IsMulticastAck():
		if src.Group != tx.Dest.Group {
			return false
		}
		if member < 0 || member >= len(tx.AckReceived) {
			return false
		}
		if tx.AckReceived[member] {
			return false // already delivered for this member
		}
		tx.AckReceived[member] = true
	case tx.Dest.Format == wire.AddrBroadcast:
		if tx.RespReceived >= tx.MaxResponses {
			return false
		}
	default:
		if tx.RespReceived >= 1 {
			return false
		}
	}

	payload := append([]byte{}, apdu...)
	if len(payload) > 0 && payload[0] == BidirectionalSignalStrengthOpcode {
		payload = append(payload, h.Cfg.TransceiverParams...)
	}

	delivered := h.Deliveries.Push(appio.Delivery{
		ReqID:         0,
		APDU:          payload,
		Source:        src,
		Priority:      h.Lane == tcs.LanePriority,
		AltPath:       tx.AltPath,
		Authenticated: false,
	})
	if !delivered {
		h.Metrics.AppQueueFull.Inc()
		return false
	}
	tx.RespReceived++

	if (tx.Dest.Format == wire.AddrBroadcast && tx.RespReceived >= tx.MaxResponses) ||
		(tx.Dest.Format != wire.AddrBroadcast && tx.Dest.Format != wire.AddrMulticast) ||
		(len(tx.AckReceived) > 0 && allTrue(tx.AckReceived)) {
		h.terminate(tx, true)
	}
	return true
}

func allTrue(b []bool) bool {
	for _, v := range b {
		if !v {
			return false
		}
	}
	return len(b) > 0
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

func (h *Handler) buildRequestFrame(tx *record.TX) tp.Frame {
	nibble, extra := wire.EncodeTID(tx.Version, tx.TID)
	code, _ := wire.DomainLengthCode(int(tx.DomainLen))
	return tp.Frame{
		Control:   wire.Control{Priority: h.Lane == tcs.LanePriority, AltPath: tx.AltPath, DeltaBacklog: 1},
		VT:        wire.VersionAndType{Version: tx.Version, PDUType: wire.PDUTypeSPDU, AddrFormat: tx.Dest.Format, DomainLenCode: code},
		Dest:      tx.Dest,
		DomainID:  tx.DomainID,
		DomainLen: tx.DomainLen,
		SrcSubnet: h.Cfg.LocalSubnet,
		SrcNode:   h.Cfg.LocalNode,
		FirstByte: wire.TPSNFirstByte{Auth: tx.NeedsAuth, MsgType: wire.MsgRequest, Nibble: nibble}.Value(),
		TIDExtra:  extra,
		APDU:      tx.APDUBytes(),
	}
}

// NeedsReminderResponse implements spec section 4.4's reminder-handling
// clause: when our bit is 0 in the incoming M_LIST (or the list is
// empty), we must still respond even though we already hold a Done or
// Responded RR for this transaction.
func NeedsReminderResponse(localMember int, mlist []byte) bool {
	if len(mlist) == 0 {
		return true
	}
	byteIdx, bit := localMember/8, uint(localMember%8)
	if byteIdx >= len(mlist) {
		return true
	}
	return mlist[byteIdx]&(1<<bit) == 0
}
