package sn_test

import (
	"testing"

	"github.com/lonstack/go-tsa/appio"
	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/metrics"
	"github.com/lonstack/go-tsa/record"
	"github.com/lonstack/go-tsa/sn"
	"github.com/lonstack/go-tsa/tcs"
	"github.com/lonstack/go-tsa/timer"
	"github.com/lonstack/go-tsa/tlog"
	"github.com/lonstack/go-tsa/tp"
	"github.com/lonstack/go-tsa/wire"
	"gotest.tools/v3/assert"
)

type fakeNet struct {
	avail  int
	pushed []tp.Frame
}

func (f *fakeNet) Available() int { return f.avail }
func (f *fakeNet) Push(fr tp.Frame) bool {
	if f.avail <= 0 {
		return false
	}
	f.avail--
	f.pushed = append(f.pushed, fr)
	return true
}

type fakeSends struct {
	items []appio.SendRequest
	i     int
}

func (q *fakeSends) Peek() *appio.SendRequest {
	if q.i >= len(q.items) {
		return nil
	}
	return &q.items[q.i]
}
func (q *fakeSends) Advance() { q.i++ }

type fakeResponses struct {
	items []appio.ResponseItem
	i     int
}

func (q *fakeResponses) Peek() *appio.ResponseItem {
	if q.i >= len(q.items) {
		return nil
	}
	return &q.items[q.i]
}
func (q *fakeResponses) Advance() { q.i++ }

type fakeDone struct{ items []appio.Completion }

func (d *fakeDone) Push(c appio.Completion) bool { d.items = append(d.items, c); return true }

type fakeDeliveries struct{ items []appio.Delivery }

func (d *fakeDeliveries) Push(x appio.Delivery) bool { d.items = append(d.items, x); return true }

func newTable(t *testing.T) *domain.Table {
	t.Helper()
	tbl := domain.NewTable()
	assert.NilError(t, tbl.Set(0, domain.Entry{ID: [6]byte{1, 2, 3}, Length: 3, Subnet: 1, Node: 9}))
	return tbl
}

func newHandler(t *testing.T, sends *fakeSends, resp *fakeResponses, net *fakeNet, done *fakeDone, deliv *fakeDeliveries) *sn.Handler {
	t.Helper()
	cfg := sn.Config{
		Retries:            2,
		TransmitTimerValue: 100,
		AltPathCount:       1,
		MaxGroupNumber:     63,
		LocalSubnet:        1,
		LocalNode:          9,
	}
	return sn.NewHandler(tcs.LaneNonPriority, wire.VersionEnhanced, cfg, tcs.New(8), newTable(t), net, sends, resp, done, deliv, metrics.New("test_sn"), tlog.New("sn"))
}

func TestStartNewRequestSendsSPDU(t *testing.T) {
	net := &fakeNet{avail: 2}
	sends := &fakeSends{items: []appio.SendRequest{{
		Dest: domain.SubnetNode(domain.Index0, 1, 5),
		APDU: []byte{0x01},
		Tag:  "q1",
	}}}
	h := newHandler(t, sends, &fakeResponses{}, net, &fakeDone{}, &fakeDeliveries{})
	var tx record.TX

	h.Tick(&tx, record.NewPool(1), timer.Time(0))

	assert.Equal(t, tx.Status, record.SessionOwned)
	assert.Equal(t, len(net.pushed), 1)
	assert.Equal(t, wire.ParseTPSNFirstByte(net.pushed[0].FirstByte).MsgType, wire.MsgRequest)
}

func TestReceiveResponseUnicastTerminates(t *testing.T) {
	net := &fakeNet{avail: 2}
	sends := &fakeSends{items: []appio.SendRequest{{
		Dest: domain.SubnetNode(domain.Index0, 1, 5),
		APDU: []byte{0x01},
		Tag:  "q1",
	}}}
	done := &fakeDone{}
	deliv := &fakeDeliveries{}
	h := newHandler(t, sends, &fakeResponses{}, net, done, deliv)
	var tx record.TX
	h.Tick(&tx, record.NewPool(1), timer.Time(0))

	src := domain.SrcAddr{Subnet: 1, Node: 5, Mode: wire.AddrSubnetNode}
	ok := h.ReceiveResponse(&tx, timer.Time(1), tx.TID, tx.DomainID, tx.DomainLen, src, -1, []byte{0x02})

	assert.Assert(t, ok)
	assert.Equal(t, len(deliv.items), 1)
	assert.Equal(t, tx.Status, record.Unused)
	assert.Equal(t, len(done.items), 1)
	assert.Assert(t, done.items[0].Success)
}

func TestReceiveResponseNeverReportsAuthenticated(t *testing.T) {
	net := &fakeNet{avail: 2}
	sends := &fakeSends{items: []appio.SendRequest{{
		Dest:      domain.SubnetNode(domain.Index0, 1, 5),
		APDU:      []byte{0x01},
		NeedsAuth: true,
		Tag:       "q1",
	}}}
	deliv := &fakeDeliveries{}
	h := newHandler(t, sends, &fakeResponses{}, net, &fakeDone{}, deliv)
	var tx record.TX
	h.Tick(&tx, record.NewPool(1), timer.Time(0))
	assert.Assert(t, tx.NeedsAuth)

	src := domain.SrcAddr{Subnet: 1, Node: 5, Mode: wire.AddrSubnetNode}
	ok := h.ReceiveResponse(&tx, timer.Time(1), tx.TID, tx.DomainID, tx.DomainLen, src, -1, []byte{0x02})

	assert.Assert(t, ok)
	assert.Equal(t, len(deliv.items), 1)
	assert.Assert(t, !deliv.items[0].Authenticated)
}

func TestReceiveResponseBidirectionalSignalStrengthAppendsParams(t *testing.T) {
	net := &fakeNet{avail: 2}
	sends := &fakeSends{items: []appio.SendRequest{{
		Dest: domain.SubnetNode(domain.Index0, 1, 5),
		APDU: []byte{0x01},
		Tag:  "q1",
	}}}
	deliv := &fakeDeliveries{}
	h := newHandler(t, sends, &fakeResponses{}, net, &fakeDone{}, deliv)
	h.Cfg.TransceiverParams = []byte{0xAB, 0xCD}
	var tx record.TX
	h.Tick(&tx, record.NewPool(1), timer.Time(0))

	src := domain.SrcAddr{Subnet: 1, Node: 5, Mode: wire.AddrSubnetNode}
	apdu := []byte{sn.BidirectionalSignalStrengthOpcode, 0x02}
	h.ReceiveResponse(&tx, timer.Time(1), tx.TID, tx.DomainID, tx.DomainLen, src, -1, apdu)

	assert.DeepEqual(t, deliv.items[0].APDU, []byte{sn.BidirectionalSignalStrengthOpcode, 0x02, 0xAB, 0xCD})
}

func TestBroadcastResponseTerminatesAfterMaxResponses(t *testing.T) {
	net := &fakeNet{avail: 2}
	sends := &fakeSends{items: []appio.SendRequest{{
		Dest:         domain.Broadcast(domain.Index0, 1),
		APDU:         []byte{0x01},
		Tag:          "bq",
		MaxResponses: 2,
	}}}
	done := &fakeDone{}
	deliv := &fakeDeliveries{}
	h := newHandler(t, sends, &fakeResponses{}, net, done, deliv)
	var tx record.TX
	h.Tick(&tx, record.NewPool(1), timer.Time(0))

	src := domain.SrcAddr{Subnet: 1, Node: 5, Mode: wire.AddrSubnetNode}
	h.ReceiveResponse(&tx, timer.Time(1), tx.TID, tx.DomainID, tx.DomainLen, src, -1, []byte{0x02})
	assert.Equal(t, tx.Status, record.SessionOwned)

	src2 := domain.SrcAddr{Subnet: 1, Node: 6, Mode: wire.AddrSubnetNode}
	h.ReceiveResponse(&tx, timer.Time(2), tx.TID, tx.DomainID, tx.DomainLen, src2, -1, []byte{0x03})

	assert.Equal(t, tx.Status, record.Unused)
	assert.Equal(t, len(done.items), 1)
	assert.Assert(t, done.items[0].Success)
	assert.Equal(t, len(deliv.items), 2)
}

func TestTickResponseBuildsResponseFrameAndMarksResponded(t *testing.T) {
	net := &fakeNet{avail: 1}
	pool := record.NewPool(2)
	_, rr, err := pool.Alloc()
	assert.NilError(t, err)
	rr.Status = record.SessionOwned
	rr.ReqID = 42
	rr.Source = domain.SrcAddr{Subnet: 1, Node: 5, Mode: wire.AddrSubnetNode}
	rr.Version = wire.VersionEnhanced
	rr.DomainLen = 3
	rr.TID = 7

	resp := &fakeResponses{items: []appio.ResponseItem{{ReqID: 42, APDU: []byte{0x55}}}}
	h := newHandler(t, &fakeSends{}, resp, net, &fakeDone{}, &fakeDeliveries{})
	var tx record.TX

	h.Tick(&tx, pool, timer.Time(0))

	assert.Equal(t, len(net.pushed), 1)
	assert.Equal(t, wire.ParseTPSNFirstByte(net.pushed[0].FirstByte).MsgType, wire.MsgResponse)
	assert.Equal(t, rr.State, record.Responded)
	assert.Equal(t, resp.i, 1)
}

func TestTickResponseNullResponseEmitsNothing(t *testing.T) {
	net := &fakeNet{avail: 1}
	pool := record.NewPool(2)
	_, rr, err := pool.Alloc()
	assert.NilError(t, err)
	rr.Status = record.SessionOwned
	rr.ReqID = 42

	resp := &fakeResponses{items: []appio.ResponseItem{{ReqID: 42, Null: true}}}
	h := newHandler(t, &fakeSends{}, resp, net, &fakeDone{}, &fakeDeliveries{})
	var tx record.TX

	h.Tick(&tx, pool, timer.Time(0))

	assert.Equal(t, len(net.pushed), 0)
	assert.Equal(t, rr.State, record.Done)
}

func TestNeedsReminderResponse(t *testing.T) {
	assert.Assert(t, sn.NeedsReminderResponse(3, nil))
	assert.Assert(t, !sn.NeedsReminderResponse(3, []byte{0x08}))
	assert.Assert(t, sn.NeedsReminderResponse(4, []byte{0x08}))
}
