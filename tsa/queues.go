package tsa

import (
	"github.com/lonstack/go-tsa/appio"
	"github.com/lonstack/go-tsa/queue"
	"github.com/lonstack/go-tsa/record"
	"github.com/lonstack/go-tsa/tp"
)

// netOutAdapter exposes a queue.Queue[tp.Frame] as tp.NetOut, the only
// translation needed since Queue's Push already matches the boundary's
// shape; Available is the one method Queue doesn't offer directly.
type netOutAdapter struct {
	q *queue.Queue[tp.Frame]
}

func (a netOutAdapter) Available() int { return a.q.Capacity() - a.q.Size() }
func (a netOutAdapter) Push(f tp.Frame) bool { return a.q.Push(f) }

// sendAdapter serves one priority lane's out-queue filtered down to the
// service discipline a given layer handles: package tp only ever sees
// Acknowledged/Repeated items, package sn only ever sees Request items,
// per spec section 4.3's "start new" trigger and section 4.4's mirrored
// one. Both layers share the same underlying queue and FIFO order; an
// item the filter rejects is left in place for the other layer to pick
// up on its own pass.
type sendAdapter struct {
	q     *queue.Queue[appio.SendRequest]
	match func(record.Service) bool
}

func (a sendAdapter) Peek() *appio.SendRequest {
	h := a.q.PeekHead()
	if h == nil || !a.match(h.Service) {
		return nil
	}
	return h
}

func (a sendAdapter) Advance() { a.q.AdvanceHead() }

func tpSends(q *queue.Queue[appio.SendRequest]) sendAdapter {
	return sendAdapter{q: q, match: func(s record.Service) bool { return s != record.Request }}
}

func snSends(q *queue.Queue[appio.SendRequest]) sendAdapter {
	return sendAdapter{q: q, match: func(s record.Service) bool { return s == record.Request }}
}

// responseAdapter exposes a queue.Queue[appio.ResponseItem] as
// sn.ResponseQueue.
type responseAdapter struct {
	q *queue.Queue[appio.ResponseItem]
}

func (a responseAdapter) Peek() *appio.ResponseItem { return a.q.PeekHead() }
func (a responseAdapter) Advance()                  { a.q.AdvanceHead() }
