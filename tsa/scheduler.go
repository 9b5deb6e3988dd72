package tsa

import (
	"github.com/lonstack/go-tsa/record"
	"github.com/lonstack/go-tsa/timer"
)

// Tick runs one pass of the scheduler loop spec section 5 fixes the
// order of: TCS has no periodic work of its own (its past-destination
// table ages lazily, checked only when a new transaction is assigned),
// so a pass here is TP send, TP housekeeping, SN send, SN housekeeping,
// for each lane in turn, then the receive-record pool's timer sweep.
// AUTH has no send/receive tick of its own: every AUTH frame this
// engine emits is produced synchronously from Receive as a challenge or
// reply arrives, not retried on a schedule.
//
// now must be non-decreasing across calls; the caller owns advancing it
// (spec section 4.1's externally-driven tick).
func (c *Context) Tick(now timer.Time) {
	held := c.sendHeld(now)
	for _, ln := range c.lanes {
		if !held {
			ln.TP.Tick(&ln.TX, now)
			ln.SN.Tick(&ln.TX, c.Pool, now)
		}
	}
	c.sweepPool(now)
}

// sweepPool lets expired receive-record timers report themselves, the
// one piece of per-tick bookkeeping the receive side needs: until a
// slot's timer reports Expired, record.Pool.Alloc will not reuse it,
// even once its state has reached Delivered or Done.
func (c *Context) sweepPool(now timer.Time) {
	for i := 0; i < c.Pool.Len(); i++ {
		rr := c.Pool.Slot(i)
		if rr.Status == record.Unused {
			continue
		}
		if rr.State == record.Delivered || rr.State == record.Done || rr.State == record.Responded {
			rr.RecvTimer.Expired(now)
		}
	}
}
