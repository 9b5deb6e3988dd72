package record

import (
	"errors"

	"github.com/lonstack/go-tsa/domain"
)

// alloc does not need the current tick directly — eligibility is
// decided purely from RR.RecvTimer.Running(), which already reflects
// whatever tick the caller last advanced the timer with.

// ErrPoolExhausted is returned by Alloc when every slot is in use and
// none is eligible for reuse.
var ErrPoolExhausted = errors.New("record: receive record pool exhausted")

// Pool is the fixed-size RR array spec section 3 describes: "a fixed
// array of slots tracking incoming acknowledged/request transactions".
type Pool struct {
	slots     []RR
	nextReqID uint32
}

// NewPool allocates a pool of size slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{slots: make([]RR, size), nextReqID: 1}
}

// Len returns the pool's fixed slot count.
func (p *Pool) Len() int {
	return len(p.slots)
}

// Slot returns a pointer to the RR at index i for direct mutation.
func (p *Pool) Slot(i int) *RR {
	return &p.slots[i]
}

// Find looks for an in-use RR whose identity and tid match, the lookup
// spec section 3's duplicate-detection invariant depends on. Reports
// the index and a pointer, or false if none matches.
func (p *Pool) Find(domainID [6]byte, domainLen uint8, id domain.Identity, tid uint16) (int, *RR, bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if s.Status == Unused {
			continue
		}
		if s.Identity(domainID, domainLen) == id && s.TID == tid {
			return i, s, true
		}
	}
	return -1, nil, false
}

// FindByIdentity locates an in-use RR for a given source identity
// regardless of transaction number, used when deciding whether a
// repeated-service retry should reuse an existing RR (spec section 3's
// "repeated service may reuse an RR" lifecycle note).
func (p *Pool) FindByIdentity(domainID [6]byte, domainLen uint8, id domain.Identity) (int, *RR, bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if s.Status == Unused {
			continue
		}
		if s.Identity(domainID, domainLen) == id {
			return i, s, true
		}
	}
	return -1, nil, false
}

// FindByReqID locates an in-use RR by its application-facing request
// id, used to match a response-out queue item back to the RR it
// answers.
func (p *Pool) FindByReqID(reqID uint32) (int, *RR, bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if s.Status != Unused && s.ReqID == reqID {
			return i, s, true
		}
	}
	return -1, nil, false
}

// Alloc finds a free slot — Unused, or an expired Delivered/Done/Responded
// slot — and returns it ready to be populated by the caller. A request
// RR that already sent its one response has nothing further to do, so
// Responded is treated as terminal here the same as Done. Returns
// ErrPoolExhausted if none is eligible.
func (p *Pool) Alloc() (int, *RR, error) {
	for i := range p.slots {
		if p.slots[i].Status == Unused {
			return i, &p.slots[i], nil
		}
	}
	for i := range p.slots {
		s := &p.slots[i]
		if (s.State == Delivered || s.State == Done || s.State == Responded) && !s.RecvTimer.Running() {
			s.Reset()
			return i, s, nil
		}
	}
	return -1, nil, ErrPoolExhausted
}

// NextReqID returns the next monotonic request id, skipping 0 so a
// reqId of 0 never means "allocated" (spec section 3's RR invariant).
func (p *Pool) NextReqID() uint32 {
	id := p.nextReqID
	p.nextReqID++
	if p.nextReqID == 0 {
		p.nextReqID = 1
	}
	return id
}

// Release frees slot i unconditionally, whatever state it is in. The
// scheduler does not call it: a slot whose receive timer has expired is
// reused through Alloc instead.
func (p *Pool) Release(i int) {
	p.slots[i].Reset()
}
