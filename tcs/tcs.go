// Package tcs implements the Transaction Control Sublayer (spec
// section 4.2): per-priority transaction number assignment, replay
// protection against a recently-seen destination, and the
// current/stale check the transport and session layers run an
// incoming ack or response past before trusting it.
package tcs

import (
	"errors"

	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/timer"
	"github.com/lonstack/go-tsa/wire"
)

// ErrBusy is returned by NewTrans when no transaction number can be
// allocated: the past-destination table is full of entries still
// inside the retention window.
var ErrBusy = errors.New("tcs: no free transaction slot")

// Lane distinguishes the priority and non-priority transaction
// streams, which TCS, TP and SN all treat as fully independent.
type Lane uint8

const (
	LaneNonPriority Lane = iota
	LanePriority
)

// RetentionWindow is the nominal 24s retention window named in spec
// section 4.2.
const RetentionWindow int64 = 24000

// Validity is the result of ValidateTrans.
type Validity uint8

const (
	Current Validity = iota
	Stale
)

type pastDest struct {
	used  bool
	id    domain.Identity
	tid   uint16
	first timer.Time
}

type laneState struct {
	table      []pastDest
	current    uint16
	inProgress bool
}

// TCS tracks both priority lanes. The table size per lane is fixed at
// construction, matching spec section 5's "each handler does bounded
// work" and "RRs/slots are small, fixed at compile time" posture.
type TCS struct {
	lanes     [2]laneState
	tableSize int
	retention int64
}

// New constructs a TCS with tableSize past-destination slots per lane.
func New(tableSize int) *TCS {
	if tableSize <= 0 {
		tableSize = 1
	}
	t := &TCS{tableSize: tableSize, retention: RetentionWindow}
	t.lanes[LaneNonPriority].table = make([]pastDest, tableSize)
	t.lanes[LanePriority].table = make([]pastDest, tableSize)
	return t
}

// NewTrans implements spec section 4.2's new_trans operation: assign a
// transaction number to `dest`, unique against whatever this lane last
// handed that destination within the retention window.
func (t *TCS) NewTrans(lane Lane, now timer.Time, dest domain.Identity, version wire.Version) (uint16, error) {
	ls := &t.lanes[lane]
	modulus := wire.TIDModulus(version)

	if idx, ok := ls.find(dest); ok {
		entry := &ls.table[idx]
		tid := (entry.tid + 1) % modulus
		if tid == entry.tid {
			tid = (tid + 1) % modulus
		}
		entry.tid = tid
		entry.first = now
		ls.current, ls.inProgress = tid, true
		return tid, nil
	}

	idx, ok := ls.freeSlot(now, t.retention)
	if !ok {
		return 0, ErrBusy
	}
	ls.table[idx] = pastDest{used: true, id: dest, tid: 0, first: now}
	ls.current, ls.inProgress = 0, true
	return 0, nil
}

// ValidateTrans implements spec section 4.2's validate_trans: does tid
// match the transaction this lane currently has in flight?
func (t *TCS) ValidateTrans(lane Lane, tid uint16) Validity {
	ls := &t.lanes[lane]
	if ls.inProgress && ls.current == tid {
		return Current
	}
	return Stale
}

// TransDone implements spec section 4.2's trans_done: the lane's
// in-flight transaction has concluded (success or failure).
func (t *TCS) TransDone(lane Lane) {
	t.lanes[lane].inProgress = false
}

// InProgress reports whether a lane currently owns an outstanding
// transaction number. TP and SN do not consult it; they start a new
// send whenever their lane's TX is Unused.
func (t *TCS) InProgress(lane Lane) bool {
	return t.lanes[lane].inProgress
}

func (ls *laneState) find(id domain.Identity) (int, bool) {
	for i := range ls.table {
		if ls.table[i].used && ls.table[i].id == id {
			return i, true
		}
	}
	return -1, false
}

// freeSlot returns an empty slot, or the oldest slot past the
// retention window if none is empty. Eviction is age-based rather than
// LRU because reuse correctness depends only on retention, per spec
// section 4.2's rationale.
func (ls *laneState) freeSlot(now timer.Time, retention int64) (int, bool) {
	for i := range ls.table {
		if !ls.table[i].used {
			return i, true
		}
	}
	oldest := -1
	var oldestAge int64 = -1
	for i := range ls.table {
		age := int64(now - ls.table[i].first)
		if age >= retention && age > oldestAge {
			oldest, oldestAge = i, age
		}
	}
	if oldest >= 0 {
		return oldest, true
	}
	return -1, false
}
