// Package appio defines the fixed-shape records that cross the
// application boundary named in spec section 6: a bounded
// application-in queue, an application-completion-and-response-in
// queue, an application-out queue, and a response-out queue. TSA reads
// SendRequest and ResponseItem from the application side and writes
// Delivery and Completion back to it.
package appio

import (
	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/record"
)

// SendRequest is what the application places on the out-queue to
// originate a message (spec section 4.3b "start new").
type SendRequest struct {
	Dest      domain.DestAddr
	Service   record.Service
	APDU      []byte
	NeedsAuth bool
	AltPath   bool // caller requested the alternate channel
	AltKey    bool // use the domain's alternate authentication key

	// GroupSize and MembershipOffset describe a multicast destination's
	// membership for ack/dest-count bookkeeping (spec section 3's TX
	// dest_count derivation).
	GroupSize        int
	MembershipOffset int

	// MaxResponses bounds broadcast request/response delivery (spec
	// section 4.4, the "rsvd1" reinterpretation), ignored for
	// non-broadcast destinations.
	MaxResponses int

	// Tag correlates this send with the Completion eventually emitted
	// for it.
	Tag interface{}
}

// ResponseItem is what the application places on the response-out
// queue to answer a pending RR (spec section 4.4 "response send").
type ResponseItem struct {
	ReqID      uint32
	APDU       []byte
	Null       bool // null response: flips RR to Done, emits nothing
	FlexDomain bool // force source to the flex-domain entry
}

// Delivery is what TSA places on the application-in queue (spec
// section 4.6 "Deliver").
type Delivery struct {
	ReqID             uint32
	APDU              []byte
	Source            domain.SrcAddr
	Priority          bool
	AltPath           bool
	Authenticated     bool
	TransceiverParams []byte // bidirectional-signal-strength amendment, spec section 4.4
}

// Completion is what TSA places on the completion queue (spec section
// 4.7): exactly one per originated acknowledged/repeated/request
// message.
type Completion struct {
	Tag     interface{}
	Success bool
}
