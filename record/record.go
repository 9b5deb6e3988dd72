// Package record holds the per-transaction state spec section 3 names:
// the single TX record per priority lane, and the fixed-size RR pool on
// the receive side. Both are plain structs with no behaviour beyond
// small pool-management helpers; the transport, session and
// authentication layers mutate them directly, matching spec section
// 5's single-threaded, no-locks, no-dynamic-lifetime model (an RR
// "pointer" is always a pool index, never a heap allocation).
package record

import (
	"errors"

	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/timer"
	"github.com/lonstack/go-tsa/wire"
)

// Status is shared by TX and RR: who currently owns the record.
type Status uint8

const (
	Unused Status = iota
	TransportOwned
	SessionOwned
)

func (s Status) String() string {
	switch s {
	case Unused:
		return "unused"
	case TransportOwned:
		return "transport"
	case SessionOwned:
		return "session"
	default:
		return "status<?>"
	}
}

// Service is the acknowledgement discipline a message was sent or
// received under.
type Service uint8

const (
	Acknowledged Service = iota
	Repeated
	Request
)

func (s Service) String() string {
	switch s {
	case Acknowledged:
		return "acknowledged"
	case Repeated:
		return "repeated"
	case Request:
		return "request"
	default:
		return "service<?>"
	}
}

// TransState is an RR's lifecycle state, spec section 3.
type TransState uint8

const (
	JustReceived TransState = iota
	Delivered
	Done
	Authenticating
	Authenticated
	Responded
)

func (s TransState) String() string {
	switch s {
	case JustReceived:
		return "just_received"
	case Delivered:
		return "delivered"
	case Done:
		return "done"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Responded:
		return "responded"
	default:
		return "trans_state<?>"
	}
}

// MaxAPDU bounds the APDU payload TSA will carry, spec section 3's
// "MAX_DATA".
const MaxAPDU = 229

// TX is the single per-priority-lane outgoing transaction, spec
// section 3. Exactly one exists per lane; SendNewMsg/retry/terminate
// mutate it in place.
type TX struct {
	Status    Status
	Dest      domain.DestAddr
	DomainID  [6]byte
	DomainLen uint8
	TID       uint16
	Version   wire.Version
	Service   Service

	AckReceived []bool // indexed by group member; len == group size for multicast
	AckCount    int
	DestCount   int

	RetriesLeft    int
	XmitTimerValue int64
	XmitTimer      timer.Timer

	APDU      [MaxAPDU]byte
	APDUSize  int
	NeedsAuth bool

	AltPath             bool
	LastRetryExtraDelay int64
	AltKey              bool

	// AuthRandom is the challenge nonce this TX must reply to, carried
	// across scheduler passes between "send reply" and the ack/response
	// that follows it.
	AuthRandom [8]byte

	// Tag correlates this TX with the completion event eventually
	// delivered for it (spec section 4.7).
	Tag interface{}

	// MaxResponses bounds broadcast request/response delivery count
	// (spec section 4.4's reinterpreted "rsvd1" field).
	MaxResponses int
	RespReceived int

	// Terminating and TerminateSuccess record a completion that could
	// not yet be pushed because the application completion queue was
	// full; the TX stays held (transaction number still owned) until
	// the queue drains.
	Terminating      bool
	TerminateSuccess bool
}

// Reset returns the TX to Unused, clearing every field a new send must
// not inherit.
func (t *TX) Reset() {
	*t = TX{}
}

// APDUBytes returns the stored APDU as a slice view.
func (t *TX) APDUBytes() []byte {
	return t.APDU[:t.APDUSize]
}

// SetAPDU copies apdu into the fixed buffer.
func (t *TX) SetAPDU(apdu []byte) error {
	if len(apdu) > MaxAPDU {
		return errors.New("record: apdu exceeds MaxAPDU")
	}
	t.APDUSize = copy(t.APDU[:], apdu)
	return nil
}

// RR is one receive-side slot, spec section 3.
type RR struct {
	Status    Status
	Source    domain.SrcAddr
	DomainID  [6]byte
	DomainLen uint8
	TID       uint16
	ReqID     uint32

	State    TransState
	Priority bool
	AltPath  bool
	Version  wire.Version

	NeedsAuth bool
	AuthOK    bool
	Service   Service

	APDU     [MaxAPDU]byte
	APDUSize int

	Response     [MaxAPDU]byte
	ResponseSize int

	Random [8]byte

	RecvTimer timer.Timer
}

func (r *RR) APDUBytes() []byte {
	return r.APDU[:r.APDUSize]
}

func (r *RR) SetAPDU(apdu []byte) error {
	if len(apdu) > MaxAPDU {
		return errors.New("record: apdu exceeds MaxAPDU")
	}
	r.APDUSize = copy(r.APDU[:], apdu)
	return nil
}

func (r *RR) ResponseBytes() []byte {
	return r.Response[:r.ResponseSize]
}

func (r *RR) SetResponse(resp []byte) error {
	if len(resp) > MaxAPDU {
		return errors.New("record: response exceeds MaxAPDU")
	}
	r.ResponseSize = copy(r.Response[:], resp)
	return nil
}

// Reset returns the RR to Unused.
func (r *RR) Reset() {
	*r = RR{}
}

// Identity returns the comparison identity for this RR's source, the
// same tuple spec section 3 defines RR uniqueness against.
func (r *RR) Identity(domainID [6]byte, domainLen uint8) domain.Identity {
	return r.Source.Identity(domainID, domainLen)
}
