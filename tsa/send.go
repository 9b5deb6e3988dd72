package tsa

import (
	"fmt"

	"github.com/lonstack/go-tsa/appio"
	"github.com/rs/xid"
)

// Send places req onto the out-queue for the requested priority lane,
// stamping it with a freshly generated correlation tag so the
// Completion eventually reported for it (spec section 4.7) can be
// matched back to this call without the caller managing its own id
// space across acknowledged, repeated, and request sends alike.
func (c *Context) Send(priority bool, req appio.SendRequest) (xid.ID, error) {
	tag := xid.New()
	req.Tag = tag
	lane := 0
	if priority {
		lane = 1
	}
	if !c.AppOut[lane].Push(req) {
		return tag, fmt.Errorf("tsa: send queue full")
	}
	return tag, nil
}

// Respond places item onto the response-out queue for a pending
// request RR (spec section 4.4's "response send").
func (c *Context) Respond(item appio.ResponseItem) error {
	if !c.RespIn.Push(item) {
		return fmt.Errorf("tsa: response queue full")
	}
	return nil
}
