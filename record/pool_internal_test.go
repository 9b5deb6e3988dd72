package record

import "testing"

func TestNextReqIDWrapsSkippingZero(t *testing.T) {
	p := NewPool(1)
	p.nextReqID = 0xFFFFFFFF
	last := p.NextReqID()
	if last != 0xFFFFFFFF {
		t.Fatalf("got %d", last)
	}
	wrapped := p.NextReqID()
	if wrapped == 0 {
		t.Fatalf("reqId wrapped to 0")
	}
	if wrapped != 1 {
		t.Fatalf("expected wrap to 1, got %d", wrapped)
	}
}
