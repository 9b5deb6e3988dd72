package record_test

import (
	"testing"

	"github.com/lonstack/go-tsa/domain"
	"github.com/lonstack/go-tsa/record"
	"gotest.tools/v3/assert"
)

func srcIdentity(node byte) domain.Identity {
	return domain.SrcAddr{Subnet: 1, Node: node}.Identity([6]byte{1}, 3)
}

func TestPoolAllocFindRelease(t *testing.T) {
	pool := record.NewPool(2)

	idx, rr, err := pool.Alloc()
	assert.NilError(t, err)
	rr.Status = record.TransportOwned
	rr.Source = domain.SrcAddr{Subnet: 1, Node: 5}
	rr.TID = 7

	_, found, ok := pool.Find([6]byte{1}, 3, srcIdentity(5), 7)
	assert.Assert(t, ok)
	assert.Equal(t, found.TID, uint16(7))

	pool.Release(idx)
	_, _, ok = pool.Find([6]byte{1}, 3, srcIdentity(5), 7)
	assert.Assert(t, !ok)
}

func TestPoolExhaustedWhenAllBusy(t *testing.T) {
	pool := record.NewPool(1)
	_, rr, err := pool.Alloc()
	assert.NilError(t, err)
	rr.Status = record.TransportOwned
	rr.State = record.JustReceived

	_, _, err = pool.Alloc()
	assert.ErrorIs(t, err, record.ErrPoolExhausted)
}

func TestPoolReusesExpiredDeliveredSlot(t *testing.T) {
	pool := record.NewPool(1)
	_, rr, err := pool.Alloc()
	assert.NilError(t, err)
	rr.Status = record.TransportOwned
	rr.State = record.Delivered
	// RecvTimer not running: the slot's receive timer has expired.

	idx, rr2, err := pool.Alloc()
	assert.NilError(t, err)
	assert.Equal(t, idx, 0)
	assert.Equal(t, rr2.Status, record.Unused)
}

func TestNextReqIDNeverZero(t *testing.T) {
	pool := record.NewPool(1)
	for i := 0; i < 1000; i++ {
		id := pool.NextReqID()
		assert.Assert(t, id != 0)
	}
}

func TestTXSetAPDURejectsOversize(t *testing.T) {
	var tx record.TX
	big := make([]byte, record.MaxAPDU+1)
	assert.ErrorContains(t, tx.SetAPDU(big), "exceeds")
}

func TestTXAPDURoundTrip(t *testing.T) {
	var tx record.TX
	assert.NilError(t, tx.SetAPDU([]byte{0x30, 0xAA}))
	assert.DeepEqual(t, tx.APDUBytes(), []byte{0x30, 0xAA})
}
