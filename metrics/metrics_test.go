package metrics_test

import (
	"testing"

	"github.com/lonstack/go-tsa/metrics"
	"gotest.tools/v3/assert"
)

func TestSnapshotReflectsIncrements(t *testing.T) {
	set := metrics.New("test")
	set.AuthFailures.Inc()
	set.AuthFailures.Inc()
	set.TCSBusy.Inc()

	snap := set.Snapshot()
	assert.Equal(t, snap.AuthFailures, float64(2))
	assert.Equal(t, snap.TCSBusy, float64(1))
	assert.Equal(t, snap.ProtocolErrors, float64(0))
}

func TestCollectorsIncludesEveryCounter(t *testing.T) {
	set := metrics.New("test2")
	assert.Equal(t, len(set.Collectors()), 11)
}
