package profiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadBalancePerfectWhenIdentical(t *testing.T) {
	p := New(nil)
	p.Record("a", 100, false)
	p.Record("b", 100, false)
	p.Record("c", 100, false)

	snap := p.Snapshot()
	assert.InDelta(t, 1.0, snap.LoadBalance, 1e-9)
}

func TestLoadBalanceSkewedRatio(t *testing.T) {
	p := New(nil)
	p.Record("a", 300, false)
	p.Record("b", 100, false)

	snap := p.Snapshot()
	assert.Greater(t, snap.LoadBalance, 0.5)
	assert.Less(t, snap.LoadBalance, 0.8)
}

func TestRecordAccumulatesMinMaxMean(t *testing.T) {
	p := New(nil)
	p.Record("a", 50, false)
	p.Record("a", 150, false)

	snap := p.Snapshot()
	stat := snap.PerEndpoint[0]
	assert.Equal(t, uint64(2), stat.Samples)
	assert.Equal(t, int64(50), stat.MinNs)
	assert.Equal(t, int64(150), stat.MaxNs)
	assert.InDelta(t, 100.0, stat.MeanNs, 1e-9)
}

func TestRecordTracksTransportFailuresSeparately(t *testing.T) {
	p := New(nil)
	p.Record("a", 100, false)
	p.Record("a", 0, true)

	snap := p.Snapshot()
	assert.Equal(t, uint64(1), snap.PerEndpoint[0].Samples)
	assert.Equal(t, uint64(1), snap.PerEndpoint[0].TransportFails)
}

func TestHotExpertActivationHistogram(t *testing.T) {
	p := New(nil)
	for i := 0; i < 10; i++ {
		p.RecordActivations([]int32{0, 3})
	}

	snap := p.Snapshot()
	count := findActivation(snap.TopExperts, 0)
	assert.Equal(t, uint64(10), count)
	assert.Equal(t, int32(0), snap.TopExperts[0].ExpertID)
}

func TestDisableStopsRecording(t *testing.T) {
	p := New(nil)
	p.Disable()
	p.Record("a", 100, false)

	snap := p.Snapshot()
	assert.Empty(t, snap.PerEndpoint)
}

func findActivation(top []ExpertActivation, id int32) uint64 {
	for _, a := range top {
		if a.ExpertID == id {
			return a.Count
		}
	}
	return 0
}
