package report

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jihwankim/ggml-rpc-split/internal/profiler"
)

func sampleSnapshot() profiler.Snapshot {
	return profiler.Snapshot{
		PerEndpoint: []profiler.EndpointSnapshot{
			{Endpoint: "a:1", Samples: 10, MeanNs: 1000, MinNs: 500, MaxNs: 2000},
		},
		LoadBalance: 0.95,
		TopExperts: []profiler.ExpertActivation{
			{ExpertID: 0, Count: 10},
		},
	}
}

func TestWriteSnapshotText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, FormatText, sampleSnapshot()))
	out := buf.String()
	assert.Contains(t, out, "load balance: 0.950")
	assert.Contains(t, out, "a:1")
	assert.Contains(t, out, "expert 0")
}

func TestWriteSnapshotJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, FormatJSON, sampleSnapshot()))

	var decoded profiler.Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.InDelta(t, 0.95, decoded.LoadBalance, 1e-9)
	assert.Len(t, decoded.PerEndpoint, 1)
}
