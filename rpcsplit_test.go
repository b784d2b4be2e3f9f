package rpcsplit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jihwankim/ggml-rpc-split/internal/endpoint/endpointtest"
	"github.com/jihwankim/ggml-rpc-split/internal/wire"
)

func TestParseConfig(t *testing.T) {
	endpoints, weights, err := ParseConfig("10.0.0.1:50052,10.0.0.2:50052|0.6,0.4")
	require.NoError(t, err)
	assert.Len(t, endpoints, 2)
	assert.Equal(t, []float64{0.6, 0.4}, weights)
}

func TestParseConfigRejectsBadInput(t *testing.T) {
	_, _, err := ParseConfig("bad")
	assert.Error(t, err)
}

func TestCreateSplitBufferTypeAndIsRPCSplit(t *testing.T) {
	endpoints := []Endpoint{{Address: "h1:1"}, {Address: "h2:2"}}
	buft, err := CreateSplitBufferType(endpoints, []uint32{0, 1}, []float64{0.5, 0.5})
	require.NoError(t, err)
	assert.True(t, IsRPCSplit(buft))
	assert.Equal(t, uint32(1), buft.Endpoints[1].Device)
}

func TestEndToEndLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv1 := endpointtest.NewServer(wire.FullCaps())
	ln1, err := endpointtest.ListenAndServe("127.0.0.1:0", srv1)
	require.NoError(t, err)
	defer ln1.Close()

	srv2 := endpointtest.NewServer(wire.FullCaps())
	ln2, err := endpointtest.ListenAndServe("127.0.0.1:0", srv2)
	require.NoError(t, err)
	defer ln2.Close()

	endpoints := []Endpoint{{Address: ln1.Addr().String()}, {Address: ln2.Addr().String()}}
	buft, err := CreateSplitBufferType(endpoints, nil, []float64{0.5, 0.5})
	require.NoError(t, err)

	clients, err := DialAll(ctx, buft, nil)
	require.NoError(t, err)

	buf, err := NewSplitBuffer(buft, clients, nil)
	require.NoError(t, err)

	require.NoError(t, buf.AllocateTensor(ctx, "blk.0.ffn_gate_exps.weight", 4, 4))
	require.NoError(t, buf.UploadTensor(ctx, "blk.0.ffn_gate_exps.weight", make([]byte, 16), 4))

	require.NoError(t, DestroySplitBufferType(ctx, buft, buf))
}
