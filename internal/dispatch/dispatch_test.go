package dispatch

import (
	"context"
	"encoding/binary"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jihwankim/ggml-rpc-split/internal/buffer"
	"github.com/jihwankim/ggml-rpc-split/internal/endpoint"
	"github.com/jihwankim/ggml-rpc-split/internal/endpoint/endpointtest"
	"github.com/jihwankim/ggml-rpc-split/internal/profiler"
	"github.com/jihwankim/ggml-rpc-split/internal/wire"
)

func float32Bytes(vs ...float32) []byte {
	buf := make([]byte, len(vs)*4)
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf
}

func decodeFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out
}

type cluster struct {
	listeners []net.Listener
	clients   []*endpoint.Client
}

func startCluster(t *testing.T, n int) *cluster {
	t.Helper()
	caps := make([]uint32, n)
	for i := range caps {
		caps[i] = wire.FullCaps()
	}
	return startClusterWithCaps(t, caps)
}

// startClusterWithCaps starts one endpointtest.Server per entry in caps,
// letting a test mix a legacy server (caps missing MUL_MAT_ID_PARTIAL)
// in among endpoints that do support partial compute.
func startClusterWithCaps(t *testing.T, caps []uint32) *cluster {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := len(caps)
	c := &cluster{}
	endpoints := make([]endpoint.Endpoint, n)
	for i := 0; i < n; i++ {
		srv := endpointtest.NewServer(caps[i])
		ln, err := endpointtest.ListenAndServe("127.0.0.1:0", srv)
		require.NoError(t, err)
		c.listeners = append(c.listeners, ln)
		endpoints[i] = endpoint.Endpoint{Address: ln.Addr().String()}
	}
	t.Cleanup(func() {
		for _, ln := range c.listeners {
			ln.Close()
		}
		for _, cl := range c.clients {
			cl.Close()
		}
	})
	for i := 0; i < n; i++ {
		cl, err := endpoint.Dial(ctx, endpoints[i], nil)
		require.NoError(t, err)
		c.clients = append(c.clients, cl)
	}
	return c
}

// TestDispatchRoutingScenario implements spec scenario 5: 2 endpoints x
// 8 experts, top_k=2, tokens=4, routing [1,5; 2,3; 4,6; 0,7]. Endpoint 0
// owns experts [0,4), endpoint 1 owns [4,8).
func TestDispatchRoutingScenario(t *testing.T) {
	c := startCluster(t, 2)

	typ, err := buffer.NewType([]endpoint.Endpoint{c.clients[0].Endpoint(), c.clients[1].Endpoint()}, []float64{0.5, 0.5})
	require.NoError(t, err)
	buf, err := buffer.New(typ, c.clients, nil)
	require.NoError(t, err)

	ctx := context.Background()
	const nEmbd = 1
	require.NoError(t, buf.AllocateTensor(ctx, "blk.0.ffn_up_exps.weight", 8, 4))

	// Expert multiplier i -> value i+1, so it's easy to hand-compute the
	// expected accumulation.
	weights := make([]float32, 8)
	for i := range weights {
		weights[i] = float32(i + 1)
	}
	require.NoError(t, buf.UploadTensor(ctx, "blk.0.ffn_up_exps.weight", float32Bytes(weights...), 4))

	prof := profiler.New(nil)
	d := New(buf, prof, nil)

	routing := []int32{1, 5, 2, 3, 4, 6, 0, 7} // [token][top_k]
	activations := float32Bytes(10, 20, 30, 40)

	out, err := d.Dispatch(ctx, Request{
		WeightTensor: "blk.0.ffn_up_exps.weight",
		NEmbd:        nEmbd,
		NTokens:      4,
		TopK:         2,
		Routing:      routing,
		Activations:  activations,
	})
	require.NoError(t, err)

	got := decodeFloats(out)
	// token0: experts 1(endpoint0) + 5(endpoint1) -> (1+1)+(5+1) = 2+6=8, *act(10) = 80
	// token1: experts 2,3 both endpoint0 -> (2+1)+(3+1)=3+4=7, *act(20)=140
	// token2: experts 4,6 both endpoint1 -> (4+1)+(6+1)=5+7=12, *act(30)=360
	// token3: experts 0,7 endpoint0+endpoint1 -> (0+1)+(7+1)=1+8=9, *act(40)=360
	want := []float32{80, 140, 360, 360}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-2, "token %d", i)
	}

	snap := prof.Snapshot()
	assert.NotEmpty(t, snap.PerEndpoint)
	assert.Len(t, snap.TopExperts, 8)
}

// TestDispatchGatherFallback covers the same scenario as
// TestDispatchRoutingScenario, but endpoint 1 advertises caps without
// MUL_MAT_ID_PARTIAL (a legacy server). Dispatch must fall back to
// downloading every shard, reconstituting the full weight tensor, and
// computing the matmul locally rather than failing the call.
func TestDispatchGatherFallback(t *testing.T) {
	legacyCaps := wire.FullCaps() &^ (1 << (uint(wire.CmdMulMatIDPartial) - 1))
	c := startClusterWithCaps(t, []uint32{wire.FullCaps(), legacyCaps})

	typ, err := buffer.NewType([]endpoint.Endpoint{c.clients[0].Endpoint(), c.clients[1].Endpoint()}, []float64{0.5, 0.5})
	require.NoError(t, err)
	buf, err := buffer.New(typ, c.clients, nil)
	require.NoError(t, err)

	ctx := context.Background()
	const nEmbd = 1
	require.NoError(t, buf.AllocateTensor(ctx, "blk.0.ffn_up_exps.weight", 8, 4))

	weights := make([]float32, 8)
	for i := range weights {
		weights[i] = float32(i + 1)
	}
	require.NoError(t, buf.UploadTensor(ctx, "blk.0.ffn_up_exps.weight", float32Bytes(weights...), 4))

	prof := profiler.New(nil)
	d := New(buf, prof, nil)

	routing := []int32{1, 5, 2, 3, 4, 6, 0, 7} // [token][top_k]
	activations := float32Bytes(10, 20, 30, 40)

	out, err := d.Dispatch(ctx, Request{
		WeightTensor: "blk.0.ffn_up_exps.weight",
		NEmbd:        nEmbd,
		NTokens:      4,
		TopK:         2,
		Routing:      routing,
		Activations:  activations,
	})
	require.NoError(t, err)

	got := decodeFloats(out)
	// Same routing/weights as TestDispatchRoutingScenario; the gather
	// path reconstitutes the full tensor so the result must match.
	want := []float32{80, 140, 360, 360}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-2, "token %d", i)
	}

	snap := prof.Snapshot()
	assert.NotEmpty(t, snap.PerEndpoint)
}

// TestDispatchGatherFallbackDownloadFailure checks that a download
// error during the gather path aborts the whole dispatch, matching the
// partial-request failure policy of the direct path.
func TestDispatchGatherFallbackDownloadFailure(t *testing.T) {
	legacyCaps := wire.FullCaps() &^ (1 << (uint(wire.CmdMulMatIDPartial) - 1))
	c := startClusterWithCaps(t, []uint32{wire.FullCaps(), legacyCaps})

	typ, err := buffer.NewType([]endpoint.Endpoint{c.clients[0].Endpoint(), c.clients[1].Endpoint()}, []float64{0.5, 0.5})
	require.NoError(t, err)
	buf, err := buffer.New(typ, c.clients, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, buf.AllocateTensor(ctx, "blk.0.ffn_up_exps.weight", 8, 4))
	require.NoError(t, buf.UploadTensor(ctx, "blk.0.ffn_up_exps.weight", make([]byte, 32), 4))

	// Sabotage endpoint 1's connection so its DOWNLOAD fails too.
	c.clients[1].Close()

	d := New(buf, nil, nil)
	_, err = d.Dispatch(ctx, Request{
		WeightTensor: "blk.0.ffn_up_exps.weight",
		NEmbd:        1,
		NTokens:      2,
		TopK:         1,
		Routing:      []int32{0, 5},
		Activations:  float32Bytes(1, 2),
	})
	assert.Error(t, err)
}

func TestDispatchAbortsOnPartialFailure(t *testing.T) {
	c := startCluster(t, 2)
	typ, err := buffer.NewType([]endpoint.Endpoint{c.clients[0].Endpoint(), c.clients[1].Endpoint()}, []float64{0.5, 0.5})
	require.NoError(t, err)
	buf, err := buffer.New(typ, c.clients, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, buf.AllocateTensor(ctx, "blk.0.ffn_up_exps.weight", 8, 4))
	require.NoError(t, buf.UploadTensor(ctx, "blk.0.ffn_up_exps.weight", make([]byte, 32), 4))

	// Sabotage endpoint 1's connection so its partial request fails.
	c.clients[1].Close()

	d := New(buf, nil, nil)
	_, err = d.Dispatch(ctx, Request{
		WeightTensor: "blk.0.ffn_up_exps.weight",
		NEmbd:        1,
		NTokens:      2,
		TopK:         1,
		Routing:      []int32{0, 5}, // token 0 -> endpoint 0, token 1 -> endpoint 1 (broken)
		Activations:  float32Bytes(1, 2),
	})
	assert.Error(t, err)
}
