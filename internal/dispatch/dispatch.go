// Package dispatch implements the per-inference-step orchestration:
// partition token-to-expert assignments per endpoint, fan out partial
// matmul requests in parallel, and accumulate the partial outputs into
// a dense result.
package dispatch

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jihwankim/ggml-rpc-split/internal/buffer"
	"github.com/jihwankim/ggml-rpc-split/internal/endpoint"
	"github.com/jihwankim/ggml-rpc-split/internal/planner"
	"github.com/jihwankim/ggml-rpc-split/internal/profiler"
	"github.com/jihwankim/ggml-rpc-split/internal/rpcerr"
	"github.com/jihwankim/ggml-rpc-split/internal/telemetry"
)

// Request bundles one dispatch call's inputs: a weight tensor W known
// to live in buf, an activation tensor A of shape [n_embd, n_tokens],
// and a routing tensor R of shape [top_k, n_tokens] whose entries are
// expert ids.
type Request struct {
	WeightTensor string
	NEmbd        int
	NTokens      int
	TopK         int
	Routing      []int32 // row-major [n_tokens][top_k], length n_tokens*top_k
	Activations  []byte  // float32 row-major [n_tokens][n_embd]
}

// Dispatcher fans partial MUL_MAT_ID requests out to every endpoint
// whose expert range intersects the routing tensor, and accumulates the
// results. One Dispatcher is shared across every dispatch call against
// a given Split Buffer.
type Dispatcher struct {
	buf  *buffer.Buffer
	prof *profiler.Profiler
	log  *telemetry.Logger
	seq  uint64

	localMatMulID LocalMatMulID
}

// LocalMatMulID computes the dense MoE output from a fully reconstituted
// weight tensor, activations and routing. The gather fallback calls this
// once it has downloaded and reassembled every endpoint's shard. The
// default implementation understands only this module's own
// expert-weight convention (one float32 activation multiplier per
// expert, laid out at bytesPerExpert stride); an embedding application
// backed by a real tensor library overrides it with SetLocalMatMulID.
type LocalMatMulID func(weight []byte, bytesPerExpert uint64, req Request) ([]byte, error)

// New constructs a Dispatcher over buf, recording timing and activation
// samples into prof. prof may be nil to disable profiling.
func New(buf *buffer.Buffer, prof *profiler.Profiler, log *telemetry.Logger) *Dispatcher {
	if log == nil {
		log = telemetry.Nop()
	}
	return &Dispatcher{buf: buf, prof: prof, log: log, localMatMulID: defaultLocalMatMulID}
}

// SetLocalMatMulID overrides the routine the gather fallback uses to
// compute the dense output once it has reconstituted the full weight
// tensor locally.
func (d *Dispatcher) SetLocalMatMulID(fn LocalMatMulID) {
	d.localMatMulID = fn
}

// Dispatch runs the five-step algorithm: consult the plan, determine
// active endpoints, fan out partial requests in parallel, accumulate
// elementwise, and record profiling samples. Returns the dense output
// tensor bytes, shape [n_embd, n_tokens] row-major float32.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) ([]byte, error) {
	ranges, err := d.buf.PlanFor(req.WeightTensor)
	if err != nil {
		return nil, err
	}
	if len(req.Routing) != req.NTokens*req.TopK {
		return nil, rpcerr.New(rpcerr.KindShapeMismatch, "routing tensor length disagrees with n_tokens*top_k", nil)
	}
	if len(req.Activations) != req.NTokens*req.NEmbd*4 {
		return nil, rpcerr.New(rpcerr.KindShapeMismatch, "activation tensor length disagrees with n_embd*n_tokens", nil)
	}

	log := d.log.WithDispatch(atomic.AddUint64(&d.seq, 1))

	active := activeEndpoints(ranges, req.Routing)
	if len(active) == 0 {
		return make([]byte, req.NEmbd*req.NTokens*4), nil
	}

	if !d.allSupportPartial(active) {
		log.Debug("endpoint lacks MUL_MAT_ID_PARTIAL support, falling back to gather path")
		return d.gatherDispatch(ctx, ranges, req)
	}

	partials := make([][]byte, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	for _, i := range active {
		i := i
		g.Go(func() error {
			out, elapsed, err := d.dispatchOne(gctx, i, ranges[i], req)
			if d.prof != nil {
				d.prof.Record(d.buf.Type().Endpoints[i].ID(), elapsed, isTransportError(err))
			}
			if err != nil {
				log.Error("partial request failed", "endpoint", d.buf.Type().Endpoints[i].ID(), "error", err)
				return err
			}
			partials[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if d.prof != nil {
		d.prof.RecordActivations(req.Routing)
	}

	return accumulate(partials, req.NEmbd*req.NTokens), nil
}

// allSupportPartial reports whether every active endpoint advertised
// MUL_MAT_ID_PARTIAL support during its CAPS handshake.
func (d *Dispatcher) allSupportPartial(active []int) bool {
	for _, i := range active {
		if !d.buf.Client(i).SupportsPartialMatmul() {
			return false
		}
	}
	return true
}

// activeEndpoints returns the indices of endpoints whose range contains
// at least one routed expert id.
func activeEndpoints(ranges []planner.Range, routing []int32) []int {
	var active []int
	for i, r := range ranges {
		if r.Len() == 0 {
			continue
		}
		for _, id := range routing {
			if int(id) >= r.Lo && int(id) < r.Hi {
				active = append(active, i)
				break
			}
		}
	}
	return active
}

func (d *Dispatcher) dispatchOne(ctx context.Context, i int, r planner.Range, req Request) ([]byte, int64, error) {
	client := d.buf.Client(i)
	handle, _, err := d.buf.HandleFor(req.WeightTensor, i)
	if err != nil {
		return nil, 0, err
	}

	start := time.Now()
	out, err := client.MulMatIDPartial(ctx, endpoint.MulMatIDPartialInput{
		WeightHandle: handle,
		NEmbd:        uint32(req.NEmbd),
		NTokens:      uint32(req.NTokens),
		TopK:         uint32(req.TopK),
		LocalLo:      uint32(r.Lo),
		LocalHi:      uint32(r.Hi),
		RoutingIDs:   req.Routing,
		Activations:  req.Activations,
	})
	elapsed := time.Since(start).Nanoseconds()
	return out, elapsed, err
}

func isTransportError(err error) bool {
	kind, ok := rpcerr.KindOf(err)
	return ok && kind == rpcerr.KindTransport
}

// gatherDispatch implements the slower-but-correct fallback: download
// every endpoint's shard of the weight tensor, reconstitute the full
// tensor in expert order, and compute the matmul locally instead of
// asking any endpoint to do partial compute. Triggered for the whole
// call as soon as one active endpoint lacks MUL_MAT_ID_PARTIAL support,
// since the reconstituted tensor needs every shard regardless of which
// endpoint was the one missing the capability.
func (d *Dispatcher) gatherDispatch(ctx context.Context, ranges []planner.Range, req Request) ([]byte, error) {
	if len(ranges) == 0 {
		return nil, rpcerr.Configf("tensor %q has no endpoint ranges", req.WeightTensor)
	}
	bytesPerExpert, err := d.buf.BytesPerExpert(req.WeightTensor)
	if err != nil {
		return nil, err
	}

	nExpert := ranges[len(ranges)-1].Hi
	full := make([]byte, uint64(nExpert)*bytesPerExpert)

	for i, r := range ranges {
		if r.Len() == 0 {
			continue
		}
		handle, _, err := d.buf.HandleFor(req.WeightTensor, i)
		if err != nil {
			return nil, err
		}
		size := uint64(r.Len()) * bytesPerExpert
		client := d.buf.Client(i)

		start := time.Now()
		shard, err := client.Download(ctx, handle, 0, size)
		elapsed := time.Since(start).Nanoseconds()
		if d.prof != nil {
			d.prof.Record(client.Endpoint().ID(), elapsed, isTransportError(err))
		}
		if err != nil {
			return nil, err
		}

		lo := uint64(r.Lo) * bytesPerExpert
		copy(full[lo:lo+size], shard)
	}

	if d.prof != nil {
		d.prof.RecordActivations(req.Routing)
	}

	return d.localMatMulID(full, bytesPerExpert, req)
}

// defaultLocalMatMulID implements the gather path's "usual single-device
// routine" for this module's own expert-weight convention: the
// reconstituted tensor holds one float32 activation multiplier per
// expert at bytesPerExpert stride. For every token and every one of its
// top_k routed experts, the expert's multiplier scales the token's
// activation row into the output.
func defaultLocalMatMulID(weight []byte, bytesPerExpert uint64, req Request) ([]byte, error) {
	nEmbd := req.NEmbd
	nTokens := req.NTokens
	topK := req.TopK
	out := make([]float32, nEmbd*nTokens)

	for t := 0; t < nTokens; t++ {
		for k := 0; k < topK; k++ {
			expert := int(req.Routing[t*topK+k])
			off := uint64(expert) * bytesPerExpert
			if off+4 > uint64(len(weight)) {
				return nil, rpcerr.New(rpcerr.KindShapeMismatch, "routed expert id outside reconstituted weight tensor", nil)
			}
			mult := math.Float32frombits(binary.LittleEndian.Uint32(weight[off : off+4]))
			for e := 0; e < nEmbd; e++ {
				actOff := (t*nEmbd + e) * 4
				if actOff+4 > len(req.Activations) {
					continue
				}
				act := math.Float32frombits(binary.LittleEndian.Uint32(req.Activations[actOff : actOff+4]))
				out[t*nEmbd+e] += mult * act
			}
		}
	}

	buf := make([]byte, len(out)*4)
	for i, v := range out {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf, nil
}

// accumulate sums partial float32 buffers elementwise into one dense
// output of length n floats. Missing (nil) partials contribute zero.
func accumulate(partials [][]byte, n int) []byte {
	acc := make([]float32, n)
	for _, p := range partials {
		if p == nil {
			continue
		}
		for i := 0; i < n && (i+1)*4 <= len(p); i++ {
			v := math.Float32frombits(binary.LittleEndian.Uint32(p[i*4 : i*4+4]))
			acc[i] += v
		}
	}
	out := make([]byte, n*4)
	for i, v := range acc {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}
