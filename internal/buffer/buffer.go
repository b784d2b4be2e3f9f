// Package buffer implements the Split Buffer Type and Split Buffer: the
// allocator-like objects that shard expert tensors across a set of
// remote endpoints in proportion to their configured weights.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jihwankim/ggml-rpc-split/internal/classify"
	"github.com/jihwankim/ggml-rpc-split/internal/endpoint"
	"github.com/jihwankim/ggml-rpc-split/internal/planner"
	"github.com/jihwankim/ggml-rpc-split/internal/rpcerr"
	"github.com/jihwankim/ggml-rpc-split/internal/telemetry"
)

// ErrPoisoned is the fast-path error AllocateTensor, UploadTensor and
// FreeTensor return on a poisoned Split Buffer without touching the
// network. The query methods and the dispatcher do not check the flag.
var ErrPoisoned = rpcerr.New(rpcerr.KindTransport, "split buffer is poisoned by a prior transport failure", nil)

// Type is the value-typed descriptor the model loader registers a
// buffer against: endpoints, devices, normalized weights and N.
// Immutable once constructed.
type Type struct {
	Endpoints []endpoint.Endpoint
	Weights   []float64
	N         int
}

// NewType validates endpoints/weights and normalizes the weights
// (all-zero replaced by uniform, per spec), returning an immutable Type.
func NewType(endpoints []endpoint.Endpoint, weights []float64) (*Type, error) {
	if len(endpoints) == 0 {
		return nil, rpcerr.Configf("split buffer type requires at least one endpoint")
	}
	if len(endpoints) != len(weights) {
		return nil, rpcerr.Configf("endpoint count (%d) and weight count (%d) disagree", len(endpoints), len(weights))
	}
	if len(endpoints) > planner.MaxEndpoints {
		return nil, rpcerr.Configf("endpoint count %d exceeds maximum of %d", len(endpoints), planner.MaxEndpoints)
	}
	for i, w := range weights {
		if w < 0 {
			return nil, rpcerr.Configf("weight[%d]=%g is negative", i, w)
		}
	}
	return &Type{
		Endpoints: append([]endpoint.Endpoint(nil), endpoints...),
		Weights:   planner.NormalizeWeights(weights),
		N:         len(endpoints),
	}, nil
}

// IsRPCSplit always reports true for a *Type constructed by this
// package; it exists as a symmetric query alongside a tagged "simple"
// buffer type an embedding application might define for non-split
// placement.
func IsRPCSplit(t *Type) bool { return t != nil }

// AuditEntry records one allocate/upload/free action against a
// specific endpoint, for diagnosing a partial teardown after the fact.
type AuditEntry struct {
	Timestamp time.Time
	Action    string
	Tensor    string
	Endpoint  string
	Success   bool
	Error     error
}

// remoteHandle is a per-endpoint remote allocation; a zero Size means
// this endpoint owns no slice of the tensor.
type remoteHandle struct {
	Handle uint64
	Size   uint64
	Range  planner.Range
}

// tensorEntry tracks one tensor's placement across every endpoint in
// the buffer.
type tensorEntry struct {
	name           string
	expert         bool
	bytesPerExpert uint64
	handles        []remoteHandle // len == N; handles[i].Size == 0 means unallocated on i
}

// Buffer is the live allocator: for each expert tensor placed into it,
// it physically stores disjoint remote sub-buffers on the Type's N
// endpoints.
type Buffer struct {
	typ     *Type
	clients []*endpoint.Client
	log     *telemetry.Logger

	mu         sync.Mutex
	generation uint64
	tensors    map[string]*tensorEntry
	auditLog   []AuditEntry

	poisonMu sync.Mutex
	poisoned bool
	onPoison []func(error)
}

// New constructs a Buffer over already-dialed clients, one per
// typ.Endpoints entry in the same order.
func New(typ *Type, clients []*endpoint.Client, log *telemetry.Logger) (*Buffer, error) {
	if len(clients) != typ.N {
		return nil, rpcerr.Configf("expected %d endpoint clients, got %d", typ.N, len(clients))
	}
	if log == nil {
		log = telemetry.Nop()
	}
	return &Buffer{
		typ:     typ,
		clients: clients,
		log:     log,
		tensors: make(map[string]*tensorEntry),
	}, nil
}

// OnPoison registers a callback fired exactly once, the first time this
// buffer is poisoned by a TransportError.
func (b *Buffer) OnPoison(fn func(error)) {
	b.poisonMu.Lock()
	defer b.poisonMu.Unlock()
	b.onPoison = append(b.onPoison, fn)
}

// Poisoned reports whether a prior TransportError has disabled this
// buffer.
func (b *Buffer) Poisoned() bool {
	b.poisonMu.Lock()
	defer b.poisonMu.Unlock()
	return b.poisoned
}

// poison marks the buffer poisoned on the first TransportError any
// operation observes, then broadcasts to every registered callback. It
// is a no-op on subsequent calls.
func (b *Buffer) poison(cause error) {
	b.poisonMu.Lock()
	if b.poisoned {
		b.poisonMu.Unlock()
		return
	}
	b.poisoned = true
	callbacks := append([]func(error){}, b.onPoison...)
	b.poisonMu.Unlock()

	b.log.Error("split buffer poisoned", "cause", cause)
	for _, cb := range callbacks {
		cb(cause)
	}
}

func (b *Buffer) guardTransport(err error) error {
	if err == nil {
		return nil
	}
	if kind, ok := rpcerr.KindOf(err); ok && kind == rpcerr.KindTransport {
		b.poison(err)
	}
	return err
}

func (b *Buffer) checkPoisoned() error {
	if b.Poisoned() {
		return ErrPoisoned
	}
	return nil
}

// AllocateTensor implements the allocation-time contract: classify the
// tensor by name; if not an expert tensor, place it wholly on endpoint
// 0; if it is, compute plan_expert over nExpert and allocate a shard on
// every endpoint with a nonempty range.
func (b *Buffer) AllocateTensor(ctx context.Context, name string, nExpert int, bytesPerExpert uint64) error {
	if err := b.checkPoisoned(); err != nil {
		return err
	}

	isExpert := classify.IsExpertTensor(name)

	entry := &tensorEntry{name: name, expert: isExpert, bytesPerExpert: bytesPerExpert, handles: make([]remoteHandle, b.typ.N)}

	if !isExpert {
		handle, err := b.clients[0].Alloc(ctx, b.typ.Endpoints[0].Device, bytesPerExpert*uint64(nExpert))
		b.record("alloc", name, b.typ.Endpoints[0].ID(), err)
		if err := b.guardTransport(err); err != nil {
			return err
		}
		entry.handles[0] = remoteHandle{Handle: handle, Size: bytesPerExpert * uint64(nExpert), Range: planner.Range{Lo: 0, Hi: nExpert}}
		b.commitTensor(name, entry)
		return nil
	}

	ranges, err := planner.PlanExpert(nExpert, b.typ.Weights)
	if err != nil {
		return err
	}

	for i, r := range ranges {
		if r.Len() == 0 {
			continue
		}
		size := bytesPerExpert * uint64(r.Len())
		handle, err := b.clients[i].Alloc(ctx, b.typ.Endpoints[i].Device, size)
		b.record("alloc", name, b.typ.Endpoints[i].ID(), err)
		if err := b.guardTransport(err); err != nil {
			return err
		}
		entry.handles[i] = remoteHandle{Handle: handle, Size: size, Range: r}
	}

	b.commitTensor(name, entry)
	return nil
}

func (b *Buffer) commitTensor(name string, entry *tensorEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tensors[name] = entry
	b.generation++
}

// UploadTensor implements the data-load contract: split data along the
// expert axis at the byte boundaries implied by the tensor's plan and
// write each shard to its owning endpoint's sub-buffer at offset 0. For
// a non-expert tensor the whole blob goes to endpoint 0.
func (b *Buffer) UploadTensor(ctx context.Context, name string, data []byte, bytesPerExpert uint64) error {
	if err := b.checkPoisoned(); err != nil {
		return err
	}

	b.mu.Lock()
	entry, ok := b.tensors[name]
	b.mu.Unlock()
	if !ok {
		return rpcerr.Configf("tensor %q has not been allocated", name)
	}

	if !entry.expert {
		h := entry.handles[0]
		err := b.clients[0].Upload(ctx, h.Handle, 0, data)
		b.record("upload", name, b.typ.Endpoints[0].ID(), err)
		return b.guardTransport(err)
	}

	for i, h := range entry.handles {
		if h.Size == 0 {
			continue
		}
		lo := uint64(h.Range.Lo) * bytesPerExpert
		hi := uint64(h.Range.Hi) * bytesPerExpert
		if hi > uint64(len(data)) {
			return rpcerr.Configf("tensor %q data too short: need %d bytes, have %d", name, hi, len(data))
		}
		err := b.clients[i].Upload(ctx, h.Handle, 0, data[lo:hi])
		b.record("upload", name, b.typ.Endpoints[i].ID(), err)
		if err := b.guardTransport(err); err != nil {
			return err
		}
	}
	return nil
}

// FreeTensor frees every remote sub-buffer backing name. The Buffer
// itself may outlive freed tensors; FreeTensor only removes the freed
// tensor's bookkeeping entry.
func (b *Buffer) FreeTensor(ctx context.Context, name string) error {
	if err := b.checkPoisoned(); err != nil {
		return err
	}

	b.mu.Lock()
	entry, ok := b.tensors[name]
	b.mu.Unlock()
	if !ok {
		return rpcerr.Configf("tensor %q has not been allocated", name)
	}

	var firstErr error
	for i, h := range entry.handles {
		if h.Size == 0 {
			continue
		}
		err := b.clients[i].Free(ctx, h.Handle)
		b.record("free", name, b.typ.Endpoints[i].ID(), err)
		if guarded := b.guardTransport(err); guarded != nil && firstErr == nil {
			firstErr = guarded
		}
	}

	b.mu.Lock()
	delete(b.tensors, name)
	b.mu.Unlock()

	return firstErr
}

func (b *Buffer) record(action, tensor, ep string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auditLog = append(b.auditLog, AuditEntry{
		Timestamp: time.Now(),
		Action:    action,
		Tensor:    tensor,
		Endpoint:  ep,
		Success:   err == nil,
		Error:     err,
	})
}

// AuditLog returns the full free/allocate/upload audit trail recorded
// so far.
func (b *Buffer) AuditLog() []AuditEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]AuditEntry(nil), b.auditLog...)
}

// Generation returns the number of successful allocation passes this
// buffer has completed.
func (b *Buffer) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}

// EndpointsOf returns the Type's endpoints in configured order.
func EndpointsOf(t *Type) []endpoint.Endpoint { return t.Endpoints }

// PlanFor returns the per-endpoint ranges backing tensor name, or an
// error if the tensor is unknown.
func (b *Buffer) PlanFor(name string) ([]planner.Range, error) {
	b.mu.Lock()
	entry, ok := b.tensors[name]
	b.mu.Unlock()
	if !ok {
		return nil, rpcerr.Configf("tensor %q has not been allocated", name)
	}
	ranges := make([]planner.Range, len(entry.handles))
	for i, h := range entry.handles {
		ranges[i] = h.Range
	}
	return ranges, nil
}

// HandleFor returns the remote handle and owning Range for tensor name
// on endpoint i, used by the dispatcher to build its partial requests.
func (b *Buffer) HandleFor(name string, i int) (uint64, planner.Range, error) {
	b.mu.Lock()
	entry, ok := b.tensors[name]
	b.mu.Unlock()
	if !ok {
		return 0, planner.Range{}, rpcerr.Configf("tensor %q has not been allocated", name)
	}
	if i < 0 || i >= len(entry.handles) {
		return 0, planner.Range{}, fmt.Errorf("endpoint index %d out of range", i)
	}
	h := entry.handles[i]
	return h.Handle, h.Range, nil
}

// BytesPerExpert returns the per-expert byte stride recorded when name
// was allocated, used by the dispatcher's gather fallback to interpret
// a reconstituted tensor's expert boundaries.
func (b *Buffer) BytesPerExpert(name string) (uint64, error) {
	b.mu.Lock()
	entry, ok := b.tensors[name]
	b.mu.Unlock()
	if !ok {
		return 0, rpcerr.Configf("tensor %q has not been allocated", name)
	}
	return entry.bytesPerExpert, nil
}

// Client returns the Endpoint Client this buffer uses for endpoint i.
func (b *Buffer) Client(i int) *endpoint.Client { return b.clients[i] }

// Type returns the buffer's immutable Split Buffer Type.
func (b *Buffer) Type() *Type { return b.typ }
