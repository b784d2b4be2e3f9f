// Package rpcsplit is the public surface of the distributed
// expert-shard split buffer and dispatch engine: configuration parsing,
// split buffer type construction, and teardown.
package rpcsplit

import (
	"context"

	"github.com/jihwankim/ggml-rpc-split/internal/buffer"
	"github.com/jihwankim/ggml-rpc-split/internal/config"
	"github.com/jihwankim/ggml-rpc-split/internal/dispatch"
	"github.com/jihwankim/ggml-rpc-split/internal/endpoint"
	"github.com/jihwankim/ggml-rpc-split/internal/profiler"
	"github.com/jihwankim/ggml-rpc-split/internal/rpcerr"
	"github.com/jihwankim/ggml-rpc-split/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
)

// Endpoint re-exports internal/endpoint.Endpoint so callers never need
// to import an internal package directly.
type Endpoint = endpoint.Endpoint

// SplitBufferType re-exports internal/buffer.Type.
type SplitBufferType = buffer.Type

// SplitBuffer re-exports internal/buffer.Buffer.
type SplitBuffer = buffer.Buffer

// Dispatcher re-exports internal/dispatch.Dispatcher.
type Dispatcher = dispatch.Dispatcher

// DispatchRequest re-exports internal/dispatch.Request.
type DispatchRequest = dispatch.Request

// Profiler re-exports internal/profiler.Profiler.
type Profiler = profiler.Profiler

// ParseConfig parses a configuration string of the form
// "h1:p1,h2:p2,...|w1,w2,..." into parallel endpoint and weight slices.
// A missing "|weights" section means uniform weights. Errors are
// *rpcerr.Error with Kind == rpcerr.KindConfig.
func ParseConfig(s string) ([]Endpoint, []float64, error) {
	return config.ParseEndpointString(s)
}

// CreateSplitBufferType validates endpoints/devices/weights and returns
// an immutable Split Buffer Type. devices, if non-nil, must be the same
// length as endpoints and overrides each Endpoint's Device field;
// passing nil leaves Endpoint.Device as already set (typically 0).
func CreateSplitBufferType(endpoints []Endpoint, devices []uint32, weights []float64) (*SplitBufferType, error) {
	if devices != nil {
		if len(devices) != len(endpoints) {
			return nil, rpcerr.Configf("endpoint count (%d) and device count (%d) disagree", len(endpoints), len(devices))
		}
		endpoints = append([]Endpoint(nil), endpoints...)
		for i := range endpoints {
			endpoints[i].Device = devices[i]
		}
	}
	return buffer.NewType(endpoints, weights)
}

// IsRPCSplit reports whether buft is a split-layout buffer type (as
// opposed to a simple, single-endpoint one an embedding application
// might define alongside it).
func IsRPCSplit(buft *SplitBufferType) bool {
	return buffer.IsRPCSplit(buft)
}

// DestroySplitBufferType tears down every connected client behind buf
// and discards buft. buf may be nil if no Buffer was ever allocated
// against this type. An error from one endpoint disconnect does not
// prevent closing the remaining connections; the first such error is
// returned.
func DestroySplitBufferType(ctx context.Context, buft *SplitBufferType, buf *SplitBuffer) error {
	if buf == nil {
		return nil
	}
	var firstErr error
	for i := range buft.Endpoints {
		if err := buf.Client(i).Close(); err != nil && firstErr == nil {
			firstErr = rpcerr.NewAt(rpcerr.KindTransport, buft.Endpoints[i].ID(), "close endpoint connection", err)
		}
	}
	return firstErr
}

// DialAll dials every endpoint in buft in order, returning the
// connected clients or the first dial error encountered (closing any
// already-dialed clients before returning).
func DialAll(ctx context.Context, buft *SplitBufferType, log *telemetry.Logger) ([]*endpoint.Client, error) {
	clients := make([]*endpoint.Client, 0, len(buft.Endpoints))
	for _, ep := range buft.Endpoints {
		c, err := endpoint.Dial(ctx, ep, log)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// NewSplitBuffer constructs a Split Buffer over already-dialed clients,
// the companion allocator object to CreateSplitBufferType.
func NewSplitBuffer(buft *SplitBufferType, clients []*endpoint.Client, log *telemetry.Logger) (*SplitBuffer, error) {
	return buffer.New(buft, clients, log)
}

// NewProfiler constructs a Profiler, optionally registering its
// instruments with reg for external Prometheus scraping.
func NewProfiler(reg prometheus.Registerer) *Profiler {
	return profiler.New(reg)
}

// NewDispatcher constructs a Dispatcher bound to buf, recording samples
// into prof (which may be nil to disable profiling).
func NewDispatcher(buf *SplitBuffer, prof *Profiler, log *telemetry.Logger) *Dispatcher {
	return dispatch.New(buf, prof, log)
}
