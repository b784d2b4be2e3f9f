// Package endpoint maintains one connection to a remote compute
// endpoint and exposes its request primitives as blocking calls.
package endpoint

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jihwankim/ggml-rpc-split/internal/rpcerr"
	"github.com/jihwankim/ggml-rpc-split/internal/telemetry"
	"github.com/jihwankim/ggml-rpc-split/internal/wire"
)

// Endpoint is an immutable identity record for one remote compute
// server. Identity is Address+Device; Name and DeviceName are
// display-only and never participate in equality or routing.
type Endpoint struct {
	Address    string
	Device     uint32
	Name       string
	DeviceName string
}

// ID returns the label used in logs, error attribution, audit entries
// and profiler output: Name when it is set, otherwise "address#device".
func (e Endpoint) ID() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("%s#%d", e.Address, e.Device)
}

// Client owns one reliable ordered connection to a single Endpoint.
// All public methods are safe for concurrent use: an internal mutex
// ensures exactly one in-flight request per connection, matching the
// in-flight ordering guarantee the owning Split Buffer relies on.
type Client struct {
	endpoint Endpoint
	log      *telemetry.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader

	caps      wire.CapsResponse
	capsValid bool
}

// Dial connects to endpoint.Address and probes CAPS once, caching the
// result for the lifetime of the connection rather than re-querying it
// on every call.
func Dial(ctx context.Context, ep Endpoint, log *telemetry.Logger) (*Client, error) {
	if log == nil {
		log = telemetry.Nop()
	}
	log = log.WithEndpoint(ep.ID())

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ep.Address)
	if err != nil {
		return nil, rpcerr.NewAt(rpcerr.KindTransport, ep.ID(), "dial", err)
	}

	c := &Client{
		endpoint: ep,
		log:      log,
		conn:     conn,
		r:        bufio.NewReader(conn),
	}

	caps, err := c.probeCaps(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.caps = caps
	c.capsValid = true
	log.Debug("connected", "caps", caps.Bitmask)
	return c, nil
}

// NewClient wraps an already-established connection (used by tests and
// by the in-process simulate mode), probing CAPS exactly as Dial does.
func NewClient(ctx context.Context, conn net.Conn, ep Endpoint, log *telemetry.Logger) (*Client, error) {
	if log == nil {
		log = telemetry.Nop()
	}
	log = log.WithEndpoint(ep.ID())
	c := &Client{endpoint: ep, log: log, conn: conn, r: bufio.NewReader(conn)}
	caps, err := c.probeCaps(ctx)
	if err != nil {
		return nil, err
	}
	c.caps = caps
	c.capsValid = true
	return c, nil
}

// Endpoint returns the identity this client was constructed for.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// Caps returns the capability bitmask cached at connection time.
func (c *Client) Caps() wire.CapsResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// SupportsPartialMatmul reports whether the remote endpoint advertised
// MUL_MAT_ID_PARTIAL support during the CAPS handshake.
func (c *Client) SupportsPartialMatmul() bool {
	return c.Caps().Supports(wire.CmdMulMatIDPartial)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) withDeadline(ctx context.Context) func() {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
		return func() { c.conn.SetDeadline(time.Time{}) }
	}
	return func() {}
}

// roundTrip sends one framed request and returns the decoded response,
// holding the client mutex for the whole exchange so requests on this
// connection never interleave.
func (c *Client) roundTrip(ctx context.Context, cmd wire.Command, body []byte) (wire.Status, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clearDeadline := c.withDeadline(ctx)
	defer clearDeadline()

	c.log.Debug("request", "command", cmd.String())

	if err := wire.WriteFrame(c.conn, cmd, body); err != nil {
		return 0, nil, rpcerr.NewAt(rpcerr.KindTransport, c.endpoint.ID(), "send "+cmd.String(), err)
	}
	status, respBody, err := wire.ReadResponse(c.r)
	if err != nil {
		return 0, nil, rpcerr.NewAt(rpcerr.KindTransport, c.endpoint.ID(), "recv "+cmd.String(), err)
	}
	if status != wire.StatusOK {
		return status, nil, rpcerr.NewAt(status.KindOf(), c.endpoint.ID(), cmd.String()+" failed", nil)
	}
	return status, respBody, nil
}

func (c *Client) probeCaps(ctx context.Context) (wire.CapsResponse, error) {
	_, body, err := c.roundTrip(ctx, wire.CmdCaps, nil)
	if err != nil {
		return wire.CapsResponse{}, err
	}
	return wire.DecodeCapsResponse(body)
}

// Alloc reserves size bytes on the given remote device and returns an
// opaque remote handle.
func (c *Client) Alloc(ctx context.Context, device uint32, size uint64) (uint64, error) {
	req := wire.AllocRequest{Device: device, Size: size}
	_, body, err := c.roundTrip(ctx, wire.CmdAlloc, req.Encode())
	if err != nil {
		return 0, err
	}
	resp, err := wire.DecodeAllocResponse(body)
	if err != nil {
		return 0, rpcerr.NewAt(rpcerr.KindProtocolMismatch, c.endpoint.ID(), "decode ALLOC response", err)
	}
	return resp.Handle, nil
}

// Free releases a previously allocated remote handle.
func (c *Client) Free(ctx context.Context, handle uint64) error {
	req := wire.FreeRequest{Handle: handle}
	_, _, err := c.roundTrip(ctx, wire.CmdFree, req.Encode())
	return err
}

// maxUploadChunk bounds a single UPLOAD frame's payload; larger
// transfers are chunked internally across multiple frames at
// sequential offsets.
const maxUploadChunk = 4 << 20

// Upload writes bytes to handle starting at offset, chunking internally
// at maxUploadChunk so a single tensor shard never forces an
// unreasonably large frame.
func (c *Client) Upload(ctx context.Context, handle uint64, offset uint64, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > maxUploadChunk {
			n = maxUploadChunk
		}
		req := wire.UploadRequest{Handle: handle, Offset: offset, Bytes: data[:n]}
		if _, _, err := c.roundTrip(ctx, wire.CmdUpload, req.Encode()); err != nil {
			return err
		}
		data = data[n:]
		offset += uint64(n)
	}
	return nil
}

// Download reads length bytes starting at offset from a remote handle.
// The dispatcher's gather fallback uses this to reconstitute a tensor
// locally when an endpoint does not support MUL_MAT_ID_PARTIAL.
func (c *Client) Download(ctx context.Context, handle uint64, offset, length uint64) ([]byte, error) {
	req := wire.DownloadRequest{Handle: handle, Offset: offset, Length: length}
	_, body, err := c.roundTrip(ctx, wire.CmdDownload, req.Encode())
	if err != nil {
		return nil, err
	}
	return wire.DecodeDownloadResponse(body).Bytes, nil
}

// MulMatIDPartialInput bundles the arguments of a partial matmul
// request; the endpoint intersects RoutingIDs with [LocalLo, LocalHi)
// and computes rows only for tokens routed into that range.
type MulMatIDPartialInput struct {
	WeightHandle uint64
	NEmbd        uint32
	NTokens      uint32
	TopK         uint32
	LocalLo      uint32
	LocalHi      uint32
	RoutingIDs   []int32
	Activations  []byte
}

// MulMatIDPartial issues a partial MUL_MAT_ID compute request and
// returns the dense output tensor bytes, shape [n_embd, n_tokens], zero
// outside the rows this endpoint owns.
func (c *Client) MulMatIDPartial(ctx context.Context, in MulMatIDPartialInput) ([]byte, error) {
	req := wire.MulMatIDPartialRequest{
		WeightHandle: in.WeightHandle,
		NEmbd:        in.NEmbd,
		NTokens:      in.NTokens,
		TopK:         in.TopK,
		LocalLo:      in.LocalLo,
		LocalHi:      in.LocalHi,
		RoutingIDs:   in.RoutingIDs,
		Activations:  in.Activations,
	}
	_, body, err := c.roundTrip(ctx, wire.CmdMulMatIDPartial, req.Encode())
	if err != nil {
		return nil, err
	}
	return wire.DecodeMulMatIDPartialResponse(body).Output, nil
}
