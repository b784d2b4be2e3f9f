// Package wire implements the little-endian, length-prefixed framing
// used between an Endpoint Client and a remote compute endpoint.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jihwankim/ggml-rpc-split/internal/rpcerr"
)

// Command identifies the request body layout that follows the frame
// header.
type Command uint8

const (
	CmdAlloc Command = iota + 1
	CmdFree
	CmdUpload
	CmdMulMatIDPartial
	CmdCaps
	CmdDownload
)

func (c Command) String() string {
	switch c {
	case CmdAlloc:
		return "ALLOC"
	case CmdFree:
		return "FREE"
	case CmdUpload:
		return "UPLOAD"
	case CmdMulMatIDPartial:
		return "MUL_MAT_ID_PARTIAL"
	case CmdCaps:
		return "CAPS"
	case CmdDownload:
		return "DOWNLOAD"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// Status is the single byte every response frame opens with.
type Status uint8

const (
	StatusOK Status = iota
	StatusTransportError
	StatusRemoteOOM
	StatusProtocolMismatch
	StatusRemoteCompute
	StatusShapeMismatch
)

// KindOf maps a wire status to the corresponding rpcerr.Kind. StatusOK
// has no corresponding error kind and is never passed in.
func (s Status) KindOf() rpcerr.Kind {
	switch s {
	case StatusRemoteOOM:
		return rpcerr.KindRemoteOOM
	case StatusProtocolMismatch:
		return rpcerr.KindProtocolMismatch
	case StatusRemoteCompute:
		return rpcerr.KindRemoteCompute
	case StatusShapeMismatch:
		return rpcerr.KindShapeMismatch
	default:
		return rpcerr.KindTransport
	}
}

// MaxFrameLen caps a single frame body to guard against a corrupt or
// hostile length prefix forcing an unbounded allocation.
const MaxFrameLen = 1 << 30

// WriteFrame writes a length-prefixed frame: a uint32 length (covering
// cmd + body, not itself) followed by the command byte and body.
func WriteFrame(w io.Writer, cmd Command, body []byte) error {
	length := uint32(len(body) + 1)
	header := make([]byte, 5)
	binary.LittleEndian.PutUint32(header[0:4], length)
	header[4] = byte(cmd)
	if _, err := w.Write(header); err != nil {
		return rpcerr.New(rpcerr.KindTransport, "write frame header", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return rpcerr.New(rpcerr.KindTransport, "write frame body", err)
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and returns its command and
// body.
func ReadFrame(r *bufio.Reader) (Command, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, rpcerr.New(rpcerr.KindTransport, "read frame length", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, nil, rpcerr.New(rpcerr.KindProtocolMismatch, "zero-length frame", nil)
	}
	if length > MaxFrameLen {
		return 0, nil, rpcerr.New(rpcerr.KindProtocolMismatch, fmt.Sprintf("frame length %d exceeds maximum", length), nil)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, rpcerr.New(rpcerr.KindTransport, "read frame payload", err)
	}
	return Command(payload[0]), payload[1:], nil
}

// WriteResponse writes a response frame: a uint32 length, a status
// byte, and a body (empty on error).
func WriteResponse(w io.Writer, status Status, body []byte) error {
	length := uint32(len(body) + 1)
	header := make([]byte, 5)
	binary.LittleEndian.PutUint32(header[0:4], length)
	header[4] = byte(status)
	if _, err := w.Write(header); err != nil {
		return rpcerr.New(rpcerr.KindTransport, "write response header", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return rpcerr.New(rpcerr.KindTransport, "write response body", err)
		}
	}
	return nil
}

// ReadResponse reads one response frame and returns its status and
// body.
func ReadResponse(r *bufio.Reader) (Status, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, rpcerr.New(rpcerr.KindTransport, "read response length", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, nil, rpcerr.New(rpcerr.KindProtocolMismatch, "zero-length response", nil)
	}
	if length > MaxFrameLen {
		return 0, nil, rpcerr.New(rpcerr.KindProtocolMismatch, fmt.Sprintf("response length %d exceeds maximum", length), nil)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, rpcerr.New(rpcerr.KindTransport, "read response payload", err)
	}
	return Status(payload[0]), payload[1:], nil
}

// AllocRequest is the ALLOC command body: device:u32, size:u64.
type AllocRequest struct {
	Device uint32
	Size   uint64
}

func (r AllocRequest) Encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], r.Device)
	binary.LittleEndian.PutUint64(buf[4:12], r.Size)
	return buf
}

func DecodeAllocRequest(body []byte) (AllocRequest, error) {
	if len(body) < 12 {
		return AllocRequest{}, rpcerr.New(rpcerr.KindProtocolMismatch, "short ALLOC request", nil)
	}
	return AllocRequest{
		Device: binary.LittleEndian.Uint32(body[0:4]),
		Size:   binary.LittleEndian.Uint64(body[4:12]),
	}, nil
}

// AllocResponse is the ALLOC success body: handle:u64.
type AllocResponse struct {
	Handle uint64
}

func (r AllocResponse) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, r.Handle)
	return buf
}

func DecodeAllocResponse(body []byte) (AllocResponse, error) {
	if len(body) < 8 {
		return AllocResponse{}, rpcerr.New(rpcerr.KindProtocolMismatch, "short ALLOC response", nil)
	}
	return AllocResponse{Handle: binary.LittleEndian.Uint64(body[0:8])}, nil
}

// FreeRequest is the FREE command body: handle:u64.
type FreeRequest struct {
	Handle uint64
}

func (r FreeRequest) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, r.Handle)
	return buf
}

func DecodeFreeRequest(body []byte) (FreeRequest, error) {
	if len(body) < 8 {
		return FreeRequest{}, rpcerr.New(rpcerr.KindProtocolMismatch, "short FREE request", nil)
	}
	return FreeRequest{Handle: binary.LittleEndian.Uint64(body[0:8])}, nil
}

// UploadRequest is the UPLOAD command body: handle:u64, offset:u64,
// nbytes:u64, bytes.
type UploadRequest struct {
	Handle uint64
	Offset uint64
	Bytes  []byte
}

func (r UploadRequest) Encode() []byte {
	buf := make([]byte, 24+len(r.Bytes))
	binary.LittleEndian.PutUint64(buf[0:8], r.Handle)
	binary.LittleEndian.PutUint64(buf[8:16], r.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(len(r.Bytes)))
	copy(buf[24:], r.Bytes)
	return buf
}

func DecodeUploadRequest(body []byte) (UploadRequest, error) {
	if len(body) < 24 {
		return UploadRequest{}, rpcerr.New(rpcerr.KindProtocolMismatch, "short UPLOAD request", nil)
	}
	handle := binary.LittleEndian.Uint64(body[0:8])
	offset := binary.LittleEndian.Uint64(body[8:16])
	nbytes := binary.LittleEndian.Uint64(body[16:24])
	if uint64(len(body)-24) < nbytes {
		return UploadRequest{}, rpcerr.New(rpcerr.KindProtocolMismatch, "truncated UPLOAD payload", nil)
	}
	return UploadRequest{Handle: handle, Offset: offset, Bytes: body[24 : 24+nbytes]}, nil
}

// MulMatIDPartialRequest is the MUL_MAT_ID_PARTIAL command body:
// w_handle:u64, n_embd:u32, n_tokens:u32, top_k:u32, local_lo:u32,
// local_hi:u32, n_routing:u32, routing ids ([]int32, top_k*n_tokens),
// n_activation_bytes:u32, activation bytes inline.
type MulMatIDPartialRequest struct {
	WeightHandle uint64
	NEmbd        uint32
	NTokens      uint32
	TopK         uint32
	LocalLo      uint32
	LocalHi      uint32
	RoutingIDs   []int32
	Activations  []byte
}

func (r MulMatIDPartialRequest) Encode() []byte {
	headerLen := 8 + 4*5
	routingLen := len(r.RoutingIDs) * 4
	buf := make([]byte, headerLen+4+routingLen+4+len(r.Activations))
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], r.WeightHandle)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], r.NEmbd)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], r.NTokens)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], r.TopK)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], r.LocalLo)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], r.LocalHi)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r.RoutingIDs)))
	off += 4
	for _, id := range r.RoutingIDs {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(id))
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(r.Activations)))
	off += 4
	copy(buf[off:], r.Activations)
	return buf
}

func DecodeMulMatIDPartialRequest(body []byte) (MulMatIDPartialRequest, error) {
	const headerLen = 8 + 4*5
	if len(body) < headerLen+4 {
		return MulMatIDPartialRequest{}, rpcerr.New(rpcerr.KindProtocolMismatch, "short MUL_MAT_ID_PARTIAL request", nil)
	}
	off := 0
	req := MulMatIDPartialRequest{}
	req.WeightHandle = binary.LittleEndian.Uint64(body[off : off+8])
	off += 8
	req.NEmbd = binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	req.NTokens = binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	req.TopK = binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	req.LocalLo = binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	req.LocalHi = binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	nRouting := binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	if uint64(len(body)-off) < uint64(nRouting)*4+4 {
		return MulMatIDPartialRequest{}, rpcerr.New(rpcerr.KindProtocolMismatch, "truncated routing ids", nil)
	}
	req.RoutingIDs = make([]int32, nRouting)
	for i := range req.RoutingIDs {
		req.RoutingIDs[i] = int32(binary.LittleEndian.Uint32(body[off : off+4]))
		off += 4
	}
	nActivations := binary.LittleEndian.Uint32(body[off : off+4])
	off += 4
	if uint64(len(body)-off) < uint64(nActivations) {
		return MulMatIDPartialRequest{}, rpcerr.New(rpcerr.KindProtocolMismatch, "truncated activations", nil)
	}
	req.Activations = body[off : off+int(nActivations)]
	return req, nil
}

// MulMatIDPartialResponse is the MUL_MAT_ID_PARTIAL response body: dense
// output tensor bytes, shape [n_embd, n_tokens], rows zero outside the
// endpoint's owned experts.
type MulMatIDPartialResponse struct {
	Output []byte
}

func (r MulMatIDPartialResponse) Encode() []byte {
	return r.Output
}

func DecodeMulMatIDPartialResponse(body []byte) MulMatIDPartialResponse {
	return MulMatIDPartialResponse{Output: body}
}

// DownloadRequest is the DOWNLOAD command body: handle:u64, offset:u64,
// length:u64. The Dispatcher's gather fallback uses this to read an
// endpoint's shard back when that endpoint cannot perform partial
// compute itself.
type DownloadRequest struct {
	Handle uint64
	Offset uint64
	Length uint64
}

func (r DownloadRequest) Encode() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], r.Handle)
	binary.LittleEndian.PutUint64(buf[8:16], r.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], r.Length)
	return buf
}

func DecodeDownloadRequest(body []byte) (DownloadRequest, error) {
	if len(body) < 24 {
		return DownloadRequest{}, rpcerr.New(rpcerr.KindProtocolMismatch, "short DOWNLOAD request", nil)
	}
	return DownloadRequest{
		Handle: binary.LittleEndian.Uint64(body[0:8]),
		Offset: binary.LittleEndian.Uint64(body[8:16]),
		Length: binary.LittleEndian.Uint64(body[16:24]),
	}, nil
}

// DownloadResponse is the DOWNLOAD success body: the requested byte
// range, verbatim.
type DownloadResponse struct {
	Bytes []byte
}

func (r DownloadResponse) Encode() []byte {
	return r.Bytes
}

func DecodeDownloadResponse(body []byte) DownloadResponse {
	return DownloadResponse{Bytes: body}
}

// CapsResponse is the CAPS response body: a bitmask of supported
// commands, one bit per Command value (bit index = Command - 1).
type CapsResponse struct {
	Bitmask uint32
}

// Supports reports whether cmd's bit is set in the capability bitmask.
func (c CapsResponse) Supports(cmd Command) bool {
	if cmd == 0 {
		return false
	}
	return c.Bitmask&(1<<(uint(cmd)-1)) != 0
}

func (r CapsResponse) Encode() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, r.Bitmask)
	return buf
}

func DecodeCapsResponse(body []byte) (CapsResponse, error) {
	if len(body) < 4 {
		return CapsResponse{}, rpcerr.New(rpcerr.KindProtocolMismatch, "short CAPS response", nil)
	}
	return CapsResponse{Bitmask: binary.LittleEndian.Uint32(body[0:4])}, nil
}

// FullCaps is the bitmask advertised by a server that supports every
// command this protocol defines, including MUL_MAT_ID_PARTIAL and
// DOWNLOAD.
func FullCaps() uint32 {
	return 1<<(uint(CmdAlloc)-1) | 1<<(uint(CmdFree)-1) | 1<<(uint(CmdUpload)-1) |
		1<<(uint(CmdMulMatIDPartial)-1) | 1<<(uint(CmdCaps)-1) | 1<<(uint(CmdDownload)-1)
}
