// Package endpointtest provides an in-process fake endpoint server and a
// fault-injecting connection wrapper, used by tests that exercise the
// wire protocol and the dispatch/buffer layers without a real cluster.
package endpointtest

import (
	"bufio"
	"encoding/binary"
	"math"
	"net"
	"sync"

	"github.com/jihwankim/ggml-rpc-split/internal/wire"
)

// Server is a minimal in-memory implementation of the ALLOC/FREE/
// UPLOAD/MUL_MAT_ID_PARTIAL/CAPS protocol, sufficient to drive
// end-to-end tests of the endpoint client and dispatcher against a real
// net.Conn pair.
//
// The compute it performs for MUL_MAT_ID_PARTIAL is deliberately
// simple: the uploaded weight buffer for a handle is interpreted as one
// float32 "activation multiplier" per expert of this endpoint's shard,
// so expert id e's multiplier sits at float index e-LocalLo. For every token whose
// routing entry falls in the requested local range, the contribution is
// that expert's multiplier times the token's activation vector, summed
// into the output row. This is enough to validate partition and
// accumulation semantics without pulling in a real tensor library.
type Server struct {
	caps uint32

	mu      sync.Mutex
	nextID  uint64
	buffers map[uint64][]byte
}

// NewServer constructs a Server advertising the given capability
// bitmask (use wire.FullCaps() for a server that supports partial
// matmul, or a smaller mask to exercise the gather fallback).
func NewServer(caps uint32) *Server {
	return &Server{caps: caps, buffers: make(map[uint64][]byte), nextID: 1}
}

// Serve handles one connection until it is closed or a transport error
// occurs. Intended to be run in its own goroutine per accepted
// connection.
func (s *Server) Serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		cmd, body, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		status, resp := s.handle(cmd, body)
		if wire.WriteResponse(conn, status, resp) != nil {
			return
		}
	}
}

func (s *Server) handle(cmd wire.Command, body []byte) (wire.Status, []byte) {
	switch cmd {
	case wire.CmdCaps:
		return wire.StatusOK, wire.CapsResponse{Bitmask: s.caps}.Encode()
	case wire.CmdAlloc:
		req, err := wire.DecodeAllocRequest(body)
		if err != nil {
			return wire.StatusProtocolMismatch, nil
		}
		s.mu.Lock()
		id := s.nextID
		s.nextID++
		s.buffers[id] = make([]byte, req.Size)
		s.mu.Unlock()
		return wire.StatusOK, wire.AllocResponse{Handle: id}.Encode()
	case wire.CmdFree:
		req, err := wire.DecodeFreeRequest(body)
		if err != nil {
			return wire.StatusProtocolMismatch, nil
		}
		s.mu.Lock()
		delete(s.buffers, req.Handle)
		s.mu.Unlock()
		return wire.StatusOK, nil
	case wire.CmdUpload:
		req, err := wire.DecodeUploadRequest(body)
		if err != nil {
			return wire.StatusProtocolMismatch, nil
		}
		s.mu.Lock()
		buf, ok := s.buffers[req.Handle]
		if !ok || req.Offset+uint64(len(req.Bytes)) > uint64(len(buf)) {
			s.mu.Unlock()
			return wire.StatusRemoteOOM, nil
		}
		copy(buf[req.Offset:], req.Bytes)
		s.mu.Unlock()
		return wire.StatusOK, nil
	case wire.CmdDownload:
		if s.caps&(1<<(uint(wire.CmdDownload)-1)) == 0 {
			return wire.StatusProtocolMismatch, nil
		}
		req, err := wire.DecodeDownloadRequest(body)
		if err != nil {
			return wire.StatusProtocolMismatch, nil
		}
		s.mu.Lock()
		buf, ok := s.buffers[req.Handle]
		s.mu.Unlock()
		if !ok || req.Offset+req.Length > uint64(len(buf)) {
			return wire.StatusRemoteOOM, nil
		}
		out := make([]byte, req.Length)
		copy(out, buf[req.Offset:req.Offset+req.Length])
		return wire.StatusOK, wire.DownloadResponse{Bytes: out}.Encode()
	case wire.CmdMulMatIDPartial:
		if s.caps&(1<<(uint(wire.CmdMulMatIDPartial)-1)) == 0 {
			return wire.StatusProtocolMismatch, nil
		}
		req, err := wire.DecodeMulMatIDPartialRequest(body)
		if err != nil {
			return wire.StatusProtocolMismatch, nil
		}
		s.mu.Lock()
		weight, ok := s.buffers[req.WeightHandle]
		s.mu.Unlock()
		if !ok {
			return wire.StatusShapeMismatch, nil
		}
		out, err := computePartial(weight, req)
		if err != nil {
			return wire.StatusShapeMismatch, nil
		}
		return wire.StatusOK, wire.MulMatIDPartialResponse{Output: out}.Encode()
	default:
		return wire.StatusProtocolMismatch, nil
	}
}

// Buffer exposes the current contents of a remote handle, used by tests
// to assert upload placement.
func (s *Server) Buffer(handle uint64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buffers[handle]...)
}

func computePartial(weight []byte, req wire.MulMatIDPartialRequest) ([]byte, error) {
	nEmbd := int(req.NEmbd)
	nTokens := int(req.NTokens)
	topK := int(req.TopK)
	out := make([]float32, nEmbd*nTokens)

	for t := 0; t < nTokens; t++ {
		for k := 0; k < topK; k++ {
			expert := int(req.RoutingIDs[t*topK+k])
			if expert < int(req.LocalLo) || expert >= int(req.LocalHi) {
				continue
			}
			local := expert - int(req.LocalLo)
			if (local+1)*4 > len(weight) {
				continue
			}
			mult := math.Float32frombits(binary.LittleEndian.Uint32(weight[local*4 : local*4+4]))
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

// ListenAndServe starts a TCP listener on addr (use "127.0.0.1:0" for
// an ephemeral port) and serves every accepted connection with s,
// returning the listener so the caller can read its Addr() and Close()
// it during teardown.
func ListenAndServe(addr string, s *Server) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.Serve(conn)
		}
	}()
	return ln, nil
}
