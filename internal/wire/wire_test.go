package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := AllocRequest{Device: 0, Size: 4096}
	require.NoError(t, WriteFrame(&buf, CmdAlloc, req.Encode()))

	cmd, body, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, CmdAlloc, cmd)

	got, err := DecodeAllocRequest(body)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	resp := AllocResponse{Handle: 0xdeadbeef}
	require.NoError(t, WriteResponse(&buf, StatusOK, resp.Encode()))

	status, body, err := ReadResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)

	got, err := DecodeAllocResponse(body)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestUploadRequestRoundTrip(t *testing.T) {
	req := UploadRequest{Handle: 7, Offset: 128, Bytes: []byte("some tensor slice bytes")}
	got, err := DecodeUploadRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestMulMatIDPartialRequestRoundTrip(t *testing.T) {
	req := MulMatIDPartialRequest{
		WeightHandle: 42,
		NEmbd:        8,
		NTokens:      4,
		TopK:         2,
		LocalLo:      0,
		LocalHi:      4,
		RoutingIDs:   []int32{1, 5, 2, 3, 4, 6, 0, 7},
		Activations:  []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	got, err := DecodeMulMatIDPartialRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestDownloadRequestRoundTrip(t *testing.T) {
	req := DownloadRequest{Handle: 9, Offset: 16, Length: 32}
	got, err := DecodeDownloadRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestDownloadResponseRoundTrip(t *testing.T) {
	resp := DownloadResponse{Bytes: []byte("shard bytes")}
	got := DecodeDownloadResponse(resp.Encode())
	assert.Equal(t, resp, got)
}

func TestCapsResponseSupports(t *testing.T) {
	caps := CapsResponse{Bitmask: FullCaps()}
	assert.True(t, caps.Supports(CmdMulMatIDPartial))
	assert.True(t, caps.Supports(CmdAlloc))
	assert.True(t, caps.Supports(CmdDownload))

	legacy := CapsResponse{Bitmask: 1<<(uint(CmdAlloc)-1) | 1<<(uint(CmdUpload)-1) | 1<<(uint(CmdDownload)-1)}
	assert.False(t, legacy.Supports(CmdMulMatIDPartial))
	assert.True(t, legacy.Supports(CmdDownload))
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})
	_, _, err := ReadFrame(bufio.NewReader(&buf))
	assert.Error(t, err)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	lenBuf[3] = 0xFF
	buf.Write(lenBuf)
	_, _, err := ReadFrame(bufio.NewReader(&buf))
	assert.Error(t, err)
}
