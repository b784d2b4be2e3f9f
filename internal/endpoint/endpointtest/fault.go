package endpointtest

import (
	"io"
	"math/rand"
	"net"
	"time"
)

// FaultConfig configures the synthetic network conditions FaultConn
// applies to a connection. This is a pure-Go reimplementation of the
// same knobs an OS-level packet filter would apply (latency, packet
// loss), since this engine's tests run without root and without
// platform-specific traffic-control tooling.
type FaultConfig struct {
	Latency        time.Duration
	PacketLossRate float64
	Rand           *rand.Rand
}

// FaultConn wraps a net.Conn, injecting latency before each Write and
// failing Writes/Reads at PacketLossRate to simulate a flaky link. Once
// a simulated drop occurs the wrapped connection is closed, matching a
// real broken-connection failure mode: the Endpoint Client has no
// reconnect logic, by design.
type FaultConn struct {
	net.Conn
	cfg    FaultConfig
	broken bool
}

// NewFaultConn wraps conn with the given fault configuration. A nil
// Rand defaults to a fresh source seeded with 1, so drop decisions are
// repeatable.
func NewFaultConn(conn net.Conn, cfg FaultConfig) *FaultConn {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	return &FaultConn{Conn: conn, cfg: cfg}
}

func (c *FaultConn) shouldDrop() bool {
	return c.cfg.PacketLossRate > 0 && c.cfg.Rand.Float64() < c.cfg.PacketLossRate
}

func (c *FaultConn) Write(b []byte) (int, error) {
	if c.broken {
		return 0, io.ErrClosedPipe
	}
	if c.cfg.Latency > 0 {
		time.Sleep(c.cfg.Latency)
	}
	if c.shouldDrop() {
		c.broken = true
		c.Conn.Close()
		return 0, io.ErrClosedPipe
	}
	return c.Conn.Write(b)
}

func (c *FaultConn) Read(b []byte) (int, error) {
	if c.broken {
		return 0, io.EOF
	}
	if c.shouldDrop() {
		c.broken = true
		c.Conn.Close()
		return 0, io.EOF
	}
	return c.Conn.Read(b)
}
