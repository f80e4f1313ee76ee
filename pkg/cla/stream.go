package cla

import (
	"bufio"
	"io"
	"net"
	"sync"

	"dtnmesh/pkg/wire"
)

// StreamConn adapts a reliable byte stream to the frame Conn contract.
// Stream-based layers wrap their transport connection in one of these
// instead of re-implementing the framing.
type StreamConn struct {
	kind   Kind
	local  net.Addr
	remote net.Addr

	mu  sync.Mutex
	rwc io.ReadWriteCloser
	br  *bufio.Reader
	bw  *bufio.Writer
}

// NewStreamConn wraps rwc. The addresses are reported as-is.
func NewStreamConn(kind Kind, rwc io.ReadWriteCloser, local, remote net.Addr) *StreamConn {
	return &StreamConn{
		kind:   kind,
		local:  local,
		remote: remote,
		rwc:    rwc,
		br:     bufio.NewReader(rwc),
		bw:     bufio.NewWriter(rwc),
	}
}

func (c *StreamConn) Kind() Kind           { return c.kind }
func (c *StreamConn) LocalAddr() net.Addr  { return c.local }
func (c *StreamConn) RemoteAddr() net.Addr { return c.remote }

func (c *StreamConn) Send(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := f.WriteTo(c.bw); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *StreamConn) Recv() (wire.Frame, error) {
	var f wire.Frame
	_, err := f.ReadFrom(c.br)
	return f, err
}

func (c *StreamConn) Close() error { return c.rwc.Close() }
