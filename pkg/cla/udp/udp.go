// Package udp is the datagram convergence layer: one frame per packet,
// no retransmission. Bundle acks at the wire layer carry the delivery
// signal; anything lost is re-offered by later routing passes.
package udp

import (
	"context"
	"io"
	"net"
	"sync"

	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/wire"
)

type Layer struct{}

func New() *Layer { return &Layer{} }

func (t *Layer) Kind() cla.Kind { return cla.KindUDP }

func (t *Layer) Listen(ctx context.Context, address string) (cla.Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	l := &listener{
		sock:    c,
		conns:   make(map[string]*conn),
		newCh:   make(chan cla.Conn, 8),
		closeCh: make(chan struct{}),
	}
	go l.readLoop()
	go func() { <-ctx.Done(); _ = l.Close() }()
	return l, nil
}

func (t *Layer) Dial(_ context.Context, address string) (cla.Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	sock, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	c := &conn{
		sock:     sock,
		raddr:    raddr,
		outbound: true,
		rx:       make(chan []byte, 32),
		closed:   make(chan struct{}),
	}
	go c.recvLoop()
	return c, nil
}

// listener demultiplexes one socket into per-remote conns.
type listener struct {
	sock    *net.UDPConn
	mu      sync.Mutex
	conns   map[string]*conn
	newCh   chan cla.Conn
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.sock.LocalAddr() }

func (l *listener) Accept(ctx context.Context) (cla.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, cla.ErrClosed
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	select {
	case <-l.closeCh:
	default:
		close(l.closeCh)
	}
	return l.sock.Close()
}

func (l *listener) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := l.sock.ReadFromUDP(buf)
		if err != nil {
			return
		}
		key := raddr.String()
		l.mu.Lock()
		c, ok := l.conns[key]
		if !ok {
			c = &conn{
				sock:    l.sock,
				raddr:   raddr,
				rx:      make(chan []byte, 32),
				closed:  make(chan struct{}),
				onClose: func() { l.drop(key) },
			}
			l.conns[key] = c
			select {
			case l.newCh <- c:
			default:
			}
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		// drop on backpressure, datagrams are lossy anyway
		select {
		case c.rx <- pkt:
		default:
		}
		l.mu.Unlock()
	}
}

func (l *listener) drop(key string) {
	l.mu.Lock()
	delete(l.conns, key)
	l.mu.Unlock()
}

type conn struct {
	sock     *net.UDPConn
	raddr    *net.UDPAddr
	outbound bool
	rx       chan []byte
	closed   chan struct{}
	once     sync.Once
	onClose  func()
}

func (c *conn) Kind() cla.Kind       { return cla.KindUDP }
func (c *conn) LocalAddr() net.Addr  { return c.sock.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.raddr }

func (c *conn) Send(f wire.Frame) error {
	b, err := f.EncodeFrame()
	if err != nil {
		return err
	}
	if c.outbound {
		_, err = c.sock.Write(b)
	} else {
		_, err = c.sock.WriteToUDP(b, c.raddr)
	}
	return err
}

func (c *conn) Recv() (wire.Frame, error) {
	var f wire.Frame
	select {
	case <-c.closed:
		return f, io.EOF
	case pkt := <-c.rx:
		if pkt == nil {
			return f, io.EOF
		}
		err := f.DecodeFrame(pkt)
		return f, err
	}
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		if c.outbound {
			err = c.sock.Close()
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

func (c *conn) recvLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.sock.Read(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case c.rx <- pkt:
		default:
		}
	}
}
