// Package tcp is the TCP convergence layer, frames over a plain stream.
package tcp

import (
	"context"
	"net"

	"dtnmesh/pkg/cla"
)

type Layer struct{}

func New() *Layer { return &Layer{} }

func (t *Layer) Kind() cla.Kind { return cla.KindTCP }

func (t *Layer) Listen(ctx context.Context, address string) (cla.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	l := &listener{ln: ln, newCh: make(chan cla.Conn, 8), closeCh: make(chan struct{})}
	go l.acceptLoop()
	go func() { <-ctx.Done(); _ = l.Close() }()
	return l, nil
}

func (t *Layer) Dial(ctx context.Context, address string) (cla.Conn, error) {
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return cla.NewStreamConn(cla.KindTCP, c, c.LocalAddr(), c.RemoteAddr()), nil
}

type listener struct {
	ln      net.Listener
	newCh   chan cla.Conn
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.ln.Addr() }

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
	return l.ln.Close()
}

func (l *listener) acceptLoop() {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			return
		}
		conn := cla.NewStreamConn(cla.KindTCP, c, c.LocalAddr(), c.RemoteAddr())
		select {
		case l.newCh <- conn:
		default:
			_ = conn.Close()
		}
	}
}
