// Package mem is an in-process convergence layer over net.Pipe. Tests
// wire several nodes through one shared Layer instance; the address is
// just a listener name.
package mem

import (
	"context"
	"errors"
	"net"
	"sync"

	"dtnmesh/pkg/cla"
)

type Layer struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func New() *Layer { return &Layer{listeners: make(map[string]*listener)} }

func (t *Layer) Kind() cla.Kind { return cla.KindMem }

func (t *Layer) Listen(ctx context.Context, name string) (cla.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, errors.New("mem: listener already exists: " + name)
	}
	l := &listener{name: name, newCh: make(chan cla.Conn, 8), closeCh: make(chan struct{})}
	t.listeners[name] = l
	go func() {
		<-ctx.Done()
		_ = l.Close()
		t.mu.Lock()
		delete(t.listeners, name)
		t.mu.Unlock()
	}()
	return l, nil
}

func (t *Layer) Dial(_ context.Context, name string) (cla.Conn, error) {
	t.mu.Lock()
	l := t.listeners[name]
	t.mu.Unlock()
	if l == nil {
		return nil, errors.New("mem: no such listener: " + name)
	}
	c1, c2 := net.Pipe()
	srv := cla.NewStreamConn(cla.KindMem, c1, memAddr(name), memAddr(name+":dialer"))
	cli := cla.NewStreamConn(cla.KindMem, c2, memAddr(name+":dialer"), memAddr(name))
	select {
	case l.newCh <- srv:
	default:
		_ = srv.Close()
		_ = cli.Close()
		return nil, errors.New("mem: listener backlog full: " + name)
	}
	return cli, nil
}

type listener struct {
	name    string
	newCh   chan cla.Conn
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

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
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
