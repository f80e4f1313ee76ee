// Package ws is the WebSocket convergence layer, one binary message per
// frame. It rides plain HTTP, which lets bundles cross middleboxes that
// drop unknown TCP traffic.
package ws

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/wire"
)

// Path is the HTTP endpoint connections upgrade on.
const Path = "/cla"

type Layer struct {
	upgrader websocket.Upgrader
}

func New() *Layer {
	return &Layer{upgrader: websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}}
}

func (t *Layer) Kind() cla.Kind { return cla.KindWS }

func (t *Layer) Listen(ctx context.Context, address string) (cla.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	l := &listener{
		addr:    ln.Addr(),
		newCh:   make(chan cla.Conn, 8),
		closeCh: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, func(w http.ResponseWriter, r *http.Request) {
		c, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case l.newCh <- newConn(c):
		default:
			_ = c.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = l.srv.Serve(ln) }()
	go func() { <-ctx.Done(); _ = l.Close() }()
	return l, nil
}

func (t *Layer) Dial(ctx context.Context, address string) (cla.Conn, error) {
	u := url.URL{Scheme: "ws", Host: address, Path: Path}
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return newConn(c), nil
}

type listener struct {
	addr    net.Addr
	srv     *http.Server
	newCh   chan cla.Conn
	closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.addr }

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
	return l.srv.Close()
}

type conn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func newConn(c *websocket.Conn) *conn { return &conn{c: c} }

func (c *conn) Kind() cla.Kind       { return cla.KindWS }
func (c *conn) LocalAddr() net.Addr  { return c.c.LocalAddr() }
func (c *conn) RemoteAddr() net.Addr { return c.c.RemoteAddr() }

func (c *conn) Send(f wire.Frame) error {
	b, err := f.EncodeFrame()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.WriteMessage(websocket.BinaryMessage, b)
}

func (c *conn) Recv() (wire.Frame, error) {
	var f wire.Frame
	for {
		mt, data, err := c.c.ReadMessage()
		if err != nil {
			return f, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		err = f.DecodeFrame(data)
		return f, err
	}
}

func (c *conn) Close() error { return c.c.Close() }
