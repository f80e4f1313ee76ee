// Package quic is the QUIC convergence layer. Each session carries one
// bidirectional stream with the usual framing. TLS runs with an
// ephemeral self-signed certificate; peers are authenticated at the
// application layer through signed contact frames, not by certificate.
package quic

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"net"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"dtnmesh/pkg/cla"
)

const alpn = "dtnmesh"

type Layer struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() (*Layer, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &Layer{
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{
			MaxIdleTimeout:  2 * time.Minute,
			KeepAlivePeriod: 15 * time.Second,
		},
	}, nil
}

func (t *Layer) Kind() cla.Kind { return cla.KindQUIC }

func (t *Layer) Listen(ctx context.Context, address string) (cla.Listener, error) {
	ln, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	l := &listener{ln: ln, newCh: make(chan cla.Conn, 8), closeCh: make(chan struct{})}
	go l.acceptLoop(ctx)
	go func() { <-ctx.Done(); _ = l.Close() }()
	return l, nil
}

func (t *Layer) Dial(ctx context.Context, address string) (cla.Conn, error) {
	clientTLS := &tls.Config{
		InsecureSkipVerify: true, // identity is verified by the contact exchange
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	qc, err := quicgo.DialAddr(ctx, address, clientTLS, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "open stream")
		return nil, err
	}
	return newConn(qc, st), nil
}

type listener struct {
	ln      *quicgo.Listener
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

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		qc, err := l.ln.Accept(ctx)
		if err != nil {
			return
		}
		// AcceptStream returns once the dialer sends its first frame
		go func() {
			st, err := qc.AcceptStream(ctx)
			if err != nil {
				_ = qc.CloseWithError(0, "accept stream")
				return
			}
			select {
			case l.newCh <- newConn(qc, st):
			default:
				_ = qc.CloseWithError(0, "backlog full")
			}
		}()
	}
}

// sessionStream ties stream and connection lifetimes together.
type sessionStream struct {
	quicgo.Stream
	qc quicgo.Connection
}

func (s sessionStream) Close() error {
	_ = s.Stream.Close()
	return s.qc.CloseWithError(0, "")
}

func newConn(qc quicgo.Connection, st quicgo.Stream) cla.Conn {
	var rwc io.ReadWriteCloser = sessionStream{Stream: st, qc: qc}
	return cla.NewStreamConn(cla.KindQUIC, rwc, qc.LocalAddr(), qc.RemoteAddr())
}

func selfSignedCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
