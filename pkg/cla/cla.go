// Package cla implements convergence layers: the transports that carry
// bundles between directly connected nodes. Each layer exchanges wire
// frames over one link technology; the Manager elects a canonical
// session per neighbor and runs transfers over it.
package cla

import (
	"context"
	"errors"
	"net"

	"dtnmesh/pkg/wire"
)

// Kind identifies a convergence-layer type for routing policy and
// session election.
type Kind int

const (
	KindUnknown Kind = iota
	KindMem
	KindWinPipe
	KindQUIC
	KindTCP
	KindWS
	KindUDP
)

func (k Kind) String() string {
	switch k {
	case KindMem:
		return "mem"
	case KindWinPipe:
		return "winpipe"
	case KindQUIC:
		return "quic"
	case KindTCP:
		return "tcp"
	case KindWS:
		return "ws"
	case KindUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "mem":
		return KindMem, nil
	case "winpipe":
		return KindWinPipe, nil
	case "quic":
		return KindQUIC, nil
	case "tcp":
		return KindTCP, nil
	case "ws":
		return KindWS, nil
	case "udp":
		return KindUDP, nil
	default:
		return KindUnknown, errors.New("cla: unknown kind " + s)
	}
}

// Rank orders kinds for protocol selection, lower is preferred. Local
// links beat the network, reliable streams beat datagrams.
func (k Kind) Rank() float64 {
	switch k {
	case KindMem, KindWinPipe:
		return 0.5
	case KindQUIC:
		return 1
	case KindTCP:
		return 2
	case KindWS:
		return 3
	case KindUDP:
		return 5
	default:
		return 10
	}
}

var (
	// ErrNodeNotAvailable is returned when no live session reaches the node.
	ErrNodeNotAvailable = errors.New("cla: node not available")
	// ErrClosed is returned from Accept after the listener shut down.
	ErrClosed = errors.New("cla: closed")
	// ErrSelfConnect is returned when the contact exchange reveals the
	// peer to be this node. Dial loops treat it as terminal.
	ErrSelfConnect = errors.New("cla: connected to self")
)

// Conn is one established link carrying wire frames. Send is safe for
// concurrent use; exactly one goroutine calls Recv.
type Conn interface {
	Kind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Send(f wire.Frame) error
	Recv() (wire.Frame, error)
	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept blocks until an inbound connection arrives or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Layer provides dialing and listening for one kind.
type Layer interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string) (Conn, error)
}
