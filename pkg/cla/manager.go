package cla

import (
	"crypto/ed25519"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/events"
	"dtnmesh/pkg/metrics"
	"dtnmesh/pkg/storage"
	"dtnmesh/pkg/wire"
	"dtnmesh/pkg/wire/codec"
)

const (
	handshakeTimeout  = 10 * time.Second
	keepaliveInterval = 30 * time.Second
)

var errFirstFrame = errors.New("cla: first frame is not a contact")

// Manager owns every live convergence-layer session. It performs the
// contact exchange on new connections, keeps one session per
// (node, kind), feeds received bundles into storage, and runs outbound
// transfers asynchronously. Session lifecycle surfaces on the event bus
// as PeerUp/PeerDown; transfer outcomes as TransferCompleted/Aborted.
type Manager struct {
	self   bundle.EID
	priv   ed25519.PrivateKey
	store  storage.Store
	bus    *events.Bus
	m      *metrics.Metrics
	codecs *codec.Registry

	skew       time.Duration
	ackTimeout time.Duration

	mu       sync.Mutex
	sessions map[bundle.EID]map[Kind]*session
	pending  map[string]chan wire.AckPayload

	closed chan struct{}
	wg     sync.WaitGroup
}

type session struct {
	conn Conn
	node bundle.EID
	kind Kind
	addr string
}

// NewManager wires the manager. skew bounds accepted contact-frame
// clock drift, ackTimeout bounds how long a transfer waits for its
// receipt; zero values pick defaults.
func NewManager(self bundle.EID, priv ed25519.PrivateKey, store storage.Store, bus *events.Bus, m *metrics.Metrics, skew, ackTimeout time.Duration) *Manager {
	if m == nil {
		m = metrics.Nop()
	}
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}
	return &Manager{
		self:       self.Node(),
		priv:       priv,
		store:      store,
		bus:        bus,
		m:          m,
		codecs:     codec.NewRegistry(),
		skew:       skew,
		ackTimeout: ackTimeout,
		sessions:   make(map[bundle.EID]map[Kind]*session),
		pending:    make(map[string]chan wire.AckPayload),
		closed:     make(chan struct{}),
	}
}

// Neighbors returns the nodes with at least one live session.
func (m *Manager) Neighbors() []bundle.EID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bundle.EID, 0, len(m.sessions))
	for node := range m.sessions {
		out = append(out, node)
	}
	return out
}

// SupportedProtocols returns the session kinds reaching node, most
// preferred first.
func (m *Manager) SupportedProtocols(node bundle.EID) []Kind {
	key := node.Node()
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind := m.sessions[key]
	out := make([]Kind, 0, len(byKind))
	for k := range byKind {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// Transfer queues an asynchronous send of b to node over the given
// kind. It fails fast with ErrNodeNotAvailable when no such session
// exists; the outcome of a queued transfer arrives later on the bus.
func (m *Manager) Transfer(node bundle.EID, b bundle.Bundle, kind Kind) error {
	key := node.Node()
	m.mu.Lock()
	s := m.sessions[key][kind]
	m.mu.Unlock()
	if s == nil {
		return ErrNodeNotAvailable
	}
	m.m.Transfers.WithLabelValues("queued").Inc()
	m.wg.Add(1)
	go m.runTransfer(s, b, uuid.NewString())
	return nil
}

func (m *Manager) runTransfer(s *session, b bundle.Bundle, job string) {
	defer m.wg.Done()
	log := zap.L().With(
		zap.String("job", job),
		zap.String("peer", string(s.node)),
		zap.Stringer("kind", s.kind),
		zap.String("bundle", b.ID.String()))

	key := ackKey(s.node, b.ID.String())
	ch := make(chan wire.AckPayload, 1)
	m.mu.Lock()
	m.pending[key] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}()

	// the copy on the wire has spent one forward
	if b.Hopcount > 0 {
		b.Hopcount--
	}
	payload, err := wire.EncodeBody(m.codecs, wire.FormatCBOR, b)
	if err != nil {
		m.abortTransfer(log, s, b, "encode: "+err.Error())
		return
	}
	f := wire.NewFrame(wire.KindBundle, payload)
	f.SetFlag(wire.FlagAckRequested, true)
	if err := s.conn.Send(f); err != nil {
		m.abortTransfer(log, s, b, "send: "+err.Error())
		return
	}

	select {
	case ack := <-ch:
		if !ack.OK {
			m.abortTransfer(log, s, b, "refused: "+ack.Reason)
			return
		}
		m.m.Transfers.WithLabelValues("completed").Inc()
		log.Info("transfer completed")
		m.bus.PublishTransferCompleted(events.TransferCompleted{Peer: s.node, Meta: b.Meta})
	case <-time.After(m.ackTimeout):
		m.abortTransfer(log, s, b, "ack timeout")
	case <-m.closed:
		m.abortTransfer(log, s, b, "shutdown")
	}
}

func (m *Manager) abortTransfer(log *zap.Logger, s *session, b bundle.Bundle, reason string) {
	m.m.Transfers.WithLabelValues("aborted").Inc()
	log.Warn("transfer aborted", zap.String("reason", reason))
	m.bus.PublishTransferAborted(events.TransferAborted{Peer: s.node, ID: b.ID})
}

// Serve performs the contact exchange on conn and then serves it until
// the peer goes away. Blocks; dial loops use the return to pace
// redials. inbound flips who speaks first in the exchange.
func (m *Manager) Serve(conn Conn, inbound bool) error {
	node, err := m.handshake(conn, inbound)
	if err != nil {
		_ = conn.Close()
		zap.L().Warn("contact exchange failed",
			zap.Stringer("kind", conn.Kind()),
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Error(err))
		return err
	}
	s := &session{conn: conn, node: node, kind: conn.Kind(), addr: conn.RemoteAddr().String()}
	m.register(s)
	defer m.unregister(s)

	stopKeepalive := make(chan struct{})
	m.wg.Add(1)
	go m.keepaliveLoop(s, stopKeepalive)
	defer close(stopKeepalive)

	return m.receiveLoop(s)
}

func (m *Manager) handshake(conn Conn, inbound bool) (bundle.EID, error) {
	timer := time.AfterFunc(handshakeTimeout, func() { _ = conn.Close() })
	defer timer.Stop()

	send := func() error {
		c, err := wire.BuildContact(m.self, m.priv)
		if err != nil {
			return err
		}
		payload, err := wire.EncodeBody(m.codecs, wire.FormatCBOR, c)
		if err != nil {
			return err
		}
		f := wire.NewFrame(wire.KindContact, payload)
		return conn.Send(f)
	}
	recv := func() (bundle.EID, error) {
		f, err := conn.Recv()
		if err != nil {
			return "", err
		}
		if f.Header.Kind != wire.KindContact {
			return "", errFirstFrame
		}
		var c wire.Contact
		if _, err := wire.DecodeBody(m.codecs, f.Payload, &c); err != nil {
			return "", err
		}
		return wire.VerifyContact(c, m.skew)
	}

	// the acceptor answers, the dialer speaks first; synchronous pipes
	// would deadlock on two concurrent sends
	var node bundle.EID
	var err error
	if inbound {
		if node, err = recv(); err != nil {
			return "", err
		}
		if err = send(); err != nil {
			return "", err
		}
	} else {
		if err = send(); err != nil {
			return "", err
		}
		if node, err = recv(); err != nil {
			return "", err
		}
	}
	if node.SameHost(m.self) {
		return "", ErrSelfConnect
	}
	return node, nil
}

func (m *Manager) register(s *session) {
	m.mu.Lock()
	byKind := m.sessions[s.node]
	fresh := byKind == nil
	if fresh {
		byKind = make(map[Kind]*session)
		m.sessions[s.node] = byKind
	}
	old := byKind[s.kind]
	byKind[s.kind] = s
	m.mu.Unlock()

	if old != nil {
		_ = old.conn.Close()
	}
	zap.L().Info("session up",
		zap.String("peer", string(s.node)),
		zap.Stringer("kind", s.kind),
		zap.String("remote", s.addr),
		zap.Bool("replaced", old != nil))
	if fresh {
		m.bus.PublishPeerUp(events.PeerUp{Node: s.node})
	}
}

func (m *Manager) unregister(s *session) {
	m.mu.Lock()
	byKind := m.sessions[s.node]
	if byKind[s.kind] == s {
		delete(byKind, s.kind)
	}
	gone := len(byKind) == 0
	if gone {
		delete(m.sessions, s.node)
	}
	m.mu.Unlock()

	_ = s.conn.Close()
	zap.L().Info("session down",
		zap.String("peer", string(s.node)),
		zap.Stringer("kind", s.kind))
	if gone {
		m.bus.PublishPeerDown(events.PeerDown{Node: s.node})
	}
}

func (m *Manager) receiveLoop(s *session) error {
	for {
		f, err := s.conn.Recv()
		if err != nil {
			return err
		}
		switch f.Header.Kind {
		case wire.KindBundle:
			m.handleBundle(s, f)
		case wire.KindAck:
			m.handleAck(s, f)
		case wire.KindKeepalive:
			// peer is alive, re-announce it upwards
			m.bus.PublishPeerUp(events.PeerUp{Node: s.node})
		case wire.KindContact:
			// late contact frames carry nothing new
		default:
			zap.L().Debug("unhandled frame",
				zap.String("peer", string(s.node)),
				zap.Stringer("frame", f.Header.Kind))
		}
	}
}

func (m *Manager) handleBundle(s *session, f wire.Frame) {
	var b bundle.Bundle
	if _, err := wire.DecodeBody(m.codecs, f.Payload, &b); err != nil {
		zap.L().Warn("bad bundle frame",
			zap.String("peer", string(s.node)), zap.Error(err))
		return
	}
	err := m.store.Push(b)
	if f.HasFlag(wire.FlagAckRequested) {
		ack := wire.AckPayload{ID: b.ID.String(), OK: err == nil}
		if err != nil {
			ack.Reason = err.Error()
		}
		if payload, perr := wire.EncodeBody(m.codecs, wire.FormatCBOR, ack); perr == nil {
			_ = s.conn.Send(wire.NewFrame(wire.KindAck, payload))
		}
	}
	if err != nil {
		zap.L().Error("bundle store failed",
			zap.String("bundle", b.ID.String()), zap.Error(err))
		return
	}
	zap.L().Debug("bundle received",
		zap.String("peer", string(s.node)),
		zap.String("bundle", b.ID.String()),
		zap.String("dst", string(b.Destination)))
	m.bus.PublishBundleQueued(events.BundleQueued{Origin: s.node, Meta: b.Meta})
}

func (m *Manager) handleAck(s *session, f wire.Frame) {
	var ack wire.AckPayload
	if _, err := wire.DecodeBody(m.codecs, f.Payload, &ack); err != nil {
		zap.L().Warn("bad ack frame",
			zap.String("peer", string(s.node)), zap.Error(err))
		return
	}
	m.mu.Lock()
	ch := m.pending[ackKey(s.node, ack.ID)]
	m.mu.Unlock()
	if ch == nil {
		zap.L().Debug("ack without transfer",
			zap.String("peer", string(s.node)), zap.String("bundle", ack.ID))
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (m *Manager) keepaliveLoop(s *session, stop <-chan struct{}) {
	defer m.wg.Done()
	t := time.NewTicker(keepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-m.closed:
			return
		case <-t.C:
			if err := s.conn.Send(wire.NewFrame(wire.KindKeepalive, nil)); err != nil {
				return
			}
		}
	}
}

// Close tears down every session and waits for in-flight work.
func (m *Manager) Close() error {
	select {
	case <-m.closed:
		return nil
	default:
		close(m.closed)
	}
	m.mu.Lock()
	for _, byKind := range m.sessions {
		for _, s := range byKind {
			_ = s.conn.Close()
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func ackKey(node bundle.EID, id string) string { return string(node) + "|" + id }
