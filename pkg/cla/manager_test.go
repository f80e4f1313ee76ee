package cla_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/cla/mem"
	"dtnmesh/pkg/config"
	"dtnmesh/pkg/events"
	"dtnmesh/pkg/storage"
	"dtnmesh/pkg/wire"
	"dtnmesh/pkg/wire/codec"
)

type testNode struct {
	eid   bundle.EID
	mgr   *cla.Manager
	bus   *events.Bus
	store storage.Store
}

func newTestNode(t *testing.T, eid bundle.EID, ackTimeout time.Duration) *testNode {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	st, err := storage.Open(config.StoreConfig{Backend: "memory"}, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	bus := events.NewBus()
	mgr := cla.NewManager(eid, priv, st, bus, nil, time.Minute, ackTimeout)
	t.Cleanup(func() { _ = mgr.Close() })
	return &testNode{eid: eid, mgr: mgr, bus: bus, store: st}
}

func serveAccepted(ctx context.Context, mgr *cla.Manager, ln cla.Listener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		go func() { _ = mgr.Serve(conn, true) }()
	}
}

func TestContactExchangeAndTransfer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layer := mem.New()
	a := newTestNode(t, "dtn://alpha", 2*time.Second)
	b := newTestNode(t, "dtn://beta", 2*time.Second)

	peerUpA := make(chan events.PeerUp, 4)
	if err := a.bus.SubscribePeerUp(func(e events.PeerUp) { peerUpA <- e }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	queuedA := make(chan events.BundleQueued, 4)
	if err := a.bus.SubscribeBundleQueued(func(e events.BundleQueued) { queuedA <- e }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	doneB := make(chan events.TransferCompleted, 4)
	if err := b.bus.SubscribeTransferCompleted(func(e events.TransferCompleted) { doneB <- e }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ln, err := layer.Listen(ctx, "alpha")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go serveAccepted(ctx, a.mgr, ln)

	conn, err := layer.Dial(ctx, "alpha")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	go func() { _ = b.mgr.Serve(conn, false) }()

	select {
	case e := <-peerUpA:
		if !e.Node.SameHost("dtn://beta") {
			t.Fatalf("peer up for %q", e.Node)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no peer up")
	}

	waitFor(t, func() bool { return len(b.mgr.Neighbors()) == 1 })
	if got := b.mgr.SupportedProtocols("dtn://alpha"); len(got) != 1 || got[0] != cla.KindMem {
		t.Fatalf("protocols = %v", got)
	}

	bb := bundle.New("dtn://beta/app", "dtn://alpha/inbox", []byte("over the gap"))
	if err := b.mgr.Transfer("dtn://alpha", bb, cla.KindMem); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	select {
	case e := <-doneB:
		if e.Meta.ID != bb.ID {
			t.Fatalf("completed id = %v", e.Meta.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no transfer completed")
	}
	select {
	case e := <-queuedA:
		if !e.Origin.SameHost("dtn://beta") || e.Meta.ID != bb.ID {
			t.Fatalf("queued = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no bundle queued")
	}
	got, err := a.store.Get(bb.ID)
	if err != nil || string(got.Payload) != "over the gap" {
		t.Fatalf("stored bundle: %v %q", err, got.Payload)
	}
}

func TestTransferWithoutSession(t *testing.T) {
	b := newTestNode(t, "dtn://beta", time.Second)
	err := b.mgr.Transfer("dtn://nowhere", bundle.New("dtn://beta/app", "dtn://nowhere/x", nil), cla.KindMem)
	if !errors.Is(err, cla.ErrNodeNotAvailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestSelfConnectRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layer := mem.New()
	a := newTestNode(t, "dtn://alpha", time.Second)

	ln, err := layer.Listen(ctx, "alpha")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go serveAccepted(ctx, a.mgr, ln)

	conn, err := layer.Dial(ctx, "alpha")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := a.mgr.Serve(conn, false); !errors.Is(err, cla.ErrSelfConnect) {
		t.Fatalf("err = %v", err)
	}
	if n := a.mgr.Neighbors(); len(n) != 0 {
		t.Fatalf("neighbors = %v", n)
	}
}

// The peer below speaks the wire protocol by hand: it completes the
// contact exchange, reads the bundle frame, and never acks.
func TestTransferAbortsOnAckTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layer := mem.New()
	b := newTestNode(t, "dtn://beta", 200*time.Millisecond)

	abortedB := make(chan events.TransferAborted, 4)
	if err := b.bus.SubscribeTransferAborted(func(e events.TransferAborted) { abortedB <- e }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ln, err := layer.Listen(ctx, "mute")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		reg := codec.NewRegistry()
		if _, err := conn.Recv(); err != nil {
			return
		}
		c, err := wire.BuildContact("dtn://mute", priv)
		if err != nil {
			return
		}
		payload, err := wire.EncodeBody(reg, wire.FormatCBOR, c)
		if err != nil {
			return
		}
		if err := conn.Send(wire.NewFrame(wire.KindContact, payload)); err != nil {
			return
		}
		for {
			if _, err := conn.Recv(); err != nil {
				return
			}
		}
	}()

	conn, err := layer.Dial(ctx, "mute")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	go func() { _ = b.mgr.Serve(conn, false) }()

	waitFor(t, func() bool { return len(b.mgr.Neighbors()) == 1 })
	bb := bundle.New("dtn://beta/app", "dtn://mute/void", []byte("unanswered"))
	if err := b.mgr.Transfer("dtn://mute", bb, cla.KindMem); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	select {
	case e := <-abortedB:
		if e.ID != bb.ID {
			t.Fatalf("aborted id = %v", e.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no transfer aborted")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
