package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/cla/layers"
	"dtnmesh/pkg/config"
	"dtnmesh/pkg/events"
	"dtnmesh/pkg/storage"
)

func main() {
	kind := flag.String("kind", "tcp", "convergence layer: tcp|quic|ws|udp|mem")
	addr := flag.String("addr", "127.0.0.1:4556", "node address to connect to")
	name := flag.String("name", "sender", "local node name for the contact exchange")
	dest := flag.String("dest", "", "destination EID, e.g. dtn://node/inbox")
	data := flag.String("data", "", "payload text; - reads stdin")
	file := flag.String("file", "", "payload file (overrides -data)")
	hops := flag.Uint("hops", bundle.DefaultHopcount, "hop limit")
	lifetime := flag.Duration("lifetime", bundle.DefaultLifetime, "bundle lifetime")
	timeout := flag.Duration("timeout", 10*time.Second, "dial/transfer timeout")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	dst, err := bundle.ParseEID(*dest)
	if err != nil {
		fatalf("bad -dest: %v", err)
	}
	src, err := bundle.ParseEID("dtn://" + *name + "/send")
	if err != nil {
		fatalf("bad -name: %v", err)
	}
	k, err := cla.ParseKind(*kind)
	if err != nil {
		fatalf("%v", err)
	}
	layer, err := layers.New(k)
	if err != nil {
		fatalf("layer: %v", err)
	}

	b := bundle.New(src, dst, readPayload(*data, *file))
	b.Hopcount = uint32(*hops)
	b.Lifetime = *lifetime

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fatalf("gen key: %v", err)
	}
	st, err := storage.Open(config.StoreConfig{Backend: "memory"}, nil, nil)
	if err != nil {
		fatalf("open store: %v", err)
	}
	defer func() { _ = st.Close() }()

	bus := events.NewBus()
	done := make(chan error, 2)
	_ = bus.SubscribeTransferCompleted(func(e events.TransferCompleted) {
		if e.Meta.ID == b.ID {
			done <- nil
		}
	})
	_ = bus.SubscribeTransferAborted(func(e events.TransferAborted) {
		if e.ID == b.ID {
			done <- errors.New("transfer aborted")
		}
	})
	mgr := cla.NewManager(src, priv, st, bus, nil, 0, *timeout)
	defer func() { _ = mgr.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	conn, err := layer.Dial(ctx, *addr)
	if err != nil {
		fatalf("dial: %v", err)
	}
	go func() { _ = mgr.Serve(conn, false) }()

	node, err := awaitNeighbor(mgr, *timeout)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println("connected to", string(node))

	if err := mgr.Transfer(node, b, k); err != nil {
		fatalf("transfer: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Println("bundle", b.ID.String(), "accepted by", string(node))
	case <-time.After(*timeout):
		fatalf("no transfer outcome within %s", *timeout)
	}
}

func awaitNeighbor(mgr *cla.Manager, to time.Duration) (bundle.EID, error) {
	deadline := time.Now().Add(to)
	for time.Now().Before(deadline) {
		if ns := mgr.Neighbors(); len(ns) > 0 {
			return ns[0], nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return "", errors.New("contact exchange did not complete in time")
}

func readPayload(data, file string) []byte {
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			fatalf("read payload: %v", err)
		}
		return b
	}
	if data == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatalf("read stdin: %v", err)
		}
		return b
	}
	return []byte(data)
}

func fatalf(format string, a ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
