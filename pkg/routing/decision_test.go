package routing

import (
	"testing"
	"time"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/config"
	"dtnmesh/pkg/neighbor"
	"dtnmesh/pkg/policy"
)

var metaSeq uint64

func testMeta(dst bundle.EID, singleton bool, hops uint32) bundle.Meta {
	metaSeq++
	return bundle.Meta{
		ID:          bundle.ID{Source: "dtn://src/app", Timestamp: metaSeq, Sequence: metaSeq},
		Destination: dst,
		Singleton:   singleton,
		Hopcount:    hops,
		Lifetime:    time.Hour,
		Received:    time.Now(),
	}
}

func testEntry(t *testing.T, db *neighbor.Database, node bundle.EID) *neighbor.Entry {
	t.Helper()
	db.Lock()
	defer db.Unlock()
	e, err := db.Get(node, true)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	return e
}

// denyKinds rejects the listed protocols and accepts everything else.
type denyKinds map[cla.Kind]struct{}

func (d denyKinds) Evaluate(ctx policy.Context) policy.Verdict {
	if _, ok := d[ctx.Protocol]; ok {
		return policy.Reject
	}
	return policy.Accept
}

func TestDecisionRejections(t *testing.T) {
	db := neighbor.NewDatabase(config.NeighborConfig{MaxTransfers: 2}, nil, nil)
	entry := testEntry(t, db, "dtn://peer")
	d := NewDecision("dtn://local", nil)
	kinds := []cla.Kind{cla.KindTCP}

	cases := []struct {
		name string
		m    bundle.Meta
	}{
		{"hop limit exhausted", testMeta("dtn://peer/app", true, 0)},
		{"non-singleton destination", testMeta("dtn://peer/app", false, 5)},
		{"destined to this node", testMeta("dtn://local/app", true, 5)},
		{"destined to another node", testMeta("dtn://elsewhere/app", true, 5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := d.ShouldRoute(tc.m, entry, kinds); ok {
				t.Fatal("forwarded")
			}
		})
	}
}

func TestDecisionAcceptsAddressedBundle(t *testing.T) {
	db := neighbor.NewDatabase(config.NeighborConfig{MaxTransfers: 2}, nil, nil)
	entry := testEntry(t, db, "dtn://peer")
	d := NewDecision("dtn://local", nil)

	m := testMeta("dtn://peer/inbox", true, 5)
	kind, ok := d.ShouldRoute(m, entry, []cla.Kind{cla.KindTCP, cla.KindUDP})
	if !ok || kind != cla.KindTCP {
		t.Fatalf("got (%v, %v)", kind, ok)
	}
}

func TestDecisionKnownBundleIdempotent(t *testing.T) {
	db := neighbor.NewDatabase(config.NeighborConfig{MaxTransfers: 2}, nil, nil)
	entry := testEntry(t, db, "dtn://peer")
	d := NewDecision("dtn://local", nil)

	m := testMeta("dtn://peer/inbox", true, 5)
	db.Lock()
	entry.Add(m)
	db.Unlock()
	for i := 0; i < 3; i++ {
		if _, ok := d.ShouldRoute(m, entry, []cla.Kind{cla.KindTCP}); ok {
			t.Fatalf("forwarded on call %d", i+1)
		}
	}
}

func TestDecisionFirstAcceptWins(t *testing.T) {
	db := neighbor.NewDatabase(config.NeighborConfig{MaxTransfers: 2}, nil, nil)
	entry := testEntry(t, db, "dtn://peer")
	d := NewDecision("dtn://local", denyKinds{cla.KindTCP: {}})

	m := testMeta("dtn://peer/inbox", true, 5)
	kinds := []cla.Kind{cla.KindTCP, cla.KindUDP, cla.KindWS}
	kind, ok := d.ShouldRoute(m, entry, kinds)
	if !ok || kind != cla.KindUDP {
		t.Fatalf("got (%v, %v), want first accepted protocol udp", kind, ok)
	}
}

func TestDecisionNoProtocolAccepted(t *testing.T) {
	db := neighbor.NewDatabase(config.NeighborConfig{MaxTransfers: 2}, nil, nil)
	entry := testEntry(t, db, "dtn://peer")
	deny := denyKinds{cla.KindTCP: {}, cla.KindUDP: {}}
	d := NewDecision("dtn://local", deny)

	m := testMeta("dtn://peer/inbox", true, 5)
	if _, ok := d.ShouldRoute(m, entry, []cla.Kind{cla.KindTCP, cla.KindUDP}); ok {
		t.Fatal("forwarded with every protocol rejected")
	}
	if _, ok := d.ShouldRoute(m, entry, nil); ok {
		t.Fatal("forwarded with no protocols at all")
	}
}
