package neighbor

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/config"
)

func testDB(t *testing.T, cfg config.NeighborConfig, clk clock.Clock) *Database {
	t.Helper()
	return NewDatabase(cfg, clk, nil)
}

func TestGetCreateAndLookup(t *testing.T) {
	db := testDB(t, config.NeighborConfig{MaxTransfers: 2, KnownCap: 8}, nil)
	node := bundle.MustEID("dtn://alpha")

	db.Lock()
	defer db.Unlock()

	if _, err := db.Get(node, false); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("lookup before create: err=%v, want ErrEntryNotFound", err)
	}
	e, err := db.Get(node, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Node != node {
		t.Fatalf("entry node = %q, want %q", e.Node, node)
	}
	// the application part must resolve to the same entry
	again, err := db.Get(bundle.MustEID("dtn://alpha/app"), false)
	if err != nil {
		t.Fatalf("lookup by full EID: %v", err)
	}
	if again != e {
		t.Fatalf("lookup returned a different entry")
	}
	if db.Len() != 1 {
		t.Fatalf("Len = %d, want 1", db.Len())
	}
}

func TestTransferSlots(t *testing.T) {
	db := testDB(t, config.NeighborConfig{MaxTransfers: 2, KnownCap: 8}, nil)
	node := bundle.MustEID("dtn://alpha")

	db.Lock()
	defer db.Unlock()

	e, err := db.Get(node, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b1 := bundle.New(bundle.MustEID("dtn://src/app"), bundle.MustEID("dtn://dst/app"), nil)
	b2 := bundle.New(bundle.MustEID("dtn://src/app"), bundle.MustEID("dtn://dst/app"), nil)
	b3 := bundle.New(bundle.MustEID("dtn://src/app"), bundle.MustEID("dtn://dst/app"), nil)

	if got := e.FreeSlots(); got != 2 {
		t.Fatalf("FreeSlots = %d, want 2", got)
	}
	if err := e.AcquireTransfer(b1.ID); err != nil {
		t.Fatalf("acquire b1: %v", err)
	}
	if err := e.AcquireTransfer(b1.ID); !errors.Is(err, ErrAlreadyInTransit) {
		t.Fatalf("re-acquire b1: err=%v, want ErrAlreadyInTransit", err)
	}
	if err := e.AcquireTransfer(b2.ID); err != nil {
		t.Fatalf("acquire b2: %v", err)
	}
	if err := e.AcquireTransfer(b3.ID); !errors.Is(err, ErrNoMoreTransfers) {
		t.Fatalf("acquire b3 with full slots: err=%v, want ErrNoMoreTransfers", err)
	}
	e.ReleaseTransfer(b1.ID)
	if got := e.FreeSlots(); got != 1 {
		t.Fatalf("FreeSlots after release = %d, want 1", got)
	}
	if err := e.AcquireTransfer(b3.ID); err != nil {
		t.Fatalf("acquire b3 after release: %v", err)
	}
}

func TestKnownSetEvictsOldest(t *testing.T) {
	db := testDB(t, config.NeighborConfig{MaxTransfers: 1, KnownCap: 2}, nil)
	node := bundle.MustEID("dtn://alpha")

	db.Lock()
	defer db.Unlock()

	e, err := db.Get(node, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b1 := bundle.New(bundle.MustEID("dtn://src/app"), bundle.MustEID("dtn://dst/app"), nil)
	b2 := bundle.New(bundle.MustEID("dtn://src/app"), bundle.MustEID("dtn://dst/app"), nil)
	b3 := bundle.New(bundle.MustEID("dtn://src/app"), bundle.MustEID("dtn://dst/app"), nil)

	e.Add(b1.Meta)
	e.Add(b2.Meta)
	if !e.Has(b1.ID) || !e.Has(b2.ID) {
		t.Fatalf("known set lost a fresh mark")
	}
	e.Add(b3.Meta)
	if e.Has(b1.ID) {
		t.Fatalf("oldest mark survived past capacity")
	}
	if !e.Has(b2.ID) || !e.Has(b3.ID) {
		t.Fatalf("recent marks missing after eviction")
	}
}

func TestSweepDropsIdleEntries(t *testing.T) {
	clk := clock.NewMock()
	db := testDB(t, config.NeighborConfig{MaxTransfers: 1, KnownCap: 8, RetentionSec: 60}, clk)
	idle := bundle.MustEID("dtn://idle")
	busy := bundle.MustEID("dtn://busy")

	db.Lock()
	if _, err := db.Get(idle, true); err != nil {
		t.Fatalf("create idle: %v", err)
	}
	if _, err := db.Get(busy, true); err != nil {
		t.Fatalf("create busy: %v", err)
	}
	db.Unlock()

	clk.Add(45 * time.Second)
	db.Lock()
	db.Touch(busy)
	db.Unlock()

	clk.Add(30 * time.Second)
	db.sweep()

	db.Lock()
	defer db.Unlock()
	if _, err := db.Get(idle, false); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("idle entry survived the sweep: err=%v", err)
	}
	if _, err := db.Get(busy, false); err != nil {
		t.Fatalf("touched entry was swept: %v", err)
	}
}

func TestRemove(t *testing.T) {
	db := testDB(t, config.NeighborConfig{MaxTransfers: 1, KnownCap: 8}, nil)
	node := bundle.MustEID("dtn://alpha")

	db.Lock()
	defer db.Unlock()

	if _, err := db.Get(node, true); err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Remove(node)
	if _, err := db.Get(node, false); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("entry survived Remove: err=%v", err)
	}
	if got := db.Len(); got != 0 {
		t.Fatalf("Len after remove = %d, want 0", got)
	}
}
