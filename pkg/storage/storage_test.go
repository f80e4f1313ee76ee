package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/config"
)

type takeAll struct{ limit int }

func (s takeAll) Limit() int                { return s.limit }
func (s takeAll) Consider(bundle.Meta) bool { return true }

type forNode struct {
	takeAll
	node bundle.EID
}

func (s forNode) DestinationNode() bundle.EID { return s.node }

var testSeq uint64

func testBundle(clk clock.Clock, dst bundle.EID, lifetime time.Duration) bundle.Bundle {
	testSeq++
	now := clk.Now()
	return bundle.Bundle{
		Meta: bundle.Meta{
			ID: bundle.ID{
				Source:    bundle.MustEID("dtn://src/app"),
				Timestamp: uint64(now.UnixMilli()),
				Sequence:  testSeq,
			},
			Destination: dst,
			Singleton:   true,
			Hopcount:    bundle.DefaultHopcount,
			Lifetime:    lifetime,
			Received:    now,
			PayloadLen:  5,
		},
		Payload: []byte("hello"),
	}
}

func withStores(t *testing.T, clk clock.Clock, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := NewMemory(clk, nil)
		defer s.Close()
		fn(t, s)
	})
	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadger(config.StoreConfig{Backend: "badger", InMemory: true}, clk, nil)
		if err != nil {
			t.Fatalf("open badger: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func TestPushGetRemove(t *testing.T) {
	clk := clock.NewMock()
	withStores(t, clk, func(t *testing.T, s Store) {
		b := testBundle(clk, bundle.MustEID("dtn://dst/app"), time.Hour)

		if _, err := s.Get(b.ID); !errors.Is(err, ErrNoBundleFound) {
			t.Fatalf("get before push: err=%v, want ErrNoBundleFound", err)
		}
		if err := s.Push(b); err != nil {
			t.Fatalf("push: %v", err)
		}
		got, err := s.Get(b.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.ID != b.ID || got.Destination != b.Destination || string(got.Payload) != "hello" {
			t.Fatalf("got %+v, want %+v", got, b)
		}
		if s.Len() != 1 {
			t.Fatalf("Len = %d, want 1", s.Len())
		}
		if err := s.Remove(b.ID); err != nil {
			t.Fatalf("remove: %v", err)
		}
		if err := s.Remove(b.ID); !errors.Is(err, ErrNoBundleFound) {
			t.Fatalf("second remove: err=%v, want ErrNoBundleFound", err)
		}
		if s.Len() != 0 {
			t.Fatalf("Len after remove = %d, want 0", s.Len())
		}
	})
}

func TestSelectOrderAndLimit(t *testing.T) {
	clk := clock.NewMock()
	withStores(t, clk, func(t *testing.T, s Store) {
		dst := bundle.MustEID("dtn://dst/app")
		b1 := testBundle(clk, dst, time.Hour)
		clk.Add(time.Millisecond)
		b2 := testBundle(clk, dst, time.Hour)
		clk.Add(time.Millisecond)
		b3 := testBundle(clk, dst, time.Hour)
		for _, b := range []bundle.Bundle{b1, b2, b3} {
			if err := s.Push(b); err != nil {
				t.Fatalf("push: %v", err)
			}
		}

		got, err := s.Select(takeAll{limit: 2})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("selected %d, want 2", len(got))
		}
		if got[0].ID != b1.ID || got[1].ID != b2.ID {
			t.Fatalf("selection out of arrival order: %v then %v", got[0].ID, got[1].ID)
		}

		all, err := s.Select(takeAll{})
		if err != nil {
			t.Fatalf("select all: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("selected %d, want 3", len(all))
		}
	})
}

func TestSelectByDestination(t *testing.T) {
	clk := clock.NewMock()
	withStores(t, clk, func(t *testing.T, s Store) {
		bx := testBundle(clk, bundle.MustEID("dtn://x/app"), time.Hour)
		by := testBundle(clk, bundle.MustEID("dtn://y/app"), time.Hour)
		if err := s.Push(bx); err != nil {
			t.Fatalf("push: %v", err)
		}
		if err := s.Push(by); err != nil {
			t.Fatalf("push: %v", err)
		}

		got, err := s.Select(forNode{node: bundle.MustEID("dtn://x")})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(got) != 1 || got[0].ID != bx.ID {
			t.Fatalf("destination scan returned %v", got)
		}
	})
}

func TestExpireDropsDeadBundles(t *testing.T) {
	clk := clock.NewMock()
	withStores(t, clk, func(t *testing.T, s Store) {
		short := testBundle(clk, bundle.MustEID("dtn://dst/app"), time.Minute)
		long := testBundle(clk, bundle.MustEID("dtn://dst/app"), time.Hour)
		if err := s.Push(short); err != nil {
			t.Fatalf("push: %v", err)
		}
		if err := s.Push(long); err != nil {
			t.Fatalf("push: %v", err)
		}

		clk.Add(2 * time.Minute)
		dropped, err := s.Expire(clk.Now())
		if err != nil {
			t.Fatalf("expire: %v", err)
		}
		if dropped != 1 {
			t.Fatalf("expired %d, want 1", dropped)
		}
		if _, err := s.Get(short.ID); !errors.Is(err, ErrNoBundleFound) {
			t.Fatalf("expired bundle still readable: err=%v", err)
		}
		if _, err := s.Get(long.ID); err != nil {
			t.Fatalf("live bundle dropped: %v", err)
		}

		metas, err := s.Select(takeAll{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(metas) != 1 || metas[0].ID != long.ID {
			t.Fatalf("selection after expiry: %v", metas)
		}
	})
}
