package bundle

import (
	"testing"
	"time"
)

func TestNewAssignsDistinctIDs(t *testing.T) {
	src := MustEID("dtn://alpha")
	dst := MustEID("dtn://beta/inbox")
	b1 := New(src, dst, []byte("one"))
	b2 := New(src, dst, []byte("two"))
	if b1.ID == b2.ID {
		t.Fatalf("consecutive bundles share an id: %s", b1.ID)
	}
	if b1.ID.Source != src {
		t.Errorf("id source = %s, want %s", b1.ID.Source, src)
	}
	if b1.PayloadLen != 3 {
		t.Errorf("payload len = %d, want 3", b1.PayloadLen)
	}
	if !b1.Singleton {
		t.Errorf("new bundles default to singleton destinations")
	}
}

func TestMetaExpiry(t *testing.T) {
	m := Meta{Received: time.Unix(1000, 0), Lifetime: time.Minute}
	if m.Expired(time.Unix(1059, 0)) {
		t.Errorf("expired before lifetime ran out")
	}
	if !m.Expired(time.Unix(1060, 0)) {
		t.Errorf("not expired at the lifetime boundary")
	}
}

func TestIDString(t *testing.T) {
	id := ID{Source: "dtn://alpha", Timestamp: 17, Sequence: 4}
	if got, want := id.String(), "17 4 dtn://alpha"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
