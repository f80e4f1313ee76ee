package bundle

import "testing"

func TestParseEID(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"dtn://alpha", true},
		{"dtn://alpha/ping", true},
		{"dtn://alpha/ping/sub", true},
		{"dtn:none", true},
		{"", false},
		{"dtn://", false},
		{"http://alpha", false},
		{"alpha", false},
	}
	for _, c := range cases {
		_, err := ParseEID(c.in)
		if (err == nil) != c.ok {
			t.Errorf("ParseEID(%q): err=%v, want ok=%v", c.in, err, c.ok)
		}
	}
}

func TestEIDNode(t *testing.T) {
	if got := MustEID("dtn://alpha/ping").Node(); got != "dtn://alpha" {
		t.Fatalf("Node() = %q", got)
	}
	if got := MustEID("dtn://alpha").Node(); got != "dtn://alpha" {
		t.Fatalf("Node() on node-level eid = %q", got)
	}
	if got := NoneEID.Node(); got != NoneEID {
		t.Fatalf("Node() on none = %q", got)
	}
}

func TestEIDApplication(t *testing.T) {
	if got := MustEID("dtn://alpha/ping").Application(); got != "ping" {
		t.Fatalf("Application() = %q", got)
	}
	if got := MustEID("dtn://alpha").Application(); got != "" {
		t.Fatalf("Application() on node-level eid = %q", got)
	}
}

func TestSameHost(t *testing.T) {
	a := MustEID("dtn://alpha/ping")
	b := MustEID("dtn://alpha/echo")
	c := MustEID("dtn://beta/ping")
	if !a.SameHost(b) {
		t.Errorf("%s and %s should share a host", a, b)
	}
	if a.SameHost(c) {
		t.Errorf("%s and %s should not share a host", a, c)
	}
	if a.SameHost(NoneEID) || NoneEID.SameHost(a) {
		t.Errorf("none endpoint must not match any host")
	}
}
