package policy

import (
	"testing"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/config"
)

func testCtx(dst string, kind cla.Kind, payload int) Context {
	return Context{
		Peer:  bundle.MustEID("dtn://peer"),
		Stage: "neighbor",
		Bundle: bundle.Meta{
			Destination: bundle.MustEID(dst),
			PayloadLen:  payload,
		},
		Protocol: kind,
	}
}

func TestEmptyChainAccepts(t *testing.T) {
	c := NewChain(nil)
	if got := c.Evaluate(testCtx("dtn://dst/app", cla.KindTCP, 10)); got != Accept {
		t.Fatalf("empty chain = %v, want accept", got)
	}
}

func TestFirstRejectionWins(t *testing.T) {
	c := NewChain(nil,
		DenyProtocols(cla.KindUDP),
		DenyDestinations(bundle.MustEID("dtn://blocked")),
		MaxPayload(100),
	)

	cases := []struct {
		name string
		ctx  Context
		want Verdict
	}{
		{"clean", testCtx("dtn://dst/app", cla.KindTCP, 10), Accept},
		{"denied protocol", testCtx("dtn://dst/app", cla.KindUDP, 10), Reject},
		{"denied destination", testCtx("dtn://blocked/app", cla.KindTCP, 10), Reject},
		{"oversized payload", testCtx("dtn://dst/app", cla.KindTCP, 101), Reject},
		{"payload at cap", testCtx("dtn://dst/app", cla.KindTCP, 100), Accept},
	}
	for _, tc := range cases {
		if got := c.Evaluate(tc.ctx); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDenyDestinationMatchesNode(t *testing.T) {
	r := DenyDestinations(bundle.MustEID("dtn://blocked/some-app"))
	if got := r.Evaluate(testCtx("dtn://blocked/other-app", cla.KindTCP, 1)); got != Reject {
		t.Fatalf("node-level match = %v, want reject", got)
	}
	if got := r.Evaluate(testCtx("dtn://fine/other-app", cla.KindTCP, 1)); got != Accept {
		t.Fatalf("unrelated node = %v, want accept", got)
	}
}

func TestFromConfig(t *testing.T) {
	c, err := FromConfig(config.PolicyConfig{
		DenyProtocols:   []string{"udp"},
		MaxPayloadBytes: 64,
	}, nil)
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if got := c.Evaluate(testCtx("dtn://dst/app", cla.KindUDP, 1)); got != Reject {
		t.Fatalf("configured protocol deny = %v, want reject", got)
	}
	if got := c.Evaluate(testCtx("dtn://dst/app", cla.KindTCP, 65)); got != Reject {
		t.Fatalf("configured payload cap = %v, want reject", got)
	}

	if _, err := FromConfig(config.PolicyConfig{DenyProtocols: []string{"carrier-pigeon"}}, nil); err == nil {
		t.Fatalf("unknown protocol accepted by FromConfig")
	}
	if _, err := FromConfig(config.PolicyConfig{DenyDestinations: []string{"not-an-eid"}}, nil); err == nil {
		t.Fatalf("bad EID accepted by FromConfig")
	}
}
