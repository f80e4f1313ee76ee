package routing

import (
	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/neighbor"
	"dtnmesh/pkg/policy"
)

// Decision is the per-bundle forwarding judgment. It only forwards
// singleton bundles to their addressee, so it never floods; anything
// it cannot place stays in storage for a later contact.
type Decision struct {
	local bundle.EID
	chain policy.Evaluator
}

// NewDecision builds the judgment for this node. chain is consulted
// once per candidate protocol; a nil chain accepts every protocol.
func NewDecision(local bundle.EID, chain policy.Evaluator) *Decision {
	if chain == nil {
		chain = policy.NewChain(nil)
	}
	return &Decision{local: local.Node(), chain: chain}
}

// ShouldRoute decides whether m should be forwarded to the neighbor and
// picks the first protocol out of kinds the policy chain accepts. The
// cheap checks run first, the chain only sees candidates that survived
// them. Callers hold the neighbor database lock.
func (d *Decision) ShouldRoute(m bundle.Meta, entry *neighbor.Entry, kinds []cla.Kind) (cla.Kind, bool) {
	if m.Hopcount == 0 {
		return cla.KindUnknown, false
	}
	if !m.Singleton {
		return cla.KindUnknown, false
	}
	if m.Destination.SameHost(d.local) {
		return cla.KindUnknown, false
	}
	if !m.Destination.SameHost(entry.Node) {
		return cla.KindUnknown, false
	}
	if entry.Has(m.ID) {
		return cla.KindUnknown, false
	}
	for _, k := range kinds {
		ctx := policy.Context{Peer: entry.Node, Stage: Tag, Bundle: m, Protocol: k}
		if d.chain.Evaluate(ctx) == policy.Accept {
			return k, true
		}
	}
	return cla.KindUnknown, false
}
