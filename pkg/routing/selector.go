package routing

import (
	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/neighbor"
)

// candidate pairs a selected bundle with the protocol chosen for it.
// The slice built during a search keeps storage's arrival order.
type candidate struct {
	Meta bundle.Meta
	Kind cla.Kind
}

// selector adapts the Decision to the bounded storage scan run during a
// search task. The store drives iteration and calls Consider per
// candidate; the selector only judges what it is shown and records the
// accepted pairs. Used with the neighbor database lock held.
type selector struct {
	decision *Decision
	entry    *neighbor.Entry
	kinds    []cla.Kind
	free     int
	picked   []candidate
}

func (s *selector) Limit() int { return s.free }

func (s *selector) Consider(m bundle.Meta) bool {
	kind, ok := s.decision.ShouldRoute(m, s.entry, s.kinds)
	if !ok {
		return false
	}
	s.picked = append(s.picked, candidate{Meta: m, Kind: kind})
	return true
}

// DestinationNode narrows indexed scans to bundles addressed to the
// neighbor. Purely a shortcut, ShouldRoute re-checks the destination.
func (s *selector) DestinationNode() bundle.EID { return s.entry.Node.Node() }
