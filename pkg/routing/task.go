package routing

import (
	"fmt"

	"dtnmesh/pkg/bundle"
)

// Task is a unit of work for the engine worker. The two implementations
// below are the only ones; the worker dispatches by type switch and
// ignores anything else.
type Task interface {
	fmt.Stringer
	task()
}

// SearchTask asks the worker to find stored bundles worth sending to
// the target node now.
type SearchTask struct {
	Target bundle.EID
}

func (SearchTask) task() {}

func (t SearchTask) String() string { return "search " + string(t.Target) }

// ProcessTask asks the worker to decide one specific bundle for one
// specific next hop, typically right after the bundle arrived. Origin
// is the node the bundle came from.
type ProcessTask struct {
	Meta    bundle.Meta
	Origin  bundle.EID
	NextHop bundle.EID
}

func (ProcessTask) task() {}

func (t ProcessTask) String() string {
	return "process " + t.Meta.ID.String() + " for " + string(t.NextHop)
}
