// Package routing decides which stored bundles get handed to which
// neighbor over which convergence layer. A single worker consumes a
// task queue fed by session and bundle events; every decision runs
// under the neighbor database lock, every transfer outside of it.
package routing

import (
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/cla"
	"dtnmesh/pkg/events"
	"dtnmesh/pkg/metrics"
	"dtnmesh/pkg/neighbor"
	"dtnmesh/pkg/policy"
	"dtnmesh/pkg/storage"
)

// Tag names this routing strategy in logs, policy contexts and the
// component registry.
const Tag = "neighbor"

// ErrNoRouteKnown is returned when the decision rejected the bundle for
// the requested next hop.
var ErrNoRouteKnown = errors.New("routing: no route known")

// Connections is the view of the session manager the engine needs.
type Connections interface {
	// Neighbors returns the nodes currently reachable.
	Neighbors() []bundle.EID
	// SupportedProtocols returns the usable kinds for the node, most
	// preferred first.
	SupportedProtocols(node bundle.EID) []cla.Kind
	// Transfer starts an asynchronous transfer; its outcome arrives as a
	// TransferCompleted or TransferAborted event.
	Transfer(node bundle.EID, b bundle.Bundle, kind cla.Kind) error
}

// Engine is the forwarding engine. Construct with New, start with Up.
type Engine struct {
	local    bundle.EID
	queue    *Queue
	decision *Decision
	db       *neighbor.Database
	store    storage.Store
	conns    Connections
	metrics  *metrics.Metrics

	mu   sync.Mutex
	done chan struct{}
}

// New wires the engine. eval may be nil to accept every protocol, bus
// may be nil when the caller feeds the queue itself, m may be nil for
// no-op collectors.
func New(local bundle.EID, db *neighbor.Database, store storage.Store, conns Connections, eval policy.Evaluator, bus *events.Bus, m *metrics.Metrics) (*Engine, error) {
	if m == nil {
		m = metrics.Nop()
	}
	e := &Engine{
		local:    local.Node(),
		queue:    NewQueue(m),
		decision: NewDecision(local, eval),
		db:       db,
		store:    store,
		conns:    conns,
		metrics:  m,
	}
	if bus != nil {
		err := multierr.Combine(
			bus.SubscribePeerUp(e.onPeerUp),
			bus.SubscribePeerDown(e.onPeerDown),
			bus.SubscribeBundleQueued(e.onBundleQueued),
			bus.SubscribeTransferCompleted(e.onTransferCompleted),
			bus.SubscribeTransferAborted(e.onTransferAborted),
		)
		if err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Tag returns the strategy tag.
func (e *Engine) Tag() string { return Tag }

// Up arms the queue and starts the worker. Restarting after the worker
// terminated is allowed, starting a running engine is an error.
func (e *Engine) Up() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		select {
		case <-e.done:
		default:
			return errors.New("routing: already running")
		}
	}
	e.queue.Reset()
	e.done = make(chan struct{})
	go e.run(e.done)
	zap.L().Info("routing worker started", zap.String("tag", Tag))
	return nil
}

// Down aborts the queue and waits for the worker to exit.
func (e *Engine) Down() error {
	e.mu.Lock()
	done := e.done
	e.done = nil
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	e.queue.Abort()
	<-done
	zap.L().Info("routing worker stopped", zap.String("tag", Tag))
	return nil
}

// NotifyNeighbor schedules a fresh search for bundles to send to node.
func (e *Engine) NotifyNeighbor(node bundle.EID) {
	e.queue.Push(SearchTask{Target: node.Node()})
}

// NotifyBundle offers a freshly queued bundle to every neighbor except
// the one it arrived from.
func (e *Engine) NotifyBundle(origin bundle.EID, m bundle.Meta) {
	for _, n := range e.conns.Neighbors() {
		if n.SameHost(origin) {
			continue
		}
		e.queue.Push(ProcessTask{Meta: m, Origin: origin, NextHop: n})
	}
}

func (e *Engine) onPeerUp(ev events.PeerUp) {
	e.db.Lock()
	_, err := e.db.Get(ev.Node, true)
	e.db.Unlock()
	if err != nil {
		zap.L().Warn("neighbor entry",
			zap.String("node", string(ev.Node)), zap.Error(err))
		return
	}
	e.NotifyNeighbor(ev.Node)
}

func (e *Engine) onPeerDown(ev events.PeerDown) {
	// the entry stays, its known set is valuable if the node comes
	// back; Touch restarts the retention window and the sweep handles
	// the rest
	e.db.Lock()
	e.db.Touch(ev.Node)
	e.db.Unlock()
	zap.L().Debug("peer down", zap.String("node", string(ev.Node)))
}

func (e *Engine) onBundleQueued(ev events.BundleQueued) {
	e.NotifyBundle(ev.Origin, ev.Meta)
}

func (e *Engine) onTransferCompleted(ev events.TransferCompleted) {
	e.db.Lock()
	if entry, err := e.db.Get(ev.Peer, false); err == nil {
		entry.ReleaseTransfer(ev.Meta.ID)
		entry.Add(ev.Meta)
	}
	e.db.Unlock()
	if ev.Meta.Singleton && ev.Meta.Destination.SameHost(ev.Peer) {
		if err := e.store.Remove(ev.Meta.ID); err == nil {
			zap.L().Info("bundle delivered",
				zap.String("bundle", ev.Meta.ID.String()),
				zap.String("node", string(ev.Peer)))
		}
	}
	e.NotifyNeighbor(ev.Peer)
}

func (e *Engine) onTransferAborted(ev events.TransferAborted) {
	e.db.Lock()
	if entry, err := e.db.Get(ev.Peer, false); err == nil {
		entry.ReleaseTransfer(ev.ID)
	}
	e.db.Unlock()
	e.NotifyNeighbor(ev.Peer)
}

// run is the worker. Classified failures drop the current task and the
// loop goes on; anything unclassified terminates the worker until the
// next Up.
func (e *Engine) run(done chan<- struct{}) {
	defer close(done)
	for {
		t, err := e.queue.Poll()
		if err != nil {
			return
		}
		kind := taskKind(t)
		if err := e.dispatch(t); err != nil {
			outcome, expected := classify(err)
			if !expected {
				e.metrics.TasksProcessed.WithLabelValues(kind, "fatal").Inc()
				zap.L().Error("routing worker terminated",
					zap.Stringer("task", t), zap.Error(err))
				return
			}
			e.metrics.TasksProcessed.WithLabelValues(kind, outcome).Inc()
			zap.L().Debug("task dropped",
				zap.Stringer("task", t), zap.Error(err))
			continue
		}
		e.metrics.TasksProcessed.WithLabelValues(kind, "ok").Inc()
	}
}

func (e *Engine) dispatch(t Task) error {
	switch t := t.(type) {
	case SearchTask:
		return e.search(t)
	case ProcessTask:
		return e.process(t)
	default:
		// unknown task kinds are ignored
		return nil
	}
}

// search selects up to free-slot-count bundles for the target under the
// database lock, then transfers them outside of it. A candidate that
// turns out to be in transit already is skipped, the batch goes on.
func (e *Engine) search(t SearchTask) error {
	e.db.Lock()
	entry, err := e.db.Get(t.Target, false)
	if err != nil {
		e.db.Unlock()
		return err
	}
	free := entry.FreeSlots()
	if free <= 0 {
		e.db.Unlock()
		return neighbor.ErrNoMoreTransfers
	}
	sel := &selector{
		decision: e.decision,
		entry:    entry,
		kinds:    e.conns.SupportedProtocols(t.Target),
		free:     free,
	}
	_, err = e.store.Select(sel)
	e.db.Unlock()
	if err != nil {
		return err
	}
	if len(sel.picked) == 0 {
		return storage.ErrNoBundleFound
	}
	zap.L().Debug("search selected bundles",
		zap.String("node", string(t.Target)), zap.Int("count", len(sel.picked)))
	for _, c := range sel.picked {
		if err := e.transfer(t.Target, c.Meta, c.Kind); err != nil {
			if errors.Is(err, neighbor.ErrAlreadyInTransit) {
				zap.L().Debug("candidate already in transit",
					zap.String("bundle", c.Meta.ID.String()))
				continue
			}
			return err
		}
	}
	return nil
}

// process runs the decision for one bundle and one next hop. The
// protocol list is computed before the lock, the transfer after it.
func (e *Engine) process(t ProcessTask) error {
	kinds := e.conns.SupportedProtocols(t.NextHop)
	e.db.Lock()
	entry, err := e.db.Get(t.NextHop, false)
	if err != nil {
		e.db.Unlock()
		return err
	}
	kind, ok := e.decision.ShouldRoute(t.Meta, entry, kinds)
	e.db.Unlock()
	if !ok {
		return ErrNoRouteKnown
	}
	return e.transfer(t.NextHop, t.Meta, kind)
}

// transfer occupies a slot under the lock, then loads the payload and
// hands the bundle to the connection manager with the lock released. On
// a synchronous failure the slot is freed right away; otherwise it
// stays occupied until the completion or abort event comes back.
func (e *Engine) transfer(node bundle.EID, m bundle.Meta, kind cla.Kind) error {
	e.db.Lock()
	entry, err := e.db.Get(node, false)
	if err == nil {
		err = entry.AcquireTransfer(m.ID)
	}
	e.db.Unlock()
	if err != nil {
		return err
	}

	b, err := e.store.Get(m.ID)
	if err == nil {
		err = e.conns.Transfer(node, b, kind)
	}
	if err != nil {
		e.db.Lock()
		if entry, dberr := e.db.Get(node, false); dberr == nil {
			entry.ReleaseTransfer(m.ID)
		}
		e.db.Unlock()
		return err
	}
	zap.L().Debug("transfer started",
		zap.String("node", string(node)),
		zap.String("bundle", m.ID.String()),
		zap.Stringer("kind", kind))
	return nil
}

func taskKind(t Task) string {
	switch t.(type) {
	case SearchTask:
		return "search"
	case ProcessTask:
		return "process"
	default:
		return "unknown"
	}
}

// classify sorts an error into the expected task-level failure kinds.
// Expected failures cost the task, everything else costs the worker.
func classify(err error) (string, bool) {
	switch {
	case errors.Is(err, neighbor.ErrEntryNotFound):
		return "entry_not_found", true
	case errors.Is(err, neighbor.ErrNoMoreTransfers):
		return "no_free_slots", true
	case errors.Is(err, neighbor.ErrAlreadyInTransit):
		return "already_in_transit", true
	case errors.Is(err, storage.ErrNoBundleFound):
		return "no_bundle_found", true
	case errors.Is(err, cla.ErrNodeNotAvailable):
		return "node_not_available", true
	case errors.Is(err, ErrNoRouteKnown):
		return "no_route", true
	}
	return "", false
}
