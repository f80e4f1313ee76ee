// Package neighbor tracks the nodes currently reachable through a
// convergence layer, together with per-node transfer slots and the set
// of bundles each node is already known to hold.
package neighbor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/config"
	"dtnmesh/pkg/metrics"
)

var (
	// ErrEntryNotFound is returned by Get when the node has no entry and
	// create was not requested.
	ErrEntryNotFound = errors.New("neighbor: entry not found")
	// ErrNoMoreTransfers is returned by AcquireTransfer when every slot
	// of the entry is occupied.
	ErrNoMoreTransfers = errors.New("neighbor: no free transfer slot")
	// ErrAlreadyInTransit is returned by AcquireTransfer when the bundle
	// already occupies a slot of the entry.
	ErrAlreadyInTransit = errors.New("neighbor: bundle already in transit")
)

const defaultKnownCap = 4096

// Entry is the per-node state. All methods require the database lock.
type Entry struct {
	Node bundle.EID

	known    *lru.Cache[string, struct{}]
	inflight map[string]struct{}
	max      int
	lastSeen time.Time
}

// Has reports whether the node is known to hold the bundle, either
// because we sent it or because the node announced it.
func (e *Entry) Has(id bundle.ID) bool { return e.known.Contains(id.String()) }

// Add marks the bundle as held by the node. Old marks fall out of the
// set once the capacity is reached, which makes a re-send possible but
// never a lost bundle.
func (e *Entry) Add(m bundle.Meta) { e.known.Add(m.ID.String(), struct{}{}) }

// FreeSlots returns the number of transfers that may still be started
// towards the node.
func (e *Entry) FreeSlots() int { return e.max - len(e.inflight) }

// AcquireTransfer occupies a slot for the bundle.
func (e *Entry) AcquireTransfer(id bundle.ID) error {
	key := id.String()
	if _, ok := e.inflight[key]; ok {
		return ErrAlreadyInTransit
	}
	if len(e.inflight) >= e.max {
		return ErrNoMoreTransfers
	}
	e.inflight[key] = struct{}{}
	return nil
}

// ReleaseTransfer frees the slot held by the bundle, if any.
func (e *Entry) ReleaseTransfer(id bundle.ID) {
	delete(e.inflight, id.String())
}

// Database holds one Entry per reachable node behind a single lock.
// Callers lock around lookups and decisions and unlock before starting
// any transfer.
type Database struct {
	mu      sync.Mutex
	entries map[bundle.EID]*Entry

	maxTransfers int
	knownCap     int
	retention    time.Duration
	clock        clock.Clock
	metrics      *metrics.Metrics
}

// NewDatabase builds an empty database from the neighbor section of the
// config. A nil clk falls back to the wall clock, a nil m to no-op
// collectors.
func NewDatabase(cfg config.NeighborConfig, clk clock.Clock, m *metrics.Metrics) *Database {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.Nop()
	}
	knownCap := cfg.KnownCap
	if knownCap < 1 {
		knownCap = defaultKnownCap
	}
	maxTransfers := cfg.MaxTransfers
	if maxTransfers < 1 {
		maxTransfers = 1
	}
	return &Database{
		entries:      make(map[bundle.EID]*Entry),
		maxTransfers: maxTransfers,
		knownCap:     knownCap,
		retention:    time.Duration(cfg.RetentionSec) * time.Second,
		clock:        clk,
		metrics:      m,
	}
}

// Lock acquires the database lock.
func (d *Database) Lock() { d.mu.Lock() }

// Unlock releases the database lock.
func (d *Database) Unlock() { d.mu.Unlock() }

// Get returns the entry for the node, creating it when create is set.
// Requires the lock. The returned pointer stays valid only while the
// lock is held.
func (d *Database) Get(node bundle.EID, create bool) (*Entry, error) {
	key := node.Node()
	e, ok := d.entries[key]
	if !ok {
		if !create {
			return nil, ErrEntryNotFound
		}
		known, err := lru.New[string, struct{}](d.knownCap)
		if err != nil {
			return nil, err
		}
		e = &Entry{
			Node:     key,
			known:    known,
			inflight: make(map[string]struct{}),
			max:      d.maxTransfers,
		}
		d.entries[key] = e
		d.metrics.Neighbors.Set(float64(len(d.entries)))
		zap.L().Debug("neighbor entry created", zap.String("node", string(key)))
	}
	e.lastSeen = d.clock.Now()
	return e, nil
}

// Touch refreshes the retention timer of an existing entry. Requires
// the lock.
func (d *Database) Touch(node bundle.EID) {
	if e, ok := d.entries[node.Node()]; ok {
		e.lastSeen = d.clock.Now()
	}
}

// Remove drops the entry for the node. Requires the lock.
func (d *Database) Remove(node bundle.EID) {
	key := node.Node()
	if _, ok := d.entries[key]; !ok {
		return
	}
	delete(d.entries, key)
	d.metrics.Neighbors.Set(float64(len(d.entries)))
	zap.L().Info("neighbor entry removed", zap.String("node", string(key)))
}

// Nodes returns a snapshot of the nodes with an entry. Requires the
// lock.
func (d *Database) Nodes() []bundle.EID {
	out := make([]bundle.EID, 0, len(d.entries))
	for node := range d.entries {
		out = append(out, node)
	}
	return out
}

// Len returns the number of entries. Requires the lock.
func (d *Database) Len() int { return len(d.entries) }

// Run sweeps idle entries until ctx is done. Entries are idle once they
// were neither looked up nor touched within the retention window. With
// retention disabled the method returns immediately.
func (d *Database) Run(ctx context.Context) {
	if d.retention <= 0 {
		return
	}
	interval := d.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	t := d.clock.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.sweep()
		}
	}
}

func (d *Database) sweep() {
	deadline := d.clock.Now().Add(-d.retention)
	d.mu.Lock()
	defer d.mu.Unlock()
	for node, e := range d.entries {
		if e.lastSeen.After(deadline) {
			continue
		}
		delete(d.entries, node)
		zap.L().Info("neighbor entry expired", zap.String("node", string(node)))
	}
	d.metrics.Neighbors.Set(float64(len(d.entries)))
}
