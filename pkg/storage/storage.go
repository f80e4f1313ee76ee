// Package storage keeps bundles between arrival and forwarding. Every
// backend offers the same contract: FIFO iteration in arrival order,
// lookup and removal by bundle ID, and lifetime-based expiry.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/config"
	"dtnmesh/pkg/metrics"
)

// ErrNoBundleFound is returned when the requested bundle is not in the
// store, including the case where its lifetime already ran out.
var ErrNoBundleFound = errors.New("storage: no such bundle")

// Selector filters and bounds a Select scan. Limit caps the number of
// returned descriptors, zero or negative means unbounded. Consider is
// called per candidate in arrival order.
type Selector interface {
	Limit() int
	Consider(m bundle.Meta) bool
}

// DestinationSelector additionally names the single destination node
// the scan is interested in. Backends with a destination index use it
// to skip unrelated bundles; others fall back to filtering.
type DestinationSelector interface {
	Selector
	DestinationNode() bundle.EID
}

// Store is the bundle storage contract.
type Store interface {
	// Push stores the bundle. Pushing an ID again replaces the stored copy.
	Push(b bundle.Bundle) error
	// Get returns the bundle or ErrNoBundleFound.
	Get(id bundle.ID) (bundle.Bundle, error)
	// Remove drops the bundle or returns ErrNoBundleFound.
	Remove(id bundle.ID) error
	// Select scans stored descriptors in arrival order, skipping expired
	// ones, and returns those the selector accepts.
	Select(sel Selector) ([]bundle.Meta, error)
	// Expire drops every bundle whose lifetime ran out at now and
	// returns how many were dropped.
	Expire(now time.Time) (int, error)
	// Len returns the number of stored bundles.
	Len() int
	Close() error
}

// Open builds the store named by the config. A nil clk falls back to
// the wall clock, a nil m to no-op collectors.
func Open(cfg config.StoreConfig, clk clock.Clock, m *metrics.Metrics) (Store, error) {
	switch cfg.Backend {
	case "", "badger":
		return OpenBadger(cfg, clk, m)
	case "memory":
		return NewMemory(clk, m), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

func destinationOf(sel Selector) (bundle.EID, bool) {
	if ds, ok := sel.(DestinationSelector); ok {
		return ds.DestinationNode().Node(), true
	}
	return "", false
}
