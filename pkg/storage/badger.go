package storage

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/config"
	"dtnmesh/pkg/metrics"
	"dtnmesh/pkg/wire/codec"
)

// Badger is the persistent backend. Three key families share one DB:
//
//	m:<id>         meta, CBOR
//	p:<id>         payload, raw
//	d:<node>:<id>  meta again, keyed by destination node
//
// <id> orders lexicographically by creation time, so prefix scans over
// m: or d:<node>: walk bundles in arrival order. The d: family lets a
// destination-scoped Select touch only the bundles it cares about.
type Badger struct {
	db    *badger.DB
	enc   codec.Codec
	count atomic.Int64

	clock   clock.Clock
	metrics *metrics.Metrics
}

// OpenBadger opens (or creates) the store under cfg.Dir. With
// cfg.InMemory set the DB lives on the heap, which tests use.
func OpenBadger(cfg config.StoreConfig, clk clock.Clock, m *metrics.Metrics) (*Badger, error) {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.Nop()
	}
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}
	enc, err := codec.CBOR()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Badger{db: db, enc: enc, clock: clk, metrics: m}
	n, err := s.countMetas()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.count.Store(n)
	s.metrics.StoredBundles.Set(float64(n))
	zap.L().Info("bundle store opened",
		zap.String("backend", "badger"),
		zap.String("dir", cfg.Dir),
		zap.Bool("in_memory", cfg.InMemory),
		zap.Int64("bundles", n))
	return s, nil
}

func idKey(id bundle.ID) string {
	// fixed-width numbers keep byte order equal to creation order
	return fmt.Sprintf("%020d.%020d.%s", id.Timestamp, id.Sequence, id.Source)
}

func metaKey(key string) []byte    { return []byte("m:" + key) }
func payloadKey(key string) []byte { return []byte("p:" + key) }
func destKey(node bundle.EID, key string) []byte {
	return []byte("d:" + string(node) + ":" + key)
}

func (s *Badger) Push(b bundle.Bundle) error {
	mb, err := s.enc.Marshal(b.Meta)
	if err != nil {
		return err
	}
	key := idKey(b.ID)
	fresh := false
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(metaKey(key)); errors.Is(err, badger.ErrKeyNotFound) {
			fresh = true
		} else if err != nil {
			return err
		}
		if err := txn.Set(metaKey(key), mb); err != nil {
			return err
		}
		if err := txn.Set(payloadKey(key), b.Payload); err != nil {
			return err
		}
		return txn.Set(destKey(b.Destination.Node(), key), mb)
	})
	if err != nil {
		return err
	}
	if fresh {
		s.metrics.StoredBundles.Set(float64(s.count.Add(1)))
	}
	zap.L().Debug("bundle stored",
		zap.String("id", b.ID.String()),
		zap.String("dst", string(b.Destination)),
		zap.Int("payload", len(b.Payload)))
	return nil
}

func (s *Badger) Get(id bundle.ID) (bundle.Bundle, error) {
	key := idKey(id)
	var b bundle.Bundle
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoBundleFound
		} else if err != nil {
			return err
		}
		if err := item.Value(func(v []byte) error { return s.enc.Unmarshal(v, &b.Meta) }); err != nil {
			return err
		}
		pitem, err := txn.Get(payloadKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoBundleFound
		} else if err != nil {
			return err
		}
		b.Payload, err = pitem.ValueCopy(nil)
		return err
	})
	if err != nil {
		return bundle.Bundle{}, err
	}
	if b.Expired(s.clock.Now()) {
		_ = s.Remove(id)
		return bundle.Bundle{}, ErrNoBundleFound
	}
	return b, nil
}

func (s *Badger) Remove(id bundle.ID) error {
	key := idKey(id)
	removed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoBundleFound
		} else if err != nil {
			return err
		}
		var m bundle.Meta
		if err := item.Value(func(v []byte) error { return s.enc.Unmarshal(v, &m) }); err != nil {
			return err
		}
		if err := txn.Delete(metaKey(key)); err != nil {
			return err
		}
		if err := txn.Delete(payloadKey(key)); err != nil {
			return err
		}
		if err := txn.Delete(destKey(m.Destination.Node(), key)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return err
	}
	if removed {
		s.metrics.StoredBundles.Set(float64(s.count.Add(-1)))
		zap.L().Debug("bundle removed", zap.String("id", id.String()))
	}
	return nil
}

func (s *Badger) Select(sel Selector) ([]bundle.Meta, error) {
	prefix := []byte("m:")
	if dest, scoped := destinationOf(sel); scoped {
		prefix = []byte("d:" + string(dest) + ":")
	}
	limit := sel.Limit()
	now := s.clock.Now()

	var out []bundle.Meta
	var stale []bundle.ID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var m bundle.Meta
			if err := it.Item().Value(func(v []byte) error { return s.enc.Unmarshal(v, &m) }); err != nil {
				return err
			}
			if m.Expired(now) {
				stale = append(stale, m.ID)
				continue
			}
			if !sel.Consider(m) {
				continue
			}
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	for _, id := range stale {
		_ = s.Remove(id)
	}
	return out, err
}

func (s *Badger) Expire(now time.Time) (int, error) {
	var stale []bundle.ID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("m:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var m bundle.Meta
			if err := it.Item().Value(func(v []byte) error { return s.enc.Unmarshal(v, &m) }); err != nil {
				return err
			}
			if m.Expired(now) {
				stale = append(stale, m.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, id := range stale {
		if err := s.Remove(id); err == nil {
			dropped++
		}
	}
	if dropped > 0 {
		zap.L().Info("bundles expired", zap.Int("count", dropped))
	}
	return dropped, nil
}

func (s *Badger) Len() int { return int(s.count.Load()) }

func (s *Badger) Close() error { return s.db.Close() }

func (s *Badger) countMetas() (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("m:")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
