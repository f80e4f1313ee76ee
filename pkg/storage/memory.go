package storage

import (
	"container/heap"
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"dtnmesh/pkg/bundle"
	"dtnmesh/pkg/metrics"
)

// Memory is the volatile backend. A single mutex guards a map keyed by
// bundle ID, an arrival-order list for FIFO scans, and a min-heap of
// expiry deadlines so Expire never walks the whole store.
type Memory struct {
	mu    sync.Mutex
	byID  map[bundle.ID]*memEntry
	order *list.List
	expq  expHeap

	clock   clock.Clock
	metrics *metrics.Metrics
}

type memEntry struct {
	b    bundle.Bundle
	elem *list.Element
}

// NewMemory builds an empty in-memory store.
func NewMemory(clk clock.Clock, m *metrics.Metrics) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Memory{
		byID:    make(map[bundle.ID]*memEntry),
		order:   list.New(),
		clock:   clk,
		metrics: m,
	}
}

func (s *Memory) Push(b bundle.Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byID[b.ID]; ok {
		e.b = b
		return nil
	}
	e := &memEntry{b: b}
	e.elem = s.order.PushBack(b.ID)
	s.byID[b.ID] = e
	heap.Push(&s.expq, expItem{when: b.ExpiresAt().UnixNano(), id: b.ID})
	s.metrics.StoredBundles.Set(float64(len(s.byID)))
	zap.L().Debug("bundle stored",
		zap.String("id", b.ID.String()),
		zap.String("dst", string(b.Destination)),
		zap.Int("payload", len(b.Payload)))
	return nil
}

func (s *Memory) Get(id bundle.ID) (bundle.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return bundle.Bundle{}, ErrNoBundleFound
	}
	if e.b.Expired(s.clock.Now()) {
		s.removeLocked(id)
		return bundle.Bundle{}, ErrNoBundleFound
	}
	out := e.b
	out.Payload = append([]byte(nil), e.b.Payload...)
	return out, nil
}

func (s *Memory) Remove(id bundle.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return ErrNoBundleFound
	}
	s.removeLocked(id)
	zap.L().Debug("bundle removed", zap.String("id", id.String()))
	return nil
}

func (s *Memory) Select(sel Selector) ([]bundle.Meta, error) {
	dest, scoped := destinationOf(sel)
	limit := sel.Limit()
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []bundle.Meta
	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		id := elem.Value.(bundle.ID)
		e := s.byID[id]
		if e.b.Expired(now) {
			s.removeLocked(id)
			elem = next
			continue
		}
		m := e.b.Meta
		if scoped && m.Destination.Node() != dest {
			elem = next
			continue
		}
		if sel.Consider(m) {
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		elem = next
	}
	return out, nil
}

func (s *Memory) Expire(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for s.expq.Len() > 0 && s.expq[0].when <= now.UnixNano() {
		it := heap.Pop(&s.expq).(expItem)
		e, ok := s.byID[it.id]
		if !ok {
			continue
		}
		if !e.b.Expired(now) {
			// replaced with a longer lifetime, track the new deadline
			heap.Push(&s.expq, expItem{when: e.b.ExpiresAt().UnixNano(), id: it.id})
			continue
		}
		s.removeLocked(it.id)
		dropped++
	}
	if dropped > 0 {
		zap.L().Info("bundles expired", zap.Int("count", dropped))
	}
	return dropped, nil
}

func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *Memory) Close() error { return nil }

// removeLocked requires s.mu. Heap items for the ID become tombstones
// and are skipped when they surface.
func (s *Memory) removeLocked(id bundle.ID) {
	e := s.byID[id]
	s.order.Remove(e.elem)
	delete(s.byID, id)
	s.metrics.StoredBundles.Set(float64(len(s.byID)))
}

type expItem struct {
	when int64
	id   bundle.ID
}

type expHeap []expItem

func (q expHeap) Len() int           { return len(q) }
func (q expHeap) Less(i, j int) bool { return q[i].when < q[j].when }
func (q expHeap) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *expHeap) Push(x any)        { *q = append(*q, x.(expItem)) }

func (q *expHeap) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}
