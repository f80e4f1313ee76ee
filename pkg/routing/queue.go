package routing

import (
	"errors"
	"sync"

	"dtnmesh/pkg/metrics"
)

// ErrQueueAborted is returned by Poll once the queue was aborted.
var ErrQueueAborted = errors.New("routing: queue aborted")

// Queue is the FIFO hand-off between event producers and the single
// worker. Push never blocks; Poll blocks until a task arrives or the
// queue is aborted. Abort wakes every waiter, Reset arms the queue
// again and drops whatever backlog survived the stop.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []Task
	aborted bool
	metrics *metrics.Metrics
}

// NewQueue builds an empty, armed queue. A nil m falls back to no-op
// collectors.
func NewQueue(m *metrics.Metrics) *Queue {
	if m == nil {
		m = metrics.Nop()
	}
	q := &Queue{metrics: m}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends the task. Pushes against an aborted queue are dropped,
// the producers of a stopped engine have nowhere to go anyway.
func (q *Queue) Push(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted {
		return
	}
	q.tasks = append(q.tasks, t)
	q.metrics.QueueDepth.Set(float64(len(q.tasks)))
	q.cond.Signal()
}

// Poll removes and returns the oldest task, blocking while the queue is
// empty. It returns ErrQueueAborted after Abort.
func (q *Queue) Poll() (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.tasks) == 0 && !q.aborted {
		q.cond.Wait()
	}
	if q.aborted {
		return nil, ErrQueueAborted
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	q.metrics.QueueDepth.Set(float64(len(q.tasks)))
	return t, nil
}

// Abort unblocks every pending and future Poll.
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = true
	q.cond.Broadcast()
}

// Reset clears the abort state and empties the backlog.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.aborted = false
	q.tasks = nil
	q.metrics.QueueDepth.Set(0)
}

// Len returns the current backlog size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
