package routing

import (
	"errors"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(nil)
	q.Push(SearchTask{Target: "dtn://a"})
	q.Push(SearchTask{Target: "dtn://b"})
	q.Push(ProcessTask{NextHop: "dtn://c"})
	if q.Len() != 3 {
		t.Fatalf("len = %d", q.Len())
	}
	first, err := q.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if st, ok := first.(SearchTask); !ok || st.Target != "dtn://a" {
		t.Fatalf("first = %v", first)
	}
	second, _ := q.Poll()
	if st, ok := second.(SearchTask); !ok || st.Target != "dtn://b" {
		t.Fatalf("second = %v", second)
	}
	third, _ := q.Poll()
	if pt, ok := third.(ProcessTask); !ok || pt.NextHop != "dtn://c" {
		t.Fatalf("third = %v", third)
	}
}

func TestQueueAbortUnblocksPoll(t *testing.T) {
	q := NewQueue(nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Poll()
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	q.Abort()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrQueueAborted) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not unblock")
	}
	// future polls fail immediately as well
	if _, err := q.Poll(); !errors.Is(err, ErrQueueAborted) {
		t.Fatalf("err = %v", err)
	}
}

func TestQueueResetArmsAgain(t *testing.T) {
	q := NewQueue(nil)
	q.Push(SearchTask{Target: "dtn://stale"})
	q.Abort()
	q.Push(SearchTask{Target: "dtn://dropped"})

	q.Reset()
	if q.Len() != 0 {
		t.Fatalf("backlog survived reset: %d", q.Len())
	}
	q.Push(SearchTask{Target: "dtn://fresh"})
	task, err := q.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if st, ok := task.(SearchTask); !ok || st.Target != "dtn://fresh" {
		t.Fatalf("task = %v", task)
	}
}
