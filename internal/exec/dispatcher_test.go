package exec

import (
	"sync/atomic"
	"testing"
)

func TestDispatcherRunsEveryThread(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(4)
	defer d.Close()

	var seen [4]int32
	d.Run(func(threadIndex, nThreads int) {
		if nThreads != 4 {
			t.Errorf("nThreads = %d, want 4", nThreads)
		}
		atomic.AddInt32(&seen[threadIndex], 1)
	})
	for i, n := range seen {
		if n != 1 {
			t.Errorf("thread %d ran %d times, want 1", i, n)
		}
	}
}

func TestDispatcherJoinsBeforeReturn(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(8)
	defer d.Close()

	var counter int32
	for round := 0; round < 100; round++ {
		d.Run(func(threadIndex, nThreads int) {
			atomic.AddInt32(&counter, 1)
		})
		// Every invocation of the previous round must be visible here.
		if got := atomic.LoadInt32(&counter); got != int32((round+1)*8) {
			t.Fatalf("round %d: counter = %d, want %d", round, got, (round+1)*8)
		}
	}
}

func TestDispatcherSingleThread(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(1)
	defer d.Close()

	ran := false
	d.Run(func(threadIndex, nThreads int) {
		if threadIndex != 0 || nThreads != 1 {
			t.Errorf("got thread %d/%d, want 0/1", threadIndex, nThreads)
		}
		ran = true
	})
	if !ran {
		t.Fatal("callback did not run")
	}
}

func TestBatchShareCoversRange(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 3, 7, 8, 100} {
		for _, nThreads := range []int{1, 2, 3, 8} {
			covered := 0
			prevEnd := 0
			for ti := 0; ti < nThreads; ti++ {
				start, end := batchShare(n, nThreads, ti)
				if start < prevEnd {
					t.Errorf("n=%d threads=%d: overlapping share", n, nThreads)
				}
				covered += end - start
				prevEnd = end
			}
			if covered != n {
				t.Errorf("n=%d threads=%d: covered %d", n, nThreads, covered)
			}
		}
	}
}
