package participant

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatcher_SerializesPerKey(t *testing.T) {
	d := newDispatcher(8)

	var mu sync.Mutex
	var order []int
	var running int32
	for i := 0; i < 20; i++ {
		i := i
		ok := d.Submit("db/db_0", func() {
			if atomic.AddInt32(&running, 1) != 1 {
				t.Error("two tasks of one key ran concurrently")
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
		})
		require.True(t, ok)
	}
	d.Close()

	require.Len(t, order, 20)
	for i, got := range order {
		require.Equal(t, i, got, "tasks must run in submission order")
	}
}

func TestDispatcher_DistinctKeysRunInParallel(t *testing.T) {
	d := newDispatcher(4)
	defer d.Close()

	aEntered := make(chan struct{})
	release := make(chan struct{})
	d.Submit("a", func() {
		close(aEntered)
		<-release
	})
	<-aEntered

	bDone := make(chan struct{})
	d.Submit("b", func() { close(bDone) })

	select {
	case <-bDone:
	case <-time.After(2 * time.Second):
		t.Fatal("key b blocked behind key a")
	}
	close(release)
}

func TestDispatcher_PoolBoundsConcurrency(t *testing.T) {
	d := newDispatcher(1)

	var running, peak int32
	var wg sync.WaitGroup
	wg.Add(3)
	for _, key := range []string{"a", "b", "c"} {
		d.Submit(key, func() {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	wg.Wait()
	d.Close()

	require.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestDispatcher_ClosedRejectsSubmits(t *testing.T) {
	d := newDispatcher(1)
	d.Close()
	require.False(t, d.Submit("a", func() { t.Error("task ran after close") }))
}
