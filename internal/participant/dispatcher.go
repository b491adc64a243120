package participant

import (
	"sync"
)

// dispatcher runs tasks on a bounded worker pool with per-key mutual
// exclusion: tasks sharing a key execute one at a time in submission order,
// distinct keys run in parallel up to the pool size.
type dispatcher struct {
	slots chan struct{}

	mu     sync.Mutex
	queues map[string][]func()
	closed bool

	wg sync.WaitGroup
}

func newDispatcher(poolSize int) *dispatcher {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &dispatcher{
		slots:  make(chan struct{}, poolSize),
		queues: make(map[string][]func()),
	}
}

// Submit enqueues a task for its key. The first task of an idle key spawns
// that key's runner; later tasks ride the existing runner's queue.
func (d *dispatcher) Submit(key string, task func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	queue, running := d.queues[key]
	d.queues[key] = append(queue, task)
	if running {
		d.mu.Unlock()
		return true
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.drain(key)
	return true
}

// drain runs the key's queue to exhaustion, taking a pool slot per task so
// one hot key cannot starve the pool between its tasks.
func (d *dispatcher) drain(key string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		task := queue[0]
		d.queues[key] = queue[1:]
		d.mu.Unlock()

		d.slots <- struct{}{}
		task()
		<-d.slots
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (d *dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
