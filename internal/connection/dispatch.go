package connection

import "sync"

// dispatcher runs listener callbacks one at a time in the order they were
// posted. A drain goroutine exists only while callbacks are pending.
type dispatcher struct {
	mu      sync.Mutex
	idle    *sync.Cond
	queue   []func()
	running bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// post queues fn and returns without waiting for it to run.
func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, fn)
	if !d.running {
		d.running = true
		go d.drain()
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.idle.Broadcast()
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

// wait blocks until every callback posted so far has run. It must not be
// called from a callback.
func (d *dispatcher) wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.running {
		d.idle.Wait()
	}
}
