package link

import (
	"sync"

	"github.com/user/bluelink/logger"
)

// dispatcher runs tasks one at a time, in the order they were posted, on
// a single goroutine. Every transport callback and every bus publish of a
// session goes through it.
type dispatcher struct {
	prefix string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newDispatcher(prefix string) *dispatcher {
	d := &dispatcher{
		prefix: prefix,
		done:   make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

// post queues fn; it returns false once the dispatcher is stopped
func (d *dispatcher) post(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	return true
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.exec(fn)
	}
}

func (d *dispatcher) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(d.prefix, "dispatcher task panicked: %v", r)
		}
	}()
	fn()
}

// stop refuses new tasks, runs the ones already queued and waits for the
// goroutine to exit. It must not be called from a task.
func (d *dispatcher) stop() {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

// call posts fn and waits for it to run. It must not be called from a task.
func (d *dispatcher) call(fn func()) bool {
	ran := make(chan struct{})
	if !d.post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	<-ran
	return true
}
