package wire

import (
	"sync"
	"time"
)

// eventQueue delivers callbacks of one simulated device in order, each
// after the configured radio latency, on a dedicated goroutine
type eventQueue struct {
	delay time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

func newEventQueue(delay time.Duration) *eventQueue {
	q := &eventQueue{delay: delay, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *eventQueue) post(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
}

func (q *eventQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		if q.delay > 0 {
			time.Sleep(q.delay)
		}
		fn()
	}
}

// close drops undelivered callbacks and waits for the goroutine to exit
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
