package server

import "sync"

// commandQueue is the unbounded FIFO between a connection's read loop and its
// worker. push never blocks, so sync replies behind a burst of commands are
// still read while the worker waits on one of them.
type commandQueue struct {
	mu     sync.Mutex
	items  []command
	closed bool
	ready  chan struct{}
}

func newCommandQueue(capacity int) *commandQueue {
	return &commandQueue{
		items: make([]command, 0, capacity),
		ready: make(chan struct{}, 1),
	}
}

// push appends cmd and returns the queue depth. Commands pushed after close
// are dropped and 0 is returned.
func (q *commandQueue) push(cmd command) int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.items = append(q.items, cmd)
	depth := len(q.items)
	q.mu.Unlock()
	q.signal()
	return depth
}

// pop waits for the next command. It returns false once the queue is closed
// and drained, or when done is closed.
func (q *commandQueue) pop(done <-chan struct{}) (command, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			cmd := q.items[0]
			q.items[0] = command{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return cmd, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return command{}, false
		}

		select {
		case <-q.ready:
		case <-done:
			return command{}, false
		}
	}
}

func (q *commandQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *commandQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *commandQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
