package transport

import (
	"sync"

	"github.com/gammazero/deque"
)

// outbox queues encoded frames for the writer goroutine of the live connection.
// It only accepts frames while a connection is up.
type outbox struct {
	mu     sync.Mutex
	queue  deque.Deque[[]byte]
	live   bool
	signal chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		mu:     sync.Mutex{},
		queue:  deque.Deque[[]byte]{},
		live:   false,
		signal: make(chan struct{}, 1),
	}
}

func (o *outbox) push(frame []byte) error {
	o.mu.Lock()
	if !o.live {
		o.mu.Unlock()
		return ErrNotConnected
	}
	o.queue.PushBack(frame)
	o.mu.Unlock()
	select {
	case o.signal <- struct{}{}:
	default:
	}
	return nil
}

func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.queue.Len() == 0 {
		return nil, false
	}
	return o.queue.PopFront(), true
}

// open starts accepting frames for a fresh connection.
func (o *outbox) open() {
	o.mu.Lock()
	o.queue.Clear()
	o.live = true
	o.mu.Unlock()
}

// discard drops everything queued for a connection that is gone and reports
// how many frames were lost.
func (o *outbox) discard() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.queue.Len()
	o.queue.Clear()
	o.live = false
	return n
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len()
}
