package engine

import (
	"context"
	"sync"
)

// Waiter is a caller suspended until the next line answering its property
// is dispatched.
type Waiter struct {
	property string
	done     chan struct{}
	once     sync.Once
	value    any
	err      error
}

func newWaiter(property string) *Waiter {
	return &Waiter{property: property, done: make(chan struct{})}
}

// Property returns the property the waiter is queued on.
func (w *Waiter) Property() string {
	return w.property
}

// Done is closed once the waiter has been resolved or cancelled.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the waiter completes or ctx ends.
//
// Giving up through ctx does not remove the waiter from its queue: the
// appliance will still answer the query that was sent, and that answer must
// be consumed by this waiter so later waiters stay aligned.
func (w *Waiter) Wait(ctx context.Context) (any, error) {
	select {
	case <-w.done:
		return w.value, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete records the outcome. Only the first call has any effect.
func (w *Waiter) complete(value any, err error) {
	w.once.Do(func() {
		w.value = value
		w.err = err
		close(w.done)
	})
}

// Ledger keeps a FIFO queue of waiters per property. The appliance answers
// in issue order and carries no request identifiers, so the oldest waiter
// always receives the next matching line.
//
// The ledger has no timeouts. Outstanding waiters are completed only by
// ResolveNext or CancelAll.
type Ledger struct {
	mu     sync.Mutex
	queues map[string][]*Waiter
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{queues: make(map[string][]*Waiter)}
}

// AwaitNext enqueues a waiter for property and returns it.
func (l *Ledger) AwaitNext(property string) *Waiter {
	w := newWaiter(property)

	l.mu.Lock()
	l.queues[property] = append(l.queues[property], w)
	l.mu.Unlock()

	return w
}

// ResolveNext completes the oldest waiter for property with value. It
// reports whether a waiter was resolved; an empty queue is a no-op.
func (l *Ledger) ResolveNext(property string, value any) bool {
	l.mu.Lock()
	queue := l.queues[property]
	if len(queue) == 0 {
		l.mu.Unlock()
		return false
	}
	w := queue[0]
	queue[0] = nil
	if len(queue) == 1 {
		delete(l.queues, property)
	} else {
		l.queues[property] = queue[1:]
	}
	l.mu.Unlock()

	w.complete(value, nil)
	return true
}

// CancelAll fails every outstanding waiter with err and empties the ledger.
// It returns the number of waiters cancelled.
func (l *Ledger) CancelAll(err error) int {
	l.mu.Lock()
	queues := l.queues
	l.queues = make(map[string][]*Waiter)
	l.mu.Unlock()

	n := 0
	for _, queue := range queues {
		for _, w := range queue {
			w.complete(nil, err)
			n++
		}
	}
	return n
}

// Pending returns the number of outstanding waiters for property.
func (l *Ledger) Pending(property string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues[property])
}

// Total returns the number of outstanding waiters across all properties.
func (l *Ledger) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, queue := range l.queues {
		n += len(queue)
	}
	return n
}

// withdraw removes w if it is still queued, completing it with err. Used
// when the query that created w never reached the wire.
func (l *Ledger) withdraw(w *Waiter, err error) bool {
	l.mu.Lock()
	queue := l.queues[w.property]
	idx := -1
	for i, candidate := range queue {
		if candidate == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		return false
	}
	queue = append(queue[:idx:idx], queue[idx+1:]...)
	if len(queue) == 0 {
		delete(l.queues, w.property)
	} else {
		l.queues[w.property] = queue
	}
	l.mu.Unlock()

	w.complete(nil, err)
	return true
}
