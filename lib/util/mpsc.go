// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC)
// queue used as the ordered hand-off between the channel goroutines.
//
// Features and Guarantees:
//
//   - Lock-Free: atomic operations for high throughput and low latency even under contention
//   - Unbounded Size: the queue can grow to any size as needed, limited only by available memory
//   - Thread-Safe writes: Allows any number of goroutines to safely Push() concurrently
//   - Single Consumer: Designed for a single goroutine to consume values (via the Recv() channel)
//   - Per-Producer FIFO: items pushed sequentially by one goroutine are received in push order;
//     no total order is guaranteed across concurrent producers
//   - Close Drains: items pushed before Close are still delivered to the consumer
package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// MPSC is a lock-free multi-producer single-consumer queue built on a linked
// list of nodes. Producers append with CAS, a single consumer goroutine moves
// items to the output channel.
type MPSC[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	out    chan *T
	closed atomic.Bool

	// Condition variable for efficient waiting
	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSC creates a new queue and starts its consumer goroutine
func NewMPSC[T any]() *MPSC[T] {
	// Sentinel node so head and tail are never nil
	sentinel := &node[T]{}

	q := &MPSC[T]{
		out: make(chan *T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.consume()

	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSC[T]) Push(value *T) bool {
	if value == nil {
		return false
	}

	if q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}

	var backoff uint8 = 0

	for {
		tailNode := q.tail.Load()

		next := tailNode.next.Load()
		if next == nil {
			// The tail has no next node yet, try to append our node
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// Appended. The tail CAS may fail if another producer helps
				// update it, which is fine - tail catches up eventually.
				q.tail.CompareAndSwap(tailNode, newNode)

				// Signal the consumer that new data is available. The lock
				// pairs with the consumer's check-then-wait: without it the
				// signal could fall between the two and be lost.
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()

				return true
			}
		} else {
			// Help update the tail pointer for a producer that appended but
			// has not moved the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// Exponential backoff under contention: spin at low retry counts,
		// yield the processor once contention persists
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume continuously moves items from the linked list to the output channel
func (q *MPSC[T]) consume() {
	defer close(q.out)

	for {
		hasItems := false

		// Process all currently available items
		for {
			head := q.head.Load()
			next := head.next.Load()

			if next == nil {
				break
			}

			hasItems = true
			value := next.value

			// Move the head pointer so the old node can be collected
			q.head.Store(next)

			q.out <- value

			// Help the gc, safe to clear after sending
			next.value = nil
		}

		// Exit once closed and fully drained
		if !hasItems && q.closed.Load() {
			return
		}

		// Nothing available, wait for a producer signal
		if !hasItems {
			q.mu.Lock()
			head := q.head.Load()
			if head.next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns a receive-only channel for consuming from the queue. The
// channel is closed after Close once all remaining items were delivered.
func (q *MPSC[T]) Recv() <-chan *T {
	return q.out
}

// Close closes the queue, preventing further writes.
// Any items already in the queue will still be delivered to the consumer,
// the Recv channel is closed once they are drained.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)

	// Wake up the consumer if it's waiting
	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}
