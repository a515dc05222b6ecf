package audioblock

import "sync/atomic"

// MinCapacity is the smallest ring size the engine will accept (spec.md
// §3: "fixed capacity ≥ 25 blocks").
const MinCapacity = 25

// RingBuffer is a single-producer/single-consumer, fixed-capacity,
// wait-free queue. TryPush and TryPop never block and never allocate
// once constructed: overflow (producer finds the ring full) and
// underflow (consumer finds the ring empty) are observable via counters
// instead of being raised as errors, exactly as spec.md §3/§4.1 require.
//
// Safe for exactly one producer goroutine and one consumer goroutine
// calling concurrently with each other; it is not safe for multiple
// producers or multiple consumers.
type RingBuffer[T any] struct {
	buf  []T
	cap  uint64
	head atomic.Uint64 // next slot the consumer will read
	tail atomic.Uint64 // next slot the producer will write

	overflow  atomic.Uint64
	underflow atomic.Uint64
}

// NewRingBuffer creates a RingBuffer of the given capacity, which is
// raised to MinCapacity if smaller.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < MinCapacity {
		capacity = MinCapacity
	}
	return &RingBuffer[T]{
		buf: make([]T, capacity),
		cap: uint64(capacity),
	}
}

// TryPush inserts v. On a full ring it drops the oldest entry (advances
// head) to make room, increments the overflow counter, and returns
// false; the caller does not need to retry. Returns true on a plain
// successful insert.
func (r *RingBuffer[T]) TryPush(v T) bool {
	head := r.head.Load()
	tail := r.tail.Load()

	if tail-head >= r.cap {
		// Full: drop oldest.
		r.overflow.Add(1)
		r.head.Store(head + 1)
	}

	r.buf[tail%r.cap] = v
	r.tail.Store(tail + 1)
	return tail-head < r.cap
}

// TryPop removes and returns the oldest entry. ok is false (and the
// underflow counter is incremented) when the ring is empty.
func (r *RingBuffer[T]) TryPop() (v T, ok bool) {
	head := r.head.Load()
	tail := r.tail.Load()

	if head >= tail {
		r.underflow.Add(1)
		return v, false
	}

	v = r.buf[head%r.cap]
	r.head.Store(head + 1)
	return v, true
}

// Len returns the number of entries currently queued. Approximate under
// concurrent access but always safe to call.
func (r *RingBuffer[T]) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Cap returns the ring's fixed capacity.
func (r *RingBuffer[T]) Cap() int { return int(r.cap) }

// Counters returns and resets the overflow/underflow counters, mirroring
// the teacher's AudioEngine.DroppedFrames swap-and-reset idiom.
func (r *RingBuffer[T]) Counters() (overflow, underflow uint64) {
	return r.overflow.Swap(0), r.underflow.Swap(0)
}
