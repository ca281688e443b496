package history

import "sync"

// Buffer is a thread-safe FIFO that doubles its capacity when full, up to
// a limit. Send fails instead of growing past the limit.
type Buffer[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int
	count  int
	limit  int
	closed bool

	// Stats
	totalReceived int64
	totalSent     int64
	dropped       int64
	resizeCount   int
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	Limit         int
	TotalReceived int64
	TotalSent     int64
	Dropped       int64
	ResizeCount   int
}

// NewBuffer creates a buffer starting at initialCapacity items and never
// holding more than limit. A limit below initialCapacity is raised to it.
func NewBuffer[T any](initialCapacity, limit int) *Buffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit < initialCapacity {
		limit = initialCapacity
	}
	b := &Buffer[T]{
		buf:   make([]T, initialCapacity),
		limit: limit,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends item. It returns false if the buffer is closed or full.
func (b *Buffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.count == len(b.buf) {
		if len(b.buf) >= b.limit {
			b.dropped++
			return false
		}
		b.grow()
	}

	b.buf[(b.head+b.count)%len(b.buf)] = item
	b.count++
	b.totalReceived++

	b.cond.Signal()
	return true
}

// Receive blocks until an item is available or the buffer is closed.
// After Close it returns the remaining items, then false.
func (b *Buffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.take(), true
}

// DrainTo removes up to n items without blocking, or all when n <= 0.
func (b *Buffer[T]) DrainTo(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.count {
		n = b.count
	}
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	for i := range out {
		out[i] = b.take()
	}
	return out
}

// Close stops Send and wakes every blocked Receive.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      len(b.buf),
		Limit:         b.limit,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		Dropped:       b.dropped,
		ResizeCount:   b.resizeCount,
	}
}

// take removes the head item. Must be called with lock held.
func (b *Buffer[T]) take() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // release for GC
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	b.totalSent++
	return item
}

// grow doubles the capacity, capped at limit. Must be called with lock held.
func (b *Buffer[T]) grow() {
	newCapacity := len(b.buf) * 2
	if newCapacity > b.limit {
		newCapacity = b.limit
	}
	newBuf := make([]T, newCapacity)

	n := copy(newBuf, b.buf[b.head:])
	if n < b.count {
		copy(newBuf[n:], b.buf[:b.count-n])
	}

	b.buf = newBuf
	b.head = 0
	b.resizeCount++
}
