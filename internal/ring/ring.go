// Package ring provides a fixed-capacity FIFO that drops the oldest entry
// when full. It backs the event bus queue and the MQTT offline buffer.
package ring

// Buffer is a fixed-capacity FIFO.
// Not safe for concurrent use; callers must synchronize.
type Buffer[T any] struct {
	buf      []T
	head     int // next write position
	count    int
	dropped  int // entries overwritten since the last drain
	overflow bool
}

// New returns a Buffer holding at most capacity entries.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{buf: make([]T, capacity)}
}

// Push appends v. When the buffer is full the oldest entry is overwritten
// and Push reports true.
func (r *Buffer[T]) Push(v T) (dropped bool) {
	capacity := len(r.buf)
	if r.count == capacity {
		// head already points at the oldest entry
		r.buf[r.head] = v
		r.head = (r.head + 1) % capacity
		r.dropped++
		r.overflow = true
		return true
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % capacity
	r.count++
	return false
}

// Pop removes and returns the oldest entry.
func (r *Buffer[T]) Pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	capacity := len(r.buf)
	start := (r.head - r.count + capacity) % capacity
	v := r.buf[start]
	r.buf[start] = zero
	r.count--
	if r.count == 0 {
		r.overflow = false
	}
	return v, true
}

// DrainAll removes and returns every entry, oldest first.
func (r *Buffer[T]) DrainAll() []T {
	if r.count == 0 {
		return nil
	}

	capacity := len(r.buf)
	result := make([]T, r.count)
	// Oldest item is at (head - count) mod capacity
	start := (r.head - r.count + capacity) % capacity
	for i := 0; i < r.count; i++ {
		idx := (start + i) % capacity
		result[i] = r.buf[idx]
		var zero T
		r.buf[idx] = zero
	}

	r.count = 0
	r.head = 0
	r.overflow = false
	return result
}

// Len returns the number of buffered entries.
func (r *Buffer[T]) Len() int {
	return r.count
}

// Overflowed reports whether anything was dropped since the buffer last
// became empty.
func (r *Buffer[T]) Overflowed() bool {
	return r.overflow
}

// Dropped returns the total number of entries overwritten.
func (r *Buffer[T]) Dropped() int {
	return r.dropped
}
