package strategies

// ringBuffer is a fixed-capacity FIFO that overwrites its oldest element.
type ringBuffer[T any] struct {
	buf    []T
	start  int
	length int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringBuffer[T]{buf: make([]T, capacity)}
}

func (q *ringBuffer[T]) Push(v T) {
	if q.length < len(q.buf) {
		q.buf[(q.start+q.length)%len(q.buf)] = v
		q.length++
		return
	}
	// overwrite oldest
	q.buf[q.start] = v
	q.start = (q.start + 1) % len(q.buf)
}

func (q *ringBuffer[T]) Get(index int) (T, bool) {
	var zero T
	if index < 0 || index >= q.length {
		return zero, false
	}
	return q.buf[(q.start+index)%len(q.buf)], true
}

func (q *ringBuffer[T]) Len() int   { return q.length }
func (q *ringBuffer[T]) Full() bool { return q.length == len(q.buf) }

func (q *ringBuffer[T]) ToSlice() []T {
	out := make([]T, q.length)
	for i := 0; i < q.length; i++ {
		out[i] = q.buf[(q.start+i)%len(q.buf)]
	}
	return out
}
