package netutil

import (
	"context"
	"sync"

	"golang.org/x/exp/constraints"
)

// Queue is an unbounded FIFO queue.
// The buffer is a ring which doubles in size when it fills up.
// The zero value is ready to use.
type Queue[T any] struct {
	mu           sync.Mutex
	front, n     int
	buffer       []T
	nonEmptyChan chan struct{}
}

// Push adds x to the back of the queue. It never blocks.
func (q *Queue[T]) Push(x T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.buffer) {
		q.grow()
	}
	q.buffer[mod(q.front+q.n, len(q.buffer))] = x
	q.n++
	if q.n == 1 && q.nonEmptyChan != nil {
		close(q.nonEmptyChan)
		q.nonEmptyChan = nil
	}
}

// TryPop removes the front of the queue if there is one.
func (q *Queue[T]) TryPop() (ret T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return ret, false
	}
	return q.popFront(), true
}

// Pop blocks until there is an element at the front of the queue, or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (ret T, _ error) {
	for {
		if waitChan := func() chan struct{} {
			q.mu.Lock()
			defer q.mu.Unlock()
			if q.n > 0 {
				ret = q.popFront()
				return nil
			}
			if q.nonEmptyChan == nil {
				q.nonEmptyChan = make(chan struct{})
			}
			return q.nonEmptyChan
		}(); waitChan == nil {
			return ret, nil
		} else {
			select {
			case <-ctx.Done():
				return ret, ctx.Err()
			case <-waitChan:
			}
		}
	}
}

// Purge empties the queue and returns everything that was in it, front first.
func (q *Queue[T]) Purge() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	ret := make([]T, 0, q.n)
	for q.n > 0 {
		ret = append(ret, q.popFront())
	}
	q.front = 0
	return ret
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *Queue[T]) popFront() T {
	if q.n == 0 {
		panic("pop on empty queue")
	}
	var zero T
	x := q.buffer[q.front]
	q.buffer[q.front] = zero
	q.front = mod(q.front+1, len(q.buffer))
	q.n--
	return x
}

func (q *Queue[T]) grow() {
	size := 2 * len(q.buffer)
	if size == 0 {
		size = 8
	}
	buf := make([]T, size)
	for i := 0; i < q.n; i++ {
		buf[i] = q.buffer[mod(q.front+i, len(q.buffer))]
	}
	q.buffer = buf
	q.front = 0
}

func mod[T constraints.Integer](x, m T) T {
	z := x % m
	if z < 0 {
		z += m
	}
	return z
}
