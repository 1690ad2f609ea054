package sandbox

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// queueCapacity bounds pending evaluations; overflow is rejected at
// admission, synchronously.
const queueCapacity = 20

// ErrQueueFull is returned when admission would exceed the queue bound.
var ErrQueueFull = errors.New("evaluation queue is full")

// RunFunc executes one snippet to completion and returns its result string.
type RunFunc func(code string, msg map[string]any) string

// waiter is one queued evaluation with its single-use completion channel.
type waiter struct {
	code string
	msg  map[string]any
	done chan string
}

// Queue is a bounded FIFO with a single consumer. The consumer drains
// waiters one at a time, so at most one isolate exists at any instant —
// this is the serialization point for the whole service.
type Queue struct {
	mu       sync.Mutex
	waiters  []*waiter
	draining bool
	run      RunFunc
	log      zerolog.Logger
}

func NewQueue(run RunFunc, log zerolog.Logger) *Queue {
	return &Queue{run: run, log: log}
}

// Enqueue admits a snippet and returns the channel its result will be
// delivered on. Starts the consumer if none is draining.
func (q *Queue) Enqueue(code string, msg map[string]any) (<-chan string, error) {
	q.mu.Lock()
	if len(q.waiters) >= queueCapacity {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	w := &waiter{code: code, msg: msg, done: make(chan string, 1)}
	q.waiters = append(q.waiters, w)
	startConsumer := !q.draining
	if startConsumer {
		q.draining = true
	}
	depth := len(q.waiters)
	q.mu.Unlock()

	q.log.Debug().Int("depth", depth).Msg("evaluation queued")
	if startConsumer {
		go q.drain()
	}
	return w.done, nil
}

// drain pops waiters in FIFO order and runs each to completion. Only one
// drain loop exists at a time; it exits when the queue empties.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.waiters) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		q.mu.Unlock()

		w.done <- q.run(w.code, w.msg)
	}
}

// Eval enqueues and waits for the result. The context only abandons the
// wait (e.g. server shutdown); the evaluation itself is not cancellable.
func (q *Queue) Eval(ctx context.Context, code string, msg map[string]any) (string, error) {
	done, err := q.Enqueue(code, msg)
	if err != nil {
		return "", err
	}
	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Depth reports the number of queued waiters, for metrics.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
