package history

import (
	"fmt"
	"log/slog"
	"sync"
)

// taskQueue runs submitted functions one at a time in submission order.
// At most one drain goroutine exists per queue:
//
//	idle    -> running   submit launches the drain goroutine
//	running -> running   submit appends; the goroutine picks it up
//	running -> idle      goroutine exits when the queue is empty
type taskQueue struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
}

func (q *taskQueue) submit(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

func (q *taskQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		runSafely(fn)
	}
}

// idle reports whether nothing is queued or running.
func (q *taskQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running && len(q.tasks) == 0
}

func runSafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("history task panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
