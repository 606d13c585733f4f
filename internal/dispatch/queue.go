// Package dispatch is the webhook front door: it receives platform
// callbacks, deduplicates and coalesces them, and feeds the pipeline
// through per-chat serial queues so one slow conversation never blocks
// another.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// maxQueueSize bounds each per-chat queue; beyond it updates drop.
	maxQueueSize = 5
	// queueWarnRatio logs a warning when a queue crosses this fill level.
	queueWarnRatio = 0.8
	// jobTimeout caps one pipeline run end to end.
	jobTimeout = 600 * time.Second
)

// DrainTimeout is the budget callers should give Shutdown: long enough
// for a worker that just started its slowest possible job to finish.
const DrainTimeout = jobTimeout + 10*time.Second

// job is one queued unit of work.
type job func(ctx context.Context)

// queueSet runs jobs serially per key. Each key gets a bounded queue and
// a worker goroutine that exits once its queue drains.
type queueSet struct {
	log *slog.Logger

	mu     sync.Mutex
	queues map[string][]job
	active map[string]bool
	wg     sync.WaitGroup

	closed bool
}

func newQueueSet(log *slog.Logger) *queueSet {
	return &queueSet{
		log:    log,
		queues: make(map[string][]job),
		active: make(map[string]bool),
	}
}

// Submit enqueues work for a key. Returns false when the queue is full
// or the set is shutting down.
func (q *queueSet) Submit(key string, j job) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	pending := q.queues[key]
	if len(pending) >= maxQueueSize {
		q.mu.Unlock()
		q.log.Warn("dispatch.queue_full", "key", key, "dropped", 1)
		return false
	}
	q.queues[key] = append(pending, j)
	depth := len(q.queues[key])
	if float64(depth) >= queueWarnRatio*maxQueueSize {
		q.log.Warn("dispatch.queue_pressure", "key", key, "depth", depth, "max", maxQueueSize)
	}
	start := !q.active[key]
	if start {
		q.active[key] = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.drain(key)
	}
	return true
}

// drain runs queued jobs for one key until the queue empties.
func (q *queueSet) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		pending := q.queues[key]
		if len(pending) == 0 {
			delete(q.queues, key)
			q.active[key] = false
			q.mu.Unlock()
			return
		}
		next := pending[0]
		q.queues[key] = pending[1:]
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		next(ctx)
		cancel()
	}
}

// Shutdown stops accepting work and waits for in-flight jobs, up to the
// context deadline.
func (q *queueSet) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
