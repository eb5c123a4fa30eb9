// Copyright 2025 the Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler is the submission facade: it accepts trigger
// fires, deduplicates them, queues the resulting executions, and
// drives them through the dispatcher with a bounded worker pool. It
// does not parse cron and does not own a clock; fire times come from
// the outside.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/spine-io/spine/pkg/errors"
)

// Queue errors are fixed values so callers can test with errors.Is.
var (
	// ErrQueueClosed reports an operation on a closed queue.
	ErrQueueClosed = errors.NewOrchestration(errors.SubSchedule,
		"submission queue is closed", false, nil)

	// ErrQueueFull reports a bounded queue at capacity. Retryable: the
	// backlog drains as workers finish.
	ErrQueueFull = errors.NewOrchestration(errors.SubSchedule,
		"submission queue is full", true, nil)
)

// Item is one queued execution. The execution row already exists in
// QUEUED status; the item only carries what the workers need to pick
// it up.
type Item struct {
	ExecutionID string
	Pipeline    string
	Priority    int
	Attempt     int
	EnqueuedAt  time.Time
}

// Queue is a bounded in-memory priority queue. Higher priority
// dequeues first; equal priorities keep FIFO order. Dequeue blocks
// until an item arrives, the context dies, or the queue closes.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	capacity int
	signal   chan struct{}
	closed   bool
}

// NewQueue builds a queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		items:    make([]Item, 0, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue inserts an item by priority.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}

	inserted := false
	for i := 0; i < len(q.items); i++ {
		if item.Priority > q.items[i].Priority {
			q.items = append(q.items[:i], append([]Item{item}, q.items[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.items = append(q.items, item)
	}
	depth := len(q.items)

	// Wake one blocked Dequeue. The channel holds a single token;
	// waiters re-check the slice, so a missed send is harmless. The
	// send stays under the mutex so it can never race Close.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	q.mu.Unlock()

	queueDepth.Set(float64(depth))
	return nil
}

// Dequeue removes and returns the highest-priority item, blocking
// while the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Item{}, ErrQueueClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			depth := len(q.items)
			if depth > 0 {
				// Pass the baton so a backlog wakes every idle worker,
				// not just the one that caught the enqueue signal.
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			queueDepth.Set(float64(depth))
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, errors.NewOrchestration(errors.SubSchedule,
				"cancelled while waiting for queued work", true, ctx.Err())
		case <-q.signal:
		}
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further operations and unblocks waiters. Items still
// queued are dropped; their executions stay QUEUED in the store.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
