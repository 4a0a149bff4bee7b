// Copyright 2025 Tom Barlow
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

package orchestrator

import (
	"context"
	"sync"

	maestroerrors "github.com/tombee/maestro/pkg/errors"
)

// queueEntry pairs a pending run with its submission priority.
type queueEntry struct {
	r        *run
	priority int
}

// admitQueue is the bounded admission queue feeding the run slots.
// Entries order by priority (higher first), submission order within a
// priority. A capacity-1 signal channel wakes the blocked pop without
// thundering-herd semantics.
type admitQueue struct {
	mu       sync.Mutex
	entries  []queueEntry
	capacity int
	closed   bool
	signal   chan struct{}
}

func newAdmitQueue(capacity int) *admitQueue {
	return &admitQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// push inserts a run by priority. A full or closed queue rejects the
// submission.
func (q *admitQueue) push(r *run, priority int) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return &maestroerrors.CancelledError{Resource: "admission queue", ID: "closed"}
	}
	if len(q.entries) >= q.capacity {
		q.mu.Unlock()
		return &maestroerrors.ValidationError{
			Field:      "queue",
			Message:    "admission queue is full",
			Suggestion: "retry later or raise orchestrator.queue_capacity",
		}
	}

	entry := queueEntry{r: r, priority: priority}
	inserted := false
	for i := range q.entries {
		if priority > q.entries[i].priority {
			q.entries = append(q.entries[:i], append([]queueEntry{entry}, q.entries[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.entries = append(q.entries, entry)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// pop blocks until an entry is available, the queue closes, or ctx is
// cancelled.
func (q *admitQueue) pop(ctx context.Context) (*run, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, &maestroerrors.CancelledError{Resource: "admission queue", ID: "closed"}
		}
		if len(q.entries) > 0 {
			entry := q.entries[0]
			q.entries = q.entries[1:]
			q.mu.Unlock()
			return entry.r, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// remove takes a specific run out of the queue; false means it was
// already popped (or never queued).
func (q *admitQueue) remove(r *run) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].r == r {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (q *admitQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// close rejects further pushes and returns the entries never admitted.
func (q *admitQueue) close() []*run {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	leftover := make([]*run, 0, len(q.entries))
	for _, entry := range q.entries {
		leftover = append(leftover, entry.r)
	}
	q.entries = nil

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return leftover
}
